package dispersion

import (
	"testing"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAtBeforeFirstReturnsFirst(t *testing.T) {
	r := NewRecorder()
	r.Append(100, 0.002)
	r.Append(200, 0.004)
	assert.Equal(t, 0.002, r.At(50))
}

func TestAtHoldsLastValue(t *testing.T) {
	r := NewRecorder()
	r.Append(100, 0.002)
	r.Append(200, 0.004)
	assert.Equal(t, 0.002, r.At(150))
	assert.Equal(t, 0.004, r.At(1000))
}

func TestEmptyRecorderIsZero(t *testing.T) {
	r := NewRecorder()
	assert.Equal(t, 0.0, r.At(42))
}

// TestDispersionLookupProperty is the "dispersion lookup" testable
// property of spec §8: for any query instant and insertion history, the
// returned value equals the value recorded at the latest instant <= w
// (or the earliest if w precedes all records).
func TestDispersionLookupProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		r := NewRecorder()
		type point struct {
			at  int64
			sec float64
		}
		pts := make([]point, 0, n)
		at := int64(0)
		for i := 0; i < n; i++ {
			at += rapid.Int64Range(1, 1000).Draw(rt, "gap")
			sec := rapid.Float64Range(0, 10).Draw(rt, "sec")
			r.Append(clock.WallNanos(at), sec)
			pts = append(pts, point{at, sec})
		}

		q := rapid.Int64Range(-500, at+1000).Draw(rt, "q")
		got := r.At(clock.WallNanos(q))

		want := pts[0].sec
		for _, p := range pts {
			if p.at <= q {
				want = p.sec
			}
		}

		if got != want {
			rt.Fatalf("At(%d) = %v, want %v", q, got, want)
		}
	})
}
