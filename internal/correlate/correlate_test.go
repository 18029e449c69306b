package correlate

import (
	"math"
	"testing"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func buildExpected(m int) []clock.Tick {
	e := make([]clock.Tick, m)
	for i := range e {
		e[i] = clock.Tick(i * 1000)
	}
	return e
}

func TestCorrelateInsufficientObservations(t *testing.T) {
	expected := buildExpected(20)
	observed := []Observation{{Tick: 0}, {Tick: 1000}}

	_, err := Correlate(observed, expected, 7)
	require.Error(t, err)
	kind, ok := syncerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.InsufficientObservations, kind)
}

func TestCorrelateExactOffset(t *testing.T) {
	expected := buildExpected(20)
	kTrue := 5
	c := clock.Tick(250) // constant shift
	observed := make([]Observation, 10)
	for i := range observed {
		observed[i] = Observation{Tick: expected[i+kTrue] + c, Bound: time.Millisecond}
	}

	result, err := Correlate(observed, expected, 7)
	require.NoError(t, err)
	assert.Equal(t, kTrue, result.K)
	assert.InDelta(t, 250, result.Offset, 1e-9)
	assert.InDelta(t, 0, result.Jitter, 1e-9)
}

// TestCorrelatorOptimalityProperty is the testable property of spec §8:
// for synthetic O = E[k*..k*+N-1] + c + eps with small-variance eps, the
// selected offset converges to k* as the noise shrinks.
func TestCorrelatorOptimalityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := rapid.IntRange(20, 60).Draw(rt, "m")
		n := rapid.IntRange(7, m).Draw(rt, "n")
		kTrue := rapid.IntRange(0, m-n).Draw(rt, "kTrue")
		c := rapid.Float64Range(-500, 500).Draw(rt, "c")

		// Irregular spacing: with evenly spaced ticks every offset k would
		// give the same residual variance. The extra ((j*j) mod 101)*9 term
		// makes every shifted window's residuals spread far wider than the
		// perturbation below, while keeping the list increasing.
		expected := make([]clock.Tick, m)
		for j := range expected {
			expected[j] = clock.Tick(j*1000 + (j*j%101)*9)
		}
		observed := make([]Observation, n)
		// Deterministic, tiny perturbation rather than true randomness, so
		// that a failing case reproduces exactly; it stays well below the
		// spread that any wrong offset adds to the residuals.
		for i := 0; i < n; i++ {
			eps := math.Mod(float64(i)*0.37, 1.0) - 0.5
			observed[i] = Observation{Tick: clock.Tick(float64(expected[i+kTrue]) + c + eps)}
		}

		result, err := Correlate(observed, expected, 7)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if result.K != kTrue {
			rt.Fatalf("k*=%d, want %d (m=%d n=%d c=%v)", result.K, kTrue, m, n, c)
		}
	})
}
