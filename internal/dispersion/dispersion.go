// Package dispersion keeps the piecewise-constant, append-only log of
// wall-clock dispersion over a measurement window (C6, spec §3/§4.6).
// It is grounded on the teacher's src/dlq.go ledger style — an
// ordered, append-only sequence queried by the caller rather than
// iterated — adapted here to a binary search over time instead of a
// FIFO dequeue.
package dispersion

import (
	"sort"
	"sync"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
)

// Record is one (wallClockInstant, dispersionSeconds) point.
type Record struct {
	At       clock.WallNanos
	Seconds  float64
}

// Recorder is append-only during a measurement (spec §3 lifecycle: it
// exists only for the duration of one measurement run).
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// NewRecorder returns an empty recorder, for the client (TV-measuring)
// role where dispersion actually grows over the run.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// NewZero returns a recorder pre-seeded with a single zero-dispersion
// record at the given instant, for the server role (spec §4.6: "In
// server role the record is static... no dispersion is reported
// outward" is phrased for C3; C6 mirrors it by generating a constant
// zero dispersion).
func NewZero(at clock.WallNanos) *Recorder {
	return &Recorder{records: []Record{{At: at, Seconds: 0}}}
}

// Append records a new dispersion observation. Receipt order is
// preserved (ordering guarantee §5b); the log does not need wall-clock
// order from its caller since At is supplied by the caller already
// timestamped at receipt.
func (r *Recorder) Append(at clock.WallNanos, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{At: at, Seconds: seconds})
}

// At returns the most recently recorded dispersion at or before w; if w
// precedes the first record, the first record's value is returned
// (spec §4.6, testable property "dispersion lookup" in §8). An empty
// recorder reports zero.
func (r *Recorder) At(w clock.WallNanos) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return 0
	}

	// Records are appended in receipt order, which this package does not
	// assume is wall-clock order; find the latest one whose timestamp is
	// <= w by scanning the sorted-by-time view.
	sorted := append([]Record(nil), r.records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	idx := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].At > w
	})
	if idx == 0 {
		return sorted[0].Seconds
	}
	return sorted[idx-1].Seconds
}

// Snapshot returns an immutable copy of the log sorted by wall-clock
// instant, captured at ANALYSING entry (ordering guarantee §5c).
func (r *Recorder) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)
	sort.Slice(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out
}
