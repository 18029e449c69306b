// Package correlate aligns an observed pulse train to the canonical
// maximal-length-sequence expected list by minimum-variance offset
// search (C8, spec §4.8). The variance/mean computation is wired to
// gonum.org/v1/gonum/stat, a domain dependency carried over from the
// ausocean-av example's stack rather than hand-rolled, since computing
// population mean/variance over a residual set is exactly what that
// package is for.
package correlate

import (
	"math"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"gonum.org/v1/gonum/stat"
)

// Observation is one translated pulse instant with its C9 error bound.
type Observation struct {
	Tick  clock.Tick
	Bound time.Duration
}

// Residual is one pulse's outcome at the chosen offset.
type Residual struct {
	Index        int
	ObservedTick clock.Tick
	ExpectedTick clock.Tick
	Residual     float64 // ticks
	Bound        time.Duration
}

// Result is the correlator's output (spec §4.8).
type Result struct {
	K         int
	Offset    float64 // mean residual, in ticks
	Jitter    float64 // sqrt(population variance), in ticks
	Residuals []Residual
}

// Correlate aligns observed against expected, per spec §4.8. It fails
// with insufficient-observations when len(observed) < patternWindowLength,
// since fewer observations cannot uniquely identify position in a
// maximal-length sequence of that window (spec §4.8 precondition).
func Correlate(observed []Observation, expected []clock.Tick, patternWindowLength int) (Result, error) {
	n := len(observed)
	m := len(expected)

	if n < patternWindowLength {
		return Result{}, syncerr.New(syncerr.InsufficientObservations,
			"fewer pulses observed than the pattern window length")
	}
	if m < n {
		return Result{}, syncerr.New(syncerr.InsufficientObservations,
			"expected pulse list shorter than observed list")
	}

	bestK := -1
	var bestVariance, bestMean float64

	for k := 0; k <= m-n; k++ {
		residuals := make([]float64, n)
		for i := 0; i < n; i++ {
			residuals[i] = float64(observed[i].Tick) - float64(expected[i+k])
		}

		mean, variance := stat.PopMeanVariance(residuals, nil)

		if bestK == -1 ||
			variance < bestVariance ||
			(variance == bestVariance && math.Abs(mean) < math.Abs(bestMean)) ||
			(variance == bestVariance && math.Abs(mean) == math.Abs(bestMean) && k < bestK) {
			bestK = k
			bestVariance = variance
			bestMean = mean
		}
	}

	residuals := make([]Residual, n)
	for i := 0; i < n; i++ {
		exp := expected[i+bestK]
		residuals[i] = Residual{
			Index:        i,
			ObservedTick: observed[i].Tick,
			ExpectedTick: exp,
			Residual:     float64(observed[i].Tick) - float64(exp),
			Bound:        observed[i].Bound,
		}
	}

	return Result{
		K:         bestK,
		Offset:    bestMean,
		Jitter:    math.Sqrt(bestVariance),
		Residuals: residuals,
	}, nil
}
