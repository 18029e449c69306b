// Package verdict classifies per-pulse timing errors against a
// configured tolerance (C11, spec §4.11). It is a small, single-purpose
// pass/fail computation over a fixed-shape input, grounded on the
// teacher's il2p_crc.go style of a narrow function with no state of its
// own, plus the per-row rendering style of src/log.go generalized from
// CSV rows to a text table (SUPPLEMENTED FEATURES).
package verdict

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/correlate"
)

// PulseVerdict is one pulse's classification.
type PulseVerdict struct {
	Index        int
	ExpectedTick clock.Tick
	ObservedTick clock.Tick
	Residual     time.Duration
	Bound        time.Duration
	Pass         bool
}

// Report is the overall verdict (spec §4.11).
type Report struct {
	Tolerance time.Duration
	Offset    time.Duration
	Jitter    time.Duration
	Pulses    []PulseVerdict
	Pass      bool
}

// ticksToDuration converts a tick count at the given rate to a duration.
func ticksToDuration(ticks float64, rate clock.Rational) time.Duration {
	return time.Duration(ticks * rate.SecondsPerTick() * float64(time.Second))
}

// Evaluate classifies a correlation result against tolerance (spec
// §4.11): pulse i is in-tolerance iff |r_i| - b_i <= tolerance, and the
// overall verdict passes iff every pulse passes.
func Evaluate(result correlate.Result, rate clock.Rational, tolerance time.Duration) Report {
	rep := Report{
		Tolerance: tolerance,
		Offset:    ticksToDuration(result.Offset, rate),
		Jitter:    ticksToDuration(result.Jitter, rate),
		Pulses:    make([]PulseVerdict, len(result.Residuals)),
		Pass:      true,
	}

	for i, r := range result.Residuals {
		residual := ticksToDuration(r.Residual, rate)
		abs := residual
		if abs < 0 {
			abs = -abs
		}

		pass := abs-r.Bound <= tolerance
		rep.Pulses[i] = PulseVerdict{
			Index:        r.Index,
			ExpectedTick: r.ExpectedTick,
			ObservedTick: r.ObservedTick,
			Residual:     residual,
			Bound:        r.Bound,
			Pass:         pass,
		}
		if !pass {
			rep.Pass = false
		}
	}

	return rep
}

// WriteTable renders a human-readable per-pulse table to w (SUPPLEMENTED
// FEATURES): expected tick, observed tick, residual ms, bound ms, pass/fail.
func WriteTable(w io.Writer, rep Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "PULSE\tEXPECTED TICK\tOBSERVED TICK\tRESIDUAL (ms)\tBOUND (ms)\tRESULT")
	for _, p := range rep.Pulses {
		result := "PASS"
		if !p.Pass {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.3f\t%.3f\t%s\n",
			p.Index, p.ExpectedTick, p.ObservedTick,
			float64(p.Residual.Microseconds())/1000.0,
			float64(p.Bound.Microseconds())/1000.0,
			result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	overall := "PASS"
	if !rep.Pass {
		overall = "FAIL"
	}
	_, err := fmt.Fprintf(w, "\noffset=%.3fms jitter=%.3fms tolerance=%.3fms verdict=%s\n",
		float64(rep.Offset.Microseconds())/1000.0,
		float64(rep.Jitter.Microseconds())/1000.0,
		float64(rep.Tolerance.Microseconds())/1000.0,
		overall)
	return err
}
