// Package pulsedetect finds beep/flash pulses in a per-millisecond
// min/max sample buffer by threshold-and-hysteresis edge detection
// (C7, spec §4.7). The envelope/threshold/hold-time shape is grounded
// on the teacher's signal-conditioning passes (src/pll_dcd.go and
// src/hdlc_rec.go, where a demodulated signal is sliced against a level
// and short dropouts are absorbed rather than treated as new edges, and
// src/audio_stats.go's rolling-buffer-statistics shape) generalized
// from bit-slicing a data signal to percentile thresholding over an
// envelope and the backlight-modulation hold-time rule spec.md adds.
package pulsedetect

import (
	"sort"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
)

type Kind int

const (
	Flash Kind = iota
	Beep
)

func (k Kind) String() string {
	switch k {
	case Flash:
		return "flash"
	case Beep:
		return "beep"
	default:
		return "unknown"
	}
}

// Sample is one millisecond's (min,max) pair for one channel.
type Sample struct {
	Min uint8
	Max uint8
}

// Pulse is one detected event (spec §3).
type Pulse struct {
	Channel   int
	Kind      Kind
	Mid       clock.DeviceMicros
	HalfWidth time.Duration
}

// Params configures detection for one channel.
type Params struct {
	Channel        int
	Kind           Kind
	ApproxDuration time.Duration
}

// signal extracts the per-millisecond derived signal of spec §4.7:
// envelope (max-min) for audio channels, peak (max) for light channels.
func signal(samples []Sample, kind Kind) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		if kind == Beep {
			out[i] = float64(s.Max) - float64(s.Min)
		} else {
			out[i] = float64(s.Max)
		}
	}
	return out
}

// threshold computes (p5+p95)/2 after one pass over the signal (spec
// §4.7 step 1; §9 open question i notes 5/95 is a tunable default).
func threshold(sig []float64) float64 {
	if len(sig) == 0 {
		return 0
	}
	sorted := append([]float64(nil), sig...)
	sort.Float64s(sorted)

	pct := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}

	p5 := pct(0.05)
	p95 := pct(0.95)

	return (p5 + p95) / 2
}

type edge struct {
	rise int
	fall int
}

// Detect runs the full pipeline of spec §4.7 over one channel's
// millisecond buffer, which starts at blockStart in the device clock.
// It is a pure, deterministic function of its inputs: running it twice
// on the same buffer yields identical pulse lists (testable property
// "detector idempotence", spec §8).
func Detect(blockStart clock.DeviceMicros, samples []Sample, p Params) []Pulse {
	if len(samples) == 0 {
		return nil
	}

	sig := signal(samples, p.Kind)
	th := threshold(sig)

	holdMillis := int(p.ApproxDuration.Seconds() * 500)
	minWidth := p.ApproxDuration / 4
	maxWidth := p.ApproxDuration * 3

	var edges []edge
	i := 0
	above := func(idx int) bool { return idx < len(sig) && sig[idx] >= th }

	for i < len(sig) {
		// Scan for a rising edge.
		for i < len(sig) && !(above(i) && (i == 0 || !above(i-1))) {
			i++
		}
		if i >= len(sig) {
			break
		}
		r := i

		// Scan for the true falling edge, absorbing any re-rise within
		// holdMillis of a candidate fall as backlight modulation or
		// per-frame chopping rather than a new pulse: r stays put while
		// the search resumes past the re-rise for the next candidate.
		i++
		f := -1
		for i < len(sig) {
			for i < len(sig) && above(i) {
				i++
			}
			if i >= len(sig) {
				break
			}
			candidate := i

			rerose := false
			for j := candidate + 1; j < len(sig) && j <= candidate+holdMillis; j++ {
				if above(j) && !above(j-1) {
					rerose = true
					i = j
					break
				}
			}
			if !rerose {
				f = candidate
				break
			}
		}
		if f == -1 {
			// No falling edge before the buffer ends; nothing to emit for
			// this rise.
			break
		}

		edges = append(edges, edge{rise: r, fall: f})
		i = f
	}

	var pulses []Pulse
	for _, e := range edges {
		width := time.Duration(e.fall-e.rise) * time.Millisecond
		if width < minWidth || width > maxWidth {
			continue
		}

		midMillis := float64(e.rise+e.fall) / 2
		mid := blockStart.Add(time.Duration(midMillis * float64(time.Millisecond)))
		halfWidth := time.Duration(e.fall-e.rise) * time.Millisecond / 2

		pulses = append(pulses, Pulse{
			Channel:   p.Channel,
			Kind:      p.Kind,
			Mid:       mid,
			HalfWidth: halfWidth,
		})
	}

	return pulses
}
