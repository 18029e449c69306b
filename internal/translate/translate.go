// Package translate composes the clock-offset estimate (C2), the
// wall-clock mapping (C3) and the current timeline correlation (C4,
// consulting the dispersion log C6) into a single function: device-clock
// instant in, timeline tick plus an error bound out (C9, spec §4.9).
// It is a pure composition with no I/O of its own, grounded on the
// clock package's named-domain-conversion design (design note §9's
// duck-typed clock abstraction).
package translate

import (
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/clockoffset"
	"github.com/bbc/dvbcss-synctiming/internal/dispersion"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
)

// Correlation is the affine wall-clock-to-timeline map currently in
// effect (spec §3). A nil *Correlation (or one with Speed == 0) means
// "no timeline available" or "paused" and translation fails with
// no-timeline for either (spec §4.9's explicit rule, which this
// implementation follows over the looser reading of invariant (a); see
// DESIGN.md for the resolution).
type Correlation struct {
	RefClockInstant clock.WallNanos
	TimelineTick    clock.Tick
	Speed           float64
}

// WallClock converts a host-clock instant to the synchronised wall-clock
// domain (the TV-role server's own clock is already that domain and
// returns the identity; the CSA-role client consults its running
// wall-clock-protocol estimate).
type WallClock interface {
	ToWall(h clock.HostNanos) (clock.WallNanos, error)
}

// CorrelationSource supplies the correlation in effect at a wall-clock
// instant; timeline.Client/timeline.Server implement it by returning
// their latest received/authoritative correlation regardless of w,
// since only the latest CT is ever authoritative (spec §3).
type CorrelationSource interface {
	CorrelationAt(w clock.WallNanos) *Correlation
}

// Translator composes C2/C3/C4/C6 for one measurement (spec §4.9).
type Translator struct {
	Pre, Post   clockoffset.Estimate
	WallClock   WallClock
	Correlation CorrelationSource
	Dispersion  *dispersion.Recorder
	TickRate    clock.Rational
}

const (
	samplingQuantum    = 500 * time.Microsecond
	deviceTimerQuantum = time.Microsecond
)

// Translate converts a device-clock instant to a timeline tick with an
// additive error bound (spec §4.9). The bound sums every contributing
// uncertainty rather than taking their maximum — deliberate
// conservatism (spec §3 invariant c, §8 "error-bound conservatism").
func (t *Translator) Translate(d clock.DeviceMicros) (clock.Tick, time.Duration, error) {
	host, c2Bound := clockoffset.ToHost(t.Pre, t.Post, d)

	w, err := t.WallClock.ToWall(host)
	if err != nil {
		return 0, 0, err
	}

	corr := t.Correlation.CorrelationAt(w)
	if corr == nil || corr.Speed == 0 {
		return 0, 0, syncerr.New(syncerr.NoTimeline, "no non-paused correlation in effect at the queried instant")
	}

	deltaSeconds := w.Sub(corr.RefClockInstant).Seconds()
	tick := corr.TimelineTick + clock.Tick(deltaSeconds*t.TickRate.TicksPerSecond()*corr.Speed)

	dispSeconds := t.Dispersion.At(w)
	tickQuantum := time.Duration(0.5 / t.TickRate.TicksPerSecond() * float64(time.Second))

	bound := c2Bound +
		time.Duration(dispSeconds*float64(time.Second)) +
		tickQuantum +
		samplingQuantum +
		deviceTimerQuantum

	return tick, bound, nil
}

// IdentityWallClock is the TV-role server's WallClock: the host's own
// monotonic clock, reinterpreted as wall-clock nanoseconds with zero
// additional uncertainty, since the server is itself authoritative for
// wall-clock time (spec §4.3).
type IdentityWallClock struct{}

func (IdentityWallClock) ToWall(h clock.HostNanos) (clock.WallNanos, error) {
	return clock.WallNanos(h), nil
}
