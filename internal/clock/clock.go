// Package clock names the four time domains this tool has to keep apart:
// the sampling microcontroller's free-running counter, the measuring
// host's own monotonic clock, the wall-clock domain shared with the
// device under test once synchronised, and the media timeline. Each
// domain is a distinct integer type so that a value from one can never
// be added to a value from another without an explicit, named
// conversion.
package clock

import "time"

// DeviceMicros is an instant on the sampling microcontroller's clock, in
// microseconds. The wire value is a wrapping 32-bit counter; callers
// widen it to int64 on read and never observe the wrap within the
// lifetime of one measurement.
type DeviceMicros int64

func (d DeviceMicros) Add(delta time.Duration) DeviceMicros {
	return d + DeviceMicros(delta.Microseconds())
}

func (d DeviceMicros) Sub(o DeviceMicros) time.Duration {
	return time.Duration(d-o) * time.Microsecond
}

// HostNanos is an instant on the measuring host's own clock, read with
// time.Now, in nanoseconds since the Unix epoch.
type HostNanos int64

func Now() HostNanos { return HostNanos(time.Now().UnixNano()) }

func (h HostNanos) Sub(o HostNanos) time.Duration { return time.Duration(h - o) }

func (h HostNanos) Add(d time.Duration) HostNanos { return h + HostNanos(d.Nanoseconds()) }

// WallNanos is an instant in the wall-clock domain synchronised with the
// device under test, nanoseconds since the Unix epoch.
type WallNanos int64

func WallFromUnixNano(ns int64) WallNanos { return WallNanos(ns) }

func (w WallNanos) Sub(o WallNanos) time.Duration { return time.Duration(w - o) }

func (w WallNanos) Add(d time.Duration) WallNanos { return w + WallNanos(d.Nanoseconds()) }

func (w WallNanos) Before(o WallNanos) bool { return w < o }

func (w WallNanos) After(o WallNanos) bool { return w > o }

// Tick is a position on the media timeline, counted in units of a
// Rational tick rate.
type Tick int64

// Rational is a positive num/den tick rate, following the convention of
// the timeline protocol's tickRate field: num/den is the duration in
// seconds of a single tick, so {Num: 1, Den: 90000} denotes a 90kHz
// timeline (90000 ticks per second).
type Rational struct {
	Num int64
	Den int64
}

// SecondsPerTick is num/den: how many seconds a single tick spans.
func (r Rational) SecondsPerTick() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// TicksPerSecond is den/num: how many ticks occur in one second.
func (r Rational) TicksPerSecond() float64 {
	if r.Num == 0 {
		return 0
	}
	return float64(r.Den) / float64(r.Num)
}

func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }
