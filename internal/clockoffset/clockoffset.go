// Package clockoffset produces interval estimates of (device-clock -
// host-wall-clock) from request/response round trips against the
// sampler link (spec §4.2). It is grounded on the teacher's round-trip
// timestamping pattern for GPS fixes (src/dwgps.go: stamp immediately
// before send, stamp immediately after the full response is read,
// treat the midpoint as the estimate) generalized to the ping/offset
// algebra spec.md actually specifies.
package clockoffset

import (
	"context"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
)

// Pinger is the one sampler-link operation clockoffset needs; satisfied
// by *samplerlink.Link without an import cycle.
type Pinger interface {
	Ping(ctx context.Context) (clock.DeviceMicros, error)
}

// Estimate is the triple (host, device, halfRoundTrip) of spec §3.
type Estimate struct {
	Host          clock.HostNanos
	Device        clock.DeviceMicros
	HalfRoundTrip time.Duration
}

// Measure issues one 'T' ping and produces an Estimate, timestamping
// the host clock immediately before send and immediately after the
// response is fully read (spec §4.2).
func Measure(ctx context.Context, p Pinger) (Estimate, error) {
	t0 := clock.Now()
	device, err := p.Ping(ctx)
	t1 := clock.Now()
	if err != nil {
		return Estimate{}, err
	}

	host := clock.HostNanos((int64(t0) + int64(t1)) / 2)
	hrt := t1.Sub(t0) / 2

	return Estimate{Host: host, Device: device, HalfRoundTrip: hrt}, nil
}

// ToHost translates a device-clock instant to the host wall-clock
// domain by linear interpolation between the pre- and post-sampling
// estimates, per spec §4.2/§4.9. The returned bound is the conservative
// hrt0+hrt1 sum the spec calls out explicitly, not the
// distance-weighted refinement it also describes.
func ToHost(pre, post Estimate, d clock.DeviceMicros) (clock.HostNanos, time.Duration) {
	if post.Device == pre.Device {
		return pre.Host, pre.HalfRoundTrip + post.HalfRoundTrip
	}

	frac := float64(d-pre.Device) / float64(post.Device-pre.Device)
	deltaHost := post.Host.Sub(pre.Host)
	host := pre.Host.Add(time.Duration(frac * float64(deltaHost)))
	bound := pre.HalfRoundTrip + post.HalfRoundTrip

	return host, bound
}

// ToDevice is the inverse of ToHost: it interpolates a host-clock
// instant to the corresponding device-clock instant. It exists
// primarily so the offset-interpolation-monotonicity testable property
// of spec §8 can be checked directly: for h0 < h1, ToDevice(h) is
// monotone non-decreasing in h.
func ToDevice(pre, post Estimate, h clock.HostNanos) (clock.DeviceMicros, time.Duration) {
	deltaHost := post.Host.Sub(pre.Host)
	if deltaHost == 0 {
		return pre.Device, pre.HalfRoundTrip + post.HalfRoundTrip
	}

	frac := float64(h.Sub(pre.Host)) / float64(deltaHost)
	deltaDevice := post.Device - pre.Device
	device := pre.Device + clock.DeviceMicros(frac*float64(deltaDevice))
	bound := pre.HalfRoundTrip + post.HalfRoundTrip

	return device, bound
}
