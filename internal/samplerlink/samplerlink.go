// Package samplerlink speaks the sampling microcontroller's eight
// single-byte-opcode command language over a USB virtual serial port
// (spec §4.1, §6). It is grounded directly on the teacher's
// src/serial_port.go — the same open/configure/read/write shape over
// github.com/pkg/term — generalized from a raw byte pipe to the
// universal-timestamp-plus-opcode-payload framing the sampler uses.
package samplerlink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/bbc/dvbcss-synctiming/internal/wire"
	"github.com/pkg/term"
)

// Opcode is one of the sampler's eight single-byte commands.
type Opcode byte

const (
	OpEnable0 Opcode = '0'
	OpEnable1 Opcode = '1'
	OpEnable2 Opcode = '2'
	OpEnable3 Opcode = '3'
	OpPrepare Opcode = '4'
	OpSample  Opcode = 'S'
	OpBulk    Opcode = 'B'
	OpPing    Opcode = 'T'
)

// BufferCapacityBytes is the sampler's fixed buffer size (spec §6).
const BufferCapacityBytes = 92160

// BlockCount implements the capacity arithmetic of spec §4.1/§6:
// nMillisecondBlocks = floor(92160 / (2*nActiveChannels)).
func BlockCount(nActiveChannels int) int {
	if nActiveChannels <= 0 {
		return 0
	}
	return BufferCapacityBytes / (2 * nActiveChannels)
}

// Port is the minimal serial-port capability samplerlink needs; a pty
// half or a bytes.Buffer-backed fake satisfies it in tests just as well
// as a *term.Term does in production.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Link owns the serial port exclusively for the lifetime of one
// measurement (resource policy, spec §5).
type Link struct {
	port Port

	activeChannels int
	blocks         int
}

// Open opens the named serial device at the sampler's fixed baud rate
// (2,304,200 8N1, spec §6). devicename follows the same COMn/
// /dev/tty* conventions as the teacher's serial_port_open.
func Open(devicename string) (*Link, error) {
	t, err := term.Open(devicename, term.Speed(2304200), term.RawMode)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("opening serial port %s: %w", devicename, err))
	}
	return &Link{port: t}, nil
}

// WrapPort adapts an already-open Port (e.g. a pty half in tests) into
// a Link without touching the OS serial layer.
func WrapPort(p Port) *Link {
	return &Link{port: p}
}

func (l *Link) Close() error {
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}

// readTimestamp reads the four-byte big-endian device-clock microsecond
// counter that precedes the opcode-specific payload of every response.
func (l *Link) readTimestamp() (clock.DeviceMicros, error) {
	v, err := wire.ReadUint32(l.port)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading universal timestamp: %w", err))
	}
	return clock.DeviceMicros(v), nil
}

func (l *Link) sendOpcode(op Opcode) error {
	if _, err := l.port.Write([]byte{byte(op)}); err != nil {
		return syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("writing opcode %q: %w", byte(op), err))
	}
	return nil
}

// Ping issues 'T' and returns only the universal timestamp; used by C2
// to produce a clock-offset estimate.
func (l *Link) Ping(ctx context.Context) (clock.DeviceMicros, error) {
	if err := ctx.Err(); err != nil {
		return 0, syncerr.Wrap(syncerr.UserAbort, err)
	}
	if err := l.sendOpcode(OpPing); err != nil {
		return 0, err
	}
	return l.readTimestamp()
}

// EnableChannel issues '0'..'3' for channel index 0..3. Idempotent; must
// be called before Prepare (spec §4.1, open question ii resolved
// conservatively: always enable before prepare).
func (l *Link) EnableChannel(ctx context.Context, idx int) (clock.DeviceMicros, error) {
	if idx < 0 || idx > 3 {
		return 0, syncerr.New(syncerr.LinkFault, fmt.Sprintf("channel index %d out of range", idx))
	}
	if err := ctx.Err(); err != nil {
		return 0, syncerr.Wrap(syncerr.UserAbort, err)
	}
	if err := l.sendOpcode(Opcode('0' + idx)); err != nil {
		return 0, err
	}
	return l.readTimestamp()
}

// Prepare issues '4' and returns (nActiveChannels, nMillisecondBlocks).
// A zero result means the sampler's channel configuration was lost and
// is a link-fault.
func (l *Link) Prepare(ctx context.Context) (int, int, clock.DeviceMicros, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.UserAbort, err)
	}
	if err := l.sendOpcode(OpPrepare); err != nil {
		return 0, 0, 0, err
	}
	ts, err := l.readTimestamp()
	if err != nil {
		return 0, 0, 0, err
	}
	nActive, err := wire.ReadUint32(l.port)
	if err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading prepare active-channel count: %w", err))
	}
	nBlocks, err := wire.ReadUint32(l.port)
	if err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading prepare block count: %w", err))
	}
	if nActive == 0 || nBlocks == 0 {
		return 0, 0, 0, syncerr.New(syncerr.LinkFault, "prepare returned zero channel configuration")
	}

	l.activeChannels = int(nActive)
	l.blocks = int(nBlocks)

	return l.activeChannels, l.blocks, ts, nil
}

// Sample issues 'S' and blocks for the duration of the requested
// sampling window (up to ~45s, spec §5). It returns the device-clock
// instants bracketing the capture and the block count actually taken.
func (l *Link) Sample(ctx context.Context) (clock.DeviceMicros, clock.DeviceMicros, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.UserAbort, err)
	}
	if err := l.sendOpcode(OpSample); err != nil {
		return 0, 0, 0, err
	}
	if _, err := l.readTimestamp(); err != nil {
		// The universal timestamp of the 'S' response itself is discarded;
		// the payload below carries the pair that matters.
		return 0, 0, 0, err
	}
	startRaw, err := wire.ReadUint32(l.port)
	if err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading sample start: %w", err))
	}
	endRaw, err := wire.ReadUint32(l.port)
	if err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading sample end: %w", err))
	}
	nBlocks, err := wire.ReadUint32(l.port)
	if err != nil {
		return 0, 0, 0, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading sample block count: %w", err))
	}
	return clock.DeviceMicros(startRaw), clock.DeviceMicros(endRaw), int(nBlocks), nil
}

// SamplePair is one millisecond's (max,min) observation for one channel.
type SamplePair struct {
	Max uint8
	Min uint8
}

// Capture is the decoded bulk-transfer result: one ordered slice of
// SamplePair per active channel, covering nBlocks milliseconds each.
type Capture struct {
	Channels [][]SamplePair
}

// Bulk issues 'B' and reads the byte-count-prefixed buffer, decoding it
// into per-channel (max,min) pairs (spec §4.1, channels in ascending
// enabled-index order).
func (l *Link) Bulk(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, syncerr.Wrap(syncerr.UserAbort, err)
	}
	if l.activeChannels == 0 || l.blocks == 0 {
		return Capture{}, syncerr.New(syncerr.LinkFault, "bulk requested before prepare")
	}
	if err := l.sendOpcode(OpBulk); err != nil {
		return Capture{}, err
	}
	if _, err := l.readTimestamp(); err != nil {
		return Capture{}, err
	}
	count, err := wire.ReadUint32(l.port)
	if err != nil {
		return Capture{}, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading bulk byte count: %w", err))
	}

	want := l.blocks * l.activeChannels * 2
	if int(count) != want {
		return Capture{}, syncerr.New(syncerr.LinkFault,
			fmt.Sprintf("bulk byte count %d does not match expected %d", count, want))
	}

	buf := make([]byte, count)
	if _, err := io.ReadFull(l.port, buf); err != nil {
		return Capture{}, syncerr.Wrap(syncerr.LinkFault, fmt.Errorf("reading bulk payload: %w", err))
	}

	cap := Capture{Channels: make([][]SamplePair, l.activeChannels)}
	for ch := 0; ch < l.activeChannels; ch++ {
		cap.Channels[ch] = make([]SamplePair, l.blocks)
	}
	i := 0
	for blk := 0; blk < l.blocks; blk++ {
		for ch := 0; ch < l.activeChannels; ch++ {
			cap.Channels[ch][blk] = SamplePair{Max: buf[i], Min: buf[i+1]}
			i += 2
		}
	}

	return cap, nil
}

// ActiveChannels and Blocks report the values fixed by the last Prepare
// call, for callers that need them without re-requesting.
func (l *Link) ActiveChannels() int { return l.activeChannels }
func (l *Link) Blocks() int         { return l.blocks }

// SampleWindowTimeout is a generous upper bound on how long 'S' may
// legitimately block (spec §5: up to ~45 seconds), used by callers that
// want a context deadline around Sample.
const SampleWindowTimeout = 45 * time.Second
