// Package wallclock implements the bidirectional host<->peer wall-clock
// synchronisation protocol (C3, spec §4.3/§6): a fixed-size UDP
// request/response exchange with nanosecond timestamps, run either as
// the TV-role server (the host's own clock is authoritative) or the
// CSA-role client (the host periodically polls a peer and tracks
// dispersion). The packet layout is hand-packed field-by-field over
// internal/wire's big-endian helpers rather than relying on struct
// layout, the same care the teacher takes in cmd/tnctest's agwpe_s
// framing (there struct-packed because all fields there are already
// byte-aligned; here packed field-by-field because a 1-byte precision
// field would otherwise pad).
package wallclock

import (
	"bytes"
	"fmt"

	"github.com/bbc/dvbcss-synctiming/internal/wire"
)

const (
	TypeRequest     byte = 0
	TypeResponse    byte = 1
	wireSize             = 1 + 1 + 1 + 4 + 8 + 8 + 8
	protocolVersion byte = 1
)

// Packet is the CSS-WC request/response frame (spec §6): version, type,
// precision, max-freq-error, originate, receive, transmit, all in
// network byte order, timestamps signed nanoseconds.
type Packet struct {
	Version      byte
	Type         byte
	Precision    int8
	MaxFreqError uint32
	Originate    int64
	Receive      int64
	Transmit     int64
}

func (p Packet) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wireSize)
	buf.WriteByte(p.Version)
	buf.WriteByte(p.Type)
	buf.WriteByte(byte(p.Precision))
	if err := wire.WriteUint32(&buf, p.MaxFreqError); err != nil {
		return nil, err
	}
	if err := wire.WriteInt64(&buf, p.Originate); err != nil {
		return nil, err
	}
	if err := wire.WriteInt64(&buf, p.Receive); err != nil {
		return nil, err
	}
	if err := wire.WriteInt64(&buf, p.Transmit); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) != wireSize {
		return fmt.Errorf("wallclock: packet is %d bytes, want %d", len(data), wireSize)
	}
	r := bytes.NewReader(data)

	var version, typ, precision byte
	for _, dst := range []*byte{&version, &typ, &precision} {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		*dst = b
	}
	p.Version = version
	p.Type = typ
	p.Precision = int8(precision)

	freqErr, err := wire.ReadUint32(r)
	if err != nil {
		return err
	}
	p.MaxFreqError = freqErr

	if p.Originate, err = wire.ReadInt64(r); err != nil {
		return err
	}
	if p.Receive, err = wire.ReadInt64(r); err != nil {
		return err
	}
	if p.Transmit, err = wire.ReadInt64(r); err != nil {
		return err
	}
	return nil
}
