// Package wire holds the small binary- and JSON-framing helpers shared
// by the sampler link (C1), the wall-clock service (C3), the timeline
// service (C4) and the content-identification service (C5). It mirrors
// the teacher's habit (cmd/tnctest's agwpe_s, src/kissnet.go) of a tiny
// private helper layer under the protocol packages rather than a single
// do-everything codec.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
)

// ReadUint32 reads a big-endian uint32, the shape of the sampler link's
// universal leading device-clock timestamp and several of its payload
// fields.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// JSONConn is a persistent, framed, newline-delimited JSON connection,
// the shape both the timeline service (C4) and the content-id service
// (C5) use for their "persistent framed connection" transport.
type JSONConn struct {
	enc *json.Encoder
	dec *json.Decoder
}

func NewJSONConn(rw io.ReadWriter) *JSONConn {
	return &JSONConn{
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(bufio.NewReader(rw)),
	}
}

func (c *JSONConn) Send(v any) error {
	return c.enc.Encode(v)
}

// Recv decodes the next JSON value into v. It returns io.EOF when the
// peer closed the connection without sending a further message, which
// callers in C4/C5 treat as a protocol-fault unless cancellation is
// already in progress.
func (c *JSONConn) Recv(v any) error {
	return c.dec.Decode(v)
}
