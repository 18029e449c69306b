package wallclock

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/dispersion"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
)

// Server is the CSA-measuring (server) role: the host's own monotonic
// clock is the reference. It answers every request with (requestRx, responseTx)
// stamps and reports no dispersion outward (spec §4.3).
type Server struct {
	bindAddr string
}

func NewServer(bindAddr string) *Server {
	return &Server{bindAddr: bindAddr}
}

// Run serves wall-clock requests until ctx is cancelled, at which point
// it closes the socket and returns (spec §4.3: "Cancellation stops
// transmission and closes the socket; in-flight responses are
// dropped.").
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.bindAddr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("wallclock: resolving bind addr: %w", err))
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("wallclock: listening: %w", err))
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	buf := make([]byte, wireSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return syncerr.New(syncerr.UserAbort, "wallclock server cancelled")
			default:
				return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("wallclock: read: %w", err))
			}
		}

		requestRx := int64(time.Now().UnixNano())

		var req Packet
		if err := req.UnmarshalBinary(buf[:n]); err != nil {
			continue // malformed datagram; ignore and keep serving.
		}

		resp := Packet{
			Version:      protocolVersion,
			Type:         TypeResponse,
			Precision:    req.Precision,
			MaxFreqError: req.MaxFreqError,
			Originate:    req.Transmit,
			Receive:      requestRx,
			Transmit:     int64(time.Now().UnixNano()),
		}
		out, _ := resp.MarshalBinary()
		_, _ = conn.WriteToUDP(out, peer)
	}
}

// DispersionRecorder returns a recorder that always reads zero, since
// the server role never reports dispersion outward (spec §4.3/§4.6).
func (s *Server) DispersionRecorder() *dispersion.Recorder {
	return dispersion.NewZero(clock.WallFromUnixNano(time.Now().UnixNano()))
}

// Client is the TV-measuring (client) role: it periodically exchanges
// request/response packets with a peer, maintains a filtered estimate
// of (remote - local), and emits dispersion update events (spec §4.3).
type Client struct {
	peerAddr     string
	pollInterval time.Duration
	dispersion   *dispersion.Recorder

	mu     sync.RWMutex
	offset time.Duration // remote - local, most recent estimate
}

func NewClient(peerAddr string, pollInterval time.Duration, disp *dispersion.Recorder) *Client {
	return &Client{peerAddr: peerAddr, pollInterval: pollInterval, dispersion: disp}
}

// Run exchanges request/response packets with the peer every
// pollInterval until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", c.peerAddr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("wallclock: resolving peer addr: %w", err))
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("wallclock: dialing peer: %w", err))
	}
	defer conn.Close()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return syncerr.New(syncerr.UserAbort, "wallclock client cancelled")
		case <-ticker.C:
			if err := c.exchange(conn); err != nil {
				// A single lost datagram is not fatal; the next tick retries.
				continue
			}
		}
	}
}

func (c *Client) exchange(conn *net.UDPConn) error {
	t0 := time.Now()
	req := Packet{
		Version:   protocolVersion,
		Type:      TypeRequest,
		Transmit:  t0.UnixNano(),
	}
	out, _ := req.MarshalBinary()
	if _, err := conn.Write(out); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wireSize)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	t1 := time.Now()

	var resp Packet
	if err := resp.UnmarshalBinary(buf[:n]); err != nil {
		return err
	}

	// Round-trip delay and clock offset, NTP-style.
	delay := t1.Sub(t0) - time.Duration(resp.Transmit-resp.Receive)
	offset := (time.Duration(resp.Receive-req.Transmit) + time.Duration(resp.Transmit-t1.UnixNano())) / 2

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()

	dispersionSeconds := delay.Seconds() / 2
	c.dispersion.Append(clock.WallFromUnixNano(t1.UnixNano()), dispersionSeconds)

	return nil
}

// ToWall implements translate.WallClock for the client role: it applies
// the most recently estimated (remote - local) offset to a host-clock
// instant.
func (c *Client) ToWall(h clock.HostNanos) (clock.WallNanos, error) {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return clock.WallFromUnixNano(int64(h) + int64(offset)), nil
}
