// Package timeline implements the persistent, framed, JSON
// control-timestamp protocol (C4, spec §4.4/§6). It is grounded on the
// teacher's src/kissnet.go: an accept loop spawning one goroutine per
// client, a slice of live client connections guarded by a mutex, and a
// broadcast-on-change method, generalized from raw escaped KISS frames
// to newline-delimited JSON control timestamps.
package timeline

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/bbc/dvbcss-synctiming/internal/translate"
	"github.com/bbc/dvbcss-synctiming/internal/wire"
)

// ControlTimestamp is the wire message (spec §6). ContentTime and
// WallClockTime are nil for the null CT ("timeline unavailable").
type ControlTimestamp struct {
	ContentID               string         `json:"contentId"`
	ContentIDStatus         string         `json:"contentIdStatus"`
	PresentationStatus      string         `json:"presentationStatus"`
	TimelineSelector        string         `json:"timelineSelector"`
	TickRate                clock.Rational `json:"tickRate"`
	ContentTime              *int64        `json:"contentTime"`
	WallClockTime            *int64        `json:"wallClockTime"`
	TimelineSpeedMultiplier  float64       `json:"timelineSpeedMultiplier"`
}

func nullCT(contentID, selector string, rate clock.Rational) ControlTimestamp {
	return ControlTimestamp{
		ContentID:               contentID,
		ContentIDStatus:         "ok",
		PresentationStatus:      "okay",
		TimelineSelector:        selector,
		TickRate:                rate,
		TimelineSpeedMultiplier: 0,
	}
}

func (ct ControlTimestamp) isNull() bool {
	return ct.ContentTime == nil || ct.WallClockTime == nil
}

// selectorRequest is the one message a client sends on connect.
type selectorRequest struct {
	ContentIDStem     string         `json:"contentIdStem"`
	TimelineSelector  string         `json:"timelineSelector"`
	TickRate          clock.Rational `json:"tickRate"`
}

type client struct {
	conn     *wire.JSONConn
	selector string
}

// Server publishes control timestamps whenever the authoritative
// correlation, content-id, or tick-rate changes, and on client connect
// (spec §4.4).
type Server struct {
	bindAddr  string
	contentID string

	mu        sync.Mutex
	tickRate  clock.Rational
	corr      *translate.Correlation
	clients   []*client
}

func NewServer(bindAddr, contentID string, tickRate clock.Rational) *Server {
	return &Server{bindAddr: bindAddr, contentID: contentID, tickRate: tickRate}
}

// Serve accepts client connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("timeline: listening: %w", err))
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return syncerr.New(syncerr.UserAbort, "timeline server cancelled")
			default:
				return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("timeline: accept: %w", err))
			}
		}
		go s.handleClient(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	jc := wire.NewJSONConn(conn)
	var req selectorRequest
	if err := jc.Recv(&req); err != nil {
		return
	}

	c := &client{conn: jc, selector: req.TimelineSelector}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	s.sendTo(c)

	<-ctx.Done()
}

// SetCorrelation installs a new authoritative correlation (nil clears
// it to "unavailable") and broadcasts a fresh control timestamp to
// every connected client (spec §4.4).
func (s *Server) SetCorrelation(corr *translate.Correlation) {
	s.mu.Lock()
	s.corr = corr
	clients := append([]*client(nil), s.clients...)
	s.mu.Unlock()

	for _, c := range clients {
		s.sendTo(c)
	}
}

// ClientCount reports how many clients are currently connected, used by
// the orchestrator to detect "peer connected" in server role (spec
// §4.10 WAIT_PEER -> SYNCING).
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CorrelationAt implements translate.CorrelationSource for the TV role,
// where the orchestrator holds the authoritative correlation directly
// rather than receiving it over the network.
func (s *Server) CorrelationAt(w clock.WallNanos) *translate.Correlation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corr
}

func (s *Server) sendTo(c *client) {
	s.mu.Lock()
	corr := s.corr
	rate := s.tickRate
	contentID := s.contentID
	s.mu.Unlock()

	ct := nullCT(contentID, c.selector, rate)
	if corr != nil {
		ctime := int64(corr.TimelineTick)
		wtime := int64(corr.RefClockInstant)
		ct.ContentTime = &ctime
		ct.WallClockTime = &wtime
		ct.TimelineSpeedMultiplier = corr.Speed
	}

	_ = c.conn.Send(ct)
}

// Client connects to a timeline server, sends its selector once, and
// exposes the latest control timestamp (spec §4.4).
type Client struct {
	addr      string
	stem      string
	selector  string
	tickRate  clock.Rational

	mu     sync.RWMutex
	latest *ControlTimestamp
}

func NewClient(addr, contentIDStem, selector string, tickRate clock.Rational) *Client {
	return &Client{addr: addr, stem: contentIDStem, selector: selector, tickRate: tickRate}
}

// Run connects once, sends the selector, and reads CTs until ctx is
// cancelled or the stream ends. A stream that ends without cancellation
// is fatal (spec §4.4).
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("timeline: dialing: %w", err))
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	jc := wire.NewJSONConn(conn)
	if err := jc.Send(selectorRequest{ContentIDStem: c.stem, TimelineSelector: c.selector, TickRate: c.tickRate}); err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("timeline: sending selector: %w", err))
	}

	for {
		var ct ControlTimestamp
		if err := jc.Recv(&ct); err != nil {
			select {
			case <-ctx.Done():
				return syncerr.New(syncerr.UserAbort, "timeline client cancelled")
			default:
				return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("timeline: stream ended: %w", err))
			}
		}

		c.mu.Lock()
		c.latest = &ct
		c.mu.Unlock()
	}
}

// Latest returns the most recently received control timestamp, if any.
func (c *Client) Latest() (ControlTimestamp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return ControlTimestamp{}, false
	}
	return *c.latest, true
}

// CorrelationAt implements translate.CorrelationSource: only the latest
// CT is ever authoritative (spec §3), so w is ignored beyond that.
func (c *Client) CorrelationAt(w clock.WallNanos) *translate.Correlation {
	ct, ok := c.Latest()
	if !ok || ct.isNull() {
		return nil
	}
	return &translate.Correlation{
		RefClockInstant: clock.WallNanos(*ct.WallClockTime),
		TimelineTick:    clock.Tick(*ct.ContentTime),
		Speed:           ct.TimelineSpeedMultiplier,
	}
}
