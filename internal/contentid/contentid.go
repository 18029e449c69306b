// Package contentid implements the content-identification service
// (C5, spec §4.5/§6): a persistent framed JSON push connection carrying
// a small {contentId, wcUrl, tsUrl} record, plus optional mDNS/DNS-SD
// advertisement and discovery so operators don't have to hand-type
// endpoint URLs. The discovery half is grounded directly on the
// teacher's src/dns_sd.go, which announces its own KISS-over-TCP
// service with github.com/brutella/dnssd for exactly that reason.
package contentid

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/bbc/dvbcss-synctiming/internal/wire"
	"github.com/brutella/dnssd"
)

const dnssdServiceType = "_dvbcss-cii._tcp"

// Record is the wire message (spec §6): protocolVersion and
// presentationStatus are informational fields carried for protocol
// completeness; only ContentID/WCUrl/TSUrl drive this tool's logic.
type Record struct {
	ProtocolVersion    string `json:"protocolVersion"`
	ContentID          string `json:"contentId"`
	PresentationStatus string `json:"presentationStatus"`
	WCUrl              string `json:"wcUrl"`
	TSUrl              string `json:"tsUrl"`
}

// StemMatch implements spec §4.5's prefix-based content-id matching; an
// empty stem matches anything.
func StemMatch(stem, contentID string) bool {
	if stem == "" {
		return true
	}
	return strings.HasPrefix(contentID, stem)
}

// Server holds a static record for the measurement run and pushes it to
// every connecting client (spec §4.5: "In server role the record is
// static for the measurement run").
type Server struct {
	bindAddr string
	record   Record
	announce bool
}

func NewServer(bindAddr string, record Record, announce bool) *Server {
	return &Server{bindAddr: bindAddr, record: record, announce: announce}
}

// Serve accepts client connections and pushes the static record to each
// until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("contentid: listening: %w", err))
	}

	if s.announce {
		if _, port, err := net.SplitHostPort(ln.Addr().String()); err == nil {
			announceService(s.record.ContentID, port)
		}
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
				return syncerr.New(syncerr.UserAbort, "contentid server cancelled")
			default:
				return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("contentid: accept: %w", err))
			}
		}
		go s.handleClient(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	jc := wire.NewJSONConn(conn)
	if err := jc.Send(s.record); err != nil {
		return
	}
	<-ctx.Done()
}

// announceService publishes the content-id service over mDNS/DNS-SD,
// the way the teacher's dns_sd_announce publishes KISS-over-TCP; any
// error stops the announcement silently and is not reported, so a
// failed announcement is never fatal to the measurement.
func announceService(name, port string) {
	var portNum int
	fmt.Sscanf(port, "%d", &portNum)
	if name == "" {
		name = "synctiming-cii"
	}

	cfg := dnssd.Config{
		Name: name,
		Type: dnssdServiceType,
		Port: portNum,
	}

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return
	}
	responder, err := dnssd.NewResponder()
	if err != nil {
		return
	}
	if _, err := responder.Add(svc); err != nil {
		return
	}
	go responder.Respond(context.Background())
}

// Client connects to a content-id server and exposes the first valid
// record received (spec §4.5: "the first valid record received
// unblocks the orchestrator").
type Client struct {
	addr string
	stem string

	mu      sync.Mutex
	first   *Record
	ready   chan struct{}
	readyCh sync.Once
}

// NewClient returns a client that unblocks on the first received record
// whose ContentID matches stem (spec §4.5's prefix rule; an empty stem
// matches anything).
func NewClient(addr, stem string) *Client {
	return &Client{addr: addr, stem: stem, ready: make(chan struct{})}
}

// Run connects, reads records until the first valid one, then continues
// reading in the background (spec §4.4-equivalent stream discipline
// applied to C5: a stream that ends without cancellation is fatal).
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("contentid: dialing: %w", err))
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	jc := wire.NewJSONConn(conn)
	for {
		var rec Record
		if err := jc.Recv(&rec); err != nil {
			select {
			case <-ctx.Done():
				return syncerr.New(syncerr.UserAbort, "contentid client cancelled")
			default:
				return syncerr.Wrap(syncerr.ProtocolFault, fmt.Errorf("contentid: stream ended: %w", err))
			}
		}

		if rec.ContentID == "" || !StemMatch(c.stem, rec.ContentID) {
			continue // not a valid, matching record yet.
		}

		c.mu.Lock()
		if c.first == nil {
			c.first = &rec
			c.readyCh.Do(func() { close(c.ready) })
		}
		c.mu.Unlock()
	}
}

// Wait blocks until the first valid record arrives or ctx is cancelled.
func (c *Client) Wait(ctx context.Context) (Record, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return *c.first, nil
	case <-ctx.Done():
		return Record{}, syncerr.New(syncerr.UserAbort, "contentid wait cancelled")
	}
}
