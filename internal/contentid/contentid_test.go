package contentid

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStemMatch(t *testing.T) {
	assert.True(t, StemMatch("", "anything"))
	assert.True(t, StemMatch("urn:show:1", "urn:show:1:episode:2"))
	assert.False(t, StemMatch("urn:show:1", "urn:show:2"))
}

func TestServerPushesRecordToClient(t *testing.T) {
	rec := Record{ProtocolVersion: "1.1", ContentID: "urn:show:1", WCUrl: "udp://h:1", TSUrl: "tcp://h:2"}
	srv := NewServer("127.0.0.1:0", rec, false)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()
	srv.bindAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cli := NewClient(addr, "")
	go cli.Run(ctx)

	got, err := cli.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.ContentID, got.ContentID)
	assert.Equal(t, rec.WCUrl, got.WCUrl)
	assert.Equal(t, rec.TSUrl, got.TSUrl)
}

// TestClientIgnoresNonMatchingStem confirms a record whose ContentID
// doesn't match the configured stem never unblocks Wait (spec §4.5);
// once a matching record follows, Wait returns that one.
func TestClientIgnoresNonMatchingStem(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().String()

	connReady := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			connReady <- conn
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := NewClient(addr, "urn:show:1")
	go cli.Run(ctx)

	conn := <-connReady
	defer conn.Close()

	jc := wire.NewJSONConn(conn)
	require.NoError(t, jc.Send(Record{ContentID: "urn:show:2:episode:1"}))
	require.NoError(t, jc.Send(Record{ContentID: "urn:show:1:episode:9"}))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	got, err := cli.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "urn:show:1:episode:9", got.ContentID)
}

func TestClientWaitCancelled(t *testing.T) {
	cli := NewClient("127.0.0.1:1", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cli.Wait(ctx)
	require.Error(t, err)
}
