package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerClientPublishesCorrelation(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "content-1", clock.Rational{Num: 1, Den: 90000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := startServerOnRandomPort(t, srv, ctx)

	cli := NewClient(ln, "", "urn:selector", clock.Rational{Num: 1, Den: 90000})
	go cli.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := cli.Latest()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ct, ok := cli.Latest()
	require.True(t, ok)
	assert.True(t, ct.isNull())

	srv.SetCorrelation(&translate.Correlation{RefClockInstant: 1000, TimelineTick: 5000, Speed: 1})

	require.Eventually(t, func() bool {
		ct, ok := cli.Latest()
		return ok && !ct.isNull()
	}, 2*time.Second, 10*time.Millisecond)

	corr := cli.CorrelationAt(0)
	require.NotNil(t, corr)
	assert.Equal(t, clock.Tick(5000), corr.TimelineTick)
}

// startServerOnRandomPort starts srv.Serve in the background and
// returns the actual listen address once it is ready to accept.
func startServerOnRandomPort(t *testing.T, srv *Server, ctx context.Context) string {
	t.Helper()

	// net.Listen with ":0" picks a free port; re-resolve it so the test
	// client can dial the concrete address. Serve() owns the listener, so
	// we probe with a short-lived listener first purely to reserve and
	// learn a free port, then hand that exact address to Serve.
	probe, err := pickFreeAddr()
	require.NoError(t, err)
	srv.bindAddr = probe

	go func() {
		_ = srv.Serve(ctx)
	}()

	require.Eventually(t, func() bool {
		return canDial(probe)
	}, 2*time.Second, 10*time.Millisecond)

	return probe
}
