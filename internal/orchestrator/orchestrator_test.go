package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/contentid"
	"github.com/bbc/dvbcss-synctiming/internal/pulsedetect"
	"github.com/bbc/dvbcss-synctiming/internal/samplerlink"
	"github.com/bbc/dvbcss-synctiming/internal/syncconfig"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/bbc/dvbcss-synctiming/internal/timeline"
	"github.com/bbc/dvbcss-synctiming/internal/translate"
	"github.com/bbc/dvbcss-synctiming/internal/wallclock"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMicrocontroller is the same pty-driven stand-in style as
// internal/samplerlink's test suite, with a caller-chosen bulk payload
// and sample window so a known pulse shape lands in the capture buffer.
type fakeMicrocontroller struct {
	t                      *testing.T
	conn                   samplerlink.Port
	counter                uint32
	active                 int
	nBlocks                int
	payload                []byte
	sampleStart, sampleEnd uint32
}

func startFakeMicrocontroller(t *testing.T, conn samplerlink.Port, nBlocks int, payload []byte, sampleStart, sampleEnd uint32) *fakeMicrocontroller {
	t.Helper()
	fm := &fakeMicrocontroller{t: t, conn: conn, nBlocks: nBlocks, payload: payload, sampleStart: sampleStart, sampleEnd: sampleEnd}
	go fm.run()
	return fm
}

func (fm *fakeMicrocontroller) writeU32(v uint32) {
	_, err := fm.conn.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	require.NoError(fm.t, err)
}

func (fm *fakeMicrocontroller) ts() uint32 {
	fm.counter++
	return fm.counter
}

func (fm *fakeMicrocontroller) run() {
	buf := make([]byte, 1)
	for {
		n, err := fm.conn.Read(buf)
		if n == 0 || err != nil {
			return
		}
		fm.writeU32(fm.ts())
		switch samplerlink.Opcode(buf[0]) {
		case samplerlink.OpEnable0, samplerlink.OpEnable1, samplerlink.OpEnable2, samplerlink.OpEnable3:
			fm.active++
		case samplerlink.OpPrepare:
			fm.writeU32(uint32(fm.active))
			fm.writeU32(uint32(fm.nBlocks))
		case samplerlink.OpSample:
			fm.writeU32(fm.sampleStart)
			fm.writeU32(fm.sampleEnd)
			fm.writeU32(uint32(fm.nBlocks))
		case samplerlink.OpBulk:
			fm.writeU32(uint32(len(fm.payload)))
			_, err := fm.conn.Write(fm.payload)
			require.NoError(fm.t, err)
		case samplerlink.OpPing:
			// universal timestamp already written above.
		}
	}
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

func baseTestConfig() Config {
	return Config{
		Role:             RoleClient,
		ContentID:        "",
		TimelineSelector: "urn:selector",
		TickRate:         clock.Rational{Num: 1, Den: 90000},
		FirstFrameTick:   0,
		Tolerance:        10 * time.Second,
		Run:              syncconfig.DefaultRunConfig(),
	}
}

func TestArmingFailsLinkFaultOnBadSerialPort(t *testing.T) {
	cfg := baseTestConfig()
	cfg.WCUrl = "127.0.0.1:1"
	cfg.TSUrl = "127.0.0.1:1"
	cfg.CIUrl = "127.0.0.1:1"
	cfg.SerialPort = "/dev/nonexistent-synctiming-test-device"
	cfg.Run.Timeouts.WaitPeer = 100 * time.Millisecond

	o := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := o.Run(ctx)
	require.Error(t, err)
	kind, ok := syncerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.LinkFault, kind)
	assert.Equal(t, StateFault, o.State())
}

func TestWaitPeerTimesOutWithoutClientServerRole(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Role = RoleServer
	cfg.ContentID = "urn:show:1"
	cfg.WCBindAddr = freeUDPAddr(t)
	cfg.TSBindAddr = freeTCPAddr(t)
	cfg.CIBindAddr = freeTCPAddr(t)
	cfg.Run.Timeouts.WaitPeer = 150 * time.Millisecond

	clientHalf, deviceHalf := net.Pipe()
	defer clientHalf.Close()
	defer deviceHalf.Close()
	cfg.Link = samplerlink.WrapPort(deviceHalf)

	o := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := o.Run(ctx)
	require.Error(t, err)
	kind, ok := syncerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.ProtocolFault, kind)
	assert.Equal(t, StateFault, o.State())
}

// TestRunUndersampledFault drives the full pipeline (C1 through C9, C8)
// with a single genuine pulse against a pattern window length it cannot
// possibly satisfy, the "undersampled" scenario of spec §8 (scenario 3):
// orchestrator terminates with insufficient-observations regardless of
// the exact translated tick values, since the fault is a pulse-count
// precondition rather than a timing comparison (spec §4.8).
func TestRunUndersampledFault(t *testing.T) {
	wcAddr := freeUDPAddr(t)
	tsAddr := freeTCPAddr(t)
	ciAddr := freeTCPAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wcServer := wallclock.NewServer(wcAddr)
	tsServer := timeline.NewServer(tsAddr, "urn:show:1", clock.Rational{Num: 1, Den: 90000})
	ciServer := contentid.NewServer(ciAddr, contentid.Record{ContentID: "urn:show:1", WCUrl: wcAddr, TSUrl: tsAddr}, false)

	go func() { _ = wcServer.Run(ctx) }()
	go func() { _ = tsServer.Serve(ctx) }()
	go func() { _ = ciServer.Serve(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", tsAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	tsServer.SetCorrelation(&translate.Correlation{
		RefClockInstant: clock.WallFromUnixNano(time.Now().UnixNano()),
		TimelineTick:    1_000_000,
		Speed:           1,
	})

	host, dev, err := pty.Open()
	require.NoError(t, err)
	defer host.Close()
	defer dev.Close()

	// One 100-block capture with a single 20ms flash pulse centred at
	// block 30 (max=200 from ms20..ms39, baseline 0 elsewhere).
	const nBlocks = 100
	payload := make([]byte, nBlocks*2)
	for i := 0; i < nBlocks; i++ {
		maxVal := byte(0)
		if i >= 20 && i < 40 {
			maxVal = 200
		}
		payload[i*2] = maxVal   // max
		payload[i*2+1] = 0      // min
	}
	startFakeMicrocontroller(t, host, nBlocks, payload, 1000, 101000)

	cfg := baseTestConfig()
	cfg.ContentID = "urn:show:1"
	cfg.WCUrl = wcAddr
	cfg.TSUrl = tsAddr
	cfg.CIUrl = ciAddr
	cfg.Link = samplerlink.WrapPort(dev)
	cfg.Channels = []ChannelConfig{
		{
			Index: 0,
			Kind:  pulsedetect.Flash,
			Metadata: syncconfig.Metadata{
				EventCentreTimes:       []float64{0.03},
				PatternWindowLength:    7, // far more than the single pulse this buffer can ever produce
				ApproxFlashDurationSec: 0.02,
			},
		},
	}
	cfg.Run.Timeouts.Syncing = 2 * time.Second

	o := New(cfg)

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()

	_, err = o.Run(runCtx)
	require.Error(t, err)
	kind, ok := syncerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.InsufficientObservations, kind)
	assert.Equal(t, StateFault, o.State())
}

// TestDryRunClientRoleWithoutContentID exercises the client-role
// arming path with no --ci-url given: the orchestrator must bring up
// the wall-clock/timeline clients, skip content-id entirely, and reach
// DONE from WAIT_PEER without ever touching SerialPort/Link.
func TestDryRunClientRoleWithoutContentID(t *testing.T) {
	wcAddr := freeUDPAddr(t)
	tsAddr := freeTCPAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wcServer := wallclock.NewServer(wcAddr)
	tsServer := timeline.NewServer(tsAddr, "urn:show:1", clock.Rational{Num: 1, Den: 90000})
	go func() { _ = wcServer.Run(ctx) }()
	go func() { _ = tsServer.Serve(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", tsAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cfg := baseTestConfig()
	cfg.ContentID = "urn:show:1"
	cfg.WCUrl = wcAddr
	cfg.TSUrl = tsAddr
	cfg.CIUrl = ""
	cfg.Run.Timeouts.WaitPeer = 2 * time.Second

	o := New(cfg)
	runCtx, runCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer runCancel()

	err := o.DryRun(runCtx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, o.State())
	assert.Nil(t, o.ciClient)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ARMING", StateArming.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "FAULT", StateFault.String())
}
