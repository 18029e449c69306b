// Package orchestrator drives one measurement run through the state
// machine of spec §4.10: IDLE -> ARMING -> WAIT_PEER -> SYNCING ->
// SAMPLING -> UPLOADING -> ANALYSING -> DONE, with FAULT reachable from
// any state. It is grounded on the teacher's top-level sequencing in
// cmd/direwolf/main.go ("open audio, open serial, start AGW/KISS
// servers, run until signal") generalized into an explicit State enum
// and one step method per transition, composing C1 through C9 and C11.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/clockoffset"
	"github.com/bbc/dvbcss-synctiming/internal/contentid"
	"github.com/bbc/dvbcss-synctiming/internal/correlate"
	"github.com/bbc/dvbcss-synctiming/internal/dispersion"
	"github.com/bbc/dvbcss-synctiming/internal/pulsedetect"
	"github.com/bbc/dvbcss-synctiming/internal/samplerlink"
	"github.com/bbc/dvbcss-synctiming/internal/syncconfig"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/bbc/dvbcss-synctiming/internal/timeline"
	"github.com/bbc/dvbcss-synctiming/internal/translate"
	"github.com/bbc/dvbcss-synctiming/internal/verdict"
	"github.com/bbc/dvbcss-synctiming/internal/wallclock"
	charmlog "github.com/charmbracelet/log"
)

// Role distinguishes which side of C3/C4/C5 this run owns (spec §4.3's
// server/client role split, not to be confused with State).
type Role int

const (
	// RoleServer binds and serves C3/C4/C5: the CSA-measuring mode, where
	// this host is the wall-clock reference and the companion app is the
	// one that connects to it.
	RoleServer Role = iota
	// RoleClient connects to a peer's C3/C4/C5: the TV-measuring mode,
	// where the television already runs its own synchronisation services
	// and this host measures against them.
	RoleClient
)

// ChannelConfig maps one sampler channel to its pulse kind and expected
// metadata (spec §6's --light{0,1}/--audio{0,1} flags).
type ChannelConfig struct {
	Index    int
	Kind     pulsedetect.Kind
	Metadata syncconfig.Metadata
}

func (c ChannelConfig) approxDuration() time.Duration {
	secs := c.Metadata.ApproxBeepDurationSec
	if c.Kind == pulsedetect.Flash {
		secs = c.Metadata.ApproxFlashDurationSec
	}
	return time.Duration(secs * float64(time.Second))
}

// Config is the orchestrator-local configuration struct passed
// explicitly at construction (design note §9, REDESIGN FLAGS: no
// global configuration singletons).
type Config struct {
	Role Role

	ContentID        string // server role: static record published; client role: stem matched against the peer's record
	TimelineSelector string
	TickRate         clock.Rational
	FirstFrameTick   clock.Tick
	Channels         []ChannelConfig
	Tolerance        time.Duration
	// MeasureSecs bounds how much of the captured buffer is handed to
	// C7/C8/C9: only the first MeasureSecs worth of millisecond blocks
	// are analysed, even if the device captured more (spec §6
	// --measure-secs; undersampling it relative to patternWindowLength
	// is exactly spec §8 scenario 3). Zero means "analyse everything
	// captured".
	MeasureSecs      int
	SerialPort       string
	Link             *samplerlink.Link // test seam: pre-opened link bypasses SerialPort/Open

	// Server role: addresses this host binds.
	WCBindAddr string
	TSBindAddr string
	CIBindAddr string
	Announce   bool

	// Client role: addresses of the peer's services.
	WCUrl string
	TSUrl string
	CIUrl string

	Run syncconfig.RunConfig
	Log *charmlog.Logger
}

// State is a position in the measurement state machine (spec §4.10).
type State int

const (
	StateIdle State = iota
	StateArming
	StateWaitPeer
	StateSyncing
	StateSampling
	StateUploading
	StateAnalysing
	StateDone
	StateFault
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArming:
		return "ARMING"
	case StateWaitPeer:
		return "WAIT_PEER"
	case StateSyncing:
		return "SYNCING"
	case StateSampling:
		return "SAMPLING"
	case StateUploading:
		return "UPLOADING"
	case StateAnalysing:
		return "ANALYSING"
	case StateDone:
		return "DONE"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// ChannelResult is one channel's verdict (C11 applied per-channel, since
// each channel carries its own expected-pulse metadata).
type ChannelResult struct {
	Channel ChannelConfig
	Report  verdict.Report
}

// Result is the outcome of one full measurement run.
type Result struct {
	Channels []ChannelResult
	Pass     bool
}

// Orchestrator coordinates C1-C9 and C11 through one measurement (C10,
// spec §4.10). Services never hold a reference back to the
// orchestrator (REDESIGN FLAGS: cyclic/back references) — it holds
// handles to them instead.
type Orchestrator struct {
	cfg   Config
	state State

	link *samplerlink.Link

	wallClock  translate.WallClock
	corrSource translate.CorrelationSource
	disp       *dispersion.Recorder

	wcServer *wallclock.Server
	wcClient *wallclock.Client
	tsServer *timeline.Server
	tsClient *timeline.Client
	ciServer *contentid.Server
	ciClient *contentid.Client

	pre         clockoffset.Estimate
	sampleStart clock.DeviceMicros
}

// New returns an Orchestrator ready to Run once. Channels are sorted by
// index, since capture.Channels from C1 come back in ascending
// enabled-index order and must line up positionally.
func New(cfg Config) *Orchestrator {
	channels := append([]ChannelConfig(nil), cfg.Channels...)
	sort.Slice(channels, func(i, j int) bool { return channels[i].Index < channels[j].Index })
	cfg.Channels = channels
	return &Orchestrator{cfg: cfg, state: StateIdle}
}

func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) logf(format string, args ...any) {
	if o.cfg.Log == nil {
		return
	}
	o.cfg.Log.Infof(format, args...)
}

// fault transitions to FAULT and returns the triggering error unchanged,
// so callers propagate the same syncerr.Kind the failure carried.
func (o *Orchestrator) fault(err error) error {
	o.state = StateFault
	o.logf("fault: %v", err)
	return err
}

// Run executes IDLE through DONE (or FAULT) once and returns the
// per-channel verdicts (spec §4.10).
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if err := o.arming(ctx); err != nil {
		return Result{}, o.fault(err)
	}
	if err := o.waitPeer(ctx); err != nil {
		return Result{}, o.fault(err)
	}
	if err := o.syncing(ctx); err != nil {
		return Result{}, o.fault(err)
	}
	capture, pre, post, err := o.samplingAndUpload(ctx)
	if err != nil {
		return Result{}, o.fault(err)
	}

	result, err := o.analysing(capture, pre, post)
	if err != nil {
		return Result{}, o.fault(err)
	}

	o.state = StateDone
	return result, nil
}

// arming launches C5/C3/C4 in the configured role and opens the serial
// link (IDLE -> ARMING, spec §4.10).
func (o *Orchestrator) arming(ctx context.Context) error {
	o.armServices(ctx)

	if o.cfg.Link != nil {
		o.link = o.cfg.Link
	} else {
		link, err := samplerlink.Open(o.cfg.SerialPort)
		if err != nil {
			return err
		}
		o.link = link
	}

	return nil
}

// armServices brings up C3/C4/C5 in the configured role, the half of
// ARMING that a --dry-run invocation still needs (SUPPLEMENTED
// FEATURES: the serial link is never opened in that mode).
func (o *Orchestrator) armServices(ctx context.Context) {
	o.state = StateArming
	o.logf("arming")

	switch o.cfg.Role {
	case RoleServer:
		o.wcServer = wallclock.NewServer(o.cfg.WCBindAddr)
		o.tsServer = timeline.NewServer(o.cfg.TSBindAddr, o.cfg.ContentID, o.cfg.TickRate)
		rec := contentid.Record{
			ProtocolVersion: "1.1",
			ContentID:       o.cfg.ContentID,
			WCUrl:           o.cfg.WCBindAddr,
			TSUrl:           o.cfg.TSBindAddr,
		}
		o.ciServer = contentid.NewServer(o.cfg.CIBindAddr, rec, o.cfg.Announce)

		go func() { _ = o.wcServer.Run(ctx) }()
		go func() { _ = o.tsServer.Serve(ctx) }()
		go func() { _ = o.ciServer.Serve(ctx) }()

		o.wallClock = translate.IdentityWallClock{}
		o.corrSource = o.tsServer
		o.disp = o.wcServer.DispersionRecorder()

	case RoleClient:
		o.disp = dispersion.NewRecorder()
		pollInterval := time.Duration(o.cfg.Run.WallClockPollSecs * float64(time.Second))
		o.wcClient = wallclock.NewClient(o.cfg.WCUrl, pollInterval, o.disp)
		o.tsClient = timeline.NewClient(o.cfg.TSUrl, o.cfg.ContentID, o.cfg.TimelineSelector, o.cfg.TickRate)

		go func() { _ = o.wcClient.Run(ctx) }()
		go func() { _ = o.tsClient.Run(ctx) }()

		// The CLI's wc-url/ts-url positionals already pin the peer
		// directly; content-id discovery (spec §4.5) only runs when an
		// operator also supplies --ci-url, e.g. to confirm identity
		// before sampling.
		if o.cfg.CIUrl != "" {
			o.ciClient = contentid.NewClient(o.cfg.CIUrl, o.cfg.ContentID)
			go func() { _ = o.ciClient.Run(ctx) }()
		}

		o.wallClock = o.wcClient
		o.corrSource = o.tsClient
	}
}

// DryRun brings up the protocol endpoints in the configured role and
// blocks until a peer is found, exactly as Run's ARMING and WAIT_PEER
// states do, but never opens the serial link (SUPPLEMENTED FEATURES:
// --dry-run checks network wiring before the sampler is plugged in).
func (o *Orchestrator) DryRun(ctx context.Context) error {
	o.armServices(ctx)
	if err := o.waitPeer(ctx); err != nil {
		return o.fault(err)
	}
	o.state = StateDone
	return nil
}

// waitPeer blocks until the protocol endpoints are listening/connected
// (ARMING -> WAIT_PEER, spec §4.10).
func (o *Orchestrator) waitPeer(ctx context.Context) error {
	o.state = StateWaitPeer
	o.logf("waiting for peer")

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Run.Timeouts.WaitPeer)
	defer cancel()

	switch o.cfg.Role {
	case RoleClient:
		// The first valid content-id record unblocks the orchestrator
		// (spec §4.5) when a C5 peer was configured; its arrival also
		// proves that endpoint accepted our connection.
		if o.ciClient != nil {
			if _, err := o.ciClient.Wait(ctx); err != nil {
				return err
			}
		}
		// The timeline endpoint is also a protocol endpoint that must be
		// "listening/connected" before WAIT_PEER completes (spec §4.10);
		// receipt of even a null CT proves the connection is live.
		if err := o.awaitTimelineConnected(ctx); err != nil {
			return err
		}

	case RoleServer:
		// No interactive console exists in this tool (REDESIGN FLAGS:
		// exception-driven/manual control is replaced throughout); a
		// connected timeline client stands in for the operator's
		// confirmation that the companion app has attached.
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if o.tsServer.ClientCount() > 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return syncerr.New(syncerr.ProtocolFault, "timed out waiting for a peer to connect")
				}
				return syncerr.New(syncerr.UserAbort, "cancelled while waiting for a peer")
			case <-ticker.C:
			}
		}
	}

	return nil
}

// awaitTimelineConnected blocks until the timeline client has received at
// least one control timestamp (even a null one), proving the C4 connection
// is live.
func (o *Orchestrator) awaitTimelineConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := o.tsClient.Latest(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return syncerr.New(syncerr.ProtocolFault, "timed out waiting for timeline connection")
			}
			return syncerr.New(syncerr.UserAbort, "cancelled while waiting for timeline connection")
		case <-ticker.C:
		}
	}
}

// syncing configures channels on C1, waits for wall-clock dispersion to
// converge in TV-measuring mode, and takes the pre-sampling C2 estimate
// (WAIT_PEER -> SYNCING -> SAMPLING, spec §4.10).
func (o *Orchestrator) syncing(ctx context.Context) error {
	o.state = StateSyncing
	o.logf("syncing")

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Run.Timeouts.Syncing)
	defer cancel()

	if o.cfg.Role == RoleClient {
		if err := o.awaitDispersionCeiling(ctx); err != nil {
			return err
		}
	}

	for _, ch := range o.cfg.Channels {
		if _, err := o.link.EnableChannel(ctx, ch.Index); err != nil {
			return err
		}
	}

	pre, err := clockoffset.Measure(ctx, o.link)
	if err != nil {
		return err
	}
	o.pre = pre

	if _, _, _, err := o.link.Prepare(ctx); err != nil {
		return err
	}

	return nil
}

// awaitDispersionCeiling implements the dispersion-ceiling fault of
// spec §7: it polls until dispersion falls at or below the configured
// ceiling, or fails after the syncing timeout (a bounded retry
// interval, per spec §7's "retried for a bounded interval, then fatal").
func (o *Orchestrator) awaitDispersionCeiling(ctx context.Context) error {
	ceiling := time.Duration(o.cfg.Run.DispersionCeilingMs * float64(time.Millisecond))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		w := clock.WallFromUnixNano(time.Now().UnixNano())
		disp := time.Duration(o.disp.At(w) * float64(time.Second))
		if disp <= ceiling {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return syncerr.New(syncerr.DispersionCeiling, "wall-clock dispersion did not converge below the configured ceiling")
			}
			return syncerr.New(syncerr.UserAbort, "cancelled while waiting for dispersion to converge")
		case <-ticker.C:
		}
	}
}

// samplingAndUpload issues 'S' then 'B' and takes the post-sampling C2
// estimate between them (SYNCING -> SAMPLING -> UPLOADING, spec
// §4.10). Cancellation during SAMPLING aborts the in-flight 'S' by
// closing the serial port (spec §5).
func (o *Orchestrator) samplingAndUpload(ctx context.Context) (samplerlink.Capture, clockoffset.Estimate, clockoffset.Estimate, error) {
	o.state = StateSampling
	o.logf("sampling")

	sampleCtx, cancel := context.WithTimeout(ctx, samplerlink.SampleWindowTimeout)
	defer cancel()

	abortDone := make(chan struct{})
	go func() {
		select {
		case <-sampleCtx.Done():
			_ = o.link.Close()
		case <-abortDone:
		}
	}()

	startDev, _, _, err := o.link.Sample(sampleCtx)
	close(abortDone)
	if err != nil {
		return samplerlink.Capture{}, clockoffset.Estimate{}, clockoffset.Estimate{}, err
	}

	o.state = StateUploading
	o.logf("uploading")

	post, err := clockoffset.Measure(ctx, o.link)
	if err != nil {
		return samplerlink.Capture{}, clockoffset.Estimate{}, clockoffset.Estimate{}, err
	}

	capture, err := o.link.Bulk(ctx)
	if err != nil {
		return samplerlink.Capture{}, clockoffset.Estimate{}, clockoffset.Estimate{}, err
	}

	o.sampleStart = startDev
	return capture, o.pre, post, nil
}

func convertSamples(pairs []samplerlink.SamplePair) []pulsedetect.Sample {
	out := make([]pulsedetect.Sample, len(pairs))
	for i, p := range pairs {
		out[i] = pulsedetect.Sample{Min: p.Min, Max: p.Max}
	}
	return out
}

// analysing runs C7, C9, C8 and C11 in order over the frozen dispersion
// log and the correlation in effect at entry (UPLOADING -> ANALYSING ->
// DONE, spec §4.10, ordering guarantee §5c).
func (o *Orchestrator) analysing(capture samplerlink.Capture, pre, post clockoffset.Estimate) (Result, error) {
	o.state = StateAnalysing
	o.logf("analysing")

	frozenDisp := dispersion.NewRecorder()
	for _, rec := range o.disp.Snapshot() {
		frozenDisp.Append(rec.At, rec.Seconds)
	}

	nowHost := clock.Now()
	nowWall, err := o.wallClock.ToWall(nowHost)
	if err != nil {
		return Result{}, err
	}
	corr := o.corrSource.CorrelationAt(nowWall)
	if corr == nil {
		return Result{}, syncerr.New(syncerr.NoTimeline, "no non-paused correlation in effect at analysing entry")
	}
	frozenCorr := fixedCorrelationSource{corr}

	translator := &translate.Translator{
		Pre:         pre,
		Post:        post,
		WallClock:   o.wallClock,
		Correlation: frozenCorr,
		Dispersion:  frozenDisp,
		TickRate:    o.cfg.TickRate,
	}

	result := Result{Pass: true}

	for i, ch := range o.cfg.Channels {
		if i >= len(capture.Channels) {
			break
		}

		samples := convertSamples(capture.Channels[i])
		if o.cfg.MeasureSecs > 0 {
			limit := o.cfg.MeasureSecs * 1000
			if limit < len(samples) {
				samples = samples[:limit]
			}
		}
		pulses := pulsedetect.Detect(o.sampleStart, samples, pulsedetect.Params{
			Channel:        ch.Index,
			Kind:           ch.Kind,
			ApproxDuration: ch.approxDuration(),
		})

		observed := make([]correlate.Observation, len(pulses))
		for j, p := range pulses {
			tick, bound, err := translator.Translate(p.Mid)
			if err != nil {
				return Result{}, err
			}
			observed[j] = correlate.Observation{Tick: tick, Bound: bound}
		}

		expected := expectedTicks(ch.Metadata, o.cfg.FirstFrameTick, o.cfg.TickRate)

		corrResult, err := correlate.Correlate(observed, expected, ch.Metadata.PatternWindowLength)
		if err != nil {
			return Result{}, err
		}

		report := verdict.Evaluate(corrResult, o.cfg.TickRate, o.cfg.Tolerance)
		result.Channels = append(result.Channels, ChannelResult{Channel: ch, Report: report})
		if !report.Pass {
			result.Pass = false
		}
	}

	return result, nil
}

// expectedTicks converts the metadata's event-centre times (seconds
// from the start of the test sequence) into timeline ticks anchored at
// firstFrameTick (spec §6).
func expectedTicks(md syncconfig.Metadata, firstFrameTick clock.Tick, rate clock.Rational) []clock.Tick {
	out := make([]clock.Tick, len(md.EventCentreTimes))
	for i, t := range md.EventCentreTimes {
		out[i] = firstFrameTick + clock.Tick(t*rate.TicksPerSecond())
	}
	return out
}

// fixedCorrelationSource always returns the same correlation regardless
// of the queried instant, implementing the "immutable snapshot ...
// captured at ANALYSING entry" ordering guarantee (spec §5c).
type fixedCorrelationSource struct {
	corr *translate.Correlation
}

func (f fixedCorrelationSource) CorrelationAt(w clock.WallNanos) *translate.Correlation {
	return f.corr
}
