// Command synctiming-csa measures synchronisation on a companion-screen
// app: it binds the wall-clock, timeline and content-id services
// (server role) for the CSA to connect to and drives a physical
// sampler against the second screen.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bbc/dvbcss-synctiming/internal/clock"
	"github.com/bbc/dvbcss-synctiming/internal/orchestrator"
	"github.com/bbc/dvbcss-synctiming/internal/pulsedetect"
	"github.com/bbc/dvbcss-synctiming/internal/syncconfig"
	"github.com/bbc/dvbcss-synctiming/internal/syncerr"
	"github.com/bbc/dvbcss-synctiming/internal/synclog"
	"github.com/bbc/dvbcss-synctiming/internal/verdict"

	"github.com/spf13/pflag"
)

func main() {
	var light0 = pflag.String("light0", "", "Expected-pulse metadata for the flash sampler on channel 0.")
	var light1 = pflag.String("light1", "", "Expected-pulse metadata for the flash sampler on channel 1.")
	var audio0 = pflag.String("audio0", "", "Expected-pulse metadata for the beep sampler on channel 2.")
	var audio1 = pflag.String("audio1", "", "Expected-pulse metadata for the beep sampler on channel 3.")
	var toleranceMs = pflag.Int("tolerance-test", 10, "Per-pulse timing tolerance, in milliseconds.")
	var measureSecs = pflag.Int("measure-secs", 20, "Seconds of captured buffer to analyse.")
	var serialPort = pflag.String("serial-port", "", "Sampler serial device. Empty discovers the first /dev/tty* found.")
	var configFile = pflag.String("config", "", "Optional YAML file overriding run timeouts and defaults.")
	var debug = pflag.String("debug", "", "Comma-separated debug categories (debug, warn).")
	var logFile = pflag.String("log-file", "", "File to write logs to. Defaults to stderr.")
	var announce = pflag.Bool("announce", false, "Advertise the content-id service over mDNS/DNS-SD.")
	var dryRun = pflag.Bool("dry-run", false, "Bind the protocol endpoints and exit once a peer connects, without sampling.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] content-id timeline-selector tick-rate-num tick-rate-den first-frame-tick bind-addr\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	args := pflag.Args()
	if len(args) != 6 {
		fmt.Fprintln(os.Stderr, "expected 6 positional arguments")
		pflag.Usage()
		os.Exit(2)
	}

	contentID := args[0]
	selector := args[1]
	tickRate, err := parseRational(args[2], args[3])
	if err != nil {
		fatalUsage(err)
	}
	firstFrameTick, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		fatalUsage(fmt.Errorf("first-frame-tick: %w", err))
	}
	wcAddr, tsAddr, ciAddr, err := deriveBindAddrs(args[5])
	if err != nil {
		fatalUsage(err)
	}

	channels, err := loadChannels(*light0, *light1, *audio0, *audio1)
	if err != nil {
		fatalUsage(err)
	}

	runCfg, err := syncconfig.LoadRunConfig(*configFile)
	if err != nil {
		fatalUsage(err)
	}

	logWriter, closeLog := openLogWriter(*logFile)
	defer closeLog()
	log := synclog.New(logWriter, "synctiming-csa", synclog.ParseLevel(*debug))

	port := *serialPort
	if port == "" && !*dryRun {
		port = discoverSerialPort()
	}

	cfg := orchestrator.Config{
		Role:             orchestrator.RoleServer,
		ContentID:        contentID,
		TimelineSelector: selector,
		TickRate:         tickRate,
		FirstFrameTick:   clock.Tick(firstFrameTick),
		Channels:         channels,
		Tolerance:        time.Duration(*toleranceMs) * time.Millisecond,
		MeasureSecs:      *measureSecs,
		SerialPort:       port,
		WCBindAddr:       wcAddr,
		TSBindAddr:       tsAddr,
		CIBindAddr:       ciAddr,
		Announce:         *announce,
		Run:              runCfg,
		Log:              log,
	}

	os.Exit(run(cfg, *dryRun))
}

func run(cfg orchestrator.Config, dryRun bool) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	o := orchestrator.New(cfg)

	if dryRun {
		if err := o.DryRun(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", o.State(), err)
			return syncerr.ExitCode(err)
		}
		return 0
	}

	result, err := o.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", o.State(), err)
		return syncerr.ExitCode(err)
	}

	for _, ch := range result.Channels {
		fmt.Printf("channel %d (%s):\n", ch.Channel.Index, ch.Channel.Kind)
		if werr := verdict.WriteTable(os.Stdout, ch.Report); werr != nil {
			fmt.Fprintf(os.Stderr, "rendering verdict table: %v\n", werr)
		}
	}

	if !result.Pass {
		return 1
	}
	return 0
}

func fatalUsage(err error) {
	fmt.Fprintln(os.Stderr, err)
	pflag.Usage()
	os.Exit(2)
}

func parseRational(numStr, denStr string) (clock.Rational, error) {
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return clock.Rational{}, fmt.Errorf("tick-rate-num: %w", err)
	}
	den, err := strconv.ParseInt(denStr, 10, 64)
	if err != nil {
		return clock.Rational{}, fmt.Errorf("tick-rate-den: %w", err)
	}
	r := clock.Rational{Num: num, Den: den}
	if !r.Valid() {
		return clock.Rational{}, fmt.Errorf("tick-rate %d/%d must be positive", num, den)
	}
	return r, nil
}

// deriveBindAddrs turns the single bind-addr positional into the three
// addresses C3/C4/C5 each bind: the wall-clock service on the given
// port, timeline on port+1, content-id on port+2.
func deriveBindAddrs(bindAddr string) (wc, ts, ci string, err error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", "", "", fmt.Errorf("bind-addr %q: %w", bindAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", "", "", fmt.Errorf("bind-addr %q: invalid port: %w", bindAddr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)),
		net.JoinHostPort(host, strconv.Itoa(port+1)),
		net.JoinHostPort(host, strconv.Itoa(port+2)),
		nil
}

// loadChannels maps the four --light{0,1}/--audio{0,1} flags to sampler
// channels 0-3, light channels carrying the flash kind and audio
// channels the beep kind.
func loadChannels(light0, light1, audio0, audio1 string) ([]orchestrator.ChannelConfig, error) {
	specs := []struct {
		path  string
		index int
		kind  pulsedetect.Kind
	}{
		{light0, 0, pulsedetect.Flash},
		{light1, 1, pulsedetect.Flash},
		{audio0, 2, pulsedetect.Beep},
		{audio1, 3, pulsedetect.Beep},
	}

	var channels []orchestrator.ChannelConfig
	for _, s := range specs {
		if s.path == "" {
			continue
		}
		md, err := syncconfig.LoadMetadata(s.path)
		if err != nil {
			return nil, err
		}
		channels = append(channels, orchestrator.ChannelConfig{Index: s.index, Kind: s.kind, Metadata: md})
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one of --light0/--light1/--audio0/--audio1 must be given")
	}
	return channels, nil
}

func openLogWriter(path string) (w *os.File, closeFn func()) {
	if path == "" {
		return os.Stderr, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file %q: %v, logging to stderr\n", path, err)
		return os.Stderr, func() {}
	}
	return f, func() { _ = f.Close() }
}

// discoverSerialPort picks the first likely sampler device, the
// conservative "leave it alone unless told otherwise" default the
// teacher's own serial port handling favours.
func discoverSerialPort() string {
	for _, pattern := range []string{"/dev/ttyACM*", "/dev/ttyUSB*", "/dev/tty.usbmodem*", "/dev/cu.usbmodem*"} {
		matches, _ := filepath.Glob(pattern)
		if len(matches) > 0 {
			return matches[0]
		}
	}
	return ""
}
