// ABOUTME: Entry point for the Huddle relay
// ABOUTME: Parses CLI flags, then runs the mixing relay with optional TUI, mDNS and metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/huddle-audio/huddle/internal/config"
	"github.com/huddle-audio/huddle/internal/discovery"
	"github.com/huddle-audio/huddle/internal/metrics"
	"github.com/huddle-audio/huddle/internal/ui"
	"github.com/huddle-audio/huddle/internal/version"
	"github.com/huddle-audio/huddle/pkg/audio/mix"
	"github.com/huddle-audio/huddle/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	configPath  = flag.String("config", "", "YAML config file")
	listen      = flag.String("listen", "", "Listen address (default: 127.0.0.1:11771)")
	transp      = flag.String("transport", "", "Transport: tcp or websocket")
	policy      = flag.String("policy", "", "Mix policy: average or peak")
	excludeSelf = flag.Bool("exclude-self", false, "Send each peer the mix without its own audio")
	jitterDepth = flag.Int("jitter-depth", 0, "Per-peer jitter buffer depth in chunks")
	name        = flag.String("name", "", "Relay name advertised over mDNS")
	enableMDNS  = flag.Bool("mdns", false, "Advertise the relay via mDNS")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	logFile     = flag.String("log-file", "", "Log file path (default: huddle-relay.log)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	useTUI := !*noTUI

	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = "huddle-relay.log"
	}
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	if useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting %s relay %q on %s (%s)", version.String(), cfg.Relay.Name, cfg.Relay.Listen, cfg.Relay.Transport)
	if cfg.Logging.Debug {
		log.Printf("Debug logging enabled")
	}
	log.Printf("Logging to: %s", logPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelayMetrics(reg)

	if cfg.Relay.MetricsAddr != "" {
		go serveMetrics(cfg.Relay.MetricsAddr, reg)
	}

	var tui *ui.RelayTUI
	if useTUI {
		tui = ui.NewRelayTUI()
	}

	mixPolicy, _ := mix.ParsePolicy(cfg.Relay.MixPolicy) // validated by config

	var r *relay.Relay
	status := func(peers []relay.PeerInfo) ui.RelayStatus {
		return ui.RelayStatus{
			Name:        cfg.Relay.Name,
			Addr:        r.Addr(),
			Transport:   cfg.Relay.Transport,
			Policy:      string(r.Policy()),
			ExcludeSelf: cfg.Relay.ExcludeSelf,
			FrameSize:   r.FrameSize(),
			Tick:        r.TickInterval(),
			Peers:       peers,
		}
	}

	r, err = relay.New(relay.Config{
		Addr:        cfg.Relay.Listen,
		Transport:   cfg.Relay.Transport,
		Format:      cfg.Audio.Format(),
		JitterDepth: cfg.Audio.JitterDepth,
		Policy:      mixPolicy,
		ExcludeSelf: cfg.Relay.ExcludeSelf,
		Metrics:     relayMetrics,
		Debug:       cfg.Logging.Debug,
		OnPeersChanged: func(peers []relay.PeerInfo) {
			log.Printf("Connected peers: %d", len(peers))
			if tui != nil {
				tui.Update(status(peers))
			}
		},
	})
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- r.Run(ctx)
	}()

	select {
	case <-r.Ready():
	case err := <-runErr:
		log.Fatalf("Relay error: %v", err)
	}
	log.Printf("Relay listening on %s, %d-byte frames every %v", r.Addr(), r.FrameSize(), r.TickInterval())

	if cfg.Relay.MDNS {
		mdnsMgr, err := advertise(cfg, r.Addr())
		if err != nil {
			log.Printf("Warning: mDNS advertisement failed: %v", err)
		} else {
			defer mdnsMgr.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var quit <-chan struct{}
	refreshDone := make(chan struct{})
	if tui != nil {
		quit = tui.QuitChan()
		go func() {
			if err := tui.Start(status(nil)); err != nil {
				log.Printf("TUI error: %v", err)
			}
		}()
		go func() {
			defer close(refreshDone)
			refreshTUI(ctx, r, tui, status)
		}()
	} else {
		log.Printf("Press Ctrl-C to stop")
	}

	var exitErr error
	runDone := false
	select {
	case sig := <-sigChan:
		log.Printf("Received %v signal, shutting down gracefully...", sig)
	case <-quit:
		log.Printf("Received quit signal from TUI")
	case exitErr = <-runErr:
		runDone = true
	}

	cancel()
	r.Stop()
	if !runDone {
		exitErr = <-runErr
	}

	// Run has returned, so no peer callback can reach the TUI any more
	if tui != nil {
		<-refreshDone
		tui.Stop()
	}

	if exitErr != nil && !errors.Is(exitErr, context.Canceled) {
		log.Printf("Relay error: %v", exitErr)
		f.Close()
		fmt.Fprintf(os.Stderr, "huddle-relay: %v\n", exitErr)
		os.Exit(1)
	}

	log.Printf("Relay stopped")
}

// loadConfig reads -config (or the defaults) and applies explicitly set flags
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Relay.Listen = *listen
		case "transport":
			cfg.Relay.Transport = *transp
		case "policy":
			cfg.Relay.MixPolicy = *policy
		case "exclude-self":
			cfg.Relay.ExcludeSelf = *excludeSelf
		case "jitter-depth":
			cfg.Audio.JitterDepth = *jitterDepth
		case "name":
			cfg.Relay.Name = *name
		case "mdns":
			cfg.Relay.MDNS = *enableMDNS
		case "metrics-addr":
			cfg.Relay.MetricsAddr = *metricsAddr
		case "log-file":
			cfg.Logging.File = *logFile
		case "debug":
			cfg.Logging.Debug = *debug
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func advertise(cfg *config.Config, addr string) (*discovery.Manager, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	m := discovery.NewManager(discovery.Config{
		ServiceName: cfg.Relay.Name,
		Port:        port,
		Transport:   cfg.Relay.Transport,
	})
	if err := m.Advertise(); err != nil {
		m.Stop()
		return nil, err
	}
	return m, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	log.Printf("Serving metrics on http://%s/metrics", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server error: %v", err)
	}
}

// refreshTUI keeps buffered byte counts current between join/leave events
func refreshTUI(ctx context.Context, r *relay.Relay, tui *ui.RelayTUI, status func([]relay.PeerInfo) ui.RelayStatus) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tui.Update(status(r.Peers()))
		}
	}
}
