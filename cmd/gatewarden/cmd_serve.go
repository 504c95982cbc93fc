package main

// ---------------------------------------------------------------------------
// cmd_serve.go — start the defense pipeline
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatewarden-project/gatewarden/internal/api"
	"github.com/gatewarden-project/gatewarden/internal/audit"
	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/guard/anomaly"
	"github.com/gatewarden-project/gatewarden/internal/guard/payment"
	"github.com/gatewarden-project/gatewarden/internal/guard/ratelimit"
	"github.com/gatewarden-project/gatewarden/internal/guard/sanitize"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

const tokenVaultSize = 65536

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	upstream := fs.String("upstream", "", "Upstream application URL to proxy allowed requests to")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config and wiring, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	warnings, validationErrs := cfg.Validate()
	for _, w := range warnings {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger := newLogger(cfg)

	// Audit sink
	var bus *core.AuditBus
	var sink audit.Sink
	switch cfg.Audit.Sink {
	case "bus":
		bus, err = core.NewAuditBus(&cfg.Bus, logger)
		if err != nil {
			errorf("starting audit bus: %v", err)
		}
		sink = audit.NewBusSink(bus)
	case "file":
		sink, err = audit.NewFileSink(cfg.Audit.FilePath)
		if err != nil {
			errorf("opening audit file: %v", err)
		}
	default:
		sink = audit.NewConsoleSink(logger)
	}
	recorder := audit.NewRecorder(sink, cfg.Audit, logger)

	// Pipeline stages
	store := anomaly.NewMemoryStore()
	detector := anomaly.NewDetector(cfg.Anomaly, store, recorder, logger)
	limiter := ratelimit.NewLimiter(cfg.Limits, logger)
	sanitizer := sanitize.NewSanitizer(cfg.Sanitizer, recorder, logger)

	vault, err := payment.NewLRUVault(tokenVaultSize)
	if err != nil {
		errorf("creating token vault: %v", err)
	}
	tokenizer := payment.NewTokenizer(vault, recorder, logger)
	scanner := payment.NewLeakScanner(recorder, logger)

	// The detector runs before the rate limiter so every request is scored:
	// a rate-limit rejection short-circuits the chain, and a flood held at
	// 429 must still accumulate toward the volume ceiling and get blocked.
	chain := pipeline.NewChain(logger, cfg.Sanitizer.MaxBodyBytes,
		anomaly.NewBlockStage(store),
		anomaly.NewDetectorStage(detector),
		ratelimit.NewStage(limiter, recorder),
		sanitize.NewStage(sanitizer),
	)

	downstream, err := buildDownstream(*upstream)
	if err != nil {
		errorf("parsing upstream URL: %v", err)
	}

	srv := api.NewServer(cfg, api.Deps{
		Chain:      chain,
		Detector:   detector,
		Scanner:    scanner,
		Tokenizer:  tokenizer,
		Recorder:   recorder,
		Downstream: downstream,
	}, logger)

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid. %d pipeline stages wired.\n",
			green("✓"), len(chain.Stages()))
		recorder.Close()
		if bus != nil {
			bus.Close()
		}
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go limiter.SweepLoop(ctx)
	go detector.SweepLoop(ctx)

	if err := srv.Start(); err != nil {
		errorf("starting server: %v", err)
	}
	recorder.LogSystem("gatewarden_started", map[string]interface{}{
		"version": version,
		"stages":  chain.Stages(),
	})

	if !*quiet {
		target := "no upstream (placeholder responses)"
		if *upstream != "" {
			target = *upstream
		}
		fmt.Fprintf(os.Stderr, "%s Gatewarden running on :%d — forwarding to %s\n",
			green("✓"), cfg.Server.Port, target)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
	}

	cancel()
	srv.Stop()
	recorder.LogSystem("gatewarden_stopped", nil)
	recorder.Close()
	if bus != nil {
		bus.Close()
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Gatewarden stopped.\n", green("✓"))
	}
}

// buildDownstream returns a reverse proxy to the upstream URL, or a
// placeholder handler when no upstream is configured.
func buildDownstream(upstream string) (http.Handler, error) {
	if upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"no upstream configured"}`)
		}), nil
	}

	target, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must include a scheme and host", upstream)
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}
