package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-herd/internal/bus"
	"github.com/basket/go-herd/internal/config"
	"github.com/basket/go-herd/internal/cron"
	"github.com/basket/go-herd/internal/dispatcher"
	"github.com/basket/go-herd/internal/gateway"
	"github.com/basket/go-herd/internal/matcher"
	otelPkg "github.com/basket/go-herd/internal/otel"
	"github.com/basket/go-herd/internal/persistence"
	"github.com/basket/go-herd/internal/policy"
	"github.com/basket/go-herd/internal/scheduler"
	"github.com/basket/go-herd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		quiet       = flag.Bool("quiet", false, "log to file only, not stdout")
		bindAddr    = flag.String("bind", "", "listen address (overrides config)")
		authToken   = flag.String("auth-token", "", "require this bearer token on API requests")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("goherd", Version)
		return
	}

	if err := run(*quiet, *bindAddr, *authToken); err != nil {
		fmt.Fprintln(os.Stderr, "goherd:", err)
		os.Exit(1)
	}
}

func run(quiet bool, bindAddr, authToken string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}

	// Pipe output stays machine-readable.
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		quiet = true
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	logger.Info("goherd starting", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTLPEndpoint != "",
		Endpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	recovered, err := store.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered in-flight reservations", "count", recovered)
	}

	initialPolicy, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	livePolicy := policy.NewLivePolicy(initialPolicy)

	eventBus := bus.New()

	disp := dispatcher.New(store, eventBus, livePolicy, logger, metrics, dispatcher.Options{
		PollTimeout: time.Duration(cfg.PollTimeoutMS) * time.Millisecond,
		Matcher: matcher.Weights{
			Workspace:    cfg.Matcher.Workspace,
			Capabilities: cfg.Matcher.Capabilities,
			Hint:         cfg.Matcher.Hint,
		},
	})

	sched := scheduler.New(store, disp, eventBus, logger, scheduler.Options{
		Interval:              time.Duration(cfg.SchedulerIntervalMS) * time.Millisecond,
		AckTimeout:            time.Duration(cfg.AckTimeoutMS) * time.Millisecond,
		StaleTaskTimeout:      time.Duration(cfg.StaleTaskTimeoutMS) * time.Millisecond,
		AgentOfflineThreshold: time.Duration(cfg.AgentOfflineThresholdMS) * time.Millisecond,
	})
	disp.SetNudge(sched.Nudge)
	sched.Start(ctx)
	defer sched.Stop()

	cronRunner := cron.NewRunner(cron.Config{
		Store:      store,
		Dispatcher: disp,
		Logger:     logger,
	})
	cronRunner.Start(ctx)
	defer cronRunner.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if cfg.PolicyPath != "" && ev.Path == cfg.PolicyPath {
					if err := policy.ReloadFromFile(livePolicy, cfg.PolicyPath); err != nil {
						logger.Error("policy reload failed", "error", err)
						continue
					}
					logger.Info("policy reloaded", "version", livePolicy.Version())
				}
			}
		}()
	}

	gw, err := gateway.New(gateway.Config{
		Store:      store,
		Dispatcher: disp,
		Bus:        eventBus,
		Logger:     logger,
		AuthToken:  authToken,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	return nil
}
