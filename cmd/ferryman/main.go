// Command ferryman runs the browser automation service: a bounded pool of
// headless Chromium engines behind an HTTP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strandline/ferryman/pkg/api"
	"github.com/strandline/ferryman/pkg/bus"
	"github.com/strandline/ferryman/pkg/config"
	"github.com/strandline/ferryman/pkg/engine/playwright"
	"github.com/strandline/ferryman/pkg/executor"
	"github.com/strandline/ferryman/pkg/logging"
	"github.com/strandline/ferryman/pkg/pool"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ferryman %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	log, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		fatal("init logging", err)
	}
	log.SetMinLevel(logging.Level(cfg.Logging.MinLevel))

	runtime, err := playwright.NewRuntime(playwright.Options{
		Headless:       cfg.Browser.Headless,
		ExecutablePath: cfg.Browser.ExecutablePath,
		InstallDriver:  cfg.Browser.InstallDriver,
	})
	if err != nil {
		fatal("start browser driver", err)
	}
	defer runtime.Close()

	// Fail fast before the listener opens: a service that cannot launch
	// a browser should not accept traffic.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), cfg.Browser.StartupTimeout)
	err = runtime.Probe(probeCtx)
	probeCancel()
	if err != nil {
		fatal("probe browser engine", err)
	}

	var eventBus bus.MessageBus
	if cfg.Events.Enabled {
		if cfg.Events.NATSURL != "" {
			eventBus, err = bus.NewNATSBus(cfg.Events.NATSURL, "ferryman")
			if err != nil {
				fatal("connect event bus", err)
			}
		} else {
			eventBus = bus.NewMemoryBus()
		}
		defer eventBus.Close()
	}

	metrics := pool.NewMetrics()
	if eventBus != nil {
		metrics.EnableBus(eventBus)
	}

	p, err := pool.New(runtime, pool.Config{
		Size:                cfg.Pool.Size,
		StartupTimeout:      cfg.Browser.StartupTimeout,
		IdleRecycleInterval: cfg.Pool.IdleRecycleInterval,
		CrashRetryLimit:     cfg.Pool.CrashRetryLimit,
		CrashRetryWindow:    cfg.Pool.CrashRetryWindow,
	}, log, metrics)
	if err != nil {
		fatal("warm session pool", err)
	}
	defer p.Close()

	exec := executor.New(p, executor.Config{
		DefaultTimeout: cfg.Task.DefaultTimeout,
		StepTimeout:    cfg.Task.StepTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}, log, eventBus)

	srv := api.NewServer(api.ServerConfig{
		Config:   cfg,
		Executor: exec,
		Pool:     p,
		Logger:   log,
		EventBus: eventBus,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fatal("serve", err)
		}
	case sig := <-sigCh:
		log.Info(logging.CategoryHTTP, "shutdown", "signal received, draining", map[string]any{
			"signal": sig.String(),
		})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "ferryman: shutdown: %v\n", err)
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "ferryman: %s: %v\n", what, err)
	os.Exit(1)
}
