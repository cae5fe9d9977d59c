// Command voxlink-relay is the server half of the relay transport. It holds
// one engine session per client behind plain HTTP request/response exchanges
// and exposes health probes and Prometheus metrics next to the relay API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink-relay.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration (hot-reloaded) ─────────────────────────────────────
	var srv *app.RelayServer
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		srv.ApplyConfig(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink-relay: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink-relay: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	pcfg := observe.ProviderConfig{ServiceName: "voxlink-relay"}
	shutdownTelemetry, err := observe.InitProvider(ctx, pcfg)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Upstream engine ───────────────────────────────────────────────────────
	upstream, err := app.BuildUpstream(cfg, config.DefaultRegistry(), metrics)
	if err != nil {
		slog.Error("failed to build upstream transport", "err", err)
		return 1
	}

	srv = app.NewRelayServer(cfg, upstream,
		app.WithRelayMetrics(metrics),
		app.WithMetricsHandler(observe.MetricsHandler(pcfg)),
		app.WithWatcher(watcher),
		app.WithLogLevel(&level),
	)

	slog.Info("voxlink-relay starting",
		"listen_addr", cfg.Server.ListenAddr,
		"engine", cfg.Engine.Name,
		"max_sessions", cfg.Relay.MaxSessions,
		"idle_timeout", cfg.Relay.IdleTimeout,
	)

	if err := srv.Run(ctx); err != nil {
		slog.Error("relay server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
