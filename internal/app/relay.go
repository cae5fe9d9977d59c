package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/relay"
	"github.com/MrWong99/voxlink/internal/transport"
)

// ShutdownTimeout bounds the graceful HTTP shutdown of the relay server.
const ShutdownTimeout = 15 * time.Second

// RelayOption configures a [RelayServer].
type RelayOption func(*RelayServer)

// WithRelayMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithRelayMetrics(m *observe.Metrics) RelayOption {
	return func(s *RelayServer) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) RelayOption {
	return func(s *RelayServer) { s.metricsHandler = h }
}

// WithWatcher runs w next to the server so config edits reach the registry.
// The watcher's callback should call [RelayServer.ApplyConfig].
func WithWatcher(w *config.Watcher) RelayOption {
	return func(s *RelayServer) { s.watcher = w }
}

// WithLogLevel lets config reloads change the log level at runtime.
func WithLogLevel(lv *slog.LevelVar) RelayOption {
	return func(s *RelayServer) { s.level = lv }
}

// RelayServer hosts the relay endpoints in front of an upstream transport.
type RelayServer struct {
	cfg            *config.Config
	reg            *relay.Registry
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	watcher        *config.Watcher
	level          *slog.LevelVar
	srv            *http.Server
}

// NewRelayServer builds the registry, routes, and HTTP server for cfg.
func NewRelayServer(cfg *config.Config, upstream transport.Transport, opts ...RelayOption) *RelayServer {
	s := &RelayServer{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.reg = relay.NewRegistry(upstream, relayPolicy(cfg.Relay), relay.WithRegistryMetrics(s.metrics))
	s.health = health.New(health.Checker{Name: "registry", Check: s.reg.Ready})

	mux := http.NewServeMux()
	relay.NewServer(s.reg).Register(mux)
	s.health.Register(mux)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *RelayServer) Handler() http.Handler { return s.srv.Handler }

// Registry returns the session registry.
func (s *RelayServer) Registry() *relay.Registry { return s.reg }

// ApplyConfig applies the hot-reloadable part of a config change. It has the
// signature [config.NewWatcher] expects.
func (s *RelayServer) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && s.level != nil {
		s.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RelayChanged {
		s.reg.SetPolicy(relayPolicy(d.NewRelay))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *RelayServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", s.cfg.Server.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts the HTTP server down
// and closes every relay session. The reaper and the config watcher run in
// the same group.
func (s *RelayServer) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("relay server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: relay http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.reg.RunReaper(gctx) })
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		s.reg.CloseAll()
		slog.Info("relay server stopped")
		return err
	})

	return g.Wait()
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
