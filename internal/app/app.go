// Package app wires voxlink's subsystems into the two runnable programs.
//
// [Client] drives one live conversation from local audio devices through the
// configured transport. [RelayServer] hosts the relay endpoints, the health
// probes, and /metrics, and keeps its registry limits in sync with the config
// file.
package app

import (
	"fmt"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/relay"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/transport/duplex"
)

// BuildTransport returns the transport strategy cfg selects, wrapped so that
// at most one session is open at a time. Duplex mode resolves the engine
// dialect through reg; relay mode talks to cfg.Transport.RelayURL.
func BuildTransport(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*transport.Single, error) {
	switch cfg.Transport.Mode {
	case config.ModeRelay:
		return transport.NewSingle(relay.NewClient(cfg.Transport.RelayURL,
			relay.WithQueueSize(cfg.Session.SendQueueSize),
			relay.WithMetrics(m),
		)), nil
	case config.ModeDuplex, "":
		t, err := BuildUpstream(cfg, reg, m)
		if err != nil {
			return nil, err
		}
		return transport.NewSingle(t), nil
	default:
		return nil, fmt.Errorf("app: unknown transport mode %q", cfg.Transport.Mode)
	}
}

// BuildUpstream returns a duplex transport to the configured engine. The
// relay server uses it for its upstream sessions regardless of
// cfg.Transport.Mode.
func BuildUpstream(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*duplex.Transport, error) {
	d, err := reg.CreateDialect(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("app: create engine dialect: %w", err)
	}
	return duplex.New(d,
		duplex.WithQueueSize(cfg.Session.SendQueueSize),
		duplex.WithMetrics(m),
	), nil
}

// relayPolicy converts the relay block into registry limits.
func relayPolicy(rc config.RelayConfig) relay.Policy {
	return relay.Policy{
		IdleTimeout:  rc.IdleTimeout,
		MaxSessions:  rc.MaxSessions,
		ResponseWait: rc.ResponseWait,
	}
}
