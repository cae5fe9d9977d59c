package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists the engine dialects shipped with voxlink. Used by
// [Validate] to warn about unrecognised engine names.
var ValidEngineNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	if cfg.Engine.Name != "" && !slices.Contains(ValidEngineNames, cfg.Engine.Name) {
		slog.Warn("unknown engine name, may be a typo or a third-party dialect",
			"name", cfg.Engine.Name,
			"known", ValidEngineNames,
		)
	}
	if cfg.Engine.APIKey == "" && cfg.Transport.Mode != ModeRelay {
		slog.Warn("engine.api_key is empty; the engine will most likely reject the session")
	}
	if cfg.Engine.BaseURL != "" {
		if u, err := url.Parse(cfg.Engine.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("engine.base_url %q must be a ws:// or wss:// URL", cfg.Engine.BaseURL))
		}
	}

	// Session
	s := cfg.Session
	if s.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.input_sample_rate %d must be positive", s.InputSampleRate))
	}
	if s.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.output_sample_rate %d must be positive", s.OutputSampleRate))
	}
	if s.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("session.frame_size %d must be positive", s.FrameSize))
	}
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must be positive", s.ConnectTimeout))
	}
	if s.SendQueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue_size %d must be positive", s.SendQueueSize))
	}

	// Transport
	if cfg.Transport.Mode != "" && !cfg.Transport.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transport.mode %q is invalid; valid values: duplex, relay", cfg.Transport.Mode))
	}
	if cfg.Transport.Mode == ModeRelay {
		if cfg.Transport.RelayURL == "" {
			errs = append(errs, errors.New("transport.relay_url is required when transport.mode is relay"))
		} else if u, err := url.Parse(cfg.Transport.RelayURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("transport.relay_url %q must be an http:// or https:// URL", cfg.Transport.RelayURL))
		}
	}

	// Relay
	if cfg.Relay.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.idle_timeout %s must not be negative", cfg.Relay.IdleTimeout))
	}
	if cfg.Relay.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("relay.max_sessions %d must not be negative", cfg.Relay.MaxSessions))
	}
	if cfg.Relay.ResponseWait < 0 {
		errs = append(errs, fmt.Errorf("relay.response_wait %s must not be negative", cfg.Relay.ResponseWait))
	}

	return errors.Join(errs...)
}
