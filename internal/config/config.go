// Package config provides the configuration schema, loader, and engine
// registry for voxlink clients and the relay server.
package config

import (
	"time"

	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransportMode selects how a client reaches the engine.
type TransportMode string

const (
	// ModeDuplex holds one persistent WebSocket to the engine.
	ModeDuplex TransportMode = "duplex"

	// ModeRelay exchanges request/response frames with a voxlink relay server.
	ModeRelay TransportMode = "relay"
)

// IsValid reports whether m is a recognised transport mode.
func (m TransportMode) IsValid() bool {
	return m == ModeDuplex || m == ModeRelay
}

// Defaults applied by [LoadFromReader] to zero-valued fields.
const (
	DefaultListenAddr        = ":8080"
	DefaultEngine            = "gemini-live"
	DefaultModel             = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice             = "Zephyr"
	DefaultSystemInstruction = "You are a real-time voice assistant. Speak with a professional yet helpful tone and keep responses concise."
	DefaultInputSampleRate   = 16000
	DefaultOutputSampleRate  = 24000
	DefaultFrameSize         = 4096
	DefaultConnectTimeout    = 10 * time.Second
	DefaultSendQueueSize     = 32
	DefaultIdleTimeout       = 2 * time.Minute
	DefaultMaxSessions       = 64
	DefaultResponseWait      = 150 * time.Millisecond
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig selects the speech-to-speech engine dialect. The Name field is
// used to look up the constructor in the [Registry].
type EngineConfig struct {
	// Name selects the registered dialect (e.g., "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the engine.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the dialect's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the dialect's default model.
	Model string `yaml:"model"`
}

// SessionConfig describes one conversation session.
type SessionConfig struct {
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`

	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SendQueueSize bounds the outbound frame queue. The oldest frame is
	// dropped when it overflows.
	SendQueueSize int `yaml:"send_queue_size"`
}

// S2S converts the session block into the wire-level session configuration.
func (s SessionConfig) S2S() s2s.SessionConfig {
	return s2s.SessionConfig{
		Model:             s.Model,
		Voice:             s.Voice,
		SystemInstruction: s.SystemInstruction,
		InputSampleRate:   s.InputSampleRate,
		OutputSampleRate:  s.OutputSampleRate,
	}
}

// TransportConfig selects the transport strategy used by clients.
type TransportConfig struct {
	Mode TransportMode `yaml:"mode"`

	// RelayURL is the relay server base URL. Required when Mode is "relay".
	RelayURL string `yaml:"relay_url"`
}

// RelayConfig bounds the relay server's session registry. All three fields
// can be changed at runtime through the [Watcher].
type RelayConfig struct {
	// IdleTimeout reaps sessions without frame traffic. Zero disables reaping.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxSessions caps concurrent relay sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ResponseWait is how long a frame request waits for engine audio when
	// none is pending.
	ResponseWait time.Duration `yaml:"response_wait"`
}

// applyDefaults fills zero-valued fields. The relay limits are defaulted
// together, so setting only one of them leaves the other at zero (disabled).
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Engine.Name == "" {
		c.Engine.Name = DefaultEngine
	}

	s := &c.Session
	// Model and voice defaults are Gemini names; other engines keep their
	// dialect defaults.
	if c.Engine.Name == DefaultEngine {
		if s.Model == "" {
			s.Model = DefaultModel
		}
		if s.Voice == "" {
			s.Voice = DefaultVoice
		}
	}
	if s.SystemInstruction == "" {
		s.SystemInstruction = DefaultSystemInstruction
	}
	if s.InputSampleRate == 0 {
		s.InputSampleRate = DefaultInputSampleRate
	}
	if s.OutputSampleRate == 0 {
		s.OutputSampleRate = DefaultOutputSampleRate
	}
	if s.FrameSize == 0 {
		s.FrameSize = DefaultFrameSize
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.SendQueueSize == 0 {
		s.SendQueueSize = DefaultSendQueueSize
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = ModeDuplex
	}

	if c.Relay.IdleTimeout == 0 && c.Relay.MaxSessions == 0 {
		c.Relay.IdleTimeout = DefaultIdleTimeout
		c.Relay.MaxSessions = DefaultMaxSessions
	}
	if c.Relay.ResponseWait == 0 {
		c.Relay.ResponseWait = DefaultResponseWait
	}
}
