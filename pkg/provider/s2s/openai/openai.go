// Package openai implements the s2s.Dialect for OpenAI's Realtime API.
//
// Audio travels as base64-encoded PCM16 at 24 kHz in both directions. The
// session is configured with a session.update event; the server's
// session.updated acknowledgement marks it ready. Server-side voice activity
// detection reports barge-in as input_audio_buffer.speech_started, which is
// surfaced as an interruption.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Compile-time assertion that Dialect satisfies s2s.Dialect.
var _ s2s.Dialect = (*Dialect)(nil)

// Name is the registry name of this dialect.
const Name = "openai-realtime"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the only PCM16 rate the Realtime API accepts and emits.
	SampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialect.
type Option func(*Dialect)

// WithModel sets the default OpenAI model. A non-empty
// [s2s.SessionConfig.Model] still takes precedence.
func WithModel(model string) Option {
	return func(d *Dialect) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(d *Dialect) {
		if u != "" {
			d.baseURL = u
		}
	}
}

// ── Dialect ────────────────────────────────────────────────────────────────────

// Dialect speaks the OpenAI Realtime protocol.
type Dialect struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates an OpenAI Realtime dialect with the given API key and options.
func New(apiKey string, opts ...Option) *Dialect {
	d := &Dialect{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements s2s.Dialect.
func (d *Dialect) Name() string { return Name }

// Endpoint implements s2s.Dialect. The model is a query parameter and the API
// key a bearer token.
func (d *Dialect) Endpoint(cfg s2s.SessionConfig) (string, http.Header) {
	model := d.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	sep := "?"
	if strings.Contains(d.baseURL, "?") {
		sep = "&"
	}
	hdr := make(http.Header)
	hdr.Set("Authorization", "Bearer "+d.apiKey)
	hdr.Set("OpenAI-Beta", "realtime=v1")
	return d.baseURL + sep + "model=" + url.QueryEscape(model), hdr
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string               `json:"modalities"`
	Voice                   string                 `json:"voice,omitempty"`
	Instructions            string                 `json:"instructions,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription *transcriptionSettings `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection         `json:"turn_detection,omitempty"`
}

type transcriptionSettings struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── s2s.Dialect methods ────────────────────────────────────────────────────────

// SetupMessages implements s2s.Dialect.
func (d *Dialect) SetupMessages(cfg s2s.SessionConfig) ([][]byte, error) {
	params := sessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   strings.ToLower(cfg.Voice),
		Instructions:            cfg.SystemInstruction,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionSettings{Model: "whisper-1"},
		TurnDetection:           &turnDetection{Type: "server_vad"},
	}
	data, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal session update: %w", err)
	}
	return [][]byte{data}, nil
}

// EncodeAudio implements s2s.Dialect. Audio at any other rate is resampled to
// 24 kHz first.
func (d *Dialect) EncodeAudio(chunk audio.EncodedChunk) ([]byte, error) {
	payload := chunk.Data
	if rate := audio.ParseRate(chunk.MIMEType, SampleRate); rate != SampleRate {
		samples, err := audio.Decode(chunk)
		if err != nil {
			return nil, fmt.Errorf("openai: encode audio: %w", err)
		}
		payload = audio.EncodeSamples(audio.ResampleMono(samples, rate, SampleRate), SampleRate).Data
	}
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeBase64(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal audio: %w", err)
	}
	return data, nil
}

// Decode implements s2s.Dialect.
func (d *Dialect) Decode(data []byte) (s2s.Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return s2s.Event{}, fmt.Errorf("openai: decode: %w", err)
	}

	var ev s2s.Event
	switch evt.Type {
	case "session.updated":
		ev.Ready = true

	case "response.audio.delta":
		raw, err := audio.DecodeBase64(evt.Delta)
		if err != nil || len(raw) == 0 {
			break
		}
		ev.Chunks = []audio.EncodedChunk{{Data: raw, MIMEType: audio.PCMMIMEType(SampleRate)}}

	case "input_audio_buffer.speech_started":
		ev.Interrupted = true

	case "response.done":
		ev.TurnComplete = true

	case "response.audio_transcript.done":
		if evt.Transcript != "" {
			ev.Transcripts = []s2s.Transcript{{Role: s2s.RoleModel, Text: evt.Transcript}}
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			ev.Transcripts = []s2s.Transcript{{Role: s2s.RoleUser, Text: evt.Transcript}}
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		ev.Err = fmt.Errorf("%w: openai: %s", s2s.ErrEngine, msg)
	}
	return ev, nil
}
