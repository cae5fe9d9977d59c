// Package gemini implements the s2s.Dialect for Google's Gemini Live API.
//
// Messages follow the BidiGenerateContent protocol: a setup message opens the
// session, microphone audio travels as base64 PCM inside realtimeInput
// mediaChunks, and the server answers with serverContent messages carrying
// inline audio, interruption flags, and transcriptions.
package gemini

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
const Name = "gemini-live"

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialect.
type Option func(*Dialect)

// WithModel sets the default Gemini model. A non-empty
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
			d.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// ── Dialect ────────────────────────────────────────────────────────────────────

// Dialect speaks the Gemini Live protocol.
type Dialect struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live dialect with the given API key and options.
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

// Endpoint implements s2s.Dialect. The API key travels as a query parameter.
func (d *Dialect) Endpoint(_ s2s.SessionConfig) (string, http.Header) {
	u := d.baseURL + endpointPath
	if d.apiKey != "" {
		u += "?key=" + url.QueryEscape(d.apiKey)
	}
	return u, http.Header{"Content-Type": []string{"application/json"}}
}

func (d *Dialect) modelFor(cfg s2s.SessionConfig) string {
	m := d.model
	if cfg.Model != "" {
		m = cfg.Model
	}
	if !strings.HasPrefix(m, "models/") {
		m = "models/" + m
	}
	return m
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── s2s.Dialect methods ────────────────────────────────────────────────────────

// SetupMessages implements s2s.Dialect. The single setup message requests
// audio responses and both transcription directions.
func (d *Dialect) SetupMessages(cfg s2s.SessionConfig) ([][]byte, error) {
	msg := setupMessage{
		Setup: setupConfig{
			Model: d.modelFor(cfg),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	return [][]byte{data}, nil
}

// EncodeAudio implements s2s.Dialect.
func (d *Dialect) EncodeAudio(chunk audio.EncodedChunk) ([]byte, error) {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: chunk.MIMEType,
				Data:     audio.EncodeBase64(chunk.Data),
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal audio: %w", err)
	}
	return data, nil
}

// Decode implements s2s.Dialect. Inline parts whose payload is not valid
// base64 are skipped; the rest of the message is still classified.
func (d *Dialect) Decode(data []byte) (s2s.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return s2s.Event{}, fmt.Errorf("gemini: decode: %w", err)
	}

	var ev s2s.Event
	if msg.SetupComplete != nil {
		ev.Ready = true
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		ev.Err = fmt.Errorf("%w: gemini: %d %s", s2s.ErrEngine, msg.Error.Code, text)
	}

	sc := msg.ServerContent
	if sc == nil {
		return ev, nil
	}
	ev.Interrupted = sc.Interrupted
	ev.TurnComplete = sc.TurnComplete

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			raw, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil || len(raw) == 0 {
				continue
			}
			ev.Chunks = append(ev.Chunks, audio.EncodedChunk{Data: raw, MIMEType: p.InlineData.MIMEType})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev.Transcripts = append(ev.Transcripts, s2s.Transcript{Role: s2s.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev.Transcripts = append(ev.Transcripts, s2s.Transcript{Role: s2s.RoleModel, Text: sc.OutputTranscription.Text})
	}
	return ev, nil
}
