// Package s2s defines the wire dialect abstraction for speech-to-speech
// engines reached over a single bidirectional WebSocket.
//
// A speech-to-speech engine accepts raw microphone audio and streams
// synthesised audio back within one stateful session. The transport layer owns
// the connection; a [Dialect] only knows how to render the setup handshake,
// wrap outbound audio, and classify inbound messages.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"errors"
	"net/http"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrEngine wraps errors reported by the remote engine itself (as opposed to
// network failures).
var ErrEngine = errors.New("s2s: engine error")

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Model overrides the dialect's default model when non-empty.
	Model string `json:"model,omitempty"`

	// Voice names a prebuilt engine voice, e.g. "Zephyr".
	Voice string `json:"voice,omitempty"`

	// SystemInstruction is the system prompt for the conversation.
	SystemInstruction string `json:"systemInstruction,omitempty"`

	// InputSampleRate is the rate of outbound microphone audio in Hz.
	InputSampleRate int `json:"inputSampleRate,omitempty"`

	// OutputSampleRate is the rate the caller plays inbound audio at in Hz.
	OutputSampleRate int `json:"outputSampleRate,omitempty"`
}

// Transcript roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Transcript is a piece of recognised user speech or the text rendering of
// model speech.
type Transcript struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Event is the classification of one inbound engine message. A single message
// may carry several facets at once (audio plus an interruption flag, say).
type Event struct {
	// Ready is set on the handshake acknowledgement that makes the session
	// usable.
	Ready bool

	// Chunks holds response audio in arrival order.
	Chunks []audio.EncodedChunk

	// Interrupted signals that the engine abandoned its current response
	// because the user started speaking.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// Transcripts holds any transcription carried by the message.
	Transcripts []Transcript

	// Err is a fatal engine-reported error wrapping [ErrEngine].
	Err error
}

// Empty reports whether the event carries nothing the caller acts upon.
func (e Event) Empty() bool {
	return !e.Ready && len(e.Chunks) == 0 && !e.Interrupted && !e.TurnComplete &&
		len(e.Transcripts) == 0 && e.Err == nil
}

// Dialect renders and parses the JSON messages of one engine protocol.
type Dialect interface {
	// Name is the registry name of the dialect, e.g. "gemini-live".
	Name() string

	// Endpoint returns the WebSocket URL and handshake headers for cfg.
	Endpoint(cfg SessionConfig) (string, http.Header)

	// SetupMessages returns the messages sent right after the socket opens.
	SetupMessages(cfg SessionConfig) ([][]byte, error)

	// EncodeAudio wraps one chunk of microphone audio.
	EncodeAudio(chunk audio.EncodedChunk) ([]byte, error)

	// Decode classifies one inbound message. An error means the message could
	// not be parsed at all; callers skip it and keep reading.
	Decode(data []byte) (Event, error)
}
