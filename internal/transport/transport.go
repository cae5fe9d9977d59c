// Package transport defines how a live session exchanges audio with a remote
// conversational engine.
//
// Two strategies implement [Transport]: a persistent full-duplex WebSocket
// (package duplex) and a request/response relay (package relay). Both deliver
// engine output through the same [Callbacks], so the session above them never
// knows which one is in use.
//
// Callback contract, enforced by [Dispatcher]:
//
//   - OnOpen fires at most once, before any OnMessage.
//   - Exactly one of OnError or OnClose ends the stream; nothing fires after.
//   - Callbacks are never invoked concurrently with each other.
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

var (
	// ErrTransient marks a single failed exchange that may succeed if
	// retried. Transports absorb these and escalate only when they persist.
	ErrTransient = errors.New("transport: transient network failure")

	// ErrClosed is returned when a closed session is used.
	ErrClosed = errors.New("transport: session closed")
)

// Message is one batch of engine output.
type Message struct {
	// Chunks holds response audio in arrival order.
	Chunks []audio.EncodedChunk

	// Interrupted signals barge-in: playback of earlier audio must stop
	// before Chunks are scheduled.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// Transcripts holds any transcription carried with the batch.
	Transcripts []s2s.Transcript
}

// Empty reports whether m carries nothing.
func (m Message) Empty() bool {
	return len(m.Chunks) == 0 && !m.Interrupted && !m.TurnComplete && len(m.Transcripts) == 0
}

// MessageFromEvent converts the payload facets of a dialect event.
func MessageFromEvent(ev s2s.Event) Message {
	return Message{
		Chunks:       ev.Chunks,
		Interrupted:  ev.Interrupted,
		TurnComplete: ev.TurnComplete,
		Transcripts:  ev.Transcripts,
	}
}

// Callbacks receives session events. Nil fields are ignored.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func()
}

// Session is an established exchange with the engine.
type Session interface {
	// ID identifies the session in logs and, for the relay, on the wire.
	ID() string

	// Send queues one chunk of microphone audio. It never blocks; when the
	// queue is full the oldest queued chunk is dropped. Chunks are delivered
	// in the order Send was called.
	Send(chunk audio.EncodedChunk)

	// Close ends the session and releases its resources. It is idempotent.
	// A local Close does not trigger OnClose.
	Close() error
}

// Transport establishes sessions.
type Transport interface {
	// Name is a short label for logs and metrics ("duplex", "relay").
	Name() string

	// Connect starts a session. It returns once the session exists on the
	// remote side; OnOpen reports when it is ready for audio. ctx bounds
	// establishment only, not the session lifetime.
	Connect(ctx context.Context, cfg s2s.SessionConfig, cb Callbacks) (Session, error)
}
