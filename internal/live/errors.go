package live

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// Sentinel errors. Every error surfaced by a [Lifecycle] is an [*Error]
// matching exactly one of them with [errors.Is].
var (
	// ErrDeviceAccess: the microphone or output device could not be
	// acquired. Fatal before Active.
	ErrDeviceAccess = errors.New("live: device access denied")

	// ErrConnection: the transport failed to open, timed out, or ended
	// unexpectedly.
	ErrConnection = errors.New("live: connection failed")

	// ErrMalformedChunk: an inbound chunk failed validation. Recovered
	// locally by dropping the chunk.
	ErrMalformedChunk = audio.ErrMalformedChunk

	// ErrTransientNetwork: one exchange failed. Transports retry these and
	// escalate to [ErrConnection] only when they persist.
	ErrTransientNetwork = transport.ErrTransient
)

// Kind classifies an [Error].
type Kind int

const (
	KindUnknown Kind = iota
	KindDeviceAccess
	KindConnection
	KindMalformedChunk
	KindTransientNetwork
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDeviceAccess:
		return "device access"
	case KindConnection:
		return "connection"
	case KindMalformedChunk:
		return "malformed chunk"
	case KindTransientNetwork:
		return "transient network"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindDeviceAccess:
		return ErrDeviceAccess
	case KindConnection:
		return ErrConnection
	case KindMalformedChunk:
		return ErrMalformedChunk
	case KindTransientNetwork:
		return ErrTransientNetwork
	default:
		return nil
	}
}

// Error is a classified session failure.
type Error struct {
	Kind Kind
	Op   string // "start", "connect", "capture", ...
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("live: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("live: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first [*Error] in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// User-facing messages returned by [UserMessage].
const (
	MsgPermission = "Microphone permission is required. Please allow microphone access and try again."
	MsgNetwork    = "Connection disrupted. Please check your network."
	MsgGeneric    = "Failed to initialize session."
)

// UserMessage renders err for an end user, distinguishing a permission
// problem from a network problem from anything else.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceAccess):
		return MsgPermission
	case errors.Is(err, ErrConnection), errors.Is(err, ErrTransientNetwork):
		return MsgNetwork
	default:
		return MsgGeneric
	}
}
