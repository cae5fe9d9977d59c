package live

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
)

func TestError_Is(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	tests := []struct {
		kind     Kind
		sentinel error
	}{
		{KindDeviceAccess, ErrDeviceAccess},
		{KindConnection, ErrConnection},
		{KindMalformedChunk, audio.ErrMalformedChunk},
		{KindTransientNetwork, transport.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("wrapped: %w", newError(tt.kind, "op", cause))
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", err)
			}
			if !errors.Is(err, cause) {
				t.Error("cause not reachable")
			}
			if KindOf(err) != tt.kind {
				t.Errorf("KindOf = %v, want %v", KindOf(err), tt.kind)
			}
			for _, other := range tests {
				if other.kind != tt.kind && errors.Is(newError(tt.kind, "op", nil), other.sentinel) {
					t.Errorf("%v matches %v", tt.kind, other.kind)
				}
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"permission", newError(KindDeviceAccess, "start", audio.ErrDeviceUnavailable), MsgPermission},
		{"connection", newError(KindConnection, "connect", errors.New("dial")), MsgNetwork},
		{"transient", fmt.Errorf("relay: %w", transport.ErrTransient), MsgNetwork},
		{"other", errors.New("something else"), MsgGeneric},
		{"stopped", ErrStopped, MsgGeneric},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("%s: UserMessage = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := newError(KindConnection, "connect", errors.New("timeout"))
	if got, want := err.Error(), "live: connect: connection: timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
