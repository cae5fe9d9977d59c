package transport_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxlink/internal/transport"
)

type recorder struct {
	events []string
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen:    func() { r.events = append(r.events, "open") },
		OnMessage: func(transport.Message) { r.events = append(r.events, "message") },
		OnError:   func(error) { r.events = append(r.events, "error") },
		OnClose:   func() { r.events = append(r.events, "close") },
	}
}

func (r *recorder) check(t *testing.T, want ...string) {
	t.Helper()
	if len(r.events) != len(want) {
		t.Fatalf("events = %v, want %v", r.events, want)
	}
	for i := range want {
		if r.events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, r.events[i], want[i])
		}
	}
}

func TestDispatcher_OpenOnce(t *testing.T) {
	t.Parallel()

	var r recorder
	d := transport.NewDispatcher(r.callbacks())
	d.Open()
	d.Open()
	d.Message(transport.Message{})
	r.check(t, "open", "message")
	if !d.Opened() {
		t.Error("Opened = false")
	}
}

func TestDispatcher_SingleTerminalEvent(t *testing.T) {
	t.Parallel()

	var r recorder
	d := transport.NewDispatcher(r.callbacks())
	d.Open()
	if !d.Error(errors.New("boom")) {
		t.Error("first Error was not terminal")
	}
	if d.Close() {
		t.Error("Close after Error was terminal")
	}
	d.Error(errors.New("again"))
	d.Message(transport.Message{})
	d.Open()
	r.check(t, "open", "error")
	if !d.Done() {
		t.Error("Done = false")
	}
}

func TestDispatcher_SilenceSuppressesTerminal(t *testing.T) {
	t.Parallel()

	var r recorder
	d := transport.NewDispatcher(r.callbacks())
	d.Silence()
	d.Close()
	d.Error(errors.New("late"))
	r.check(t)
}

func TestDispatcher_NilCallbacks(t *testing.T) {
	t.Parallel()

	d := transport.NewDispatcher(transport.Callbacks{})
	d.Open()
	d.Message(transport.Message{})
	d.Close()
}

func TestDispatcher_SilenceFromCallback(t *testing.T) {
	t.Parallel()

	var d *transport.Dispatcher
	closed := false
	d = transport.NewDispatcher(transport.Callbacks{
		OnError: func(error) { d.Silence() },
		OnClose: func() { closed = true },
	})
	d.Error(errors.New("boom"))
	d.Close()
	if closed {
		t.Error("OnClose fired after terminal OnError")
	}
}
