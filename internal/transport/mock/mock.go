// Package mock provides an in-memory [transport.Transport] for unit tests.
//
// Sessions created by the mock record every chunk sent to them and let the
// test play the engine's part: open the session, deliver messages, fail it,
// or close it from the remote side.
//
// Typical usage:
//
//	tr := &mock.Transport{AutoOpen: true}
//	// ... start the component under test with tr ...
//	sess := tr.Last()
//	sess.Deliver(transport.Message{Chunks: chunks})
//	sent := sess.Sent()
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Transport is a mock [transport.Transport].
type Transport struct {
	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// AutoOpen fires OnOpen from a new goroutine right after Connect.
	AutoOpen bool

	// Block makes Connect wait until its context is done.
	Block bool

	mu       sync.Mutex
	sessions []*Session
	calls    int
}

var _ transport.Transport = (*Transport)(nil)

// Name implements [transport.Transport].
func (t *Transport) Name() string { return "mock" }

// Connect implements [transport.Transport].
func (t *Transport) Connect(ctx context.Context, cfg s2s.SessionConfig, cb transport.Callbacks) (transport.Session, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	err := t.ConnectErr
	block := t.Block
	auto := t.AutoOpen
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:  fmt.Sprintf("mock-%d", n),
		cfg: cfg,
		d:   transport.NewDispatcher(cb),
	}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()

	if auto {
		go s.Open()
	}
	return s, nil
}

// ConnectCount returns how many times Connect was called.
func (t *Transport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Sessions returns every session created so far.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, len(t.sessions))
	copy(out, t.sessions)
	return out
}

// Last returns the most recently created session, or nil.
func (t *Transport) Last() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// Session is a mock [transport.Session].
type Session struct {
	id  string
	cfg s2s.SessionConfig
	d   *transport.Dispatcher

	mu         sync.Mutex
	sent       []audio.EncodedChunk
	closeCount int
}

var _ transport.Session = (*Session)(nil)

// ID implements [transport.Session].
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was opened with.
func (s *Session) Config() s2s.SessionConfig { return s.cfg }

// Send implements [transport.Session]. Chunks sent after Close are ignored.
func (s *Session) Send(c audio.EncodedChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return
	}
	s.sent = append(s.sent, c)
}

// Close implements [transport.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.d.Silence()
	return nil
}

// Sent returns the chunks received through Send.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Open fires OnOpen.
func (s *Session) Open() { s.d.Open() }

// Deliver fires OnMessage.
func (s *Session) Deliver(m transport.Message) { s.d.Message(m) }

// Fail ends the session with OnError.
func (s *Session) Fail(err error) { s.d.Error(err) }

// CloseRemote ends the session with OnClose.
func (s *Session) CloseRemote() { s.d.Close() }
