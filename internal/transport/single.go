package transport

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Single wraps a [Transport] with a create-once policy: while a session it
// created is open, Connect returns that session instead of opening another.
// The callbacks passed to a reusing Connect are ignored.
type Single struct {
	t Transport

	connectMu sync.Mutex // serialises Connect

	mu   sync.Mutex
	sess *singleSession
}

var _ Transport = (*Single)(nil)

// NewSingle wraps t.
func NewSingle(t Transport) *Single {
	return &Single{t: t}
}

// Name implements [Transport].
func (s *Single) Name() string { return s.t.Name() }

// Current returns the open session, or nil.
func (s *Single) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess
}

// Connect implements [Transport]. Concurrent callers are serialised so that
// exactly one underlying session is created.
func (s *Single) Connect(ctx context.Context, cfg s2s.SessionConfig, cb Callbacks) (Session, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if cur := s.Current(); cur != nil {
		return cur, nil
	}

	holder := &singleSession{owner: s}
	wrapped := cb
	wrapped.OnError = func(err error) {
		s.release(holder)
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
	wrapped.OnClose = func() {
		s.release(holder)
		if cb.OnClose != nil {
			cb.OnClose()
		}
	}

	sess, err := s.t.Connect(ctx, cfg, wrapped)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	holder.Session = sess
	if !holder.released {
		s.sess = holder
	}
	s.mu.Unlock()
	return holder, nil
}

func (s *Single) release(h *singleSession) {
	s.mu.Lock()
	h.released = true
	if s.sess == h {
		s.sess = nil
	}
	s.mu.Unlock()
}

// singleSession clears the owner's slot when it ends.
type singleSession struct {
	Session
	owner    *Single
	released bool // guarded by owner.mu
}

func (h *singleSession) Close() error {
	h.owner.release(h)
	return h.Session.Close()
}
