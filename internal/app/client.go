package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/live"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// ErrSessionActive is returned by [Client.Start] while a session is running.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	// SessionID is the transport session id.
	SessionID string

	// Transport names the strategy in use ("duplex" or "relay").
	Transport string

	// StartedAt is when Start was called.
	StartedAt time.Time
}

// ClientConfig holds all dependencies for a [Client].
type ClientConfig struct {
	Config    *config.Config
	Transport transport.Transport
	Capture   audio.CaptureOpener
	Output    audio.OutputOpener

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnTranscript receives transcripts as they arrive. May be nil.
	OnTranscript func(s2s.Transcript)

	// OnState observes lifecycle transitions. It runs under the lifecycle
	// lock and must not call back into the Client. May be nil.
	OnState func(from, to live.State)
}

// Client runs the live session lifecycle. Only one session can be active at
// a time; a new one may start once the previous reached a terminal state.
// All exported methods are safe for concurrent use.
type Client struct {
	cc ClientConfig

	mu   sync.Mutex
	lc   *live.Lifecycle
	info SessionInfo
}

// NewClient creates a Client with the given dependencies.
func NewClient(cc ClientConfig) *Client {
	if cc.Metrics == nil {
		cc.Metrics = observe.DefaultMetrics()
	}
	return &Client{cc: cc}
}

// Start opens a new session and blocks until it is active or has failed.
// The returned error can be rendered for users with [live.UserMessage].
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.lc != nil && !c.lc.State().Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, c.info.SessionID)
	}

	s := c.cc.Config.Session
	opts := []live.Option{live.WithMetrics(c.cc.Metrics)}
	if c.cc.OnTranscript != nil {
		opts = append(opts, live.WithTranscriptHandler(c.cc.OnTranscript))
	}
	if c.cc.OnState != nil {
		opts = append(opts, live.WithStateObserver(c.cc.OnState))
	}
	lc := live.New(c.cc.Transport, c.cc.Capture, c.cc.Output, live.Config{
		Session:        s.S2S(),
		FrameSize:      s.FrameSize,
		ConnectTimeout: s.ConnectTimeout,
	}, opts...)
	c.lc = lc
	c.info = SessionInfo{Transport: c.cc.Transport.Name(), StartedAt: time.Now().UTC()}
	c.mu.Unlock()

	if err := lc.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.lc == lc {
		c.info.SessionID = lc.SessionID()
	}
	c.mu.Unlock()
	return nil
}

// Stop ends the current session. It is a no-op when none is running.
func (c *Client) Stop() error {
	c.mu.Lock()
	lc := c.lc
	c.mu.Unlock()
	if lc == nil {
		return nil
	}
	return lc.Stop()
}

// IsActive reports whether a session is connecting or active.
func (c *Client) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lc != nil && !c.lc.State().Terminal()
}

// Info returns metadata about the current or most recent session.
func (c *Client) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Lifecycle returns the current lifecycle, or nil before the first Start.
func (c *Client) Lifecycle() *live.Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lc
}

// Run starts a session and keeps it open until ctx is cancelled or the
// remote side ends it. A session that ended in error returns that error;
// cancellation and remote close return nil.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	lc := c.Lifecycle()

	select {
	case <-ctx.Done():
		return lc.Stop()
	case <-lc.Done():
		if lc.State() == live.StateError {
			return lc.Err()
		}
		return nil
	}
}
