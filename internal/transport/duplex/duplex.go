// Package duplex implements [transport.Transport] over one persistent
// full-duplex WebSocket to the engine.
//
// The wire format is delegated to an [s2s.Dialect]. Each session runs three
// goroutines: a receive loop that classifies inbound messages and drives the
// callbacks, a write loop that drains the send queue in capture order once
// the engine has acknowledged the setup, and a keep-alive loop that pings the
// connection.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Compile-time assertions.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*session)(nil)
)

const (
	// Name labels this strategy in logs and metrics.
	Name = "duplex"

	defaultKeepalive  = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	defaultReadLimit  = 16 << 20 // engine audio messages routinely exceed the 32 KiB library default
	closeWriteTimeout = 2 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithQueueSize bounds the per-session send queue.
func WithQueueSize(n int) Option {
	return func(t *Transport) { t.queueSize = n }
}

// WithKeepalive sets the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport dials the engine directly.
type Transport struct {
	dialect    s2s.Dialect
	queueSize  int
	keepalive  time.Duration
	httpClient *http.Client
	metrics    *observe.Metrics
}

// New creates a duplex transport speaking dialect d.
func New(d s2s.Dialect, opts ...Option) *Transport {
	t := &Transport{
		dialect:   d,
		queueSize: transport.DefaultQueueSize,
		keepalive: defaultKeepalive,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Name implements [transport.Transport].
func (t *Transport) Name() string { return Name }

// Connect dials the engine and sends the dialect's setup messages. OnOpen
// fires once the engine acknowledges the setup.
func (t *Transport) Connect(ctx context.Context, cfg s2s.SessionConfig, cb transport.Callbacks) (transport.Session, error) {
	ctx, span := observe.StartSpan(ctx, "duplex.connect")
	defer span.End()

	url, hdr := t.dialect.Endpoint(cfg)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: hdr,
		HTTPClient: t.httpClient,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("duplex: dial %s: %w", t.dialect.Name(), err)
	}
	conn.SetReadLimit(defaultReadLimit)

	setup, err := t.dialect.SetupMessages(cfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("duplex: setup: %w", err)
	}
	for _, msg := range setup {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.Close(websocket.StatusInternalError, "setup failed")
			return nil, fmt.Errorf("duplex: send setup: %w", err)
		}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		dialect:   t.dialect,
		conn:      conn,
		outbox:    transport.NewOutbox(t.queueSize),
		d:         transport.NewDispatcher(cb),
		metrics:   t.metrics,
		ready:     make(chan struct{}),
		ctx:       sessCtx,
		cancel:    cancel,
		keepalive: t.keepalive,
	}
	s.log = observe.SessionLogger(ctx, s.id).With("engine", t.dialect.Name())

	go s.receiveLoop()
	go s.writeLoop()
	if s.keepalive > 0 {
		go s.keepaliveLoop()
	}

	s.log.Debug("duplex session dialled")
	return s, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	id        string
	dialect   s2s.Dialect
	conn      *websocket.Conn
	outbox    *transport.Outbox
	d         *transport.Dispatcher
	metrics   *observe.Metrics
	log       *slog.Logger
	keepalive time.Duration

	ready     chan struct{} // closed when the engine acknowledges setup
	readyOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) ID() string { return s.id }

// Send queues c for the write loop.
func (s *session) Send(c audio.EncodedChunk) {
	if s.ctx.Err() != nil {
		return
	}
	if s.outbox.Push(c) {
		s.metrics.RecordFramesDropped(s.ctx, Name, 1)
		s.log.Debug("send queue full, dropped oldest frame", "dropped_total", s.outbox.Dropped())
	}
}

// Close terminates the session locally. No callbacks fire afterwards.
func (s *session) Close() error {
	s.d.Silence()
	s.release(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) release(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		go func() {
			// Close waits for the peer's close frame; bound it so teardown
			// never hangs on a dead connection.
			timer := time.AfterFunc(closeWriteTimeout, func() { _ = s.conn.CloseNow() })
			defer timer.Stop()
			_ = s.conn.Close(code, reason)
		}()
	})
}

// fail ends the session with OnError.
func (s *session) fail(err error) {
	if s.d.Error(err) {
		s.log.Warn("duplex session failed", "err", err)
	}
	s.release(websocket.StatusInternalError, "session failed")
}

// receiveLoop reads and dispatches engine messages until the connection ends.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Info("engine closed session")
				s.d.Close()
				s.release(websocket.StatusNormalClosure, "")
			default:
				s.fail(fmt.Errorf("duplex: read: %w", err))
			}
			return
		}

		ev, err := s.dialect.Decode(data)
		if err != nil {
			s.log.Debug("skipping undecodable engine message", "err", err)
			continue
		}
		if ev.Err != nil {
			s.fail(ev.Err)
			return
		}
		if ev.Ready {
			s.readyOnce.Do(func() { close(s.ready) })
			s.d.Open()
		}
		msg := transport.MessageFromEvent(ev)
		if msg.Empty() {
			continue
		}
		if n := len(msg.Chunks); n > 0 {
			s.metrics.ChunksReceived.Add(s.ctx, int64(n))
		}
		s.d.Message(msg)
	}
}

// writeLoop waits for the setup acknowledgement, then forwards queued chunks
// in order.
func (s *session) writeLoop() {
	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return
	}
	for {
		c, ok := s.outbox.Pop(s.ctx)
		if !ok {
			return
		}
		data, err := s.dialect.EncodeAudio(c)
		if err != nil {
			s.log.Warn("dropping unencodable frame", "err", err)
			continue
		}
		if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			s.fail(fmt.Errorf("duplex: write: %w", err))
			return
		}
		s.metrics.RecordFrameSent(s.ctx, Name)
	}
}

// keepaliveLoop pings the connection so idle NATs and proxies keep it open.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}
