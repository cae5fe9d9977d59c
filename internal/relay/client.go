package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Compile-time assertions.
var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Session   = (*clientSession)(nil)
)

const (
	// Name labels the relay strategy in logs and metrics.
	Name = "relay"

	defaultRequestTimeout = 10 * time.Second
	defaultRetryDelay     = 100 * time.Millisecond
	defaultPollInterval   = 500 * time.Millisecond
	deleteTimeout         = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRoundTripper sets the base HTTP transport. It is wrapped with otelhttp
// instrumentation either way.
func WithRoundTripper(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.rt = rt }
}

// WithRequestTimeout bounds each HTTP request.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithQueueSize bounds the per-session send queue.
func WithQueueSize(n int) ClientOption {
	return func(c *Client) { c.queueSize = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker configures the per-session breaker that decides when repeated
// transient failures become fatal.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ClientOption {
	return func(c *Client) { c.breaker = cfg }
}

// WithRetryDelay sets the pause before a failed frame is retried.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

// WithPollInterval sets how long the worker waits for a frame before it
// polls for output with an empty request. Zero disables polling.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is the relay strategy of [transport.Transport].
type Client struct {
	base           string
	rt             http.RoundTripper
	requestTimeout time.Duration
	queueSize      int
	metrics        *observe.Metrics
	breaker        resilience.CircuitBreakerConfig
	retryDelay     time.Duration
	pollInterval   time.Duration

	hc *http.Client
}

// NewClient creates a relay client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:           strings.TrimSuffix(baseURL, "/"),
		rt:             http.DefaultTransport,
		requestTimeout: defaultRequestTimeout,
		queueSize:      transport.DefaultQueueSize,
		retryDelay:     defaultRetryDelay,
		pollInterval:   defaultPollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker.Name == "" {
		c.breaker.Name = "relay-client"
	}
	c.breaker.IsFailure = func(err error) bool { return errors.Is(err, transport.ErrTransient) }
	c.hc = &http.Client{
		Transport: otelhttp.NewTransport(c.rt),
		Timeout:   c.requestTimeout,
	}
	return c
}

// Name implements [transport.Transport].
func (c *Client) Name() string { return Name }

// Connect opens a session on the relay server. OnOpen fires from the
// session's worker goroutine right after Connect returns.
func (c *Client) Connect(ctx context.Context, cfg s2s.SessionConfig, cb transport.Callbacks) (transport.Session, error) {
	ctx, span := observe.StartSpan(ctx, "relay.connect")
	defer span.End()

	var resp CreateResponse
	status, err := c.do(ctx, http.MethodPost, c.base+sessionsPath, CreateRequest{SessionConfig: cfg}, &resp)
	c.metrics.RecordRelayRequest(ctx, "create", statusLabel(status))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("relay: create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, errors.New("relay: create session: empty session id")
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &clientSession{
		id:      resp.SessionID,
		c:       c,
		outbox:  transport.NewOutbox(c.queueSize),
		d:       transport.NewDispatcher(cb),
		breaker: resilience.NewCircuitBreaker(c.breaker),
		ctx:     sessCtx,
		cancel:  cancel,
		log:     observe.SessionLogger(ctx, resp.SessionID).With("transport", Name),
	}
	go s.run()
	return s, nil
}

// statusError is a non-2xx relay answer. 5xx answers are transient.
type statusError struct {
	Code int
	Msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay: status %d: %s", e.Code, e.Msg)
}

func (e *statusError) Unwrap() error {
	if e.Code >= 500 {
		return transport.ErrTransient
	}
	return nil
}

// do sends one JSON request. Network failures wrap [transport.ErrTransient].
func (c *Client) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("relay: marshal: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, fmt.Errorf("relay: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", transport.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes*8))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %w", transport.ErrTransient, err)
	}
	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(data, &er)
		return resp.StatusCode, &statusError{Code: resp.StatusCode, Msg: er.Error}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("relay: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// ── clientSession ──────────────────────────────────────────────────────────────

type clientSession struct {
	id      string
	c       *Client
	outbox  *transport.Outbox
	d       *transport.Dispatcher
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
	seq     uint64 // last frame request number; owned by run

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	warnOnce  sync.Once
}

func (s *clientSession) ID() string { return s.id }

// Send queues c for the worker.
func (s *clientSession) Send(c audio.EncodedChunk) {
	if s.ctx.Err() != nil {
		return
	}
	if s.outbox.Push(c) {
		s.c.metrics.RecordFramesDropped(s.ctx, Name, 1)
		s.log.Debug("send queue full, dropped oldest frame", "dropped_total", s.outbox.Dropped())
	}
}

// Close deletes the remote session. It does not wait for the worker or the
// DELETE request.
func (s *clientSession) Close() error {
	s.d.Silence()
	s.release(true)
	return nil
}

func (s *clientSession) release(remove bool) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		if !remove {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
			defer cancel()
			status, err := s.c.do(ctx, http.MethodDelete, s.c.base+sessionsPath+"/"+s.id, nil, nil)
			s.c.metrics.RecordRelayRequest(ctx, "delete", statusLabel(status))
			if err != nil && status != http.StatusNotFound {
				s.log.Debug("relay: delete session", "err", err)
			}
		}()
	})
}

// run is the session's single writer: it opens the stream, then exchanges
// frames in capture order until the session ends.
func (s *clientSession) run() {
	s.d.Open()
	for {
		chunk, ok := s.next()
		if !ok {
			return
		}
		if err := s.exchange(chunk); err != nil {
			if s.d.Error(err) {
				s.log.Warn("relay session failed", "err", err)
			}
			var se *statusError
			gone := errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusGone)
			s.release(!gone)
			return
		}
	}
}

// next returns the next queued frame, or an empty chunk when the poll
// interval passes without one.
func (s *clientSession) next() (audio.EncodedChunk, bool) {
	if s.c.pollInterval <= 0 {
		return s.outbox.Pop(s.ctx)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.c.pollInterval)
	defer cancel()
	if c, ok := s.outbox.Pop(ctx); ok {
		return c, true
	}
	if s.ctx.Err() != nil {
		return audio.EncodedChunk{}, false
	}
	return audio.EncodedChunk{}, true
}

// exchange posts one frame, retrying transient failures until the breaker
// opens. Retries repeat the frame's sequence number, so the relay forwards
// its audio at most once and replays the answer that was lost. A nil return means the frame was handled or the session was closed
// locally.
func (s *clientSession) exchange(chunk audio.EncodedChunk) error {
	url := s.c.base + sessionsPath + "/" + s.id + "/frames"
	s.seq++
	req := newFrameRequest(s.seq, chunk)
	for {
		var resp FrameResponse
		err := s.breaker.Execute(func() error {
			status, err := s.c.do(s.ctx, http.MethodPost, url, req, &resp)
			s.c.metrics.RecordRelayRequest(s.ctx, "frame", statusLabel(status))
			return err
		})

		var se *statusError
		switch {
		case s.ctx.Err() != nil:
			return nil
		case err == nil:
			if len(chunk.Data) > 0 {
				s.c.metrics.RecordFrameSent(s.ctx, Name)
			}
			s.deliver(resp)
			return nil
		case errors.Is(err, resilience.ErrCircuitOpen):
			return fmt.Errorf("relay: %w: %w", transport.ErrTransient, err)
		case errors.Is(err, transport.ErrTransient):
			s.log.Debug("relay frame failed, retrying", "err", err, "failures", s.breaker.Failures())
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(s.c.retryDelay):
			}
		case errors.As(err, &se) && se.Code == http.StatusBadRequest:
			s.log.Warn("relay rejected frame", "err", err)
			return nil
		default:
			return err
		}
	}
}

func (s *clientSession) deliver(resp FrameResponse) {
	m, malformed := resp.message()
	if malformed > 0 {
		s.c.metrics.MalformedChunks.Add(s.ctx, int64(malformed))
		s.warnOnce.Do(func() {
			s.log.Warn("dropping malformed audio chunks from relay", "count", malformed)
		})
	}
	if len(m.Chunks) > 0 {
		s.c.metrics.ChunksReceived.Add(s.ctx, int64(len(m.Chunks)))
	}
	if !m.Empty() {
		s.d.Message(m)
	}
}
