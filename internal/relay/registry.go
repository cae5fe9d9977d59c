package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

var (
	// ErrFull is returned by [Registry.Open] when MaxSessions is reached.
	ErrFull = errors.New("relay: session limit reached")

	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("relay: session not found")

	// ErrInvalidID is returned when a client-supplied session id is not a UUID.
	ErrInvalidID = errors.New("relay: invalid session id")

	// ErrSessionEnded is returned by [Entry.Exchange] once the upstream
	// session has terminated and all of its output has been collected.
	ErrSessionEnded = errors.New("relay: upstream session ended")

	// ErrUpstreamUnavailable is returned by [Registry.Open] while the
	// upstream breaker is open.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")
)

// Policy bounds the registry. The zero value disables every limit.
type Policy struct {
	// IdleTimeout closes sessions without a request for this long. Zero
	// disables reaping.
	IdleTimeout time.Duration

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// ResponseWait is how long a frame request waits for engine output when
	// none is pending.
	ResponseWait time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout:  2 * time.Minute,
		MaxSessions:  64,
		ResponseWait: 150 * time.Millisecond,
	}
}

// DefaultPendingLimit is the per-session bound on buffered engine chunks.
// Engine chunks are typically 20 to 40 ms, so this holds several seconds of
// audio for a client that has stopped polling.
const DefaultPendingLimit = 256

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithPendingLimit bounds how many engine chunks a session buffers between
// two client requests. When the limit is exceeded the oldest chunks are
// dropped. Non-positive values select [DefaultPendingLimit].
func WithPendingLimit(n int) RegistryOption {
	return func(r *Registry) { r.pendingLimit = n }
}

// WithUpstreamBreaker sets the breaker guarding upstream connects.
func WithUpstreamBreaker(cb *resilience.CircuitBreaker) RegistryOption {
	return func(r *Registry) { r.breaker = cb }
}

// Registry owns the relay's upstream sessions, keyed by session id. It is
// safe for concurrent use.
type Registry struct {
	upstream     transport.Transport
	metrics      *observe.Metrics
	breaker      *resilience.CircuitBreaker
	now          func() time.Time
	pendingLimit int

	mu      sync.Mutex
	policy  Policy
	entries map[string]*Entry
	opening map[string]chan struct{} // ids with an upstream connect in flight; closed when it finishes
}

// NewRegistry creates a registry that opens sessions through upstream.
func NewRegistry(upstream transport.Transport, p Policy, opts ...RegistryOption) *Registry {
	r := &Registry{
		upstream: upstream,
		now:      time.Now,
		policy:   p,
		entries:  make(map[string]*Entry),
		opening:  make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.pendingLimit <= 0 {
		r.pendingLimit = DefaultPendingLimit
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "relay-upstream"})
	}
	return r
}

// Policy returns the current policy.
func (r *Registry) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// SetPolicy replaces the policy. Existing sessions are kept even if they now
// exceed MaxSessions; the next reap applies the new IdleTimeout.
func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
	slog.Info("relay policy updated",
		"idle_timeout", p.IdleTimeout,
		"max_sessions", p.MaxSessions,
		"response_wait", p.ResponseWait)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Open returns the session registered under id, or connects a new one. An
// empty id allocates a fresh one. created reports whether a new upstream
// session was opened.
func (r *Registry) Open(ctx context.Context, id string, cfg s2s.SessionConfig) (e *Entry, created bool, err error) {
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}

	r.mu.Lock()
	var stale *Entry
	for {
		if existing, ok := r.entries[id]; ok {
			if !existing.isEnded() {
				existing.touch(r.now())
				r.mu.Unlock()
				return existing, false, nil
			}
			delete(r.entries, id)
			stale = existing
		}
		wait, busy := r.opening[id]
		if !busy {
			break
		}
		// Another request is connecting this id; take its result.
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		r.mu.Lock()
	}
	if limit := r.policy.MaxSessions; limit > 0 && len(r.entries)+len(r.opening) >= limit {
		r.mu.Unlock()
		if stale != nil {
			r.release(stale, "replaced")
		}
		return nil, false, ErrFull
	}
	if id == "" {
		id = uuid.NewString()
	}
	done := make(chan struct{})
	r.opening[id] = done
	r.mu.Unlock()

	if stale != nil {
		r.release(stale, "replaced")
	}

	e = newEntry(id, r.now(), r.pendingLimit, r.metrics)
	var sess transport.Session
	err = r.breaker.Execute(func() error {
		var cerr error
		sess, cerr = r.upstream.Connect(ctx, cfg, e.callbacks())
		return cerr
	})

	r.mu.Lock()
	delete(r.opening, id)
	if err == nil {
		e.sess = sess
		r.entries[id] = e
	}
	r.mu.Unlock()
	close(done)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, false, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("relay: connect upstream: %w", err)
	}
	r.metrics.RelaySessions.Add(ctx, 1)

	observe.SessionLogger(ctx, id).Info("relay session opened", "upstream", r.upstream.Name())
	return e, true, nil
}

// Close removes the session and closes its upstream side.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.release(e, "closed")
	return nil
}

func (r *Registry) release(e *Entry, reason string) {
	e.end(nil)
	if e.sess != nil {
		if err := e.sess.Close(); err != nil {
			slog.Warn("relay: close upstream", "session_id", e.id, "err", err)
		}
	}
	r.metrics.RelaySessions.Add(context.Background(), -1)
	slog.Info("relay session removed", "session_id", e.id, "reason", reason)
}

// Reap closes every session idle for longer than the policy's IdleTimeout
// and returns how many were closed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	timeout := r.policy.IdleTimeout
	if timeout <= 0 {
		r.mu.Unlock()
		return 0
	}
	cutoff := r.now().Add(-timeout)
	var idle []*Entry
	for id, e := range r.entries {
		if e.lastUsed().Before(cutoff) {
			idle = append(idle, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		r.release(e, "idle")
	}
	return len(idle)
}

// RunReaper calls [Registry.Reap] periodically until ctx is done.
func (r *Registry) RunReaper(ctx context.Context) error {
	for {
		interval := r.Policy().IdleTimeout / 4
		if interval <= 0 || interval > 30*time.Second {
			interval = 30 * time.Second
		}
		if interval < time.Second {
			interval = time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			if n := r.Reap(); n > 0 {
				slog.Debug("reaped idle relay sessions", "count", n)
			}
		}
	}
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range all {
		r.release(e, "shutdown")
	}
}

// Ready reports whether the registry can accept new sessions.
func (r *Registry) Ready(_ context.Context) error {
	if r.breaker.State() == resilience.StateOpen {
		return ErrUpstreamUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit := r.policy.MaxSessions; limit > 0 && len(r.entries)+len(r.opening) >= limit {
		return ErrFull
	}
	return nil
}

// ── Entry ──────────────────────────────────────────────────────────────────────

// Entry is one relayed session: the upstream handle plus the engine output
// that has arrived since the client last asked.
type Entry struct {
	id      string
	sess    transport.Session
	limit   int
	metrics *observe.Metrics

	notify chan struct{} // capacity 1; signalled when output arrives or the session ends

	mu        sync.Mutex
	pending   transport.Message
	dropped   int
	lastSeq   uint64
	lastReply transport.Message // answer to lastSeq, replayed when the client retries it
	used      time.Time
	ended     bool
	endErr    error
}

func newEntry(id string, now time.Time, limit int, m *observe.Metrics) *Entry {
	return &Entry{
		id:      id,
		limit:   limit,
		metrics: m,
		used:    now,
		notify:  make(chan struct{}, 1),
	}
}

// ID returns the session id.
func (e *Entry) ID() string { return e.id }

func (e *Entry) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnMessage: e.push,
		OnError:   e.end,
		OnClose:   func() { e.end(nil) },
	}
}

func (e *Entry) touch(now time.Time) {
	e.mu.Lock()
	e.used = now
	e.mu.Unlock()
}

func (e *Entry) isEnded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

func (e *Entry) lastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

// push merges m into the pending batch. The batch holds at most limit chunks
// and limit transcripts; older ones are dropped first.
func (e *Entry) push(m transport.Message) {
	e.mu.Lock()
	mergeMessage(&e.pending, m)
	var dropped int
	if over := len(e.pending.Chunks) - e.limit; over > 0 {
		e.pending.Chunks = slices.Delete(e.pending.Chunks, 0, over)
		dropped = over
	}
	if over := len(e.pending.Transcripts) - e.limit; over > 0 {
		e.pending.Transcripts = slices.Delete(e.pending.Transcripts, 0, over)
	}
	e.dropped += dropped
	total := e.dropped
	e.mu.Unlock()

	if dropped > 0 {
		e.metrics.RecordFramesDropped(context.Background(), Name, dropped)
		slog.Debug("relay pending output full, dropped oldest chunks", "session_id", e.id, "dropped_total", total)
	}
	e.signal()
}

// Dropped returns how many engine chunks were discarded because the client
// did not collect them in time.
func (e *Entry) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// mergeMessage appends m to dst. An interruption discards audio that was
// still pending, since the client would stop it on arrival anyway.
func mergeMessage(dst *transport.Message, m transport.Message) {
	if m.Interrupted {
		dst.Chunks = nil
		dst.Interrupted = true
	}
	dst.Chunks = append(dst.Chunks, m.Chunks...)
	dst.TurnComplete = dst.TurnComplete || m.TurnComplete
	dst.Transcripts = append(dst.Transcripts, m.Transcripts...)
}

func (e *Entry) end(err error) {
	e.mu.Lock()
	if !e.ended {
		e.ended = true
		e.endErr = err
	}
	e.mu.Unlock()
	e.signal()
}

func (e *Entry) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// take removes and returns the pending batch.
func (e *Entry) take() (m transport.Message, ended bool, endErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m = e.pending
	e.pending = transport.Message{}
	return m, e.ended, e.endErr
}

// Exchange forwards chunk upstream (unless send is false) and returns the
// pending output. When nothing is pending it waits up to wait for the first
// output to arrive. Once the upstream session has ended and its output is
// drained, Exchange returns [ErrSessionEnded].
//
// A non-zero seq makes the request idempotent: repeating the latest seq does
// not forward the audio again and returns the previous answer together with
// any output that arrived since. Older sequence numbers only collect output.
func (e *Entry) Exchange(ctx context.Context, seq uint64, chunk audio.EncodedChunk, send bool, wait time.Duration, now time.Time) (transport.Message, error) {
	e.touch(now)

	// Drop a stale wake-up; anything it announced is collected by take.
	select {
	case <-e.notify:
	default:
	}

	var replay transport.Message
	e.mu.Lock()
	switch {
	case seq == 0:
	case seq == e.lastSeq:
		replay = e.lastReply
		send = false
	case seq < e.lastSeq:
		send = false
	default:
		e.lastSeq = seq
		e.lastReply = transport.Message{}
	}
	e.mu.Unlock()

	m, ended, endErr := e.take()
	if !replay.Empty() {
		merged := replay
		merged.Chunks = slices.Clone(replay.Chunks)
		merged.Transcripts = slices.Clone(replay.Transcripts)
		mergeMessage(&merged, m)
		m = merged
	}
	if ended && m.Empty() {
		return transport.Message{}, endedError(endErr)
	}
	if send && !ended {
		e.sess.Send(chunk)
	}
	if !m.Empty() || ended || wait <= 0 {
		return e.answer(seq, m), nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-e.notify:
		case <-timer.C:
			m, _, _ = e.take()
			return e.answer(seq, m), nil
		case <-ctx.Done():
			return transport.Message{}, ctx.Err()
		}
		m, ended, _ = e.take()
		if !m.Empty() || ended {
			return e.answer(seq, m), nil
		}
	}
}

// answer records m as the reply to seq when seq is still the latest.
func (e *Entry) answer(seq uint64, m transport.Message) transport.Message {
	if seq == 0 {
		return m
	}
	e.mu.Lock()
	if seq == e.lastSeq {
		e.lastReply = m
	}
	e.mu.Unlock()
	return m
}

func endedError(err error) error {
	if err == nil {
		return ErrSessionEnded
	}
	return fmt.Errorf("%w: %w", ErrSessionEnded, err)
}
