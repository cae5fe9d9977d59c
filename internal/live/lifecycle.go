// Package live runs one real-time voice session: microphone capture, the
// transport to the engine, and gapless playback of the engine's replies with
// barge-in.
//
// A [Lifecycle] is single use. It moves through
//
//	Idle → Connecting → Active → Closing → Closed
//
// or ends in Error from Connecting or Active. Device and network resources
// are acquired on Start and released before any terminal state is entered;
// releasing twice is a no-op.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// State is a lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateClosed || s == StateError }

var (
	// ErrAlreadyStarted is returned by Start on a lifecycle that has left
	// Idle.
	ErrAlreadyStarted = errors.New("live: lifecycle already started")

	// ErrStopped is returned by Start when Stop interrupts it.
	ErrStopped = errors.New("live: stopped before the session opened")
)

// Defaults applied by [New].
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultConnectTimeout   = 10 * time.Second
)

// Config tunes a Lifecycle.
type Config struct {
	// Session is passed to the transport. Zero sample rates select the
	// defaults.
	Session s2s.SessionConfig

	// FrameSize is the number of samples per captured frame.
	FrameSize int

	// ConnectTimeout bounds Start.
	ConnectTimeout time.Duration
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Lifecycle) { l.metrics = m }
}

// WithStateObserver registers fn to be called after every transition, in
// transition order. fn runs with the lifecycle lock held and must not call
// back into the Lifecycle.
func WithStateObserver(fn func(from, to State)) Option {
	return func(l *Lifecycle) { l.observer = fn }
}

// WithTranscriptHandler registers fn to receive transcripts as they arrive.
// It is called from the transport's goroutine.
func WithTranscriptHandler(fn func(s2s.Transcript)) Option {
	return func(l *Lifecycle) { l.onTranscript = fn }
}

// sessionRef lets the capture path load the session without the lock.
type sessionRef struct{ transport.Session }

// Lifecycle owns one session and the devices it uses.
type Lifecycle struct {
	cfg          Config
	tr           transport.Transport
	openCapture  audio.CaptureOpener
	openOutput   audio.OutputOpener
	metrics      *observe.Metrics
	observer     func(from, to State)
	onTranscript func(s2s.Transcript)
	log          *slog.Logger

	state atomic.Int32
	sess  atomic.Pointer[sessionRef]

	opened     chan struct{} // closed on Active or on any terminal state
	openedOnce sync.Once
	done       chan struct{} // closed on a terminal state
	doneOnce   sync.Once

	outRate int // fixed once the output device is open

	mu          sync.Mutex
	capture     *CaptureSource
	out         audio.OutputDevice
	sched       *Scheduler
	err         error
	connectFrom time.Time
	counted     bool // included in the active sessions gauge

	tmu         sync.Mutex
	transcripts []s2s.Transcript

	malformedOnce sync.Once
}

// New creates an idle lifecycle. Devices are opened with the given openers
// on Start.
func New(tr transport.Transport, capture audio.CaptureOpener, output audio.OutputOpener, cfg Config, opts ...Option) *Lifecycle {
	if cfg.Session.InputSampleRate <= 0 {
		cfg.Session.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Session.OutputSampleRate <= 0 {
		cfg.Session.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	l := &Lifecycle{
		cfg:         cfg,
		tr:          tr,
		openCapture: capture,
		openOutput:  output,
		opened:      make(chan struct{}),
		done:        make(chan struct{}),
		log:         slog.With("transport", tr.Name()),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// Err returns the error that moved the lifecycle to StateError, or nil.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when the lifecycle reaches a terminal state.
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// SessionID returns the transport session id, or "" before it exists.
func (l *Lifecycle) SessionID() string {
	if ref := l.sess.Load(); ref != nil {
		return ref.ID()
	}
	return ""
}

// Transcripts returns the transcripts received so far.
func (l *Lifecycle) Transcripts() []s2s.Transcript {
	l.tmu.Lock()
	defer l.tmu.Unlock()
	out := make([]s2s.Transcript, len(l.transcripts))
	copy(out, l.transcripts)
	return out
}

// Scheduler returns the playback scheduler, or nil before Start.
func (l *Lifecycle) Scheduler() *Scheduler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sched
}

// setStateLocked moves to to and notifies the observer. l.mu must be held.
func (l *Lifecycle) setStateLocked(to State) {
	from := State(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	l.log.Debug("session state changed", "from", from, "to", to)
	if l.observer != nil {
		l.observer(from, to)
	}
	if to == StateActive || to.Terminal() {
		l.openedOnce.Do(func() { close(l.opened) })
	}
	if to.Terminal() {
		l.doneOnce.Do(func() { close(l.done) })
	}
}

// Start acquires the devices, opens the transport and waits until the
// engine is ready or ConnectTimeout elapses. On failure the lifecycle is in
// StateError and the returned error is an [*Error].
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.State() != StateIdle {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.connectFrom = time.Now()
	l.setStateLocked(StateConnecting)

	capture := NewCaptureSource(l.openCapture, l.cfg.Session.InputSampleRate, l.cfg.FrameSize, l.metrics)
	if err := capture.Acquire(); err != nil {
		err = l.failLocked(KindDeviceAccess, "start", err)
		l.mu.Unlock()
		return err
	}
	l.capture = capture

	out, err := l.openOutput(l.cfg.Session.OutputSampleRate)
	if err != nil {
		err = l.failLocked(KindDeviceAccess, "start", fmt.Errorf("open output: %w", err))
		l.mu.Unlock()
		return err
	}
	l.out = out
	l.outRate = out.SampleRate()
	l.sched = NewScheduler(out, l.metrics)
	l.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	sess, err := l.tr.Connect(cctx, l.cfg.Session, transport.Callbacks{
		OnOpen:    l.handleOpen,
		OnMessage: l.handleMessage,
		OnError:   func(err error) { l.fail(KindConnection, "session", err) },
		OnClose:   l.handleRemoteClose,
	})
	if err != nil {
		return l.fail(KindConnection, "connect", err)
	}

	l.mu.Lock()
	if l.State().Terminal() || l.State() == StateClosing {
		l.mu.Unlock()
		_ = sess.Close()
		return l.startResult()
	}
	l.sess.Store(&sessionRef{sess})
	l.mu.Unlock()

	select {
	case <-l.opened:
		return l.startResult()
	case <-cctx.Done():
	}

	l.mu.Lock()
	if l.State() == StateConnecting {
		err := l.failLocked(KindConnection, "connect", fmt.Errorf("waiting for session open: %w", cctx.Err()))
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	return l.startResult()
}

// startResult maps the state reached during Start to its return value.
// l.mu must not be held.
func (l *Lifecycle) startResult() error {
	switch l.State() {
	case StateActive:
		return nil
	case StateError:
		return l.Err()
	default:
		return ErrStopped
	}
}

// handleOpen is OnOpen: Connecting → Active.
func (l *Lifecycle) handleOpen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() != StateConnecting {
		return
	}
	gate := func() bool { return l.State() == StateActive }
	if err := l.capture.Start(gate, l.sendFrame); err != nil {
		l.failLocked(KindDeviceAccess, "capture", err)
		return
	}
	l.setStateLocked(StateActive)

	ctx := context.Background()
	l.counted = true
	l.metrics.ActiveSessions.Add(ctx, 1)
	l.metrics.RecordConnect(ctx, l.tr.Name(), "ok", time.Since(l.connectFrom).Seconds())
	l.log.Info("session active", "session_id", l.SessionID())
}

// sendFrame forwards one captured frame. It runs on the capture callback and
// never blocks.
func (l *Lifecycle) sendFrame(f audio.Frame) {
	if l.State() != StateActive {
		return
	}
	ref := l.sess.Load()
	if ref == nil {
		return
	}
	ref.Send(audio.Encode(f))
}

// handleMessage is OnMessage. An interruption is applied before the chunks
// carried by the same message are scheduled.
func (l *Lifecycle) handleMessage(m transport.Message) {
	if l.State() != StateActive {
		return
	}
	if len(m.Transcripts) > 0 {
		l.tmu.Lock()
		l.transcripts = append(l.transcripts, m.Transcripts...)
		l.tmu.Unlock()
		if l.onTranscript != nil {
			for _, t := range m.Transcripts {
				l.onTranscript(t)
			}
		}
	}

	sched := l.Scheduler()
	if sched == nil {
		return
	}
	if m.Interrupted {
		sched.Interrupt()
	}
	rate := l.outRate
	for _, c := range m.Chunks {
		pcm, err := audio.Decode(c)
		if err != nil {
			l.malformed(err)
			continue
		}
		if src := audio.ParseRate(c.MIMEType, rate); src != rate {
			pcm = audio.ResampleMono(pcm, src, rate)
		}
		if _, err := sched.Schedule(pcm); err != nil {
			if !errors.Is(err, ErrSchedulerClosed) {
				l.log.Warn("failed to schedule playback", "err", err)
			}
			return
		}
	}
}

func (l *Lifecycle) malformed(err error) {
	l.metrics.MalformedChunks.Add(context.Background(), 1)
	l.malformedOnce.Do(func() {
		l.log.Warn("dropping malformed audio chunk", "err", newError(KindMalformedChunk, "decode", err))
	})
}

// handleRemoteClose is OnClose. A remote close before the session opened is
// a connection failure.
func (l *Lifecycle) handleRemoteClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case StateConnecting:
		l.failLocked(KindConnection, "connect", errors.New("closed by remote before open"))
	case StateActive:
		l.teardownLocked()
		l.setStateLocked(StateClosed)
		l.log.Info("session closed by remote")
	}
}

// Stop ends the session from the local side. It is idempotent and safe to
// call from any goroutine, including transport callbacks.
func (l *Lifecycle) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case StateIdle, StateConnecting, StateActive:
		l.setStateLocked(StateClosing)
		l.teardownLocked()
		l.setStateLocked(StateClosed)
		l.log.Info("session stopped")
	}
	return nil
}

func (l *Lifecycle) fail(kind Kind, op string, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failLocked(kind, op, err)
}

// failLocked moves a live lifecycle to StateError. When the lifecycle has
// already ended it returns what Start should report instead.
func (l *Lifecycle) failLocked(kind Kind, op string, err error) error {
	from := l.State()
	if from != StateConnecting && from != StateActive {
		if from == StateError {
			return l.err
		}
		return ErrStopped
	}
	le := newError(kind, op, err)
	l.err = le
	if from == StateConnecting {
		l.metrics.RecordConnect(context.Background(), l.tr.Name(), "error", time.Since(l.connectFrom).Seconds())
	}
	l.teardownLocked()
	l.setStateLocked(StateError)
	l.log.Warn("session failed", "err", le)
	return le
}

// teardownLocked releases every resource. Each release happens at most once;
// nothing here waits on transport goroutines.
func (l *Lifecycle) teardownLocked() {
	if l.counted {
		l.metrics.ActiveSessions.Add(context.Background(), -1)
		l.counted = false
	}
	if ref := l.sess.Swap(nil); ref != nil {
		if err := ref.Close(); err != nil {
			l.log.Debug("close transport session", "err", err)
		}
	}
	if l.capture != nil {
		if err := l.capture.Close(); err != nil {
			l.log.Debug("close capture", "err", err)
		}
		l.capture = nil
	}
	if l.sched != nil {
		l.sched.Close()
	}
	if l.out != nil {
		if err := l.out.Close(); err != nil {
			l.log.Debug("close output", "err", err)
		}
		l.out = nil
	}
}
