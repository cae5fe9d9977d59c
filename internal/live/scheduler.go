package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrSchedulerClosed is returned by [Scheduler.Schedule] after Close.
var ErrSchedulerClosed = errors.New("live: scheduler closed")

// Unit describes one scheduled playback unit.
type Unit struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the output clock time at which the unit finishes.
func (u Unit) End() time.Duration { return u.Start + u.Duration }

// SchedulerState is a point-in-time view of a [Scheduler].
type SchedulerState struct {
	// NextStart is where the next unit would be placed if the clock had not
	// passed it. Zero until the first unit or interruption.
	NextStart time.Duration

	// Active lists units that have neither finished nor been stopped, in
	// scheduling order.
	Active []Unit
}

// playbackUnit is a unit in the active set.
type playbackUnit struct {
	Unit
	voice audio.Voice
}

// Scheduler places decoded response audio back to back on an output device.
//
// A single goroutine owns the active set and the next start time. Schedule,
// Interrupt and State are executed on it in call order; natural completions
// reported by the device are folded in before each of them. A unit leaves the
// active set exactly once, either when it ends or when an interruption stops
// it.
type Scheduler struct {
	out     audio.OutputDevice
	metrics *observe.Metrics

	cmds chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	endedMu  sync.Mutex
	endedIDs []uint64
	endedSig chan struct{} // capacity 1

	// Owned by run.
	active      map[uint64]*playbackUnit
	order       []uint64
	next        time.Duration
	initialised bool
	seq         uint64
}

// NewScheduler starts a scheduler on out. Call Close to stop it.
func NewScheduler(out audio.OutputDevice, m *observe.Metrics) *Scheduler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	s := &Scheduler{
		out:      out,
		metrics:  m,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		endedSig: make(chan struct{}, 1),
		active:   make(map[uint64]*playbackUnit),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			s.reapEnded()
			fn()
		case <-s.endedSig:
			s.reapEnded()
		case <-s.quit:
			s.stopAll()
			return
		}
	}
}

// do runs fn on the scheduler goroutine and waits for it. It reports false
// if the scheduler has stopped.
func (s *Scheduler) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return false
	}
	<-finished
	return true
}

// Schedule plays pcm (mono, at the device rate) right after everything
// already scheduled, or immediately if the device clock has caught up.
// Empty buffers are ignored.
func (s *Scheduler) Schedule(pcm []int16) (Unit, error) {
	if len(pcm) == 0 {
		return Unit{}, nil
	}
	var (
		u   Unit
		err error
	)
	if !s.do(func() { u, err = s.schedule(pcm) }) {
		return Unit{}, ErrSchedulerClosed
	}
	return u, err
}

func (s *Scheduler) schedule(pcm []int16) (Unit, error) {
	now := s.out.Now()
	if !s.initialised {
		s.next = now
		s.initialised = true
	}
	start := max(s.next, now)
	s.seq++
	u := Unit{
		ID:       s.seq,
		Start:    start,
		Duration: audio.SamplesDuration(len(pcm), s.out.SampleRate(), 1),
	}

	id := u.ID
	v, err := s.out.Play(pcm, start, func() { s.ended(id) })
	if err != nil {
		return Unit{}, fmt.Errorf("scheduler: play: %w", err)
	}
	s.active[id] = &playbackUnit{Unit: u, voice: v}
	s.order = append(s.order, id)
	s.next = u.End()

	ctx := context.Background()
	s.metrics.UnitsScheduled.Add(ctx, 1)
	s.metrics.QueueDepth.Record(ctx, (start - now).Seconds())
	return u, nil
}

// Interrupt hard-stops every active unit, clears the set and moves the next
// start time to the current clock. It returns the number of units stopped.
// Once Interrupt returns, no unit scheduled before it can start playing.
func (s *Scheduler) Interrupt() int {
	var n int
	s.do(func() {
		n = s.stopAll()
		s.next = s.out.Now()
		s.initialised = true
		s.metrics.Interruptions.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("had_audio", strconv.FormatBool(n > 0))))
	})
	if n > 0 {
		slog.Debug("playback interrupted", "units_stopped", n)
	}
	return n
}

func (s *Scheduler) stopAll() int {
	n := len(s.active)
	for _, id := range s.order {
		if u, ok := s.active[id]; ok {
			u.voice.Stop()
		}
	}
	clear(s.active)
	s.order = s.order[:0]
	return n
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State() SchedulerState {
	var st SchedulerState
	s.do(func() {
		st.NextStart = s.next
		for _, id := range s.order {
			if u, ok := s.active[id]; ok {
				st.Active = append(st.Active, u.Unit)
			}
		}
	})
	return st
}

// ended is the device completion callback. It never blocks.
func (s *Scheduler) ended(id uint64) {
	s.endedMu.Lock()
	s.endedIDs = append(s.endedIDs, id)
	s.endedMu.Unlock()
	select {
	case s.endedSig <- struct{}{}:
	default:
	}
}

// reapEnded removes naturally finished units. Completions of units already
// stopped by an interruption are ignored.
func (s *Scheduler) reapEnded() {
	s.endedMu.Lock()
	ids := s.endedIDs
	s.endedIDs = nil
	s.endedMu.Unlock()
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		delete(s.active, id)
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.active[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// Close stops every voice and the scheduler goroutine. It is idempotent and
// does not return until the voices are stopped.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
