// Package mock provides in-memory implementations of [audio.CaptureDevice]
// and [audio.OutputDevice] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on what a session did with its devices, and they expose exported
// fields for controlling return values.
//
// Typical usage:
//
//	mic := &mock.Capture{}
//	out := mock.NewOutput(24000)
//	out.SetNow(10 * time.Second)
//	// ... drive the session ...
//	mic.Emit(make([]float32, 4096))
//	plays := out.Plays()
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock [audio.CaptureDevice]. Samples are injected with
// [Capture.Emit].
type Capture struct {
	mu sync.Mutex

	// StartErr is returned by Start.
	StartErr error

	onSamples  func([]float32)
	started    bool
	closeCount int
}

var _ audio.CaptureDevice = (*Capture)(nil)

// Start implements [audio.CaptureDevice].
func (c *Capture) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.onSamples = onSamples
	c.started = true
	return nil
}

// Emit delivers samples as if the device callback fired. It is a no-op
// before Start or after Close.
func (c *Capture) Emit(samples []float32) {
	c.mu.Lock()
	fn := c.onSamples
	if c.closeCount > 0 {
		fn = nil
	}
	c.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// Started reports whether Start succeeded.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// CloseCount returns how many times Close was called.
func (c *Capture) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Close implements [audio.CaptureDevice].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

// CaptureOpener returns an [audio.CaptureOpener] yielding c, or err when err
// is non-nil. Every invocation is counted in the returned counter.
func CaptureOpener(c *Capture, err error) (audio.CaptureOpener, *Counter) {
	n := &Counter{}
	return func(int, int) (audio.CaptureDevice, error) {
		n.inc()
		if err != nil {
			return nil, err
		}
		return c, nil
	}, n
}

// Counter is a concurrency-safe call counter.
type Counter struct {
	mu sync.Mutex
	n  int
}

func (c *Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// Count returns the number of recorded calls.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Play records one [Output.Play] call.
type Play struct {
	PCM     []int16
	At      time.Duration
	onEnded func()
	stopped bool
	ended   bool
}

// Output is a mock [audio.OutputDevice] with a manually set clock. Voices
// never end on their own; tests end them with [Output.End].
type Output struct {
	mu sync.Mutex

	// PlayErr is returned by Play.
	PlayErr error

	rate       int
	now        time.Duration
	plays      []*Play
	closeCount int
}

var _ audio.OutputDevice = (*Output)(nil)

// NewOutput returns an Output at sampleRate with its clock at zero.
func NewOutput(sampleRate int) *Output {
	return &Output{rate: sampleRate}
}

// SetNow moves the output clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	o.now = d
	o.mu.Unlock()
}

// Now implements [audio.OutputDevice].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate implements [audio.OutputDevice].
func (o *Output) SampleRate() int { return o.rate }

// Play implements [audio.OutputDevice].
func (o *Output) Play(pcm []int16, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	p := &Play{PCM: pcm, At: at, onEnded: onEnded}
	o.plays = append(o.plays, p)
	return &voice{o: o, p: p}, nil
}

type voice struct {
	o *Output
	p *Play
}

func (v *voice) Stop() {
	v.o.mu.Lock()
	v.p.stopped = true
	v.o.mu.Unlock()
}

// Plays returns a snapshot of every Play call in order.
func (o *Output) Plays() []Play {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Play, len(o.plays))
	for i, p := range o.plays {
		out[i] = Play{PCM: p.PCM, At: p.At, stopped: p.stopped, ended: p.ended}
	}
	return out
}

// Stopped reports whether the voice was stopped.
func (p Play) Stopped() bool { return p.stopped }

// Ended reports whether the voice ended naturally through [Output.End].
func (p Play) Ended() bool { return p.ended }

// End finishes the i-th voice naturally and invokes its callback, unless it
// was stopped or has already ended.
func (o *Output) End(i int) {
	o.mu.Lock()
	if i < 0 || i >= len(o.plays) {
		o.mu.Unlock()
		return
	}
	p := o.plays[i]
	if p.stopped || p.ended {
		o.mu.Unlock()
		return
	}
	p.ended = true
	fn := p.onEnded
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCount
}

// Close implements [audio.OutputDevice].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeCount++
	return nil
}

// OutputOpener returns an [audio.OutputOpener] yielding o.
func OutputOpener(o *Output) audio.OutputOpener {
	return func(int) (audio.OutputDevice, error) { return o, nil }
}
