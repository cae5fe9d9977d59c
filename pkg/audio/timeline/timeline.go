// Package timeline implements a sample-accurate output clock that mixes
// scheduled PCM16 voices. It is the device-independent half of an
// [audio.OutputDevice]: a hardware backend calls [Timeline.Render] from its
// data callback and the timeline advances its clock by the rendered length.
//
// Voices may overlap; overlapping samples are summed and clamped. A voice
// whose start position has already passed when it is scheduled begins at the
// current clock position.
package timeline

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Timeline)(nil)

// Timeline is a mixing output clock. All exported methods are safe for
// concurrent use.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // next sample to render
	voices map[*voice]struct{}
	closed bool
}

type voice struct {
	t       *Timeline
	pcm     []int16
	start   int64
	onEnded func()
}

// New returns a timeline running at sampleRate with its clock at zero.
func New(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate, voices: make(map[*voice]struct{})}
}

// SampleRate implements [audio.OutputDevice].
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [audio.OutputDevice].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationAt(t.pos)
}

func (t *Timeline) durationAt(pos int64) time.Duration {
	return time.Duration(pos * int64(time.Second) / int64(t.rate))
}

// Play implements [audio.OutputDevice]. An empty buffer ends on the next
// render call.
func (t *Timeline) Play(pcm []int16, at time.Duration, onEnded func()) (audio.Voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, audio.ErrDeviceUnavailable
	}
	start := audio.DurationSamples(at, t.rate)
	if start < t.pos {
		start = t.pos
	}
	v := &voice{t: t, pcm: pcm, start: start, onEnded: onEnded}
	t.voices[v] = struct{}{}
	return v, nil
}

// Stop removes the voice without invoking its end callback.
func (v *voice) Stop() {
	v.t.mu.Lock()
	delete(v.t.voices, v)
	v.t.mu.Unlock()
}

// Render mixes the next len(out) samples into out and advances the clock.
// Voices that reach their end are removed and their callbacks run after the
// internal lock is released.
func (t *Timeline) Render(out []int16) {
	clear(out)
	n := int64(len(out))

	var ended []func()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	from, to := t.pos, t.pos+n
	acc := make([]int32, n)
	for v := range t.voices {
		end := v.start + int64(len(v.pcm))
		lo, hi := max(v.start, from), min(end, to)
		for p := lo; p < hi; p++ {
			acc[p-from] += int32(v.pcm[p-v.start])
		}
		if end <= to {
			delete(t.voices, v)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	t.pos = to
	t.mu.Unlock()

	for i, s := range acc {
		out[i] = int16(min(max(s, -32768), 32767))
	}
	for _, fn := range ended {
		fn()
	}
}

// RenderBytes is like [Timeline.Render] but writes little-endian PCM16 bytes,
// the layout most device callbacks hand out.
func (t *Timeline) RenderBytes(out []byte) {
	samples := make([]int16, len(out)/2)
	t.Render(samples)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
}

// Pending reports the number of voices not yet finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Close drops all voices. Subsequent Play calls fail and Render produces
// silence. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.voices)
	return nil
}
