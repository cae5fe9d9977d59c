package live

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// DefaultFrameSize is the number of samples per captured frame.
const DefaultFrameSize = 4096

// CaptureSource turns microphone callbacks into fixed-size PCM16 frames.
//
// Devices deliver periods of arbitrary length; the source re-blocks them so
// every emitted [audio.Frame] holds exactly frameSize samples and carries the
// next sequence number. Frames are only emitted while the gate passed to
// [CaptureSource.Start] reports true; samples arriving while it is false are
// discarded along with any partial frame.
type CaptureSource struct {
	open      audio.CaptureOpener
	rate      int
	frameSize int
	metrics   *observe.Metrics

	mu     sync.Mutex
	dev    audio.CaptureDevice
	buf    []int16
	seq    uint64
	closed bool
}

// NewCaptureSource creates a source that opens its device with open.
func NewCaptureSource(open audio.CaptureOpener, sampleRate, frameSize int, m *observe.Metrics) *CaptureSource {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &CaptureSource{
		open:      open,
		rate:      sampleRate,
		frameSize: frameSize,
		metrics:   m,
		buf:       make([]int16, 0, frameSize*2),
	}
}

// Acquire opens the device. It is exclusive: the device stays held until
// Close.
func (c *CaptureSource) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("capture: acquire after close")
	}
	if c.dev != nil {
		return nil
	}
	dev, err := c.open(c.rate, 1)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}
	c.dev = dev
	return nil
}

// Start begins delivering frames to emit. emit runs on the device callback
// goroutine and must not block.
func (c *CaptureSource) Start(gate func() bool, emit func(audio.Frame)) error {
	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("capture: start before acquire")
	}

	err := dev.Start(func(samples []float32) {
		for _, f := range c.push(gate, samples) {
			emit(f)
		}
	})
	if err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	return nil
}

// push converts samples and cuts as many whole frames as are available.
func (c *CaptureSource) push(gate func() bool, samples []float32) []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !gate() {
		c.buf = c.buf[:0]
		return nil
	}

	c.buf = audio.AppendFloatPCM16(c.buf, samples)
	var frames []audio.Frame
	for len(c.buf) >= c.frameSize {
		pcm := make([]int16, c.frameSize)
		copy(pcm, c.buf)
		c.seq++
		frames = append(frames, audio.Frame{
			Samples:    pcm,
			SampleRate: c.rate,
			Channels:   1,
			Seq:        c.seq,
		})
		c.buf = append(c.buf[:0], c.buf[c.frameSize:]...)
	}
	if n := len(frames); n > 0 {
		c.metrics.CaptureFrames.Add(context.Background(), int64(n))
	}
	return frames
}

// Close releases the device. It is idempotent.
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dev := c.dev
	c.dev = nil
	c.buf = nil
	c.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Close(); err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}
