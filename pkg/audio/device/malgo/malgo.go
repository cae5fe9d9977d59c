// Package malgo provides [audio.CaptureDevice] and [audio.OutputDevice]
// implementations backed by miniaudio through github.com/gen2brain/malgo.
//
// Capture devices deliver 32-bit float samples, which the live session
// converts to PCM16. Output devices render signed 16-bit samples from a
// [timeline.Timeline] inside the miniaudio data callback, so the output clock
// advances with what the hardware actually consumes.
package malgo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.OutputDevice  = (*Output)(nil)
)

// Context owns the miniaudio context that devices are opened on.
type Context struct {
	ctx       *malgo.AllocatedContext
	closeOnce sync.Once
}

// NewContext initialises miniaudio with the platform's default backends.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "message", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices opened on it must be closed
// first.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ctx.Uninit()
		c.ctx.Free()
	})
	return err
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a microphone opened through miniaudio.
type Capture struct {
	device *malgo.Device

	mu        sync.Mutex
	onSamples func([]float32)
	buf       []float32
	started   bool
	closed    bool
}

// OpenCapture returns an [audio.CaptureOpener] that opens the default capture
// device on c. Failures wrap [audio.ErrDeviceUnavailable].
func (c *Context) OpenCapture() audio.CaptureOpener {
	return func(sampleRate, channels int) (audio.CaptureDevice, error) {
		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.SampleRate = uint32(sampleRate)
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = uint32(channels)
		cfg.Alsa.NoMMap = 1
		cfg.PerformanceProfile = malgo.LowLatency

		cp := &Capture{}
		bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatF32) * channels
		dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(_, input []byte, frameCount uint32) {
				n := int(frameCount) * bytesPerFrame
				if n == 0 || len(input) < n {
					return
				}
				cp.deliver(input[:n])
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: open capture: %v", audio.ErrDeviceUnavailable, err)
		}
		cp.device = dev
		return cp, nil
	}
}

func (c *Capture) deliver(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.onSamples == nil {
		return
	}
	n := len(raw) / 4
	if cap(c.buf) < n {
		c.buf = make([]float32, n)
	}
	c.buf = c.buf[:n]
	for i := range n {
		c.buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	c.onSamples(c.buf)
}

// Start implements [audio.CaptureDevice].
func (c *Capture) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return audio.ErrDeviceUnavailable
	}
	c.onSamples = onSamples
	started := c.started
	c.started = true
	c.mu.Unlock()

	if started {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("%w: start capture: %v", audio.ErrDeviceUnavailable, err)
	}
	return nil
}

// Close implements [audio.CaptureDevice].
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onSamples = nil
	c.mu.Unlock()

	// Uninit blocks until the callback has returned, so it must run without
	// holding mu.
	c.device.Uninit()
	return nil
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Output is a playback device whose clock is a [timeline.Timeline].
type Output struct {
	*timeline.Timeline
	device    *malgo.Device
	closeOnce sync.Once
}

// OpenOutput returns an [audio.OutputOpener] that opens and starts the
// default mono playback device on c.
func (c *Context) OpenOutput() audio.OutputOpener {
	return func(sampleRate int) (audio.OutputDevice, error) {
		cfg := malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.SampleRate = uint32(sampleRate)
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = 1
		cfg.Alsa.NoMMap = 1
		cfg.PerformanceProfile = malgo.LowLatency

		o := &Output{Timeline: timeline.New(sampleRate)}
		dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(output, _ []byte, frameCount uint32) {
				n := int(frameCount) * 2
				if n > len(output) {
					n = len(output)
				}
				o.RenderBytes(output[:n])
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: open output: %v", audio.ErrDeviceUnavailable, err)
		}
		if err := dev.Start(); err != nil {
			dev.Uninit()
			return nil, fmt.Errorf("%w: start output: %v", audio.ErrDeviceUnavailable, err)
		}
		o.device = dev
		return o, nil
	}
}

// Close implements [audio.OutputDevice].
func (o *Output) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Timeline.Close()
		o.device.Uninit()
	})
	return nil
}
