// Package audio defines the PCM16 data model, the lossless wire codec, and the
// device interfaces that connect a live session to local audio hardware.
//
// The two device abstractions are:
//
//   - [CaptureDevice] delivers float microphone samples from a device
//     callback at a fixed input rate.
//   - [OutputDevice] plays PCM16 buffers at scheduled positions on a
//     readable output clock and reports natural completion.
//
// Implementations live in sub-packages (audio/device/malgo for real hardware,
// audio/timeline for the device-independent clock, audio/mock for tests).
// The interfaces live under pkg/ because external code is expected to provide
// its own devices.
package audio

import (
	"errors"
	"time"
)

// ErrDeviceUnavailable is wrapped by device openers when the operating system
// refuses access to the device (permission denied, no such device, busy).
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// CaptureDevice is an exclusively held microphone.
//
// Implementations must be safe for concurrent use. Close is idempotent and
// releases the device; after Close returns no further callbacks are made.
type CaptureDevice interface {
	// Start begins delivering samples to onSamples from the device's
	// callback goroutine. The slice is only valid for the duration of the
	// call. onSamples must not block.
	Start(onSamples func(samples []float32)) error

	// Close stops capture and releases the device.
	Close() error
}

// Voice is one buffer scheduled on an [OutputDevice].
type Voice interface {
	// Stop silences the voice immediately, without fade-out, whether it has
	// started playing or is still pending. Stopping twice is a no-op.
	Stop()
}

// OutputDevice plays PCM16 buffers against a monotonically advancing clock.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type OutputDevice interface {
	// Now returns the current output clock time: the position of the next
	// sample the device will render.
	Now() time.Duration

	// SampleRate is the rate Play expects its samples in.
	SampleRate() int

	// Play schedules pcm (mono, at SampleRate) to start at the given clock
	// time. Times in the past start immediately. onEnded is invoked from the
	// device goroutine when the voice finishes naturally; it is never
	// invoked for a voice stopped before its end was reached. onEnded must
	// not block.
	Play(pcm []int16, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the device.
	Close() error
}

// CaptureOpener acquires a microphone at the given rate and channel count.
// Failures should wrap [ErrDeviceUnavailable].
type CaptureOpener func(sampleRate, channels int) (CaptureDevice, error)

// OutputOpener acquires an output device at the given rate.
type OutputOpener func(sampleRate int) (OutputDevice, error)
