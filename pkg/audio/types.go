package audio

import "time"

// Frame is a fixed-size block of linear PCM16 samples produced by one capture
// cycle. Frames are immutable once produced: consumers must not modify
// Samples.
type Frame struct {
	// Samples holds interleaved signed 16-bit samples.
	Samples []int16

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Seq is the capture sequence number, starting at 1 for the first frame
	// of a session. Transmission order follows Seq.
	Seq uint64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate, f.Channels)
}

// EncodedChunk is the wire form of a block of PCM16 audio: little-endian
// sample bytes plus a MIME descriptor such as "audio/pcm;rate=24000".
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// SamplesDuration converts an interleaved sample count into a duration.
// A non-positive rate yields zero.
func SamplesDuration(samples, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || samples <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	frames := int64(samples / channels)
	return time.Duration(frames * int64(time.Second) / int64(sampleRate))
}

// DurationSamples converts a duration into a per-channel sample position at
// sampleRate, rounding to the nearest sample.
func DurationSamples(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return (int64(d)*int64(sampleRate) + int64(time.Second)/2) / int64(time.Second)
}
