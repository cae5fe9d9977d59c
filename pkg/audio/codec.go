package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedChunk is returned by [Decode] when a chunk cannot be a PCM16
// payload. Callers drop the chunk and keep the session running.
var ErrMalformedChunk = errors.New("audio: malformed chunk")

// pcmMIMEBase is the media type for raw little-endian PCM16.
const pcmMIMEBase = "audio/pcm"

// PCMMIMEType returns the MIME descriptor for PCM16 at the given rate, e.g.
// "audio/pcm;rate=16000".
func PCMMIMEType(sampleRate int) string {
	return pcmMIMEBase + ";rate=" + strconv.Itoa(sampleRate)
}

// ParseRate extracts the rate parameter from a PCM MIME descriptor. It
// returns fallback when the descriptor carries no usable rate.
func ParseRate(mimeType string, fallback int) int {
	_, params, _ := strings.Cut(mimeType, ";")
	for params != "" {
		var p string
		p, params, _ = strings.Cut(params, ";")
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Encode renders a frame as an [EncodedChunk]. The encoding is lossless:
// [Decode] reproduces the frame's samples bit for bit.
func Encode(f Frame) EncodedChunk {
	return EncodeSamples(f.Samples, f.SampleRate)
}

// EncodeSamples renders PCM16 samples at sampleRate as little-endian bytes.
func EncodeSamples(samples []int16, sampleRate int) EncodedChunk {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return EncodedChunk{Data: data, MIMEType: PCMMIMEType(sampleRate)}
}

// Decode parses the little-endian PCM16 payload of c. Payloads with an odd
// byte count fail with [ErrMalformedChunk]. An empty payload decodes to no
// samples.
func Decode(c EncodedChunk) ([]int16, error) {
	if len(c.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedChunk, len(c.Data))
	}
	out := make([]int16, len(c.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(c.Data[i*2:]))
	}
	return out, nil
}

// EncodeBase64 renders raw chunk bytes for JSON wire formats.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 parses a base64 wire payload. Failures wrap
// [ErrMalformedChunk].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	return b, nil
}
