// Package relay implements the request/response relay mode.
//
// In relay mode the client never talks to the engine itself. It opens a
// session on a relay server, posts each microphone frame as an HTTP request
// and receives whatever engine audio has accumulated in the response. The
// relay server holds the real engine sessions in a [Registry] and reaches
// the engine through any [transport.Transport], normally the duplex one.
//
// Endpoints:
//
//	POST   /v1/live/sessions             open (or reuse) a session
//	POST   /v1/live/sessions/{id}/frames send one frame, collect pending output
//	DELETE /v1/live/sessions/{id}        close a session
package relay

import (
	"fmt"

	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

const (
	sessionsPath = "/v1/live/sessions"

	// maxBodyBytes bounds request bodies; one 4096-sample frame is ~11 KiB
	// of base64.
	maxBodyBytes = 1 << 20
)

// CreateRequest is the body of POST /v1/live/sessions. SessionID is optional;
// when it names an open session that session is reused.
type CreateRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	s2s.SessionConfig
}

// CreateResponse is returned by POST /v1/live/sessions.
type CreateResponse struct {
	SessionID string `json:"sessionId"`
}

// FrameRequest carries one frame of microphone audio. An empty Audio field
// only collects pending output. Seq numbers the requests of one session
// from 1; a retried request repeats its Seq so the relay does not forward
// the audio twice.
type FrameRequest struct {
	Seq      uint64 `json:"seq,omitempty"`
	Audio    string `json:"audio,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// FrameResponse carries the engine output accumulated since the previous
// frame request.
type FrameResponse struct {
	AudioChunks  []string         `json:"audioChunks"`
	MIMEType     string           `json:"mimeType,omitempty"`
	Interrupted  bool             `json:"interrupted"`
	TurnComplete bool             `json:"turnComplete,omitempty"`
	Transcripts  []s2s.Transcript `json:"transcripts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newFrameRequest encodes c for the wire.
func newFrameRequest(seq uint64, c audio.EncodedChunk) FrameRequest {
	if len(c.Data) == 0 {
		return FrameRequest{Seq: seq}
	}
	return FrameRequest{Seq: seq, Audio: audio.EncodeBase64(c.Data), MIMEType: c.MIMEType}
}

// chunk decodes the frame. ok is false for a poll-only request.
func (r FrameRequest) chunk() (c audio.EncodedChunk, ok bool, err error) {
	if r.Audio == "" {
		return audio.EncodedChunk{}, false, nil
	}
	data, err := audio.DecodeBase64(r.Audio)
	if err != nil {
		return audio.EncodedChunk{}, false, err
	}
	if len(data)%2 != 0 {
		return audio.EncodedChunk{}, false, fmt.Errorf("%w: odd byte length %d", audio.ErrMalformedChunk, len(data))
	}
	mime := r.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(16000)
	}
	return audio.EncodedChunk{Data: data, MIMEType: mime}, true, nil
}

// newFrameResponse renders m. All chunks of one batch share the MIME type of
// the first.
func newFrameResponse(m transport.Message) FrameResponse {
	resp := FrameResponse{
		AudioChunks:  make([]string, 0, len(m.Chunks)),
		Interrupted:  m.Interrupted,
		TurnComplete: m.TurnComplete,
		Transcripts:  m.Transcripts,
	}
	for _, c := range m.Chunks {
		if resp.MIMEType == "" {
			resp.MIMEType = c.MIMEType
		}
		resp.AudioChunks = append(resp.AudioChunks, audio.EncodeBase64(c.Data))
	}
	return resp
}

// message decodes r. malformed counts chunks that were not valid base64;
// they are left out of m.
func (r FrameResponse) message() (m transport.Message, malformed int) {
	m = transport.Message{
		Interrupted:  r.Interrupted,
		TurnComplete: r.TurnComplete,
		Transcripts:  r.Transcripts,
	}
	mime := r.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(24000)
	}
	for _, s := range r.AudioChunks {
		data, err := audio.DecodeBase64(s)
		if err != nil {
			malformed++
			continue
		}
		if len(data) == 0 {
			continue
		}
		m.Chunks = append(m.Chunks, audio.EncodedChunk{Data: data, MIMEType: mime})
	}
	return m, malformed
}
