package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/transport/mock"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// recorder collects client callbacks.
type recorder struct {
	open    chan struct{}
	message chan transport.Message
	err     chan error
	closed  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		open:    make(chan struct{}, 1),
		message: make(chan transport.Message, 16),
		err:     make(chan error, 1),
		closed:  make(chan struct{}, 1),
	}
}

func (r *recorder) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen:    func() { r.open <- struct{}{} },
		OnMessage: func(m transport.Message) { r.message <- m },
		OnError:   func(err error) { r.err <- err },
		OnClose:   func() { r.closed <- struct{}{} },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	m, _ := testMetrics(t)
	return NewClient(url, append([]ClientOption{WithMetrics(m), WithPollInterval(10 * time.Millisecond)}, opts...)...)
}

func TestClient_EndToEnd(t *testing.T) {
	t.Parallel()

	up := &mock.Transport{}
	srv, reg := startServer(t, up, Policy{ResponseWait: 20 * time.Millisecond})
	c := newTestClient(t, srv.URL)

	rec := newRecorder()
	sess, err := c.Connect(context.Background(), s2s.SessionConfig{Voice: "Zephyr"}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, rec.open, "OnOpen")

	upstream := up.Last()
	if upstream.Config().Voice != "Zephyr" {
		t.Errorf("upstream config = %+v", upstream.Config())
	}

	frames := []audio.EncodedChunk{
		audio.EncodeSamples([]int16{1}, 16000),
		audio.EncodeSamples([]int16{2}, 16000),
		audio.EncodeSamples([]int16{3}, 16000),
	}
	for _, f := range frames {
		sess.Send(f)
	}
	eventually(t, "frames upstream", func() bool { return len(upstream.Sent()) == len(frames) })
	for i, got := range upstream.Sent() {
		if string(got.Data) != string(frames[i].Data) {
			t.Errorf("frame %d out of order", i)
		}
	}

	reply := audio.EncodeSamples([]int16{500, -500}, 24000)
	upstream.Deliver(transport.Message{Interrupted: true, Chunks: []audio.EncodedChunk{reply}})
	m := waitFor(t, rec.message, "OnMessage")
	if !m.Interrupted || len(m.Chunks) != 1 || string(m.Chunks[0].Data) != string(reply.Data) {
		t.Errorf("message = %+v", m)
	}
	if m.Chunks[0].MIMEType != reply.MIMEType {
		t.Errorf("MIME = %q, want %q", m.Chunks[0].MIMEType, reply.MIMEType)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	eventually(t, "remote teardown", func() bool { return reg.Len() == 0 })
	select {
	case <-rec.closed:
		t.Error("OnClose after local Close")
	case err := <-rec.err:
		t.Errorf("OnError after local Close: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestClient_RemoteEndFiresOnError(t *testing.T) {
	t.Parallel()

	up := &mock.Transport{}
	srv, reg := startServer(t, up, Policy{})
	c := newTestClient(t, srv.URL)

	rec := newRecorder()
	sess, err := c.Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	waitFor(t, rec.open, "OnOpen")

	up.Last().Fail(errors.New("engine crashed"))

	err = waitFor(t, rec.err, "OnError")
	var se *statusError
	if !errors.As(err, &se) || se.Code != http.StatusGone {
		t.Errorf("OnError = %v, want 410 status error", err)
	}
	if reg.Len() != 0 {
		t.Error("ended session still registered")
	}
}

func TestClient_BreakerEscalates(t *testing.T) {
	t.Parallel()

	var frameCalls atomic.Int32
	var mu sync.Mutex
	var payloads []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/live/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, CreateResponse{SessionID: "s-1"})
	})
	mux.HandleFunc("POST /v1/live/sessions/{id}/frames", func(w http.ResponseWriter, r *http.Request) {
		var req FrameRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		payloads = append(payloads, req.Audio)
		mu.Unlock()
		frameCalls.Add(1)
		writeError(w, http.StatusServiceUnavailable, "upstream down")
	})
	mux.HandleFunc("DELETE /v1/live/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL,
		WithPollInterval(0),
		WithRetryDelay(time.Millisecond),
		WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute}),
	)
	rec := newRecorder()
	sess, err := c.Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	frame := audio.EncodeSamples([]int16{9}, 16000)
	sess.Send(frame)

	err = waitFor(t, rec.err, "OnError")
	if !errors.Is(err, transport.ErrTransient) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("OnError = %v, want transient + circuit open", err)
	}
	if n := frameCalls.Load(); n != 3 {
		t.Errorf("frame requests = %d, want 3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, p := range payloads {
		if p != audio.EncodeBase64(frame.Data) {
			t.Errorf("attempt %d carried a different frame", i)
		}
	}
}

func TestClient_TransientFailureRetried(t *testing.T) {
	t.Parallel()

	var frameCalls atomic.Int32
	var seqMu sync.Mutex
	var seqs []uint64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/live/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, CreateResponse{SessionID: "s-1"})
	})
	mux.HandleFunc("POST /v1/live/sessions/{id}/frames", func(w http.ResponseWriter, r *http.Request) {
		var req FrameRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		seqMu.Lock()
		seqs = append(seqs, req.Seq)
		seqMu.Unlock()
		if frameCalls.Add(1) <= 2 {
			writeError(w, http.StatusBadGateway, "flaky")
			return
		}
		writeJSON(w, http.StatusOK, FrameResponse{
			AudioChunks: []string{audio.EncodeBase64([]byte{1, 0, 2, 0})},
			MIMEType:    "audio/pcm;rate=24000",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, WithPollInterval(0), WithRetryDelay(time.Millisecond))
	rec := newRecorder()
	sess, err := c.Connect(context.Background(), s2s.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	sess.Send(audio.EncodeSamples([]int16{1}, 16000))
	m := waitFor(t, rec.message, "OnMessage")
	if len(m.Chunks) != 1 || len(m.Chunks[0].Data) != 4 {
		t.Errorf("message = %+v", m)
	}
	select {
	case err := <-rec.err:
		t.Errorf("OnError after recovered failures: %v", err)
	default:
	}

	// Every attempt of the one frame carries the same sequence number.
	seqMu.Lock()
	defer seqMu.Unlock()
	if len(seqs) != 3 {
		t.Fatalf("frame requests = %d, want 3", len(seqs))
	}
	for i, seq := range seqs {
		if seq != 1 {
			t.Errorf("attempt %d seq = %d, want 1", i, seq)
		}
	}
}

func TestClient_ConnectRejected(t *testing.T) {
	t.Parallel()

	up := &mock.Transport{}
	srv, _ := startServer(t, up, Policy{MaxSessions: 1})
	c := newTestClient(t, srv.URL)

	first, err := c.Connect(context.Background(), s2s.SessionConfig{}, transport.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer first.Close()

	_, err = c.Connect(context.Background(), s2s.SessionConfig{}, transport.Callbacks{})
	var se *statusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Errorf("Connect = %v, want 429", err)
	}
}
