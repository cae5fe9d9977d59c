package duplex_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/internal/transport/duplex"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
	"github.com/MrWong99/voxlink/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startEngine launches a fake Gemini Live endpoint. The handler receives the
// accepted connection; the connection is closed normally when it returns.
func startEngine(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

type mediaMsg struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

// events collects callbacks on channels.
type events struct {
	open    chan struct{}
	message chan transport.Message
	err     chan error
	closed  chan struct{}
}

func newEvents() *events {
	return &events{
		open:    make(chan struct{}, 4),
		message: make(chan transport.Message, 16),
		err:     make(chan error, 4),
		closed:  make(chan struct{}, 4),
	}
}

func (e *events) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen:    func() { e.open <- struct{}{} },
		OnMessage: func(m transport.Message) { e.message <- m },
		OnError:   func(err error) { e.err <- err },
		OnClose:   func() { e.closed <- struct{}{} },
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
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

func newTransport(t *testing.T, srv *httptest.Server) (*duplex.Transport, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	d := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	return duplex.New(d, duplex.WithMetrics(m), duplex.WithKeepalive(0)), reader
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_FullExchange(t *testing.T) {
	t.Parallel()

	proceed := make(chan struct{})
	received := make(chan []string, 1)
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0, 3, 0})

	srv := startEngine(t, func(conn *websocket.Conn) {
		var setup map[string]json.RawMessage
		readJSON(t, conn, &setup)
		if _, ok := setup["setup"]; !ok {
			t.Errorf("first message is not setup: %v", setup)
		}

		<-proceed
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})

		var order []string
		for range 2 {
			var m mediaMsg
			readJSON(t, conn, &m)
			if len(m.RealtimeInput.MediaChunks) == 1 {
				order = append(order, m.RealtimeInput.MediaChunks[0].Data)
			}
		}
		received <- order

		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"interrupted": true,
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": pcm}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "hello"},
		}})
	})

	tr, reader := newTransport(t, srv)
	ev := newEvents()
	sess, err := tr.Connect(context.Background(), s2s.SessionConfig{Voice: "Zephyr"}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	if sess.ID() == "" {
		t.Error("empty session ID")
	}

	// Frames produced before the engine is ready are queued, not lost.
	first := audio.EncodeSamples([]int16{1}, 16000)
	second := audio.EncodeSamples([]int16{2}, 16000)
	sess.Send(first)
	sess.Send(second)
	close(proceed)

	wait(t, ev.open, "OnOpen")

	order := wait(t, received, "frames at engine")
	want := []string{base64.StdEncoding.EncodeToString(first.Data), base64.StdEncoding.EncodeToString(second.Data)}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("engine received %v, want %v", order, want)
	}

	msg := wait(t, ev.message, "audio message")
	if !msg.Interrupted || len(msg.Chunks) != 1 || len(msg.Chunks[0].Data) != 6 {
		t.Errorf("audio message = %+v", msg)
	}
	msg = wait(t, ev.message, "transcript message")
	if len(msg.Transcripts) != 1 || msg.Transcripts[0].Text != "hello" {
		t.Errorf("transcript message = %+v", msg)
	}

	wait(t, ev.closed, "OnClose")
	select {
	case err := <-ev.err:
		t.Errorf("unexpected OnError after OnClose: %v", err)
	default:
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxlink.transport.chunks_received" {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			found = len(sum.DataPoints) == 1 && sum.DataPoints[0].Value == 1
		}
	}
	if !found {
		t.Error("chunks_received metric not recorded as 1")
	}
}

func TestConnect_EngineErrorFiresOnError(t *testing.T) {
	t.Parallel()

	srv := startEngine(t, func(conn *websocket.Conn) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "bad model"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr, _ := newTransport(t, srv)
	ev := newEvents()
	sess, err := tr.Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	got := wait(t, ev.err, "OnError")
	if !errors.Is(got, s2s.ErrEngine) {
		t.Errorf("OnError = %v, want ErrEngine", got)
	}
	select {
	case <-ev.closed:
		t.Error("OnClose fired in addition to OnError")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_AbnormalCloseFiresOnError(t *testing.T) {
	t.Parallel()

	srv := startEngine(t, func(conn *websocket.Conn) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		conn.Close(websocket.StatusInternalError, "engine crashed")
	})

	tr, _ := newTransport(t, srv)
	ev := newEvents()
	sess, err := tr.Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wait(t, ev.open, "OnOpen")
	if err := wait(t, ev.err, "OnError"); websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("OnError = %v, want internal error close status", err)
	}
}

func TestClose_LocalIsSilentAndIdempotent(t *testing.T) {
	t.Parallel()

	serverDone := make(chan struct{})
	srv := startEngine(t, func(conn *websocket.Conn) {
		defer close(serverDone)
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	tr, _ := newTransport(t, srv)
	ev := newEvents()
	sess, err := tr.Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	wait(t, ev.open, "OnOpen")

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	sess.Send(audio.EncodeSamples([]int16{1}, 16000))

	wait(t, serverDone, "server to observe close")
	select {
	case <-ev.closed:
		t.Error("OnClose fired after local Close")
	case err := <-ev.err:
		t.Errorf("OnError fired after local Close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	tr, _ := newTransport(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Connect(ctx, s2s.SessionConfig{}, transport.Callbacks{}); err == nil {
		t.Fatal("Connect to closed server succeeded")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := duplex.New(gemini.New("k")).Name(); got != "duplex" {
		t.Errorf("Name = %q, want duplex", got)
	}
}
