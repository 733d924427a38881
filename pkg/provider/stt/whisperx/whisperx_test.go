package whisperx_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/stt/whisperx"
	"github.com/voxgate/voxgate/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startMsg mirrors the client's start control message.
type startMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	AudioFormat string `json:"audio_format"`
	Language    string `json:"language"`
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
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

// acceptSession performs the server side of the handshake: read the start
// message, reply ready, return the decoded start.
func acceptSession(t *testing.T, conn *websocket.Conn) startMsg {
	t.Helper()
	var sm startMsg
	readJSON(t, conn, &sm)
	writeJSON(t, conn, map[string]string{"type": "ready"})
	return sm
}

// ── Constructor tests ─────────────────────────────────────────────────────────

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := whisperx.New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
}

// ── Handshake tests ───────────────────────────────────────────────────────────

func TestStartStream_SendsStartAndAwaitsReady(t *testing.T) {
	t.Parallel()

	startCh := make(chan startMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		startCh <- acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := whisperx.New(wsURL(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := p.StartStream(context.Background(), stt.StreamConfig{
		Format: types.FormatOpus,
		UserID: "user-7",
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	select {
	case sm := <-startCh:
		if sm.Type != "start" {
			t.Errorf("first message type = %q; want start", sm.Type)
		}
		if sm.AudioFormat != "opus" {
			t.Errorf("audio_format = %q; want opus", sm.AudioFormat)
		}
		if sm.UserID != "user-7" {
			t.Errorf("userId = %q; want user-7", sm.UserID)
		}
		if sm.Language != "en" {
			t.Errorf("language = %q; want en (default)", sm.Language)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: server never received start message")
	}
}

func TestStartStream_EngineRejectsStart(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		var sm startMsg
		readJSON(t, conn, &sm)
		writeJSON(t, conn, map[string]string{"type": "error", "error": "unsupported format"})
	})

	p, err := whisperx.New(wsURL(srv),
		whisperx.WithDialRetries(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrConnectFailed) {
		t.Errorf("error = %v; want wrapped stt.ErrConnectFailed", err)
	}
}

func TestStartStream_RetriesWithBackoff(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	// Plain HTTP handler: every upgrade attempt fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p, err := whisperx.New(wsURL(srv),
		whisperx.WithDialRetries(2),
		whisperx.WithBackoffBase(time.Millisecond),
		whisperx.WithBackoffCap(2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrConnectFailed) {
		t.Fatalf("error = %v; want wrapped stt.ErrConnectFailed", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("dial attempts = %d; want 3 (1 initial + 2 retries)", got)
	}
}

// ── Transcript streaming tests ────────────────────────────────────────────────

func TestPartialsAndFinal_Delivered(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]string{"type": "partial", "text": "hel"})
		writeJSON(t, conn, map[string]string{"type": "partial", "text": "hello th"})
		writeJSON(t, conn, map[string]string{"type": "final", "text": "hello there"})
	})

	p, _ := whisperx.New(wsURL(srv))
	handle, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	var partials []string
	for tr := range handle.Partials() {
		if tr.IsFinal {
			t.Error("partial transcript marked final")
		}
		partials = append(partials, tr.Text)
	}
	if len(partials) != 2 || partials[0] != "hel" || partials[1] != "hello th" {
		t.Errorf("partials = %v; want [hel, hello th]", partials)
	}

	final, ok := <-handle.Finals()
	if !ok {
		t.Fatal("Finals closed without a final transcript")
	}
	if final.Text != "hello there" || !final.IsFinal {
		t.Errorf("final = %+v; want {Text: hello there, IsFinal: true}", final)
	}
	if _, ok := <-handle.Finals(); ok {
		t.Error("Finals emitted more than one transcript")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v; want nil after clean final", err)
	}
}

func TestEngineError_SurfacesViaErr(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]string{"type": "error", "error": "decoder crashed"})
	})

	p, _ := whisperx.New(wsURL(srv))
	handle, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if _, ok := <-handle.Finals(); ok {
		t.Error("expected Finals to close without a transcript")
	}
	if err := handle.Err(); err == nil {
		t.Error("Err() = nil; want engine error")
	}
}

// ── Audio ordering tests ──────────────────────────────────────────────────────

func TestSendAudio_ForwardsBinaryFramesInOrder(t *testing.T) {
	t.Parallel()

	frames := make(chan []byte, 8)
	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn)
		for range 3 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			typ, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				t.Errorf("server read: %v", err)
				return
			}
			if typ != websocket.MessageBinary {
				t.Errorf("frame type = %v; want binary", typ)
			}
			frames <- data
		}
		writeJSON(t, conn, map[string]string{"type": "final", "text": "ok"})
	})

	p, _ := whisperx.New(wsURL(srv))
	handle, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	for _, b := range [][]byte{{1}, {2}, {3}} {
		if err := handle.SendAudio(b); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	for i, want := range []byte{1, 2, 3} {
		select {
		case got := <-frames:
			if len(got) != 1 || got[0] != want {
				t.Errorf("frame %d = %v; want [%d]", i, got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for audio frame")
		}
	}
	<-handle.Finals()
}

// Callers open streams under a connect-timeout context and cancel it as soon
// as StartStream returns; the session must keep streaming regardless.
func TestStartStream_SessionOutlivesStartContext(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn)
		// Wait for one audio frame before speaking, so transcripts arrive
		// strictly after the caller has cancelled its start context.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		writeJSON(t, conn, map[string]string{"type": "partial", "text": "still"})
		writeJSON(t, conn, map[string]string{"type": "final", "text": "still here"})
	})

	p, _ := whisperx.New(wsURL(srv))
	startCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	handle, err := p.StartStream(startCtx, stt.StreamConfig{})
	cancel()
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if err := handle.SendAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("SendAudio after start context cancel: %v", err)
	}

	if tr, ok := <-handle.Partials(); !ok || tr.Text != "still" {
		t.Errorf("partial = %+v ok=%v; want {Text: still} true", tr, ok)
	}
	final, ok := <-handle.Finals()
	if !ok {
		t.Fatal("Finals closed without a final after start context cancel")
	}
	if final.Text != "still here" || !final.IsFinal {
		t.Errorf("final = %+v; want {Text: still here, IsFinal: true}", final)
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v; want nil", err)
	}
}

func TestFinalize_OrderedBehindAudio(t *testing.T) {
	t.Parallel()

	type event struct {
		kind string // "audio" or "finalize"
	}
	events := make(chan event, 8)

	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			typ, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				events <- event{kind: "audio"}
				continue
			}
			var sm startMsg
			if json.Unmarshal(data, &sm) == nil && sm.Type == "finalize" {
				events <- event{kind: "finalize"}
				writeJSON(t, conn, map[string]string{"type": "final", "text": "done"})
				return
			}
		}
	})

	p, _ := whisperx.New(wsURL(srv))
	handle, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	for range 4 {
		if err := handle.SendAudio([]byte{0xAA}); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := handle.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// Idempotent: second call is a no-op.
	if err := handle.Finalize(context.Background()); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}

	var seen []string
	for range 5 {
		select {
		case ev := <-events:
			seen = append(seen, ev.kind)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout; events so far: %v", seen)
		}
	}
	for i, kind := range seen[:4] {
		if kind != "audio" {
			t.Errorf("event %d = %q; want audio before finalize", i, kind)
		}
	}
	if seen[4] != "finalize" {
		t.Errorf("last event = %q; want finalize", seen[4])
	}

	if tr, ok := <-handle.Finals(); !ok || tr.Text != "done" {
		t.Errorf("final = %+v ok=%v; want {Text: done} true", tr, ok)
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %q after idempotent finalize", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

// ── Lifecycle tests ───────────────────────────────────────────────────────────

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := whisperx.New(wsURL(srv))
	handle, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := handle.SendAudio([]byte{1}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v; want wrapped stt.ErrSessionClosed", err)
	}
	if err := handle.Finalize(context.Background()); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Finalize after Close = %v; want wrapped stt.ErrSessionClosed", err)
	}
}
