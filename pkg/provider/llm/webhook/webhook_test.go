package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/types"
)

func testRequest() llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleAssistant, Content: "Hello, how can I help?"},
			{Role: types.RoleUser, Content: "Tell me a story."},
		},
		UserID: "user-7",
	}
}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timed out draining chunk channel")
		}
	}
}

// TestNew_EmptyURL checks that the constructor rejects an empty URL.
func TestNew_EmptyURL(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty url")
	}
}

// TestStreamCompletion_RequestBody verifies the JSON turn payload.
func TestStreamCompletion_RequestBody(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte("Once upon a time."))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	collect(t, ch)

	if got.Text != "Tell me a story." {
		t.Errorf("expected latest user text, got %q", got.Text)
	}
	if got.UserID != "user-7" {
		t.Errorf("expected userId user-7, got %q", got.UserID)
	}
	if !got.UseStreaming {
		t.Error("expected useStreaming true")
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp not RFC3339: %q", got.Timestamp)
	}
}

// TestStreamCompletion_NoUserMessage rejects requests without user text.
func TestStreamCompletion_NoUserMessage(t *testing.T) {
	p, err := New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleAssistant, Content: "Hi."}},
	}
	if _, err := p.StreamCompletion(context.Background(), req); err == nil {
		t.Fatal("expected error for request without user message")
	}
}

// TestStreamCompletion_SSE parses data: events up to the [DONE] sentinel.
func TestStreamCompletion_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: Once upon \n\n"))
		w.Write([]byte("data: a time.\n\n"))
		w.Write([]byte("event: keepalive\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		w.Write([]byte("data: after the end\n\n"))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := collect(t, ch)

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Text)
	}
	if text.String() != "Once upon a time." {
		t.Errorf("unexpected assembled text %q", text.String())
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason != llm.FinishStop {
		t.Errorf("expected terminal FinishStop, got %q", last.FinishReason)
	}
}

// TestStreamCompletion_SSEWithoutDone tolerates EOF without the sentinel.
func TestStreamCompletion_SSEWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: Hello there.\n\n"))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) == 0 || chunks[0].Text != "Hello there." {
		t.Fatalf("expected text chunk, got %+v", chunks)
	}
	if chunks[len(chunks)-1].FinishReason != llm.FinishStop {
		t.Errorf("expected FinishStop terminal chunk, got %+v", chunks[len(chunks)-1])
	}
}

// TestStreamCompletion_Plain streams a chunked plain-text body through.
func TestStreamCompletion_Plain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		flusher := w.(http.Flusher)
		w.Write([]byte("First part. "))
		flusher.Flush()
		w.Write([]byte("Second part."))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := collect(t, ch)

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Text)
	}
	if text.String() != "First part. Second part." {
		t.Errorf("unexpected assembled text %q", text.String())
	}
	if chunks[len(chunks)-1].FinishReason != llm.FinishStop {
		t.Errorf("expected FinishStop terminal chunk, got %+v", chunks[len(chunks)-1])
	}
}

// TestStreamCompletion_TTSOptions surfaces the voice override on the first
// chunk only.
func TestStreamCompletion_TTSOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ttsOptionsHeader, `{"voice":"narrator","speed":1.2,"exaggeration":0.6,"cfg_weight":0.4}`)
		w.Header().Set("Content-Type", "text/plain")
		flusher := w.(http.Flusher)
		w.Write([]byte("Part one. "))
		flusher.Flush()
		w.Write([]byte("Part two."))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	first := chunks[0]
	if first.Voice == nil {
		t.Fatal("expected voice override on first chunk")
	}
	if first.Voice.ID != "narrator" || first.Voice.Speed != 1.2 {
		t.Errorf("unexpected voice override %+v", first.Voice)
	}
	if first.Voice.Exaggeration != 0.6 || first.Voice.CFGWeight != 0.4 {
		t.Errorf("unexpected voice tuning %+v", first.Voice)
	}
	for _, c := range chunks[1:] {
		if c.Voice != nil {
			t.Error("voice override must only appear on the first chunk")
		}
	}
}

// TestParseTTSOptions_Malformed ignores undecodable headers.
func TestParseTTSOptions_Malformed(t *testing.T) {
	if v := parseTTSOptions("{not json"); v != nil {
		t.Errorf("expected nil for malformed header, got %+v", v)
	}
	if v := parseTTSOptions(""); v != nil {
		t.Errorf("expected nil for absent header, got %+v", v)
	}
}

// TestStreamCompletion_NonOK fails before any chunk on a non-200 response.
func TestStreamCompletion_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.StreamCompletion(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

// TestStreamCompletion_Header forwards static headers.
func TestStreamCompletion_Header(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected forwarded auth header, got %q", got)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithHeader("Authorization", "Bearer tok"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	collect(t, ch)
}

// TestHealth maps probe responses onto statuses.
func TestHealth(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   llm.Status
	}{
		{"ok", http.StatusOK, llm.StatusOK},
		{"method not allowed", http.StatusMethodNotAllowed, llm.StatusOK},
		{"server error", http.StatusInternalServerError, llm.StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p, err := New(srv.URL)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Health(context.Background()); got != tc.want {
				t.Errorf("Health = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestHealth_Unreachable maps transport failures to StatusDown.
func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Health(context.Background()); got != llm.StatusDown {
		t.Errorf("Health = %q, want %q", got, llm.StatusDown)
	}
}
