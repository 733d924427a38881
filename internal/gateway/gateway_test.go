package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/convctx"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/convstore"
	storemock "github.com/voxgate/voxgate/pkg/convstore/mock"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	"github.com/voxgate/voxgate/pkg/types"
)

// rawDecoder passes bytes through unchanged so tests can drive capture
// without synthesizing a real Opus container.
type rawDecoder struct{}

func (rawDecoder) Decode(chunk []byte) ([]byte, error) { return chunk, nil }
func (rawDecoder) Format() audio.Format                { return audio.STT16kMono }
func (rawDecoder) Reset()                              {}

// gwFixture is a gateway wired to mock providers behind a test HTTP server.
type gwFixture struct {
	store *storemock.Store
	stt   *sttmock.Provider
	tts   *ttsmock.Provider
	llm   *llmmock.Provider
	sup   *session.Supervisor
	srv   *httptest.Server
}

func startGateway(t *testing.T, mutate ...func(*Config)) *gwFixture {
	t.Helper()
	f := &gwFixture{
		store: &storemock.Store{},
		stt:   &sttmock.Provider{},
		tts:   &ttsmock.Provider{},
		llm:   &llmmock.Provider{},
	}
	if _, err := f.store.UpsertAgent(context.Background(), convstore.Agent{
		Name:         "concierge",
		SystemPrompt: "You are a helpful hotel concierge.",
		Provider:     "hosted",
		Model:        "gpt-4o-mini",
		Voice:        types.VoiceProfile{ID: "ember"},
		Active:       true,
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	f.sup = session.NewSupervisor(session.SupervisorConfig{
		Store:     f.store,
		Assembler: convctx.NewAssembler(f.store),
		STT:       f.stt,
		TTS:       f.tts,
		LLMs:      map[string]llm.Provider{"hosted": f.llm},
		Pipeline: config.PipelineConfig{
			// Generous silence window: tests cut utterances with stop_mic.
			SilenceThresholdMs: 5000,
			MaxUtteranceMs:     20000,
			Language:           "en",
		},
		DefaultAgent: "concierge",
	})
	t.Cleanup(f.sup.Close)

	cfg := Config{
		Supervisor: f.sup,
		NewDecoder: func() (audio.Decoder, error) { return rawDecoder{}, nil },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	mux := http.NewServeMux()
	New(cfg).Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// wsVoiceURL converts the fixture server's HTTP URL to the voice endpoint's
// WebSocket URL.
func (f *gwFixture) wsVoiceURL(query string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/voice?" + query
}

func (f *gwFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsVoiceURL(query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// scriptedSTT returns a capture session that emits partial immediately and
// delivers final as the authoritative transcript once finalized.
func scriptedSTT(partial, final string) *sttmock.Session {
	s := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	if partial != "" {
		s.PartialsCh <- types.Transcript{Text: partial}
	}
	s.OnFinalize = func() {
		s.FinalsCh <- types.Transcript{
			Text:       final,
			IsFinal:    true,
			Confidence: 0.95,
			Duration:   1200 * time.Millisecond,
		}
		close(s.FinalsCh)
		close(s.PartialsCh)
	}
	return s
}

func sendControl(t *testing.T, conn *websocket.Conn, ctl control) {
	t.Helper()
	data, err := json.Marshal(ctl)
	if err != nil {
		t.Fatalf("marshal control: %v", err)
	}
	sendText(t, conn, data)
}

func sendText(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write text frame: %v", err)
	}
}

func sendAudio(t *testing.T, conn *websocket.Conn, chunk []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		t.Fatalf("write audio frame: %v", err)
	}
}

// wireFrame is one frame observed by the test client: a decoded JSON event
// or a binary audio payload.
type wireFrame struct {
	ev    *event
	audio []byte
}

// collectUntil reads frames until one carries the wanted event type.
func collectUntil(t *testing.T, conn *websocket.Conn, evType string) []wireFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var frames []wireFrame
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		typ, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("waiting for %s (saw %d frames): %v", evType, len(frames), err)
		}
		if typ == websocket.MessageBinary {
			frames = append(frames, wireFrame{audio: append([]byte(nil), data...)})
			continue
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("undecodable event %q: %v", data, err)
		}
		frames = append(frames, wireFrame{ev: &ev})
		if ev.Type == evType {
			return frames
		}
	}
}

// eventIndex returns the position of the first event of the given type, or
// -1 when none was seen.
func eventIndex(frames []wireFrame, evType string) int {
	for i, f := range frames {
		if f.ev != nil && f.ev.Type == evType {
			return i
		}
	}
	return -1
}

func eventsOf(frames []wireFrame, evType string) []event {
	var evs []event
	for _, f := range frames {
		if f.ev != nil && f.ev.Type == evType {
			evs = append(evs, *f.ev)
		}
	}
	return evs
}

// audioSpan reports where binary frames sit in the stream and their joined
// payload.
func audioSpan(frames []wireFrame) (first, last int, joined string) {
	first, last = -1, -1
	var sb strings.Builder
	for i, f := range frames {
		if f.ev == nil {
			if first == -1 {
				first = i
			}
			last = i
			sb.Write(f.audio)
		}
	}
	return first, last, sb.String()
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collapse strips spaces so text reassembled from per-unit audio can be
// compared without caring where the splitter cut it.
func collapse(s string) string { return strings.ReplaceAll(s, " ", "") }

func TestVoiceEndpointRequiresUserID(t *testing.T) {
	f := startGateway(t)

	resp, err := http.Get(f.srv.URL + "/ws/voice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestVoiceTurnOverWebSocket(t *testing.T) {
	f := startGateway(t)
	sess := scriptedSTT("please book", "please book me a table for two")
	f.stt.Session = sess
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Certainly, "},
		{Text: "your table is booked."},
	}

	conn := f.dial(t, "user_id=user-7&session_id=corr-1")

	// Talking is enough: the first audio frame attaches the session and
	// opens the utterance, no session_init required.
	sendAudio(t, conn, []byte{1, 2, 3})
	sendAudio(t, conn, []byte{4, 5, 6})

	warmup := collectUntil(t, conn, evtPartialTranscript)
	if ev := eventsOf(warmup, evtPartialTranscript)[0]; ev.Text != "please book" {
		t.Errorf("partial transcript: %+v", ev)
	}

	sendControl(t, conn, control{Type: ctlStopMic})
	frames := collectUntil(t, conn, evtResponseComplete)

	finals := eventsOf(frames, evtFinalTranscript)
	if len(finals) != 1 || finals[0].Text != "please book me a table for two" {
		t.Fatalf("final transcript events: %+v", finals)
	}
	if finals[0].Confidence != 0.95 {
		t.Errorf("final confidence: got %v, want 0.95", finals[0].Confidence)
	}
	if stop, final := eventIndex(frames, evtStopListening), eventIndex(frames, evtFinalTranscript); stop == -1 || stop > final {
		t.Errorf("stop_listening at %d, final_transcript at %d", stop, final)
	}

	const response = "Certainly, your table is booked."
	var streamed strings.Builder
	for _, ev := range eventsOf(frames, evtResponseChunk) {
		streamed.WriteString(ev.Text)
	}
	if streamed.String() != response {
		t.Errorf("streamed text: got %q, want %q", streamed.String(), response)
	}

	firstAudio, lastAudio, joined := audioSpan(frames)
	if firstAudio == -1 {
		t.Fatal("no synthesized audio reached the client")
	}
	if got, want := collapse(joined), collapse(response); got != want {
		t.Errorf("audio payload: got %q, want %q", got, want)
	}

	// Playback events bracket the audio and completion closes the turn.
	if i := eventIndex(frames, evtTTSStart); i == -1 || i > firstAudio {
		t.Errorf("tts_start at %d, first audio at %d", i, firstAudio)
	}
	if i := eventIndex(frames, evtTTSComplete); i == -1 || i < lastAudio {
		t.Errorf("tts_complete at %d, last audio at %d", i, lastAudio)
	}
	if last := frames[len(frames)-1].ev; last.Type != evtResponseComplete ||
		last.Text != response || last.Interrupted {
		t.Errorf("closing event: %+v", last)
	}
	speaking := eventsOf(frames, evtBotSpeaking)
	if len(speaking) != 2 ||
		speaking[0].Speaking == nil || !*speaking[0].Speaking ||
		speaking[1].Speaking == nil || *speaking[1].Speaking {
		t.Errorf("speaking transitions: %+v", speaking)
	}

	waitFor(t, 3*time.Second, "turn to persist", func() bool {
		return len(f.store.Messages()) == 2
	})
	msgs := f.store.Messages()
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "please book me a table for two" {
		t.Errorf("user message: %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != response {
		t.Errorf("assistant message: %+v", msgs[1])
	}
	if n := sess.SendAudioCallCount(); n != 2 {
		t.Errorf("audio chunks forwarded to stt: got %d, want 2", n)
	}
}

func TestMalformedControlKeepsConnection(t *testing.T) {
	f := startGateway(t)
	conn := f.dial(t, "user_id=user-7")

	sendText(t, conn, []byte("{not json"))
	frames := collectUntil(t, conn, evtServiceError)
	if ev := eventsOf(frames, evtServiceError)[0]; !strings.Contains(ev.Error, "malformed") {
		t.Errorf("service_error: %+v", ev)
	}

	// The connection survives and can still start a conversation.
	sendControl(t, conn, control{Type: ctlSessionInit})
	waitFor(t, 2*time.Second, "session to attach", func() bool {
		return f.sup.Count() == 1
	})
}

func TestReinitWithDifferentAgentIsRejected(t *testing.T) {
	f := startGateway(t)
	conn := f.dial(t, "user_id=user-7")

	sendControl(t, conn, control{Type: ctlSessionInit})
	waitFor(t, 2*time.Second, "session to attach", func() bool {
		return f.sup.Count() == 1
	})

	sendControl(t, conn, control{Type: ctlSessionInit, Agent: "sommelier"})
	frames := collectUntil(t, conn, evtServiceError)
	if ev := eventsOf(frames, evtServiceError)[0]; !strings.Contains(ev.Error, "already started") {
		t.Errorf("service_error: %+v", ev)
	}
	if n := f.sup.Count(); n != 1 {
		t.Errorf("live sessions: got %d, want the original 1", n)
	}
}

func TestUnknownAgentRejectsConnection(t *testing.T) {
	f := startGateway(t)
	conn := f.dial(t, "user_id=user-7")

	sendControl(t, conn, control{Type: ctlSessionInit, Agent: "nobody"})

	frames := collectUntil(t, conn, evtServiceError)
	ev := eventsOf(frames, evtServiceError)[0]
	if ev.Error == "" {
		t.Error("service_error carried no user-safe text")
	}
	if strings.Contains(ev.Error, "nobody") {
		t.Errorf("service_error leaked internals: %q", ev.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("close status: %v", err)
	}
	if n := f.sup.Count(); n != 0 {
		t.Errorf("live sessions after rejected init: %d", n)
	}
}

func TestCloseControlEndsConversation(t *testing.T) {
	f := startGateway(t)
	conn := f.dial(t, "user_id=user-7")

	sendControl(t, conn, control{Type: ctlSessionInit})
	waitFor(t, 2*time.Second, "session to attach", func() bool {
		return f.sup.Count() == 1
	})

	sendControl(t, conn, control{Type: ctlClose})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status: %v", err)
	}

	if n := f.store.CallCount("EndSession"); n != 1 {
		t.Errorf("EndSession calls: got %d, want 1", n)
	}
	if n := f.sup.Count(); n != 0 {
		t.Errorf("live sessions after close: %d", n)
	}
}

func TestDisconnectKeepsConversationResumable(t *testing.T) {
	f := startGateway(t)
	conn := f.dial(t, "user_id=user-7")

	sendControl(t, conn, control{Type: ctlSessionInit})
	waitFor(t, 2*time.Second, "session to attach", func() bool {
		return f.sup.Count() == 1
	})

	conn.Close(websocket.StatusNormalClosure, "leaving")
	waitFor(t, 2*time.Second, "disconnect to detach", func() bool {
		return f.sup.Count() == 0
	})
	if n := f.store.CallCount("EndSession"); n != 0 {
		t.Errorf("disconnect closed the stored session (%d EndSession calls)", n)
	}

	// The same user reconnects and picks the conversation back up.
	conn2 := f.dial(t, "user_id=user-7")
	sendControl(t, conn2, control{Type: ctlSessionInit})
	waitFor(t, 2*time.Second, "session to reattach", func() bool {
		return f.sup.Count() == 1
	})
}

func TestIdleConnectionDetaches(t *testing.T) {
	f := startGateway(t, func(c *Config) { c.IdleTimeout = 300 * time.Millisecond })
	conn := f.dial(t, "user_id=user-7")

	sendControl(t, conn, control{Type: ctlSessionInit})
	waitFor(t, 2*time.Second, "session to attach", func() bool {
		return f.sup.Count() == 1
	})

	// Send nothing further; the server hangs up on its own.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("idle connection was not closed")
	}
	waitFor(t, 2*time.Second, "idle timeout to detach", func() bool {
		return f.sup.Count() == 0
	})
	if n := f.store.CallCount("EndSession"); n != 0 {
		t.Errorf("idle timeout closed the stored session (%d EndSession calls)", n)
	}
}
