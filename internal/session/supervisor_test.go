package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/convctx"
	"github.com/voxgate/voxgate/internal/fault"
	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/pkg/convstore"
	storemock "github.com/voxgate/voxgate/pkg/convstore/mock"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	vadmock "github.com/voxgate/voxgate/pkg/provider/vad/mock"
	"github.com/voxgate/voxgate/pkg/types"
)

// supFixture holds the shared dependencies a Supervisor is built from, with
// one active agent seeded in the store.
type supFixture struct {
	store *storemock.Store
	stt   *sttmock.Provider
	tts   *ttsmock.Provider
	llm   *llmmock.Provider
	vad   *vadmock.Engine
	sink  *collectSink
	agent convstore.Agent
}

func newSupFixture(t *testing.T) *supFixture {
	t.Helper()
	store := &storemock.Store{}
	agent, err := store.UpsertAgent(context.Background(), convstore.Agent{
		Name:         "concierge",
		SystemPrompt: "You are a helpful hotel concierge.",
		Provider:     "hosted",
		Model:        "gpt-4o-mini",
		Voice:        types.VoiceProfile{ID: "ember"},
		Active:       true,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return &supFixture{
		store: store,
		stt:   &sttmock.Provider{},
		tts:   &ttsmock.Provider{},
		llm:   &llmmock.Provider{},
		vad:   &vadmock.Engine{},
		sink:  &collectSink{},
		agent: agent,
	}
}

func (f *supFixture) newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sup := NewSupervisor(SupervisorConfig{
		Store:     f.store,
		Assembler: convctx.NewAssembler(f.store),
		STT:       f.stt,
		TTS:       f.tts,
		LLMs:      map[string]llm.Provider{"hosted": f.llm},
		VAD:       f.vad,
		Pipeline: config.PipelineConfig{
			SilenceThresholdMs: 120,
			MaxUtteranceMs:     5000,
			Language:           "en",
		},
		DefaultAgent: "concierge",
	})
	t.Cleanup(sup.Close)
	return sup
}

func (f *supFixture) attachReq() AttachRequest {
	return AttachRequest{
		UserID:     "user-7",
		Ingress:    types.IngressBrowser,
		Sink:       f.sink,
		SampleRate: 16000,
	}
}

// scriptedSTT returns a capture session whose Finalize delivers text as the
// authoritative transcript and ends the stream.
func scriptedSTT(text string) *sttmock.Session {
	s := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	s.OnFinalize = func() {
		s.FinalsCh <- types.Transcript{
			Text:       text,
			IsFinal:    true,
			Confidence: 0.95,
			Duration:   1200 * time.Millisecond,
		}
		close(s.FinalsCh)
		close(s.PartialsCh)
	}
	return s
}

func TestSupervisorAttachWiresLiveSession(t *testing.T) {
	fx := newSupFixture(t)
	sup := fx.newSupervisor(t)

	s, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.AgentName() != "concierge" {
		t.Errorf("agent: got %q, want the default", s.AgentName())
	}
	rec := s.Record()
	if rec.UserID != "user-7" || !rec.Active {
		t.Errorf("stored session: %+v", rec)
	}
	if n := sup.Count(); n != 1 {
		t.Errorf("live sessions: got %d, want 1", n)
	}
	got, ok := sup.Get(s.ID())
	if !ok || got != s {
		t.Errorf("Get(%s) did not return the attached session", s.ID())
	}
	if n := fx.store.CallCount("GetAgentByName"); n != 1 {
		t.Errorf("agent lookups: got %d, want 1", n)
	}
}

func TestSupervisorAttachValidation(t *testing.T) {
	fx := newSupFixture(t)
	if _, err := fx.store.UpsertAgent(context.Background(), convstore.Agent{
		Name:     "retired",
		Provider: "hosted",
		Active:   false,
	}); err != nil {
		t.Fatalf("seed inactive agent: %v", err)
	}
	sup := fx.newSupervisor(t)

	t.Run("missing user", func(t *testing.T) {
		req := fx.attachReq()
		req.UserID = ""
		if _, err := sup.Attach(context.Background(), req); err == nil {
			t.Error("Attach accepted an empty user id")
		}
	})
	t.Run("missing sink", func(t *testing.T) {
		req := fx.attachReq()
		req.Sink = nil
		if _, err := sup.Attach(context.Background(), req); err == nil {
			t.Error("Attach accepted a nil sink")
		}
	})
	t.Run("unknown agent", func(t *testing.T) {
		req := fx.attachReq()
		req.Agent = "nobody"
		_, err := sup.Attach(context.Background(), req)
		if !errors.Is(err, convstore.ErrAgentNotFound) {
			t.Errorf("Attach error: %v, want agent-not-found", err)
		}
	})
	t.Run("inactive agent", func(t *testing.T) {
		req := fx.attachReq()
		req.Agent = "retired"
		_, err := sup.Attach(context.Background(), req)
		if err == nil || !strings.Contains(err.Error(), "not active") {
			t.Errorf("Attach error: %v, want inactive rejection", err)
		}
	})

	if n := sup.Count(); n != 0 {
		t.Errorf("live sessions after rejected attaches: %d", n)
	}
}

func TestSupervisorReattachReplacesLiveWiring(t *testing.T) {
	fx := newSupFixture(t)
	sup := fx.newSupervisor(t)

	s1, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	s2, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("second Attach: %v", err)
	}

	if s2.ID() != s1.ID() {
		t.Errorf("reattach created a new stored session: %s vs %s", s2.ID(), s1.ID())
	}
	select {
	case <-s1.done:
	case <-time.After(2 * time.Second):
		t.Error("replaced wiring still running")
	}
	if n := sup.Count(); n != 1 {
		t.Errorf("live sessions: got %d, want 1", n)
	}
	if got, _ := sup.Get(s2.ID()); got != s2 {
		t.Error("registry does not point at the new wiring")
	}
}

func TestSupervisorDetachKeepsStoredSessionActive(t *testing.T) {
	fx := newSupFixture(t)
	sup := fx.newSupervisor(t)

	s, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := sup.Detach(s.ID()); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if n := sup.Count(); n != 0 {
		t.Errorf("live sessions after detach: %d", n)
	}
	if err := sup.Detach(s.ID()); !errors.Is(err, ErrNotAttached) {
		t.Errorf("second Detach: %v, want ErrNotAttached", err)
	}
	if n := fx.store.CallCount("EndSession"); n != 0 {
		t.Errorf("detach ended the stored session (%d EndSession calls)", n)
	}

	// The next connection resumes the same conversation.
	s2, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if s2.ID() != s.ID() {
		t.Errorf("reattach got session %s, want resumed %s", s2.ID(), s.ID())
	}
}

func TestSupervisorEndClosesStoredSession(t *testing.T) {
	fx := newSupFixture(t)
	sup := fx.newSupervisor(t)

	s, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := sup.End(context.Background(), s.ID()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if n := fx.store.CallCount("EndSession"); n != 1 {
		t.Errorf("EndSession calls: got %d, want 1", n)
	}
	if n := sup.Count(); n != 0 {
		t.Errorf("live sessions after end: %d", n)
	}

	s2, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("attach after end: %v", err)
	}
	if s2.ID() == s.ID() {
		t.Error("attach after end resumed a closed session")
	}
}

func TestSupervisorCloseStopsAllSessions(t *testing.T) {
	fx := newSupFixture(t)
	sup := fx.newSupervisor(t)

	s1, err := sup.Attach(context.Background(), fx.attachReq())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	req2 := fx.attachReq()
	req2.UserID = "user-8"
	s2, err := sup.Attach(context.Background(), req2)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	sup.Close()

	if n := sup.Count(); n != 0 {
		t.Errorf("live sessions after close: %d", n)
	}
	for _, s := range []*Session{s1, s2} {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Errorf("session %s still running after close", s.ID())
		}
	}
	if _, err := sup.Attach(context.Background(), fx.attachReq()); !errors.Is(err, ErrClosed) {
		t.Errorf("attach after close: %v, want ErrClosed", err)
	}
	// Shutdown keeps stored sessions active so conversations survive it.
	if n := fx.store.CallCount("EndSession"); n != 0 {
		t.Errorf("close ended stored sessions (%d EndSession calls)", n)
	}
}

func TestSessionConversationFlow(t *testing.T) {
	fx := newSupFixture(t)
	fx.stt.Session = scriptedSTT("what's the weather like")
	fx.llm.StreamChunks = []llm.Chunk{{Text: "It is sunny and mild today."}}
	sup := fx.newSupervisor(t)

	var mu sync.Mutex
	var finals []string
	ev := &eventLog{}
	req := fx.attachReq()
	req.Hooks = utterance.Hooks{
		OnFinal: func(tr types.Transcript) {
			mu.Lock()
			finals = append(finals, tr.Text)
			mu.Unlock()
		},
	}
	req.Events = ev.events()

	s, err := sup.Attach(context.Background(), req)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !s.SpeakerStart("user-7") {
		t.Fatal("speaker lock denied on an idle session")
	}
	s.PushAudio("user-7", []byte{1, 2, 3})
	s.PushAudio("user-7", []byte{4, 5, 6})

	// Silence expires, the scripted final arrives, and the full respond flow
	// runs: persist, complete, synthesize, persist.
	waitFor(t, 3*time.Second, "turn to persist", func() bool {
		return len(fx.store.Messages()) == 2
	})

	msgs := fx.store.Messages()
	if msgs[0].Content != "what's the weather like" || msgs[0].Role != types.RoleUser {
		t.Errorf("user message: %+v", msgs[0])
	}
	if msgs[0].Speaker != "user-7" {
		t.Errorf("speaker: got %q, want the user id", msgs[0].Speaker)
	}
	if msgs[0].Latencies.UserAudio <= 0 {
		t.Errorf("user audio latency not recorded: %+v", msgs[0].Latencies)
	}
	if msgs[1].Content != "It is sunny and mild today." || msgs[1].Role != types.RoleAssistant {
		t.Errorf("assistant message: %+v", msgs[1])
	}

	if got, want := collapse(fx.sink.joined()), collapse("It is sunny and mild today."); got != want {
		t.Errorf("played audio: got %q, want %q", got, want)
	}
	if n, text, interrupted := ev.complete(); n != 1 || text != "It is sunny and mild today." || interrupted {
		t.Errorf("complete event: n=%d text=%q interrupted=%v", n, text, interrupted)
	}
	mu.Lock()
	gotFinals := append([]string(nil), finals...)
	mu.Unlock()
	if len(gotFinals) != 1 || gotFinals[0] != "what's the weather like" {
		t.Errorf("final hooks: %q", gotFinals)
	}

	waitFor(t, 2*time.Second, "machine to return to idle", func() bool {
		return s.State() == utterance.StateIdle
	})
}

// panicLLM stands in for a backend with a latent bug.
type panicLLM struct{}

func (panicLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	panic("synthetic llm failure")
}

func (panicLLM) Health(context.Context) llm.Status { return llm.StatusOK }

func TestSessionTurnPanicIsContained(t *testing.T) {
	fx := newSupFixture(t)
	fx.stt.Session = scriptedSTT("trigger the bug")
	sup := NewSupervisor(SupervisorConfig{
		Store:     fx.store,
		Assembler: convctx.NewAssembler(fx.store),
		STT:       fx.stt,
		TTS:       fx.tts,
		LLMs:      map[string]llm.Provider{"hosted": panicLLM{}},
		Pipeline: config.PipelineConfig{
			SilenceThresholdMs: 120,
			MaxUtteranceMs:     5000,
		},
		DefaultAgent: "concierge",
	})
	t.Cleanup(sup.Close)

	ev := &eventLog{}
	req := fx.attachReq()
	req.Events = ev.events()
	s, err := sup.Attach(context.Background(), req)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !s.SpeakerStart("user-7") {
		t.Fatal("speaker lock denied")
	}
	s.PushAudio("user-7", []byte{1, 2, 3})

	waitFor(t, 3*time.Second, "panic to surface as a turn error", func() bool {
		return len(ev.errList()) == 1
	})
	if kind := fault.KindOf(ev.errList()[0]); kind != fault.KindProgrammer {
		t.Errorf("error kind: got %v, want programmer fault", kind)
	}

	// The blast radius is the turn: the session stays attached and returns
	// to idle, ready for the next utterance.
	if n := sup.Count(); n != 1 {
		t.Errorf("live sessions after turn panic: %d", n)
	}
	waitFor(t, 2*time.Second, "machine to return to idle", func() bool {
		return s.State() == utterance.StateIdle
	})
}

func TestSupervisorGatesBrowserCaptureWithVAD(t *testing.T) {
	t.Run("browser ingress opens a vad session", func(t *testing.T) {
		fx := newSupFixture(t)
		fx.vad = &vadmock.Engine{}
		sup := fx.newSupervisor(t)

		if _, err := sup.Attach(context.Background(), fx.attachReq()); err != nil {
			t.Fatalf("Attach: %v", err)
		}
		calls := fx.vad.NewSessionCalls
		if len(calls) != 1 {
			t.Fatalf("vad sessions opened: got %d, want 1", len(calls))
		}
		if calls[0].Cfg.SampleRate != 16000 || calls[0].Cfg.FrameSizeMs != 20 {
			t.Errorf("vad config: %+v", calls[0].Cfg)
		}
	})

	t.Run("vad failure degrades to ungated capture", func(t *testing.T) {
		fx := newSupFixture(t)
		fx.vad = &vadmock.Engine{NewSessionErr: errors.New("model missing")}
		sup := fx.newSupervisor(t)

		if _, err := sup.Attach(context.Background(), fx.attachReq()); err != nil {
			t.Fatalf("Attach with broken vad: %v", err)
		}
		if n := sup.Count(); n != 1 {
			t.Errorf("live sessions: got %d, want 1", n)
		}
	})

	t.Run("chat ingress skips the gate", func(t *testing.T) {
		fx := newSupFixture(t)
		fx.vad = &vadmock.Engine{}
		sup := fx.newSupervisor(t)

		req := fx.attachReq()
		req.Ingress = types.IngressChat
		if _, err := sup.Attach(context.Background(), req); err != nil {
			t.Fatalf("Attach: %v", err)
		}
		if n := len(fx.vad.NewSessionCalls); n != 0 {
			t.Errorf("vad sessions opened for chat ingress: %d", n)
		}
	})
}
