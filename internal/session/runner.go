package session

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/convctx"
	"github.com/voxgate/voxgate/internal/fault"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/pipeline"
	"github.com/voxgate/voxgate/internal/transcript"
	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/provider/embeddings"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	// llmTimeout bounds one streaming completion end to end.
	llmTimeout = 30 * time.Second

	// storeTimeout bounds post-playback persistence, which must finish even
	// when the turn's own context has already been cancelled by a barge-in.
	storeTimeout = 5 * time.Second

	// embedTimeout bounds the background embedding of a completed turn.
	embedTimeout = 15 * time.Second
)

// Events carries the runner's upward notifications to the ingress adapter.
// Callbacks run on turn goroutines and must not block; nil fields are
// skipped.
type Events struct {
	// OnResponseChunk fires for each text fragment as the model streams it,
	// ahead of synthesis.
	OnResponseChunk func(text string)

	// OnResponseComplete fires once playback has finished, with the full
	// accumulated response text. interrupted reports a barge-in cut.
	OnResponseComplete func(text string, interrupted bool)

	// OnTurnError fires when a turn is aborted by a failure. The spoken
	// apology, when one applies, has already played.
	OnTurnError func(err error)
}

// RunnerConfig carries the dependencies of a [Runner].
type RunnerConfig struct {
	Store     convstore.Store
	Assembler *convctx.Assembler

	// LLMs maps an agent's provider slot ("hosted", "local", "webhook") to
	// the backend serving it, each typically wrapped for failover.
	LLMs map[string]llm.Provider

	Pipeline *pipeline.Pipeline

	// Corrector rewrites misheard keywords in final transcripts. Optional.
	Corrector *transcript.Corrector

	// Embedder computes recall vectors for persisted turns. Optional;
	// without it turns are stored unembedded and never recalled.
	Embedder embeddings.Provider

	// Session is the stored session this runner speaks for.
	Session convstore.Session

	// Tuning supplies the response pipeline parameters.
	Tuning config.PipelineConfig

	// SpeakerName resolves a user id to a display name for persisted
	// messages. Optional; the id itself is stored when nil.
	SpeakerName func(userID string) string

	Events  Events
	Metrics *observe.Metrics
}

// Runner executes one session's conversational turns: persist the user's
// words, assemble model context, stream the completion into the response
// pipeline, and persist what the assistant said, with latency accounting at
// each stage. It implements [utterance.Responder]; each turn runs in its own
// goroutine so the state machine stays responsive while the response plays.
type Runner struct {
	store       convstore.Store
	assembler   *convctx.Assembler
	llms        map[string]llm.Provider
	pipeline    *pipeline.Pipeline
	corrector   *transcript.Corrector
	embedder    embeddings.Provider
	session     convstore.Session
	tuning      config.PipelineConfig
	speakerName func(string) string
	events      Events
	metrics     *observe.Metrics
	log         *slog.Logger
}

var _ utterance.Responder = (*Runner)(nil)

// NewRunner creates a Runner for one stored session.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Runner{
		store:       cfg.Store,
		assembler:   cfg.Assembler,
		llms:        cfg.LLMs,
		pipeline:    cfg.Pipeline,
		corrector:   cfg.Corrector,
		embedder:    cfg.Embedder,
		session:     cfg.Session,
		tuning:      cfg.Tuning,
		speakerName: cfg.SpeakerName,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		log:         slog.With("session_id", cfg.Session.ID.String()),
	}
}

// StartResponse launches the respond flow for a finalized transcript and
// returns its handle immediately. All blocking work — persistence, context
// assembly, the completion stream, playback — happens on the turn goroutine.
func (r *Runner) StartResponse(ctx context.Context, userID string, t types.Transcript, finalizedAt time.Time) (utterance.ResponseHandle, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	tn := &turn{cancel: cancel, done: make(chan struct{})}
	go r.run(turnCtx, tn, userID, t, finalizedAt)
	return tn, nil
}

// turn tracks one in-flight response.
type turn struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	interrupted bool
	playback    *pipeline.Playback
}

// Interrupt stops the turn. Before any audio is in flight the whole turn is
// simply cancelled; once playback exists the pipeline's interruption policy
// takes over. Safe to call more than once.
func (t *turn) Interrupt() {
	t.mu.Lock()
	already := t.interrupted
	t.interrupted = true
	pb := t.playback
	t.mu.Unlock()
	if already {
		return
	}
	if pb != nil {
		pb.Interrupt()
		return
	}
	t.cancel()
}

// Done is closed when the turn has fully stopped and its messages are
// persisted.
func (t *turn) Done() <-chan struct{} {
	return t.done
}

func (t *turn) wasInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// adoptPlayback publishes the playback handle for Interrupt to target. It
// reports false when the turn was interrupted before any audio committed, in
// which case the caller stops the playback itself.
func (t *turn) adoptPlayback(pb *pipeline.Playback) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		return false
	}
	t.playback = pb
	return true
}

// run is the turn body. ctx is the session-scoped context handed down by the
// state machine; it dies on interrupt-before-audio and on session teardown.
func (r *Runner) run(ctx context.Context, tn *turn, userID string, t types.Transcript, finalizedAt time.Time) {
	defer close(tn.done)
	defer tn.cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.SessionPanics.Add(context.Background(), 1)
			r.log.Error("response turn panicked", "panic", rec, "stack", string(debug.Stack()))
			if r.events.OnTurnError != nil {
				r.events.OnTurnError(fault.Wrapf(fault.KindProgrammer, "response turn: %v", rec))
			}
		}
	}()

	text := t.Text
	if r.corrector != nil {
		corrected, fixes := r.corrector.Correct(text)
		for _, f := range fixes {
			r.log.Debug("transcript keyword corrected",
				"heard", f.Original, "corrected", f.Corrected, "confidence", f.Confidence)
		}
		text = corrected
	}

	speaker := userID
	if r.speakerName != nil {
		if n := r.speakerName(userID); n != "" {
			speaker = n
		}
	}

	userMsg, err := r.store.AppendMessage(ctx, convstore.Message{
		SessionID: r.session.ID,
		Role:      types.RoleUser,
		Speaker:   speaker,
		Content:   text,
		Latencies: types.TurnLatencies{UserAudio: t.Duration},
	})
	if err != nil {
		r.turnFailed(ctx, tn, types.VoiceProfile{},
			fault.Wrapf(fault.KindTerminalNetwork, "persist user message: %w", err))
		return
	}

	agent, err := r.store.GetAgent(ctx, r.session.AgentID)
	if err != nil {
		r.turnFailed(ctx, tn, types.VoiceProfile{},
			fault.Wrapf(fault.KindTerminalNetwork, "load agent config: %w", err))
		return
	}

	prompt, err := r.assembler.Assemble(ctx, agent, r.session, text)
	if err != nil {
		r.turnFailed(ctx, tn, agent.Voice,
			fault.Wrapf(fault.KindTerminalNetwork, "assemble context: %w", err))
		return
	}

	provider, ok := r.llms[agent.Provider]
	if !ok {
		r.turnFailed(ctx, tn, agent.Voice,
			fault.Wrapf(fault.KindTerminalNetwork, "no llm backend for slot %q", agent.Provider))
		return
	}

	llmCtx, cancelLLM := context.WithTimeout(ctx, llmTimeout)
	defer cancelLLM()

	llmStart := time.Now()
	stream, err := provider.StreamCompletion(llmCtx, llm.CompletionRequest{
		Messages:     prompt.Messages,
		SystemPrompt: prompt.System,
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
		UserID:       r.session.UserID,
	})
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, agent.Provider, "llm", "error")
		r.metrics.RecordProviderError(ctx, agent.Provider, "llm")
		r.turnFailed(ctx, tn, agent.Voice,
			fault.Wrapf(fault.KindTerminalNetwork, "llm completion: %w", err))
		return
	}
	r.metrics.RecordProviderRequest(ctx, agent.Provider, "llm", "ok")

	// Hold playback until the first chunk arrives: the webhook backend can
	// override voice parameters there, and starting the pipeline with no
	// text would only idle its workers.
	var first llm.Chunk
	gotFirst := false
	select {
	case c, ok := <-stream:
		if ok {
			first = c
			gotFirst = true
		}
	case <-ctx.Done():
		return
	}

	if gotFirst && first.FinishReason == llm.FinishError {
		for range stream {
		}
		cause := first.Err
		if cause == nil {
			cause = errors.New("stream failed")
		}
		r.metrics.RecordProviderError(ctx, agent.Provider, "llm")
		r.turnFailed(ctx, tn, agent.Voice,
			fault.Wrapf(fault.KindTerminalNetwork, "llm stream: %w", cause))
		return
	}

	voice := agent.Voice
	if gotFirst && first.Voice != nil {
		voice = mergeVoice(voice, *first.Voice)
	}

	textCh := make(chan string, 1)
	pb := r.pipeline.Start(ctx, pipeline.Request{
		Voice:         voice,
		Strategy:      r.tuning.ChunkingStrategy,
		MinUnitLength: r.tuning.MinChunkLength,
		MaxConcurrent: r.tuning.MaxConcurrentTTS,
		OnError:       r.tuning.ErrorStrategy,
		Interruption:  r.tuning.InterruptionStrategy,
		FinalizedAt:   finalizedAt,
	}, textCh)
	if !tn.adoptPlayback(pb) {
		pb.Interrupt()
	}

	var full strings.Builder
	var streamErr error

	// forward pushes one chunk to the client event stream and the pipeline.
	// It reports false when the stream or the playback is finished with.
	forward := func(c llm.Chunk) bool {
		if c.FinishReason == llm.FinishError {
			streamErr = c.Err
			if streamErr == nil {
				streamErr = errors.New("stream failed")
			}
			return false
		}
		if c.Text == "" {
			return true
		}
		full.WriteString(c.Text)
		if r.events.OnResponseChunk != nil {
			r.events.OnResponseChunk(c.Text)
		}
		select {
		case textCh <- c.Text:
			return true
		case <-pb.Done():
			return false
		}
	}

	alive := true
	if gotFirst {
		alive = forward(first)
	}
	for alive {
		c, ok := <-stream
		if !ok {
			break
		}
		alive = forward(c)
	}
	if !alive && streamErr == nil {
		// Playback ended before the model finished; stop generating.
		cancelLLM()
	}
	if !alive {
		for range stream {
		}
	}
	close(textCh)

	llmDur := time.Since(llmStart)
	r.metrics.LLMDuration.Record(ctx, llmDur.Seconds())

	outcome := pb.Wait()
	total := time.Since(finalizedAt)

	if streamErr != nil {
		// Whatever played before the failure stays played: the truncation is
		// audible, the apology explains it.
		r.metrics.RecordProviderError(ctx, agent.Provider, "llm")
		r.log.Warn("llm stream died mid-response, truncating",
			"error", streamErr, "units_played", outcome.Played)
		r.speakLine(ctx, tn, voice, fault.Apology(fault.KindTerminalNetwork))
		if r.events.OnTurnError != nil {
			r.events.OnTurnError(fault.Wrapf(fault.KindTerminalNetwork, "llm stream: %w", streamErr))
		}
	}

	response := strings.TrimSpace(full.String())
	if response != "" && r.events.OnResponseComplete != nil {
		r.events.OnResponseComplete(response, outcome.Interrupted)
	}
	if response == "" {
		return
	}

	// Persistence must survive barge-in cancellation: the user heard the
	// response, or part of it, so history keeps it.
	storeCtx, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancelStore()

	asstMsg, err := r.store.AppendMessage(storeCtx, convstore.Message{
		SessionID: r.session.ID,
		Role:      types.RoleAssistant,
		Content:   response,
		Latencies: types.TurnLatencies{
			UserAudio: t.Duration,
			LLM:       llmDur,
			TTS:       outcome.Synthesis,
			Total:     total,
		},
	})
	if err != nil {
		r.log.Error("persist assistant message", "error", err)
	}

	if streamErr == nil && !outcome.Interrupted {
		r.metrics.TurnDuration.Record(ctx, total.Seconds())
	}
	r.log.Info("turn complete",
		"speaker", speaker,
		"transcript_len", len(text),
		"response_len", len(response),
		"units", outcome.Units,
		"played", outcome.Played,
		"skipped", outcome.Skipped,
		"interrupted", outcome.Interrupted,
		"recalled", prompt.Recalled,
		"llm", llmDur,
		"total", total,
	)

	if r.embedder != nil {
		msgs := []convstore.Message{userMsg}
		if err == nil {
			msgs = append(msgs, asstMsg)
		}
		go r.embedTurn(msgs)
	}
}

// turnFailed reports an aborted turn: structured log, spoken apology in the
// session's voice, and an error event upward. Interrupted or torn-down turns
// stay quiet — the user asked for that themselves.
func (r *Runner) turnFailed(ctx context.Context, tn *turn, voice types.VoiceProfile, err error) {
	if ctx.Err() != nil || tn.wasInterrupted() {
		r.log.Debug("turn abandoned", "error", err)
		return
	}
	r.log.Error("turn failed", "kind", fault.KindOf(err), "error", err)
	r.speakLine(ctx, tn, voice, fault.Apology(fault.KindOf(err)))
	if r.events.OnTurnError != nil {
		r.events.OnTurnError(err)
	}
}

// speakLine pushes one canned line through the pipeline and waits for it to
// play out. The playback is registered on the turn so a barge-in can cut an
// apology short like any other response.
func (r *Runner) speakLine(ctx context.Context, tn *turn, voice types.VoiceProfile, line string) {
	if line == "" || ctx.Err() != nil {
		return
	}
	ch := make(chan string, 1)
	ch <- line
	close(ch)

	tn.mu.Lock()
	if tn.interrupted {
		tn.mu.Unlock()
		return
	}
	pb := r.pipeline.Start(ctx, pipeline.Request{
		Voice:        voice,
		Interruption: config.InterruptImmediate,
	}, ch)
	tn.playback = pb
	tn.mu.Unlock()

	pb.Wait()
}

// embedTurn computes and stores recall vectors for the turn's messages.
// Runs in the background after the turn completes; failures only cost future
// recall, so they are logged and dropped.
func (r *Runner) embedTurn(msgs []convstore.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
	defer cancel()

	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		r.log.Warn("embed turn messages", "error", err)
		return
	}
	for i, m := range msgs {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		if err := r.store.SetMessageEmbedding(ctx, m.ID, vecs[i]); err != nil {
			r.log.Warn("store message embedding", "message_id", m.ID, "error", err)
		}
	}
}

// mergeVoice overlays the non-zero fields of a per-response override onto
// the agent's configured voice.
func mergeVoice(base, o types.VoiceProfile) types.VoiceProfile {
	if o.ID != "" {
		base.ID = o.ID
	}
	if o.Language != "" {
		base.Language = o.Language
	}
	if o.Speed != 0 {
		base.Speed = o.Speed
	}
	if o.Temperature != 0 {
		base.Temperature = o.Temperature
	}
	if o.Exaggeration != 0 {
		base.Exaggeration = o.Exaggeration
	}
	if o.CFGWeight != 0 {
		base.CFGWeight = o.CFGWeight
	}
	return base
}
