// Package session supervises live voice conversations. A Supervisor owns the
// registry of attached sessions; each Session wires one ingress connection to
// an utterance state machine, a response pipeline, and the conversation
// store, and a Runner executes the per-turn respond flow: persist the user's
// words, assemble context, stream the completion, synthesize, persist the
// reply.
//
// Sessions are isolated from each other. Each runs its own actor goroutine
// and turn goroutines, panics are contained at this package's boundary, and
// the registry map is the only shared state. Detaching releases the live
// wiring while the stored session stays active, so a returning connection
// resumes the conversation where it left off.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/convctx"
	"github.com/voxgate/voxgate/internal/fault"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/pipeline"
	"github.com/voxgate/voxgate/internal/transcript"
	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/provider/embeddings"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	// detachWait is how long Detach waits for the session actor to exit
	// before logging and moving on. Cancellation is observed at the actor's
	// next select, so in practice this never fires.
	detachWait = time.Second

	// vadFrameMs is the frame size the speech gate slices browser PCM into.
	vadFrameMs = 20

	// defaultSTTRate is assumed when neither the attach request nor its
	// decoder names a sample rate.
	defaultSTTRate = 16000
)

// Errors returned by the supervisor.
var (
	// ErrClosed is returned by Attach after the supervisor has shut down.
	ErrClosed = errors.New("session: supervisor closed")

	// ErrNotAttached is returned when no live session matches the id.
	ErrNotAttached = errors.New("session: not attached")
)

// SupervisorConfig carries the shared dependencies every session is built
// from.
type SupervisorConfig struct {
	Store     convstore.Store
	Assembler *convctx.Assembler

	STT stt.Provider
	TTS tts.Provider

	// LLMs maps provider slots to backends; an agent record names its slot.
	LLMs map[string]llm.Provider

	// VAD gates browser-ingress capture on detected speech. Optional.
	VAD vad.Engine

	// Embedder computes recall vectors for persisted turns. Optional.
	Embedder embeddings.Provider

	// DegradedTTS serves the fallback error strategy: a conservative
	// re-synthesis path tried before a unit is skipped. Optional.
	DegradedTTS tts.Provider

	// Corrector rewrites misheard keywords in final transcripts. Optional.
	Corrector *transcript.Corrector

	// Pipeline supplies capture thresholds and response tuning.
	Pipeline config.PipelineConfig

	// DefaultAgent names the agent serving attach requests that do not name
	// one.
	DefaultAgent string

	Metrics *observe.Metrics
}

// Supervisor creates, routes to, and tears down live sessions. All methods
// are safe for concurrent use; events for different sessions never serialize
// against each other here — the registry lock covers map access only, never
// session work.
type Supervisor struct {
	cfg SupervisorConfig

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Supervisor{
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// AttachRequest describes one ingress connection wanting a live session.
type AttachRequest struct {
	// UserID is the opaque end-user identifier. Required.
	UserID string

	// Agent names the agent to converse with. Empty selects the supervisor
	// default.
	Agent string

	// Ingress labels the transport this session arrived on.
	Ingress types.Ingress

	// Sink receives synthesized audio in playback order. Required.
	Sink pipeline.Sink

	// Decoder converts inbound blobs to PCM before STT. Nil passes blobs
	// through unchanged (the chat path, which forwards Opus frames as-is).
	Decoder audio.Decoder

	// Format and SampleRate describe the payload handed to the STT stream.
	Format     types.AudioFormat
	SampleRate int

	// SpeakerName resolves a user id to a display name for persisted
	// messages and prompt attribution. Optional.
	SpeakerName func(userID string) string

	// Hooks receive capture notifications: partials, finals, stop-listening,
	// utterance errors.
	Hooks utterance.Hooks

	// Events receive response notifications: streamed text, completion,
	// turn errors.
	Events Events

	// PlaybackEvents receive synthesis lifecycle notifications.
	PlaybackEvents pipeline.Events
}

// Session is one live voice conversation: the stored record plus the
// machinery driving it. Ingress adapters deliver their events through the
// Speaker/Push/Finalize methods, which are safe for concurrent use and
// ordered per session by the machine's event queue.
type Session struct {
	record convstore.Session
	agent  convstore.Agent

	machine *utterance.Machine
	runner  *Runner
	sup     *Supervisor
	onError func(error)
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the stored session id.
func (s *Session) ID() uuid.UUID { return s.record.ID }

// Record returns the stored session this wiring serves.
func (s *Session) Record() convstore.Session { return s.record }

// AgentName returns the name of the agent bound at attach time.
func (s *Session) AgentName() string { return s.agent.Name }

// SpeakerStart requests the speaking lock for userID. It reports false when
// another speaker holds it.
func (s *Session) SpeakerStart(userID string) bool { return s.machine.SpeakerStart(userID) }

// PushAudio delivers one inbound audio blob.
func (s *Session) PushAudio(userID string, frame []byte) { s.machine.PushAudio(userID, frame) }

// SpeakerEnd hints that userID stopped speaking.
func (s *Session) SpeakerEnd(userID string) { s.machine.SpeakerEnd(userID) }

// Finalize explicitly ends userID's capture without waiting for silence.
func (s *Session) Finalize(userID string) { s.machine.Finalize(userID) }

// State reports the machine's current turn state.
func (s *Session) State() utterance.State { return s.machine.State() }

// Attach resolves the agent, creates or resumes the stored session for
// (user, ingress), and wires a live session around it. A previous live
// session for the same stored session is replaced: its wiring is torn down
// and the new connection takes over, which is what a browser reconnect
// wants.
func (sv *Supervisor) Attach(ctx context.Context, req AttachRequest) (*Session, error) {
	if req.UserID == "" {
		return nil, errors.New("session: attach: user id required")
	}
	if req.Sink == nil {
		return nil, errors.New("session: attach: sink required")
	}

	name := req.Agent
	if name == "" {
		name = sv.cfg.DefaultAgent
	}
	agent, err := sv.cfg.Store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("session: resolve agent %q: %w", name, err)
	}
	if !agent.Active {
		return nil, fmt.Errorf("session: agent %q is not active", name)
	}

	rec, err := sv.cfg.Store.GetOrCreateSession(ctx, req.UserID, agent.ID, req.Ingress)
	if err != nil {
		return nil, fmt.Errorf("session: get or create session: %w", err)
	}

	plOpts := []pipeline.Option{
		pipeline.WithMetrics(sv.cfg.Metrics),
		pipeline.WithEvents(req.PlaybackEvents),
	}
	if sv.cfg.DegradedTTS != nil {
		plOpts = append(plOpts, pipeline.WithDegradedProvider(sv.cfg.DegradedTTS))
	}
	pl := pipeline.New(sv.cfg.TTS, req.Sink, plOpts...)

	tuning := sv.pipelineConfig()
	runner := NewRunner(RunnerConfig{
		Store:       sv.cfg.Store,
		Assembler:   sv.cfg.Assembler,
		LLMs:        sv.cfg.LLMs,
		Pipeline:    pl,
		Corrector:   sv.cfg.Corrector,
		Embedder:    sv.cfg.Embedder,
		Session:     rec,
		Tuning:      tuning,
		SpeakerName: req.SpeakerName,
		Events:      req.Events,
		Metrics:     sv.cfg.Metrics,
	})

	language := agent.Language
	if language == "" {
		language = tuning.Language
	}
	mcfg := utterance.Config{
		SessionID:    rec.ID.String(),
		Ingress:      req.Ingress,
		Format:       req.Format,
		SampleRate:   req.SampleRate,
		Language:     language,
		Silence:      tuning.SilenceThreshold(),
		MaxUtterance: tuning.MaxUtterance(),
	}
	opts := []utterance.Option{
		utterance.WithHooks(req.Hooks),
		utterance.WithMetrics(sv.cfg.Metrics),
	}
	if req.Decoder != nil {
		opts = append(opts, utterance.WithDecoder(req.Decoder))
	}
	var gate *utterance.SpeechGate
	if sv.cfg.VAD != nil && req.Ingress == types.IngressBrowser {
		g, err := sv.newSpeechGate(req)
		if err != nil {
			slog.Warn("vad session unavailable, capture ungated",
				"session_id", rec.ID, "error", err)
		} else {
			gate = g
			opts = append(opts, utterance.WithSpeechGate(gate))
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		record:  rec,
		agent:   agent,
		machine: utterance.NewMachine(sv.cfg.STT, runner, mcfg, opts...),
		runner:  runner,
		sup:     sv,
		onError: req.Hooks.OnError,
		log:     slog.With("session_id", rec.ID.String()),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		cancel()
		if gate != nil {
			gate.Close()
		}
		return nil, ErrClosed
	}
	old := sv.sessions[rec.ID]
	sv.sessions[rec.ID] = s
	sv.mu.Unlock()

	if old != nil {
		old.log.Info("live session replaced by new connection")
		old.stop()
	}

	go s.runMachine(sctx)

	sv.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session attached",
		"user_id", req.UserID,
		"agent", agent.Name,
		"ingress", req.Ingress,
		"started_at", rec.StartedAt,
	)
	return s, nil
}

// newSpeechGate opens a VAD session sized to the attach request's PCM rate.
func (sv *Supervisor) newSpeechGate(req AttachRequest) (*utterance.SpeechGate, error) {
	rate := req.SampleRate
	if rate == 0 && req.Decoder != nil {
		rate = req.Decoder.Format().SampleRate
	}
	if rate == 0 {
		rate = defaultSTTRate
	}
	vsess, err := sv.cfg.VAD.NewSession(vad.Config{
		SampleRate:  rate,
		FrameSizeMs: vadFrameMs,
	})
	if err != nil {
		return nil, err
	}
	return utterance.NewSpeechGate(vsess, rate, vadFrameMs), nil
}

// runMachine hosts the session's actor goroutine. A panic here is the
// machine itself misbehaving: it is recovered, counted, surfaced to the
// ingress, and the session is torn down rather than left wedged — other
// sessions never notice.
func (s *Session) runMachine(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if rec := recover(); rec != nil {
			s.sup.cfg.Metrics.SessionPanics.Add(context.Background(), 1)
			s.log.Error("session actor panicked",
				"panic", rec, "stack", string(debug.Stack()))
			s.sup.forget(s)
			if s.onError != nil {
				s.onError(fault.Wrapf(fault.KindProgrammer, "session failed: %v", rec))
			}
		}
	}()
	s.machine.Run(ctx)
}

// SetPipeline replaces the tuning applied to sessions attached from now on.
// Live sessions keep the tuning they were built with; hot reload reaches them
// on their next connection.
func (sv *Supervisor) SetPipeline(p config.PipelineConfig) {
	sv.mu.Lock()
	sv.cfg.Pipeline = p
	sv.mu.Unlock()
}

// pipelineConfig snapshots the current tuning.
func (sv *Supervisor) pipelineConfig() config.PipelineConfig {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.cfg.Pipeline
}

// Get returns the live session for id.
func (sv *Supervisor) Get(id uuid.UUID) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[id]
	return s, ok
}

// Count reports the number of live sessions.
func (sv *Supervisor) Count() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.sessions)
}

// Detach tears down a session's live wiring: the actor stops, in-flight work
// is cancelled, and STT and playback resources are released. The stored
// session stays active so the user's next connection resumes it.
func (sv *Supervisor) Detach(id uuid.UUID) error {
	sv.mu.Lock()
	s, ok := sv.sessions[id]
	sv.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	if !sv.forget(s) {
		return ErrNotAttached
	}
	s.stop()
	return nil
}

// End detaches the session and marks the stored session inactive, closing
// the conversation for good. Ending a session that is not live still closes
// the stored record.
func (sv *Supervisor) End(ctx context.Context, id uuid.UUID) error {
	if err := sv.Detach(id); err != nil && !errors.Is(err, ErrNotAttached) {
		return err
	}
	if err := sv.cfg.Store.EndSession(ctx, id); err != nil {
		return fmt.Errorf("session: end %s: %w", id, err)
	}
	slog.Info("session ended", "session_id", id)
	return nil
}

// Close tears down every live session. Stored sessions stay active so
// conversations survive a restart.
func (sv *Supervisor) Close() {
	sv.mu.Lock()
	sv.closed = true
	list := make([]*Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		list = append(list, s)
	}
	sv.mu.Unlock()

	for _, s := range list {
		if sv.forget(s) {
			s.stop()
		}
	}
}

// forget removes s from the registry if it is still the registered wiring
// for its session id, reporting whether it was. The caller that wins owns
// the teardown.
func (sv *Supervisor) forget(s *Session) bool {
	sv.mu.Lock()
	cur, ok := sv.sessions[s.record.ID]
	if !ok || cur != s {
		sv.mu.Unlock()
		return false
	}
	delete(sv.sessions, s.record.ID)
	sv.mu.Unlock()

	sv.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	return true
}

// stop cancels the session subtree and waits briefly for the actor to exit.
func (s *Session) stop() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(detachWait):
		s.log.Warn("session actor slow to exit")
	}
	s.log.Info("session detached")
}
