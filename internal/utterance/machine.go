// Package utterance implements the per-session speaking-turn state machine.
//
// A Machine is an actor: one goroutine (Run) owns all mutable state and
// consumes a single ordered event stream fed by the ingress adapter. Each
// speaking turn walks Idle → Listening → Finalizing → Responding → Idle:
//
//  1. Idle → Listening when the session owner starts speaking, explicitly or
//     implicitly through inbound speech. The machine takes the speaking lock
//     and opens an STT stream; a start from any other user is ignored with a
//     metric increment, never queued.
//  2. Listening: every inbound blob runs through the codec adapter and on to
//     STT. Capture ends on silence (no fresh audio for the configured
//     threshold), on the max-utterance deadline, shortly after a speaker-end
//     hint, or on an explicit finalize request.
//  3. Finalizing: the stream is asked for its authoritative transcript under
//     a bounded wait; on expiry the best partial stands in. Empty or
//     noise-only transcripts short-circuit back to Idle without a response.
//  4. Responding: the transcript goes to the Responder. When the response
//     has fully played out, the lock is released.
//
// A mid-capture STT failure is retried exactly once: captured audio is
// re-streamed to a fresh session, unless the utterance is already near its
// silence deadline with a usable partial, in which case it finalizes
// immediately. A second failure surfaces an error and abandons the turn.
//
// Slow work (STT handshake, finalize wait, the response itself) runs off the
// actor goroutine and reports back through generation-tagged result channels,
// so event intake stays responsive and cancellation is observed promptly.
package utterance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/transcript"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	// eventQueueSize bounds the inbound event channel. A full queue blocks
	// the ingress reader, pausing ingest instead of growing memory.
	eventQueueSize = 64

	// sttReconnectBase is the backoff before the single mid-utterance STT
	// reconnect attempt. The effective wait is capped at the session's
	// silence threshold so a reconnect never outlives the turn it rescues.
	sttReconnectBase = time.Second

	// endHintGrace is how long after a speaker-end hint the machine keeps
	// listening for resumed audio before finalizing.
	endHintGrace = 150 * time.Millisecond

	defaultSilence      = 600 * time.Millisecond
	defaultMaxUtterance = 45 * time.Second
	defaultSTTConnect   = 2 * time.Second
	defaultSTTFinalize  = 2 * time.Second
)

// State identifies where a session sits in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
	StateResponding
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// Responder produces and plays the assistant's reply for a finalized user
// transcript. StartResponse returns immediately with a handle to the
// in-flight response, which runs in its own goroutines; finalizedAt marks the
// end of user speech for latency accounting.
type Responder interface {
	StartResponse(ctx context.Context, userID string, t types.Transcript, finalizedAt time.Time) (ResponseHandle, error)
}

// ResponseHandle tracks one in-flight response.
type ResponseHandle interface {
	// Interrupt asks the response to stop per the session's interruption
	// policy. Safe to call more than once.
	Interrupt()

	// Done is closed once the response has fully stopped, whether it played
	// out, was interrupted, or failed.
	Done() <-chan struct{}
}

// Hooks are upward notifications to the ingress adapter. All callbacks run
// on the machine's goroutine and must return quickly; a nil field is skipped.
type Hooks struct {
	// OnPartial fires for each interim transcript during capture.
	OnPartial func(t types.Transcript)

	// OnFinal fires once per turn with the cleaned final transcript, before
	// the response starts. Filtered turns do not fire it.
	OnFinal func(t types.Transcript)

	// OnStopListening fires when capture ends, however it ends.
	OnStopListening func()

	// OnError fires when a turn is abandoned: STT gave out past its retry
	// budget, or the response could not start.
	OnError func(err error)
}

// Config carries the per-session parameters of a Machine.
type Config struct {
	// SessionID scopes log lines.
	SessionID string

	// Ingress labels utterance metrics.
	Ingress types.Ingress

	// Format and SampleRate describe the payload handed to the STT stream:
	// what the codec adapter emits, or the raw ingress blobs when no adapter
	// is configured. Defaults: pcm at the provider's native rate.
	Format     types.AudioFormat
	SampleRate int

	// Language is the recognition language hint.
	Language string

	// Silence is how long after the last fresh audio capture ends.
	// Defaults to 600ms.
	Silence time.Duration

	// MaxUtterance caps a single capture. Defaults to 45s.
	MaxUtterance time.Duration

	// ConnectTimeout bounds the STT stream handshake. Defaults to 2s.
	ConnectTimeout time.Duration

	// FinalizeTimeout bounds the wait for the authoritative transcript; on
	// expiry the best partial is used. Defaults to 2s.
	FinalizeTimeout time.Duration
}

// Machine is the per-session utterance state machine. Construct with
// NewMachine, start its actor with Run, and feed it through SpeakerStart,
// PushAudio, SpeakerEnd, and Finalize, all of which are safe for concurrent
// use.
type Machine struct {
	cfg     Config
	stt     stt.Provider
	resp    Responder
	dec     audio.Decoder
	gate    *SpeechGate
	hooks   Hooks
	metrics *observe.Metrics
	label   string
	log     *slog.Logger

	events  chan event
	connCh  chan connectResult
	finalCh chan finalizeResult
	done    chan struct{}

	// observed mirrors state for readers outside the actor goroutine.
	observed atomic.Int32

	// Everything below is owned by the Run goroutine.
	state        State
	gen          int
	speaker      string
	utterStart   time.Time
	lastAudio    time.Time
	finalizedAt  time.Time
	endHinted    bool
	reconnected  bool
	connecting   bool
	finalizeWait bool
	sess         stt.SessionHandle
	partials     <-chan types.Transcript
	finals       <-chan types.Transcript
	bestPartial  types.Transcript
	captured     [][]byte
	pendingOut   [][]byte
	response     ResponseHandle
	pendingTurn  *types.Transcript

	silenceTimer *time.Timer
	maxTimer     *time.Timer
	reconnTimer  *time.Timer
}

type eventKind int

const (
	evStart eventKind = iota
	evFrame
	evEnd
	evFinalize
)

type event struct {
	kind  eventKind
	user  string
	frame []byte
	reply chan<- bool
}

type connectResult struct {
	gen  int
	sess stt.SessionHandle
	err  error
}

type finalizeResult struct {
	gen     int
	t       types.Transcript
	ok      bool
	elapsed time.Duration
}

// Option configures a Machine during construction.
type Option func(*Machine)

// WithDecoder installs a codec adapter between the ingress and STT. Inbound
// blobs are decoded before forwarding; without a decoder blobs pass through
// unchanged (the chat path, which forwards Opus frames as-is).
func WithDecoder(d audio.Decoder) Option {
	return func(m *Machine) { m.dec = d }
}

// WithSpeechGate installs a VAD gate over decoded PCM. With a gate, only
// speech-classified audio refreshes the silence clock and opens an utterance
// from Idle, which is what lets silence detection work on an ingress that
// streams continuously. The machine owns the gate and closes it on shutdown.
func WithSpeechGate(g *SpeechGate) Option {
	return func(m *Machine) { m.gate = g }
}

// WithHooks registers upward notifications.
func WithHooks(h Hooks) Option {
	return func(m *Machine) { m.hooks = h }
}

// WithMetrics sets the metrics sink. Defaults to the no-op global provider.
func WithMetrics(mx *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mx }
}

// WithProviderLabel sets the STT provider name used in request metrics.
// Defaults to "stt".
func WithProviderLabel(name string) Option {
	return func(m *Machine) { m.label = name }
}

// NewMachine creates a Machine for one session. Zero Config durations take
// their documented defaults.
func NewMachine(provider stt.Provider, responder Responder, cfg Config, opts ...Option) *Machine {
	if cfg.Silence <= 0 {
		cfg.Silence = defaultSilence
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = defaultMaxUtterance
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultSTTConnect
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultSTTFinalize
	}
	if cfg.Format == "" {
		cfg.Format = types.FormatPCM
	}
	m := &Machine{
		cfg:     cfg,
		stt:     provider,
		resp:    responder,
		metrics: observe.DefaultMetrics(),
		label:   "stt",
		log:     slog.With("session_id", cfg.SessionID),
		events:  make(chan event, eventQueueSize),
		connCh:  make(chan connectResult, 1),
		finalCh: make(chan finalizeResult, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SpeakerStart requests the speaking lock for userID. It reports false when
// the lock is held by a different speaker or a turn is mid-finalize; the
// start is ignored, not queued. A start by the lock holder during playback
// interrupts the response and opens a new utterance.
func (m *Machine) SpeakerStart(userID string) bool {
	reply := make(chan bool, 1)
	select {
	case m.events <- event{kind: evStart, user: userID, reply: reply}:
	case <-m.done:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-m.done:
		return false
	}
}

// PushAudio delivers one ingress audio blob. The machine takes ownership of
// frame. PushAudio blocks while the event queue is full, propagating
// backpressure to the ingress reader.
func (m *Machine) PushAudio(userID string, frame []byte) {
	select {
	case m.events <- event{kind: evFrame, user: userID, frame: frame}:
	case <-m.done:
	}
}

// SpeakerEnd hints that userID stopped speaking. Capture ends after a short
// grace unless audio resumes first; it is a hint, not a guarantee.
func (m *Machine) SpeakerEnd(userID string) {
	select {
	case m.events <- event{kind: evEnd, user: userID}:
	case <-m.done:
	}
}

// Finalize requests an immediate end of capture for userID's utterance.
func (m *Machine) Finalize(userID string) {
	select {
	case m.events <- event{kind: evFinalize, user: userID}:
	case <-m.done:
	}
}

// Run drives the machine until ctx is cancelled. It owns all state; callers
// run it in a dedicated goroutine per session.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	defer m.shutdown(ctx)

	for {
		var respDone <-chan struct{}
		if m.response != nil {
			respDone = m.response.Done()
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		case res := <-m.connCh:
			m.handleConnected(ctx, res)
		case res := <-m.finalCh:
			m.handleFinalized(ctx, res)
		case t, ok := <-m.partials:
			m.handlePartial(t, ok)
		case t, ok := <-m.finals:
			m.handleCaptureFinal(ctx, t, ok)
		case <-timerC(m.silenceTimer):
			m.handleSilenceDeadline(ctx)
		case <-timerC(m.maxTimer):
			m.handleMaxDeadline(ctx)
		case <-timerC(m.reconnTimer):
			m.handleReconnectDeadline(ctx)
		case <-respDone:
			m.handleResponseDone(ctx)
		}
	}
}

func (m *Machine) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evStart:
		ok := m.handleStart(ctx, ev.user)
		if ev.reply != nil {
			ev.reply <- ok
		}
	case evFrame:
		m.handleFrame(ctx, ev.user, ev.frame)
	case evEnd:
		m.handleEndHint(ev.user)
	case evFinalize:
		m.handleExplicitFinalize(ctx, ev.user)
	}
}

func (m *Machine) handleStart(ctx context.Context, user string) bool {
	switch m.state {
	case StateIdle:
		m.startListening(ctx, user)
		return true
	case StateListening:
		if user != m.speaker {
			m.ignoreSpeaker(ctx, user)
			return false
		}
		// The owner resumed; cancel any pending end hint.
		m.endHinted = false
		return true
	case StateFinalizing:
		if user != m.speaker {
			m.ignoreSpeaker(ctx, user)
		}
		return false
	case StateResponding:
		if user != m.speaker {
			m.ignoreSpeaker(ctx, user)
			return false
		}
		m.bargeIn(ctx)
		return true
	}
	return false
}

func (m *Machine) ignoreSpeaker(ctx context.Context, user string) {
	m.metrics.SpeakerIgnored.Add(ctx, 1)
	m.log.Debug("speaker ignored, lock held",
		"user_id", user, "holder", m.speaker, "state", m.state)
}

// bargeIn interrupts the in-flight response and opens a fresh utterance for
// the lock holder. The interrupted response keeps draining per its policy in
// the background; a follow-up turn waits for it before starting its own
// playback.
func (m *Machine) bargeIn(ctx context.Context) {
	m.log.Info("barge-in, interrupting response", "user_id", m.speaker)
	if m.response != nil {
		m.response.Interrupt()
	}
	m.pendingTurn = nil
	m.startListening(ctx, m.speaker)
}

func (m *Machine) handleFrame(ctx context.Context, user string, frame []byte) {
	// The codec adapter runs in every state so a container stream never
	// loses sync; only what happens with the output depends on the state.
	payload, speech, opened := m.decodeFrame(frame)

	switch m.state {
	case StateIdle:
		if payload == nil || (m.gate != nil && !opened) {
			return
		}
		// Speech while idle opens an utterance implicitly. Chat ingresses
		// send an explicit speaker start first; a browser stream has no
		// start signal and relies on the gate.
		m.startListening(ctx, user)
		m.feedSTT(ctx, payload)
	case StateListening:
		if user != m.speaker {
			return
		}
		if speech {
			m.lastAudio = time.Now()
			m.endHinted = false
		}
		if payload != nil {
			m.feedSTT(ctx, payload)
		}
	case StateResponding:
		if user != m.speaker || m.gate == nil || !opened {
			return
		}
		// The gate opened on fresh speech during playback: barge-in.
		m.bargeIn(ctx)
		if payload != nil {
			m.feedSTT(ctx, payload)
		}
	case StateFinalizing:
		// Capture is over; late frames are dropped.
	}
}

// decodeFrame runs one ingress blob through the codec adapter and speech
// gate. payload is the STT-ready output (nil when the blob only buffered or
// was dropped), speech reports whether the blob refreshes the silence clock,
// and opened reports whether the gate transitioned closed → open on it.
func (m *Machine) decodeFrame(frame []byte) (payload []byte, speech, opened bool) {
	if m.dec == nil {
		return frame, true, true
	}
	pcm, err := m.dec.Decode(frame)
	if err != nil {
		// Malformed bytes prove nothing about silence; keep the clock fresh.
		m.log.Debug("undecodable audio dropped", "bytes", len(frame), "error", err)
		return nil, true, false
	}
	if pcm == nil {
		// Container header or partial chunk, buffered by the adapter. Still
		// audio as far as the silence clock is concerned.
		return nil, true, false
	}
	if m.gate == nil {
		return pcm, true, true
	}
	speech, opened = m.gate.Push(pcm)
	return pcm, speech, opened
}

// feedSTT records the payload for a potential re-stream and forwards it to
// the live STT session, or queues it while a session is still opening.
func (m *Machine) feedSTT(ctx context.Context, payload []byte) {
	m.captured = append(m.captured, payload)
	if m.sess == nil {
		m.pendingOut = append(m.pendingOut, payload)
		return
	}
	if err := m.sess.SendAudio(payload); err != nil {
		m.streamFailed(ctx, err)
	}
}

func (m *Machine) handleEndHint(user string) {
	if m.state != StateListening || user != m.speaker {
		return
	}
	m.endHinted = true
	remaining := time.Until(m.lastAudio.Add(m.cfg.Silence))
	if remaining > endHintGrace {
		m.armTimer(&m.silenceTimer, endHintGrace)
	}
}

func (m *Machine) handleExplicitFinalize(ctx context.Context, user string) {
	if m.state != StateListening || user != m.speaker {
		return
	}
	m.beginFinalize(ctx)
}

func (m *Machine) startListening(ctx context.Context, user string) {
	now := time.Now()
	m.gen++
	m.setState(ctx, StateListening)
	m.speaker = user
	m.utterStart = now
	m.lastAudio = now
	m.endHinted = false
	m.reconnected = false
	m.finalizeWait = false
	m.bestPartial = types.Transcript{}
	m.captured = nil
	m.pendingOut = nil

	m.armTimer(&m.silenceTimer, m.cfg.Silence)
	m.armTimer(&m.maxTimer, m.cfg.MaxUtterance)

	m.log.Info("listening", "user_id", user, "utterance", m.gen)
	m.connectSTT(ctx)
}

// connectSTT opens the STT stream off the actor goroutine so a slow
// handshake cannot stall event intake. The result comes back tagged with the
// utterance generation; stale results are closed and discarded.
func (m *Machine) connectSTT(ctx context.Context) {
	m.connecting = true
	gen := m.gen
	cfg := stt.StreamConfig{
		Format:     m.cfg.Format,
		SampleRate: m.cfg.SampleRate,
		Language:   m.cfg.Language,
		UserID:     m.speaker,
	}
	go func() {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
		sess, err := m.stt.StartStream(cctx, cfg)
		select {
		case m.connCh <- connectResult{gen: gen, sess: sess, err: err}:
		case <-ctx.Done():
			if sess != nil {
				sess.Close()
			}
		}
	}()
}

func (m *Machine) handleConnected(ctx context.Context, res connectResult) {
	if res.gen != m.gen {
		if res.sess != nil {
			res.sess.Close()
		}
		return
	}
	m.connecting = false
	if m.state != StateListening && !(m.state == StateFinalizing && m.finalizeWait) {
		if res.sess != nil {
			res.sess.Close()
		}
		return
	}
	if res.err != nil {
		m.metrics.RecordProviderRequest(ctx, m.label, "stt", "error")
		m.metrics.RecordProviderError(ctx, m.label, "stt")
		if m.state == StateFinalizing {
			m.finalizeWait = false
			m.finishCapture(ctx, m.bestPartial)
			return
		}
		m.streamFailed(ctx, res.err)
		return
	}
	m.metrics.RecordProviderRequest(ctx, m.label, "stt", "ok")
	m.sess = res.sess
	m.partials = res.sess.Partials()
	m.finals = res.sess.Finals()

	// Flush audio captured while the stream was opening, or the whole
	// utterance on a reconnect re-stream.
	out := m.pendingOut
	m.pendingOut = nil
	for _, chunk := range out {
		if err := m.sess.SendAudio(chunk); err != nil {
			if m.state == StateFinalizing {
				m.finalizeWait = false
				m.closeSTT()
				m.finishCapture(ctx, m.bestPartial)
				return
			}
			m.streamFailed(ctx, err)
			return
		}
	}
	if m.state == StateFinalizing && m.finalizeWait {
		m.finalizeWait = false
		m.requestFinal(ctx)
	}
}

// streamFailed handles a dead STT stream during capture. One reconnect is
// allowed per utterance. An utterance already sitting near its silence
// deadline with a usable partial finalizes immediately instead, trading tail
// audio for latency.
func (m *Machine) streamFailed(ctx context.Context, err error) {
	m.closeSTT()
	if m.state != StateListening {
		return
	}
	idle := time.Since(m.lastAudio)
	if idle >= m.cfg.Silence/2 && m.bestPartial.Text != "" {
		m.log.Warn("stt stream failed near silence, finalizing from partial",
			"utterance", m.gen, "idle", idle, "error", err)
		m.finishCapture(ctx, m.bestPartial)
		return
	}
	if m.reconnected {
		m.log.Error("stt stream failed after reconnect, abandoning utterance",
			"utterance", m.gen, "error", err)
		m.fail(ctx, fmt.Errorf("utterance: stt stream: %w", err))
		return
	}
	m.reconnected = true
	m.metrics.STTReconnects.Add(ctx, 1)
	backoff := sttReconnectBase
	if backoff > m.cfg.Silence {
		backoff = m.cfg.Silence
	}
	m.log.Warn("stt stream failed, reconnecting",
		"utterance", m.gen, "backoff", backoff, "error", err)
	m.pendingOut = slices.Clone(m.captured)
	m.armTimer(&m.reconnTimer, backoff)
}

func (m *Machine) handleReconnectDeadline(ctx context.Context) {
	if m.state != StateListening || m.sess != nil {
		return
	}
	m.log.Info("reopening stt stream", "utterance", m.gen, "buffered", len(m.pendingOut))
	m.connectSTT(ctx)
}

func (m *Machine) handlePartial(t types.Transcript, ok bool) {
	if !ok {
		m.partials = nil
		return
	}
	if m.state != StateListening {
		return
	}
	if t.Text != "" {
		m.bestPartial = t
	}
	if m.hooks.OnPartial != nil {
		m.hooks.OnPartial(t)
	}
}

// handleCaptureFinal consumes the finals channel during capture. A value
// means the engine endpointed on its own; a close without one means the
// stream died.
func (m *Machine) handleCaptureFinal(ctx context.Context, t types.Transcript, ok bool) {
	if m.state != StateListening {
		if !ok {
			m.finals = nil
		}
		return
	}
	if ok {
		m.log.Debug("engine endpointed before finalize", "utterance", m.gen)
		m.finishCapture(ctx, t)
		return
	}
	err := error(stt.ErrSessionClosed)
	if m.sess != nil {
		if e := m.sess.Err(); e != nil {
			err = e
		}
	}
	m.finals = nil
	m.metrics.RecordProviderError(ctx, m.label, "stt")
	m.streamFailed(ctx, err)
}

func (m *Machine) handleSilenceDeadline(ctx context.Context) {
	if m.state != StateListening {
		return
	}
	// Apply queued events before judging silence, so a buffered burst of
	// frames cannot be mistaken for quiet.
	m.drainEvents(ctx)
	if m.state != StateListening {
		return
	}
	idle := time.Since(m.lastAudio)
	if m.endHinted || idle >= m.cfg.Silence {
		m.log.Debug("silence detected", "utterance", m.gen, "idle", idle, "hinted", m.endHinted)
		m.beginFinalize(ctx)
		return
	}
	m.armTimer(&m.silenceTimer, m.cfg.Silence-idle)
}

func (m *Machine) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (m *Machine) handleMaxDeadline(ctx context.Context) {
	if m.state != StateListening {
		return
	}
	// A fire queued before Stop can survive into the next utterance's
	// Reset; trust the clock, not the timer.
	elapsed := time.Since(m.utterStart)
	if elapsed < m.cfg.MaxUtterance {
		m.armTimer(&m.maxTimer, m.cfg.MaxUtterance-elapsed)
		return
	}
	m.log.Info("max utterance duration reached", "utterance", m.gen, "elapsed", elapsed)
	m.beginFinalize(ctx)
}

// stopCapture exits Listening: deadline timers stop and the ingress is told
// the microphone window closed.
func (m *Machine) stopCapture(ctx context.Context) {
	if m.state == StateListening && m.hooks.OnStopListening != nil {
		m.hooks.OnStopListening()
	}
	m.setState(ctx, StateFinalizing)
	stopTimer(m.silenceTimer)
	stopTimer(m.maxTimer)
	stopTimer(m.reconnTimer)
}

// beginFinalize stops capture and requests the authoritative transcript. The
// bounded wait happens off the actor goroutine so event intake stays
// responsive; the result arrives tagged with the utterance generation.
func (m *Machine) beginFinalize(ctx context.Context) {
	m.stopCapture(ctx)

	if m.sess == nil {
		if m.connecting {
			// The stream is still opening. Hold the finalize until the
			// handshake resolves so a short utterance that fits inside it is
			// not thrown away; the connect timeout bounds the wait.
			m.finalizeWait = true
			return
		}
		// Mid-reconnect backoff: no stream is coming, the best partial is all
		// there is.
		m.finishCapture(ctx, m.bestPartial)
		return
	}
	m.requestFinal(ctx)
}

// requestFinal asks the live session for its authoritative transcript.
func (m *Machine) requestFinal(ctx context.Context) {
	gen := m.gen
	sess := m.sess
	finals := m.finals
	timeout := m.cfg.FinalizeTimeout
	m.partials = nil
	m.finals = nil
	go func() {
		start := time.Now()
		fctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var final types.Transcript
		ok := false
		if err := sess.Finalize(fctx); err == nil {
			select {
			case t, open := <-finals:
				if open {
					final, ok = t, true
				}
			case <-fctx.Done():
			}
		}
		select {
		case m.finalCh <- finalizeResult{gen: gen, t: final, ok: ok, elapsed: time.Since(start)}:
		case <-ctx.Done():
		}
	}()
}

func (m *Machine) handleFinalized(ctx context.Context, res finalizeResult) {
	if res.gen != m.gen || m.state != StateFinalizing {
		return
	}
	m.metrics.STTDuration.Record(ctx, res.elapsed.Seconds())
	t := res.t
	if !res.ok {
		m.log.Warn("stt finalize timed out, using best partial",
			"utterance", m.gen, "partial_len", len(m.bestPartial.Text))
		t = m.bestPartial
	}
	m.finishCapture(ctx, t)
}

// finishCapture closes the stream and routes the final transcript: cleaned
// text goes to the Responder, empty or noise-only text ends the turn.
func (m *Machine) finishCapture(ctx context.Context, t types.Transcript) {
	m.stopCapture(ctx)
	m.closeSTT()
	m.finalizedAt = time.Now()
	m.metrics.RecordUtterance(ctx, string(m.cfg.Ingress))

	cleaned, ok := transcript.Clean(t.Text)
	if !ok {
		m.log.Info("utterance filtered", "utterance", m.gen, "raw_len", len(t.Text))
		m.toIdle(ctx)
		return
	}
	t.Text = cleaned
	t.IsFinal = true
	m.log.Info("utterance finalized",
		"utterance", m.gen, "chars", len(cleaned), "duration", time.Since(m.utterStart))
	if m.hooks.OnFinal != nil {
		m.hooks.OnFinal(t)
	}
	m.startResponse(ctx, t)
}

func (m *Machine) startResponse(ctx context.Context, t types.Transcript) {
	m.setState(ctx, StateResponding)
	if m.response != nil {
		// The previous response is still draining after a barge-in; hold
		// this turn until it releases the sink.
		m.pendingTurn = &t
		return
	}
	m.launchResponse(ctx, t)
}

func (m *Machine) launchResponse(ctx context.Context, t types.Transcript) {
	handle, err := m.resp.StartResponse(ctx, m.speaker, t, m.finalizedAt)
	if err != nil {
		m.log.Error("response start failed", "utterance", m.gen, "error", err)
		m.fail(ctx, fmt.Errorf("utterance: start response: %w", err))
		return
	}
	m.response = handle
}

func (m *Machine) handleResponseDone(ctx context.Context) {
	m.response = nil
	if m.state != StateResponding {
		// A response interrupted by barge-in finished draining; nothing to do.
		return
	}
	if m.pendingTurn != nil {
		t := *m.pendingTurn
		m.pendingTurn = nil
		m.launchResponse(ctx, t)
		return
	}
	m.log.Info("turn complete", "utterance", m.gen)
	m.toIdle(ctx)
}

func (m *Machine) fail(ctx context.Context, err error) {
	if m.hooks.OnError != nil {
		m.hooks.OnError(err)
	}
	m.toIdle(ctx)
}

// toIdle releases the speaking lock and resets per-utterance state. The
// codec adapter keeps its stream header but drops any partial input; the
// speech gate starts closed.
func (m *Machine) toIdle(ctx context.Context) {
	m.closeSTT()
	stopTimer(m.silenceTimer)
	stopTimer(m.maxTimer)
	stopTimer(m.reconnTimer)
	m.setState(ctx, StateIdle)
	m.speaker = ""
	m.endHinted = false
	m.finalizeWait = false
	m.bestPartial = types.Transcript{}
	m.captured = nil
	m.pendingOut = nil
	m.pendingTurn = nil
	if m.dec != nil {
		m.dec.Reset()
	}
	if m.gate != nil {
		m.gate.Reset()
	}
}

// State reports the machine's current position in the turn cycle. Safe to
// call from any goroutine; the value may be stale by the time it is read.
func (m *Machine) State() State {
	return State(m.observed.Load())
}

// setState transitions the machine and keeps the active-utterance gauge in
// step: any departure from Idle counts one up, any return counts one down.
func (m *Machine) setState(ctx context.Context, s State) {
	if m.state == s {
		return
	}
	if m.state == StateIdle {
		m.metrics.ActiveUtterances.Add(ctx, 1)
	} else if s == StateIdle {
		m.metrics.ActiveUtterances.Add(ctx, -1)
	}
	m.state = s
	m.observed.Store(int32(s))
}

func (m *Machine) closeSTT() {
	if m.sess != nil {
		m.sess.Close()
		m.sess = nil
	}
	m.partials = nil
	m.finals = nil
}

func (m *Machine) shutdown(ctx context.Context) {
	m.closeSTT()
	stopTimer(m.silenceTimer)
	stopTimer(m.maxTimer)
	stopTimer(m.reconnTimer)
	if m.response != nil {
		m.response.Interrupt()
		m.response = nil
	}
	if m.gate != nil {
		m.gate.Close()
	}
	m.setState(ctx, StateIdle)
	m.speaker = ""
}

func (m *Machine) armTimer(t **time.Timer, d time.Duration) {
	if *t == nil {
		*t = time.NewTimer(d)
		return
	}
	(*t).Reset(d)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// timerC returns the timer's channel, or a nil channel (blocking forever in
// a select) when the timer has never been armed.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
