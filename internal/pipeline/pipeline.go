// Package pipeline implements the response streaming pipeline: it turns a
// live LLM text stream into ordered speech at an audio sink.
//
// # Architecture
//
//  1. A splitter accumulates streamed text and extracts complete
//     synthesizable units (sentences by default).
//  2. Each unit becomes a synthesis job. A bounded worker pool keeps at most
//     MaxConcurrent requests in flight against the TTS engine.
//  3. A single playback serializer consumes the units in extraction order:
//     it drains unit N's audio to the sink before touching unit N+1, so
//     parallel synthesis never reorders speech.
//  4. When the text stream closes, the trailing fragment is flushed as a
//     final unit.
//
// Failed units follow the configured error strategy (skip, retry, or a
// degraded re-synthesis); a barge-in stops playback per the interruption
// strategy (immediate, graceful, or drain). Playback is order-preserving but
// not gap-preserving: a skipped unit leaves a hole, its neighbours still play.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	// unitQueueBuf is the buffer depth between the splitter and the playback
	// serializer. Deep enough that the splitter is throttled by worker
	// capacity, not by playback.
	unitQueueBuf = 16

	// unitAudioBuf is the per-unit audio chunk buffer between a synthesis
	// worker and the serializer. Workers for upcoming units park here while
	// an earlier unit is still playing.
	unitAudioBuf = 32

	// synthMaxAttempts bounds the retry error strategy: the unit is skipped
	// after this many failed synthesis attempts.
	synthMaxAttempts = 3
)

// Sink receives synthesized audio in playback order. Ingress adapters
// implement it over their transport (Opus frames to a voice channel, binary
// WebSocket frames to a browser).
type Sink interface {
	// Play delivers one audio chunk. It may block while the transport applies
	// backpressure; a returned error aborts the response.
	Play(ctx context.Context, audio []byte) error
}

// Events carries optional pipeline lifecycle notifications. Nil fields are
// skipped. Callbacks run on pipeline goroutines and must not block.
type Events struct {
	// PlaybackStarted fires once per response, just before the first audio
	// byte is handed to the sink.
	PlaybackStarted func(ctx context.Context)

	// PlaybackFinished fires after the last byte reached the sink or the
	// response was cut short. Only fires when PlaybackStarted did.
	PlaybackFinished func(ctx context.Context, interrupted bool)

	// UnitSkipped fires when a unit is dropped after its error strategy was
	// exhausted.
	UnitSkipped func(ctx context.Context, text string, err error)
}

// Request holds the per-response pipeline parameters. Zero-valued fields fall
// back to the documented defaults.
type Request struct {
	// Voice is the agent's TTS voice for this response.
	Voice types.VoiceProfile

	// Strategy selects how text is cut into units. Default sentence.
	Strategy config.ChunkStrategy

	// MinUnitLength is the minimum unit size in characters; for the fixed
	// strategy it is the cut size. Default 10.
	MinUnitLength int

	// MaxConcurrent bounds parallel synthesis requests. Default 3.
	MaxConcurrent int

	// OnError selects the failed-unit strategy. Default skip.
	OnError config.ErrorStrategy

	// Interruption selects the barge-in strategy. Default graceful.
	Interruption config.InterruptionStrategy

	// FinalizedAt anchors the time-to-first-byte histogram at the moment the
	// user's utterance finalized. Zero disables the measurement.
	FinalizedAt time.Time
}

// Outcome summarises one completed response.
type Outcome struct {
	// Units is the number of units extracted from the response text.
	Units int

	// Played is the number of units whose audio fully reached the sink.
	Played int

	// Skipped is the number of units dropped after their error strategy was
	// exhausted.
	Skipped int

	// Interrupted reports whether a barge-in cut the response short.
	Interrupted bool

	// FirstByteAt is when the first audio byte reached the sink. Zero when no
	// audio played.
	FirstByteAt time.Time

	// Synthesis is the cumulative engine time spent synthesizing the units
	// that completed cleanly. Parallel units all count, so this can exceed
	// wall time.
	Synthesis time.Duration
}

// Pipeline synthesizes and plays streamed responses. One Pipeline serves one
// session; Start may be called once per turn.
type Pipeline struct {
	tts      tts.Provider
	degraded tts.Provider
	sink     Sink
	metrics  *observe.Metrics
	events   Events
	label    string
}

// Option is a functional option for configuring a Pipeline during construction.
type Option func(*Pipeline)

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEvents registers lifecycle callbacks.
func WithEvents(ev Events) Option {
	return func(p *Pipeline) { p.events = ev }
}

// WithProviderLabel sets the provider label used on error metrics. Default
// "tts".
func WithProviderLabel(name string) Option {
	return func(p *Pipeline) { p.label = name }
}

// WithDegradedProvider overrides the engine used by the fallback error
// strategy. Defaults to the primary engine with voice tuning stripped.
func WithDegradedProvider(d tts.Provider) Option {
	return func(p *Pipeline) { p.degraded = d }
}

// New creates a Pipeline that synthesizes with provider and plays at sink.
func New(provider tts.Provider, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		tts:     provider,
		sink:    sink,
		metrics: observe.DefaultMetrics(),
		label:   "tts",
	}
	for _, o := range opts {
		o(p)
	}
	if p.degraded == nil {
		p.degraded = resilience.NewDegradedTTS(provider)
	}
	return p
}

// Playback is the handle for one in-flight response. It is returned by
// [Pipeline.Start] and stays valid until Wait returns.
type Playback struct {
	policy  config.InterruptionStrategy
	metrics *observe.Metrics
	cancel  context.CancelFunc

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	unitsTotal  atomic.Int64
	skipped     atomic.Int64
	synthNanos  atomic.Int64
	interrupted atomic.Bool

	outcome Outcome
}

// Interrupt signals a barge-in. What happens to in-flight work depends on the
// response's interruption strategy: immediate cancels synthesis and playback
// now, graceful finishes the unit currently playing, drain finishes the whole
// queue. Safe to call from any goroutine; only the first call counts.
func (pb *Playback) Interrupt() {
	select {
	case <-pb.done:
		return
	default:
	}
	pb.stopOnce.Do(func() {
		pb.interrupted.Store(true)
		pb.metrics.RecordInterruption(context.Background(), string(pb.policy))
		close(pb.stop)
		if pb.policy == config.InterruptImmediate {
			pb.cancel()
		}
	})
}

// Done returns a channel closed when the response has finished (played out,
// interrupted, or failed).
func (pb *Playback) Done() <-chan struct{} {
	return pb.done
}

// Wait blocks until the response has finished and returns its [Outcome].
func (pb *Playback) Wait() Outcome {
	<-pb.done
	return pb.outcome
}

// stopRequested reports whether Interrupt has been called.
func (pb *Playback) stopRequested() bool {
	select {
	case <-pb.stop:
		return true
	default:
		return false
	}
}

// unit is one synthesizable chunk of response text moving through the pool.
// failed and truncated are written by the owning worker before it closes
// audio, so the serializer may read them after the channel is drained.
type unit struct {
	index     int
	text      string
	audio     chan []byte
	failed    bool
	truncated bool
}

// Start begins consuming text and returns immediately with the [Playback]
// handle. The pipeline runs until text closes and playback drains, ctx is
// cancelled, or an interrupt stops it.
func (p *Pipeline) Start(ctx context.Context, req Request, text <-chan string) *Playback {
	if req.Strategy == "" {
		req.Strategy = config.ChunkSentence
	}
	if req.MinUnitLength <= 0 {
		req.MinUnitLength = config.DefaultMinChunkLength
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = config.DefaultMaxConcurrentTTS
	}
	if req.OnError == "" {
		req.OnError = config.ErrorSkip
	}
	if req.Interruption == "" {
		req.Interruption = config.InterruptGraceful
	}

	workCtx, cancel := context.WithCancel(ctx)
	pb := &Playback{
		policy:  req.Interruption,
		metrics: p.metrics,
		cancel:  cancel,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}

	units := make(chan *unit, unitQueueBuf)
	jobs := make(chan *unit)

	var workers sync.WaitGroup
	for i := 0; i < req.MaxConcurrent; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for u := range jobs {
				p.synthesize(workCtx, req, pb, u)
			}
		}()
	}

	go p.dispatch(workCtx, req, pb, text, units, jobs)
	go p.serialize(workCtx, req, pb, units, &workers)

	return pb
}

// dispatch feeds the splitter from the text stream and hands each completed
// unit to the serializer (for ordering) and the worker pool (for synthesis).
// The serializer send comes first so playback order is fixed at extraction
// time; the jobs send then blocks until a worker is free, which is what
// bounds outstanding synthesis requests.
func (p *Pipeline) dispatch(ctx context.Context, req Request, pb *Playback, text <-chan string, units chan<- *unit, jobs chan<- *unit) {
	defer close(units)
	defer close(jobs)

	sp := NewSplitter(req.Strategy, req.MinUnitLength)
	next := 0

	emit := func(t string) bool {
		u := &unit{index: next, text: t, audio: make(chan []byte, unitAudioBuf)}
		next++
		pb.unitsTotal.Add(1)
		select {
		case units <- u:
		case <-ctx.Done():
			return false
		}
		select {
		case jobs <- u:
		case <-ctx.Done():
			// No worker will ever own this unit, so close its audio here to
			// release the serializer.
			u.failed = true
			close(u.audio)
			return false
		}
		return true
	}

	for {
		select {
		case chunk, ok := <-text:
			if !ok {
				if tail := sp.Flush(); tail != "" {
					emit(tail)
				}
				return
			}
			if pb.stopRequested() {
				// Barge-in: freeze the queue. The policy decides what happens
				// to units already extracted; no new ones join them.
				return
			}
			for _, t := range sp.Push(chunk) {
				if !emit(t) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// synthesize runs one unit's synthesis, applying the error strategy, and
// closes the unit's audio channel when done.
func (p *Pipeline) synthesize(ctx context.Context, req Request, pb *Playback, u *unit) {
	defer close(u.audio)

	provider := p.tts
	degradedTried := false
	attempt := 0
	var lastErr error

	for {
		attempt++
		if ctx.Err() != nil {
			u.failed = true
			return
		}

		start := time.Now()
		st, err := provider.Synthesize(ctx, u.text, req.Voice)
		if err == nil {
			committed, ferr := p.forward(ctx, st, pb, u, start)
			if committed {
				if ferr != nil && !errors.Is(ferr, context.Canceled) {
					slog.Warn("unit audio truncated mid-stream",
						"unit", u.index, "error", ferr)
				}
				return
			}
			err = ferr
		}
		lastErr = err
		if ctx.Err() != nil {
			u.failed = true
			return
		}
		p.metrics.RecordProviderError(ctx, p.label, "tts")

		switch {
		case req.OnError == config.ErrorRetry && attempt < synthMaxAttempts && !errors.Is(err, tts.ErrBadRequest):
			slog.Debug("unit synthesis failed, retrying",
				"unit", u.index, "attempt", attempt, "error", err)
			continue
		case req.OnError == config.ErrorFallback && !degradedTried:
			degradedTried = true
			provider = p.degraded
			slog.Warn("unit synthesis failed, trying degraded voice",
				"unit", u.index, "error", err)
			continue
		}
		break
	}

	u.failed = true
	pb.skipped.Add(1)
	p.metrics.TTSUnitsSkipped.Add(ctx, 1)
	if p.events.UnitSkipped != nil {
		p.events.UnitSkipped(ctx, u.text, lastErr)
	}
	slog.Warn("response unit skipped",
		"unit", u.index, "text_len", len(u.text), "error", lastErr)
}

// forward streams st into the unit's audio channel. committed reports whether
// any audio was forwarded (or the stream completed empty): pre-commit
// failures may be retried with a fresh request, post-commit failures only
// truncate the unit.
func (p *Pipeline) forward(ctx context.Context, st tts.Stream, pb *Playback, u *unit, start time.Time) (bool, error) {
	committed := false
	for {
		select {
		case b, ok := <-st.Chunks():
			if !ok {
				if err := st.Err(); err != nil {
					if !committed {
						return false, err
					}
					u.truncated = true
					return true, err
				}
				elapsed := time.Since(start)
				p.metrics.TTSDuration.Record(ctx, elapsed.Seconds())
				pb.synthNanos.Add(int64(elapsed))
				return true, nil
			}
			select {
			case u.audio <- b:
				committed = true
			case <-ctx.Done():
				return committed, ctx.Err()
			}
		case <-ctx.Done():
			return committed, ctx.Err()
		}
	}
}

// serialize plays unit audio in extraction order and assembles the Outcome.
func (p *Pipeline) serialize(ctx context.Context, req Request, pb *Playback, units <-chan *unit, workers *sync.WaitGroup) {
	var (
		started     bool
		played      int
		firstByteAt time.Time
	)

	for u := range units {
		if pb.stopRequested() && req.Interruption != config.InterruptDrain {
			go audio.Drain(u.audio)
			break
		}
		full, err := p.playUnit(ctx, req, u, &started, &firstByteAt)
		if full {
			played++
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("playback aborted", "unit", u.index, "error", err)
			}
			go audio.Drain(u.audio)
			break
		}
		if pb.stopRequested() && req.Interruption == config.InterruptGraceful {
			break
		}
	}

	// Release everything still in flight, then wait for the workers so the
	// skip counter is final before the outcome is published.
	pb.cancel()
	for u := range units {
		go audio.Drain(u.audio)
	}
	workers.Wait()

	if started && p.events.PlaybackFinished != nil {
		p.events.PlaybackFinished(ctx, pb.interrupted.Load())
	}

	pb.outcome = Outcome{
		Units:       int(pb.unitsTotal.Load()),
		Played:      played,
		Skipped:     int(pb.skipped.Load()),
		Interrupted: pb.interrupted.Load(),
		FirstByteAt: firstByteAt,
		Synthesis:   time.Duration(pb.synthNanos.Load()),
	}
	close(pb.done)
}

// playUnit drains one unit's audio to the sink. full reports whether the unit
// completed cleanly (failed and truncated units do not count as fully played).
func (p *Pipeline) playUnit(ctx context.Context, req Request, u *unit, started *bool, firstByteAt *time.Time) (bool, error) {
	for {
		select {
		case b, ok := <-u.audio:
			if !ok {
				return !u.failed && !u.truncated, nil
			}
			if !*started {
				*started = true
				*firstByteAt = time.Now()
				if !req.FinalizedAt.IsZero() {
					p.metrics.TTFB.Record(ctx, time.Since(req.FinalizedAt).Seconds())
				}
				if p.events.PlaybackStarted != nil {
					p.events.PlaybackStarted(ctx)
				}
			}
			if err := p.sink.Play(ctx, b); err != nil {
				return false, fmt.Errorf("pipeline: sink write: %w", err)
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
