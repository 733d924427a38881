package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	"github.com/voxgate/voxgate/pkg/types"
)

var errSynth = errors.New("synthesis failed")

// Unit texts long enough to clear the default minimum length. The mock TTS
// echoes unit text back as audio, so sink writes double as unit assertions.
const (
	unit1 = "First sentence here."
	unit2 = "Second sentence here."
	unit3 = "Third sentence here."
)

func threeSentences() <-chan string {
	return feed(unit1 + " " + unit2 + " " + unit3)
}

// feed returns a channel pre-loaded with chunks and already closed.
func feed(chunks ...string) <-chan string {
	ch := make(chan string, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

type recordSink struct {
	mu     sync.Mutex
	writes []string
}

func (s *recordSink) Play(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, string(b))
	return nil
}

func (s *recordSink) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}

// gateSink blocks every write until release is closed, so tests can interrupt
// playback at a known point.
type gateSink struct {
	recordSink
	firstWrite chan struct{}
	release    chan struct{}
	once       sync.Once
}

func newGateSink() *gateSink {
	return &gateSink{
		firstWrite: make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (s *gateSink) Play(ctx context.Context, b []byte) error {
	s.once.Do(func() { close(s.firstWrite) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordSink.Play(ctx, b)
}

func callsFor(calls []ttsmock.SynthesizeCall, text string) []ttsmock.SynthesizeCall {
	var out []ttsmock.SynthesizeCall
	for _, c := range calls {
		if c.Text == text {
			out = append(out, c)
		}
	}
	return out
}

func TestPipeline_PlaybackOrderUnderParallelSynthesis(t *testing.T) {
	// The first unit synthesizes slowest; later units finish first but must
	// still play after it.
	mock := &ttsmock.Provider{
		DelayTexts: map[string]time.Duration{unit1: 80 * time.Millisecond},
	}
	sink := &recordSink{}
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{MaxConcurrent: 3}, threeSentences())
	out := pb.Wait()

	want := []string{unit1, unit2, unit3}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %v, want %v", got, want)
	}
	if out.Units != 3 || out.Played != 3 || out.Skipped != 0 {
		t.Fatalf("outcome = %+v, want 3 units all played", out)
	}
	if out.Interrupted {
		t.Fatal("outcome reports an interruption that never happened")
	}
	if out.FirstByteAt.IsZero() {
		t.Fatal("FirstByteAt not recorded")
	}
}

func TestPipeline_FlushesTrailingFragment(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := &recordSink{}
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{}, feed("Hello there. And a trailing bit"))
	out := pb.Wait()

	want := []string{"Hello there.", "And a trailing bit"}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %v, want %v", got, want)
	}
	if out.Units != 2 || out.Played != 2 {
		t.Fatalf("outcome = %+v, want both units played", out)
	}
}

func TestPipeline_SkipStrategyOmitsFailedUnit(t *testing.T) {
	mock := &ttsmock.Provider{FailTexts: map[string]error{unit2: errSynth}}
	sink := &recordSink{}

	var mu sync.Mutex
	var skipped []string
	p := New(mock, sink, WithEvents(Events{
		UnitSkipped: func(_ context.Context, text string, _ error) {
			mu.Lock()
			defer mu.Unlock()
			skipped = append(skipped, text)
		},
	}))

	pb := p.Start(context.Background(), Request{}, threeSentences())
	out := pb.Wait()

	want := []string{unit1, unit3}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %v, want neighbours of the failed unit: %v", got, want)
	}
	if out.Played != 2 || out.Skipped != 1 {
		t.Fatalf("outcome = %+v, want 2 played 1 skipped", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(skipped) != 1 || skipped[0] != unit2 {
		t.Fatalf("UnitSkipped fired for %v, want [%s]", skipped, unit2)
	}
}

func TestPipeline_RetryStrategyRecovers(t *testing.T) {
	mock := &ttsmock.Provider{
		FailTexts:       map[string]error{unit2: errSynth},
		FailuresPerText: 2,
	}
	sink := &recordSink{}
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{OnError: config.ErrorRetry}, threeSentences())
	out := pb.Wait()

	if out.Played != 3 || out.Skipped != 0 {
		t.Fatalf("outcome = %+v, want all played after retries", out)
	}
	if got := len(callsFor(mock.Calls(), unit2)); got != 3 {
		t.Fatalf("failed unit synthesized %d times, want 3", got)
	}
}

func TestPipeline_RetryGivesUpAfterMaxAttempts(t *testing.T) {
	mock := &ttsmock.Provider{FailTexts: map[string]error{unit2: errSynth}}
	sink := &recordSink{}
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{OnError: config.ErrorRetry}, threeSentences())
	out := pb.Wait()

	if out.Played != 2 || out.Skipped != 1 {
		t.Fatalf("outcome = %+v, want failed unit skipped", out)
	}
	if got := len(callsFor(mock.Calls(), unit2)); got != 3 {
		t.Fatalf("failed unit synthesized %d times, want 3 attempts", got)
	}
}

func TestPipeline_BadRequestIsNotRetried(t *testing.T) {
	mock := &ttsmock.Provider{
		FailTexts: map[string]error{unit2: fmt.Errorf("chatterbox: %w", tts.ErrBadRequest)},
	}
	sink := &recordSink{}
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{OnError: config.ErrorRetry}, threeSentences())
	out := pb.Wait()

	if out.Skipped != 1 {
		t.Fatalf("outcome = %+v, want rejected unit skipped", out)
	}
	if got := len(callsFor(mock.Calls(), unit2)); got != 1 {
		t.Fatalf("rejected unit synthesized %d times, want 1 (no retry)", got)
	}
}

func TestPipeline_FallbackStrategyUsesDegradedVoice(t *testing.T) {
	mock := &ttsmock.Provider{
		FailTexts:       map[string]error{unit2: errSynth},
		FailuresPerText: 1,
	}
	sink := &recordSink{}
	p := New(mock, sink)

	voice := types.VoiceProfile{
		ID:           "ayla",
		Language:     "en",
		Speed:        1.4,
		Exaggeration: 1.2,
	}
	pb := p.Start(context.Background(), Request{
		OnError: config.ErrorFallback,
		Voice:   voice,
	}, threeSentences())
	out := pb.Wait()

	if out.Played != 3 || out.Skipped != 0 {
		t.Fatalf("outcome = %+v, want all played via the degraded path", out)
	}
	calls := callsFor(mock.Calls(), unit2)
	if len(calls) != 2 {
		t.Fatalf("failed unit synthesized %d times, want 2", len(calls))
	}
	if calls[0].Voice != voice {
		t.Fatalf("first attempt voice = %+v, want the configured profile", calls[0].Voice)
	}
	wantDegraded := types.VoiceProfile{ID: "ayla", Language: "en"}
	if calls[1].Voice != wantDegraded {
		t.Fatalf("degraded attempt voice = %+v, want tuning stripped: %+v", calls[1].Voice, wantDegraded)
	}
}

func TestPipeline_GracefulInterruptFinishesCurrentUnit(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := newGateSink()
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{
		Interruption: config.InterruptGraceful,
	}, threeSentences())

	<-sink.firstWrite
	pb.Interrupt()
	close(sink.release)
	out := pb.Wait()

	if !out.Interrupted {
		t.Fatal("outcome does not report the interruption")
	}
	want := []string{unit1}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %v, want only the current unit: %v", got, want)
	}
	if out.Played != 1 {
		t.Fatalf("outcome.Played = %d, want 1", out.Played)
	}
}

func TestPipeline_ImmediateInterruptStopsNow(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := newGateSink()
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{
		Interruption: config.InterruptImmediate,
	}, threeSentences())

	<-sink.firstWrite
	pb.Interrupt()
	out := pb.Wait()

	if !out.Interrupted {
		t.Fatal("outcome does not report the interruption")
	}
	if got := sink.Played(); len(got) != 0 {
		t.Fatalf("played = %v, want nothing after an immediate stop", got)
	}
	if out.Played != 0 {
		t.Fatalf("outcome.Played = %d, want 0", out.Played)
	}
}

func TestPipeline_DrainInterruptFinishesQueue(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := newGateSink()
	p := New(mock, sink)

	pb := p.Start(context.Background(), Request{
		Interruption: config.InterruptDrain,
	}, threeSentences())

	<-sink.firstWrite
	pb.Interrupt()
	close(sink.release)
	out := pb.Wait()

	if !out.Interrupted {
		t.Fatal("outcome does not report the interruption")
	}
	want := []string{unit1, unit2, unit3}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %v, want the whole queue: %v", got, want)
	}
}

func TestPipeline_PlaybackEventsFire(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := &recordSink{}

	var started, finished atomic.Int32
	var finishedInterrupted atomic.Bool
	p := New(mock, sink, WithEvents(Events{
		PlaybackStarted: func(context.Context) { started.Add(1) },
		PlaybackFinished: func(_ context.Context, interrupted bool) {
			finished.Add(1)
			finishedInterrupted.Store(interrupted)
		},
	}))

	p.Start(context.Background(), Request{}, threeSentences()).Wait()

	if started.Load() != 1 {
		t.Fatalf("PlaybackStarted fired %d times, want 1", started.Load())
	}
	if finished.Load() != 1 {
		t.Fatalf("PlaybackFinished fired %d times, want 1", finished.Load())
	}
	if finishedInterrupted.Load() {
		t.Fatal("PlaybackFinished reported an interruption on a clean run")
	}
}

func TestPipeline_EmptyResponseProducesNoAudio(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := &recordSink{}

	var started atomic.Int32
	p := New(mock, sink, WithEvents(Events{
		PlaybackStarted: func(context.Context) { started.Add(1) },
	}))

	out := p.Start(context.Background(), Request{}, feed("   ")).Wait()

	if out.Units != 0 || out.Played != 0 {
		t.Fatalf("outcome = %+v, want nothing extracted", out)
	}
	if len(sink.Played()) != 0 {
		t.Fatal("sink received audio for an empty response")
	}
	if started.Load() != 0 {
		t.Fatal("PlaybackStarted fired with no audio")
	}
}

func TestPipeline_ContextCancellationStopsPlayback(t *testing.T) {
	mock := &ttsmock.Provider{}
	sink := newGateSink()
	p := New(mock, sink)

	ctx, cancel := context.WithCancel(context.Background())
	pb := p.Start(ctx, Request{}, threeSentences())

	<-sink.firstWrite
	cancel()

	done := make(chan struct{})
	go func() {
		pb.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop on context cancellation")
	}
}
