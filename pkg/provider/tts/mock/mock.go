// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to consumers and to verify the text
// units and voice profiles handed to the TTS backend. By default each
// Synthesize call echoes its input text back as a single audio chunk, which
// makes ordering assertions trivial; set SynthesizeChunks for an explicit
// script.
//
// Example:
//
//	p := &mock.Provider{
//	    FailTexts: map[string]error{"Second sentence.": errors.New("boom")},
//	}
//	st, err := p.Synthesize(ctx, "First sentence.", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the unit text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider. Configure the response
// fields before use; mutating them during a concurrent call is the caller's
// responsibility.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks, when non-nil, is the audio chunk script emitted by
	// every successful stream. When nil, each stream emits one chunk holding
	// the UTF-8 bytes of the input text.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from every Synthesize call.
	SynthesizeErr error

	// FailTexts maps unit text to an error returned from Synthesize for that
	// text only. Checked after SynthesizeErr.
	FailTexts map[string]error

	// FailuresPerText limits how often a FailTexts entry fires: after that
	// many failures the text synthesises normally. Zero means fail always.
	// Use it to exercise retry-then-succeed paths.
	FailuresPerText int

	// StreamErrTexts maps unit text to a terminal stream error: Synthesize
	// succeeds but the stream closes immediately with Err() set.
	StreamErrTexts map[string]error

	// DelayTexts maps unit text to a pause before that stream emits audio.
	// Use it to let later units finish synthesis before earlier ones.
	DelayTexts map[string]time.Duration

	// HealthStatus is returned by Health. The zero value maps to
	// tts.StatusOK.
	HealthStatus tts.Status

	// --- Call records (read after test) ---

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// HealthCallCount is the number of times Health was called.
	HealthCallCount int

	failCounts map[string]int
}

// Synthesize records the call and returns a stream emitting the configured
// audio. Per-text failure injection is consulted before the stream opens.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})

	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	if err, ok := p.FailTexts[text]; ok {
		if p.failCounts == nil {
			p.failCounts = map[string]int{}
		}
		if p.FailuresPerText == 0 || p.failCounts[text] < p.FailuresPerText {
			p.failCounts[text]++
			p.mu.Unlock()
			return nil, err
		}
	}

	streamErr := p.StreamErrTexts[text]
	delay := p.DelayTexts[text]
	var chunks [][]byte
	if p.SynthesizeChunks != nil {
		chunks = make([][]byte, len(p.SynthesizeChunks))
		copy(chunks, p.SynthesizeChunks)
	} else {
		chunks = [][]byte{[]byte(text)}
	}
	p.mu.Unlock()

	st := &stream{ch: make(chan []byte, len(chunks))}
	go func() {
		defer close(st.ch)
		if delay > 0 {
			select {
			case <-ctx.Done():
				st.setErr(ctx.Err())
				return
			case <-time.After(delay):
			}
		}
		if streamErr != nil {
			st.setErr(streamErr)
			return
		}
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				st.setErr(ctx.Err())
				return
			case st.ch <- audio:
			}
		}
	}()
	return st, nil
}

// Health records the call and returns HealthStatus.
func (p *Provider) Health(ctx context.Context) tts.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HealthCallCount++
	if p.HealthStatus == "" {
		return tts.StatusOK
	}
	return p.HealthStatus
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Texts returns the unit texts of all recorded Synthesize calls in order.
// Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls and failure counters. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.HealthCallCount = 0
	p.failCounts = nil
}

// ---- stream ----

type stream struct {
	ch chan []byte

	mu  sync.Mutex
	err error
}

func (s *stream) Chunks() <-chan []byte { return s.ch }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Ensure the doubles satisfy the real interfaces at compile time.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Stream   = (*stream)(nil)
)
