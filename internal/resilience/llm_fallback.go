package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with turn-level failover: when the
// primary backend fails before producing its first chunk, the fallback slot is
// tried once. After the first chunk has been forwarded the turn is committed
// to its backend — a mid-stream failure surfaces as a terminal error chunk,
// never as a silent restart that would splice two different responses.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]

	// OnFallback, when non-nil, is invoked whenever a completion was served
	// by an entry other than the primary. The session layer uses it to count
	// fallback turns.
	OnFallback func(ctx context.Context, provider string)
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers the backend tried when the primary fails before its
// first chunk.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// committedStream is the hand-off from a backend that won the turn: the chunk
// that committed it plus the remainder of its stream.
type committedStream struct {
	first *llm.Chunk
	rest  <-chan llm.Chunk
}

// StreamCompletion starts the request against the primary and awaits its first
// chunk. A start error or a terminal error chunk before any content counts as
// a pre-commit failure and moves on to the fallback; anything after the first
// forwarded chunk belongs to the committed backend.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	name, cs, err := ExecuteWithResult(f.group, func(p llm.Provider) (committedStream, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return committedStream{}, err
		}
		select {
		case first, ok := <-ch:
			if !ok {
				// Closed without emitting: a complete, empty response.
				return committedStream{rest: ch}, nil
			}
			if first.FinishReason == llm.FinishError {
				// The error chunk is terminal, so draining releases the
				// producer; nothing was forwarded, so fallback is allowed.
				go func() {
					for range ch {
					}
				}()
				cause := first.Err
				if cause == nil {
					cause = errors.New("stream failed")
				}
				return committedStream{}, fmt.Errorf("before first chunk: %w", cause)
			}
			return committedStream{first: &first, rest: ch}, nil
		case <-ctx.Done():
			return committedStream{}, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}

	if name != f.group.entries[0].name {
		slog.Info("llm fallback served turn", "provider", name)
		if f.OnFallback != nil {
			f.OnFallback(ctx, name)
		}
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		if cs.first != nil {
			select {
			case out <- *cs.first:
			case <-ctx.Done():
				return
			}
		}
		for c := range cs.rest {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Health reports the primary backend's availability. Fallback health is
// probed separately by the readiness endpoint.
func (f *LLMFallback) Health(ctx context.Context) llm.Status {
	return f.group.Primary().Health(ctx)
}
