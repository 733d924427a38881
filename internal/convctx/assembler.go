// Package convctx assembles the model context for one conversational turn:
// the agent's system prompt, optionally augmented with semantically recalled
// past exchanges, plus the session's recent message history ending in the
// user's current utterance.
//
// Assembly sits on the turn's critical path between the final transcript and
// the first LLM token, so the history fetch and the recall lookup run
// concurrently. Recall is strictly best-effort: an embedder or search failure
// is logged and dropped, never surfaced, and the turn proceeds on recent
// history alone.
package convctx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/provider/embeddings"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	defaultRecallLimit = 3

	// defaultRecallMaxDistance is the cosine-distance cutoff above which a
	// recall hit is considered unrelated and dropped (0 = identical).
	defaultRecallMaxDistance = 0.5
)

// Prompt is the assembled input for one completion request.
type Prompt struct {
	// System is the agent's system prompt, with recalled past exchanges
	// folded in as a trailing section when any survived filtering.
	System string

	// Messages is the conversation history, oldest first, ending with the
	// current user utterance.
	Messages []types.Message

	// Recalled is how many past messages were folded into System.
	Recalled int

	// AssemblyDuration records how long Assemble took.
	AssemblyDuration time.Duration
}

// Assembler builds Prompts from the conversation store. Construct with
// NewAssembler; safe for concurrent use.
type Assembler struct {
	store             convstore.Store
	embedder          embeddings.Provider
	historyTokens     int
	recallLimit       int
	recallMaxDistance float64
}

// Option is a functional option for NewAssembler.
type Option func(*Assembler)

// WithHistoryBudget caps the recent-history fetch at approximately tokens
// tokens. Zero applies the store default.
func WithHistoryBudget(tokens int) Option {
	return func(a *Assembler) { a.historyTokens = tokens }
}

// WithEmbedder enables semantic recall using p to embed the query utterance.
// Without an embedder, Assemble uses recent history only.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *Assembler) { a.embedder = p }
}

// WithRecallLimit sets how many similar past messages are requested per turn.
// Defaults to 3.
func WithRecallLimit(n int) Option {
	return func(a *Assembler) { a.recallLimit = n }
}

// WithRecallMaxDistance sets the cosine-distance cutoff for recall hits.
// Defaults to 0.5.
func WithRecallMaxDistance(d float64) Option {
	return func(a *Assembler) { a.recallMaxDistance = d }
}

// NewAssembler creates an Assembler over store with the given options.
func NewAssembler(store convstore.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:             store,
		recallLimit:       defaultRecallLimit,
		recallMaxDistance: defaultRecallMaxDistance,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble builds the Prompt for the user utterance userText in session,
// speaking as agent. The history fetch and the recall lookup run in parallel;
// a history error aborts assembly, a recall error only forfeits recall.
func (a *Assembler) Assemble(ctx context.Context, agent convstore.Agent, session convstore.Session, userText string) (Prompt, error) {
	start := time.Now()

	var (
		recent []types.Message
		hits   []convstore.SimilarMessage
	)
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		msgs, err := a.store.GetContext(egCtx, session.ID, a.historyTokens)
		if err != nil {
			return fmt.Errorf("convctx: get context for session %s: %w", session.ID, err)
		}
		recent = msgs
		return nil
	})

	if a.embedder != nil {
		eg.Go(func() error {
			found, err := a.recall(egCtx, session, userText)
			if err != nil {
				slog.Warn("semantic recall skipped",
					"session_id", session.ID, "error", err)
				return nil
			}
			hits = found
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return Prompt{}, err
	}

	messages := ensureCurrentTurn(recent, userText)
	kept := filterRecall(hits, messages, a.recallMaxDistance)
	return Prompt{
		System:           formatSystemPrompt(agent.SystemPrompt, kept),
		Messages:         messages,
		Recalled:         len(kept),
		AssemblyDuration: time.Since(start),
	}, nil
}

func (a *Assembler) recall(ctx context.Context, session convstore.Session, userText string) ([]convstore.SimilarMessage, error) {
	vec, err := a.embedder.Embed(ctx, userText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := a.store.SearchSimilar(ctx, session.UserID, session.AgentID, vec, a.recallLimit)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	return hits, nil
}

// ensureCurrentTurn makes sure the history ends with the current utterance.
// The caller persists the user message before assembly, so the fetched window
// normally already ends with it; a stale cache read must not cost the model
// the very utterance it is answering.
func ensureCurrentTurn(msgs []types.Message, userText string) []types.Message {
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Role == types.RoleUser && last.Content == userText {
			return msgs
		}
	}
	return append(msgs, types.Message{Role: types.RoleUser, Content: userText})
}

// filterRecall keeps hits that are close enough to matter and not already in
// the prompt window. Order (closest first) is preserved.
func filterRecall(hits []convstore.SimilarMessage, window []types.Message, maxDistance float64) []convstore.SimilarMessage {
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(window))
	for _, m := range window {
		seen[m.Content] = true
	}
	var kept []convstore.SimilarMessage
	for _, h := range hits {
		if h.Distance > maxDistance || h.Message.Content == "" || seen[h.Message.Content] {
			continue
		}
		seen[h.Message.Content] = true
		kept = append(kept, h)
	}
	return kept
}
