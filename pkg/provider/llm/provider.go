// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a hosted OpenAI-compatible SSE endpoint, a locally
// hosted OpenAI-compatible server (Ollama, llama.cpp, vLLM, ...), or a bespoke
// webhook service, and exposes one uniform contract: a message list in, a lazy
// finite sequence of text chunks out. The gateway's response pipeline consumes
// the chunk stream directly, so variants differ only in transport — never in
// the shape of the stream.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/voxgate/voxgate/pkg/types"
)

// CompletionRequest carries everything the model needs to produce a response
// for one conversational turn. Callers should treat a zero-value request as
// invalid; at minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers that have no dedicated system slot
	// prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. A value
	// of 0 means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// UserID is the opaque end-user identifier. Forwarded to backends whose
	// wire contract wants it (the webhook variant); others ignore it.
	UserID string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty when
	// the chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the terminal chunk and indicates why generation
	// stopped: FinishStop (natural end), FinishLength (token cap reached),
	// FinishError (the stream failed mid-generation). Empty on non-terminal
	// chunks.
	FinishReason string

	// Err carries the underlying failure when FinishReason is FinishError.
	// Nil otherwise.
	Err error

	// Voice carries per-response TTS parameter overrides when the backend
	// supplies them (the webhook variant's X-TTS-Options header). Set at most
	// once per stream, on the first chunk. Nil otherwise.
	Voice *types.VoiceProfile
}

// Finish reasons reported on the terminal chunk of a stream.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Status reports the availability of an LLM backend as observed by
// [Provider.Health].
type Status string

const (
	// StatusOK means the backend answered its health probe and is accepting
	// completion requests.
	StatusOK Status = "ok"

	// StatusDegraded means the backend is reachable but answered the probe
	// abnormally; completions may still work with elevated latency or errors.
	StatusDegraded Status = "degraded"

	// StatusDown means the backend is unreachable.
	StatusDown Status = "down"
)

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly: when ctx is cancelled the
// stream must close as quickly as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// The sequence is finite and non-restartable. Callers must drain the
	// channel to avoid goroutine leaks. Failures that prevent the stream from
	// starting (unreachable host, rejected request) are returned as the error;
	// failures after the first chunk surface as a terminal Chunk with
	// FinishReason FinishError and a non-nil Err.
	//
	// The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Health probes the backend and reports its availability. Probes are
	// cheap (no completion is issued) and bounded by ctx.
	Health(ctx context.Context) Status
}
