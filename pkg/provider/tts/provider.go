// Package tts defines the Provider interface for text-to-speech engines.
//
// A TTS provider wraps a speech synthesis engine (e.g. a local Chatterbox
// server) and presents a uniform per-unit contract: Synthesize accepts one
// unit of text — typically a single sentence produced by the response
// pipeline's splitter — and returns a lazy, finite, non-restartable [Stream]
// of raw audio bytes. Text splitting, concurrency limits, retry policy and
// playback ordering are owned by the caller; a provider performs exactly one
// synthesis request per call.
//
// Implementations must be safe for concurrent use: the response pipeline
// keeps several units in flight at once.
package tts

import (
	"context"

	"github.com/voxgate/voxgate/pkg/types"
)

// Provider is the abstraction over any TTS engine.
type Provider interface {
	// Synthesize requests speech for a single text unit and returns a Stream
	// emitting raw audio bytes as the engine produces them. voice selects the
	// engine voice and tuning parameters; zero-valued tuning fields are
	// omitted from the request so the engine applies its own defaults.
	//
	// Returns a non-nil error only if the request cannot be started (bad
	// input, engine unreachable, non-success response). Errors that wrap
	// [ErrBadRequest] indicate the engine rejected the input itself, so
	// retrying the identical unit cannot succeed.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Stream, error)

	// Health probes the engine and reports its availability. It must return
	// promptly even when the engine is unreachable; implementations bound the
	// probe with their own timeout.
	Health(ctx context.Context) Status
}

// Stream is one synthesis result: a finite sequence of audio byte chunks.
// It cannot be restarted; a failed unit is re-requested via a fresh
// [Provider.Synthesize] call.
type Stream interface {
	// Chunks returns the channel emitting audio as it arrives. The channel is
	// closed when the engine response is drained, on error, or when the ctx
	// passed to Synthesize is cancelled. Callers must drain Chunks or cancel
	// that ctx, otherwise the provider's reader goroutine leaks.
	Chunks() <-chan []byte

	// Err reports why Chunks closed. It is valid only after Chunks is closed
	// and returns nil for a complete, successful synthesis.
	Err() error
}
