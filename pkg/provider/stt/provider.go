// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription engine (a WhisperX-class
// streaming server, or an in-process whisper.cpp model) and exposes a uniform
// per-utterance streaming interface. The central abstraction is SessionHandle:
// once opened, a session accepts compressed or raw audio frames in arrival
// order and emits two streams of Transcript values — low-latency partials for
// responsiveness and exactly one authoritative final per utterance.
//
// A session is finite and non-restartable: after the final transcript has been
// emitted the handle is terminal and must be closed. Callers drive the end of
// an utterance explicitly via Finalize.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/voxgate/voxgate/pkg/types"
)

// SessionHandle represents an open STT streaming session for a single
// utterance. It is an interface so that test code can provide mock
// implementations without requiring a live engine connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one audio frame to the engine for transcription. The
	// frame encoding must match the Format agreed in StreamConfig. Frames are
	// forwarded in call order and are never reordered or skipped. SendAudio
	// blocks when the engine falls behind (bounded internal queue) and returns
	// ErrSessionClosed after Close or after the session has become terminal.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values as the engine revises its hypothesis. Partials may coalesce and
	// are suitable for driving UI indicators, but must not be written to the
	// conversation log. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits the authoritative
	// Transcript. At most one final is delivered per session; it observes all
	// audio sent before Finalize. The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Finalize signals end-of-utterance to the engine and requests the final
	// transcript. It returns once the request has been handed to the engine;
	// the final itself arrives on Finals. Finalize is idempotent — repeated
	// calls after the first are no-ops.
	Finalize(ctx context.Context) error

	// Err returns the terminal error of the session, if any. It must only be
	// consulted after the Finals channel has closed: a nil result means the
	// session ended cleanly (final delivered or Close called), a non-nil
	// result means the transport or engine failed before a final was emitted.
	Err() error

	// Close terminates the session and releases all associated resources.
	// After Close returns, the Partials and Finals channels will be closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per in-flight utterance.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately — implementations complete any
	// engine handshake before returning.
	//
	// ctx bounds stream establishment only. The returned session is
	// independent of it: cancelling ctx after StartStream returns must not
	// disturb the session, which lives until Close (or a terminal engine
	// event). Callers are free to open a stream under a connect-timeout
	// context and release it as soon as the handle is in hand.
	//
	// Returns an error wrapping ErrConnectFailed if the engine cannot be
	// reached after the provider's internal retry budget is exhausted. The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
