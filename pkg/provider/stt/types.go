package stt

import (
	"errors"

	"github.com/voxgate/voxgate/pkg/types"
)

// StreamConfig describes the audio encoding and recognition hints for a new
// STT session. Format is authoritative for the lifetime of the session and is
// never renegotiated.
type StreamConfig struct {
	// Format selects how audio frames are interpreted by the engine:
	// types.FormatOpus for raw Opus frames, types.FormatPCM for 16-bit
	// little-endian mono PCM.
	Format types.AudioFormat

	// SampleRate is the sample rate in Hz of PCM frames. Ignored for Opus
	// input (the codec carries its own rate). Defaults to 16000.
	SampleRate int

	// Language is the language code for recognition (e.g., "en", "de").
	// Forcing a language skips the engine's per-utterance auto-detection,
	// which costs 100–200 ms. Defaults to "en".
	Language string

	// UserID is an opaque speaker identifier forwarded to the engine for
	// correlation in its own logs. May be empty.
	UserID string
}

// Sentinel errors returned by SessionHandle and Provider implementations.
// Match with errors.Is.
var (
	// ErrSessionClosed is returned by SendAudio and Finalize after the
	// session has been closed or has become terminal.
	ErrSessionClosed = errors.New("stt: session closed")

	// ErrConnectFailed is returned by StartStream when the engine could not
	// be reached after the provider's retry budget is exhausted.
	ErrConnectFailed = errors.New("stt: connect failed")
)
