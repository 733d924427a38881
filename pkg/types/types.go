// Package types defines the shared types used across all VoxGate packages.
//
// These types form the lingua franca between ingress adapters, providers, the
// response pipeline, and the conversation store. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result. Both partial (interim) and
// final transcripts use this type; an utterance sees zero or more partials and
// at most one final.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is the authoritative transcript for the
	// utterance. After a final the STT stream is terminal.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// engine does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation history.
// Persisted messages and in-flight prompt messages share this shape.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// Roles recognized in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnLatencies captures the timing breakdown of one conversational turn.
// All fields are optional; zero means "not measured".
type TurnLatencies struct {
	// UserAudio is the duration of the user's spoken utterance.
	UserAudio time.Duration

	// LLM is the time from prompt submission to the last LLM chunk.
	LLM time.Duration

	// TTS is the cumulative synthesis time across the turn's units.
	TTS time.Duration

	// Total is end-of-user-speech to end-of-playback.
	Total time.Duration
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the engine-specific voice identifier.
	ID string

	// Language is the language code passed to the engine (e.g. "en").
	Language string

	// Speed adjusts speaking rate (0.5–2.0, 1.0 = default).
	Speed float64

	// Temperature is the synthesis sampling temperature (0.05–5.0).
	Temperature float64

	// Exaggeration controls emotional intensity (0.25–2.0).
	Exaggeration float64

	// CFGWeight is the classifier-free-guidance pace weight (0.0–1.0).
	CFGWeight float64
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0). Energy-based
	// engines report a normalized energy ratio here.
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// Ingress identifies which transport a session is attached to.
type Ingress string

const (
	// IngressChat is the chat-platform voice channel transport.
	IngressChat Ingress = "chat"

	// IngressBrowser is the browser WebSocket transport.
	IngressBrowser Ingress = "browser"
)

// AudioFormat declares how inbound audio bytes are encoded on an STT stream.
// It is set once per stream by the first control message and never renegotiated.
type AudioFormat string

const (
	// FormatOpus means raw Opus frames (chat-platform ingress).
	FormatOpus AudioFormat = "opus"

	// FormatPCM means 16-bit little-endian PCM mono at 16 kHz
	// (browser ingress after server-side decode).
	FormatPCM AudioFormat = "pcm"
)
