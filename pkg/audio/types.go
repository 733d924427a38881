// Package audio defines the frame types, format conversion, and codec
// abstractions that carry sound through VoxGate.
//
// Ingress adapters produce [AudioFrame] values (compressed or PCM depending on
// the transport), codec adapters under audio/opus turn container or framed
// Opus into PCM, and [FormatConverter] normalizes sample rate and channel
// count for the STT engine or the playback sink.
//
// This package lives under pkg/ because ingress adapters for additional
// transports are expected to produce these types.
package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from an ingress,
// decoded by codec adapters, and forwarded to STT or the playback sink.
type AudioFrame struct {
	// Data is the frame payload: Opus bytes before a codec adapter,
	// little-endian int16 PCM after one.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for chat-platform Opus, 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo (platform output).
	Channels int

	// Timestamp marks when this frame arrived, relative to utterance start.
	Timestamp time.Duration
}
