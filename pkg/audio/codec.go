package audio

import "errors"

// ErrInvalidData reports bytes the decoder could not make sense of. The
// decoder has already discarded its partial input buffer when this is
// returned; any preserved stream header survives. Callers log and move on —
// the next well-formed chunk resynchronizes the stream.
var ErrInvalidData = errors.New("audio: invalid data")

// Decoder turns ingress audio blobs into PCM.
//
// The two implementations live in the audio/opus package: a framed decoder
// for chat-platform ingress (every blob is one decodable Opus frame) and a
// container decoder for browser ingress (blobs are chunks of a streaming
// Opus container).
//
// Decode is a value-result contract rather than an error-driven one:
//
//   - pcm != nil: decoded little-endian int16 PCM in the format reported by
//     [Decoder.Format].
//   - pcm == nil, err == nil: the input was incomplete and has been buffered;
//     a later call sees the concatenation.
//   - err == [ErrInvalidData]: the buffered input was malformed and has been
//     dropped. Preserved headers are retained.
//
// A Decoder is owned by a single session goroutine and is not safe for
// concurrent use.
type Decoder interface {
	// Decode consumes one inbound blob and returns any PCM it produced.
	Decode(chunk []byte) (pcm []byte, err error)

	// Format reports the PCM format Decode emits. Constant for the lifetime
	// of the Decoder.
	Format() Format

	// Reset prepares the decoder for a new utterance on the same stream.
	// Partial input buffers are cleared; stream-level state that must survive
	// utterance boundaries (notably a container header) is kept.
	Reset()
}
