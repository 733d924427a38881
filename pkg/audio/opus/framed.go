package opus

import (
	"layeh.com/gopus"

	"github.com/voxgate/voxgate/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Decoder = (*FrameDecoder)(nil)

// FrameDecoder decodes pre-framed Opus blobs as delivered by the chat-platform
// voice transport: each inbound blob is exactly one Opus frame at 48 kHz
// stereo. There is no container to buffer, so Decode never reports incomplete
// input.
//
// The underlying codec keeps inter-frame prediction state, so a single
// FrameDecoder must only see frames from one speaker's stream.
type FrameDecoder struct {
	dec *gopus.Decoder
}

// NewFrameDecoder creates a decoder for platform-framed Opus audio.
func NewFrameDecoder() (*FrameDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, wrap("create frame decoder", err)
	}
	return &FrameDecoder{dec: dec}, nil
}

// Decode decodes one Opus frame into interleaved little-endian int16 PCM.
// A frame the codec rejects yields [audio.ErrInvalidData]; nothing is buffered
// so the next frame decodes independently.
func (d *FrameDecoder) Decode(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	pcm, err := d.dec.Decode(chunk, maxFrameSamples, false)
	if err != nil {
		return nil, audio.ErrInvalidData
	}
	return int16sToBytes(pcm), nil
}

// Format reports 48 kHz stereo PCM.
func (d *FrameDecoder) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: Channels}
}

// Reset is a no-op: framed streams carry no per-utterance container state.
// The codec's prediction state intentionally survives so mid-conversation
// frames keep decoding cleanly.
func (d *FrameDecoder) Reset() {}
