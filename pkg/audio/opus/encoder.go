package opus

import (
	"layeh.com/gopus"
)

// Encoder turns 48 kHz stereo PCM into 20 ms Opus frames for the chat
// platform's voice send. One Encoder serves one outbound voice connection;
// it keeps codec state across frames and is not safe for concurrent use.
type Encoder struct {
	enc *gopus.Encoder

	// pending buffers PCM that does not yet fill a whole frame.
	pending []byte
}

// NewEncoder creates an encoder configured for platform audio.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, wrap("create encoder", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode appends pcm (interleaved little-endian int16, 48 kHz stereo) to the
// pending buffer and returns every complete 20 ms Opus frame that yields.
// Leftover PCM stays buffered for the next call.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)

	var frames [][]byte
	for len(e.pending) >= FrameBytes {
		packet, err := e.enc.Encode(bytesToInt16s(e.pending[:FrameBytes]), frameSamples, FrameBytes)
		if err != nil {
			return frames, wrap("encode frame", err)
		}
		e.pending = e.pending[FrameBytes:]
		frames = append(frames, packet)
	}
	return frames, nil
}

// Flush pads any buffered tail with silence to a full frame and encodes it.
// Call at end of playback so the last few milliseconds are not swallowed.
func (e *Encoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	tail := make([]byte, FrameBytes)
	copy(tail, e.pending)
	e.pending = e.pending[:0]

	packet, err := e.enc.Encode(bytesToInt16s(tail), frameSamples, FrameBytes)
	if err != nil {
		return nil, wrap("encode tail frame", err)
	}
	return packet, nil
}
