// Package opus provides the two codec adapters that turn ingress audio into
// PCM, plus the encoder used to speak back onto Opus transports.
//
//   - [FrameDecoder] handles chat-platform ingress, where every inbound blob
//     is already one decodable Opus frame at 48 kHz stereo.
//   - [ContainerDecoder] handles browser ingress, where inbound blobs are
//     chunks of a streaming Opus container (WebM/EBML) produced by a browser
//     recorder. It preserves the container header across utterances so that
//     turn 2 and later decode without the recorder resending it.
//   - [Encoder] turns PCM back into 20 ms Opus frames for the chat platform's
//     audio send.
//
// Both decoders implement [audio.Decoder].
package opus

import "fmt"

// Chat-platform voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	// SampleRate is the platform Opus sample rate in Hz.
	SampleRate = 48000

	// Channels is the platform Opus channel count.
	Channels = 2

	// FrameSizeMs is the platform Opus frame duration.
	FrameSizeMs = 20

	// frameSamples is the number of samples per channel per 20 ms frame.
	frameSamples = SampleRate * FrameSizeMs / 1000 // 960

	// FrameBytes is the exact PCM input size for one platform Opus frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample.
	FrameBytes = frameSamples * Channels * 2 // 3840

	// maxFrameSamples bounds a single Opus packet's decode output: 120 ms at
	// 48 kHz. Browser recorders emit 20 ms packets but the codec permits up
	// to 120 ms, so the decode buffer must cover it.
	maxFrameSamples = 5760
)

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// wrap prefixes codec errors uniformly.
func wrap(op string, err error) error {
	return fmt.Errorf("opus: %s: %w", op, err)
}
