package utterance

import (
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/types"
)

// SpeechGate classifies decoded PCM as speech or quiet by running fixed-size
// frames through a VAD session. Ingress blobs rarely align with VAD frame
// boundaries, so the gate buffers a partial tail between pushes.
//
// A gate belongs to a single Machine and is driven from its goroutine only.
type SpeechGate struct {
	sess       vad.SessionHandle
	frameBytes int
	buf        []byte
}

// NewSpeechGate wraps a VAD session for 16-bit mono PCM at sampleRate,
// chopped into frameMs detection frames. sess must have been created with
// the same geometry.
func NewSpeechGate(sess vad.SessionHandle, sampleRate, frameMs int) *SpeechGate {
	return &SpeechGate{
		sess:       sess,
		frameBytes: sampleRate * frameMs / 1000 * 2,
	}
}

// Push feeds pcm through the gate. speech reports whether any frame carried
// voice; opened reports whether the gate transitioned closed → open on this
// push. Push fails open: a VAD error counts as speech, so a broken gate can
// never mute a user.
func (g *SpeechGate) Push(pcm []byte) (speech, opened bool) {
	g.buf = append(g.buf, pcm...)
	for len(g.buf) >= g.frameBytes {
		frame := g.buf[:g.frameBytes]
		g.buf = g.buf[g.frameBytes:]
		ev, err := g.sess.ProcessFrame(frame)
		if err != nil {
			return true, false
		}
		switch ev.Type {
		case types.VADSpeechStart:
			speech = true
			opened = true
		case types.VADSpeechContinue:
			speech = true
		}
	}
	return speech, opened
}

// Reset drops the partial-frame buffer and clears the VAD session state, so
// the next utterance starts with a closed gate.
func (g *SpeechGate) Reset() {
	g.buf = nil
	g.sess.Reset()
}

// Close releases the underlying VAD session.
func (g *SpeechGate) Close() error {
	return g.sess.Close()
}
