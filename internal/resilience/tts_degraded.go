package resilience

import (
	"context"

	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/types"
)

// DegradedTTS wraps a TTS provider and synthesizes with the voice tuning
// stripped back to engine defaults. The response pipeline uses it as the
// per-unit fallback path: when a unit keeps failing with its configured
// voice, a plain rendering beats a hole in the sentence. Exotic tuning
// combinations are the usual culprit, so the degraded request keeps only the
// voice identity and language.
type DegradedTTS struct {
	inner tts.Provider
}

// Compile-time interface assertion.
var _ tts.Provider = (*DegradedTTS)(nil)

// NewDegradedTTS wraps inner with the conservative voice rewrite.
func NewDegradedTTS(inner tts.Provider) *DegradedTTS {
	return &DegradedTTS{inner: inner}
}

// Synthesize requests speech for text with a conservative variant of voice.
func (d *DegradedTTS) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Stream, error) {
	return d.inner.Synthesize(ctx, text, ConservativeVoice(voice))
}

// Health reports the wrapped engine's availability.
func (d *DegradedTTS) Health(ctx context.Context) tts.Status {
	return d.inner.Health(ctx)
}

// ConservativeVoice strips the tuning fields from v. Zero-valued tuning is
// omitted from engine requests, so the engine falls back to its own defaults.
func ConservativeVoice(v types.VoiceProfile) types.VoiceProfile {
	return types.VoiceProfile{ID: v.ID, Language: v.Language}
}
