package resilience

import (
	"bytes"
	"context"
	"testing"

	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	"github.com/voxgate/voxgate/pkg/types"
)

func TestDegradedTTS_StripsVoiceTuning(t *testing.T) {
	inner := &ttsmock.Provider{}
	d := NewDegradedTTS(inner)

	voice := types.VoiceProfile{
		ID:           "ayla",
		Language:     "en",
		Speed:        1.3,
		Temperature:  0.9,
		Exaggeration: 1.8,
		CFGWeight:    0.7,
	}
	st, err := d.Synthesize(context.Background(), "Hello there.", voice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var audio []byte
	for chunk := range st.Chunks() {
		audio = append(audio, chunk...)
	}
	if !bytes.Equal(audio, []byte("Hello there.")) {
		t.Fatalf("audio = %q, want echo of the unit text", audio)
	}

	calls := inner.Calls()
	if len(calls) != 1 {
		t.Fatalf("inner called %d times, want 1", len(calls))
	}
	want := types.VoiceProfile{ID: "ayla", Language: "en"}
	if calls[0].Voice != want {
		t.Fatalf("inner voice = %+v, want identity-only %+v", calls[0].Voice, want)
	}
	if calls[0].Text != "Hello there." {
		t.Fatalf("inner text = %q, want unit text unchanged", calls[0].Text)
	}
}

func TestDegradedTTS_HealthDelegates(t *testing.T) {
	inner := &ttsmock.Provider{HealthStatus: tts.StatusDown}
	d := NewDegradedTTS(inner)

	if got := d.Health(context.Background()); got != tts.StatusDown {
		t.Fatalf("Health() = %q, want down", got)
	}
	if inner.HealthCallCount != 1 {
		t.Fatalf("inner health probed %d times, want 1", inner.HealthCallCount)
	}
}

func TestConservativeVoice(t *testing.T) {
	in := types.VoiceProfile{
		ID:           "narrator",
		Language:     "de",
		Speed:        0.8,
		Temperature:  1.2,
		Exaggeration: 0.3,
		CFGWeight:    0.95,
	}
	got := ConservativeVoice(in)
	want := types.VoiceProfile{ID: "narrator", Language: "de"}
	if got != want {
		t.Fatalf("ConservativeVoice(%+v) = %+v, want %+v", in, got, want)
	}
}
