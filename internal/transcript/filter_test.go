package transcript

import "testing"

func TestClean(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"plain speech", "What is the weather like today?", "What is the weather like today?", true},
		{"empty", "", "", false},
		{"whitespace only", "   \t  ", "", false},
		{"blank audio artifact", "[BLANK_AUDIO]", "", false},
		{"music artifact", "[MUSIC PLAYING]", "", false},
		{"parenthesized artifact", "(coughs)", "", false},
		{"starred artifact", "*sighs*", "", false},
		{"artifact around speech", "[BLANK_AUDIO] tell me a story (laughs)", "tell me a story", true},
		{"artifact mid-sentence", "so [inaudible] what happened next", "so what happened next", true},
		{"punctuation only", "... !?", "", false},
		{"filler only", "uh um hmm", "", false},
		{"filler with punctuation", "Um... uh.", "", false},
		{"filler plus content", "um tell me more", "um tell me more", true},
		{"whitespace collapse", "  hello   there  ", "hello there", true},
		{"digits count as content", "42", "42", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Clean(tc.in)
			if ok != tc.wantOK {
				t.Fatalf("Clean(%q): ok=%v, want %v", tc.in, ok, tc.wantOK)
			}
			if got != tc.want {
				t.Errorf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
