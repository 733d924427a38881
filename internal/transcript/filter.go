// Package transcript cleans and corrects final STT transcripts before they
// reach the language model.
//
// Raw speech-to-text output carries two kinds of defects the turn loop must
// not see: non-speech artifacts ("[BLANK_AUDIO]", "(coughs)", stray filler
// syllables) that would otherwise trigger a pointless response, and misheard
// domain vocabulary (agent names, product terms) that derails the prompt.
// [Clean] handles the first; [Corrector] handles the second.
package transcript

import (
	"regexp"
	"strings"
	"unicode"
)

// artifactPattern matches the bracketed, parenthesized, and starred stage
// directions STT engines emit for non-speech audio, e.g. "[BLANK_AUDIO]",
// "[MUSIC]", "(laughing)", "*coughs*".
var artifactPattern = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\*[^*]*\*`)

// noiseTokens are filler syllables that carry no intent on their own.
// A transcript consisting solely of these is dropped.
var noiseTokens = map[string]struct{}{
	"uh": {}, "uhh": {}, "um": {}, "umm": {}, "erm": {},
	"hm": {}, "hmm": {}, "mhm": {}, "mm": {}, "mmm": {},
	"ah": {}, "ahh": {}, "oh": {}, "eh": {}, "huh": {},
	"ahem": {},
}

// Clean strips non-speech artifacts from a raw transcript and reports
// whether anything worth responding to remains. The cleaned text has
// artifacts removed and whitespace collapsed; ok is false when the result is
// empty, punctuation-only, or filler-only, in which case the turn should be
// short-circuited without a response.
func Clean(text string) (cleaned string, ok bool) {
	cleaned = artifactPattern.ReplaceAllString(text, " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return "", false
	}
	if !containsLetterOrDigit(cleaned) {
		return "", false
	}
	if noiseOnly(cleaned) {
		return "", false
	}
	return cleaned, true
}

func containsLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// noiseOnly reports whether every token, stripped of edge punctuation, is a
// known filler syllable.
func noiseOnly(s string) bool {
	for _, tok := range strings.Fields(s) {
		core := strings.TrimFunc(tok, unicode.IsPunct)
		if core == "" {
			continue
		}
		if _, isNoise := noiseTokens[strings.ToLower(core)]; !isNoise {
			return false
		}
	}
	return true
}
