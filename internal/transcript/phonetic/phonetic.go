// Package phonetic matches misheard words against a configured keyword list
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each keyword. If any code from the input
//     overlaps with any code from a keyword, the keyword becomes a phonetic
//     candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected, provided its score reaches the phonetic
//     threshold. When no phonetic candidate exists, a secondary pass tests
//     pure Jaro-Winkler similarity against all keywords using a stricter
//     fuzzy threshold.
//
// Multi-word keywords (e.g. "mission control") are supported: codes are
// computed per word and the best pairwise score across word pairs contributes
// to the ranking.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher resolves words or phrases to known keywords by pronunciation
// similarity. All methods are safe for concurrent use; the Matcher is
// read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PreparedKeywords carries precomputed phonetic codes and token splits for a
// keyword list, so a corrector walking many n-gram windows does not re-encode
// the keywords at every window.
type PreparedKeywords struct {
	keywords []preparedKeyword
	maxWords int
}

type preparedKeyword struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Prepare precomputes match data for keywords. Blank entries are dropped.
func Prepare(keywords []string) PreparedKeywords {
	pk := PreparedKeywords{keywords: make([]preparedKeyword, 0, len(keywords))}
	for _, kw := range keywords {
		lower := strings.ToLower(strings.TrimSpace(kw))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		pk.keywords = append(pk.keywords, preparedKeyword{
			original: strings.TrimSpace(kw),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		if len(tokens) > pk.maxWords {
			pk.maxWords = len(tokens)
		}
	}
	return pk
}

// MaxWords returns the token count of the longest keyword, or 0 when the
// list is empty.
func (pk PreparedKeywords) MaxWords() int {
	return pk.maxWords
}

// Len returns the number of prepared keywords.
func (pk PreparedKeywords) Len() int {
	return len(pk.keywords)
}

// Match attempts to find the keyword most phonetically similar to phrase.
//
// phrase may be a single word or a space-separated n-gram. Return values:
// corrected is the best-matching keyword in its original casing, confidence
// is the Jaro-Winkler score in [0,1], and matched reports whether any
// keyword cleared its threshold. When matched is false, corrected equals
// phrase unchanged and confidence is 0.
func (m *Matcher) Match(phrase string, keywords []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(phrase, Prepare(keywords))
}

// MatchPrepared is [Matcher.Match] against a precomputed keyword list.
func (m *Matcher) MatchPrepared(phrase string, pk PreparedKeywords) (corrected string, confidence float64, matched bool) {
	if pk.Len() == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	phraseLower := strings.ToLower(strings.TrimSpace(phrase))
	phraseTokens := strings.Fields(phraseLower)
	phraseCodes := codesForTokens(phraseTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, kw := range pk.keywords {
		// Whole-phrase scores are forgiving of one divergent word when the
		// rest match exactly, so same-length multi-word phrases are also
		// verified word by word. "mission now" must not match "Mission
		// Control" on the strength of "mission" alone.
		if len(phraseTokens) == len(kw.tokens) && len(kw.tokens) > 1 &&
			!m.wordsAligned(phraseTokens, kw.tokens) {
			continue
		}

		phoneticMatch := codesOverlap(phraseCodes, kw.codes)
		jwScore := bestJWScore(phraseTokens, kw.tokens, phraseLower, kw.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{keyword: kw.original, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{keyword: kw.original, score: jwScore, phonetic: false}
			}
		}
	}

	if best.keyword != "" {
		return best.keyword, best.score, true
	}
	return phrase, 0, false
}

// wordsAligned reports whether every phrase word resembles the keyword word
// in the same position, either by a shared Double Metaphone code or by
// Jaro-Winkler similarity above the phonetic threshold.
func (m *Matcher) wordsAligned(phraseTokens, keywordTokens []string) bool {
	for i, pt := range phraseTokens {
		kt := keywordTokens[i]
		if codesOverlap(codesForTokens([]string{pt}), codesForTokens([]string{kt})) {
			continue
		}
		if matchr.JaroWinkler(pt, kt, false) >= m.phoneticThreshold {
			continue
		}
		return false
	}
	return true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when a word has no consonants) are
// excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the keyword using two strategies:
//
//  1. Full-string comparison ("sara fina" vs "seraphina").
//  2. Space-stripped comparison ("sarafina" vs "seraphina"), which absorbs
//     word-boundary disagreements between the STT engine and the keyword.
//
// Scoring is deliberately whole-phrase: a single shared word must not rank a
// multi-word keyword above threshold, or n-gram correction would rewrite
// partial mentions into full keywords.
func bestJWScore(inputTokens, keywordTokens []string, inputFull, keywordFull string) float64 {
	score := matchr.JaroWinkler(inputFull, keywordFull, false)

	if len(inputTokens) > 1 || len(keywordTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(keywordTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	return score
}
