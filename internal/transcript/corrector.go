package transcript

import (
	"strings"
	"unicode"

	"github.com/voxgate/voxgate/internal/transcript/phonetic"
)

// Correction records one substitution made by a [Corrector].
type Correction struct {
	// Original is the text as produced by the STT engine.
	Original string

	// Corrected is the keyword that replaced it, in its configured casing.
	Corrected string

	// Confidence is the match score in [0,1].
	Confidence float64
}

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithMatcher replaces the default phonetic matcher, e.g. to tighten
// thresholds.
func WithMatcher(m *phonetic.Matcher) CorrectorOption {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector rewrites misheard keywords in final transcripts. Keywords are
// typically agent names and deployment-specific vocabulary from
// configuration. Safe for concurrent use; read-only after construction.
type Corrector struct {
	matcher  *phonetic.Matcher
	prepared phonetic.PreparedKeywords
}

// NewCorrector builds a Corrector for the given keyword list. With an empty
// list, Correct returns its input unchanged.
func NewCorrector(keywords []string, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		matcher:  phonetic.New(),
		prepared: phonetic.Prepare(keywords),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct replaces phonetically misheard keywords in text and returns the
// corrected text with the list of substitutions applied.
//
// The text is tokenised on whitespace and scanned left to right. At each
// position, n-gram windows from the longest keyword word count down to one
// word are tested, and a window is only ever replaced by a keyword with the
// same number of words, so corrections never add or drop words. Edge
// punctuation around a window is preserved. Windows that already equal
// their keyword (case-insensitively) are left untouched and recorded as no
// correction.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c.prepared.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	maxWords := c.prepared.MaxWords()
	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			lead, core, trail := splitEdgePunct(window)
			if core == "" {
				continue
			}

			keyword, conf, ok := c.matcher.MatchPrepared(core, c.prepared)
			if !ok {
				continue
			}
			// Only rewrite a window into a keyword with the same word
			// count. Expanding a lone "control" into "Mission Control"
			// would put words in the speaker's mouth, and collapsing
			// "to atlas" into "Atlas" would swallow one.
			if len(strings.Fields(keyword)) != n {
				continue
			}
			if strings.EqualFold(core, keyword) {
				// Already right; consume the window without rewriting.
				output = append(output, tokens[i:i+n]...)
				i += n
				matched = true
				break
			}

			output = append(output, strings.Fields(lead+keyword+trail)...)
			corrections = append(corrections, Correction{
				Original:   core,
				Corrected:  keyword,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// splitEdgePunct splits leading and trailing punctuation off a window so
// "Seraphina," can match the keyword and keep its comma.
func splitEdgePunct(s string) (lead, core, trail string) {
	afterLead := strings.TrimLeftFunc(s, unicode.IsPunct)
	lead = s[:len(s)-len(afterLead)]
	core = strings.TrimRightFunc(afterLead, unicode.IsPunct)
	trail = afterLead[len(core):]
	return lead, core, trail
}
