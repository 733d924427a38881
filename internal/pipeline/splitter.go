package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/voxgate/voxgate/internal/config"
)

// Splitter accumulates streamed LLM text and cuts it into synthesizable units
// according to a [config.ChunkStrategy]. Push returns the units completed by
// the new text; the trailing incomplete fragment stays buffered until the next
// Push or a final Flush.
//
// The minimum length applies to every strategy: a boundary that would produce
// a unit shorter than minLength is ignored so the fragment merges with the
// following text. This keeps one-word sentences like "Sure." from reaching the
// synthesis engine as their own request.
//
// Splitter is not safe for concurrent use; each response gets its own.
type Splitter struct {
	strategy  config.ChunkStrategy
	minLength int
	buf       strings.Builder
}

// NewSplitter creates a Splitter for the given strategy. A minLength below 1
// is raised to 1.
func NewSplitter(strategy config.ChunkStrategy, minLength int) *Splitter {
	if minLength < 1 {
		minLength = 1
	}
	return &Splitter{strategy: strategy, minLength: minLength}
}

// Push appends text to the buffer and returns all complete units it now
// contains, in order. Returns nil when no boundary has been reached yet.
func (s *Splitter) Push(text string) []string {
	if text == "" {
		return nil
	}
	s.buf.WriteString(text)

	var units []string
	for {
		pending := s.buf.String()
		end := s.nextBoundary(pending)
		if end < 0 {
			break
		}
		unit := strings.TrimSpace(pending[:end])
		rest := strings.TrimLeft(pending[end:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(rest)
		if unit != "" {
			units = append(units, unit)
		}
	}
	return units
}

// Flush returns the trailing fragment as a final unit, or "" when the buffer
// holds only whitespace. The buffer is empty afterwards.
func (s *Splitter) Flush() string {
	out := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return out
}

// Pending returns the current buffered fragment without consuming it.
func (s *Splitter) Pending() string {
	return s.buf.String()
}

// nextBoundary returns the end index (exclusive) of the first complete unit in
// text, or -1 when the buffered text contains no boundary yet. A boundary that
// would yield a unit shorter than the minimum length is skipped.
func (s *Splitter) nextBoundary(text string) int {
	switch s.strategy {
	case config.ChunkClause:
		return s.punctBoundary(text, isClauseEnd)
	case config.ChunkParagraph:
		return s.paragraphBoundary(text)
	case config.ChunkWord:
		return s.wordBoundary(text)
	case config.ChunkFixed:
		return s.fixedBoundary(text)
	default: // sentence
		return s.punctBoundary(text, isSentenceEnd)
	}
}

// punctBoundary finds the first terminator accepted by isEnd that is followed
// by whitespace. The terminator itself belongs to the unit. Whether the text
// ends mid-sentence cannot be known while the stream is live, so a terminator
// at the very end of the buffer does not count — Flush picks it up.
func (s *Splitter) punctBoundary(text string, isEnd func(byte) bool) int {
	for i := 0; i < len(text)-1; i++ {
		if isEnd(text[i]) && isSpaceByte(text[i+1]) && i+1 >= s.minLength {
			return i + 1
		}
	}
	return -1
}

// paragraphBoundary cuts at a blank line.
func (s *Splitter) paragraphBoundary(text string) int {
	from := 0
	for {
		idx := strings.Index(text[from:], "\n\n")
		if idx < 0 {
			return -1
		}
		end := from + idx
		if end >= s.minLength {
			return end
		}
		from = end + 2
	}
}

// wordBoundary cuts at the first whitespace run past the minimum length, so
// short words merge into one unit instead of producing per-syllable requests.
func (s *Splitter) wordBoundary(text string) int {
	for i, r := range text {
		if unicode.IsSpace(r) && i >= s.minLength {
			return i
		}
	}
	return -1
}

// fixedBoundary cuts every minLength runes. Rune-based so multi-byte
// characters are never torn apart.
func (s *Splitter) fixedBoundary(text string) int {
	seen := 0
	for i := range text {
		if seen == s.minLength {
			return i
		}
		seen++
	}
	if utf8.RuneCountInString(text) >= s.minLength {
		return len(text)
	}
	return -1
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isClauseEnd(b byte) bool {
	return isSentenceEnd(b) || b == ',' || b == ';' || b == ':'
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}
