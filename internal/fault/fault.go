// Package fault classifies errors crossing the voice pipeline so callers can
// pick a recovery strategy without inspecting error strings. A classification
// travels with the error chain via errors.As, and each terminal class maps to
// a short spoken line suitable for synthesis.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota

	// KindTransientNetwork marks a retryable transport failure: a dropped
	// STT stream, an LLM transport error before the first chunk, a failed
	// TTS request. Recovered locally with backoff.
	KindTransientNetwork

	// KindTerminalNetwork marks a transport failure after retries are
	// exhausted. The turn ends with a brief spoken apology.
	KindTerminalNetwork

	// KindBadInput marks an empty or filtered transcription. The turn is
	// short-circuited with no user-visible output.
	KindBadInput

	// KindProtocol marks a malformed external message. Terminal for the
	// turn and logged with its correlation id.
	KindProtocol

	// KindResource marks capacity exhaustion, such as no free STT or TTS
	// slot. The turn is shed.
	KindResource

	// KindProgrammer marks a recovered panic. Terminal for the session,
	// never for the process.
	KindProgrammer
)

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindTerminalNetwork:
		return "terminal_network"
	case KindBadInput:
		return "bad_input"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindProgrammer:
		return "programmer"
	default:
		return "unknown"
	}
}

// Error pairs an underlying error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err. A nil err stays nil so call sites can wrap
// unconditionally.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf classifies a freshly formatted error. The format string supports %w.
func Wrapf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification carried by err's chain, or KindUnknown.
// When an error has been reclassified by an outer layer, the outermost
// classification wins.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// Apology returns the short spoken line played to the user when a turn fails
// with the given kind. Lines carry no technical detail. KindBadInput returns
// the empty string: filtered input produces no response at all.
func Apology(kind Kind) string {
	switch kind {
	case KindTransientNetwork, KindTerminalNetwork:
		return "Sorry, I'm having trouble connecting right now. Please try again in a moment."
	case KindResource:
		return "Sorry, I'm a little overloaded right now. Please try again shortly."
	case KindProgrammer:
		return "Sorry, something unexpected went wrong on my end."
	case KindBadInput:
		return ""
	default:
		return "Sorry, something went wrong."
	}
}
