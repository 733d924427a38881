package tts

import "errors"

// Status reports the availability of a TTS engine as observed by
// [Provider.Health].
type Status string

const (
	// StatusOK means the engine answered its health probe and is accepting
	// synthesis requests.
	StatusOK Status = "ok"

	// StatusDegraded means the engine is reachable but answered the probe
	// abnormally; synthesis may still work with elevated latency or errors.
	StatusDegraded Status = "degraded"

	// StatusDown means the engine is unreachable or reported itself
	// unavailable.
	StatusDown Status = "down"
)

// ErrBadRequest reports that the engine rejected the synthesis input itself
// (e.g. HTTP 4xx). It marks the failure as non-retryable: the identical unit
// would be rejected again. Match with errors.Is.
var ErrBadRequest = errors.New("tts: engine rejected input")
