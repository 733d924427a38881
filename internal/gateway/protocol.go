package gateway

// Control message types accepted from the client as text frames.
const (
	// ctlSessionInit starts the conversation explicitly, optionally naming
	// the agent. Without it the first audio frame attaches with the default
	// agent.
	ctlSessionInit = "session_init"

	// ctlStopMic ends the current utterance without waiting for silence,
	// e.g. when the user releases a push-to-talk control.
	ctlStopMic = "stop_mic"

	// ctlClose ends the stored conversation and closes the connection. A
	// plain disconnect, by contrast, leaves the conversation resumable.
	ctlClose = "close"
)

// Event types emitted to the client as text frames. Synthesized audio
// travels separately as binary frames.
const (
	evtPartialTranscript = "partial_transcript"
	evtFinalTranscript   = "final_transcript"
	evtResponseChunk     = "ai_response_chunk"
	evtResponseComplete  = "ai_response_complete"
	evtTTSStart          = "tts_start"
	evtTTSComplete       = "tts_complete"
	evtServiceError      = "service_error"
	evtStopListening     = "stop_listening"
	evtBotSpeaking       = "bot_speaking_state_changed"
)

// control is the envelope for inbound text frames.
type control struct {
	Type string `json:"type"`

	// Agent optionally names the agent to converse with. Only read on
	// session_init, and only before the session has attached.
	Agent string `json:"agent,omitempty"`
}

// event is the envelope for outbound text frames. Fields beyond Type are
// populated per event type and omitted otherwise.
type event struct {
	Type string `json:"type"`

	// Text carries transcript or response content.
	Text string `json:"text,omitempty"`

	// Confidence accompanies final_transcript when the engine reports one.
	Confidence float64 `json:"confidence,omitempty"`

	// Interrupted marks an ai_response_complete or tts_complete cut short
	// by barge-in.
	Interrupted bool `json:"interrupted,omitempty"`

	// Speaking carries the bot_speaking_state_changed payload.
	Speaking *bool `json:"speaking,omitempty"`

	// Error carries the user-safe service_error description.
	Error string `json:"error,omitempty"`
}
