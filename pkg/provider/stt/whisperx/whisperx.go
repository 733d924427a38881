// Package whisperx provides an stt.Provider backed by a WhisperX-style
// streaming transcription server over WebSocket. It implements the
// stt.Provider interface.
//
// Protocol: the client opens a WebSocket, sends a "start" control message
// declaring the audio format and language, and waits for "ready" before
// accepting audio. Audio travels as binary frames; "finalize" and "close"
// control messages travel as text. The server replies with zero or more
// "partial" messages and exactly one "final" per utterance.
package whisperx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	defaultLanguage       = "en"
	defaultConnectTimeout = 2 * time.Second
	defaultDialRetries    = 3
	defaultBackoffBase    = 1 * time.Second
	defaultBackoffCap     = 10 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the whisperx Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent in the start message when the
// stream config leaves it empty (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithConnectTimeout bounds a single dial-and-handshake attempt. The
// handshake covers the WebSocket dial, the start message, and the server's
// ready reply. Defaults to 2 s.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.connectTimeout = d
	}
}

// WithDialRetries sets how many times StartStream retries a failed
// dial-and-handshake before giving up. Defaults to 3 (four attempts total).
func WithDialRetries(n int) Option {
	return func(p *Provider) {
		p.dialRetries = n
	}
}

// WithBackoffBase sets the delay before the first retry. Subsequent retries
// double the delay. Defaults to 1 s.
func WithBackoffBase(d time.Duration) Option {
	return func(p *Provider) {
		p.backoffBase = d
	}
}

// WithBackoffCap sets the upper bound on the retry delay. Defaults to 10 s.
func WithBackoffCap(d time.Duration) Option {
	return func(p *Provider) {
		p.backoffCap = d
	}
}

// Provider implements stt.Provider backed by a WhisperX streaming server.
type Provider struct {
	serverURL      string
	language       string
	connectTimeout time.Duration
	dialRetries    int
	backoffBase    time.Duration
	backoffCap     time.Duration
}

// New creates a new whisperx Provider that connects to the streaming server
// at serverURL (e.g., "ws://localhost:9090/ws"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisperx: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:      serverURL,
		language:       defaultLanguage,
		connectTimeout: defaultConnectTimeout,
		dialRetries:    defaultDialRetries,
		backoffBase:    defaultBackoffBase,
		backoffCap:     defaultBackoffCap,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session. Failed dial attempts
// are retried with exponential backoff (base doubling per attempt, capped)
// until the retry budget is exhausted, then the last error is reported
// wrapped in stt.ErrConnectFailed. The handshake completes before StartStream
// returns, so the handle accepts audio immediately.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var lastErr error
	backoff := p.backoffBase

	for attempt := 0; attempt <= p.dialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("whisperx: %w: %v", stt.ErrConnectFailed, ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, p.backoffCap)
		}

		sess, err := p.open(ctx, cfg)
		if err == nil {
			return sess, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("whisperx: %w after %d attempts: %v",
		stt.ErrConnectFailed, p.dialRetries+1, lastErr)
}

// open performs one dial-and-handshake attempt.
func (p *Provider) open(ctx context.Context, cfg stt.StreamConfig) (*session, error) {
	format := cfg.Format
	if format == "" {
		format = types.FormatPCM
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	hsCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, p.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whisperx: dial: %w", err)
	}

	start, _ := json.Marshal(clientMessage{
		Type:        "start",
		UserID:      cfg.UserID,
		AudioFormat: string(format),
		Language:    lang,
	})
	if err := conn.Write(hsCtx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("whisperx: send start: %w", err)
	}

	// The engine acknowledges the start message with "ready" before it
	// accepts audio. Anything else is a handshake failure.
	_, msg, err := conn.Read(hsCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("whisperx: await ready: %w", err)
	}
	var reply serverMessage
	if err := json.Unmarshal(msg, &reply); err != nil {
		conn.Close(websocket.StatusProtocolError, "unexpected handshake reply")
		return nil, fmt.Errorf("whisperx: parse handshake reply: %w", err)
	}
	switch reply.Type {
	case "ready":
	case "error":
		conn.Close(websocket.StatusNormalClosure, "engine rejected start")
		return nil, fmt.Errorf("whisperx: engine rejected start: %s", reply.Error)
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected handshake reply")
		return nil, fmt.Errorf("whisperx: unexpected handshake reply %q", reply.Type)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 1),
		out:      make(chan outMsg, 256),
		done:     make(chan struct{}),
	}

	// ctx bounds establishment only; callers routinely cancel it the moment
	// the handle is returned. The loops run until Close or a terminal
	// engine event.
	loopCtx := context.WithoutCancel(ctx)
	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)

	return sess, nil
}

// ---- wire messages ----

// clientMessage is the JSON structure for client→server control messages.
type clientMessage struct {
	Type        string `json:"type"`
	UserID      string `json:"userId,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	Language    string `json:"language,omitempty"`
}

// serverMessage is the JSON structure for server→client messages.
type serverMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// outMsg is one outbound WebSocket message. Finalize is queued on the same
// channel as audio so the engine observes it after every frame sent before it.
type outMsg struct {
	text bool
	data []byte
}

// ---- session ----

// session is a live whisperx streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	out      chan outMsg

	done         chan struct{}
	once         sync.Once
	finalizeOnce sync.Once
	wg           sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues one audio frame for delivery to the engine. It blocks when
// the outbound queue is full, providing backpressure against a slow engine.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("whisperx: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.out <- outMsg{data: chunk}:
		return nil
	case <-s.done:
		return fmt.Errorf("whisperx: %w", stt.ErrSessionClosed)
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel carrying the authoritative transcript.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Finalize queues the end-of-utterance control message behind all pending
// audio. The final transcript arrives on Finals. Idempotent.
func (s *session) Finalize(ctx context.Context) error {
	select {
	case <-s.done:
		return fmt.Errorf("whisperx: %w", stt.ErrSessionClosed)
	default:
	}

	var qErr error
	s.finalizeOnce.Do(func() {
		msg, _ := json.Marshal(clientMessage{Type: "finalize"})
		select {
		case s.out <- outMsg{text: true, data: msg}:
		case <-s.done:
			qErr = fmt.Errorf("whisperx: %w", stt.ErrSessionClosed)
		case <-ctx.Done():
			qErr = fmt.Errorf("whisperx: finalize: %w", ctx.Err())
		}
	})
	return qErr
}

// Err reports the terminal session error. Valid only after Finals has closed.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Tell the engine the session is over so it can release its decoder.
		msg, _ := json.Marshal(clientMessage{Type: "close"})
		_ = s.conn.Write(context.Background(), websocket.MessageText, msg)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// setErr records the first terminal error.
func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// writeLoop drains the outbound queue and writes messages to the engine in
// order.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case m, ok := <-s.out:
			if !ok {
				return
			}
			if err := s.write(ctx, m); err != nil {
				return
			}
		case <-s.done:
			// Flush queued messages before exiting.
			for {
				select {
				case m, ok := <-s.out:
					if !ok {
						return
					}
					_ = s.write(ctx, m)
				default:
					return
				}
			}
		}
	}
}

func (s *session) write(ctx context.Context, m outMsg) error {
	typ := websocket.MessageBinary
	if m.text {
		typ = websocket.MessageText
	}
	if err := s.conn.Write(ctx, typ, m.data); err != nil {
		select {
		case <-s.done:
		default:
			s.setErr(fmt.Errorf("whisperx: write: %w", err))
		}
		return err
	}
	return nil
}

// readLoop receives JSON messages from the engine and dispatches them to the
// partials and finals channels. It exits after the final — the stream is
// terminal for the utterance once the engine has committed.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Close in progress — clean shutdown.
			default:
				s.setErr(fmt.Errorf("whisperx: read: %w", err))
			}
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(msg, &sm); err != nil {
			continue
		}

		switch sm.Type {
		case "partial":
			select {
			case s.partials <- types.Transcript{Text: sm.Text}:
			case <-s.done:
				return
			}
		case "final":
			select {
			case s.finals <- types.Transcript{Text: sm.Text, IsFinal: true}:
			case <-s.done:
			}
			return
		case "error":
			s.setErr(fmt.Errorf("whisperx: engine error: %s", sm.Error))
			return
		}
	}
}

// Compile-time assertion that session satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*session)(nil)
