// Package gateway exposes the browser voice endpoint: one WebSocket per
// conversation carrying microphone audio upstream and transcripts, response
// text, and synthesized speech back down.
//
// The wire protocol is asymmetric. The client sends binary frames of
// streaming-Opus container chunks (a recorder timeslice each) and small JSON
// control messages; the server sends JSON events for every stage of the turn
// plus binary frames of synthesized audio. The connection is the microphone
// session, not the utterance: it persists across turns and closes on client
// disconnect, idle timeout, or an explicit close control.
//
// A plain disconnect detaches the live wiring but leaves the stored
// conversation active, so a page reload resumes where the user left off.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/fault"
	"github.com/voxgate/voxgate/internal/pipeline"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/utterance"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/opus"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	// defaultIdleTimeout closes connections that send nothing at all. The
	// timer resets on every inbound frame, so an open microphone never trips
	// it.
	defaultIdleTimeout = 5 * time.Minute

	// writeTimeout bounds a single WebSocket write. A client that cannot
	// drain synthesized audio this long is gone.
	writeTimeout = 10 * time.Second

	// sendBuffer is the outbound frame queue depth. Audio producers block
	// when it fills; events are dropped instead, so a slow reader degrades
	// to late captions rather than a stalled pipeline.
	sendBuffer = 64

	// endTimeout bounds the store write that closes a conversation after a
	// close control.
	endTimeout = 5 * time.Second
)

// errConnClosed aborts playback into a connection that is tearing down.
var errConnClosed = errors.New("gateway: connection closed")

// Config carries the gateway's dependencies.
type Config struct {
	// Supervisor owns session lifecycles. Required.
	Supervisor *session.Supervisor

	// NewDecoder builds the per-connection audio decoder. Defaults to a
	// streaming-Opus container decoder converting to the STT input format.
	NewDecoder func() (audio.Decoder, error)

	// IdleTimeout overrides [defaultIdleTimeout].
	IdleTimeout time.Duration

	// OriginPatterns whitelists browser origins for the WebSocket handshake,
	// e.g. "app.example.com". Empty allows same-origin only.
	OriginPatterns []string
}

// Gateway accepts browser voice connections and bridges them to sessions.
type Gateway struct {
	sup        *session.Supervisor
	newDecoder func() (audio.Decoder, error)
	idle       time.Duration
	origins    []string
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		sup:        cfg.Supervisor,
		newDecoder: cfg.NewDecoder,
		idle:       cfg.IdleTimeout,
		origins:    cfg.OriginPatterns,
	}
	if g.newDecoder == nil {
		g.newDecoder = func() (audio.Decoder, error) {
			dec, err := opus.NewContainerDecoder()
			if err != nil {
				return nil, err
			}
			return audio.ConvertTo(dec, audio.STT16kMono), nil
		}
	}
	if g.idle <= 0 {
		g.idle = defaultIdleTimeout
	}
	return g
}

// Register adds the voice WebSocket route to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/voice", g.ServeVoice)
}

// ServeVoice upgrades the request and serves the connection until it closes.
// Query parameters: user_id identifies the speaker (required); session_id is
// an optional client-chosen correlation id echoed into logs.
func (g *Gateway) ServeVoice(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.origins,
	})
	if err != nil {
		slog.Warn("websocket handshake failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	log := slog.With("user_id", userID)
	if cid := r.URL.Query().Get("session_id"); cid != "" {
		log = log.With("correlation_id", cid)
	}

	// The connection context outlives the upgrade request; teardown is
	// driven by the read loop, the write loop, or the idle timer.
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		gw:     g,
		ws:     ws,
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outFrame, sendBuffer),
		log:    log,
	}

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	log.Info("voice connection opened", "remote", r.RemoteAddr)
	status, reason := c.readLoop()

	if c.sess != nil && !c.ended {
		if err := g.sup.Detach(c.sess.ID()); err != nil && !errors.Is(err, session.ErrNotAttached) {
			log.Warn("detach on disconnect failed", "error", err)
		}
	}
	cancel()
	<-writerDone
	ws.Close(status, reason)
	log.Info("voice connection closed", "reason", reason)
}

// outFrame is one queued WebSocket write.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// conn is one live browser connection. The read loop alone touches sess and
// ended; everything else reaches the socket through the out queue, keeping a
// single writer on the wire.
type conn struct {
	gw     *Gateway
	ws     *websocket.Conn
	userID string
	agent  string

	ctx    context.Context
	cancel context.CancelFunc
	out    chan outFrame
	log    *slog.Logger

	sess  *session.Session
	ended bool
}

// The connection itself is the playback sink: synthesized audio is queued
// behind any pending events and written by the same single writer.
var _ pipeline.Sink = (*conn)(nil)

// readLoop consumes inbound frames until the connection ends, returning the
// close status to complete the handshake with.
func (c *conn) readLoop() (websocket.StatusCode, string) {
	for {
		rctx, cancel := context.WithTimeout(c.ctx, c.gw.idle)
		typ, data, err := c.ws.Read(rctx)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				c.log.Info("closing idle connection")
				return websocket.StatusGoingAway, "idle timeout"
			}
			return websocket.StatusNormalClosure, ""
		}

		var (
			status websocket.StatusCode
			reason string
			done   bool
		)
		switch typ {
		case websocket.MessageBinary:
			status, reason, done = c.handleAudio(data)
		case websocket.MessageText:
			status, reason, done = c.handleControl(data)
		}
		if done {
			return status, reason
		}
	}
}

// handleAudio feeds one microphone chunk to the session, attaching lazily so
// a client may start talking without a session_init.
func (c *conn) handleAudio(frame []byte) (websocket.StatusCode, string, bool) {
	if len(frame) == 0 {
		return 0, "", false
	}
	if c.sess == nil {
		if err := c.ensureSession(); err != nil {
			c.log.Error("session attach failed", "error", err)
			c.sendEvent(event{Type: evtServiceError, Error: publicError(err)})
			return websocket.StatusInternalError, "session unavailable", true
		}
	}
	c.sess.PushAudio(c.userID, frame)
	return 0, "", false
}

// handleControl dispatches one JSON control message.
func (c *conn) handleControl(data []byte) (websocket.StatusCode, string, bool) {
	var ctl control
	if err := json.Unmarshal(data, &ctl); err != nil {
		c.log.Debug("malformed control frame", "error", err)
		c.sendEvent(event{Type: evtServiceError, Error: "malformed control message"})
		return 0, "", false
	}

	switch ctl.Type {
	case ctlSessionInit:
		if c.sess != nil {
			if ctl.Agent != "" && ctl.Agent != c.sess.AgentName() {
				c.sendEvent(event{Type: evtServiceError,
					Error: "session already started with agent " + c.sess.AgentName()})
			}
			return 0, "", false
		}
		c.agent = ctl.Agent
		if err := c.ensureSession(); err != nil {
			c.log.Error("session attach failed", "error", err, "agent", ctl.Agent)
			c.sendEvent(event{Type: evtServiceError, Error: publicError(err)})
			return websocket.StatusInternalError, "session unavailable", true
		}

	case ctlStopMic:
		if c.sess != nil {
			c.sess.Finalize(c.userID)
		}

	case ctlClose:
		c.endSession()
		return websocket.StatusNormalClosure, "goodbye", true

	default:
		c.log.Debug("ignoring unknown control type", "type", ctl.Type)
	}
	return 0, "", false
}

// ensureSession attaches this connection to its conversation, building a
// fresh decoder so each connection parses its own container header.
func (c *conn) ensureSession() error {
	dec, err := c.gw.newDecoder()
	if err != nil {
		return fault.Wrapf(fault.KindProgrammer, "create decoder: %w", err)
	}

	sess, err := c.gw.sup.Attach(c.ctx, session.AttachRequest{
		UserID:         c.userID,
		Agent:          c.agent,
		Ingress:        types.IngressBrowser,
		Sink:           c,
		Decoder:        dec,
		Format:         types.FormatPCM,
		SampleRate:     dec.Format().SampleRate,
		Hooks:          c.captureHooks(),
		Events:         c.turnEvents(),
		PlaybackEvents: c.playbackEvents(),
	})
	if err != nil {
		return err
	}
	c.sess = sess
	c.log.Info("conversation attached",
		"session_id", sess.ID(), "agent", sess.AgentName())
	return nil
}

// endSession closes the stored conversation for good. Used by the close
// control; plain disconnects detach instead, leaving the conversation
// resumable.
func (c *conn) endSession() {
	if c.sess == nil || c.ended {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), endTimeout)
	defer cancel()
	if err := c.gw.sup.End(ctx, c.sess.ID()); err != nil {
		c.log.Warn("ending conversation failed", "error", err)
		return
	}
	c.ended = true
}

// captureHooks maps utterance notifications to client events. These run on
// the session's machine goroutine; sendEvent never blocks it.
func (c *conn) captureHooks() utterance.Hooks {
	return utterance.Hooks{
		OnPartial: func(t types.Transcript) {
			c.sendEvent(event{Type: evtPartialTranscript, Text: t.Text})
		},
		OnFinal: func(t types.Transcript) {
			c.sendEvent(event{Type: evtFinalTranscript, Text: t.Text, Confidence: t.Confidence})
		},
		OnStopListening: func() {
			c.sendEvent(event{Type: evtStopListening})
		},
		OnError: func(err error) {
			c.sendEvent(event{Type: evtServiceError, Error: publicError(err)})
		},
	}
}

// turnEvents maps response-turn notifications to client events.
func (c *conn) turnEvents() session.Events {
	return session.Events{
		OnResponseChunk: func(text string) {
			c.sendEvent(event{Type: evtResponseChunk, Text: text})
		},
		OnResponseComplete: func(text string, interrupted bool) {
			c.sendEvent(event{Type: evtResponseComplete, Text: text, Interrupted: interrupted})
		},
		OnTurnError: func(err error) {
			c.sendEvent(event{Type: evtServiceError, Error: publicError(err)})
		},
	}
}

// playbackEvents maps synthesis lifecycle notifications to client events.
// tts_start is queued by the same goroutine that will queue the first audio
// frame, so the client always sees it before any audio bytes.
func (c *conn) playbackEvents() pipeline.Events {
	return pipeline.Events{
		PlaybackStarted: func(context.Context) {
			c.sendEvent(event{Type: evtBotSpeaking, Speaking: boolPtr(true)})
			c.sendEvent(event{Type: evtTTSStart})
		},
		PlaybackFinished: func(_ context.Context, interrupted bool) {
			c.sendEvent(event{Type: evtTTSComplete, Interrupted: interrupted})
			c.sendEvent(event{Type: evtBotSpeaking, Speaking: boolPtr(false)})
		},
		UnitSkipped: func(_ context.Context, text string, err error) {
			c.log.Warn("response unit skipped", "error", err, "text_len", len(text))
			c.sendEvent(event{Type: evtServiceError,
				Error: "part of the response could not be synthesized"})
		},
	}
}

// Play implements [pipeline.Sink]: synthesized audio goes out as binary
// frames, blocking for backpressure rather than dropping.
func (c *conn) Play(ctx context.Context, audio []byte) error {
	select {
	case c.out <- outFrame{typ: websocket.MessageBinary, data: audio}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errConnClosed
	}
}

// sendEvent queues one JSON event, dropping it when the client cannot keep
// up. Audio is the payload that matters; captions arriving late are worse
// than captions missing.
func (c *conn) sendEvent(ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	select {
	case c.out <- outFrame{typ: websocket.MessageText, data: data}:
	case <-c.ctx.Done():
	default:
		c.log.Debug("dropping event, send queue full", "type", ev.Type)
	}
}

// writeLoop is the only goroutine writing to the socket. A write failure
// cancels the connection; teardown flushes what is already queued so an
// explanatory service_error is not lost to the race with the close frame.
func (c *conn) writeLoop(done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Debug("websocket write failed", "error", err)
				}
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// flush makes a best effort to deliver frames queued before teardown began.
func (c *conn) flush() {
	for {
		select {
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// publicError maps an internal error to the user-safe wording carried by
// service_error events. Technical detail stays in the logs.
func publicError(err error) string {
	if msg := fault.Apology(fault.KindOf(err)); msg != "" {
		return msg
	}
	return "the request could not be completed"
}

func boolPtr(b bool) *bool { return &b }
