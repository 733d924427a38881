// Package webhook implements llm.Provider against a bespoke conversation
// webhook. Unlike the OpenAI-style variants the webhook owns its own
// conversation state: each request carries only the latest user utterance,
// and the service replies with streamed response text.
//
// The wire contract is one JSON POST per turn:
//
//	{"text": "...", "userId": "...", "timestamp": "...", "useStreaming": true}
//
// The response is either Server-Sent Events (data: lines terminated by a
// "[DONE]" sentinel) or a plain chunked body, distinguished by Content-Type.
// An optional X-TTS-Options response header carries per-response voice
// parameter overrides, surfaced on the first chunk via [llm.Chunk.Voice].
package webhook

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/types"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

const (
	defaultTimeout = 60 * time.Second
	healthTimeout  = 3 * time.Second

	// ttsOptionsHeader carries JSON voice overrides for this response.
	ttsOptionsHeader = "X-TTS-Options"

	// doneSentinel terminates an SSE response.
	doneSentinel = "[DONE]"

	chunkBuffer = 32

	// readBufSize is the read granularity on plain (non-SSE) response bodies.
	readBufSize = 4096

	// errBodyLimit caps how much of a non-200 response body is read for the
	// error message.
	errBodyLimit = 2048
)

// ---- options ----

// Option is a functional option for configuring a webhook Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP timeout for completion requests. The timeout
// covers the whole exchange including the streamed body. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHeader adds a static header to every request, e.g. an authorization
// token for the webhook service.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		p.headers[key] = value
	}
}

// ---- Provider ----

// Provider implements llm.Provider against a conversation webhook. It is
// safe for concurrent use.
type Provider struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// New creates a webhook Provider posting to the given URL. url must be
// non-empty.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("webhook: url must not be empty")
	}
	p := &Provider{
		url:     url,
		headers: map[string]string{},
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- StreamCompletion ----

// webhookRequest is the JSON body posted per conversational turn.
type webhookRequest struct {
	Text         string `json:"text"`
	UserID       string `json:"userId"`
	Timestamp    string `json:"timestamp"`
	UseStreaming bool   `json:"useStreaming"`
}

// StreamCompletion posts the latest user utterance and streams the response
// body back as chunks. The webhook manages conversation history itself, so
// only the trailing user message of req.Messages is transmitted; system
// prompt and history are ignored.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	text := lastUserText(req.Messages)
	if text == "" {
		return nil, errors.New("webhook: completion request has no user message")
	}

	body, err := json.Marshal(webhookRequest{
		Text:         text,
		UserID:       req.UserID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		UseStreaming: true,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, text/plain")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook: POST %s: %w", p.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("webhook: POST %s status %d%s", p.url, resp.StatusCode, detail)
	}

	voice := parseTTSOptions(resp.Header.Get(ttsOptionsHeader))

	out := make(chan llm.Chunk, chunkBuffer)
	contentType := resp.Header.Get("Content-Type")
	go func() {
		defer close(out)
		defer resp.Body.Close()

		e := &emitter{ctx: ctx, out: out, voice: voice}
		if strings.HasPrefix(contentType, "text/event-stream") {
			e.runSSE(resp.Body)
		} else {
			e.runPlain(resp.Body)
		}
	}()
	return out, nil
}

// lastUserText returns the content of the most recent user-role message, or
// "" when there is none.
func lastUserText(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// parseTTSOptions decodes the X-TTS-Options header into a voice profile.
// An absent or malformed header returns nil; the overrides are advisory.
func parseTTSOptions(header string) *types.VoiceProfile {
	if header == "" {
		return nil
	}
	var opts struct {
		Voice        string  `json:"voice"`
		Speed        float64 `json:"speed"`
		Temperature  float64 `json:"temperature"`
		Exaggeration float64 `json:"exaggeration"`
		CFGWeight    float64 `json:"cfg_weight"`
	}
	if err := json.Unmarshal([]byte(header), &opts); err != nil {
		return nil
	}
	return &types.VoiceProfile{
		ID:           opts.Voice,
		Speed:        opts.Speed,
		Temperature:  opts.Temperature,
		Exaggeration: opts.Exaggeration,
		CFGWeight:    opts.CFGWeight,
	}
}

// ---- emitter ----

// emitter drives one response body onto the chunk channel, attaching the
// voice override to the first chunk only.
type emitter struct {
	ctx   context.Context
	out   chan<- llm.Chunk
	voice *types.VoiceProfile
	sent  bool
}

// emitText sends one text chunk. Returns false when the stream must stop.
func (e *emitter) emitText(text string) bool {
	if text == "" {
		return true
	}
	c := llm.Chunk{Text: text}
	if !e.sent {
		c.Voice = e.voice
		e.sent = true
	}
	return e.send(c)
}

func (e *emitter) send(c llm.Chunk) bool {
	select {
	case e.out <- c:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// runSSE consumes data: lines until the [DONE] sentinel or EOF. Consecutive
// data lines within one event are joined by newlines per the SSE format;
// other SSE fields (event:, id:, retry:) are skipped.
func (e *emitter) runSSE(body io.Reader) {
	var (
		sc    = bufio.NewScanner(body)
		event []string
	)
	sc.Buffer(make([]byte, 0, readBufSize), 1<<20)

	flush := func() bool {
		if len(event) == 0 {
			return true
		}
		text := strings.Join(event, "\n")
		event = event[:0]
		if text == doneSentinel {
			e.send(llm.Chunk{FinishReason: llm.FinishStop})
			return false
		}
		return e.emitText(text)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			event = append(event, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		e.send(llm.Chunk{
			FinishReason: llm.FinishError,
			Err:          fmt.Errorf("webhook: read event stream: %w", err),
		})
		return
	}
	// EOF without [DONE]: tolerate and treat the tail as a final event.
	if flush() {
		e.send(llm.Chunk{FinishReason: llm.FinishStop})
	}
}

// runPlain streams a chunked plain-text body through as-is.
func (e *emitter) runPlain(body io.Reader) {
	buf := make([]byte, readBufSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if !e.emitText(string(buf[:n])) {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				e.send(llm.Chunk{
					FinishReason: llm.FinishError,
					Err:          fmt.Errorf("webhook: read response body: %w", err),
				})
				return
			}
			e.send(llm.Chunk{FinishReason: llm.FinishStop})
			return
		}
	}
}

// ---- Health ----

// Health probes the endpoint with a HEAD request. Any response below 500
// counts as reachable (many webhook frameworks reject HEAD with 404 or 405),
// a 5xx maps to StatusDegraded, and a transport failure to StatusDown.
func (p *Provider) Health(ctx context.Context) llm.Status {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodHead, p.url, nil)
	if err != nil {
		return llm.StatusDown
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llm.StatusDown
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, errBodyLimit))

	if resp.StatusCode >= http.StatusInternalServerError {
		return llm.StatusDegraded
	}
	return llm.StatusOK
}

// readErrorBody extracts a short detail string from a non-200 response body
// for inclusion in the returned error. Returns "" when the body is empty.
func readErrorBody(body io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(body, errBodyLimit))
	if err != nil {
		return ""
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return ""
	}
	return ": " + msg
}
