// Package openai implements llm.Provider backed by the OpenAI Chat
// Completions API, or any hosted endpoint speaking the same SSE protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/types"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second

	// healthTimeout bounds the health probe independently of the completion
	// timeout so readiness checks never hang on a slow model host.
	healthTimeout = 3 * time.Second

	// chunkBuffer is the buffer depth of the returned chunk channel. It
	// absorbs burstiness between the SSE reader and the consumer without
	// holding a whole response in memory.
	chunkBuffer = 32
)

// ---- options ----

// Option is a functional option for configuring an OpenAI Provider.
type Option func(*Provider)

// WithBaseURL points the provider at an alternative OpenAI-compatible
// endpoint (an API gateway, a proxy, or a compatible hosted service).
// Defaults to the public OpenAI API.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(p *Provider) {
		p.organization = org
	}
}

// WithTimeout sets the HTTP timeout for completion requests. The timeout
// covers the whole exchange including the streamed body, so it must exceed
// the generation time of the longest expected response. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// ---- Provider ----

// Provider implements llm.Provider against a hosted Chat Completions
// endpoint. It is safe for concurrent use; multiple streams may run in
// parallel.
type Provider struct {
	client       oai.Client
	httpClient   *http.Client
	model        string
	apiKey       string
	baseURL      string
	organization string
	timeout      time.Duration
}

// New constructs an OpenAI Provider for the given model. apiKey and model
// must be non-empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	p := &Provider{
		model:   model,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithRequestTimeout(p.timeout),
	}
	if p.organization != "" {
		clientOpts = append(clientOpts, option.WithOrganization(p.organization))
	}
	p.client = oai.NewClient(clientOpts...)
	p.httpClient = &http.Client{Timeout: p.timeout}
	return p, nil
}

// ---- StreamCompletion ----

// StreamCompletion opens an SSE completion stream and bridges it onto a
// chunk channel. Failures before the stream is established are returned as
// the error; failures mid-stream surface as a terminal chunk with
// FinishReason [llm.FinishError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 && req.SystemPrompt == "" {
		return nil, errors.New("openai: completion request has no messages")
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: open completion stream: %w", err)
	}

	out := make(chan llm.Chunk, chunkBuffer)
	go func() {
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			c := llm.Chunk{Text: choice.Delta.Content}
			if choice.FinishReason != "" {
				c.FinishReason = mapFinishReason(choice.FinishReason)
			}
			if c.Text == "" && c.FinishReason == "" {
				continue
			}
			if !send(ctx, out, c) {
				return
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			send(ctx, out, llm.Chunk{
				FinishReason: llm.FinishError,
				Err:          fmt.Errorf("openai: completion stream: %w", err),
			})
		}
	}()
	return out, nil
}

// buildParams converts a CompletionRequest into Chat Completions params. A
// zero Temperature or MaxTokens leaves the model default in effect.
func (p *Provider) buildParams(req llm.CompletionRequest) oai.ChatCompletionNewParams {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msgs = append(msgs, convertMessage(m))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}

// convertMessage maps a conversation message onto the SDK's message union.
// Speaker names are attached to user messages so multi-speaker sessions stay
// distinguishable in the prompt.
func convertMessage(m types.Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content)
	case types.RoleAssistant:
		return oai.AssistantMessage(m.Content)
	default:
		msg := oai.UserMessage(m.Content)
		if m.Name != "" && msg.OfUser != nil {
			msg.OfUser.Name = oai.String(m.Name)
		}
		return msg
	}
}

// mapFinishReason normalises the wire finish_reason onto the package
// constants; unknown values pass through unchanged.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	default:
		return reason
	}
}

// send delivers one chunk, honouring cancellation. Returns false when the
// bridge must stop.
func send(ctx context.Context, out chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---- Health ----

// Health probes GET /models with a short timeout. A 200 maps to StatusOK, an
// unreachable endpoint or a 5xx to StatusDown, and anything else (expired
// key, rate limiting) to StatusDegraded.
func (p *Provider) Health(ctx context.Context) llm.Status {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return llm.StatusDown
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.organization != "" {
		req.Header.Set("OpenAI-Organization", p.organization)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llm.StatusDown
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))

	switch {
	case resp.StatusCode == http.StatusOK:
		return llm.StatusOK
	case resp.StatusCode >= http.StatusInternalServerError:
		return llm.StatusDown
	default:
		return llm.StatusDegraded
	}
}
