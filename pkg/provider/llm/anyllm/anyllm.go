// Package anyllm implements llm.Provider on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider client. It is
// the variant of choice for locally hosted models (Ollama, llama.cpp,
// llamafile) and also reaches hosted backends (OpenAI, Anthropic, Gemini,
// DeepSeek, Mistral, Groq) through one code path.
//
// Usage:
//
//	p, err := anyllm.NewOllama("llama3.2")
//	p, err := anyllm.New("groq", "llama-3.3-70b-versatile", anyllm.WithAPIKey("gsk_..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

const (
	healthTimeout = 3 * time.Second
	chunkBuffer   = 32
)

// ---- options ----

// Option is a functional option for configuring a Provider.
type Option func(*settings)

type settings struct {
	apiKey  string
	baseURL string
}

// WithAPIKey sets the backend API key. Without it the backend falls back to
// its conventional environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// and so on).
func WithAPIKey(key string) Option {
	return func(s *settings) {
		s.apiKey = key
	}
}

// WithBaseURL overrides the backend endpoint, e.g. a non-default Ollama host
// or an OpenAI-compatible proxy. Local backends have built-in defaults.
func WithBaseURL(baseURL string) Option {
	return func(s *settings) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// ---- Provider ----

// Provider implements llm.Provider by delegating to an any-llm-go backend.
// It is safe for concurrent use.
type Provider struct {
	backend    anyllmlib.Provider
	model      string
	probeURL   string // "" when the backend has no probeable endpoint
	httpClient *http.Client
}

// New creates a Provider backed by the named any-llm-go backend.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// backend-specific model name (e.g. "llama3.2", "gpt-4o").
func New(providerName, model string, opts ...Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}

	var libOpts []anyllmlib.Option
	if s.apiKey != "" {
		libOpts = append(libOpts, anyllmlib.WithAPIKey(s.apiKey))
	}
	if s.baseURL != "" {
		libOpts = append(libOpts, anyllmlib.WithBaseURL(s.baseURL))
	}

	backend, err := createBackend(providerName, libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	probeURL := s.baseURL
	if probeURL == "" {
		probeURL = defaultProbeURL(providerName)
	}

	return &Provider{
		backend:    backend,
		model:      model,
		probeURL:   probeURL,
		httpClient: &http.Client{Timeout: healthTimeout},
	}, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
func NewOpenAI(model string, opts ...Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Provider backed by Anthropic.
func NewAnthropic(model string, opts ...Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Provider backed by Google Gemini.
func NewGemini(model string, opts ...Option) (*Provider, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Provider backed by a local Ollama server. Without
// options it connects to http://localhost:11434.
func NewOllama(model string, opts ...Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewDeepSeek creates a Provider backed by DeepSeek.
func NewDeepSeek(model string, opts ...Option) (*Provider, error) {
	return New("deepseek", model, opts...)
}

// NewMistral creates a Provider backed by Mistral AI.
func NewMistral(model string, opts ...Option) (*Provider, error) {
	return New("mistral", model, opts...)
}

// NewGroq creates a Provider backed by Groq.
func NewGroq(model string, opts ...Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options it connects to http://127.0.0.1:8080.
func NewLlamaCpp(model string, opts ...Option) (*Provider, error) {
	return New("llamacpp", model, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
func NewLlamaFile(model string, opts ...Option) (*Provider, error) {
	return New("llamafile", model, opts...)
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// defaultProbeURL returns the conventional local endpoint for backends that
// run on this host. Hosted backends return "" and are not probed.
func defaultProbeURL(providerName string) string {
	switch strings.ToLower(providerName) {
	case "ollama":
		return "http://localhost:11434"
	case "llamacpp", "llamafile":
		return "http://127.0.0.1:8080"
	default:
		return ""
	}
}

// ---- StreamCompletion ----

// StreamCompletion bridges the backend's chunk/error channel pair onto a
// single chunk channel. Backend errors reported after streaming began
// surface as a terminal chunk with FinishReason [llm.FinishError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 && req.SystemPrompt == "" {
		return nil, errors.New("anyllm: completion request has no messages")
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.buildParams(req))

	out := make(chan llm.Chunk, chunkBuffer)
	go func() {
		defer close(out)

		for chunk := range backendChunks {
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
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}

		// The error channel resolves once the chunk channel is drained.
		if err := <-backendErrs; err != nil && !errors.Is(err, context.Canceled) {
			select {
			case out <- llm.Chunk{
				FinishReason: llm.FinishError,
				Err:          fmt.Errorf("anyllm: completion stream: %w", err),
			}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// buildParams converts a CompletionRequest into any-llm-go params. Zero
// Temperature or MaxTokens leave the backend defaults in effect.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

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

// ---- Health ----

// Health probes the backend's base URL when one is known (local backends and
// explicit WithBaseURL configurations). Hosted backends without a probeable
// endpoint report StatusOK and rely on completion-time failures instead.
func (p *Provider) Health(ctx context.Context) llm.Status {
	if p.probeURL == "" {
		return llm.StatusOK
	}

	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return llm.StatusDown
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llm.StatusDown
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))

	if resp.StatusCode >= http.StatusInternalServerError {
		return llm.StatusDegraded
	}
	return llm.StatusOK
}
