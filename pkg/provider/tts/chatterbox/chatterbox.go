// Package chatterbox provides a TTS provider backed by a Chatterbox TTS
// server. It implements the tts.Provider interface.
//
// Synthesis is performed via a form-encoded POST /tts whose response body is
// a streaming audio file; the provider reads the body progressively and
// emits audio chunks as they arrive rather than waiting for the full file.
// In the default WAV response format the RIFF header is stripped and raw
// 16-bit PCM is emitted, optionally resampled to a configured output rate.
// Other formats (mp3, flac) are passed through byte-for-byte.
//
// Typical usage:
//
//	p, err := chatterbox.New("http://localhost:4123",
//	    chatterbox.WithOutputSampleRate(48000),
//	    chatterbox.WithStreamingStrategy(chatterbox.StrategySentence),
//	)
//	st, err := p.Synthesize(ctx, "Hello there.", voice)
//	for chunk := range st.Chunks() { ... }
//	if err := st.Err(); err != nil { ... }
package chatterbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	ttsEndpoint    = "/tts"
	healthEndpoint = "/health"

	defaultTimeout = 30 * time.Second
	defaultFormat  = "wav"

	// healthTimeout bounds the health probe independently of the synthesis
	// timeout so readiness checks never hang on a stuck engine.
	healthTimeout = 3 * time.Second

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// readBufSize is the read granularity on the streaming response body.
	readBufSize = 8192

	// errBodyLimit caps how much of a non-200 response body is read for the
	// error message.
	errBodyLimit = 2048
)

// ---- Strategy / Quality ----

// Strategy selects how the engine chunks its streamed synthesis internally.
type Strategy string

const (
	StrategySentence  Strategy = "sentence"
	StrategyParagraph Strategy = "paragraph"
	StrategyWord      Strategy = "word"
	StrategyFixed     Strategy = "fixed"
)

// Quality selects the engine's latency/fidelity trade-off for streamed
// synthesis.
type Quality string

const (
	QualityFast     Quality = "fast"
	QualityBalanced Quality = "balanced"
	QualityHigh     Quality = "high"
)

// ---- options ----

// Option is a functional option for configuring a Chatterbox Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP timeout for synthesis requests. The timeout
// covers the whole exchange including the streamed body, so it must exceed
// the synthesis duration of the longest expected unit. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithResponseFormat sets the requested audio container: "wav" (default),
// "mp3" or "flac". Only WAV responses are header-stripped and resampled;
// other formats are emitted as received.
func WithResponseFormat(format string) Option {
	return func(p *Provider) {
		p.responseFormat = format
	}
}

// WithOutputSampleRate configures the provider to resample synthesised mono
// PCM to the given sample rate (e.g., 48000 for voice-channel playback).
// When set to 0 (default), PCM is emitted at the engine's native rate.
// Has no effect on non-WAV response formats.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// WithStreamingStrategy sets the engine-side chunking strategy sent as the
// streaming_strategy form field. When unset the field is omitted and the
// engine uses its default.
func WithStreamingStrategy(s Strategy) Option {
	return func(p *Provider) {
		p.strategy = s
	}
}

// WithStreamingQuality sets the streaming_quality form field. When unset the
// field is omitted.
func WithStreamingQuality(q Quality) Option {
	return func(p *Provider) {
		p.quality = q
	}
}

// WithStreamingChunkSize sets the streaming_chunk_size form field. When 0
// (default) the field is omitted.
func WithStreamingChunkSize(n int) Option {
	return func(p *Provider) {
		p.chunkSize = n
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a Chatterbox TTS server. It is
// safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL      string
	responseFormat string
	outputRate     int // target sample rate; 0 = no resampling
	strategy       Strategy
	quality        Quality
	chunkSize      int
	httpClient     *http.Client
}

// New creates a Chatterbox Provider targeting the server at serverURL
// (e.g., "http://localhost:4123"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("chatterbox: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:      strings.TrimRight(serverURL, "/"),
		responseFormat: defaultFormat,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- Synthesize ----

// Synthesize issues one form-encoded POST /tts and returns a stream over the
// progressively-read response body. Zero-valued tuning fields on voice
// (speed, temperature, exaggeration, cfg weight) are omitted from the form
// so the engine applies its own defaults.
//
// A non-200 response aborts the call; 4xx responses wrap [tts.ErrBadRequest]
// to mark the unit as non-retryable.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Stream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("chatterbox: empty input text: %w", tts.ErrBadRequest)
	}

	form := url.Values{}
	form.Set("input", text)
	form.Set("response_format", p.responseFormat)
	if voice.ID != "" {
		form.Set("voice", voice.ID)
	}
	if voice.Speed > 0 {
		form.Set("speed", formatFloat(voice.Speed))
	}
	if voice.Temperature > 0 {
		form.Set("temperature", formatFloat(voice.Temperature))
	}
	if voice.Exaggeration > 0 {
		form.Set("exaggeration", formatFloat(voice.Exaggeration))
	}
	if voice.CFGWeight > 0 {
		form.Set("cfg_weight", formatFloat(voice.CFGWeight))
	}
	if p.chunkSize > 0 {
		form.Set("streaming_chunk_size", strconv.Itoa(p.chunkSize))
	}
	if p.strategy != "" {
		form.Set("streaming_strategy", string(p.strategy))
	}
	if p.quality != "" {
		form.Set("streaming_quality", string(p.quality))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("chatterbox: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", acceptFor(p.responseFormat))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatterbox: POST %s: %w", ttsEndpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("chatterbox: POST %s status %d%s: %w", ttsEndpoint, resp.StatusCode, detail, tts.ErrBadRequest)
		}
		return nil, fmt.Errorf("chatterbox: POST %s status %d%s", ttsEndpoint, resp.StatusCode, detail)
	}

	st := &stream{
		chunks:     make(chan []byte, audioChanBuf),
		stripWAV:   p.responseFormat == defaultFormat,
		outputRate: p.outputRate,
	}
	go st.run(ctx, resp.Body)
	return st, nil
}

// ---- Health ----

// Health probes GET /health with a short timeout. A 200 maps to StatusOK,
// 503 or an unreachable server to StatusDown, and any other reply to
// StatusDegraded.
func (p *Provider) Health(ctx context.Context) tts.Status {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, p.serverURL+healthEndpoint, nil)
	if err != nil {
		return tts.StatusDown
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.StatusDown
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, errBodyLimit))

	switch resp.StatusCode {
	case http.StatusOK:
		return tts.StatusOK
	case http.StatusServiceUnavailable:
		return tts.StatusDown
	default:
		return tts.StatusDegraded
	}
}

// ---- stream ----

// stream implements tts.Stream over a progressively-read HTTP response body.
type stream struct {
	chunks     chan []byte
	stripWAV   bool
	outputRate int

	errMu sync.Mutex
	err   error
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// run reads the response body until EOF, error, or ctx cancellation. In WAV
// mode it accumulates bytes until the RIFF data chunk is located, then emits
// header-stripped PCM; chunks are kept sample-aligned by carrying an odd
// trailing byte into the next emission.
func (s *stream) run(ctx context.Context, body io.ReadCloser) {
	defer close(s.chunks)
	defer body.Close()

	var (
		buf     = make([]byte, readBufSize)
		header  []byte // accumulates until the data chunk is found
		info    audio.WAVInfo
		haveHdr bool
		carry   = make([]byte, 0, 1)
	)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := buf[:n]
			if s.stripWAV {
				if !haveHdr {
					header = append(header, data...)
					parsed, perr := audio.ParseWAVHeader(header)
					if errors.Is(perr, audio.ErrWAVIncomplete) {
						data = nil
					} else if perr != nil {
						s.setErr(fmt.Errorf("chatterbox: %w", perr))
						return
					} else {
						info, haveHdr = parsed, true
						data = header[info.DataOffset:]
						header = nil
					}
				}
				if len(data) > 0 {
					pcm := make([]byte, 0, len(carry)+len(data))
					pcm = append(pcm, carry...)
					pcm = append(pcm, data...)
					carry = carry[:0]
					if len(pcm)%2 != 0 {
						carry = append(carry, pcm[len(pcm)-1])
						pcm = pcm[:len(pcm)-1]
					}
					if len(pcm) > 0 {
						if s.outputRate > 0 && info.SampleRate > 0 && info.SampleRate != s.outputRate && info.Channels == 1 {
							pcm = audio.ResampleMono16(pcm, info.SampleRate, s.outputRate)
						}
						if !s.emit(ctx, pcm) {
							return
						}
					}
				}
			} else {
				out := make([]byte, n)
				copy(out, data)
				if !s.emit(ctx, out) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.setErr(fmt.Errorf("chatterbox: read audio stream: %w", err))
			} else if s.stripWAV && !haveHdr {
				s.setErr(errors.New("chatterbox: response ended before WAV data chunk"))
			}
			return
		}
	}
}

// emit sends one owned chunk, honouring cancellation. Returns false when the
// stream must stop.
func (s *stream) emit(ctx context.Context, chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return false
	}
}

// ---- helpers ----

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// acceptFor maps a response_format value to its Accept header media type.
func acceptFor(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "flac":
		return "audio/flac"
	default:
		return "audio/*"
	}
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

var _ tts.Stream = (*stream)(nil)
