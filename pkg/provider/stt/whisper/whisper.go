// Package whisper provides an in-process stt.Provider backed by the
// whisper.cpp CGO bindings, eliminating network transport entirely. The model
// is loaded once at startup and shared across all sessions.
//
// whisper.cpp is a batch engine and cannot emit true low-latency partials.
// A session buffers incoming PCM until Finalize, then runs one inference and
// delivers the result as the final transcript. This keeps the provider slot
// usable in deployments without a streaming STT server, trading first-token
// latency for zero infrastructure.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/types"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// maxBufferSeconds caps the buffered utterance audio. The state machine's
	// max-utterance timer finalizes long before this; the cap is a hard stop
	// against a caller that never finalizes.
	maxBufferSeconds = 60
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code used when the stream config leaves it
// empty (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements stt.Provider using the whisper.cpp Go bindings. The
// model is shared; each session creates its own inference context, so
// multiple sessions can run concurrently without interference.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New creates a Provider that loads the whisper.cpp model from the given file
// path. The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. The returned handle accepts
// 16-bit little-endian mono PCM immediately; no network handshake is
// involved. Opus input is not supported — callers decode to PCM first.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.Format == types.FormatOpus {
		return nil, errors.New("whisper: opus input is not supported, decode to pcm first")
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	s := &session{
		model:      p.model,
		language:   lang,
		sampleRate: sr,

		audioCh:    make(chan []byte, 256),
		partials:   make(chan types.Transcript),
		finals:     make(chan types.Transcript, 1),
		finalizeCh: make(chan struct{}),
		done:       make(chan struct{}),
	}

	// ctx bounds establishment only; the session runs until Close.
	s.wg.Add(1)
	go s.processLoop()

	return s, nil
}

// ---- session ------------------------------------------------------------

// session is a live in-process transcription session. It implements
// stt.SessionHandle. All buffering state is confined to the processLoop
// goroutine.
type session struct {
	// immutable configuration (set once in StartStream)
	model      whisperlib.Model
	language   string
	sampleRate int

	// channels for audio input and transcript output
	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	// lifecycle
	finalizeCh   chan struct{}
	done         chan struct{}
	once         sync.Once
	finalizeOnce sync.Once
	wg           sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a chunk of raw 16-bit little-endian mono PCM for
// buffering.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	}
}

// Partials returns the interim transcript channel. whisper.cpp is a batch
// engine, so no partials are ever emitted; the channel closes with the
// session.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel carrying the authoritative transcript.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Finalize triggers inference over the buffered audio. The transcript arrives
// on Finals. Idempotent.
func (s *session) Finalize(_ context.Context) error {
	select {
	case <-s.done:
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	default:
	}
	s.finalizeOnce.Do(func() {
		close(s.finalizeCh)
	})
	return nil
}

// Err reports the terminal session error. Valid only after Finals has closed.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session and releases its resources.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// processLoop is the single goroutine responsible for audio buffering and
// inference dispatch.
func (s *session) processLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var buffer []byte
	maxBufferBytes := maxBufferSeconds * s.sampleRate * 2

	for {
		select {
		case <-s.done:
			return

		case chunk := <-s.audioCh:
			buffer = append(buffer, chunk...)
			if len(buffer) > maxBufferBytes {
				buffer = buffer[len(buffer)-maxBufferBytes:]
			}

		case <-s.finalizeCh:
			// Frames queued before Finalize still count toward the final.
			drained := false
			for !drained {
				select {
				case chunk := <-s.audioCh:
					buffer = append(buffer, chunk...)
				default:
					drained = true
				}
			}

			tr, err := s.transcribe(buffer)
			if err != nil {
				s.setErr(err)
				return
			}
			select {
			case s.finals <- tr:
			case <-s.done:
			}
			return
		}
	}
}

// transcribe runs whisper.cpp inference over the buffered PCM and builds the
// final transcript. An empty buffer yields an empty final without touching
// the model.
func (s *session) transcribe(pcm []byte) (types.Transcript, error) {
	if len(pcm) == 0 {
		return types.Transcript{IsFinal: true}, nil
	}
	dur := time.Duration(len(pcm)/2) * time.Second / time.Duration(s.sampleRate)

	samples := pcmToFloat32(pcm)

	// Each whisper context is single-use and not thread-safe; the model
	// itself is shareable.
	wctx, err := s.model.NewContext()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", s.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return types.Transcript{
		Text:     strings.Join(parts, " "),
		IsFinal:  true,
		Duration: dur,
	}, nil
}

// Compile-time assertion that session satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*session)(nil)
