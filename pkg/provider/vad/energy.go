package vad

import (
	"fmt"
	"math"
	"sync"

	"github.com/voxgate/voxgate/pkg/types"
)

// Default debounce windows for the energy gate, in frames. With 20 ms frames
// the defaults require 40 ms of sustained energy to open the gate and 200 ms
// of sustained quiet to close it, which rides out plosives and short gaps
// between words.
const (
	defaultAttackFrames   = 2
	defaultHangoverFrames = 10
)

// EnergyOption is a functional option for configuring an EnergyEngine.
type EnergyOption func(*EnergyEngine)

// WithAttackFrames sets how many consecutive frames must exceed the speech
// threshold before a segment opens.
func WithAttackFrames(n int) EnergyOption {
	return func(e *EnergyEngine) {
		e.attackFrames = n
	}
}

// WithHangoverFrames sets how many consecutive frames must fall below the
// silence threshold before an open segment closes.
func WithHangoverFrames(n int) EnergyOption {
	return func(e *EnergyEngine) {
		e.hangoverFrames = n
	}
}

// EnergyEngine implements Engine with a normalised RMS energy gate. It has
// no model dependencies and is cheap enough to run per-frame on every
// inbound stream. Thresholds are interpreted against the RMS amplitude of
// the frame normalised to [0.0, 1.0], where 1.0 is a full-scale square
// wave; conversational speech typically lands between 0.02 and 0.3.
type EnergyEngine struct {
	attackFrames   int
	hangoverFrames int
}

// NewEnergyEngine creates an energy-gate VAD engine.
func NewEnergyEngine(opts ...EnergyOption) *EnergyEngine {
	e := &EnergyEngine{
		attackFrames:   defaultAttackFrames,
		hangoverFrames: defaultHangoverFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements Engine.
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("vad: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", cfg.SilenceThreshold)
	}
	return &energySession{
		cfg:            cfg,
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		attackFrames:   e.attackFrames,
		hangoverFrames: e.hangoverFrames,
	}, nil
}

// energySession holds the gate state for one audio stream.
type energySession struct {
	cfg            Config
	frameBytes     int
	attackFrames   int
	hangoverFrames int

	mu       sync.Mutex
	speaking bool
	attack   int
	hangover int
	closed   bool
}

// ProcessFrame implements SessionHandle. The returned event's Probability
// carries the frame's normalised RMS so callers can log or tune thresholds.
func (s *energySession) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("vad: frame is %d bytes, want %d (%d ms at %d Hz)",
			len(frame), s.frameBytes, s.cfg.FrameSizeMs, s.cfg.SampleRate)
	}

	rms := normalizedRMS(frame)
	ev := types.VADEvent{Probability: rms}

	if s.speaking {
		if rms < s.cfg.SilenceThreshold {
			s.hangover++
			if s.hangover >= s.hangoverFrames {
				s.speaking = false
				s.hangover = 0
				ev.Type = types.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.hangover = 0
		}
		ev.Type = types.VADSpeechContinue
		return ev, nil
	}

	if rms >= s.cfg.SpeechThreshold {
		s.attack++
		if s.attack >= s.attackFrames {
			s.speaking = true
			s.attack = 0
			ev.Type = types.VADSpeechStart
			return ev, nil
		}
	} else {
		s.attack = 0
	}
	ev.Type = types.VADSilence
	return ev, nil
}

// Reset implements SessionHandle.
func (s *energySession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.attack = 0
	s.hangover = 0
}

// Close implements SessionHandle.
func (s *energySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// normalizedRMS computes the root-mean-square amplitude of a little-endian
// 16-bit PCM frame, scaled to [0.0, 1.0].
func normalizedRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8))
		sum += sample * sample
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// Compile-time interface assertions.
var (
	_ Engine        = (*EnergyEngine)(nil)
	_ SessionHandle = (*energySession)(nil)
)
