package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Pinger is the slice of the conversation store the readiness probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck probes the conversation store with a ping.
func StoreCheck(store Pinger) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}

// LLMCheck probes an LLM backend. A degraded backend keeps the gateway
// ready; only an unreachable one fails the probe.
func LLMCheck(name string, p llm.Provider) Checker {
	return Checker{
		Name: "llm/" + name,
		Check: func(ctx context.Context) error {
			switch p.Health(ctx) {
			case llm.StatusDown:
				return errors.New("backend unreachable")
			case llm.StatusDegraded:
				return ErrDegraded
			}
			return nil
		},
	}
}

// TTSCheck probes the speech synthesis engine.
func TTSCheck(name string, p tts.Provider) Checker {
	return Checker{
		Name: "tts/" + name,
		Check: func(ctx context.Context) error {
			switch p.Health(ctx) {
			case tts.StatusDown:
				return errors.New("engine unreachable")
			case tts.StatusDegraded:
				return ErrDegraded
			}
			return nil
		},
	}
}
