package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	storemock "github.com/voxgate/voxgate/pkg/convstore/mock"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

func reloadFixture(t *testing.T) (*App, *storemock.Store, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Agents: []config.AgentConfig{
			{Name: "concierge", SystemPrompt: "Be helpful.", Provider: config.LLMHosted, Model: "gpt-4o-mini"},
			{Name: "porter", SystemPrompt: "Carry bags.", Provider: config.LLMHosted, Model: "gpt-4o-mini"},
		},
	}
	config.ApplyDefaults(cfg)

	store := &storemock.Store{}
	a, err := New(context.Background(), cfg, &Providers{
		STT:  &sttmock.Provider{},
		TTS:  &ttsmock.Provider{},
		LLMs: map[string]llm.Provider{"hosted": &llmmock.Provider{}},
	}, WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, store, cfg
}

func cloneConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Agents = append([]config.AgentConfig(nil), cfg.Agents...)
	return &out
}

func TestReloadDeactivatesRemovedAgent(t *testing.T) {
	a, store, cfg := reloadFixture(t)

	next := cloneConfig(cfg)
	next.Agents = next.Agents[:1] // drop "porter"
	a.applyReload(cfg, next)

	agent, err := store.GetAgentByName(context.Background(), "porter")
	if err != nil {
		t.Fatalf("removed agent gone from store: %v", err)
	}
	if agent.Active {
		t.Error("removed agent still active")
	}
	kept, err := store.GetAgentByName(context.Background(), "concierge")
	if err != nil || !kept.Active {
		t.Errorf("kept agent: %+v, err %v", kept, err)
	}
}

func TestReloadReseedsChangedAgent(t *testing.T) {
	a, store, cfg := reloadFixture(t)

	next := cloneConfig(cfg)
	next.Agents[0].SystemPrompt = "Be extremely helpful."
	a.applyReload(cfg, next)

	agent, err := store.GetAgentByName(context.Background(), "concierge")
	if err != nil {
		t.Fatalf("GetAgentByName: %v", err)
	}
	if agent.SystemPrompt != "Be extremely helpful." {
		t.Errorf("prompt after reload: %q", agent.SystemPrompt)
	}
}

func TestReloadAppliesLogLevel(t *testing.T) {
	a, _, cfg := reloadFixture(t)
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	a.logLevel = lv

	next := cloneConfig(cfg)
	next.Server.LogLevel = config.LogDebug
	a.applyReload(cfg, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level after reload: %v", lv.Level())
	}
}

func TestReloadAppliesPipelineTuning(t *testing.T) {
	a, _, cfg := reloadFixture(t)

	next := cloneConfig(cfg)
	next.Pipeline.SilenceThresholdMs = cfg.Pipeline.SilenceThresholdMs + 200
	// Must not panic or touch live sessions; new attaches pick it up.
	a.applyReload(cfg, next)
}
