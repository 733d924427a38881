// Command voxgate is the main entry point for the VoxGate voice
// conversation gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/voxgate/voxgate/internal/app"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/provider/embeddings"
	ollamaembed "github.com/voxgate/voxgate/pkg/provider/embeddings/ollama"
	oaembed "github.com/voxgate/voxgate/pkg/provider/embeddings/openai"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/llm/anyllm"
	oallm "github.com/voxgate/voxgate/pkg/provider/llm/openai"
	"github.com/voxgate/voxgate/pkg/provider/llm/webhook"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/stt/whisper"
	"github.com/voxgate/voxgate/pkg/provider/stt/whisperx"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/tts/chatterbox"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// The level var is shared with the app so a reloaded log_level applies.
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first, so provider construction is already instrumented.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "error", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLogLevel(logLevel),
		app.WithConfigWatch(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ---- Provider wiring ----

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ---- LLM ----

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not a key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// anyllm fans out to whichever backend the "backend" option names
	// (anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile, ...).
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := optString(entry.Options, "backend")
		if backend == "" {
			return nil, errors.New(`anyllm provider requires options.backend`)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	reg.RegisterLLM("webhook", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []webhook.Option
		if entry.APIKey != "" {
			opts = append(opts, webhook.WithHeader("Authorization", "Bearer "+entry.APIKey))
		}
		if d := optDuration(entry.Options, "timeout_ms"); d > 0 {
			opts = append(opts, webhook.WithTimeout(d))
		}
		return webhook.New(entry.BaseURL, opts...)
	})

	// ---- STT ----

	reg.RegisterSTT("whisperx", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisperx.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperx.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "connect_timeout_ms"); d > 0 {
			opts = append(opts, whisperx.WithConnectTimeout(d))
		}
		if n := optInt(entry.Options, "dial_retries"); n > 0 {
			opts = append(opts, whisperx.WithDialRetries(n))
		}
		return whisperx.New(entry.BaseURL, opts...)
	})

	// whisper runs the model in-process through the native bindings.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ---- TTS ----

	reg.RegisterTTS("chatterbox", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []chatterbox.Option
		if f := optString(entry.Options, "response_format"); f != "" {
			opts = append(opts, chatterbox.WithResponseFormat(f))
		}
		if rate := optInt(entry.Options, "output_sample_rate"); rate > 0 {
			opts = append(opts, chatterbox.WithOutputSampleRate(rate))
		}
		if s := optString(entry.Options, "streaming_strategy"); s != "" {
			opts = append(opts, chatterbox.WithStreamingStrategy(chatterbox.Strategy(s)))
		}
		if q := optString(entry.Options, "streaming_quality"); q != "" {
			opts = append(opts, chatterbox.WithStreamingQuality(chatterbox.Quality(q)))
		}
		if n := optInt(entry.Options, "streaming_chunk_size"); n > 0 {
			opts = append(opts, chatterbox.WithStreamingChunkSize(n))
		}
		if d := optDuration(entry.Options, "timeout_ms"); d > 0 {
			opts = append(opts, chatterbox.WithTimeout(d))
		}
		return chatterbox.New(entry.BaseURL, opts...)
	})

	// ---- Embeddings ----

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ---- VAD ----

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []vad.EnergyOption
		if n := optInt(entry.Options, "attack_frames"); n > 0 {
			opts = append(opts, vad.WithAttackFrames(n))
		}
		if n := optInt(entry.Options, "hangover_frames"); n > 0 {
			opts = append(opts, vad.WithHangoverFrames(n))
		}
		return vad.NewEnergyEngine(opts...), nil
	})
}

// buildProviders instantiates every provider named in cfg using the registry
// and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{LLMs: make(map[string]llm.Provider)}

	for _, slot := range []struct {
		name  config.LLMSelector
		entry config.ProviderEntry
	}{
		{config.LLMHosted, cfg.Providers.LLM.Hosted},
		{config.LLMLocal, cfg.Providers.LLM.Local},
		{config.LLMWebhook, cfg.Providers.LLM.Webhook},
	} {
		if slot.entry.Name == "" {
			continue
		}
		p, err := reg.CreateLLM(slot.entry)
		if err != nil {
			return nil, fmt.Errorf("create llm slot %q (%s): %w", slot.name, slot.entry.Name, err)
		}
		ps.LLMs[string(slot.name)] = p
		slog.Info("provider created", "kind", "llm", "slot", slot.name, "name", slot.entry.Name, "model", slot.entry.Model)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, nil
}

// ---- Startup summary ----

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         VoxGate — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM hosted", cfg.Providers.LLM.Hosted.Name, cfg.Providers.LLM.Hosted.Model)
	printProvider("LLM local", cfg.Providers.LLM.Local.Name, cfg.Providers.LLM.Local.Model)
	printProvider("LLM webhook", cfg.Providers.LLM.Webhook.Name, "")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	if cfg.Chat.Token != "" {
		fmt.Printf("║  Chat ingress    : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Chat ingress    : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Agents          : %-19d ║\n", len(cfg.Agents))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ---- Helpers ----

// optString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration reads a millisecond count from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	return time.Duration(optInt(opts, key)) * time.Millisecond
}
