package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "ollama", "anyllm", "webhook"},
	"stt":        {"whisperx", "whisper"},
	"tts":        {"chatterbox"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
}

// Pipeline defaults and bounds.
const (
	DefaultSilenceThresholdMs = 600
	DefaultMaxUtteranceMs     = 45000
	DefaultMinChunkLength     = 10
	DefaultMaxConcurrentTTS   = 3

	MinChunkLengthFloor   = 5
	MinChunkLengthCeil    = 200
	MaxConcurrentTTSFloor = 1
	MaxConcurrentTTSCeil  = 8
)

// Store defaults.
const (
	DefaultEmbeddingDimensions = 1536
	DefaultContextCacheTTLMs   = 900000
	DefaultContextMaxTokens    = 2048
	DefaultRecallTopK          = 3
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides fills secret-bearing fields from the environment when the
// YAML leaves them empty, so credentials can stay out of config files.
func applyEnvOverrides(cfg *Config) {
	if cfg.Chat.Token == "" {
		cfg.Chat.Token = os.Getenv("VOXGATE_CHAT_TOKEN")
	}
	if cfg.Store.PostgresDSN == "" {
		cfg.Store.PostgresDSN = os.Getenv("VOXGATE_POSTGRES_DSN")
	}
	if cfg.Providers.LLM.Hosted.APIKey == "" {
		cfg.Providers.LLM.Hosted.APIKey = os.Getenv("VOXGATE_LLM_API_KEY")
	}
	if cfg.Providers.Embeddings.APIKey == "" {
		cfg.Providers.Embeddings.APIKey = os.Getenv("VOXGATE_EMBEDDINGS_API_KEY")
	}
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Exported so tests and programmatically built configs get the same values
// the loader produces.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	p := &cfg.Pipeline
	if p.SilenceThresholdMs == 0 {
		p.SilenceThresholdMs = DefaultSilenceThresholdMs
	}
	if p.MaxUtteranceMs == 0 {
		p.MaxUtteranceMs = DefaultMaxUtteranceMs
	}
	if p.ChunkingStrategy == "" {
		p.ChunkingStrategy = ChunkSentence
	}
	if p.MinChunkLength == 0 {
		p.MinChunkLength = DefaultMinChunkLength
	}
	if p.MaxConcurrentTTS == 0 {
		p.MaxConcurrentTTS = DefaultMaxConcurrentTTS
	}
	if p.ErrorStrategy == "" {
		p.ErrorStrategy = ErrorSkip
	}
	if p.InterruptionStrategy == "" {
		p.InterruptionStrategy = InterruptGraceful
	}
	if p.Language == "" {
		p.Language = "en"
	}

	s := &cfg.Store
	if s.EmbeddingDimensions == 0 {
		s.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if s.ContextCacheTTLMs == 0 {
		s.ContextCacheTTLMs = DefaultContextCacheTTLMs
	}
	if s.ContextMaxTokens == 0 {
		s.ContextMaxTokens = DefaultContextMaxTokens
	}
	if s.RecallTopK == 0 {
		s.RecallTopK = DefaultRecallTopK
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Provider == "" {
			a.Provider = LLMHosted
		}
		if a.Language == "" {
			a.Language = p.Language
		}
		if a.Voice.Language == "" {
			a.Voice.Language = a.Language
		}
	}

	if cfg.Chat.Agent == "" && len(cfg.Agents) > 0 {
		cfg.Chat.Agent = cfg.Agents[0].Name
	}
	if cfg.Gateway.DefaultAgent == "" && len(cfg.Agents) > 0 {
		cfg.Gateway.DefaultAgent = cfg.Agents[0].Name
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Hosted.Name)
	validateProviderName("llm", cfg.Providers.LLM.Local.Name)
	validateProviderName("llm", cfg.Providers.LLM.Webhook.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if fb := cfg.Providers.LLM.Fallback; fb != "" {
		if !fb.IsValid() {
			errs = append(errs, fmt.Errorf("providers.llm.fallback %q is invalid; valid values: hosted, local, webhook", fb))
		} else if entry, _ := cfg.Providers.LLM.Slot(fb); entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm.fallback %q names a slot with no provider configured", fb))
		}
	}

	// Pipeline bounds.
	p := cfg.Pipeline
	if p.SilenceThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.silence_threshold_ms %d must not be negative", p.SilenceThresholdMs))
	}
	if p.MaxUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_utterance_ms %d must not be negative", p.MaxUtteranceMs))
	}
	if p.ChunkingStrategy != "" && !p.ChunkingStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.streaming_chunking_strategy %q is invalid; valid values: sentence, paragraph, clause, word, fixed", p.ChunkingStrategy))
	}
	if p.MinChunkLength != 0 && (p.MinChunkLength < MinChunkLengthFloor || p.MinChunkLength > MinChunkLengthCeil) {
		errs = append(errs, fmt.Errorf("pipeline.min_chunk_length %d is out of range [%d, %d]", p.MinChunkLength, MinChunkLengthFloor, MinChunkLengthCeil))
	}
	if p.MaxConcurrentTTS != 0 && (p.MaxConcurrentTTS < MaxConcurrentTTSFloor || p.MaxConcurrentTTS > MaxConcurrentTTSCeil) {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_tts %d is out of range [%d, %d]", p.MaxConcurrentTTS, MaxConcurrentTTSFloor, MaxConcurrentTTSCeil))
	}
	if p.ErrorStrategy != "" && !p.ErrorStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.error_strategy %q is invalid; valid values: skip, retry, fallback", p.ErrorStrategy))
	}
	if p.InterruptionStrategy != "" && !p.InterruptionStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.interruption_strategy %q is invalid; valid values: immediate, graceful, drain", p.InterruptionStrategy))
	}

	// Store availability warnings.
	if cfg.Store.PostgresDSN == "" && len(cfg.Agents) > 0 {
		slog.Warn("store.postgres_dsn is empty; conversations will not be persisted")
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Store.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but store.embedding_dimensions is not set; defaulting to 1536")
	}

	// Agent duplicate name detection.
	agentNamesSeen := make(map[string]int, len(cfg.Agents))

	// Agents.
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := agentNamesSeen[agent.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, agent.Name, prev))
			}
			agentNamesSeen[agent.Name] = i
		}
		if agent.Provider != "" && !agent.Provider.IsValid() {
			errs = append(errs, fmt.Errorf("%s.provider %q is invalid; valid values: hosted, local, webhook", prefix, agent.Provider))
		}
		if agent.Provider.IsValid() {
			entry, _ := cfg.Providers.LLM.Slot(agent.Provider)
			if entry.Name == "" {
				errs = append(errs, fmt.Errorf("%s: provider slot %q has no provider configured under providers.llm.%s", prefix, agent.Provider, agent.Provider))
			}
			// A webhook speaks whatever model sits behind it; every other slot
			// needs a model from the agent or the slot default.
			if agent.Provider != LLMWebhook && agent.Model == "" && entry.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model is required: slot %q configures no default model", prefix, agent.Provider))
			}
		}
		if agent.Temperature < 0 || agent.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, agent.Temperature))
		}
		if agent.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens %d must not be negative", prefix, agent.MaxTokens))
		}

		v := agent.Voice
		if v.Speed != 0 && (v.Speed < 0.5 || v.Speed > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed %.2f is out of range [0.5, 2.0]", prefix, v.Speed))
		}
		if v.Temperature != 0 && (v.Temperature < 0.05 || v.Temperature > 5.0) {
			errs = append(errs, fmt.Errorf("%s.voice.temperature %.2f is out of range [0.05, 5.0]", prefix, v.Temperature))
		}
		if v.Exaggeration != 0 && (v.Exaggeration < 0.25 || v.Exaggeration > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.exaggeration %.2f is out of range [0.25, 2.0]", prefix, v.Exaggeration))
		}
		if v.CFGWeight < 0 || v.CFGWeight > 1.0 {
			errs = append(errs, fmt.Errorf("%s.voice.cfg_weight %.2f is out of range [0.0, 1.0]", prefix, v.CFGWeight))
		}
	}

	// Chat ingress.
	if cfg.Chat.Token != "" {
		if cfg.Chat.ChannelID == "" {
			errs = append(errs, errors.New("chat.channel_id is required when chat.token is set"))
		}
		if cfg.Chat.GuildID == "" {
			errs = append(errs, errors.New("chat.guild_id is required when chat.token is set"))
		}
		if cfg.Chat.Agent != "" {
			if _, ok := agentNamesSeen[cfg.Chat.Agent]; !ok {
				errs = append(errs, fmt.Errorf("chat.agent %q does not name a configured agent", cfg.Chat.Agent))
			}
		}
	}

	// Gateway.
	if cfg.Gateway.DefaultAgent != "" {
		if _, ok := agentNamesSeen[cfg.Gateway.DefaultAgent]; !ok {
			errs = append(errs, fmt.Errorf("gateway.default_agent %q does not name a configured agent", cfg.Gateway.DefaultAgent))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
