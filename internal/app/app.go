// Package app wires all VoxGate subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the ingresses until the context is cancelled, and
// Shutdown tears everything down. Provider instances come from main.go via
// the config registry; for testing, inject a mock store with WithStore.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/convctx"
	"github.com/voxgate/voxgate/internal/discord"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/transcript"
	"github.com/voxgate/voxgate/pkg/convstore"
	"github.com/voxgate/voxgate/pkg/convstore/postgres"
	"github.com/voxgate/voxgate/pkg/provider/embeddings"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/types"
)

// Providers holds one interface value per provider slot. Nil means the slot
// is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider

	// LLMs maps slot names ("hosted", "local", "webhook") to backends.
	LLMs map[string]llm.Provider

	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store     convstore.Store
	cache     *convstore.Cache
	assembler *convctx.Assembler
	sup       *session.Supervisor
	gw        *gateway.Gateway
	bot       *discord.Bot
	srv       *http.Server

	// watchPath, when set, enables config hot reload in Run.
	watchPath string
	watcher   *config.Watcher
	logLevel  *slog.LevelVar

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of connecting to PostgreSQL.
func WithStore(s convstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch enables hot reload of the config file at path while the
// app runs. Pipeline knobs, the agent roster, the log level, and the context
// cache TTL apply without a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// WithLogLevel hands the app the level var backing the process logger, so a
// reloaded log_level takes effect.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App by wiring all subsystems together: store and context
// cache, agent roster, prompt assembler, transcript corrector, resilience
// wrappers, session supervisor, and the two ingresses. Initialisation is
// synchronous; after New returns, Run only has to serve.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.seedAgents(ctx, cfg.Agents); err != nil {
		return nil, fmt.Errorf("app: seed agents: %w", err)
	}
	a.initAssembler()
	a.initSupervisor()
	a.initGateway()
	if err := a.initChat(); err != nil {
		return nil, fmt.Errorf("app: init chat ingress: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// ---- Init helpers ----

// initStore connects the conversation store and layers the read-through
// context cache over it.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			return errors.New("store.postgres_dsn is required")
		}
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:                  dsn,
			EmbeddingDimensions:  a.cfg.Store.EmbeddingDimensions,
			DefaultContextTokens: a.cfg.Store.ContextMaxTokens,
		})
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	a.cache = convstore.NewCache(a.store, a.cfg.Store.ContextCacheTTL())
	return nil
}

// seedAgents upserts every configured agent so sessions can bind to them.
// Called again on hot reload for changed rosters.
func (a *App) seedAgents(ctx context.Context, agents []config.AgentConfig) error {
	for _, ac := range agents {
		stored, err := a.store.UpsertAgent(ctx, agentRecord(ac))
		if err != nil {
			return fmt.Errorf("upsert agent %q: %w", ac.Name, err)
		}
		slog.Info("agent seeded", "name", stored.Name, "provider", stored.Provider, "model", stored.Model)
	}
	return nil
}

// initAssembler builds the prompt assembler. Semantic recall is active only
// when an embeddings provider is configured and recall_top_k is positive.
func (a *App) initAssembler() {
	opts := []convctx.Option{
		convctx.WithHistoryBudget(a.cfg.Store.ContextMaxTokens),
	}
	if a.providers.Embeddings != nil && a.cfg.Store.RecallTopK > 0 {
		opts = append(opts,
			convctx.WithEmbedder(a.providers.Embeddings),
			convctx.WithRecallLimit(a.cfg.Store.RecallTopK),
		)
	}
	a.assembler = convctx.NewAssembler(a.cache, opts...)
}

// initSupervisor wires the session supervisor over the resilience wrappers.
func (a *App) initSupervisor() {
	var embedder embeddings.Provider
	if a.cfg.Store.RecallTopK > 0 {
		embedder = a.providers.Embeddings
	}

	var degraded tts.Provider
	if a.providers.TTS != nil {
		degraded = resilience.NewDegradedTTS(a.providers.TTS)
	}

	a.sup = session.NewSupervisor(session.SupervisorConfig{
		Store:        a.cache,
		Assembler:    a.assembler,
		STT:          a.providers.STT,
		TTS:          a.providers.TTS,
		LLMs:         a.wireLLMs(),
		VAD:          a.providers.VAD,
		Embedder:     embedder,
		DegradedTTS:  degraded,
		Corrector:    transcript.NewCorrector(agentNames(a.cfg.Agents)),
		Pipeline:     a.cfg.Pipeline,
		DefaultAgent: a.cfg.Gateway.DefaultAgent,
		Metrics:      a.metrics,
	})
	a.closers = append(a.closers, func() error {
		a.sup.Close()
		return nil
	})
}

// wireLLMs wraps each configured slot with turn-level failover to the
// fallback slot. With no fallback configured the slots pass through as-is.
func (a *App) wireLLMs() map[string]llm.Provider {
	slots := a.providers.LLMs
	fb := string(a.cfg.Providers.LLM.Fallback)
	fbProvider, ok := slots[fb]
	if fb == "" || !ok {
		return slots
	}

	wired := make(map[string]llm.Provider, len(slots))
	for name, p := range slots {
		if name == fb {
			wired[name] = p
			continue
		}
		wrap := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
		wrap.AddFallback(fb, fbProvider)
		wrap.OnFallback = func(ctx context.Context, provider string) {
			a.metrics.LLMFallbackUsed.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("provider", provider)))
		}
		wired[name] = wrap
	}
	return wired
}

func (a *App) initGateway() {
	a.gw = gateway.New(gateway.Config{
		Supervisor:     a.sup,
		OriginPatterns: a.cfg.Gateway.AllowedOrigins,
	})
}

// initChat creates the chat-platform bot when a token is configured. The
// voice channel is joined in Run.
func (a *App) initChat() error {
	if a.cfg.Chat.Token == "" {
		return nil
	}
	bot, err := discord.New(discord.Config{
		Token:     a.cfg.Chat.Token,
		GuildID:   a.cfg.Chat.GuildID,
		ChannelID: a.cfg.Chat.ChannelID,
		Agent:     a.cfg.Chat.Agent,
	}, a.sup)
	if err != nil {
		return err
	}
	a.bot = bot
	a.closers = append(a.closers, bot.Close)
	return nil
}

// initHTTP assembles the server mux: the voice WebSocket, health probes, and
// the Prometheus scrape endpoint, all behind the request metrics middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.gw.Register(mux)
	a.healthHandler().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// healthHandler builds readiness checkers for the store and every configured
// provider slot.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{health.StoreCheck(a.store)}
	for name, p := range a.providers.LLMs {
		checkers = append(checkers, health.LLMCheck("llm-"+name, p))
	}
	if a.providers.TTS != nil {
		checkers = append(checkers, health.TTSCheck("tts", a.providers.TTS))
	}
	return health.New(checkers...)
}

// ---- Run ----

// Run serves all ingresses and blocks until ctx is cancelled or a subsystem
// fails. When config watching is enabled, reloadable changes apply while
// running.
func (a *App) Run(ctx context.Context) error {
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.applyReload)
		if err != nil {
			return fmt.Errorf("app: start config watcher: %w", err)
		}
		a.watcher = w
		defer w.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", a.srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.srv.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutCtx)
	})

	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("chat ingress: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// applyReload applies the hot-reloadable delta between two config versions.
// Pipeline tuning reaches sessions attached after the change; live sessions
// keep the tuning they started with.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.sup.SetPipeline(d.NewPipeline)
		slog.Info("pipeline tuning reloaded",
			"silence_ms", d.NewPipeline.SilenceThresholdMs,
			"chunking", d.NewPipeline.ChunkingStrategy,
			"error_strategy", d.NewPipeline.ErrorStrategy,
		)
	}
	if d.CacheTTLChanged {
		a.cache.SetTTL(time.Duration(d.NewCacheTTLMs) * time.Millisecond)
		slog.Info("context cache ttl reloaded", "ttl_ms", d.NewCacheTTLMs)
	}
	if d.AgentsChanged {
		a.reloadAgents(d.AgentChanges, new)
	}
}

// reloadAgents applies roster changes: added and modified agents are
// re-seeded, removed agents are deactivated so existing sessions keep their
// bindings.
func (a *App) reloadAgents(changes []config.AgentDiff, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	byName := make(map[string]config.AgentConfig, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		byName[ac.Name] = ac
	}

	for _, ch := range changes {
		if ch.Removed {
			agent, err := a.store.GetAgentByName(ctx, ch.Name)
			if err != nil {
				slog.Warn("deactivate removed agent", "name", ch.Name, "error", err)
				continue
			}
			agent.Active = false
			if _, err := a.store.UpsertAgent(ctx, agent); err != nil {
				slog.Warn("deactivate removed agent", "name", ch.Name, "error", err)
				continue
			}
			slog.Info("agent deactivated", "name", ch.Name)
			continue
		}
		ac, ok := byName[ch.Name]
		if !ok {
			continue
		}
		if _, err := a.store.UpsertAgent(ctx, agentRecord(ac)); err != nil {
			slog.Warn("reseed agent", "name", ch.Name, "error", err)
			continue
		}
		slog.Info("agent reloaded", "name", ch.Name, "added", ch.Added)
	}
}

// ---- Shutdown ----

// Shutdown tears down all subsystems in reverse-init order. If ctx expires
// before all closers finish, the remaining ones are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Supervisor exposes the session supervisor, e.g. for admin surfaces.
func (a *App) Supervisor() *session.Supervisor { return a.sup }

// ---- Helpers ----

// agentRecord converts an agent config block to its stored form.
func agentRecord(ac config.AgentConfig) convstore.Agent {
	return convstore.Agent{
		Name:         ac.Name,
		SystemPrompt: ac.SystemPrompt,
		Provider:     string(ac.Provider),
		Model:        ac.Model,
		Temperature:  ac.Temperature,
		MaxTokens:    ac.MaxTokens,
		Language:     ac.Language,
		Voice: types.VoiceProfile{
			ID:           ac.Voice.VoiceID,
			Language:     ac.Voice.Language,
			Speed:        ac.Voice.Speed,
			Temperature:  ac.Voice.Temperature,
			Exaggeration: ac.Voice.Exaggeration,
			CFGWeight:    ac.Voice.CFGWeight,
		},
		Active: true,
	}
}

// agentNames lists the roster's names, used as the phonetic correction
// keyword set.
func agentNames(agents []config.AgentConfig) []string {
	names := make([]string, 0, len(agents))
	for _, ac := range agents {
		names = append(names, ac.Name)
	}
	return names
}
