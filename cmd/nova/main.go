// Command nova is the main entry point for the Nova voice assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/novavoice/nova/internal/auth"
	"github.com/novavoice/nova/internal/config"
	"github.com/novavoice/nova/internal/health"
	"github.com/novavoice/nova/internal/memory"
	"github.com/novavoice/nova/internal/observe"
	"github.com/novavoice/nova/internal/persist"
	"github.com/novavoice/nova/internal/pipeline"
	"github.com/novavoice/nova/internal/resilience"
	"github.com/novavoice/nova/internal/server"
	"github.com/novavoice/nova/internal/session"
	"github.com/novavoice/nova/internal/tools"
	"github.com/novavoice/nova/internal/tools/builtin"
	"github.com/novavoice/nova/internal/tools/mcpbridge"
	"github.com/novavoice/nova/internal/transcript"
	"github.com/novavoice/nova/pkg/provider/embeddings"
	ollamaembed "github.com/novavoice/nova/pkg/provider/embeddings/ollama"
	oaembed "github.com/novavoice/nova/pkg/provider/embeddings/openai"
	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/provider/llm/anyllm"
	llmollama "github.com/novavoice/nova/pkg/provider/llm/ollama"
	"github.com/novavoice/nova/pkg/provider/llm/openaicompat"
	"github.com/novavoice/nova/pkg/provider/stt"
	"github.com/novavoice/nova/pkg/provider/stt/whisper"
	"github.com/novavoice/nova/pkg/provider/stt/whispercpp"
	"github.com/novavoice/nova/pkg/provider/tts/piper"
	"github.com/novavoice/nova/pkg/provider/vad"
	"github.com/novavoice/nova/pkg/provider/vad/silero"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file next to the binary supplements the environment; a missing
	// file is not an error.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nova: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nova: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logBuffer := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("nova starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "nova",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	vadEngine, err := buildVAD(cfg)
	if err != nil {
		slog.Error("failed to initialise VAD", "err", err)
		return 1
	}

	sttProvider, err := buildSTT(cfg)
	if err != nil {
		slog.Error("failed to initialise STT", "err", err)
		return 1
	}

	ttsProvider, err := piper.New(cfg.TTS.BinaryPath, cfg.TTS.VoicesDir)
	if err != nil {
		slog.Error("failed to initialise TTS", "err", err)
		return 1
	}

	defaultLLM, selectLLM, err := buildLLM(cfg)
	if err != nil {
		slog.Error("failed to initialise LLM backend", "err", err)
		return 1
	}

	// ── Semantic memory (optional) ────────────────────────────────────────────
	var memStore *memory.Store
	if cfg.Memory.PostgresDSN != "" {
		embedder, err := buildEmbedder(cfg)
		if err != nil {
			slog.Error("failed to initialise embeddings", "err", err)
			return 1
		}
		memStore, err = memory.New(ctx, cfg.Memory.PostgresDSN, embedder)
		if err != nil {
			slog.Error("failed to connect semantic memory", "err", err)
			return 1
		}
		defer memStore.Close()
		slog.Info("semantic memory connected", "embeddings", cfg.Memory.Embeddings.Provider)
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	registry := tools.NewRegistry()
	player := builtin.NewPlayer()
	deps := builtin.Deps{
		Music:      player,
		WeatherURL: cfg.Tools.WeatherAPIURL,
		SearchURL:  cfg.Tools.SearchAPIURL,
		Started:    time.Now(),
	}
	if memStore != nil {
		deps.Memory = memStore
	}
	if err := builtin.RegisterAll(registry, deps); err != nil {
		slog.Error("failed to register built-in tools", "err", err)
		return 1
	}

	bridge := mcpbridge.New(registry)
	defer bridge.Close()
	for _, serverCfg := range cfg.MCP.Servers {
		if err := bridge.ConnectServer(ctx, serverCfg); err != nil {
			slog.Warn("mcp server unavailable", "server", serverCfg.Name, "err", err)
		}
	}

	executor := tools.NewExecutor(registry,
		tools.WithTimeout(time.Duration(cfg.Tools.TimeoutSeconds)*time.Second),
		tools.WithMaxConcurrent(cfg.Tools.MaxConcurrent),
	)

	// ── Transcript correction ─────────────────────────────────────────────────
	corrector := transcript.New(hotwords(cfg, registry))

	// ── Pipeline ──────────────────────────────────────────────────────────────
	pipe, err := pipeline.New(pipeline.Config{
		STT:         sttProvider,
		TTS:         ttsProvider,
		Registry:    registry,
		Executor:    executor,
		Corrector:   corrector,
		Metrics:     metrics,
		SelectLLM:   selectLLM,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	// ── Auth and persistence (optional) ───────────────────────────────────────
	var authMgr *auth.Manager
	if cfg.Auth.Enabled {
		dir := cfg.Auth.DataDir
		if dir == "" {
			dir = cfg.Persist.DataDir
		}
		authMgr, err = auth.New(dir)
		if err != nil {
			slog.Error("failed to initialise auth", "err", err)
			return 1
		}
	}
	adminToken := os.Getenv("NOVA_ADMIN_TOKEN")
	if adminToken == "" {
		adminToken = cfg.Auth.AdminToken
	}

	var store *persist.Store
	if cfg.Persist.DataDir != "" {
		store, err = persist.New(cfg.Persist.DataDir)
		if err != nil {
			slog.Error("failed to initialise persistence", "err", err)
			return 1
		}
	}

	// ── Server ────────────────────────────────────────────────────────────────
	serverCfg := server.Config{
		Pipeline: pipe,
		STT:      sttProvider,
		TTS:      ttsProvider,
		LLM:      defaultLLM,
		VAD:      vadEngine,
		VADConfig: vad.Config{
			SampleRate:   cfg.Audio.SampleRate,
			Threshold:    cfg.VAD.Threshold,
			MinSpeechMs:  cfg.VAD.MinSpeechMs,
			MinSilenceMs: cfg.VAD.MinSilenceMs,
		},
		Registry:   registry,
		Music:      player,
		Auth:       authMgr,
		AdminToken: adminToken,
		Persist:    store,
		Metrics:    metrics,
		Logs:       logBuffer,
		Defaults: session.Settings{
			Voice:        cfg.TTS.DefaultVoice,
			VoiceSpeed:   cfg.TTS.DefaultSpeed,
			LLMBackend:   string(cfg.LLM.Backend),
			OllamaURL:    cfg.LLM.OllamaURL,
			LMStudioURL:  cfg.LLM.LMStudioURL,
			OpenAIAPIKey: openAIKey(cfg),
		},
	}
	if memStore != nil {
		serverCfg.Memory = memStore
	}

	srv, err := server.New(serverCfg)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	handler := otelhttp.NewHandler(observe.Middleware(metrics)(mux), "nova")

	printStartupSummary(cfg, registry.Len(), memStore != nil, authMgr != nil)

	// ── Run ───────────────────────────────────────────────────────────────────
	apiServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		checkers := []health.Checker{
			{Name: "stt", Check: healthyCheck("stt", sttProvider.Healthy)},
			{Name: "tts", Check: healthyCheck("tts", ttsProvider.Healthy)},
		}
		if memStore != nil {
			checkers = append(checkers, health.Checker{Name: "memory", Check: healthyCheck("memory", memStore.Healthy)})
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		health.New(checkers...).Register(metricsMux)
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = apiServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = apiServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if store != nil {
		g.Go(func() error {
			interval := time.Duration(cfg.Persist.SnapshotIntervalSeconds) * time.Second
			srv.RunSnapshots(ctx, interval)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api server shutdown error", "err", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown error", "err", err)
			}
		}
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildVAD loads the Silero engine. An empty model path runs the server
// without speech gating; push-to-talk and text turns keep working.
func buildVAD(cfg *config.Config) (vad.Engine, error) {
	if cfg.VAD.ModelPath == "" {
		slog.Warn("no VAD model configured, voice activity detection disabled")
		return nil, nil
	}
	engine, err := silero.New(cfg.VAD.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}
	return engine, nil
}

// buildSTT constructs the configured transcription provider. When both the
// HTTP whisper-server and an in-process model are configured, the secondary
// one becomes a fallback behind a circuit breaker.
func buildSTT(cfg *config.Config) (stt.Provider, error) {
	newWhisper := func() (stt.Provider, error) {
		return whisper.New(cfg.STT.ServerURL,
			whisper.WithLanguage(cfg.STT.Language),
			whisper.WithSampleRate(cfg.Audio.SampleRate),
		)
	}
	newWhisperCPP := func() (stt.Provider, error) {
		return whispercpp.New(cfg.STT.ModelPath,
			whispercpp.WithLanguage(cfg.STT.Language),
			whispercpp.WithSampleRate(cfg.Audio.SampleRate),
		)
	}

	var primary, secondary func() (stt.Provider, error)
	var primaryName, secondaryName string
	switch cfg.STT.Provider {
	case "whisper":
		primary, primaryName = newWhisper, "whisper"
		if cfg.STT.ModelPath != "" {
			secondary, secondaryName = newWhisperCPP, "whispercpp"
		}
	case "whispercpp":
		primary, primaryName = newWhisperCPP, "whispercpp"
		if cfg.STT.ServerURL != "" {
			secondary, secondaryName = newWhisper, "whisper"
		}
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.STT.Provider)
	}

	p, err := primary()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", primaryName, err)
	}
	if secondary == nil {
		return p, nil
	}

	fallback, err := secondary()
	if err != nil {
		slog.Warn("stt fallback unavailable", "provider", secondaryName, "err", err)
		return p, nil
	}
	group := resilience.NewSTTFallback(p, primaryName, resilience.FallbackConfig{})
	group.AddFallback(secondaryName, fallback)
	slog.Info("stt fallback configured", "primary", primaryName, "fallback", secondaryName)
	return group, nil
}

// llmCache builds chat providers on demand and reuses them per distinct
// backend settings, so a client switching backends mid-session does not pay
// construction cost per turn.
type llmCache struct {
	mu       sync.Mutex
	cache    map[string]llm.Provider
	model    string
	fallback llm.Provider
}

func (c *llmCache) pick(s session.Settings) llm.Provider {
	key := s.LLMBackend + "|" + s.OllamaURL + "|" + s.LMStudioURL + "|" + s.OpenAIAPIKey

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[key]; ok {
		return p
	}

	p, err := c.build(s)
	if err != nil {
		slog.Warn("falling back to configured backend", "requested", s.LLMBackend, "err", err)
		p = c.fallback
	}
	c.cache[key] = p
	return p
}

func (c *llmCache) build(s session.Settings) (llm.Provider, error) {
	switch config.LLMBackend(s.LLMBackend) {
	case config.BackendOllama:
		return llmollama.New(s.OllamaURL, c.model)
	case config.BackendLMStudio:
		return openaicompat.NewLMStudio(s.LMStudioURL, c.model)
	case config.BackendOpenAI:
		return openaicompat.New(s.OpenAIAPIKey, c.model)
	default:
		return nil, fmt.Errorf("backend %q is not client-selectable", s.LLMBackend)
	}
}

// buildLLM constructs the server-configured default chat provider and the
// per-session selector that honours client backend switches.
func buildLLM(cfg *config.Config) (llm.Provider, pipeline.LLMSelector, error) {
	var defaultLLM llm.Provider
	var err error
	switch cfg.LLM.Backend {
	case config.BackendOllama:
		defaultLLM, err = llmollama.New(cfg.LLM.OllamaURL, cfg.LLM.Model)
	case config.BackendLMStudio:
		defaultLLM, err = openaicompat.NewLMStudio(cfg.LLM.LMStudioURL, cfg.LLM.Model)
	case config.BackendOpenAI:
		defaultLLM, err = openaicompat.New(openAIKey(cfg), cfg.LLM.Model)
	case config.BackendAnyLLM:
		if cfg.LLM.AnyLLM == nil {
			return nil, nil, errors.New("backend anyllm requires the llm.anyllm section")
		}
		var opts []anyllmlib.Option
		if cfg.LLM.AnyLLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.AnyLLM.APIKey))
		}
		if cfg.LLM.AnyLLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.AnyLLM.BaseURL))
		}
		defaultLLM, err = anyllm.New(cfg.LLM.AnyLLM.Provider, cfg.LLM.Model, opts...)
	default:
		return nil, nil, fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
	}
	if err != nil {
		return nil, nil, err
	}

	cache := &llmCache{
		cache:    make(map[string]llm.Provider),
		model:    cfg.LLM.Model,
		fallback: defaultLLM,
	}
	// The default settings resolve to the default provider without a rebuild.
	cache.cache[string(cfg.LLM.Backend)+"|"+cfg.LLM.OllamaURL+"|"+cfg.LLM.LMStudioURL+"|"+openAIKey(cfg)] = defaultLLM

	return defaultLLM, cache.pick, nil
}

// buildEmbedder constructs the embeddings provider backing semantic memory.
func buildEmbedder(cfg *config.Config) (embeddings.Provider, error) {
	e := cfg.Memory.Embeddings
	switch e.Provider {
	case "ollama", "":
		var opts []ollamaembed.Option
		if cfg.Memory.EmbeddingDimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(cfg.Memory.EmbeddingDimensions))
		}
		return ollamaembed.New(e.BaseURL, e.Model, opts...)
	case "openai":
		var opts []oaembed.Option
		if e.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(e.BaseURL))
		}
		return oaembed.New(e.APIKey, e.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", e.Provider)
	}
}

// openAIKey resolves the OpenAI API key; the environment wins over the config
// file.
func openAIKey(cfg *config.Config) string {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	return cfg.LLM.OpenAIAPIKey
}

// hotwords collects the domain vocabulary the phonetic corrector may
// substitute for near-miss transcriptions: voice names, tool names, and any
// extra words from the config.
func hotwords(cfg *config.Config, registry *tools.Registry) []string {
	words := []string{"Nova", "amy", "lessac", "ryan"}
	for _, t := range registry.List() {
		words = append(words, t.Name)
	}
	words = append(words, cfg.STT.Hotwords...)
	return words
}

// healthyCheck adapts a Healthy(ctx) bool probe to a health.Checker function.
func healthyCheck(name string, healthy func(context.Context) bool) func(context.Context) error {
	return func(ctx context.Context) error {
		if !healthy(ctx) {
			return fmt.Errorf("%s unhealthy", name)
		}
		return nil
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, toolCount int, memoryOn, authOn bool) {
	onOff := func(on bool) string {
		if on {
			return "enabled"
		}
		return "(disabled)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Nova — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  STT             : %-19s║\n", cfg.STT.Provider)
	fmt.Printf("║  LLM             : %-19s║\n", trim19(string(cfg.LLM.Backend)+" / "+cfg.LLM.Model))
	fmt.Printf("║  TTS voice       : %-19s║\n", cfg.TTS.DefaultVoice)
	fmt.Printf("║  Tools           : %-19d║\n", toolCount)
	fmt.Printf("║  MCP servers     : %-19d║\n", len(cfg.MCP.Servers))
	fmt.Printf("║  Memory          : %-19s║\n", onOff(memoryOn))
	fmt.Printf("║  Auth            : %-19s║\n", onOff(authOn))
	fmt.Printf("║  Listen addr     : %-19s║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func trim19(value string) string {
	if len(value) > 19 {
		return value[:16] + "…"
	}
	return value
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) (*slog.Logger, *observe.LogBuffer) {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	buffer := observe.NewLogBuffer(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}), 256)
	return slog.New(buffer), buffer
}
