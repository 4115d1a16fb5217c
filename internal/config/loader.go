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
	"stt":        {"whisper", "whispercpp"},
	"embeddings": {"ollama", "openai"},
	"anyllm":     {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Default returns a Config pre-filled with the values a bare config file
// would resolve to.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8765",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{SampleRate: 16000},
		VAD: VADConfig{
			Threshold:    0.5,
			MinSpeechMs:  150,
			MinSilenceMs: 300,
		},
		STT: STTConfig{
			Provider:  "whisper",
			ServerURL: "http://localhost:8080",
			Language:  "en",
		},
		LLM: LLMConfig{
			Backend: BackendOllama,
			Model:   "llama3.2",
		},
		TTS: TTSConfig{
			BinaryPath:   "piper",
			VoicesDir:    "./voices",
			DefaultVoice: "amy",
			DefaultSpeed: 1.0,
		},
		Persist: PersistConfig{DataDir: "./data", SnapshotIntervalSeconds: 60},
		Tools: ToolsConfig{
			MaxConcurrent:  5,
			TimeoutSeconds: 30,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyFallbacks(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFallbacks fills zero values that YAML decoding may have explicitly
// cleared or that depend on other fields.
func applyFallbacks(cfg *Config) {
	if cfg.Auth.DataDir == "" {
		cfg.Auth.DataDir = cfg.Persist.DataDir
	}
	if cfg.Tools.MaxConcurrent <= 0 {
		cfg.Tools.MaxConcurrent = 5
	}
	if cfg.Tools.TimeoutSeconds <= 0 {
		cfg.Tools.TimeoutSeconds = 30
	}
	if cfg.TTS.DefaultSpeed == 0 {
		cfg.TTS.DefaultSpeed = 1.0
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}

	// VAD
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_ms %d must not be negative", cfg.VAD.MinSpeechMs))
	}
	if cfg.VAD.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_ms %d must not be negative", cfg.VAD.MinSilenceMs))
	}
	if cfg.VAD.ModelPath == "" {
		slog.Warn("vad.model_path is empty; voice activity detection will not be available")
	}

	// STT
	validateProviderName("stt", cfg.STT.Provider)
	switch cfg.STT.Provider {
	case "whisper":
		if cfg.STT.ServerURL == "" {
			errs = append(errs, errors.New("stt.server_url is required for the whisper provider"))
		}
	case "whispercpp":
		if cfg.STT.ModelPath == "" {
			errs = append(errs, errors.New("stt.model_path is required for the whispercpp provider"))
		}
	}

	// LLM
	if cfg.LLM.Backend != "" && !cfg.LLM.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("llm.backend %q is invalid; valid values: ollama, lmstudio, openai, anyllm", cfg.LLM.Backend))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.Backend == BackendAnyLLM {
		if cfg.LLM.AnyLLM == nil || cfg.LLM.AnyLLM.Provider == "" {
			errs = append(errs, errors.New("llm.anyllm.provider is required when llm.backend is anyllm"))
		} else {
			validateProviderName("anyllm", cfg.LLM.AnyLLM.Provider)
		}
	}
	if cfg.LLM.Backend == BackendOpenAI && cfg.LLM.OpenAIAPIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Warn("llm.backend is openai but no API key is configured; requests will fail until a client supplies one")
	}

	// TTS
	if cfg.TTS.BinaryPath == "" {
		errs = append(errs, errors.New("tts.binary_path is required"))
	}
	if cfg.TTS.VoicesDir == "" {
		errs = append(errs, errors.New("tts.voices_dir is required"))
	}
	if cfg.TTS.DefaultSpeed != 0 && (cfg.TTS.DefaultSpeed < 0.5 || cfg.TTS.DefaultSpeed > 2.0) {
		errs = append(errs, fmt.Errorf("tts.default_speed %.2f is out of range [0.5, 2.0]", cfg.TTS.DefaultSpeed))
	}

	// Persistence
	if cfg.Persist.DataDir == "" {
		errs = append(errs, errors.New("persistence.data_dir is required"))
	}

	// Memory
	if cfg.Memory.PostgresDSN != "" {
		validateProviderName("embeddings", cfg.Memory.Embeddings.Provider)
		if cfg.Memory.Embeddings.Provider == "" {
			errs = append(errs, errors.New("memory.embeddings.provider is required when memory.postgres_dsn is set"))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			slog.Warn("memory.embedding_dimensions is not set; the store will probe the embedding model on startup")
		}
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
