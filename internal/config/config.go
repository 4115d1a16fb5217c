// Package config provides the configuration schema, loader, and provider
// registry for the Nova voice assistant server.
package config

// LogLevel controls log verbosity for the Nova server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LLMBackend selects which chat backend serves completions.
type LLMBackend string

const (
	// BackendOllama talks to a local Ollama server's native /api/chat.
	BackendOllama LLMBackend = "ollama"

	// BackendLMStudio talks to LM Studio's OpenAI-compatible endpoint.
	BackendLMStudio LLMBackend = "lmstudio"

	// BackendOpenAI talks to the OpenAI platform.
	BackendOpenAI LLMBackend = "openai"

	// BackendAnyLLM routes through the any-llm gateway to additional
	// providers (anthropic, gemini, mistral, ...). Server-config only;
	// clients cannot select it at runtime.
	BackendAnyLLM LLMBackend = "anyllm"
)

// IsValid reports whether b is a recognised LLM backend.
func (b LLMBackend) IsValid() bool {
	switch b {
	case BackendOllama, BackendLMStudio, BackendOpenAI, BackendAnyLLM:
		return true
	}
	return false
}

// ClientSelectable reports whether clients may switch to this backend via a
// settings message.
func (b LLMBackend) ClientSelectable() bool {
	return b == BackendOllama || b == BackendLMStudio || b == BackendOpenAI
}

// MCPTransport specifies how to reach an MCP tool server.
type MCPTransport string

const (
	MCPTransportStdio          MCPTransport = "stdio"
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised MCP transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// Config is the root configuration structure for Nova.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	STT     STTConfig     `yaml:"stt"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Auth    AuthConfig    `yaml:"auth"`
	Persist PersistConfig `yaml:"persistence"`
	Memory  MemoryConfig  `yaml:"memory"`
	Tools   ToolsConfig   `yaml:"tools"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8765").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr, when non-empty, serves Prometheus metrics and the
	// healthz/readyz probes on a separate listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the PCM stream clients send.
type AudioConfig struct {
	// SampleRate is the expected input sample rate in Hz. The browser capture
	// path resamples to this before sending.
	SampleRate int `yaml:"sample_rate"`
}

// VADConfig tunes the voice activity detector.
type VADConfig struct {
	// ModelPath is the Silero ONNX model file.
	ModelPath string `yaml:"model_path"`

	// Threshold is the speech posterior above which a window counts as speech.
	Threshold float64 `yaml:"threshold"`

	// MinSpeechMs is how long speech must persist before the utterance starts.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MinSilenceMs is the hangover before an utterance is considered ended.
	MinSilenceMs int `yaml:"min_silence_ms"`
}

// STTConfig selects and tunes the transcription backend.
type STTConfig struct {
	// Provider is "whisper" (HTTP whisper-server) or "whispercpp" (in-process).
	Provider string `yaml:"provider"`

	// ServerURL is the whisper-server base URL for the "whisper" provider.
	ServerURL string `yaml:"server_url"`

	// ModelPath is the ggml model file for the "whispercpp" provider.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 transcription language. Defaults to "en".
	Language string `yaml:"language"`

	// Hotwords are extra domain words the phonetic corrector may substitute
	// for near-miss transcriptions, on top of voice and tool names.
	Hotwords []string `yaml:"hotwords"`
}

// LLMConfig selects the chat backend and its per-backend endpoints.
type LLMConfig struct {
	// Backend is the active backend. Clients may switch between the
	// client-selectable ones at runtime; "anyllm" is server-config only.
	Backend LLMBackend `yaml:"backend"`

	// Model is the model identifier for the active backend.
	Model string `yaml:"model"`

	// Temperature is passed through to the backend. Zero uses its default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero uses the backend default.
	MaxTokens int `yaml:"max_tokens"`

	// OllamaURL overrides the Ollama base URL (default http://localhost:11434).
	OllamaURL string `yaml:"ollama_url"`

	// LMStudioURL overrides the LM Studio base URL
	// (default http://localhost:1234/v1).
	LMStudioURL string `yaml:"lmstudio_url"`

	// OpenAIAPIKey authenticates the "openai" backend. The OPENAI_API_KEY
	// environment variable takes precedence when set.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// AnyLLM configures the gateway backend when Backend is "anyllm".
	AnyLLM *AnyLLMConfig `yaml:"anyllm"`
}

// AnyLLMConfig selects a provider behind the any-llm gateway.
type AnyLLMConfig struct {
	// Provider is the gateway provider name (e.g., "anthropic", "gemini").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. Empty falls back to the
	// provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint where supported.
	BaseURL string `yaml:"base_url"`
}

// TTSConfig tunes the Piper synthesis backend.
type TTSConfig struct {
	// BinaryPath is the piper executable.
	BinaryPath string `yaml:"binary_path"`

	// VoicesDir holds the ONNX voice models.
	VoicesDir string `yaml:"voices_dir"`

	// DefaultVoice is the voice used before a client picks one.
	DefaultVoice string `yaml:"default_voice"`

	// DefaultSpeed is the default speaking rate in [0.5, 2.0]. Zero means 1.0.
	DefaultSpeed float64 `yaml:"default_speed"`
}

// AuthConfig controls the login layer.
type AuthConfig struct {
	// Enabled gates the auth endpoints and admin surface. The WebSocket
	// itself stays open either way.
	Enabled bool `yaml:"enabled"`

	// DataDir holds users.json and sessions.json. Defaults to the
	// persistence data dir.
	DataDir string `yaml:"data_dir"`

	// AdminToken, when set, authorizes admin endpoints via X-Admin-Token in
	// addition to admin user sessions.
	AdminToken string `yaml:"admin_token"`
}

// PersistConfig controls on-disk per-user state.
type PersistConfig struct {
	// DataDir is the root for per-client settings and history files.
	DataDir string `yaml:"data_dir"`

	// SnapshotIntervalSeconds is how often the process-wide sessions
	// snapshot is written. 0 disables periodic writes; the shutdown
	// snapshot is always written.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
}

// MemoryConfig holds settings for the semantic memory store.
type MemoryConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector store.
	// Empty disables semantic memory; the memory and knowledge tools degrade
	// to reporting unavailability.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of the embeddings column.
	// Must match the configured embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// Embeddings selects the embedding backend ("ollama" or "openai").
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig selects the embedding provider backing semantic memory.
type EmbeddingsConfig struct {
	// Provider is "ollama" or "openai".
	Provider string `yaml:"provider"`

	// Model is the embedding model name (e.g., "nomic-embed-text").
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates the "openai" provider.
	APIKey string `yaml:"api_key"`
}

// ToolsConfig tunes the tool executor and optional built-ins.
type ToolsConfig struct {
	// MaxConcurrent caps parallel tool executions. Zero means 5.
	MaxConcurrent int `yaml:"max_concurrent"`

	// TimeoutSeconds is the per-call timeout. Zero means 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// WeatherAPIURL overrides the weather endpoint (useful for tests).
	WeatherAPIURL string `yaml:"weather_api_url"`

	// SearchAPIURL overrides the web search endpoint.
	SearchAPIURL string `yaml:"search_api_url"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique identifier for this server; its tools are registered
	// under the "name_" prefix.
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport MCPTransport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}
