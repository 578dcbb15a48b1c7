package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the main configuration structure for the engram server.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Dreaming  DreamingConfig  `yaml:"dreaming"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig controls the transport the server starts with and the HTTP
// listen address used by the http and ws transports.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`
}

// AuthConfig controls request authentication on the HTTP and WebSocket
// transports. Mode "api_key" compares the presented key against APIKey;
// mode "jwt" validates the bearer value as an HS256 token signed with
// JWTSecret. The stdio transport is always unauthenticated.
type AuthConfig struct {
	Require   bool   `yaml:"require"`
	Mode      string `yaml:"mode"`
	APIKey    string `yaml:"api_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

// EmbeddingConfig selects the embedding backend and model.
type EmbeddingConfig struct {
	Backend        string                `yaml:"backend"`
	Model          string                `yaml:"model"`
	Dimension      int                   `yaml:"dimension"`
	Device         string                `yaml:"device"`
	LocalHTTPURL   string                `yaml:"local_http_url"`
	Remote         RemoteEmbeddingConfig `yaml:"remote"`
	TimeoutSeconds int                   `yaml:"timeout_seconds"`
}

// RemoteEmbeddingConfig configures the remote-api backend. Provider is one
// of "openai", "cohere", or "generic".
type RemoteEmbeddingConfig struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
}

// MemoryConfig tunes the tiered memory engine.
type MemoryConfig struct {
	Collection         string           `yaml:"collection"`
	WorkingMaxTokens   int              `yaml:"working_max_tokens"`
	ActiveMaxPages     int              `yaml:"active_max_pages"`
	PageOutBatch       int              `yaml:"page_out_batch"`
	MatchThreshold     float64          `yaml:"match_threshold"`
	PromotionThreshold float64          `yaml:"promotion_threshold"`
	MultiModel         MultiModelConfig `yaml:"multi_model"`
}

// MultiModelConfig enables storage of per-model embeddings alongside each
// conversation and document so the engine can migrate between embedding
// models without re-ingesting text.
type MultiModelConfig struct {
	Enabled        bool       `yaml:"enabled"`
	PriorityModels []string   `yaml:"priority_models"`
	Models         []ModelRef `yaml:"models"`
}

// ModelRef names one embedding model available to the multi-model store.
type ModelRef struct {
	Name      string `yaml:"name"`
	Dimension int    `yaml:"dimension"`
	Backend   string `yaml:"backend"`
}

// Key returns the model key "<name>:<dim>" for the reference.
func (m ModelRef) Key() string {
	return fmt.Sprintf("%s:%d", m.Name, m.Dimension)
}

// KnowledgeConfig tunes the knowledge base chunker.
type KnowledgeConfig struct {
	Collection   string `yaml:"collection"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

// LLMConfig selects the LLM provider used by the dreaming pipeline.
// Provider is one of "anthropic", "openai", "gemini", or "local".
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ToolsConfig configures individual tools.
type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"websearch"`
}

// WebSearchConfig holds Google Custom Search credentials for the
// web_search tool.
type WebSearchConfig struct {
	APIKey         string `yaml:"api_key"`
	EngineID       string `yaml:"engine_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DreamingConfig controls the offline consolidation pipeline.
type DreamingConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Quality  string         `yaml:"quality"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// ScheduleConfig describes when the dream scheduler fires. Either a cron
// expression or a fixed interval; cron wins when both are set.
type ScheduleConfig struct {
	Cron  string        `yaml:"cron"`
	Every time.Duration `yaml:"every"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures the OTLP trace exporter. Tracing is disabled
// when Endpoint is empty.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Embedding backend names.
const (
	BackendLocal     = "local"
	BackendLocalHTTP = "local-http"
	BackendRemoteAPI = "remote-api"
	BackendRandom    = "random"
)

// Remote embedding provider names.
const (
	RemoteProviderOpenAI  = "openai"
	RemoteProviderCohere  = "cohere"
	RemoteProviderGeneric = "generic"
)

// Auth modes.
const (
	AuthModeAPIKey = "api_key"
	AuthModeJWT    = "jwt"
)

// Dream quality levels.
const (
	QualityBasic   = "basic"
	QualityGood    = "good"
	QualityPremium = "premium"
)

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "stdio"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeAPIKey
	}
	if c.Embedding.Backend == "" {
		c.Embedding.Backend = BackendLocal
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "multilingual-e5-base"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 768
	}
	if c.Embedding.Device == "" {
		c.Embedding.Device = "cpu"
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 10
	}
	if c.Embedding.Remote.Provider == "" {
		c.Embedding.Remote.Provider = RemoteProviderOpenAI
	}
	if c.Memory.Collection == "" {
		c.Memory.Collection = "memory"
	}
	if c.Memory.WorkingMaxTokens == 0 {
		c.Memory.WorkingMaxTokens = 4096
	}
	if c.Memory.ActiveMaxPages == 0 {
		c.Memory.ActiveMaxPages = 50
	}
	if c.Memory.PageOutBatch == 0 {
		c.Memory.PageOutBatch = 10
	}
	if c.Memory.MatchThreshold == 0 {
		c.Memory.MatchThreshold = 0.3
	}
	if c.Memory.PromotionThreshold == 0 {
		c.Memory.PromotionThreshold = 0.6
	}
	if len(c.Memory.MultiModel.PriorityModels) == 0 {
		c.Memory.MultiModel.PriorityModels = []string{"bge-m3:1024", "gemma:768", "gemma:256"}
	}
	if c.Knowledge.Collection == "" {
		c.Knowledge.Collection = "knowledge"
	}
	if c.Knowledge.ChunkSize == 0 {
		c.Knowledge.ChunkSize = 1000
	}
	if c.Knowledge.ChunkOverlap == 0 {
		c.Knowledge.ChunkOverlap = 100
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.Tools.WebSearch.TimeoutSeconds == 0 {
		c.Tools.WebSearch.TimeoutSeconds = 15
	}
	if c.Dreaming.Quality == "" {
		c.Dreaming.Quality = QualityGood
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

// applyEnv layers environment overrides on top of the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENGRAM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MCP_REQUIRE_AUTH"); v != "" {
		c.Auth.Require = parseBool(v)
	}
	if v := os.Getenv("MCP_API_KEY"); v != "" {
		c.Auth.APIKey = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_BACKEND"); v != "" {
		c.Embedding.Backend = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_DEVICE"); v != "" {
		c.Embedding.Device = v
	}
	if c.Embedding.Remote.APIKey == "" && c.Embedding.Remote.Provider == RemoteProviderOpenAI {
		c.Embedding.Remote.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if v := os.Getenv("GOOGLE_SEARCH_API_KEY"); v != "" {
		c.Tools.WebSearch.APIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_ENGINE_ID"); v != "" {
		c.Tools.WebSearch.EngineID = v
	}
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on":
		return true
	}
	return false
}

// Validate checks required fields per backend and numeric ranges.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "ws":
	default:
		return fmt.Errorf("server.transport must be stdio, http, or ws, got %q", c.Server.Transport)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}

	switch c.Auth.Mode {
	case AuthModeAPIKey:
		if c.Auth.Require && c.Auth.APIKey == "" {
			return fmt.Errorf("auth.require is set but auth.api_key is empty")
		}
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.mode jwt requires auth.jwt_secret")
		}
	default:
		return fmt.Errorf("auth.mode must be api_key or jwt, got %q", c.Auth.Mode)
	}

	switch c.Embedding.Backend {
	case BackendLocal, BackendRandom:
	case BackendLocalHTTP:
		if c.Embedding.LocalHTTPURL == "" {
			return fmt.Errorf("embedding.local_http_url is required for the local-http backend")
		}
	case BackendRemoteAPI:
		switch c.Embedding.Remote.Provider {
		case RemoteProviderOpenAI:
		case RemoteProviderCohere, RemoteProviderGeneric:
			if c.Embedding.Remote.URL == "" {
				return fmt.Errorf("embedding.remote.url is required for provider %q", c.Embedding.Remote.Provider)
			}
		default:
			return fmt.Errorf("embedding.remote.provider must be openai, cohere, or generic, got %q", c.Embedding.Remote.Provider)
		}
	default:
		return fmt.Errorf("embedding.backend must be local, local-http, remote-api, or random, got %q", c.Embedding.Backend)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		return fmt.Errorf("embedding.timeout_seconds must be positive, got %d", c.Embedding.TimeoutSeconds)
	}

	if c.Memory.WorkingMaxTokens <= 0 {
		return fmt.Errorf("memory.working_max_tokens must be positive, got %d", c.Memory.WorkingMaxTokens)
	}
	if c.Memory.ActiveMaxPages <= 0 {
		return fmt.Errorf("memory.active_max_pages must be positive, got %d", c.Memory.ActiveMaxPages)
	}
	if c.Memory.PageOutBatch <= 0 {
		return fmt.Errorf("memory.page_out_batch must be positive, got %d", c.Memory.PageOutBatch)
	}
	if c.Memory.MatchThreshold < 0 || c.Memory.MatchThreshold > 1 {
		return fmt.Errorf("memory.match_threshold must be in [0, 1], got %g", c.Memory.MatchThreshold)
	}
	if c.Memory.PromotionThreshold < 0 || c.Memory.PromotionThreshold > 1 {
		return fmt.Errorf("memory.promotion_threshold must be in [0, 1], got %g", c.Memory.PromotionThreshold)
	}
	for _, key := range c.Memory.MultiModel.PriorityModels {
		if _, _, err := SplitModelKey(key); err != nil {
			return fmt.Errorf("memory.multi_model.priority_models: %w", err)
		}
	}
	for _, ref := range c.Memory.MultiModel.Models {
		if strings.TrimSpace(ref.Name) == "" {
			return fmt.Errorf("memory.multi_model.models entries require a name")
		}
		if ref.Dimension <= 0 {
			return fmt.Errorf("memory.multi_model.models %q requires a positive dimension", ref.Name)
		}
	}

	if c.Knowledge.ChunkSize <= 0 {
		return fmt.Errorf("knowledge.chunk_size must be positive, got %d", c.Knowledge.ChunkSize)
	}
	if c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return fmt.Errorf("knowledge.chunk_overlap must be in [0, chunk_size), got %d", c.Knowledge.ChunkOverlap)
	}

	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini", "local":
	default:
		return fmt.Errorf("llm.provider must be anthropic, openai, gemini, or local, got %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "local" && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required for the local provider")
	}

	switch c.Dreaming.Quality {
	case QualityBasic, QualityGood, QualityPremium:
	default:
		return fmt.Errorf("dreaming.quality must be basic, good, or premium, got %q", c.Dreaming.Quality)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be in [0, 1], got %g", c.Tracing.SamplingRate)
	}
	return nil
}

// SplitModelKey parses a "<model_name>:<dim>" key into its parts.
func SplitModelKey(key string) (name string, dim int, err error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, fmt.Errorf("model key %q must have the form <name>:<dim>", key)
	}
	dim, err = strconv.Atoi(key[idx+1:])
	if err != nil || dim <= 0 {
		return "", 0, fmt.Errorf("model key %q must end in a positive dimension", key)
	}
	return key[:idx], dim, nil
}
