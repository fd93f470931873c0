// Package config loads the Kioku daemon configuration.
//
// Sources are applied in order, each overriding the previous one:
//
//  1. built-in defaults
//  2. an optional YAML file (validated against config.schema.json)
//  3. KIOKU_* environment variables, plus a few conventional names such as
//     OPENAI_API_KEY, DATABASE_URL and MATRIX_*
//
// The merged result is then checked by Validate.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/environment"
	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

//go:embed config.schema.json
var schemaJSON string

// Index backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Providers.
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
	ProviderHash   = "hash"
)

// Config is the full daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Memory    MemoryConfig    `yaml:"memory"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Database  DatabaseConfig  `yaml:"database"`
	Matrix    MatrixConfig    `yaml:"matrix"`
	Chat      ChatConfig      `yaml:"chat"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the HTTP API. An empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MemoryConfig mirrors memory.Config.
type MemoryConfig struct {
	MaxMessages         int           `yaml:"max_messages"`
	ChunkSize           int           `yaml:"chunk_size"`
	ChunkOverlap        int           `yaml:"chunk_overlap"`
	CompactionThreshold int           `yaml:"compaction_threshold"`
	RecallK             int           `yaml:"recall_k"`
	SystemPrompt        string        `yaml:"system_prompt"`
	IdleTTL             time.Duration `yaml:"idle_ttl"`
	RememberTimeout     time.Duration `yaml:"remember_timeout"`
	RecallTimeout       time.Duration `yaml:"recall_timeout"`
	EmbedConcurrency    int           `yaml:"embed_concurrency"`
}

// LLMConfig selects the language model. An empty Provider means openai when
// an API key or base URL is configured and echo otherwise.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EmbeddingConfig selects the embedder. An empty Provider means openai when
// an API key is available (its own or the LLM's) and hash otherwise.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type IndexConfig struct {
	Backend string `yaml:"backend"`
}

// DatabaseConfig holds the SQLite path (used by the sqlite index and the
// Matrix sync store) and the Postgres URL (postgres index).
type DatabaseConfig struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

// MatrixConfig enables the Matrix transport when Homeserver and
// AccessToken are set.
type MatrixConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
	AutoJoin    bool     `yaml:"auto_join"`
}

type ChatConfig struct {
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() Config {
	mem := memory.DefaultConfig()
	return Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Memory: MemoryConfig{
			MaxMessages:         mem.MaxMessages,
			ChunkSize:           mem.ChunkSize,
			ChunkOverlap:        mem.ChunkOverlap,
			CompactionThreshold: mem.CompactionThreshold,
			RecallK:             mem.RecallK,
			SystemPrompt:        mem.SystemPrompt,
			IdleTTL:             mem.IdleTTL,
			RememberTimeout:     mem.RememberTimeout,
			RecallTimeout:       mem.RecallTimeout,
			EmbedConcurrency:    mem.EmbedConcurrency,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   500,
			Timeout:     60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Index:    IndexConfig{Backend: BackendSQLite},
		Database: DatabaseConfig{Path: "./kioku.db"},
		Chat:     ChatConfig{RateLimit: 20, RateWindow: time.Minute},
		Metrics:  MetricsConfig{Namespace: "kioku"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse validates data against the schema and decodes it over cfg. Keys
// absent from data leave cfg untouched.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("config.schema.json", schemaJSON)
})

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv() {
	// ── Logging / HTTP ───────────────────────────────────────────────────────
	c.Log.Level = environment.StringOr("KIOKU_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("KIOKU_LOG_FORMAT", c.Log.Format)
	c.HTTP.Addr = environment.StringOr("KIOKU_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.ShutdownTimeout = environment.DurationOr("KIOKU_HTTP_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout)

	// ── Memory ───────────────────────────────────────────────────────────────
	c.Memory.MaxMessages = environment.IntOr("KIOKU_MEMORY_MAX_MESSAGES", c.Memory.MaxMessages)
	c.Memory.ChunkSize = environment.IntOr("KIOKU_MEMORY_CHUNK_SIZE", c.Memory.ChunkSize)
	c.Memory.ChunkOverlap = environment.IntOr("KIOKU_MEMORY_CHUNK_OVERLAP", c.Memory.ChunkOverlap)
	c.Memory.CompactionThreshold = environment.IntOr("KIOKU_MEMORY_COMPACTION_THRESHOLD", c.Memory.CompactionThreshold)
	c.Memory.RecallK = environment.IntOr("KIOKU_MEMORY_RECALL_K", c.Memory.RecallK)
	c.Memory.SystemPrompt = environment.StringOr("KIOKU_MEMORY_SYSTEM_PROMPT", c.Memory.SystemPrompt)
	c.Memory.IdleTTL = environment.DurationOr("KIOKU_MEMORY_IDLE_TTL", c.Memory.IdleTTL)
	c.Memory.RememberTimeout = environment.DurationOr("KIOKU_MEMORY_REMEMBER_TIMEOUT", c.Memory.RememberTimeout)
	c.Memory.RecallTimeout = environment.DurationOr("KIOKU_MEMORY_RECALL_TIMEOUT", c.Memory.RecallTimeout)
	c.Memory.EmbedConcurrency = environment.IntOr("KIOKU_MEMORY_EMBED_CONCURRENCY", c.Memory.EmbedConcurrency)

	// ── Models ───────────────────────────────────────────────────────────────
	c.LLM.Provider = environment.StringOr("KIOKU_LLM_PROVIDER", c.LLM.Provider)
	if v := environment.FirstOf("KIOKU_LLM_API_KEY", "OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := environment.FirstOf("KIOKU_LLM_BASE_URL", "OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	c.LLM.Model = environment.StringOr("KIOKU_LLM_MODEL", c.LLM.Model)
	c.LLM.Temperature = environment.FloatOr("KIOKU_LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.MaxTokens = environment.IntOr("KIOKU_LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Timeout = environment.DurationOr("KIOKU_LLM_TIMEOUT", c.LLM.Timeout)

	c.Embedding.Provider = environment.StringOr("KIOKU_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.APIKey = environment.StringOr("KIOKU_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = environment.StringOr("KIOKU_EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Model = environment.StringOr("KIOKU_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = environment.IntOr("KIOKU_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)

	// ── Storage ──────────────────────────────────────────────────────────────
	c.Index.Backend = environment.StringOr("KIOKU_INDEX_BACKEND", c.Index.Backend)
	if v := environment.FirstOf("KIOKU_DATABASE_PATH", "DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := environment.FirstOf("KIOKU_DATABASE_URL", "DATABASE_URL"); v != "" {
		c.Database.URL = v
	}

	// ── Matrix ───────────────────────────────────────────────────────────────
	if v := environment.FirstOf("KIOKU_MATRIX_HOMESERVER", "MATRIX_HOMESERVER"); v != "" {
		c.Matrix.Homeserver = v
	}
	if v := environment.FirstOf("KIOKU_MATRIX_USER_ID", "MATRIX_USER_ID"); v != "" {
		c.Matrix.UserID = v
	}
	if v := environment.FirstOf("KIOKU_MATRIX_ACCESS_TOKEN", "MATRIX_ACCESS_TOKEN"); v != "" {
		c.Matrix.AccessToken = v
	}
	c.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", c.Matrix.Rooms)
	c.Matrix.Rooms = environment.StringSliceOr("KIOKU_MATRIX_ROOMS", c.Matrix.Rooms)
	c.Matrix.AutoJoin = environment.BoolOr("KIOKU_MATRIX_AUTO_JOIN", c.Matrix.AutoJoin)

	// ── Chat / metrics ───────────────────────────────────────────────────────
	c.Chat.RateLimit = environment.IntOr("KIOKU_CHAT_RATE_LIMIT", c.Chat.RateLimit)
	c.Chat.RateWindow = environment.DurationOr("KIOKU_CHAT_RATE_WINDOW", c.Chat.RateWindow)
	c.Metrics.Namespace = environment.StringOr("KIOKU_METRICS_NAMESPACE", c.Metrics.Namespace)
}

// MemoryConfig converts the memory section to a memory.Config.
func (c *Config) MemoryConfig() memory.Config {
	return memory.Config{
		MaxMessages:         c.Memory.MaxMessages,
		ChunkSize:           c.Memory.ChunkSize,
		ChunkOverlap:        c.Memory.ChunkOverlap,
		CompactionThreshold: c.Memory.CompactionThreshold,
		RecallK:             c.Memory.RecallK,
		SystemPrompt:        c.Memory.SystemPrompt,
		IdleTTL:             c.Memory.IdleTTL,
		RememberTimeout:     c.Memory.RememberTimeout,
		RecallTimeout:       c.Memory.RecallTimeout,
		EmbedConcurrency:    c.Memory.EmbedConcurrency,
	}
}

// LLMProvider resolves an empty provider.
func (c *Config) LLMProvider() string {
	if c.LLM.Provider != "" {
		return c.LLM.Provider
	}
	if c.LLM.APIKey != "" || c.LLM.BaseURL != "" {
		return ProviderOpenAI
	}
	return ProviderEcho
}

// EmbeddingProvider resolves an empty provider.
func (c *Config) EmbeddingProvider() string {
	if c.Embedding.Provider != "" {
		return c.Embedding.Provider
	}
	if c.EmbeddingAPIKey() != "" {
		return ProviderOpenAI
	}
	return ProviderHash
}

// EmbeddingAPIKey returns the embedding key, falling back to the LLM key.
func (c *Config) EmbeddingAPIKey() string {
	if c.Embedding.APIKey != "" {
		return c.Embedding.APIKey
	}
	return c.LLM.APIKey
}

// MatrixEnabled reports whether the Matrix transport should start.
func (c *Config) MatrixEnabled() bool {
	return c.Matrix.Homeserver != "" || c.Matrix.AccessToken != ""
}

// Secrets lists configured credentials for log redaction.
func (c *Config) Secrets() []string {
	return []string{
		c.LLM.APIKey,
		c.Embedding.APIKey,
		c.Matrix.AccessToken,
		c.Database.URL,
		redact.URLPassword(c.Database.URL),
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if err := c.MemoryConfig().Validate(); err != nil {
		return fmt.Errorf("config: memory: %w", err)
	}

	switch c.LLMProvider() {
	case ProviderOpenAI, ProviderEcho:
	default:
		return invalid("llm.provider", "unknown provider %q", c.LLM.Provider)
	}
	if err := llm.ValidateTemperature(c.LLM.Temperature); err != nil {
		return fmt.Errorf("config: llm: %w", err)
	}

	switch c.EmbeddingProvider() {
	case ProviderOpenAI:
		if c.EmbeddingAPIKey() == "" && c.Embedding.BaseURL == "" {
			return invalid("embedding.api_key", "required for the openai provider")
		}
	case ProviderHash:
	default:
		return invalid("embedding.provider", "unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 1 {
		return invalid("embedding.dimensions", "must be at least 1, got %d", c.Embedding.Dimensions)
	}

	switch c.Index.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Database.Path == "" {
			return invalid("database.path", "required for the sqlite index")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return invalid("database.url", "required for the postgres index")
		}
	default:
		return invalid("index.backend", "must be one of memory, sqlite, postgres; got %q", c.Index.Backend)
	}

	if c.MatrixEnabled() {
		switch {
		case c.Matrix.Homeserver == "":
			return invalid("matrix.homeserver", "required when the Matrix transport is enabled")
		case c.Matrix.UserID == "":
			return invalid("matrix.user_id", "required when the Matrix transport is enabled")
		case c.Matrix.AccessToken == "":
			return invalid("matrix.access_token", "required when the Matrix transport is enabled")
		}
		if c.Database.Path == "" {
			return invalid("database.path", "required to persist the Matrix sync token")
		}
	}
	if c.HTTP.Addr == "" && !c.MatrixEnabled() {
		return invalid("http.addr", "at least one of HTTP or Matrix must be enabled")
	}

	if c.Chat.RateLimit < 0 {
		return invalid("chat.rate_limit", "must not be negative")
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("config: %w", &memory.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}
