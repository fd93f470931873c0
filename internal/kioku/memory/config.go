package memory

import "time"

// Defaults for Config.
const (
	DefaultMaxMessages         = 3
	DefaultChunkSize           = 200
	DefaultChunkOverlap        = 50
	DefaultCompactionThreshold = 8
	DefaultRecallK             = 4
	DefaultRememberTimeout     = 30 * time.Second
	DefaultRecallTimeout       = 5 * time.Second
	DefaultEmbedConcurrency    = 4
)

// DefaultSystemPrompt is pinned for users who have not set their own.
const DefaultSystemPrompt = "You are Kioku, a warm and practical personal assistant. " +
	"You are given personal information the user shared in earlier conversations and the most recent turns. " +
	"Use that information naturally when it is relevant, address the user by name when you know it, " +
	"and never invent personal details you were not given. Answer in the language the user writes in."

// Config tunes short-term and long-term memory.
type Config struct {
	// MaxMessages bounds the non-system turns kept per user.
	MaxMessages int
	// ChunkSize and ChunkOverlap are measured in runes.
	ChunkSize    int
	ChunkOverlap int
	// CompactionThreshold is the fact count that triggers a summary, and
	// the number of new facts needed before the next one.
	CompactionThreshold int
	// RecallK is how many facts Assemble asks for.
	RecallK int
	// SystemPrompt is pinned in every new user's TurnStore.
	SystemPrompt string
	// IdleTTL drops a user's short-term memory after this much inactivity.
	// Zero keeps it for the life of the process.
	IdleTTL time.Duration
	// RememberTimeout bounds each background Remember.
	RememberTimeout time.Duration
	// RecallTimeout bounds Assemble's wait for pending remembers plus the
	// recall itself.
	RecallTimeout time.Duration
	// EmbedConcurrency caps parallel chunk embeddings within one Remember.
	EmbedConcurrency int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:         DefaultMaxMessages,
		ChunkSize:           DefaultChunkSize,
		ChunkOverlap:        DefaultChunkOverlap,
		CompactionThreshold: DefaultCompactionThreshold,
		RecallK:             DefaultRecallK,
		SystemPrompt:        DefaultSystemPrompt,
		RememberTimeout:     DefaultRememberTimeout,
		RecallTimeout:       DefaultRecallTimeout,
		EmbedConcurrency:    DefaultEmbedConcurrency,
	}
}

// withDefaults fills zero durations and concurrency. Counts are left alone
// so Validate can reject them.
func (c Config) withDefaults() Config {
	if c.RememberTimeout <= 0 {
		c.RememberTimeout = DefaultRememberTimeout
	}
	if c.RecallTimeout <= 0 {
		c.RecallTimeout = DefaultRecallTimeout
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = DefaultEmbedConcurrency
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.MaxMessages < 1 {
		return invalid("max_messages", "must be at least 1, got %d", c.MaxMessages)
	}
	if _, err := NewChunker(c.ChunkSize, c.ChunkOverlap); err != nil {
		return err
	}
	if c.CompactionThreshold < 1 {
		return invalid("compaction_threshold", "must be at least 1, got %d", c.CompactionThreshold)
	}
	if c.RecallK < 1 {
		return invalid("recall_k", "must be at least 1, got %d", c.RecallK)
	}
	if c.IdleTTL < 0 {
		return invalid("idle_ttl", "must not be negative, got %s", c.IdleTTL)
	}
	return nil
}
