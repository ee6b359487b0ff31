// Package config provides the configuration schema, loader, and LLM provider
// registry for the streamlate relay server.
package config

import "time"

// LogLevel controls log verbosity for the streamlate server.
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

// Config is the root configuration structure for streamlate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Cache     CacheConfig     `yaml:"cache"`
	Database  DatabaseConfig  `yaml:"database"`
	STT       STTConfig       `yaml:"stt"`
	LLM       LLMConfig       `yaml:"llm"`
	Translate TranslateConfig `yaml:"translate"`
	YouTube   YouTubeConfig   `yaml:"youtube"`
}

// ServerConfig holds network and logging settings for the streamlate server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AuthConfig holds the global producer credentials.
type AuthConfig struct {
	// AdminSecret grants producer rights on every session when presented at
	// connect time. When empty, admin-only features reject and producers must
	// authenticate per session with the room's secret key.
	AdminSecret string `yaml:"admin_secret"`
}

// CacheConfig configures the hot cache tier.
type CacheConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379/0").
	URL string `yaml:"url"`
}

// DatabaseConfig configures the durable document tier.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. When empty the server runs in
	// cache-only mode: transcripts survive only as long as their cache TTL and
	// producer secrets cannot be verified against room records.
	DSN string `yaml:"dsn"`
}

// STTConfig configures the upstream streaming speech-to-text link.
type STTConfig struct {
	// APIKey is the ElevenLabs API key. When empty the realtime producer path
	// is disabled; legacy sync producers still work.
	APIKey string `yaml:"api_key"`

	// PartialIntervalSeconds is the minimum spacing between emitted partial
	// transcripts. Default: 2.
	PartialIntervalSeconds float64 `yaml:"partial_interval_seconds"`

	// QueueSize is the capacity of the per-session audio queue. A full queue
	// blocks the producer connection rather than dropping audio. Default: 1024.
	QueueSize int `yaml:"queue_size"`
}

// LLMConfig selects and configures the LLM backend used for correction,
// translation, and keyword extraction.
type LLMConfig struct {
	// Provider selects the LLM backend (e.g., "openai", "anthropic",
	// "ollama"). Default: "openai".
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API. When empty the
	// translation pipeline passes segments through unchanged.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	// Default: "gpt-4.1-mini".
	Model string `yaml:"model"`

	// Fallbacks lists backup LLM backends tried in order when the primary
	// fails or its circuit breaker is open. Nested fallbacks are ignored.
	Fallbacks []LLMConfig `yaml:"fallbacks"`
}

// TranslateConfig configures the translation pipeline.
type TranslateConfig struct {
	// Languages lists the target language tags (e.g., ["en", "ja"]). When
	// empty the pipeline passes segments through unchanged.
	Languages []string `yaml:"languages"`

	// SeedKeywords is a comma-separated list of domain terms used to seed the
	// per-session keyword list when the cache holds none.
	SeedKeywords string `yaml:"seed_keywords"`
}

// YouTubeConfig configures the live-stream start-time oracle.
type YouTubeConfig struct {
	// APIKey is the YouTube Data API v3 key. When empty the oracle always
	// returns no start time.
	APIKey string `yaml:"api_key"`
}

// PartialInterval returns the configured partial debounce interval as a
// duration, falling back to the 2 s default.
func (c STTConfig) PartialInterval() time.Duration {
	if c.PartialIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PartialIntervalSeconds * float64(time.Second))
}

// AudioQueueSize returns the configured audio queue capacity, falling back to
// the 1024 default.
func (c STTConfig) AudioQueueSize() int {
	if c.QueueSize <= 0 {
		return 1024
	}
	return c.QueueSize
}

// ModelOrDefault returns the configured model name, falling back to the
// default model.
func (c LLMConfig) ModelOrDefault() string {
	if c.Model == "" {
		return "gpt-4.1-mini"
	}
	return c.Model
}

// ProviderOrDefault returns the configured provider name, falling back to
// "openai".
func (c LLMConfig) ProviderOrDefault() string {
	if c.Provider == "" {
		return "openai"
	}
	return c.Provider
}

// SeedKeywordList splits the comma-separated seed keywords into a trimmed,
// empty-free list.
func (c TranslateConfig) SeedKeywordList() []string {
	return splitCommaList(c.SeedKeywords)
}
