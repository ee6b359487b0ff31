package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists the LLM provider names wired into the registry by
// the server binary. Used by [Validate] to warn about unrecognised names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Cache is the hot path for every read and write.
	if cfg.Cache.URL == "" {
		errs = append(errs, errors.New("cache.url is required"))
	}

	// STT
	if cfg.STT.PartialIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("stt.partial_interval_seconds %.2f must not be negative", cfg.STT.PartialIntervalSeconds))
	}
	if cfg.STT.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("stt.queue_size %d must not be negative", cfg.STT.QueueSize))
	}

	// LLM provider names — warn for unknown names, they may be third-party.
	for _, c := range append([]LLMConfig{cfg.LLM}, cfg.LLM.Fallbacks...) {
		if name := c.Provider; name != "" && !slices.Contains(ValidLLMProviders, name) {
			slog.Warn("unknown llm provider name — may be a typo or third-party provider",
				"name", name,
				"known", ValidLLMProviders,
			)
		}
	}

	// Translation languages must be non-empty tags once trimmed.
	for i, lang := range cfg.Translate.Languages {
		if strings.TrimSpace(lang) == "" {
			errs = append(errs, fmt.Errorf("translate.languages[%d] is empty", i))
		}
	}

	// Availability warnings: these modes are legitimate but easy to hit by
	// accident with an incomplete config.
	if cfg.Auth.AdminSecret == "" {
		slog.Warn("auth.admin_secret is empty; admin producer authentication will reject all clients")
	}
	if cfg.STT.APIKey == "" {
		slog.Warn("stt.api_key is empty; the realtime audio producer path is disabled")
	}
	if cfg.LLM.APIKey == "" || len(cfg.Translate.Languages) == 0 {
		slog.Warn("llm.api_key or translate.languages is empty; segments pass through the translation pipeline unchanged")
	}
	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; running cache-only, transcripts will not survive cache expiry")
	}

	return errors.Join(errs...)
}

// Languages returns the configured translation language tags, trimmed.
func (c TranslateConfig) LanguageList() []string {
	out := make([]string, 0, len(c.Languages))
	for _, lang := range c.Languages {
		if trimmed := strings.TrimSpace(lang); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitCommaList splits a comma-separated string into trimmed, empty-free
// elements.
func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
