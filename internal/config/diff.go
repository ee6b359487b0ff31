package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LanguagesChanged is true when the translation target set differs.
	// In-flight segments keep the set they started with.
	LanguagesChanged bool
	NewLanguages     []string

	// SeedKeywordsChanged is true when the keyword seed list differs. Takes
	// effect when a session's cached keyword list next expires.
	SeedKeywordsChanged bool
	NewSeedKeywords     []string
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LanguagesChanged && !d.SeedKeywordsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; everything else
// (listen address, credentials, backend URLs) requires a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Translate.LanguageList(), new.Translate.LanguageList()) {
		d.LanguagesChanged = true
		d.NewLanguages = new.Translate.LanguageList()
	}

	if !slices.Equal(old.Translate.SeedKeywordList(), new.Translate.SeedKeywordList()) {
		d.SeedKeywordsChanged = true
		d.NewSeedKeywords = new.Translate.SeedKeywordList()
	}

	return d
}
