package config

import "testing"

func TestDiffEmpty(t *testing.T) {
	t.Parallel()

	a := &Config{
		Server:    ServerConfig{LogLevel: LogInfo},
		Translate: TranslateConfig{Languages: []string{"en", "ja"}, SeedKeywords: "g0v"},
	}
	b := &Config{
		Server:    ServerConfig{LogLevel: LogInfo},
		Translate: TranslateConfig{Languages: []string{"en", "ja"}, SeedKeywords: "g0v"},
	}

	d := Diff(a, b)
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()

	a := &Config{Server: ServerConfig{LogLevel: LogInfo}}
	b := &Config{Server: ServerConfig{LogLevel: LogDebug}}

	d := Diff(a, b)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiffLanguagesAndKeywords(t *testing.T) {
	t.Parallel()

	a := &Config{Translate: TranslateConfig{Languages: []string{"en"}, SeedKeywords: "a,b"}}
	b := &Config{Translate: TranslateConfig{Languages: []string{"en", "ja"}, SeedKeywords: "a,b,c"}}

	d := Diff(a, b)
	if !d.LanguagesChanged {
		t.Error("LanguagesChanged = false, want true")
	}
	if len(d.NewLanguages) != 2 || d.NewLanguages[1] != "ja" {
		t.Errorf("NewLanguages = %v, want [en ja]", d.NewLanguages)
	}
	if !d.SeedKeywordsChanged {
		t.Error("SeedKeywordsChanged = false, want true")
	}
	if d.Empty() {
		t.Error("Empty() = true for changed config")
	}
}

func TestDiffIgnoresWhitespaceOnlyChanges(t *testing.T) {
	t.Parallel()

	a := &Config{Translate: TranslateConfig{Languages: []string{"en", "ja"}}}
	b := &Config{Translate: TranslateConfig{Languages: []string{" en ", "ja "}}}

	if d := Diff(a, b); d.LanguagesChanged {
		t.Errorf("Diff flagged whitespace-only language change: %+v", d)
	}
}
