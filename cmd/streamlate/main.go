// Command streamlate is the realtime transcription-and-translation relay
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/streamlate/streamlate/internal/app"
	"github.com/streamlate/streamlate/internal/config"
	"github.com/streamlate/streamlate/internal/observe"
	"github.com/streamlate/streamlate/pkg/provider/llm"
	"github.com/streamlate/streamlate/pkg/provider/llm/anyllm"
	"github.com/streamlate/streamlate/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamlate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamlate: %v\n", err)
		}
		return 1
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("streamlate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	if cfg.Auth.AdminSecret == "" {
		slog.Warn("no admin secret configured, admin-only producer features will reject")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry provider (OTLP metrics export when configured).
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Warn("telemetry init failed, continuing without export", "error", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	// Hot-reload safe settings on config file changes; everything else needs
	// a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "log_level", d.NewLogLevel)
		}
		application.ApplyDiff(d)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// anyLLMProviders are the backends wired through the any-llm adapter. OpenAI
// is registered separately on the native SDK.
var anyLLMProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in LLM factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// OpenAI uses the native SDK: it supports the JSON-object response format
	// the keyword-extraction stage asks for.
	reg.RegisterLLM("openai", func(cfg config.LLMConfig) (llm.Provider, error) {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, cfg.ModelOrDefault(), opts...)
	})

	for _, name := range anyLLMProviders {
		reg.RegisterLLM(name, func(cfg config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if cfg.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
			}
			if cfg.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
			}
			return anyllm.New(name, cfg.ModelOrDefault(), opts...)
		})
	}

	// ollama is a local server; BaseURL is the address, no API key.
	reg.RegisterLLM("ollama", func(cfg config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.NewOllama(cfg.ModelOrDefault(), opts...)
	})

	for _, name := range append([]string{"openai", "ollama"}, anyLLMProviders...) {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       streamlate — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printValue("LLM", providerSummary(cfg.LLM))
	printValue("STT", enabledIf(cfg.STT.APIKey != ""))
	printValue("Languages", joinOrNone(cfg.Translate.Languages))
	printValue("Cache", enabledIf(cfg.Cache.URL != ""))
	printValue("Database", enabledIf(cfg.Database.DSN != ""))
	printValue("YouTube", enabledIf(cfg.YouTube.APIKey != ""))
	printValue("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerSummary(cfg config.LLMConfig) string {
	if cfg.APIKey == "" {
		return "(disabled)"
	}
	return cfg.ProviderOrDefault() + " / " + cfg.ModelOrDefault()
}

func enabledIf(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	out := values[0]
	for _, v := range values[1:] {
		out += "," + v
	}
	return out
}

func printValue(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-20s ║\n", kind, value)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
