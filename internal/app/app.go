// Package app wires the streamlate subsystems into a running relay server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order — STT links first, then translation queues, then
// storage.
//
// For testing, inject doubles via functional options (WithCache, WithDurable,
// WithLLMProvider, …). When an option is not provided, New creates real
// backends from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamlate/streamlate/internal/config"
	"github.com/streamlate/streamlate/internal/health"
	"github.com/streamlate/streamlate/internal/hub"
	"github.com/streamlate/streamlate/internal/observe"
	"github.com/streamlate/streamlate/internal/resilience"
	"github.com/streamlate/streamlate/internal/session"
	"github.com/streamlate/streamlate/internal/translate"
	"github.com/streamlate/streamlate/internal/youtube"
	"github.com/streamlate/streamlate/pkg/provider/llm"
	"github.com/streamlate/streamlate/pkg/provider/stt"
	"github.com/streamlate/streamlate/pkg/provider/stt/elevenlabs"
	"github.com/streamlate/streamlate/pkg/transcript"
	transcriptpg "github.com/streamlate/streamlate/pkg/transcript/postgres"
	transcriptredis "github.com/streamlate/streamlate/pkg/transcript/redis"
	"github.com/streamlate/streamlate/pkg/transcript/tiered"
)

// httpTimeout bounds outbound LLM, token, and oracle calls.
const httpTimeout = 10 * time.Second

// dialTimeout bounds connection establishment within httpTimeout.
const dialTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	cache   transcript.Cache
	durable transcript.Durable
	store   *tiered.Store

	llmProvider llm.Provider
	sttProvider stt.Provider
	oracle      session.StartTimeOracle

	httpClient *http.Client
	registry   *hub.Registry
	keywords   *translate.KeywordStore
	translator *translate.Translator
	orch       *session.Orchestrator
	wsServer   *hub.Server
	server     *http.Server

	// closers run in order during Shutdown, after the orchestrator stops.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCache injects a cache tier instead of opening Redis from config.
func WithCache(c transcript.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithDurable injects a durable tier instead of opening PostgreSQL from
// config.
func WithDurable(d transcript.Durable) Option {
	return func(a *App) { a.durable = d }
}

// WithLLMProvider injects the LLM backend instead of creating one from the
// registry.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.llmProvider = p }
}

// WithSTTProvider injects the STT backend instead of creating the ElevenLabs
// client from config.
func WithSTTProvider(p stt.Provider) Option {
	return func(a *App) { a.sttProvider = p }
}

// WithOracle injects the stream-start oracle.
func WithOracle(o session.StartTimeOracle) Option {
	return func(a *App) { a.oracle = o }
}

// New creates an App by wiring all subsystems together. The registry supplies
// LLM provider factories; main registers the built-in ones.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	a.httpClient = &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
		},
	}
	a.closers = append(a.closers, func() error {
		a.httpClient.CloseIdleConnections()
		return nil
	})

	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initProviders(registry); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	a.initPipeline()
	a.initHTTP()

	return a, nil
}

// initStorage opens the cache and durable tiers and composes the store.
func (a *App) initStorage(ctx context.Context) error {
	if a.cache == nil {
		if a.cfg.Cache.URL == "" {
			return errors.New("cache.url is required")
		}
		cache, err := transcriptredis.Open(ctx, a.cfg.Cache.URL)
		if err != nil {
			return err
		}
		a.cache = cache
		a.closers = append(a.closers, cache.Close)
	}

	if a.durable == nil && a.cfg.Database.DSN != "" {
		store, err := transcriptpg.Open(ctx, a.cfg.Database.DSN)
		if err != nil {
			return err
		}
		a.durable = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	if a.durable == nil {
		a.logger.Warn("no database configured, running cache-only: transcripts expire with the cache and room secrets cannot be verified")
	}

	a.store = tiered.New(a.cache, a.durable)
	a.closers = append([]func() error{func() error {
		a.store.Close()
		return nil
	}}, a.closers...)
	return nil
}

// initProviders builds the LLM, STT, and oracle collaborators.
func (a *App) initProviders(registry *config.Registry) error {
	if a.llmProvider == nil && a.cfg.LLM.APIKey != "" {
		p, err := registry.CreateLLM(a.cfg.LLM)
		if err != nil {
			return err
		}
		if len(a.cfg.LLM.Fallbacks) > 0 {
			group := resilience.NewLLMFallback(p, a.cfg.LLM.ProviderOrDefault(), resilience.FallbackConfig{})
			for _, fcfg := range a.cfg.LLM.Fallbacks {
				fp, err := registry.CreateLLM(fcfg)
				if err != nil {
					return fmt.Errorf("fallback %s: %w", fcfg.ProviderOrDefault(), err)
				}
				group.AddFallback(fcfg.ProviderOrDefault(), fp)
			}
			a.llmProvider = group
		} else {
			a.llmProvider = p
		}
	}
	if a.llmProvider == nil {
		a.logger.Warn("no llm configured, segments pass through untranslated")
	}

	if a.sttProvider == nil {
		if a.cfg.STT.APIKey != "" {
			p, err := elevenlabs.New(a.cfg.STT.APIKey,
				elevenlabs.WithHTTPClient(a.httpClient),
				elevenlabs.WithQueueSize(a.cfg.STT.AudioQueueSize()),
			)
			if err != nil {
				return err
			}
			a.sttProvider = p
		} else {
			a.logger.Warn("no stt api key configured, realtime producers are disabled")
			a.sttProvider = disabledSTT{}
		}
	}

	if a.oracle == nil {
		a.oracle = youtube.New(a.cfg.YouTube.APIKey, youtube.WithHTTPClient(a.httpClient))
	}
	return nil
}

// initPipeline assembles the translation pipeline, the room registry, and the
// orchestrator.
func (a *App) initPipeline() {
	a.keywords = translate.NewKeywordStore(a.cache, a.cfg.Translate.SeedKeywordList(), a.logger)
	a.translator = translate.NewTranslator(a.llmProvider, a.cfg.Translate.LanguageList(), a.keywords,
		translate.WithLogger(a.logger))

	a.registry = hub.NewRegistry(a.logger, nil)

	factory := func(cb translate.Callback) session.TranslationQueue {
		return translate.NewQueue(a.translator, cb, translate.WithQueueLogger(a.logger))
	}
	a.orch = session.New(a.store, a.sttProvider, factory, a.registry,
		session.WithOracle(a.oracle),
		session.WithLogger(a.logger),
		session.WithSegmenterOptions(session.WithPartialInterval(a.cfg.STT.PartialInterval())),
	)
}

// initHTTP builds the HTTP surface: WebSocket ingress, transcript reads,
// health probes, and metrics.
func (a *App) initHTTP() {
	var rooms hub.RoomAuthority = noRooms{}
	if a.durable != nil {
		rooms = a.durable
	}
	a.wsServer = hub.NewServer(a.registry, a.orch, rooms,
		hub.WithServerLogger(a.logger),
		hub.WithAdminSecret(a.cfg.Auth.AdminSecret),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.wsServer)
	mux.HandleFunc("GET /transcripts/{id}", a.handleTranscript)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{{Name: "cache", Check: a.pingCache}}
	if a.durable != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.durable.Ping})
	}
	health.New(checkers...).Register(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// pingCache probes the cache tier when it supports pinging.
func (a *App) pingCache(ctx context.Context) error {
	if p, ok := a.cache.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// handleTranscript serves the committed transcript of a session as JSON.
func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	if sid == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	view := a.store.Get(r.Context(), sid)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		a.logger.Error("encoding transcript response failed", "session_id", sid, "error", err)
	}
}

// ApplyDiff applies a hot-reloadable config change to the running pipeline.
// Log level changes are handled by the caller, which owns the handler.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LanguagesChanged {
		a.translator.SetLanguages(d.NewLanguages)
		a.logger.Info("translation languages updated", "languages", d.NewLanguages)
	}
	if d.SeedKeywordsChanged {
		a.keywords.SetSeeds(d.NewSeedKeywords)
		a.logger.Info("seed keywords updated", "count", len(d.NewSeedKeywords))
	}
}

// Handler returns the app's HTTP handler. Exposed for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown tears the app down in order: stop accepting connections, stop the
// per-session managers so no new segments are produced, then flush and close
// storage. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")

		// WebSocket connections are hijacked, so server.Shutdown would not
		// touch them. Close them first so their handlers return.
		a.wsServer.Close()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", "error", err)
		}
		if err := a.orch.Shutdown(ctx); err != nil {
			a.logger.Warn("orchestrator shutdown error", "error", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// disabledSTT rejects every stream start. Used when no STT key is configured.
type disabledSTT struct{}

var _ stt.Provider = disabledSTT{}

func (disabledSTT) StartStream(context.Context, string) (stt.StreamHandle, error) {
	return nil, errors.New("app: no stt api key configured")
}

// noRooms is the room authority for cache-only deployments: every secret
// check fails closed.
type noRooms struct{}

var _ hub.RoomAuthority = noRooms{}

func (noRooms) GetRoom(context.Context, string) (*transcript.Room, error) {
	return nil, transcript.ErrRoomNotFound
}
