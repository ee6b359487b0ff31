package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"

	"github.com/streamlate/streamlate/internal/app"
	"github.com/streamlate/streamlate/internal/config"
	"github.com/streamlate/streamlate/pkg/provider/llm"
	llmmock "github.com/streamlate/streamlate/pkg/provider/llm/mock"
	transcriptmock "github.com/streamlate/streamlate/pkg/transcript/mock"

	"github.com/streamlate/streamlate/pkg/transcript"
)

// envelope mirrors the hub wire frame for test clients.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func testConfig(cacheURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Auth:   config.AuthConfig{AdminSecret: "admin-secret"},
		Cache:  config.CacheConfig{URL: cacheURL},
	}
}

type testApp struct {
	app     *app.App
	durable *transcriptmock.Durable
	server  *httptest.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)

	durable := &transcriptmock.Durable{
		Rooms: map[string]transcript.Room{
			"s1": {SID: "s1", SecretKey: "room-secret"},
		},
	}

	a, err := app.New(context.Background(), testConfig("redis://"+mr.Addr()), config.NewRegistry(),
		app.WithDurable(durable))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &testApp{app: a, durable: durable, server: srv}
}

func (ta *testApp) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: ta.server.Client()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := ta.server.Client().Get(ta.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestTranscriptEndpointEmptySession(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	resp, err := ta.server.Client().Get(ta.server.URL + "/transcripts/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view transcript.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if len(view.Committed) != 0 || view.Partial != nil {
		t.Errorf("view = %+v, want empty", view)
	}
}

func TestSyncFlowsToSubscriberAndStore(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	// Subscriber joins room s1.
	sub := ta.dialWS(t)
	sendWS(t, sub, "join_session", map[string]string{"session_id": "s1"})
	if env := readWS(t, sub); env.Event != "joined_session" {
		t.Fatalf("subscriber got %q, want joined_session", env.Event)
	}

	// Producer pushes a committed segment over the legacy path.
	prod := ta.dialWS(t)
	sendWS(t, prod, "sync", map[string]any{
		"id":         "s1",
		"secret_key": "room-secret",
		"partial":    false,
		"start_time": 12.0,
		"end_time":   14.5,
		"result":     map[string]any{"corrected": "hello world"},
	})

	env := readWS(t, sub)
	if env.Event != "transcription_update" {
		t.Fatalf("subscriber got %q, want transcription_update", env.Event)
	}
	var update transcript.Update
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if update.Result.Corrected != "hello world" {
		t.Errorf("update text = %q", update.Result.Corrected)
	}
	if update.LastCommitted == nil || update.LastCommitted.StartTime != 12.0 {
		t.Errorf("update LastCommitted = %+v", update.LastCommitted)
	}

	// The segment is readable over HTTP.
	resp, err := ta.server.Client().Get(ta.server.URL + "/transcripts/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var view transcript.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if len(view.Committed) != 1 || view.Committed[0].Result.Corrected != "hello world" {
		t.Errorf("stored view = %+v, want the synced segment", view)
	}
}

func TestSyncWithWrongSecretIsRejected(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	prod := ta.dialWS(t)
	sendWS(t, prod, "sync", map[string]any{
		"id":         "s1",
		"secret_key": "wrong",
		"result":     map[string]any{"corrected": "intrusion"},
	})
	env := readWS(t, prod)
	if env.Event != "error" {
		t.Fatalf("producer got %q, want error", env.Event)
	}

	resp, err := ta.server.Client().Get(ta.server.URL + "/transcripts/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var view transcript.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if len(view.Committed) != 0 {
		t.Errorf("unauthorized sync reached the store: %+v", view.Committed)
	}
}

func TestLLMFallbackUsesBackup(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	reg := config.NewRegistry()
	reg.RegisterLLM("flaky", func(config.LLMConfig) (llm.Provider, error) {
		return &llmmock.Provider{CompleteErr: errors.New("upstream down")}, nil
	})
	reg.RegisterLLM("steady", func(config.LLMConfig) (llm.Provider, error) {
		return &llmmock.Provider{
			CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
				if req.JSONObject {
					return &llm.CompletionResponse{Content: `{"special_keywords": []}`}, nil
				}
				return &llm.CompletionResponse{Content: "hallo welt"}, nil
			},
		}, nil
	})

	cfg := testConfig("redis://" + mr.Addr())
	cfg.LLM = config.LLMConfig{
		Provider:  "flaky",
		APIKey:    "key",
		Fallbacks: []config.LLMConfig{{Provider: "steady", APIKey: "key"}},
	}
	cfg.Translate.Languages = []string{"de"}

	durable := &transcriptmock.Durable{
		Rooms: map[string]transcript.Room{
			"s1": {SID: "s1", SecretKey: "room-secret"},
		},
	}
	a, err := app.New(context.Background(), cfg, reg, app.WithDurable(durable))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	ta := &testApp{app: a, durable: durable, server: srv}

	sub := ta.dialWS(t)
	sendWS(t, sub, "join_session", map[string]string{"session_id": "s1"})
	if env := readWS(t, sub); env.Event != "joined_session" {
		t.Fatalf("subscriber got %q, want joined_session", env.Event)
	}

	prod := ta.dialWS(t)
	sendWS(t, prod, "sync", map[string]any{
		"id":         "s1",
		"secret_key": "room-secret",
		"partial":    false,
		"start_time": 1.0,
		"end_time":   2.0,
		"result":     map[string]any{"corrected": "hello world"},
	})

	env := readWS(t, sub)
	if env.Event != "transcription_update" {
		t.Fatalf("subscriber got %q, want transcription_update", env.Event)
	}
	var update transcript.Update
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if got := update.Result.Translated["de"]; got != "hallo welt" {
		t.Errorf("Translated[de] = %q, want the backup provider's output", got)
	}
}

func TestShutdownDisconnectsWebSocketClients(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	sub := ta.dialWS(t)
	sendWS(t, sub, "join_session", map[string]string{"session_id": "s1"})
	if env := readWS(t, sub); env.Event != "joined_session" {
		t.Fatalf("subscriber got %q, want joined_session", env.Event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	if _, _, err := sub.Read(readCtx); err == nil {
		t.Fatal("read succeeded after shutdown")
	} else if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", got)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}
