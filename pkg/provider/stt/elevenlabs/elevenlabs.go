// Package elevenlabs provides an ElevenLabs-backed STT provider using the
// Scribe realtime WebSocket API. It implements the stt.Provider interface.
//
// Each stream is authenticated in two steps: a short-lived single-use token is
// requested over HTTPS, then the WebSocket is dialed with the token as a query
// parameter and the API key as a header.
package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/streamlate/streamlate/pkg/provider/stt"
)

const (
	defaultTokenURL  = "https://api.elevenlabs.io/v1/single-use-token/realtime_scribe"
	defaultStreamURL = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"

	modelID     = "scribe_v2_realtime"
	audioFormat = "pcm_16000"
	sampleRate  = 16000

	defaultQueueSize = 1024
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client used for token requests and the
// WebSocket handshake. The relay passes its shared client here.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// WithTokenURL overrides the single-use-token endpoint.
func WithTokenURL(u string) Option {
	return func(p *Provider) {
		p.tokenURL = u
	}
}

// WithStreamURL overrides the realtime WebSocket endpoint.
func WithStreamURL(u string) Option {
	return func(p *Provider) {
		p.streamURL = u
	}
}

// WithQueueSize sets the per-stream audio queue capacity. PushAudio blocks
// once the queue is full.
func WithQueueSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger for stream lifecycle and upstream error events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// Provider implements stt.Provider backed by the ElevenLabs Scribe realtime API.
type Provider struct {
	apiKey     string
	tokenURL   string
	streamURL  string
	queueSize  int
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		tokenURL:   defaultTokenURL,
		streamURL:  defaultStreamURL,
		queueSize:  defaultQueueSize,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// StartStream requests a single-use token, dials the realtime endpoint, and
// starts the duplex send/receive loops.
func (p *Provider) StartStream(ctx context.Context, sessionID string) (stt.StreamHandle, error) {
	token, err := p.fetchToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: fetch token: %w", err)
	}

	wsURL, err := p.buildURL(token)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	st := &stream{
		conn:        conn,
		sessionID:   sessionID,
		logger:      p.logger,
		transcripts: make(chan stt.Transcript, 64),
		audio:       make(chan []byte, p.queueSize),
		done:        make(chan struct{}),
	}

	st.wg.Add(2)
	go st.recvLoop(ctx)
	go st.sendLoop(ctx)

	return st, nil
}

// tokenResponse is the JSON body of the single-use-token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// fetchToken requests a single-use realtime transcription token.
func (p *Provider) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return tr.Token, nil
}

// buildURL constructs the realtime endpoint URL with the fixed stream parameters.
func (p *Provider) buildURL(token string) (string, error) {
	u, err := url.Parse(p.streamURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("model_id", modelID)
	q.Set("audio_format", audioFormat)
	q.Set("commit_strategy", "vad")
	q.Set("include_timestamps", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// audioFrame is the JSON message sent for each audio chunk.
type audioFrame struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	SampleRate  int    `json:"sample_rate"`
	Commit      bool   `json:"commit"`
}

// serverMessage is the JSON structure of messages received from the service.
type serverMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

// stream is a live Scribe realtime session. It implements stt.StreamHandle.
type stream struct {
	conn      *websocket.Conn
	sessionID string
	logger    *slog.Logger

	transcripts chan stt.Transcript
	audio       chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// PushAudio encodes the chunk as an input_audio_chunk frame and queues it.
func (s *stream) PushAudio(audioB64 string) error {
	frame, err := json.Marshal(audioFrame{
		MessageType: "input_audio_chunk",
		AudioBase64: audioB64,
		SampleRate:  sampleRate,
		Commit:      false,
	})
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal audio frame: %w", err)
	}

	select {
	case <-s.done:
		return errors.New("elevenlabs: stream is closed")
	default:
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.done:
		return errors.New("elevenlabs: stream is closed")
	}
}

// Transcripts returns the ordered result channel.
func (s *stream) Transcripts() <-chan stt.Transcript { return s.transcripts }

// Err returns the terminal stream error, if any.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close terminates the stream cleanly.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// sendLoop drains the audio queue and writes frames to the connection.
func (s *stream) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is already queued before exiting.
			for {
				select {
				case frame := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageText, frame)
				default:
					return
				}
			}
		}
	}
}

// recvLoop receives JSON messages and dispatches transcripts. Upstream error
// messages are logged and the stream continues; only a broken connection ends
// the loop.
func (s *stream) recvLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.transcripts)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("discarding malformed upstream message", "session_id", s.sessionID, "error", err)
			continue
		}

		switch msg.MessageType {
		case "session_started":
			s.logger.Debug("realtime transcription started", "session_id", s.sessionID)
		case "partial_transcript":
			s.emit(stt.Transcript{Text: msg.Text})
		case "committed_transcript":
			s.emit(stt.Transcript{Text: msg.Text, Committed: true})
		case "error", "auth_error", "quota_exceeded_error":
			s.logger.Error("upstream transcription error",
				"session_id", s.sessionID, "type", msg.MessageType, "error", msg.Error)
		default:
			s.logger.Debug("ignoring upstream message", "session_id", s.sessionID, "type", msg.MessageType)
		}
	}
}

func (s *stream) emit(t stt.Transcript) {
	select {
	case s.transcripts <- t:
	case <-s.done:
	}
}

var _ stt.StreamHandle = (*stream)(nil)
