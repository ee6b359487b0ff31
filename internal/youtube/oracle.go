// Package youtube resolves the wall-clock start time of a live stream through
// the YouTube Data API v3.
//
// Session ids in this system double as YouTube video ids, so the oracle can
// anchor a session's transcript timeline to the real stream start: the API's
// actualStartTime when the stream is live, falling back to scheduledStartTime
// before it goes live.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3/videos"

// Option is a functional option for the Oracle.
type Option func(*Oracle)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Oracle) {
		o.httpClient = hc
	}
}

// WithBaseURL overrides the videos endpoint URL.
func WithBaseURL(u string) Option {
	return func(o *Oracle) {
		o.baseURL = u
	}
}

// WithLogger sets the logger for lookup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		o.logger = logger
	}
}

// liveDetails is the liveStreamingDetails object of a videos.list item.
type liveDetails struct {
	ActualStartTime    string `json:"actualStartTime"`
	ScheduledStartTime string `json:"scheduledStartTime"`
}

// listResponse is the videos.list response, reduced to what the oracle reads.
type listResponse struct {
	Items []struct {
		LiveStreamingDetails *liveDetails `json:"liveStreamingDetails"`
	} `json:"items"`
}

// Oracle resolves stream start times with an in-process cache. Every
// completed lookup, hit or miss, is cached for the process lifetime, so each
// video costs at most one API call; only transport and API errors are
// retried.
//
// Oracle is safe for concurrent use. Concurrent lookups for the same video id
// are collapsed into a single API call.
type Oracle struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*liveDetails

	sf singleflight.Group
}

// New creates an Oracle. An empty apiKey disables lookups: StartTime then
// always reports an unknown start.
func New(apiKey string, opts ...Option) *Oracle {
	o := &Oracle{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		cache:      make(map[string]*liveDetails),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartTime returns the stream start for videoID as UTC seconds since the
// Unix epoch, preferring actualStartTime over scheduledStartTime. It returns
// nil when the start is unknown: no API key, no such video, a video without
// live-streaming details, or a lookup failure.
func (o *Oracle) StartTime(ctx context.Context, videoID string) (*float64, error) {
	if o.apiKey == "" || videoID == "" {
		return nil, nil
	}

	o.mu.RLock()
	details, ok := o.cache[videoID]
	o.mu.RUnlock()

	if !ok {
		v, err, _ := o.sf.Do(videoID, func() (any, error) {
			return o.fetch(ctx, videoID)
		})
		if err != nil {
			return nil, fmt.Errorf("youtube: lookup %q: %w", videoID, err)
		}
		details, _ = v.(*liveDetails)
		o.mu.Lock()
		o.cache[videoID] = details
		o.mu.Unlock()
	}

	return startFromDetails(details), nil
}

// fetch performs one videos.list call. A response without a matching item
// yields (nil, nil); the caller caches the miss.
func (o *Oracle) fetch(ctx context.Context, videoID string) (*liveDetails, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("part", "liveStreamingDetails")
	q.Set("id", videoID)
	q.Set("key", o.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("videos endpoint returned %d: %s", resp.StatusCode, body)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode videos response: %w", err)
	}
	if len(list.Items) == 0 {
		o.logger.Debug("no video found for session", "video_id", videoID)
		return nil, nil
	}
	if list.Items[0].LiveStreamingDetails == nil {
		// Not a live stream. Cache the absence so we stop asking.
		return &liveDetails{}, nil
	}
	return list.Items[0].LiveStreamingDetails, nil
}

// startFromDetails converts live-streaming details into epoch seconds.
func startFromDetails(d *liveDetails) *float64 {
	if d == nil {
		return nil
	}
	for _, raw := range []string{d.ActualStartTime, d.ScheduledStartTime} {
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		secs := float64(ts.UnixMilli()) / 1000
		return &secs
	}
	return nil
}
