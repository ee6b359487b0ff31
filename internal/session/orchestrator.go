package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamlate/streamlate/internal/observe"
	"github.com/streamlate/streamlate/internal/translate"
	"github.com/streamlate/streamlate/pkg/provider/stt"
	"github.com/streamlate/streamlate/pkg/transcript"
)

// EventTranscriptionUpdate is the egress event carrying a processed segment.
const EventTranscriptionUpdate = "transcription_update"

// Publisher broadcasts an event to every subscriber of a room.
type Publisher interface {
	Publish(roomID, event string, payload any)
}

// StartTimeOracle resolves the wall-clock start of the live stream backing a
// session. A nil result with a nil error means the start is unknown.
type StartTimeOracle interface {
	StartTime(ctx context.Context, videoID string) (*float64, error)
}

// TranslationQueue is the per-session translation coordinator the
// orchestrator drives. Satisfied by [translate.Queue].
type TranslationQueue interface {
	Put(item translate.Item)
	Stop()
}

// QueueFactory builds a session's translation queue around the orchestrator's
// completion callback.
type QueueFactory func(callback translate.Callback) TranslationQueue

// Option is a functional option for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithOracle sets the stream-start oracle. Without one, stream start times
// stay unknown.
func WithOracle(oracle StartTimeOracle) Option {
	return func(o *Orchestrator) {
		o.oracle = oracle
	}
}

// WithSegmenterOptions sets the options applied to each session's segmenter.
func WithSegmenterOptions(opts ...SegmenterOption) Option {
	return func(o *Orchestrator) {
		o.segmenterOpts = opts
	}
}

// WithUpdateTimeout bounds one pass of the update-processing routine.
func WithUpdateTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.updateTimeout = d
		}
	}
}

// Orchestrator owns the per-session managers. It lazily creates an STT link
// and a translation queue on the first producer event, threads the STT feed
// through the segmenter into the queue, and runs the update-processing
// routine on every segment the queue completes: store the segment, refresh
// the stream start, and broadcast to the session's room.
//
// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store    transcript.Store
	stt      stt.Provider
	newQueue QueueFactory
	pub      Publisher
	oracle   StartTimeOracle

	segmenterOpts []SegmenterOption
	updateTimeout time.Duration
	logger        *slog.Logger
	metrics       *observe.Metrics

	mu      sync.Mutex
	links   map[string]*sttLink
	dials   map[string]chan struct{}
	queues  map[string]TranslationQueue
	updates map[string]*sync.Mutex
	closed  bool
}

// New creates an Orchestrator. store, provider, factory, and pub are
// required; the oracle is optional.
func New(store transcript.Store, provider stt.Provider, factory QueueFactory, pub Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		stt:           provider,
		newQueue:      factory,
		pub:           pub,
		updateTimeout: 30 * time.Second,
		logger:        slog.Default(),
		links:         make(map[string]*sttLink),
		dials:         make(map[string]chan struct{}),
		queues:        make(map[string]TranslationQueue),
		updates:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// sttLink is one live STT connection plus the loop that drains it.
type sttLink struct {
	stream    stt.StreamHandle
	segmenter *Segmenter
	done      chan struct{}
}

// EnsureRealtime makes sure the session has a live STT link and translation
// queue, creating both on first use. A link that previously failed is
// replaced by a fresh one.
//
// The upstream dial (token fetch plus WebSocket handshake) can take seconds,
// so it runs outside o.mu; one session's slow connect never blocks the
// others. Concurrent callers for the same session wait on the in-flight dial
// instead of starting a second stream.
func (o *Orchestrator) EnsureRealtime(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session: session id is required")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("session: orchestrator is shut down")
	}
	if _, ok := o.links[sessionID]; ok {
		o.mu.Unlock()
		return nil
	}
	if pending, ok := o.dials[sessionID]; ok {
		o.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
		_, ok := o.links[sessionID]
		o.mu.Unlock()
		if !ok {
			return fmt.Errorf("session: start stt stream for %q: concurrent dial failed", sessionID)
		}
		return nil
	}
	queue := o.queueLocked(sessionID)
	pending := make(chan struct{})
	o.dials[sessionID] = pending
	o.mu.Unlock()

	stream, err := o.stt.StartStream(ctx, sessionID)

	o.mu.Lock()
	delete(o.dials, sessionID)
	close(pending)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("session: start stt stream for %q: %w", sessionID, err)
	}
	if o.closed {
		o.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("session: orchestrator is shut down")
	}

	link := &sttLink{
		stream:    stream,
		segmenter: NewSegmenter(o.segmenterOpts...),
		done:      make(chan struct{}),
	}
	o.links[sessionID] = link
	o.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), 1)
	o.mu.Unlock()

	go o.drain(sessionID, link, queue)
	return nil
}

// queueLocked returns the session's translation queue, creating it on first
// use. Must be called with o.mu held.
func (o *Orchestrator) queueLocked(sessionID string) TranslationQueue {
	if q, ok := o.queues[sessionID]; ok {
		return q
	}
	q := o.newQueue(func(sid string, seg transcript.Segment) {
		o.processUpdate(sid, seg)
	})
	o.queues[sessionID] = q
	return q
}

// drain is the per-link receive loop: it segments the raw transcript feed and
// hands each emitted segment to the translation queue together with the
// transcript snapshot taken at that moment.
func (o *Orchestrator) drain(sessionID string, link *sttLink, queue TranslationQueue) {
	defer close(link.done)

	for tr := range link.stream.Transcripts() {
		if tr.Committed {
			o.metrics.RecordSTTMessage(context.Background(), "committed_transcript")
		} else {
			o.metrics.RecordSTTMessage(context.Background(), "partial_transcript")
		}

		seg := link.segmenter.Normalize(tr)
		if seg == nil {
			continue
		}
		view := o.store.Get(context.Background(), sessionID)
		queue.Put(translate.Item{
			SessionID:      sessionID,
			Segment:        *seg,
			View:           view,
			SkipCorrection: true,
		})
	}

	if err := link.stream.Err(); err != nil {
		o.logger.Error("stt stream failed, link will be recreated on next audio",
			"session_id", sessionID, "error", err)
		o.metrics.RecordProviderError(context.Background(), "stt", "stream")
	}
	o.dropLink(sessionID, link)
}

// dropLink removes a finished link from the registry so the next producer
// event builds a fresh one. The translation queue stays: queued work must
// survive an STT reconnect.
func (o *Orchestrator) dropLink(sessionID string, link *sttLink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links[sessionID] == link {
		delete(o.links, sessionID)
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// PushAudio forwards a base64 audio chunk to the session's STT link, creating
// the link lazily on the first chunk.
func (o *Orchestrator) PushAudio(ctx context.Context, sessionID, audioB64 string) error {
	if err := o.EnsureRealtime(ctx, sessionID); err != nil {
		return err
	}

	o.mu.Lock()
	link, ok := o.links[sessionID]
	o.mu.Unlock()
	if !ok {
		// The link died between EnsureRealtime and now; the next chunk
		// recreates it.
		return nil
	}

	if err := link.stream.PushAudio(audioB64); err != nil {
		return fmt.Errorf("session: push audio for %q: %w", sessionID, err)
	}
	return nil
}

// HandleSync accepts a fully-formed segment from a legacy producer and runs
// it through the translation queue. The segment's text is taken as already
// corrected.
func (o *Orchestrator) HandleSync(ctx context.Context, sessionID string, seg transcript.Segment) error {
	if sessionID == "" {
		return fmt.Errorf("session: session id is required")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("session: orchestrator is shut down")
	}
	queue := o.queueLocked(sessionID)
	o.mu.Unlock()

	view := o.store.Get(ctx, sessionID)
	queue.Put(translate.Item{
		SessionID:      sessionID,
		Segment:        seg,
		View:           view,
		SkipCorrection: true,
	})
	return nil
}

// processUpdate is the update-processing routine: it runs once per completed
// pipeline segment, serialized per session so concurrent completions cannot
// interleave their store writes.
func (o *Orchestrator) processUpdate(sessionID string, seg transcript.Segment) {
	mu := o.updateMutex(sessionID)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.updateTimeout)
	defer cancel()
	ctx, span := observe.StartSessionSpan(ctx, "session.update", sessionID)
	defer span.End()

	view := o.store.Get(ctx, sessionID)

	streamStart := view.StreamStartTime
	if o.oracle != nil {
		start, err := o.oracle.StartTime(ctx, sessionID)
		switch {
		case err != nil:
			o.logger.Error("stream start lookup failed", "session_id", sessionID, "error", err)
		case start != nil:
			streamStart = start
		}
	}

	var last *transcript.Segment
	if seg.Partial {
		last = view.LastCommitted()
		if last != nil && seg.StartTime < last.StartTime {
			o.logger.Debug("dropping stale partial",
				"session_id", sessionID,
				"partial_start", seg.StartTime,
				"committed_start", last.StartTime)
			return
		}
		if err := o.store.PutPartial(ctx, sessionID, seg); err != nil {
			o.logger.Error("storing partial failed", "session_id", sessionID, "error", err)
		}
		o.metrics.SegmentsPartial.Add(ctx, 1)
	} else {
		if err := o.store.AppendCommitted(ctx, sessionID, seg, streamStart); err != nil {
			o.logger.Error("storing committed segment failed", "session_id", sessionID, "error", err)
		}
		last = o.store.LastCommitted(ctx, sessionID)
		o.metrics.SegmentsCommitted.Add(ctx, 1)
	}

	o.pub.Publish(sessionID, EventTranscriptionUpdate, transcript.Update{
		Segment:       seg,
		LastCommitted: last,
	})
}

// updateMutex returns the session's update lock, creating it on first use.
func (o *Orchestrator) updateMutex(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.updates[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		o.updates[sessionID] = mu
	}
	return mu
}

// Shutdown tears down every session: STT links first, so no new segments are
// produced, then the translation queues. Blocks until all receive loops have
// returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	links := make(map[string]*sttLink, len(o.links))
	for sid, link := range o.links {
		links[sid] = link
	}
	queues := make([]TranslationQueue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	for sid, link := range links {
		if err := link.stream.Close(); err != nil {
			o.logger.Error("closing stt stream failed", "session_id", sid, "error", err)
		}
		select {
		case <-link.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, q := range queues {
		q.Stop()
	}
	return nil
}
