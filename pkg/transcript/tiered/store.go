// Package tiered composes the cache and durable transcript tiers into the
// [transcript.Store] the session orchestrator programs against.
//
// Reads resolve the cache first and fall back to the durable tier on a
// committed-log miss, backfilling the cache with fresh TTLs so the next read
// is hot again. Committed writes land in the cache synchronously; durable
// persistence runs on a background goroutine per append and is flushed by
// [Store.Close]. No backend failure ever reaches a reader — the worst case
// is an empty view and a log line.
package tiered

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamlate/streamlate/pkg/transcript"
)

// persistTimeout bounds a single background durable write.
const persistTimeout = 20 * time.Second

// Store is a two-tier [transcript.Store]. The durable tier is optional:
// with a nil Durable the store runs cache-only and transcripts do not
// survive cache expiry.
type Store struct {
	cache   transcript.Cache
	durable transcript.Durable

	mu     sync.Mutex
	closed bool
	bg     sync.WaitGroup
}

var _ transcript.Store = (*Store)(nil)

// New composes cache and durable into a Store. durable may be nil for
// cache-only deployments.
func New(cache transcript.Cache, durable transcript.Durable) *Store {
	return &Store{cache: cache, durable: durable}
}

// Get implements [transcript.Store]. It never fails: backend errors are
// logged and degrade the view instead of propagating.
func (s *Store) Get(ctx context.Context, sessionID string) transcript.View {
	var view transcript.View

	segs, err := s.cache.Committed(ctx, sessionID)
	if err != nil {
		slog.Warn("transcript cache read failed", "session", sessionID, "err", err)
	}

	if len(segs) == 0 && s.durable != nil {
		durSegs, durStart, derr := s.durable.Transcript(ctx, sessionID)
		switch {
		case derr != nil:
			slog.Warn("durable transcript read failed", "session", sessionID, "err", derr)
		case len(durSegs) > 0:
			segs = durSegs
			view.StreamStartTime = durStart
			if berr := s.cache.Backfill(ctx, sessionID, durSegs, durStart); berr != nil {
				slog.Warn("transcript cache backfill failed", "session", sessionID, "err", berr)
			}
		}
	}
	view.Committed = segs

	if view.StreamStartTime == nil {
		start, err := s.cache.StreamStart(ctx, sessionID)
		if err != nil {
			slog.Warn("stream start read failed", "session", sessionID, "err", err)
		} else {
			view.StreamStartTime = start
		}
	}

	partial, err := s.cache.Partial(ctx, sessionID)
	if err != nil {
		slog.Warn("partial read failed", "session", sessionID, "err", err)
	} else {
		view.Partial = partial
	}

	return view
}

// AppendCommitted implements [transcript.Store]. The cache write is
// synchronous; durable persistence is scheduled in the background and its
// failure does not roll back the cache.
func (s *Store) AppendCommitted(ctx context.Context, sessionID string, seg transcript.Segment, streamStart *float64) error {
	if err := s.cache.AppendCommitted(ctx, sessionID, seg, streamStart); err != nil {
		return fmt.Errorf("tiered: append committed: %w", err)
	}
	s.persistAsync(sessionID, seg, streamStart)
	return nil
}

// persistAsync schedules a durable append for seg. After Close the write is
// skipped with a warning; the segment is still in the cache and will be
// re-extracted from the producer on the next run.
func (s *Store) persistAsync(sessionID string, seg transcript.Segment, streamStart *float64) {
	if s.durable == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn("skipping durable persist after close", "session", sessionID, "start", seg.StartTime)
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()

	seg = seg.Clone()
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.durable.AppendSegment(ctx, sessionID, seg, streamStart); err != nil {
			slog.Error("durable persist failed", "session", sessionID, "start", seg.StartTime, "err", err)
		}
	}()
}

// PutPartial implements [transcript.Store]. A partial older than the
// committed tail is rejected as a logged no-op.
func (s *Store) PutPartial(ctx context.Context, sessionID string, seg transcript.Segment) error {
	last, err := s.cache.LastCommitted(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("tiered: read committed tail: %w", err)
	}
	if last != nil && seg.StartTime < last.StartTime {
		slog.Debug("dropping stale partial",
			"session", sessionID, "partial_start", seg.StartTime, "committed_start", last.StartTime)
		return nil
	}
	if err := s.cache.PutPartial(ctx, sessionID, seg); err != nil {
		return fmt.Errorf("tiered: put partial: %w", err)
	}
	return nil
}

// LastCommitted implements [transcript.Store]. Never fails; a backend error
// is logged and reported as "no commits".
func (s *Store) LastCommitted(ctx context.Context, sessionID string) *transcript.Segment {
	last, err := s.cache.LastCommitted(ctx, sessionID)
	if err != nil {
		slog.Warn("committed tail read failed", "session", sessionID, "err", err)
		return nil
	}
	return last
}

// Close flushes all in-flight background durable writes. New appends after
// Close skip persistence.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bg.Wait()
}
