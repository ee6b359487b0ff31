// Package mock provides in-memory test doubles for the transcript storage
// interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	cache := &mock.Cache{}
//	cache.CommittedResult = []transcript.Segment{{StartTime: 1}}
//
//	// inject cache into the system under test …
//
//	if got := cache.CallCount("AppendCommitted"); got != 1 {
//	    t.Errorf("expected 1 AppendCommitted call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/streamlate/streamlate/pkg/transcript"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is the shared call log embedded in every mock.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Cache mock
// ─────────────────────────────────────────────────────────────────────────────

// Cache is a configurable test double for [transcript.Cache]. All exported
// *Err fields default to nil (success); all exported *Result fields default
// to their zero values (cache miss).
type Cache struct {
	recorder

	// CommittedResult is returned by [Cache.Committed].
	CommittedResult []transcript.Segment

	// CommittedErr is returned by [Cache.Committed] when non-nil.
	CommittedErr error

	// PartialResult is returned by [Cache.Partial].
	PartialResult *transcript.Segment

	// PartialErr is returned by [Cache.Partial] when non-nil.
	PartialErr error

	// StreamStartResult is returned by [Cache.StreamStart].
	StreamStartResult *float64

	// StreamStartErr is returned by [Cache.StreamStart] when non-nil.
	StreamStartErr error

	// LastCommittedResult is returned by [Cache.LastCommitted].
	LastCommittedResult *transcript.Segment

	// LastCommittedErr is returned by [Cache.LastCommitted] when non-nil.
	LastCommittedErr error

	// AppendCommittedErr is returned by [Cache.AppendCommitted] when non-nil.
	AppendCommittedErr error

	// PutPartialErr is returned by [Cache.PutPartial] when non-nil.
	PutPartialErr error

	// BackfillErr is returned by [Cache.Backfill] when non-nil.
	BackfillErr error

	// KeywordsResult is returned by [Cache.Keywords].
	KeywordsResult []string

	// KeywordsErr is returned by [Cache.Keywords] when non-nil.
	KeywordsErr error

	// SetKeywordsErr is returned by [Cache.SetKeywords] when non-nil.
	SetKeywordsErr error
}

var _ transcript.Cache = (*Cache)(nil)

// Committed implements [transcript.Cache].
func (m *Cache) Committed(_ context.Context, sessionID string) ([]transcript.Segment, error) {
	m.record("Committed", sessionID)
	return m.CommittedResult, m.CommittedErr
}

// Partial implements [transcript.Cache].
func (m *Cache) Partial(_ context.Context, sessionID string) (*transcript.Segment, error) {
	m.record("Partial", sessionID)
	return m.PartialResult, m.PartialErr
}

// StreamStart implements [transcript.Cache].
func (m *Cache) StreamStart(_ context.Context, sessionID string) (*float64, error) {
	m.record("StreamStart", sessionID)
	return m.StreamStartResult, m.StreamStartErr
}

// LastCommitted implements [transcript.Cache].
func (m *Cache) LastCommitted(_ context.Context, sessionID string) (*transcript.Segment, error) {
	m.record("LastCommitted", sessionID)
	return m.LastCommittedResult, m.LastCommittedErr
}

// AppendCommitted implements [transcript.Cache].
func (m *Cache) AppendCommitted(_ context.Context, sessionID string, seg transcript.Segment, streamStart *float64) error {
	m.record("AppendCommitted", sessionID, seg, streamStart)
	return m.AppendCommittedErr
}

// PutPartial implements [transcript.Cache].
func (m *Cache) PutPartial(_ context.Context, sessionID string, seg transcript.Segment) error {
	m.record("PutPartial", sessionID, seg)
	return m.PutPartialErr
}

// Backfill implements [transcript.Cache].
func (m *Cache) Backfill(_ context.Context, sessionID string, segs []transcript.Segment, streamStart *float64) error {
	m.record("Backfill", sessionID, segs, streamStart)
	return m.BackfillErr
}

// Keywords implements [transcript.Cache].
func (m *Cache) Keywords(_ context.Context, sessionID string) ([]string, error) {
	m.record("Keywords", sessionID)
	return m.KeywordsResult, m.KeywordsErr
}

// SetKeywords implements [transcript.Cache]. The written list is recorded
// and also replaces KeywordsResult, so a subsequent Keywords call observes
// the write.
func (m *Cache) SetKeywords(_ context.Context, sessionID string, keywords []string) error {
	m.record("SetKeywords", sessionID, keywords)
	if m.SetKeywordsErr != nil {
		return m.SetKeywordsErr
	}
	m.mu.Lock()
	m.KeywordsResult = append([]string(nil), keywords...)
	m.mu.Unlock()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Durable mock
// ─────────────────────────────────────────────────────────────────────────────

// Durable is a configurable test double for [transcript.Durable].
type Durable struct {
	recorder

	// AppendSegmentErr is returned by [Durable.AppendSegment] when non-nil.
	AppendSegmentErr error

	// TranscriptResult is returned by [Durable.Transcript].
	TranscriptResult []transcript.Segment

	// TranscriptStart is returned by [Durable.Transcript].
	TranscriptStart *float64

	// TranscriptErr is returned by [Durable.Transcript] when non-nil.
	TranscriptErr error

	// Rooms maps session ids to room records returned by [Durable.GetRoom].
	// Sessions absent from the map yield [transcript.ErrRoomNotFound].
	Rooms map[string]transcript.Room

	// GetRoomErr is returned by [Durable.GetRoom] when non-nil, taking
	// precedence over Rooms.
	GetRoomErr error

	// UpsertRoomErr is returned by [Durable.UpsertRoom] when non-nil.
	UpsertRoomErr error

	// PingErr is returned by [Durable.Ping] when non-nil.
	PingErr error
}

var _ transcript.Durable = (*Durable)(nil)

// AppendSegment implements [transcript.Durable].
func (m *Durable) AppendSegment(_ context.Context, sessionID string, seg transcript.Segment, streamStart *float64) error {
	m.record("AppendSegment", sessionID, seg, streamStart)
	return m.AppendSegmentErr
}

// Transcript implements [transcript.Durable].
func (m *Durable) Transcript(_ context.Context, sessionID string) ([]transcript.Segment, *float64, error) {
	m.record("Transcript", sessionID)
	return m.TranscriptResult, m.TranscriptStart, m.TranscriptErr
}

// GetRoom implements [transcript.Durable].
func (m *Durable) GetRoom(_ context.Context, sessionID string) (*transcript.Room, error) {
	m.record("GetRoom", sessionID)
	if m.GetRoomErr != nil {
		return nil, m.GetRoomErr
	}
	m.mu.Lock()
	room, ok := m.Rooms[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, transcript.ErrRoomNotFound
	}
	return &room, nil
}

// UpsertRoom implements [transcript.Durable]. On success the record is
// stored in Rooms so a subsequent GetRoom observes the write.
func (m *Durable) UpsertRoom(_ context.Context, room transcript.Room) error {
	m.record("UpsertRoom", room)
	if m.UpsertRoomErr != nil {
		return m.UpsertRoomErr
	}
	m.mu.Lock()
	if m.Rooms == nil {
		m.Rooms = make(map[string]transcript.Room)
	}
	m.Rooms[room.SID] = room
	m.mu.Unlock()
	return nil
}

// Ping implements [transcript.Durable].
func (m *Durable) Ping(_ context.Context) error {
	m.record("Ping")
	return m.PingErr
}

// ─────────────────────────────────────────────────────────────────────────────
// Store mock
// ─────────────────────────────────────────────────────────────────────────────

// Store is a configurable test double for [transcript.Store].
type Store struct {
	recorder

	// GetResult is returned by [Store.Get].
	GetResult transcript.View

	// AppendCommittedErr is returned by [Store.AppendCommitted] when non-nil.
	AppendCommittedErr error

	// PutPartialErr is returned by [Store.PutPartial] when non-nil.
	PutPartialErr error

	// LastCommittedResult is returned by [Store.LastCommitted].
	LastCommittedResult *transcript.Segment
}

var _ transcript.Store = (*Store)(nil)

// Get implements [transcript.Store].
func (m *Store) Get(_ context.Context, sessionID string) transcript.View {
	m.record("Get", sessionID)
	return m.GetResult
}

// AppendCommitted implements [transcript.Store]. On success the segment is
// appended to GetResult.Committed and becomes LastCommittedResult, so later
// reads observe the write.
func (m *Store) AppendCommitted(_ context.Context, sessionID string, seg transcript.Segment, streamStart *float64) error {
	m.record("AppendCommitted", sessionID, seg, streamStart)
	if m.AppendCommittedErr != nil {
		return m.AppendCommittedErr
	}
	m.mu.Lock()
	m.GetResult.Committed = append(m.GetResult.Committed, seg)
	m.GetResult.Partial = nil
	m.GetResult.StreamStartTime = streamStart
	s := seg
	m.LastCommittedResult = &s
	m.mu.Unlock()
	return nil
}

// PutPartial implements [transcript.Store]. On success the segment becomes
// GetResult.Partial.
func (m *Store) PutPartial(_ context.Context, sessionID string, seg transcript.Segment) error {
	m.record("PutPartial", sessionID, seg)
	if m.PutPartialErr != nil {
		return m.PutPartialErr
	}
	m.mu.Lock()
	s := seg
	m.GetResult.Partial = &s
	m.mu.Unlock()
	return nil
}

// LastCommitted implements [transcript.Store].
func (m *Store) LastCommitted(_ context.Context, sessionID string) *transcript.Segment {
	m.record("LastCommitted", sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastCommittedResult
}
