// Package transcript defines the session-transcript data model and the
// two-tier storage architecture behind it.
//
// The storage is organised as a hot/durable pair:
//
//   - Cache: a key-value tier with TTLs holding the committed log as an
//     ordered set scored by start time, the single mutable partial head,
//     per-session metadata, and the keyword list. Serves every read on the
//     hot path.
//   - Durable: a document tier persisting the committed log and stream
//     metadata across process restarts, plus the room records used to
//     authenticate producers. Partials are never persisted.
//
// [Store] is the composite contract the session orchestrator programs
// against: reads resolve cache first and backfill from the durable tier on
// miss; committed writes land in the cache synchronously and are persisted
// in the background. A Store never propagates backend failures to readers —
// the worst case is an empty view and a log line.
//
// All interfaces are public so that external packages can supply alternative
// backends (Redis, Postgres, in-memory, …) without depending on streamlate
// internals.
//
// Every implementation must be safe for concurrent use.
package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrRoomNotFound is returned by [Durable.GetRoom] when no room record
// exists for the requested session.
var ErrRoomNotFound = errors.New("transcript: room not found")

// ─────────────────────────────────────────────────────────────────────────────
// Room records
// ─────────────────────────────────────────────────────────────────────────────

// Room is the durable access-control record for a session. Producers prove
// write access to a session by presenting its SecretKey.
type Room struct {
	// SID is the session id; unique.
	SID string

	// SecretKey authenticates producers for this session.
	SecretKey string

	// CreatedAt is when the room record was created.
	CreatedAt time.Time

	// Extra holds arbitrary metadata attached at room creation.
	Extra map[string]any
}

// ─────────────────────────────────────────────────────────────────────────────
// Composite store
// ─────────────────────────────────────────────────────────────────────────────

// Store is the transcript persistence contract used by the session
// orchestrator and the read-side HTTP surface.
//
// Get and LastCommitted never fail: on total backend failure they return an
// empty view (or nil) and log. AppendCommitted and PutPartial return an
// error only when the cache write itself fails; durable persistence happens
// in the background and its failures are logged, never surfaced.
type Store interface {
	// Get returns the current transcript view for the session. Resolution
	// order: cache committed log, cache partial head; on a committed-log
	// cache miss the durable tier is consulted and the cache backfilled
	// with a fresh TTL. A session unknown to both tiers yields an empty
	// view.
	Get(ctx context.Context, sessionID string) View

	// AppendCommitted upserts a committed segment into the session log,
	// keyed by its StartTime. Atomically with the insert, the session
	// metadata is refreshed with streamStart and the partial head is
	// cleared. Durable persistence of the segment is scheduled in the
	// background.
	AppendCommitted(ctx context.Context, sessionID string, seg Segment, streamStart *float64) error

	// PutPartial replaces the session's partial head. A partial older than
	// the last committed segment (StartTime below the committed tail) is
	// rejected as a logged no-op.
	PutPartial(ctx context.Context, sessionID string, seg Segment) error

	// LastCommitted returns the newest committed segment, or nil for a
	// session with no commits.
	LastCommitted(ctx context.Context, sessionID string) *Segment
}

// ─────────────────────────────────────────────────────────────────────────────
// Cache tier
// ─────────────────────────────────────────────────────────────────────────────

// Cache is the hot storage tier. Committed segments live in an ordered set
// scored by StartTime so that upsert-by-start-time is a remove+add at one
// score and "last committed" is a tail read. Every key carries a TTL; an
// expired session is recovered from the durable tier via Backfill.
//
// Misses are not errors: lookups return zero values (nil pointer, nil
// slice) when the key is absent.
type Cache interface {
	// Committed returns the session's committed segments in ascending
	// StartTime order, or nil when the cache holds none.
	Committed(ctx context.Context, sessionID string) ([]Segment, error)

	// Partial returns the session's partial head, or nil when absent.
	Partial(ctx context.Context, sessionID string) (*Segment, error)

	// StreamStart returns the cached stream start time, or nil when absent.
	StreamStart(ctx context.Context, sessionID string) (*float64, error)

	// LastCommitted returns the newest committed segment without loading
	// the full log, or nil when the cache holds none.
	LastCommitted(ctx context.Context, sessionID string) (*Segment, error)

	// AppendCommitted atomically upserts seg into the committed set at
	// score seg.StartTime, refreshes the session metadata with streamStart,
	// clears the partial head, and renews the TTLs.
	AppendCommitted(ctx context.Context, sessionID string, seg Segment, streamStart *float64) error

	// PutPartial replaces the partial head with a fresh TTL.
	PutPartial(ctx context.Context, sessionID string, seg Segment) error

	// Backfill loads a transcript recovered from the durable tier into the
	// cache with fresh TTLs. Existing committed entries are replaced.
	Backfill(ctx context.Context, sessionID string, segs []Segment, streamStart *float64) error

	// Keywords returns the session keyword list, or nil when absent or
	// expired.
	Keywords(ctx context.Context, sessionID string) ([]string, error)

	// SetKeywords replaces the session keyword list with a 24h TTL.
	SetKeywords(ctx context.Context, sessionID string, keywords []string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Durable tier
// ─────────────────────────────────────────────────────────────────────────────

// Durable is the persistent storage tier. It records committed segments and
// stream metadata per session, and holds the room records producers
// authenticate against. Appends are blind (the same segment may land twice
// across crash/retry); Transcript reconciles by deduplicating on StartTime,
// keeping the latest write.
type Durable interface {
	// AppendSegment appends seg to the session's stored transcript,
	// creating the document on first write, and updates the stream start
	// time when streamStart is non-nil.
	AppendSegment(ctx context.Context, sessionID string, seg Segment, streamStart *float64) error

	// Transcript returns the persisted committed segments in ascending
	// StartTime order (deduplicated by StartTime, latest write wins) and
	// the stored stream start time. A session that was never persisted
	// yields a nil slice and nil start time.
	Transcript(ctx context.Context, sessionID string) ([]Segment, *float64, error)

	// GetRoom returns the room record for a session id.
	// Returns [ErrRoomNotFound] when no record exists.
	GetRoom(ctx context.Context, sessionID string) (*Room, error)

	// UpsertRoom creates or replaces a room record.
	UpsertRoom(ctx context.Context, room Room) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}
