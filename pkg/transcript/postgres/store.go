// Package postgres implements the durable transcript tier on PostgreSQL.
//
// Committed segments are stored per session as a JSONB array in the
// transcription_store table. Appends are blind — the same segment may land
// twice across crash/retry — so reads reconcile by deduplicating on start
// time with the latest write winning. Room records live in the rooms table.
package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamlate/streamlate/pkg/transcript"
)

// Schema is the SQL DDL for the transcript tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcription_store (
    sid               TEXT             PRIMARY KEY,
    transcriptions    JSONB            NOT NULL DEFAULT '[]',
    stream_start_time DOUBLE PRECISION,
    updated_at        TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rooms (
    sid         TEXT        PRIMARY KEY,
    secret_key  TEXT        NOT NULL,
    extra       JSONB       NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Store is a [transcript.Durable] backed by a PostgreSQL database.
type Store struct {
	db DB

	// pool is non-nil only when the store owns the connection pool
	// (constructed via [Open]); Close releases it.
	pool *pgxpool.Pool
}

var _ transcript.Durable = (*Store)(nil)

// New creates a Store that uses the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [Store.Migrate]. The returned store owns
// the pool; release it with [Store.Close].
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL, creating the transcription_store and
// rooms tables if they do not already exist. Idempotent; safe to run on
// every application start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// AppendSegment implements [transcript.Durable]. It appends seg to the
// session's JSONB transcript array, creating the document on first write.
// The stored stream start time is only overwritten when streamStart is
// non-nil.
func (s *Store) AppendSegment(ctx context.Context, sessionID string, seg transcript.Segment, streamStart *float64) error {
	body, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("postgres store: marshal segment: %w", err)
	}

	const query = `
		INSERT INTO transcription_store (sid, transcriptions, stream_start_time, updated_at)
		VALUES ($1, jsonb_build_array($2::jsonb), $3, now())
		ON CONFLICT (sid) DO UPDATE SET
			transcriptions    = transcription_store.transcriptions || EXCLUDED.transcriptions,
			stream_start_time = COALESCE(EXCLUDED.stream_start_time, transcription_store.stream_start_time),
			updated_at        = now()`

	if _, err := s.db.Exec(ctx, query, sessionID, body, streamStart); err != nil {
		return fmt.Errorf("postgres store: append segment: %w", err)
	}
	return nil
}

// Transcript implements [transcript.Durable]. It returns the persisted
// committed segments deduplicated by start time (latest write wins) in
// ascending order, together with the stored stream start time.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]transcript.Segment, *float64, error) {
	const query = `
		SELECT transcriptions, stream_start_time
		FROM   transcription_store
		WHERE  sid = $1`

	var (
		raw   []byte
		start *float64
	)
	err := s.db.QueryRow(ctx, query, sessionID).Scan(&raw, &start)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: read transcript %q: %w", sessionID, err)
	}

	var segs []transcript.Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, nil, fmt.Errorf("postgres store: decode transcript %q: %w", sessionID, err)
	}
	return dedupeByStartTime(segs), start, nil
}

// GetRoom implements [transcript.Durable].
func (s *Store) GetRoom(ctx context.Context, sessionID string) (*transcript.Room, error) {
	const query = `
		SELECT sid, secret_key, extra, created_at
		FROM   rooms
		WHERE  sid = $1`

	var (
		room      transcript.Room
		extraJSON []byte
	)
	err := s.db.QueryRow(ctx, query, sessionID).Scan(&room.SID, &room.SecretKey, &extraJSON, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: room %q: %w", sessionID, transcript.ErrRoomNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get room %q: %w", sessionID, err)
	}

	if err := json.Unmarshal(extraJSON, &room.Extra); err != nil {
		return nil, fmt.Errorf("postgres store: decode room extra %q: %w", sessionID, err)
	}
	return &room, nil
}

// UpsertRoom implements [transcript.Durable]. The creation timestamp is
// assigned by the database on first insert and preserved on update.
func (s *Store) UpsertRoom(ctx context.Context, room transcript.Room) error {
	extraJSON, err := json.Marshal(emptyMap(room.Extra))
	if err != nil {
		return fmt.Errorf("postgres store: marshal room extra: %w", err)
	}

	const query = `
		INSERT INTO rooms (sid, secret_key, extra)
		VALUES ($1, $2, $3)
		ON CONFLICT (sid) DO UPDATE SET
			secret_key = EXCLUDED.secret_key,
			extra      = EXCLUDED.extra`

	if _, err := s.db.Exec(ctx, query, room.SID, room.SecretKey, extraJSON); err != nil {
		return fmt.Errorf("postgres store: upsert room %q: %w", room.SID, err)
	}
	return nil
}

// Ping implements [transcript.Durable].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool when the store owns one (see [Open]).
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// dedupeByStartTime collapses duplicate start times (keeping the last
// occurrence, i.e. the latest write) and sorts ascending. Returns nil for an
// empty input so callers can distinguish "no transcript" uniformly.
func dedupeByStartTime(segs []transcript.Segment) []transcript.Segment {
	if len(segs) == 0 {
		return nil
	}
	byStart := make(map[float64]transcript.Segment, len(segs))
	for _, s := range segs {
		byStart[s.StartTime] = s
	}
	out := make([]transcript.Segment, 0, len(byStart))
	for _, s := range byStart {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b transcript.Segment) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})
	return out
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
