package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/streamlate/streamlate/pkg/transcript"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingFunc     func(ctx context.Context) error
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(_ ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Ping(ctx context.Context) error {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// AppendSegment
// ---------------------------------------------------------------------------

func TestStore_AppendSegment(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}

	seg := transcript.Segment{
		StartTime: 12.5,
		EndTime:   14.0,
		Result:    transcript.Result{Corrected: "hello"},
	}
	start := 1700000000.0
	if err := New(db).AppendSegment(context.Background(), "s1", seg, &start); err != nil {
		t.Fatalf("AppendSegment error: %v", err)
	}

	if !strings.Contains(gotSQL, "ON CONFLICT (sid) DO UPDATE") {
		t.Errorf("append SQL is not an upsert:\n%s", gotSQL)
	}
	if !strings.Contains(gotSQL, "COALESCE(EXCLUDED.stream_start_time") {
		t.Errorf("append SQL does not preserve existing stream_start_time on nil:\n%s", gotSQL)
	}
	if len(gotArgs) != 3 {
		t.Fatalf("Exec received %d args, want 3", len(gotArgs))
	}
	if gotArgs[0] != "s1" {
		t.Errorf("arg[0] = %v, want session id s1", gotArgs[0])
	}

	body, ok := gotArgs[1].([]byte)
	if !ok {
		t.Fatalf("arg[1] is %T, want []byte segment JSON", gotArgs[1])
	}
	var round transcript.Segment
	if err := json.Unmarshal(body, &round); err != nil {
		t.Fatalf("segment arg is not valid JSON: %v", err)
	}
	if round.StartTime != 12.5 || round.Result.Corrected != "hello" {
		t.Errorf("segment arg round-trips to %+v, want original segment", round)
	}

	if got, ok := gotArgs[2].(*float64); !ok || got == nil || *got != start {
		t.Errorf("arg[2] = %v, want *float64(%v)", gotArgs[2], start)
	}
}

func TestStore_AppendSegmentNilStart(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}

	if err := New(db).AppendSegment(context.Background(), "s1", transcript.Segment{StartTime: 1}, nil); err != nil {
		t.Fatalf("AppendSegment error: %v", err)
	}
	if got, ok := gotArgs[2].(*float64); !ok || got != nil {
		t.Errorf("arg[2] = %v (%T), want nil *float64", gotArgs[2], gotArgs[2])
	}
}

func TestStore_AppendSegmentExecError(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection refused")
		},
	}

	err := New(db).AppendSegment(context.Background(), "s1", transcript.Segment{StartTime: 1}, nil)
	if err == nil {
		t.Fatal("AppendSegment = nil error, want wrapped exec error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error %q does not wrap the exec failure", err)
	}
}

// ---------------------------------------------------------------------------
// Transcript
// ---------------------------------------------------------------------------

func transcriptRow(t *testing.T, segs []transcript.Segment, start *float64) pgx.Row {
	t.Helper()
	raw, err := json.Marshal(segs)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*[]byte)) = raw
		*(dest[1].(**float64)) = start
		return nil
	}}
}

func TestStore_TranscriptDedupesAndSorts(t *testing.T) {
	t.Parallel()

	// Blind appends left a duplicate at 5.0 (retry) and out-of-order rows.
	stored := []transcript.Segment{
		{StartTime: 5.0, Result: transcript.Result{Corrected: "he"}},
		{StartTime: 1.0, Result: transcript.Result{Corrected: "first"}},
		{StartTime: 5.0, Result: transcript.Result{Corrected: "hello"}},
		{StartTime: 3.0, Result: transcript.Result{Corrected: "middle"}},
	}
	start := 42.0
	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return transcriptRow(t, stored, &start)
		},
	}

	segs, gotStart, err := New(db).Transcript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Transcript error: %v", err)
	}
	if gotStart == nil || *gotStart != start {
		t.Errorf("stream start = %v, want %v", gotStart, start)
	}

	wantStarts := []float64{1.0, 3.0, 5.0}
	if len(segs) != len(wantStarts) {
		t.Fatalf("Transcript returned %d segments, want %d after dedupe", len(segs), len(wantStarts))
	}
	for i, w := range wantStarts {
		if segs[i].StartTime != w {
			t.Errorf("segs[%d].StartTime = %v, want %v", i, segs[i].StartTime, w)
		}
	}
	if segs[2].Result.Corrected != "hello" {
		t.Errorf("duplicate at 5.0 resolved to %q, want %q (latest write wins)", segs[2].Result.Corrected, "hello")
	}
}

func TestStore_TranscriptUnknownSession(t *testing.T) {
	t.Parallel()

	segs, start, err := New(&mockDB{}).Transcript(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Transcript error: %v", err)
	}
	if segs != nil || start != nil {
		t.Errorf("Transcript = (%v, %v), want (nil, nil) for unknown session", segs, start)
	}
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func TestStore_GetRoom(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db := &mockDB{
		queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			if args[0] != "s1" {
				t.Errorf("query arg = %v, want s1", args[0])
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*string)) = "s1"
				*(dest[1].(*string)) = "hunter2"
				*(dest[2].(*[]byte)) = []byte(`{"title":"weekly meetup"}`)
				*(dest[3].(*time.Time)) = created
				return nil
			}}
		},
	}

	room, err := New(db).GetRoom(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetRoom error: %v", err)
	}
	if room.SID != "s1" || room.SecretKey != "hunter2" {
		t.Errorf("GetRoom = %+v, want sid s1 with secret hunter2", room)
	}
	if room.Extra["title"] != "weekly meetup" {
		t.Errorf("room extra = %v, want decoded JSONB map", room.Extra)
	}
	if !room.CreatedAt.Equal(created) {
		t.Errorf("room created_at = %v, want %v", room.CreatedAt, created)
	}
}

func TestStore_GetRoomNotFound(t *testing.T) {
	t.Parallel()

	_, err := New(&mockDB{}).GetRoom(context.Background(), "missing")
	if !errors.Is(err, transcript.ErrRoomNotFound) {
		t.Fatalf("GetRoom error = %v, want ErrRoomNotFound", err)
	}
}

func TestStore_UpsertRoomNilExtra(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "ON CONFLICT (sid) DO UPDATE") {
				t.Errorf("upsert SQL is not an upsert:\n%s", sql)
			}
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}

	err := New(db).UpsertRoom(context.Background(), transcript.Room{SID: "s1", SecretKey: "k"})
	if err != nil {
		t.Fatalf("UpsertRoom error: %v", err)
	}
	if got := string(gotArgs[2].([]byte)); got != "{}" {
		t.Errorf("extra arg = %s, want {} for nil map", got)
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("down")
	db := &mockDB{pingFunc: func(context.Context) error { return wantErr }}

	if err := New(db).Ping(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Ping error = %v, want wrapped %v", err, wantErr)
	}
	if err := New(&mockDB{}).Ping(context.Background()); err != nil {
		t.Fatalf("Ping error = %v, want nil", err)
	}
}
