// Package redis implements the transcript cache tier on Redis.
//
// Key layout per session:
//
//	transcription:{sid}:list     committed segments, ordered set scored by start time (TTL 1h)
//	transcription:{sid}:meta     JSON {"stream_start_time": float|null} (TTL 1h)
//	transcription:{sid}:partial  JSON partial segment (TTL 1h)
//	keywords:{sid}               JSON array of keyword strings (TTL 24h)
//
// Earlier deployments stored the whole transcript as one JSON blob under
// transcription:{sid}. [Cache.Committed] migrates such a key into the split
// layout the first time it is read and deletes the legacy key.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamlate/streamlate/pkg/transcript"
)

const (
	transcriptTTL = time.Hour
	keywordTTL    = 24 * time.Hour
)

func listKey(sid string) string     { return "transcription:" + sid + ":list" }
func metaKey(sid string) string     { return "transcription:" + sid + ":meta" }
func partialKey(sid string) string  { return "transcription:" + sid + ":partial" }
func keywordsKey(sid string) string { return "keywords:" + sid }
func legacyKey(sid string) string   { return "transcription:" + sid }

// meta is the serialized shape of the per-session metadata key.
type meta struct {
	StreamStartTime *float64 `json:"stream_start_time"`
}

// legacyBlob is the single-key transcript shape written by earlier
// deployments.
type legacyBlob struct {
	Transcriptions  []transcript.Segment `json:"transcriptions"`
	Partial         *transcript.Segment  `json:"partial"`
	StreamStartTime *float64             `json:"stream_start_time"`
}

// Cache stores session transcripts in Redis. It implements
// [transcript.Cache].
type Cache struct {
	client *redis.Client
}

var _ transcript.Cache = (*Cache)(nil)

// New wraps an existing Redis client. The caller owns the client's
// lifecycle; use [Cache.Close] to release it together with the cache.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Open connects to the Redis instance at url (redis://... form) and verifies
// the connection with a ping.
func Open(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rediscache: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}
	return New(client), nil
}

// Committed returns the session's committed segments in ascending start-time
// order. An empty ordered set triggers a one-shot legacy-blob migration
// before reporting a miss.
func (c *Cache) Committed(ctx context.Context, sessionID string) ([]transcript.Segment, error) {
	members, err := c.client.ZRange(ctx, listKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("rediscache: read committed list: %w", err)
	}
	if len(members) == 0 {
		return c.migrateLegacy(ctx, sessionID)
	}

	segs := make([]transcript.Segment, 0, len(members))
	for _, m := range members {
		var seg transcript.Segment
		if err := json.Unmarshal([]byte(m), &seg); err != nil {
			slog.Warn("skipping undecodable cached segment", "session", sessionID, "err", err)
			continue
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, nil
	}
	return segs, nil
}

// migrateLegacy converts a single-blob transcript key into the split layout
// and deletes the blob. Returns the migrated committed segments, or nil when
// no legacy key exists.
func (c *Cache) migrateLegacy(ctx context.Context, sessionID string) ([]transcript.Segment, error) {
	raw, err := c.client.Get(ctx, legacyKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: read legacy blob: %w", err)
	}

	var blob legacyBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		// An undecodable blob cannot be migrated; drop it so the durable
		// tier takes over on the next read.
		slog.Warn("deleting undecodable legacy transcript blob", "session", sessionID, "err", err)
		if err := c.client.Del(ctx, legacyKey(sessionID)).Err(); err != nil {
			return nil, fmt.Errorf("rediscache: delete legacy blob: %w", err)
		}
		return nil, nil
	}

	slices.SortFunc(blob.Transcriptions, func(a, b transcript.Segment) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, seg := range blob.Transcriptions {
			body, err := json.Marshal(seg)
			if err != nil {
				return fmt.Errorf("marshal segment: %w", err)
			}
			pipe.ZAdd(ctx, listKey(sessionID), redis.Z{Score: seg.StartTime, Member: body})
		}
		if len(blob.Transcriptions) > 0 {
			pipe.Expire(ctx, listKey(sessionID), transcriptTTL)
		}
		metaBody, err := json.Marshal(meta{StreamStartTime: blob.StreamStartTime})
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		pipe.Set(ctx, metaKey(sessionID), metaBody, transcriptTTL)
		if blob.Partial != nil {
			partialBody, err := json.Marshal(blob.Partial)
			if err != nil {
				return fmt.Errorf("marshal partial: %w", err)
			}
			pipe.Set(ctx, partialKey(sessionID), partialBody, transcriptTTL)
		}
		pipe.Del(ctx, legacyKey(sessionID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rediscache: migrate legacy blob: %w", err)
	}

	slog.Info("migrated legacy transcript blob", "session", sessionID, "segments", len(blob.Transcriptions))
	if len(blob.Transcriptions) == 0 {
		return nil, nil
	}
	return blob.Transcriptions, nil
}

// Partial returns the session's partial head, or nil when absent.
func (c *Cache) Partial(ctx context.Context, sessionID string) (*transcript.Segment, error) {
	raw, err := c.client.Get(ctx, partialKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: read partial: %w", err)
	}
	var seg transcript.Segment
	if err := json.Unmarshal([]byte(raw), &seg); err != nil {
		return nil, fmt.Errorf("rediscache: decode partial: %w", err)
	}
	return &seg, nil
}

// StreamStart returns the cached stream start time, or nil when absent.
func (c *Cache) StreamStart(ctx context.Context, sessionID string) (*float64, error) {
	raw, err := c.client.Get(ctx, metaKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: read meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("rediscache: decode meta: %w", err)
	}
	return m.StreamStartTime, nil
}

// LastCommitted returns the tail of the committed ordered set, or nil when
// the set is empty.
func (c *Cache) LastCommitted(ctx context.Context, sessionID string) (*transcript.Segment, error) {
	members, err := c.client.ZRange(ctx, listKey(sessionID), -1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("rediscache: read committed tail: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	var seg transcript.Segment
	if err := json.Unmarshal([]byte(members[0]), &seg); err != nil {
		return nil, fmt.Errorf("rediscache: decode committed tail: %w", err)
	}
	return &seg, nil
}

// AppendCommitted upserts seg at score seg.StartTime, refreshes the session
// metadata and TTLs, and clears the partial head, all in one transaction.
// The remove+add pair keeps the set unique by start time even when the
// segment body changed between writes.
func (c *Cache) AppendCommitted(ctx context.Context, sessionID string, seg transcript.Segment, streamStart *float64) error {
	body, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("rediscache: marshal segment: %w", err)
	}
	metaBody, err := json.Marshal(meta{StreamStartTime: streamStart})
	if err != nil {
		return fmt.Errorf("rediscache: marshal meta: %w", err)
	}

	score := strconv.FormatFloat(seg.StartTime, 'f', -1, 64)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, listKey(sessionID), score, score)
		pipe.ZAdd(ctx, listKey(sessionID), redis.Z{Score: seg.StartTime, Member: body})
		pipe.Expire(ctx, listKey(sessionID), transcriptTTL)
		pipe.Set(ctx, metaKey(sessionID), metaBody, transcriptTTL)
		pipe.Del(ctx, partialKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("rediscache: append committed: %w", err)
	}
	return nil
}

// PutPartial replaces the partial head with a fresh TTL.
func (c *Cache) PutPartial(ctx context.Context, sessionID string, seg transcript.Segment) error {
	body, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("rediscache: marshal partial: %w", err)
	}
	if err := c.client.Set(ctx, partialKey(sessionID), body, transcriptTTL).Err(); err != nil {
		return fmt.Errorf("rediscache: put partial: %w", err)
	}
	return nil
}

// Backfill replaces the cached committed log and metadata with a transcript
// recovered from the durable tier.
func (c *Cache) Backfill(ctx context.Context, sessionID string, segs []transcript.Segment, streamStart *float64) error {
	if len(segs) == 0 && streamStart == nil {
		return nil
	}
	metaBody, err := json.Marshal(meta{StreamStartTime: streamStart})
	if err != nil {
		return fmt.Errorf("rediscache: marshal meta: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, listKey(sessionID))
		for _, seg := range segs {
			body, err := json.Marshal(seg)
			if err != nil {
				return fmt.Errorf("marshal segment: %w", err)
			}
			pipe.ZAdd(ctx, listKey(sessionID), redis.Z{Score: seg.StartTime, Member: body})
		}
		if len(segs) > 0 {
			pipe.Expire(ctx, listKey(sessionID), transcriptTTL)
		}
		pipe.Set(ctx, metaKey(sessionID), metaBody, transcriptTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rediscache: backfill: %w", err)
	}
	return nil
}

// Keywords returns the session keyword list, or nil when absent or expired.
func (c *Cache) Keywords(ctx context.Context, sessionID string) ([]string, error) {
	raw, err := c.client.Get(ctx, keywordsKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: read keywords: %w", err)
	}
	var kws []string
	if err := json.Unmarshal([]byte(raw), &kws); err != nil {
		return nil, fmt.Errorf("rediscache: decode keywords: %w", err)
	}
	return kws, nil
}

// SetKeywords replaces the session keyword list with a 24h TTL.
func (c *Cache) SetKeywords(ctx context.Context, sessionID string, keywords []string) error {
	body, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("rediscache: marshal keywords: %w", err)
	}
	if err := c.client.Set(ctx, keywordsKey(sessionID), body, keywordTTL).Err(); err != nil {
		return fmt.Errorf("rediscache: set keywords: %w", err)
	}
	return nil
}

// Ping verifies connectivity to the Redis server.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("rediscache: ping: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
