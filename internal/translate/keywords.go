// Package translate implements the correction-and-translation pipeline and
// the per-session queue discipline that feeds it.
//
// Each transcript segment passes through up to three LLM stages: an optional
// correction pass, one translation worker per configured language, and — for
// committed segments — a keyword-extraction pass whose output biases future
// prompts. The [Queue] enforces the partial-vs-committed discipline: at most
// one in-flight partial task (cancelled whenever a newer update supersedes
// it) and a FIFO lane of committed segments processed serially.
package translate

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/streamlate/streamlate/pkg/transcript"
)

// jaroWinklerDupThreshold is the similarity above which an extracted keyword
// is treated as a spelling variant of one we already hold.
const jaroWinklerDupThreshold = 0.92

// KeywordStore maintains the per-session keyword list in the cache tier,
// seeded from static configuration. Keywords bias the LLM prompts toward the
// session's domain vocabulary.
//
// Appends are read-modify-write; concurrent appends may race and lose a
// keyword, which is acceptable — it will be re-extracted on the next
// committed segment.
type KeywordStore struct {
	cache  transcript.Cache
	logger *slog.Logger

	mu    sync.RWMutex
	seeds []string
}

// NewKeywordStore creates a KeywordStore backed by cache. seeds is the static
// keyword list used whenever the cache holds no entry for a session.
func NewKeywordStore(cache transcript.Cache, seeds []string, logger *slog.Logger) *KeywordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordStore{
		cache:  cache,
		seeds:  append([]string(nil), seeds...),
		logger: logger,
	}
}

// SetSeeds replaces the static seed list. Sessions with a cached keyword list
// are unaffected until that list expires.
func (s *KeywordStore) SetSeeds(seeds []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds = append([]string(nil), seeds...)
}

func (s *KeywordStore) seedSnapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.seeds...)
}

// Current returns the session's keyword list. Cache misses and cache failures
// both fall back to the configured seed list; a failure is logged but never
// surfaced, because prompts must keep flowing without keywords.
func (s *KeywordStore) Current(ctx context.Context, sessionID string) []string {
	kws, err := s.cache.Keywords(ctx, sessionID)
	if err != nil {
		s.logger.Error("reading session keywords failed, using seeds",
			"session_id", sessionID, "error", err)
		return s.seedSnapshot()
	}
	if kws == nil {
		return s.seedSnapshot()
	}
	return kws
}

// Merge appends extracted keywords that are genuinely new to the session list
// and stores the result with a refreshed TTL. Order is preserved; exact
// duplicates and close spelling variants of existing keywords are dropped.
// Returns the list in effect after the merge.
func (s *KeywordStore) Merge(ctx context.Context, sessionID string, extracted []string) []string {
	current := s.Current(ctx, sessionID)

	added := false
	for _, kw := range extracted {
		kw = strings.TrimSpace(kw)
		if kw == "" || isNearDuplicate(kw, current) {
			continue
		}
		current = append(current, kw)
		added = true
	}
	if !added {
		return current
	}

	if err := s.cache.SetKeywords(ctx, sessionID, current); err != nil {
		s.logger.Error("storing session keywords failed",
			"session_id", sessionID, "error", err)
	}
	return current
}

// isNearDuplicate reports whether kw is an exact or phonetic/orthographic
// near-match of any existing keyword. The LLM tends to re-extract the same
// proper noun with drifting spellings; without this guard the list fills up
// with variants that all mean the same term.
func isNearDuplicate(kw string, existing []string) bool {
	kwPrimary, kwSecondary := matchr.DoubleMetaphone(kw)
	for _, e := range existing {
		if strings.EqualFold(kw, e) {
			return true
		}
		ePrimary, eSecondary := matchr.DoubleMetaphone(e)
		if kwPrimary != "" && (kwPrimary == ePrimary || kwPrimary == eSecondary) {
			return true
		}
		if kwSecondary != "" && kwSecondary == ePrimary {
			return true
		}
		if matchr.JaroWinkler(strings.ToLower(kw), strings.ToLower(e), true) >= jaroWinklerDupThreshold {
			return true
		}
	}
	return false
}
