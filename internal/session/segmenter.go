// Package session ties a live session together: it segments the raw
// transcript feed coming off the STT link and orchestrates the per-session
// managers that carry a segment from speech to broadcast.
package session

import (
	"strings"
	"time"

	"github.com/streamlate/streamlate/pkg/provider/stt"
	"github.com/streamlate/streamlate/pkg/transcript"
)

// startOffset is subtracted from a segment's start time to compensate for the
// fixed detection latency of the upstream voice-activity detector.
const startOffset = 0.3

// DefaultPartialInterval is the minimum spacing between emitted partials.
const DefaultPartialInterval = 2 * time.Second

// trailingPunctuation are the characters stripped once from the end of a
// transcript before emission.
const trailingPunctuation = ",.。，"

// Segmenter turns the raw transcript stream of one session into timed
// segments. It tracks the utterance start across partials, debounces partial
// emissions, and suppresses commits that merely repeat the last partial.
//
// A Segmenter is owned by a single receive loop and is not safe for
// concurrent use.
type Segmenter struct {
	partialInterval time.Duration
	now             func() time.Time

	segStart        *float64
	lastPartialText string
	lastPartialEmit time.Time
}

// SegmenterOption is a functional option for the Segmenter.
type SegmenterOption func(*Segmenter)

// WithPartialInterval sets the minimum spacing between emitted partials.
// Non-positive values keep the default.
func WithPartialInterval(d time.Duration) SegmenterOption {
	return func(s *Segmenter) {
		if d > 0 {
			s.partialInterval = d
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) SegmenterOption {
	return func(s *Segmenter) {
		s.now = now
	}
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{
		partialInterval: DefaultPartialInterval,
		now:             time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	// The debounce window opens at construction, so the first partial waits
	// out one interval like any other.
	s.lastPartialEmit = s.now()
	return s
}

// Normalize applies the emission rules to one raw transcript and returns the
// segment to forward, or nil when the transcript is suppressed:
//
//   - The text is trimmed and loses one trailing punctuation rune.
//   - Empty text is dropped.
//   - A commit whose text equals the last emitted partial is dropped; the
//     partial already said it.
//   - Partials are debounced to at most one per interval. The window opens
//     at construction, so the first partial is delayed by one interval.
//
// The utterance start is pinned on the first transcript after a commit, even
// a debounced one, so every partial of an utterance and its final commit
// share a start time.
func (s *Segmenter) Normalize(tr stt.Transcript) *transcript.Segment {
	text := strings.TrimSpace(tr.Text)
	if r := []rune(text); len(r) > 0 && strings.ContainsRune(trailingPunctuation, r[len(r)-1]) {
		text = string(r[:len(r)-1])
	}
	if text == "" {
		return nil
	}

	if tr.Committed && text == s.lastPartialText {
		return nil
	}

	wall := s.now()
	now := epochSeconds(wall)
	if s.segStart == nil {
		start := now
		s.segStart = &start
	}

	seg := &transcript.Segment{
		Partial:   !tr.Committed,
		StartTime: *s.segStart - startOffset,
		EndTime:   now,
		Result:    transcript.Result{Corrected: text},
	}

	if tr.Committed {
		s.segStart = nil
		s.lastPartialText = ""
		return seg
	}

	if wall.Sub(s.lastPartialEmit) <= s.partialInterval {
		return nil
	}
	s.lastPartialEmit = wall
	s.lastPartialText = text
	return seg
}

// epochSeconds converts a wall-clock instant to UTC seconds since the Unix
// epoch with millisecond precision.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
