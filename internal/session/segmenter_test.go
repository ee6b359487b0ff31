package session

import (
	"testing"
	"time"

	"github.com/streamlate/streamlate/pkg/provider/stt"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(100, 0)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestNormalizeTrimsAndStripsTrailingPunctuation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"  hello world  ", "hello world"},
		{"hello world.", "hello world"},
		{"hello world,", "hello world"},
		{"こんにちは。", "こんにちは"},
		{"こんにちは，", "こんにちは"},
		{"ends mid-sentence...", "ends mid-sentence.."},
	}
	for _, tc := range tests {
		clock := newFakeClock()
		s := NewSegmenter(WithClock(clock.now))
		clock.advance(3 * time.Second)
		seg := s.Normalize(stt.Transcript{Text: tc.in})
		if seg == nil {
			t.Fatalf("Normalize(%q) = nil, want segment", tc.in)
		}
		if seg.Result.Corrected != tc.want {
			t.Errorf("Normalize(%q) text = %q, want %q", tc.in, seg.Result.Corrected, tc.want)
		}
	}
}

func TestNormalizeDropsEmptyText(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now))
	for _, in := range []string{"", "   ", "."} {
		if seg := s.Normalize(stt.Transcript{Text: in}); seg != nil {
			t.Errorf("Normalize(%q) = %+v, want nil", in, seg)
		}
	}
}

func TestNormalizeStartTimeOffset(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now))

	clock.advance(3 * time.Second)
	seg := s.Normalize(stt.Transcript{Text: "hello"})
	if seg == nil {
		t.Fatal("Normalize() = nil")
	}
	if want := 103.0 - 0.3; seg.StartTime != want {
		t.Errorf("StartTime = %v, want %v", seg.StartTime, want)
	}
	if seg.EndTime != 103.0 {
		t.Errorf("EndTime = %v, want 103", seg.EndTime)
	}
	if !seg.Partial {
		t.Error("Partial = false, want true")
	}
}

func TestNormalizeStartTimePinnedAcrossUtterance(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now))

	clock.advance(3 * time.Second)
	first := s.Normalize(stt.Transcript{Text: "he"})
	if first == nil {
		t.Fatal("first partial suppressed")
	}

	clock.advance(3 * time.Second)
	second := s.Normalize(stt.Transcript{Text: "hello th"})
	if second == nil {
		t.Fatal("second partial suppressed")
	}
	if second.StartTime != first.StartTime {
		t.Errorf("partial StartTime = %v, want pinned %v", second.StartTime, first.StartTime)
	}
	if second.EndTime != 106.0 {
		t.Errorf("EndTime = %v, want 106", second.EndTime)
	}

	clock.advance(3 * time.Second)
	commit := s.Normalize(stt.Transcript{Text: "hello there", Committed: true})
	if commit == nil {
		t.Fatal("commit suppressed")
	}
	if commit.StartTime != first.StartTime {
		t.Errorf("commit StartTime = %v, want pinned %v", commit.StartTime, first.StartTime)
	}
	if commit.Partial {
		t.Error("commit Partial = true, want false")
	}

	// A new utterance starts a fresh window.
	clock.advance(5 * time.Second)
	next := s.Normalize(stt.Transcript{Text: "next words"})
	if next == nil {
		t.Fatal("next partial suppressed")
	}
	if want := 114.0 - 0.3; next.StartTime != want {
		t.Errorf("next StartTime = %v, want %v", next.StartTime, want)
	}
}

func TestNormalizeDebouncesPartials(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now), WithPartialInterval(2*time.Second))

	// The debounce window opens at construction, so the first partial waits
	// out one interval like any other.
	clock.advance(500 * time.Millisecond)
	if seg := s.Normalize(stt.Transcript{Text: "one"}); seg != nil {
		t.Errorf("partial inside the opening window emitted: %+v", seg)
	}

	clock.advance(2 * time.Second)
	if seg := s.Normalize(stt.Transcript{Text: "one two"}); seg == nil {
		t.Fatal("partial past the opening window suppressed")
	}

	clock.advance(time.Second)
	if seg := s.Normalize(stt.Transcript{Text: "one two three"}); seg != nil {
		t.Errorf("partial inside the debounce window emitted: %+v", seg)
	}

	clock.advance(1500 * time.Millisecond)
	if seg := s.Normalize(stt.Transcript{Text: "one two three four"}); seg == nil {
		t.Error("partial past the debounce window suppressed")
	}
}

func TestNormalizeSuppressedPartialStillPinsStart(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now), WithPartialInterval(2*time.Second))

	clock.advance(500 * time.Millisecond)
	if seg := s.Normalize(stt.Transcript{Text: "he"}); seg != nil {
		t.Fatalf("partial inside the opening window emitted: %+v", seg)
	}

	clock.advance(3 * time.Second)
	seg := s.Normalize(stt.Transcript{Text: "hello"})
	if seg == nil {
		t.Fatal("partial suppressed")
	}
	if want := 100.5 - 0.3; seg.StartTime != want {
		t.Errorf("StartTime = %v, want %v anchored at the debounced partial", seg.StartTime, want)
	}
}

func TestNormalizeCommitBypassesDebounce(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now), WithPartialInterval(2*time.Second))

	clock.advance(3 * time.Second)
	if seg := s.Normalize(stt.Transcript{Text: "one"}); seg == nil {
		t.Fatal("partial suppressed")
	}

	clock.advance(100 * time.Millisecond)
	if seg := s.Normalize(stt.Transcript{Text: "one two", Committed: true}); seg == nil {
		t.Error("commit inside the debounce window suppressed")
	}
}

func TestNormalizeSuppressesCommitMatchingLastPartial(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := NewSegmenter(WithClock(clock.now))

	clock.advance(3 * time.Second)
	if seg := s.Normalize(stt.Transcript{Text: "hello there"}); seg == nil {
		t.Fatal("partial suppressed")
	}

	clock.advance(time.Second)
	if seg := s.Normalize(stt.Transcript{Text: "hello there.", Committed: true}); seg != nil {
		t.Errorf("commit repeating the partial emitted: %+v", seg)
	}

	// A later commit with fresh text goes through.
	clock.advance(time.Second)
	if seg := s.Normalize(stt.Transcript{Text: "hello there again", Committed: true}); seg == nil {
		t.Error("fresh commit suppressed")
	}
}
