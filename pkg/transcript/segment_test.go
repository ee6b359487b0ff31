package transcript_test

import (
	"encoding/json"
	"testing"

	"github.com/streamlate/streamlate/pkg/transcript"
)

func TestSegment_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := transcript.Segment{
		Partial:   false,
		StartTime: 10.5,
		EndTime:   12.0,
		Result: transcript.Result{
			Corrected:       "hello world",
			Translated:      map[string]string{"ja": "こんにちは世界"},
			SpecialKeywords: []string{"world"},
		},
	}

	clone := orig.Clone()
	clone.Result.Translated["ja"] = "mutated"
	clone.Result.SpecialKeywords[0] = "mutated"

	if got := orig.Result.Translated["ja"]; got != "こんにちは世界" {
		t.Errorf("original Translated[ja] = %q after mutating clone, want %q", got, "こんにちは世界")
	}
	if got := orig.Result.SpecialKeywords[0]; got != "world" {
		t.Errorf("original SpecialKeywords[0] = %q after mutating clone, want %q", got, "world")
	}
}

func TestSegment_CloneNilMaps(t *testing.T) {
	t.Parallel()

	orig := transcript.Segment{StartTime: 1, Result: transcript.Result{Corrected: "x"}}
	clone := orig.Clone()

	if clone.Result.Translated != nil {
		t.Errorf("clone Translated = %v, want nil preserved", clone.Result.Translated)
	}
	if clone.Result.SpecialKeywords != nil {
		t.Errorf("clone SpecialKeywords = %v, want nil preserved", clone.Result.SpecialKeywords)
	}
}

func TestView_LastCommitted(t *testing.T) {
	t.Parallel()

	t.Run("empty view", func(t *testing.T) {
		t.Parallel()
		v := transcript.View{}
		if got := v.LastCommitted(); got != nil {
			t.Fatalf("LastCommitted() = %+v, want nil", got)
		}
	})

	t.Run("returns tail copy", func(t *testing.T) {
		t.Parallel()
		v := transcript.View{Committed: []transcript.Segment{
			{StartTime: 1.0, Result: transcript.Result{Corrected: "first"}},
			{StartTime: 2.0, Result: transcript.Result{Corrected: "second"}},
		}}

		last := v.LastCommitted()
		if last == nil {
			t.Fatal("LastCommitted() = nil, want tail segment")
		}
		if last.Result.Corrected != "second" {
			t.Fatalf("LastCommitted().Result.Corrected = %q, want %q", last.Result.Corrected, "second")
		}

		// Mutating the returned segment must not leak into the view.
		last.Result.Corrected = "mutated"
		if got := v.Committed[1].Result.Corrected; got != "second" {
			t.Errorf("view tail = %q after mutating LastCommitted result, want %q", got, "second")
		}
	})
}

func TestView_CloneIsDeep(t *testing.T) {
	t.Parallel()

	start := 99.5
	p := transcript.Segment{Partial: true, StartTime: 3.0, Result: transcript.Result{Corrected: "he"}}
	v := transcript.View{
		Committed:       []transcript.Segment{{StartTime: 1.0, Result: transcript.Result{Corrected: "a"}}},
		Partial:         &p,
		StreamStartTime: &start,
	}

	clone := v.Clone()
	clone.Committed[0].Result.Corrected = "mutated"
	clone.Partial.Result.Corrected = "mutated"
	*clone.StreamStartTime = 0

	if got := v.Committed[0].Result.Corrected; got != "a" {
		t.Errorf("committed[0] = %q after mutating clone, want %q", got, "a")
	}
	if got := v.Partial.Result.Corrected; got != "he" {
		t.Errorf("partial = %q after mutating clone, want %q", got, "he")
	}
	if *v.StreamStartTime != 99.5 {
		t.Errorf("stream start = %v after mutating clone, want 99.5", *v.StreamStartTime)
	}
}

// TestUpdate_WireShape pins the broadcast payload layout: segment fields are
// flattened at the top level with last_committed alongside them.
func TestUpdate_WireShape(t *testing.T) {
	t.Parallel()

	last := transcript.Segment{StartTime: 1.0, EndTime: 2.0, Result: transcript.Result{Corrected: "done"}}
	u := transcript.Update{
		Segment: transcript.Segment{
			Partial:   true,
			StartTime: 3.5,
			EndTime:   4.0,
			Result:    transcript.Result{Corrected: "in progress"},
		},
		LastCommitted: &last,
	}

	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("Marshal(Update) error: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal round-trip error: %v", err)
	}

	for _, key := range []string{"partial", "start_time", "end_time", "result", "last_committed"} {
		if _, ok := m[key]; !ok {
			t.Errorf("Update JSON missing top-level key %q (got keys %v)", key, keysOf(m))
		}
	}
	if _, ok := m["segment"]; ok {
		t.Error("Update JSON nests segment under a \"segment\" key, want flattened fields")
	}
}

func TestUpdate_NilLastCommittedMarshalsNull(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(transcript.Update{Segment: transcript.Segment{StartTime: 1}})
	if err != nil {
		t.Fatalf("Marshal(Update) error: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal round-trip error: %v", err)
	}
	if string(m["last_committed"]) != "null" {
		t.Errorf("last_committed = %s, want null", m["last_committed"])
	}
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
