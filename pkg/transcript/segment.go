package transcript

import "maps"

// Result holds the post-processing output attached to a segment by the
// translation pipeline. A segment fresh off the STT link carries only
// Corrected (the raw transcript text); the pipeline fills in the rest.
type Result struct {
	// Corrected is the transcript text after LLM correction. For pipelines
	// running with correction skipped it is the text as received upstream.
	Corrected string `json:"corrected"`

	// Translated maps a language tag (e.g. "en", "ja") to the translated
	// text. On per-language translation failure the value falls back to
	// Corrected.
	Translated map[string]string `json:"translated"`

	// SpecialKeywords lists domain terms the LLM extracted from this
	// segment. Ordered, unique.
	SpecialKeywords []string `json:"special_keywords"`
}

// Clone returns a deep copy of the result.
func (r Result) Clone() Result {
	out := r
	if r.Translated != nil {
		out.Translated = maps.Clone(r.Translated)
	}
	if r.SpecialKeywords != nil {
		out.SpecialKeywords = append([]string(nil), r.SpecialKeywords...)
	}
	return out
}

// Segment is a single transcript unit within a session. Within a session a
// segment is identified by StartTime: two committed segments with the same
// StartTime are duplicates and the later one replaces the earlier.
type Segment struct {
	// Partial marks a speculative segment that may be replaced or cancelled.
	// At most one partial exists per session at any time; it is never
	// persisted durably.
	Partial bool `json:"partial"`

	// StartTime is the utterance start as UTC seconds since the Unix epoch.
	StartTime float64 `json:"start_time"`

	// EndTime is the utterance end as UTC seconds since the Unix epoch.
	EndTime float64 `json:"end_time"`

	// Result carries the corrected text, translations, and extracted
	// keywords for this segment.
	Result Result `json:"result"`
}

// Clone returns a deep copy of the segment. Clones share no mutable state
// with the original and are safe to hand across goroutine boundaries.
func (s Segment) Clone() Segment {
	out := s
	out.Result = s.Result.Clone()
	return out
}

// View is a point-in-time snapshot of a session transcript.
type View struct {
	// Committed is the ordered log of final segments, ascending by
	// StartTime, unique by StartTime.
	Committed []Segment `json:"committed"`

	// Partial is the current speculative head, or nil when the most recent
	// update was a commit.
	Partial *Segment `json:"partial"`

	// StreamStartTime is the wall-clock start of the underlying live
	// stream as UTC seconds, or nil when no oracle has resolved it.
	StreamStartTime *float64 `json:"stream_start_time"`
}

// LastCommitted returns a copy of the most recent committed segment, or nil
// when the transcript has none.
func (v *View) LastCommitted() *Segment {
	if len(v.Committed) == 0 {
		return nil
	}
	last := v.Committed[len(v.Committed)-1].Clone()
	return &last
}

// Clone returns a deep copy of the view.
func (v *View) Clone() View {
	out := View{}
	if v.Committed != nil {
		out.Committed = make([]Segment, len(v.Committed))
		for i, s := range v.Committed {
			out.Committed[i] = s.Clone()
		}
	}
	if v.Partial != nil {
		p := v.Partial.Clone()
		out.Partial = &p
	}
	if v.StreamStartTime != nil {
		t := *v.StreamStartTime
		out.StreamStartTime = &t
	}
	return out
}

// Update is the payload broadcast to room subscribers when a segment lands
// in the store: the segment itself plus the most recent committed segment,
// so consumers can discard out-of-date partials on their own.
type Update struct {
	Segment

	// LastCommitted is the newest committed segment after this update was
	// applied, or nil for a session with no commits yet.
	LastCommitted *Segment `json:"last_committed"`
}
