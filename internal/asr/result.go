package asr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Word is a timed sub-span of a Segment.
type Word struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Segment is one recognized utterance. Times are milliseconds from the start of
// the audio. Text may be empty for silence markers.
type Segment struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
	Words   []Word `json:"words,omitempty"`
	// Alternative is set when the provider emitted this segment as an overlapping
	// alternative to the one before it.
	Alternative bool `json:"alternative,omitempty"`
}

// Result is an ordered, validated segment sequence with provenance. The zero value
// is empty; build results with NewResult.
type Result struct {
	provider    ProviderID
	fingerprint Fingerprint
	segments    []Segment
	cached      bool
}

// NewResult validates segs and copies them into a Result.
func NewResult(provider ProviderID, fp Fingerprint, segs []Segment) (Result, error) {
	if err := validateSegments(segs); err != nil {
		return Result{}, err
	}
	return Result{
		provider:    provider,
		fingerprint: fp,
		segments:    cloneSegments(segs),
	}, nil
}

func (r Result) Provider() ProviderID     { return r.provider }
func (r Result) Fingerprint() Fingerprint { return r.fingerprint }

// Cached reports whether the result was served from the result cache.
func (r Result) Cached() bool { return r.cached }

func (r Result) Len() int { return len(r.segments) }

// Segments returns a copy of the ordered segments.
func (r Result) Segments() []Segment { return cloneSegments(r.segments) }

// Text concatenates segment texts in order.
func (r Result) Text() string { return r.JoinText("") }

// JoinText concatenates segment texts in order separated by sep, skipping empty
// silence markers.
func (r Result) JoinText(sep string) string {
	var b strings.Builder
	first := true
	for _, s := range r.segments {
		if s.Text == "" {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		b.WriteString(s.Text)
		first = false
	}
	return b.String()
}

// DurationMS is the end time of the last segment.
func (r Result) DurationMS() int64 {
	var end int64
	for _, s := range r.segments {
		if s.EndMS > end {
			end = s.EndMS
		}
	}
	return end
}

// Merge appends other's segments, as when a provider returns results across
// several pages. Both results must come from the same provider and audio.
func (r Result) Merge(other Result) (Result, error) {
	if r.provider != other.provider {
		return Result{}, fmt.Errorf("%w: cannot merge %s segments into %s result", ErrMalformedResult, other.provider, r.provider)
	}
	if r.fingerprint != other.fingerprint {
		return Result{}, fmt.Errorf("%w: cannot merge results of different audio", ErrMalformedResult)
	}
	segs := make([]Segment, 0, len(r.segments)+len(other.segments))
	segs = append(segs, r.segments...)
	segs = append(segs, other.segments...)
	return NewResult(r.provider, r.fingerprint, segs)
}

func (r Result) withCached(cached bool) Result {
	r.cached = cached
	return r
}

type resultJSON struct {
	Provider    ProviderID  `json:"provider"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Segments    []Segment   `json:"segments"`
}

// MarshalJSON encodes the segments and provenance. The cache-hit flag is not
// part of the encoding.
func (r Result) MarshalJSON() ([]byte, error) {
	segs := r.segments
	if segs == nil {
		segs = []Segment{}
	}
	return json.Marshal(resultJSON{Provider: r.provider, Fingerprint: r.fingerprint, Segments: segs})
}

// UnmarshalJSON decodes and re-validates a result.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	res, err := NewResult(raw.Provider, raw.Fingerprint, raw.Segments)
	if err != nil {
		return err
	}
	*r = res
	return nil
}

func validateSegments(segs []Segment) error {
	for i, s := range segs {
		if s.StartMS < 0 {
			return fmt.Errorf("%w: segment %d starts at negative time %d", ErrMalformedResult, i, s.StartMS)
		}
		if s.EndMS <= s.StartMS {
			return fmt.Errorf("%w: segment %d ends at %d, not after start %d", ErrMalformedResult, i, s.EndMS, s.StartMS)
		}
		if err := validateWords(i, s); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := segs[i-1]
		if s.StartMS < prev.StartMS {
			return fmt.Errorf("%w: segment %d starts at %d before segment %d at %d", ErrMalformedResult, i, s.StartMS, i-1, prev.StartMS)
		}
		if prev.EndMS > s.StartMS && !s.Alternative {
			return fmt.Errorf("%w: segment %d overlaps segment %d (%d > %d) without alternative tag", ErrMalformedResult, i-1, i, prev.EndMS, s.StartMS)
		}
	}
	return nil
}

func validateWords(idx int, s Segment) error {
	for j, w := range s.Words {
		if w.EndMS <= w.StartMS {
			return fmt.Errorf("%w: segment %d word %d ends at %d, not after start %d", ErrMalformedResult, idx, j, w.EndMS, w.StartMS)
		}
		if w.StartMS < s.StartMS || w.EndMS > s.EndMS {
			return fmt.Errorf("%w: segment %d word %d [%d,%d] outside segment [%d,%d]", ErrMalformedResult, idx, j, w.StartMS, w.EndMS, s.StartMS, s.EndMS)
		}
		if j > 0 && s.Words[j-1].EndMS > w.StartMS {
			return fmt.Errorf("%w: segment %d word %d overlaps word %d", ErrMalformedResult, idx, j, j-1)
		}
	}
	return nil
}

func cloneSegments(segs []Segment) []Segment {
	if segs == nil {
		return nil
	}
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = s
		if s.Words != nil {
			out[i].Words = append([]Word(nil), s.Words...)
		}
	}
	return out
}
