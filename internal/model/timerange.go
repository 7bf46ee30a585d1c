package model

import (
	"fmt"
	"time"
)

// Range is a half-open time interval [Begin, End). A zero End means the
// range is open ("until further notice").
type Range struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end,omitzero"`
}

// NewRange returns [begin, end) in UTC.
func NewRange(begin, end time.Time) Range {
	return Range{Begin: begin.UTC(), End: end.UTC()}
}

// OpenRange returns [begin, +inf).
func OpenRange(begin time.Time) Range {
	return Range{Begin: begin.UTC()}
}

// IsOpen reports an unbounded end.
func (r Range) IsOpen() bool {
	return r.End.IsZero()
}

// IsEmpty reports a single instant range (begin == end).
func (r Range) IsEmpty() bool {
	return !r.IsOpen() && r.Begin.Equal(r.End)
}

// Valid reports whether the end is not before the begin.
func (r Range) Valid() bool {
	return r.IsOpen() || !r.End.Before(r.Begin)
}

// Contains reports whether t is in [Begin, End).
func (r Range) Contains(t time.Time) bool {
	if t.Before(r.Begin) {
		return false
	}
	return r.IsOpen() || t.Before(r.End)
}

// Overlaps reports whether both ranges share an instant. Empty ranges
// overlap nothing.
func (r Range) Overlaps(o Range) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	if !r.IsOpen() && !o.Begin.Before(r.End) {
		return false
	}
	if !o.IsOpen() && !r.Begin.Before(o.End) {
		return false
	}
	return true
}

// Covers reports whether o lies entirely within r.
func (r Range) Covers(o Range) bool {
	if o.Begin.Before(r.Begin) {
		return false
	}
	if r.IsOpen() {
		return true
	}
	if o.IsOpen() {
		return false
	}
	return !o.End.After(r.End)
}

// Intersect returns the shared part of both ranges.
func (r Range) Intersect(o Range) (Range, bool) {
	if !r.Overlaps(o) {
		return Range{}, false
	}
	out := r
	if o.Begin.After(out.Begin) {
		out.Begin = o.Begin
	}
	if out.IsOpen() || (!o.IsOpen() && o.End.Before(out.End)) {
		out.End = o.End
	}
	return out, true
}

// Before reports whether the range ends at or before t.
func (r Range) Before(t time.Time) bool {
	return !r.IsOpen() && !r.End.After(t)
}

// Duration returns the length of a closed range, zero when open.
func (r Range) Duration() time.Duration {
	if r.IsOpen() {
		return 0
	}
	return r.End.Sub(r.Begin)
}

func (r Range) String() string {
	if r.IsOpen() {
		return fmt.Sprintf("[%s,)", r.Begin.Format(time.RFC3339))
	}
	return fmt.Sprintf("[%s,%s)", r.Begin.Format(time.RFC3339), r.End.Format(time.RFC3339))
}
