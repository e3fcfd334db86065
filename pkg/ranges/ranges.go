// Package ranges tracks sets of byte offsets as coalesced half-open intervals.
package ranges

import (
	"sort"

	"storagegrid/pkg/types"
)

// Set is an ordered collection of non-overlapping, non-adjacent intervals.
// The zero value is an empty set.
type Set struct {
	spans []types.Range
}

// FromRanges builds a set from arbitrary, possibly overlapping ranges.
func FromRanges(rs []types.Range) *Set {
	s := &Set{}
	for _, r := range rs {
		s.AddRange(r)
	}
	return s
}

// Add merges [begin, end) into the set. Empty or inverted ranges are ignored.
func (s *Set) Add(begin, end uint64) {
	if end <= begin {
		return
	}

	// first span whose end reaches begin; it may touch or overlap
	lo := sort.Search(len(s.spans), func(i int) bool {
		return s.spans[i].End >= begin
	})
	hi := lo
	for hi < len(s.spans) && s.spans[hi].Begin <= end {
		if s.spans[hi].Begin < begin {
			begin = s.spans[hi].Begin
		}
		if s.spans[hi].End > end {
			end = s.spans[hi].End
		}
		hi++
	}

	merged := types.Range{Begin: begin, End: end}
	if lo == hi {
		s.spans = append(s.spans, types.Range{})
		copy(s.spans[lo+1:], s.spans[lo:])
		s.spans[lo] = merged
		return
	}
	s.spans[lo] = merged
	s.spans = append(s.spans[:lo+1], s.spans[hi:]...)
}

// AddRange is Add for a types.Range.
func (s *Set) AddRange(r types.Range) {
	s.Add(r.Begin, r.End)
}

// Missing returns the complement of the set within [0, total).
func (s *Set) Missing(total uint64) []types.Range {
	missing := []types.Range{}
	var cursor uint64
	for _, span := range s.spans {
		if span.Begin >= total {
			break
		}
		if span.Begin > cursor {
			missing = append(missing, types.Range{Begin: cursor, End: span.Begin})
		}
		if span.End > cursor {
			cursor = span.End
		}
	}
	if cursor < total {
		missing = append(missing, types.Range{Begin: cursor, End: total})
	}
	return missing
}

// IsCovered reports whether every offset in [0, total) is present.
func (s *Set) IsCovered(total uint64) bool {
	return len(s.Missing(total)) == 0
}

// Ranges returns a copy of the stored intervals in ascending order.
func (s *Set) Ranges() []types.Range {
	out := make([]types.Range, len(s.spans))
	copy(out, s.spans)
	return out
}
