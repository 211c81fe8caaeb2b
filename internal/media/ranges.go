package media

import "sort"

// MergeGap is the largest gap two spans may have and still be reported as one
// buffered range by sinks.
const MergeGap = 1e-3

// Merge sorts spans and joins those that overlap or are separated by at most
// gap seconds. Empty spans are dropped.
func Merge(spans []TimeRange, gap float64) Ranges {
	sorted := make([]TimeRange, 0, len(spans))
	for _, s := range spans {
		if s.End > s.Start {
			sorted = append(sorted, s)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out Ranges
	for _, s := range sorted {
		if n := len(out); n > 0 && s.Start-out[n-1].End <= gap {
			if s.End > out[n-1].End {
				out[n-1].End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Subtract removes [start, end) from span and returns what is left: nothing,
// one piece or two pieces.
func Subtract(span TimeRange, start, end float64) []TimeRange {
	if end <= span.Start || start >= span.End {
		return []TimeRange{span}
	}
	var out []TimeRange
	if start > span.Start {
		out = append(out, TimeRange{Start: span.Start, End: start})
	}
	if end < span.End {
		out = append(out, TimeRange{Start: end, End: span.End})
	}
	return out
}

// Intersect returns the time covered by both a and b. Both inputs must be
// sorted and non-overlapping.
func Intersect(a, b Ranges) Ranges {
	var out Ranges
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if end > start {
			out = append(out, TimeRange{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}
