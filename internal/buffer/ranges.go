package buffer

import (
	"math"

	"github.com/zsiec/playcore/internal/media"
)

// DefaultRangeTolerance bridges small gaps between buffered ranges.
const DefaultRangeTolerance = 0.15

// RangeAt returns the contiguous buffered region containing t, merging ranges
// separated by gaps of at most tolerance. A range starting within tolerance
// ahead of t also qualifies. ok is false when nothing is buffered near t.
func RangeAt(ranges media.Ranges, t, tolerance float64) (media.TimeRange, bool) {
	if len(ranges) == 0 || math.IsNaN(t) {
		return media.TimeRange{}, false
	}
	if tolerance < 0 {
		tolerance = DefaultRangeTolerance
	}

	var (
		found bool
		start float64
		end   float64
	)
	for _, r := range ranges {
		if !found {
			gap := math.Abs(r.Start - t)
			if (t >= r.Start && t < r.End) || gap <= tolerance {
				start = r.Start
				end = r.End
				found = true
			}
			continue
		}
		if r.Start-end <= tolerance {
			end = r.End
			continue
		}
		break
	}

	if !found {
		return media.TimeRange{}, false
	}
	return media.TimeRange{Start: start, End: end}, true
}

// BufferLength returns the contiguous buffered time ahead of t, or zero when t
// is not inside a buffered region.
func BufferLength(ranges media.Ranges, t, tolerance float64) float64 {
	r, ok := RangeAt(ranges, t, tolerance)
	if !ok {
		return 0
	}
	return math.Max(r.End-t, 0)
}

// TotalBufferedTime sums the durations of all ranges.
func TotalBufferedTime(ranges media.Ranges) float64 {
	total := 0.0
	for _, r := range ranges {
		total += r.End - r.Start
	}
	return total
}

// RangesAfter returns the ranges starting strictly after t.
func RangesAfter(ranges media.Ranges, t float64) media.Ranges {
	var out media.Ranges
	for _, r := range ranges {
		if r.Start > t {
			out = append(out, r)
		}
	}
	return out
}
