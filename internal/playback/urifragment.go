package playback

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/playcore/internal/media"
)

const (
	tagPTOPosix = "pto_posix:"
	tagPosix    = "posix:"
	tagNow      = "now"
)

// URIStart holds what is needed to resolve a "t=" media fragment.
type URIStart struct {
	// Fragment is the URI fragment, with or without the leading '#'.
	Fragment string
	Dynamic  bool
	// PeriodStart is the start of the first period.
	PeriodStart float64
	// AvailabilityStart is zero when unknown.
	AvailabilityStart time.Time
	// PresentationTimeOffset is applied to pto_posix times.
	PresentationTimeOffset float64
	Now                    time.Time
}

// FragmentTime extracts the raw "t" parameter from a fragment such as
// "t=10,20&track=1". Only the start of a range is returned.
func FragmentTime(fragment string) (string, bool) {
	fragment = strings.TrimPrefix(fragment, "#")
	if fragment == "" {
		return "", false
	}
	values, err := url.ParseQuery(fragment)
	if err != nil {
		return "", false
	}
	t := values.Get("t")
	if t == "" {
		return "", false
	}
	return strings.SplitN(t, ",", 2)[0], true
}

// StartTime resolves the start time carried by a fragment, or NaN. Three forms
// are accepted: "t=<seconds>" relative to the first period,
// "t=posix:<seconds>" on the availability timeline and
// "t=pto_posix:<seconds>" corrected by the presentation time offset. Absolute
// forms only apply to dynamic streams; "now" stands for the current time.
func (u URIStart) StartTime() float64 {
	t, ok := FragmentTime(u.Fragment)
	if !ok {
		return math.NaN()
	}

	ptoPosix := u.findTag(t, tagPTOPosix)
	if !math.IsNaN(ptoPosix) {
		ptoPosix -= u.PresentationTimeOffset
	}
	posix := u.findTag(t, tagPosix)
	if !math.IsNaN(posix) && !u.AvailabilityStart.IsZero() {
		posix -= unixSeconds(u.AvailabilityStart)
	}

	tagTime := posix
	if !math.IsNaN(ptoPosix) && ptoPosix != 0 {
		tagTime = ptoPosix
	}
	if u.Dynamic && !math.IsNaN(tagTime) {
		return tagTime
	}
	return parseLeadingInt(t) + u.PeriodStart
}

func (u URIStart) findTag(t, tag string) float64 {
	if !strings.HasPrefix(t, tag) {
		return math.NaN()
	}
	value := t[len(tag):]
	if value == tagNow {
		return unixSeconds(u.Now)
	}
	return parseLeadingInt(value)
}

// parseLeadingInt parses the leading decimal integer of s, or returns NaN.
func parseLeadingInt(s string) float64 {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if (c == '-' || c == '+') && end == 0 {
			end++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return math.NaN()
	}
	return float64(n)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// PresentationTimeOffset scans the audio and video adaptation sets for the
// first explicit presentation time offset, at set level first and then per
// representation. It returns 0 when none is found.
func PresentationTimeOffset(sets ...*media.AdaptationSet) float64 {
	for _, set := range sets {
		if set == nil {
			continue
		}
		if pto := set.SegmentTemplate.OffsetSeconds(); pto > 0 {
			return pto
		}
		for i := range set.Representations {
			if pto := set.Representations[i].SegmentTemplate.OffsetSeconds(); pto > 0 {
				return pto
			}
		}
	}
	return 0
}
