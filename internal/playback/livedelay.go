package playback

import (
	"math"

	"github.com/zsiec/playcore/internal/media"
)

const (
	endOfPlaylistPadding   = 10.0
	minBufferTimeFactor    = 4.0
	fragmentDurationFactor = 4.0

	// Play heads trailing the window start by less than this are left alone;
	// time updates fire at 4Hz or faster.
	windowStartSlack = 0.250

	// Gaps larger than ten years are treated as a misreported engine time.
	implausibleGap = 315360000.0
)

// LiveDelayInput carries the values the live delay is derived from. NaN or
// zero marks a value as unknown.
type LiveDelayInput struct {
	LowLatency                    bool
	ConfiguredDelay               float64
	FragmentCount                 float64
	UseSuggestedPresentationDelay bool
	SuggestedPresentationDelay    float64
	FragmentDuration              float64
	MinBufferTime                 float64
	ManifestMinBufferTime         float64
	DVRWindowSize                 float64
}

// ComputeLiveDelay returns the target distance behind the live edge. The
// first known source wins: low latency (0), the configured delay, fragment
// duration times the configured count, the manifest's suggested delay, four
// fragment durations, four minimum buffer times. When a DVR window is known
// the result is capped to max(window - 10, window / 2).
func ComputeLiveDelay(in LiveDelayInput) float64 {
	fragment := in.FragmentDuration
	if math.IsInf(fragment, 0) {
		fragment = math.NaN()
	}

	var delay float64
	switch {
	case in.LowLatency:
		delay = 0
	case known(in.ConfiguredDelay):
		delay = in.ConfiguredDelay
	case known(in.FragmentCount) && !math.IsNaN(fragment):
		delay = fragment * in.FragmentCount
	case in.UseSuggestedPresentationDelay && known(in.SuggestedPresentationDelay):
		delay = in.SuggestedPresentationDelay
	case !math.IsNaN(fragment):
		delay = fragment * fragmentDurationFactor
	case !math.IsNaN(in.MinBufferTime):
		delay = in.MinBufferTime * minBufferTimeFactor
	default:
		delay = in.ManifestMinBufferTime * minBufferTimeFactor
	}

	if in.DVRWindowSize > 0 {
		capping := math.Max(in.DVRWindowSize-endOfPlaylistPadding, in.DVRWindowSize/2)
		return math.Min(delay, capping)
	}
	return delay
}

func known(v float64) bool {
	return !math.IsNaN(v) && v > 0
}

// ActualPresentationTime clamps t into the DVR window. Times past the window
// end move to end - liveDelay (but not before the start); times trailing the
// start by more than a time-update interval move to the start. ok is false
// when t needs no correction.
func ActualPresentationTime(t float64, window media.DVRWindow, liveDelay float64) (float64, bool) {
	if t > window.End {
		return math.Max(window.End-liveDelay, window.Start), true
	}
	if t > 0 && t+windowStartSlack < window.Start && math.Abs(t-window.Start) < implausibleGap {
		return window.Start, true
	}
	return t, false
}
