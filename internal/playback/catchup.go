package playback

import (
	"math"

	"github.com/zsiec/playcore/internal/config"
)

// convergedFraction is the share of the target delay within which the
// buffer-aware policy considers latency converged.
const convergedFraction = 0.02

// CatchupInput is the state a policy decides on. All values are seconds
// except the rates.
type CatchupInput struct {
	Latency           float64
	TargetDelay       float64
	MinDrift          float64
	LatencyThreshold  float64
	BufferLevel       float64
	PlaybackBufferMin float64
	MaxRateOffset     float64
	Stalled           bool
}

// RateDecision is the outcome of a rate computation.
type RateDecision struct {
	Rate float64
	// ClearStall reports that the buffer recovered enough to leave the
	// stalled condition.
	ClearStall bool
}

// CatchupPolicy decides whether and how fast to catch up with the live edge.
type CatchupPolicy interface {
	Name() string
	NeedsCatchUp(in CatchupInput) bool
	Rate(in CatchupInput) RateDecision
}

// sigmoidRate maps a signed delta onto [1-cpr, 1+cpr].
func sigmoidRate(delta, cpr float64) float64 {
	d := delta * 5
	return (1 - cpr) + (2*cpr)/(1+math.Exp(-d))
}

func underThreshold(latency, threshold float64) bool {
	return math.IsNaN(threshold) || latency <= threshold
}

// DefaultPolicy steers the rate from the latency delta alone.
type DefaultPolicy struct{}

func (DefaultPolicy) Name() string { return "default" }

func (DefaultPolicy) NeedsCatchUp(in CatchupInput) bool {
	drift := math.Abs(in.Latency - in.TargetDelay)
	return drift > in.MinDrift && underThreshold(in.Latency, in.LatencyThreshold)
}

func (DefaultPolicy) Rate(in CatchupInput) RateDecision {
	delta := in.Latency - in.TargetDelay
	out := RateDecision{Rate: sigmoidRate(delta, in.MaxRateOffset)}

	// Speeding up while stalled only produces more stalls.
	if in.Stalled {
		if in.BufferLevel > in.TargetDelay/2 {
			out.ClearStall = true
		} else if delta > 0 {
			out.Rate = 1.0
		}
	}
	return out
}

// BufferAwarePolicy slows down when the buffer runs low and otherwise steers
// from the latency delta.
type BufferAwarePolicy struct{}

func (BufferAwarePolicy) Name() string { return "buffer_aware" }

func (BufferAwarePolicy) NeedsCatchUp(in CatchupInput) bool {
	drift := math.Abs(in.Latency - in.TargetDelay)
	return underThreshold(in.Latency, in.LatencyThreshold) &&
		(drift > in.MinDrift || in.BufferLevel < in.PlaybackBufferMin)
}

func (BufferAwarePolicy) Rate(in CatchupInput) RateDecision {
	var out RateDecision

	if in.BufferLevel < in.PlaybackBufferMin {
		out.Rate = sigmoidRate(in.BufferLevel-in.PlaybackBufferMin, in.MaxRateOffset)
	} else {
		delta := in.Latency - in.TargetDelay
		tolerance := math.Max(in.MinDrift, convergedFraction*in.TargetDelay)
		if math.Abs(delta) <= tolerance {
			out.Rate = 1.0
		} else {
			out.Rate = sigmoidRate(delta, in.MaxRateOffset)
		}
	}

	if in.Stalled && in.BufferLevel > in.TargetDelay/2 {
		out.ClearStall = true
	}
	return out
}

// PolicyFor selects the policy for a configured mode. The buffer-aware policy
// needs a playback buffer minimum; without one the default policy is used.
func PolicyFor(mode string, playbackBufferMin float64) CatchupPolicy {
	if mode == config.CatchupModeBufferAware && !math.IsNaN(playbackBufferMin) && playbackBufferMin > 0 {
		return BufferAwarePolicy{}
	}
	return DefaultPolicy{}
}
