package config

import (
	"math"
	"sync"
	"time"

	"github.com/zsiec/playcore/internal/media"
)

const (
	CatchupModeDefault     = "default"
	CatchupModeBufferAware = "buffer_aware"

	BackoffLinear      = "linear"
	BackoffExponential = "exponential"

	// Live delay applied in low-latency mode when none is configured.
	DefaultLowLatencyLiveDelay = 3.0

	// Stable buffer time used when fast switching is enabled.
	FastSwitchStableBufferTime = 20.0
)

// Settings is the versioned, concurrency-safe holder of the streaming block.
// Components read it on every decision; only the playback clock writes to it.
type Settings struct {
	mu      sync.RWMutex
	version uint64
	current StreamingConfig
}

// NewSettings wraps an initial streaming configuration.
func NewSettings(s StreamingConfig) *Settings {
	return &Settings{current: s, version: 1}
}

// Get returns a copy of the current settings.
func (s *Settings) Get() StreamingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version increases by one on every Update.
func (s *Settings) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Update applies fn to the settings atomically.
func (s *Settings) Update(fn func(*StreamingConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
	s.version++
}

// RetryAttemptsFor returns the retry budget for a request type, scaled up in
// low-latency mode.
func (s *Settings) RetryAttemptsFor(t media.RequestType) int {
	c := s.Get()
	var attempts int
	switch t {
	case media.RequestMPD:
		attempts = c.RetryAttempts.MPD
	case media.RequestXLinkExpansion:
		attempts = c.RetryAttempts.XLinkExpansion
	case media.RequestMediaSegment:
		attempts = c.RetryAttempts.MediaSegment
	case media.RequestInitSegment:
		attempts = c.RetryAttempts.InitSegment
	case media.RequestIndexSegment:
		attempts = c.RetryAttempts.IndexSegment
	case media.RequestBitstreamSwitching:
		attempts = c.RetryAttempts.BitstreamSwitching
	default:
		attempts = c.RetryAttempts.Other
	}
	if attempts < 0 {
		attempts = 0
	}
	if c.LowLatencyEnabled && c.RetryAttempts.LowLatencyMultiplyFactor > 0 {
		attempts *= c.RetryAttempts.LowLatencyMultiplyFactor
	}
	return attempts
}

// RetryIntervalFor returns the retry interval for a request type, shortened in
// low-latency mode.
func (s *Settings) RetryIntervalFor(t media.RequestType) time.Duration {
	c := s.Get()
	var interval time.Duration
	switch t {
	case media.RequestMPD:
		interval = c.RetryIntervals.MPD
	case media.RequestXLinkExpansion:
		interval = c.RetryIntervals.XLinkExpansion
	case media.RequestMediaSegment:
		interval = c.RetryIntervals.MediaSegment
	case media.RequestInitSegment:
		interval = c.RetryIntervals.InitSegment
	case media.RequestIndexSegment:
		interval = c.RetryIntervals.IndexSegment
	case media.RequestBitstreamSwitching:
		interval = c.RetryIntervals.BitstreamSwitching
	default:
		interval = c.RetryIntervals.Other
	}
	if c.LowLatencyEnabled && c.RetryIntervals.LowLatencyReductionFactor > 0 {
		interval /= time.Duration(c.RetryIntervals.LowLatencyReductionFactor)
	}
	return interval
}

// WithCredentialsFor reports whether requests of type t send credentials.
func (s *Settings) WithCredentialsFor(t media.RequestType) bool {
	c := s.Get().WithCredentials
	switch t {
	case media.RequestMPD:
		return c.Default || c.MPD
	case media.RequestMediaSegment:
		return c.Default || c.MediaSegment
	case media.RequestInitSegment:
		return c.Default || c.InitSegment
	default:
		return c.Default
	}
}

// LiveDelay returns the configured live delay, NaN when unset. Low-latency
// mode falls back to DefaultLowLatencyLiveDelay.
func (s *Settings) LiveDelay() float64 {
	c := s.Get()
	if c.Delay.LiveDelay > 0 {
		return c.Delay.LiveDelay
	}
	if c.LowLatencyEnabled {
		return DefaultLowLatencyLiveDelay
	}
	return math.NaN()
}

// StableBufferTime returns the buffer target the scheduler fills up to.
func (s *Settings) StableBufferTime() float64 {
	c := s.Get()
	if c.Buffer.StableBufferTime > 0 {
		return c.Buffer.StableBufferTime
	}
	if c.Buffer.FastSwitchEnabled {
		return FastSwitchStableBufferTime
	}
	return 12
}

// CatchupEnabled reports whether live catch-up is active.
func (s *Settings) CatchupEnabled() bool {
	c := s.Get()
	return c.LiveCatchup.Enabled || c.LowLatencyEnabled
}

// CatchupLatencyThreshold returns the latency above which catch-up gives up
// and leaves the correction to a seek. liveDelay is the active target delay.
// NaN means no threshold.
func (s *Settings) CatchupLatencyThreshold(liveDelay float64) float64 {
	c := s.Get().LiveCatchup
	if c.LatencyThreshold > 0 {
		if math.IsNaN(liveDelay) {
			return c.LatencyThreshold
		}
		return math.Max(c.LatencyThreshold, liveDelay)
	}
	if !math.IsNaN(liveDelay) && liveDelay > 0 {
		return math.Max((c.MinDrift+liveDelay)*4, 5)
	}
	return math.NaN()
}
