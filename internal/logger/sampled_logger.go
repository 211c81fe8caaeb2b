package logger

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Categories of player events that fire on every tick or progress event.
const (
	CategoryTimeUpdate    = "time_update"
	CategoryDVRClamp      = "dvr_clamp"
	CategoryCatchup       = "catchup"
	CategoryBufferLevel   = "buffer_level"
	CategoryFetchProgress = "fetch_progress"
	CategoryRetry         = "retry"
)

// SamplerConfig limits one category to Burst messages plus one per
// Interval. Beyond that one message in Every passes; zero drops them all.
type SamplerConfig struct {
	Interval time.Duration
	Burst    int
	Every    int64
}

type sampler struct {
	limiter *rate.Limiter
	every   int64

	seen     atomic.Int64
	logged   atomic.Int64
	overflow atomic.Int64
}

func (s *sampler) allow() bool {
	s.seen.Add(1)
	if s.limiter.Allow() {
		s.logged.Add(1)
		return true
	}
	if s.every > 0 && s.overflow.Add(1)%s.every == 0 {
		s.logged.Add(1)
		return true
	}
	return false
}

// SamplerStats counts the messages seen and logged by one category.
type SamplerStats struct {
	Seen    int64 `json:"seen"`
	Logged  int64 `json:"logged"`
	Dropped int64 `json:"dropped"`
}

// SampledLogger rate limits log categories. Categories without a sampler
// always log. The sampler set is fixed at construction, so a SampledLogger
// is safe for concurrent use.
type SampledLogger struct {
	base     Logger
	samplers map[string]*sampler
}

// NewSampledLogger creates a sampled logger over base.
func NewSampledLogger(base Logger, configs map[string]SamplerConfig) *SampledLogger {
	if base == nil {
		base = NewNullLogger()
	}
	s := &SampledLogger{base: base, samplers: make(map[string]*sampler, len(configs))}
	for name, cfg := range configs {
		s.samplers[name] = &sampler{
			limiter: rate.NewLimiter(rate.Every(cfg.Interval), cfg.Burst),
			every:   cfg.Every,
		}
	}
	return s
}

// NewPlayerLogger creates a sampled logger tuned for the playback core.
// Retries are not sampled.
func NewPlayerLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base, map[string]SamplerConfig{
		CategoryTimeUpdate:    {Interval: time.Second, Burst: 2, Every: 10},
		CategoryDVRClamp:      {Interval: time.Second, Burst: 1, Every: 10},
		CategoryCatchup:       {Interval: 500 * time.Millisecond, Burst: 3, Every: 2},
		CategoryBufferLevel:   {Interval: 200 * time.Millisecond, Burst: 3, Every: 5},
		CategoryFetchProgress: {Interval: 250 * time.Millisecond, Burst: 4, Every: 20},
	})
}

func (s *SampledLogger) allow(category string) bool {
	sm, ok := s.samplers[category]
	return !ok || sm.allow()
}

func (s *SampledLogger) log(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if !s.allow(category) {
		return
	}
	s.base.WithFields(fields).WithField("category", category).Log(level, msg)
}

// Debug logs msg at debug level when category's sampler lets it through.
func (s *SampledLogger) Debug(category, msg string, fields map[string]interface{}) {
	s.log(logrus.DebugLevel, category, msg, fields)
}

// Info logs msg at info level when category's sampler lets it through.
func (s *SampledLogger) Info(category, msg string, fields map[string]interface{}) {
	s.log(logrus.InfoLevel, category, msg, fields)
}

// Stats returns the counters of every sampled category.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	out := make(map[string]SamplerStats, len(s.samplers))
	for name, sm := range s.samplers {
		seen, logged := sm.seen.Load(), sm.logged.Load()
		out[name] = SamplerStats{Seen: seen, Logged: logged, Dropped: seen - logged}
	}
	return out
}
