package config

import (
	"fmt"
	"strings"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Registry.Backend == "redis" {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	seen := make(map[string]bool)
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("session %d config: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate session id: %s", s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}

	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if r.Backend != "redis" && r.Backend != "memory" {
		return fmt.Errorf("backend must be 'redis' or 'memory'")
	}

	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}

	if r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval must be shorter than ttl")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (t *TransportConfig) Validate() error {
	if t.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative")
	}

	if t.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max_requests_per_second cannot be negative")
	}

	if t.MaxRequestsPerSecond > 0 && t.Burst <= 0 {
		return fmt.Errorf("burst must be positive when pacing is enabled")
	}

	return nil
}

func (s *StreamingConfig) Validate() error {
	if s.WallclockTimeUpdateInterval <= 0 {
		return fmt.Errorf("wallclock_time_update_interval must be positive")
	}

	if s.Buffer.BufferToKeep < 0 {
		return fmt.Errorf("buffer_to_keep cannot be negative")
	}

	if s.Buffer.BufferPruningInterval <= 0 {
		return fmt.Errorf("buffer_pruning_interval must be positive")
	}

	if s.Buffer.RangeTolerance < 0 {
		return fmt.Errorf("range_tolerance cannot be negative")
	}

	if s.Delay.LiveDelay < 0 || s.Delay.LiveDelayFragmentCount < 0 {
		return fmt.Errorf("live delay settings cannot be negative")
	}

	lc := s.LiveCatchup
	if lc.Mode != CatchupModeDefault && lc.Mode != CatchupModeBufferAware {
		return fmt.Errorf("live_catchup.mode must be '%s' or '%s'", CatchupModeDefault, CatchupModeBufferAware)
	}

	// Catch-up rates are offsets around 1.0 and stay within [0.5, 1.5].
	if lc.PlaybackRate < 0 || lc.PlaybackRate > 0.5 {
		return fmt.Errorf("live_catchup.playback_rate must be within [0, 0.5], got %g", lc.PlaybackRate)
	}

	if lc.MinDrift < 0 || lc.MaxDrift < 0 || lc.LatencyThreshold < 0 || lc.PlaybackBufferMin < 0 {
		return fmt.Errorf("live_catchup drift, threshold and buffer settings cannot be negative")
	}

	attempts := []int{
		s.RetryAttempts.MPD, s.RetryAttempts.XLinkExpansion, s.RetryAttempts.MediaSegment,
		s.RetryAttempts.InitSegment, s.RetryAttempts.IndexSegment,
		s.RetryAttempts.BitstreamSwitching, s.RetryAttempts.Other,
	}
	for _, a := range attempts {
		if a < 0 {
			return fmt.Errorf("retry attempts cannot be negative")
		}
	}

	if s.RetryBackoff != BackoffLinear && s.RetryBackoff != BackoffExponential {
		return fmt.Errorf("retry_backoff must be '%s' or '%s'", BackoffLinear, BackoffExponential)
	}

	return nil
}

func (s *SessionConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}

	if len(s.Tracks) == 0 {
		return fmt.Errorf("at least one track is required")
	}

	if s.Dynamic && s.DVRWindow <= 0 {
		return fmt.Errorf("dvr_window must be positive for dynamic sessions")
	}

	if s.MinPlaybackRateChange < 0 {
		return fmt.Errorf("min_playback_rate_change cannot be negative")
	}

	types := make(map[string]bool)
	for _, t := range s.Tracks {
		if err := t.Validate(s.Dynamic); err != nil {
			return fmt.Errorf("track %s: %w", t.Type, err)
		}
		if types[t.Type] {
			return fmt.Errorf("duplicate track type: %s", t.Type)
		}
		types[t.Type] = true
	}

	return nil
}

func (t *TrackConfig) Validate(dynamic bool) error {
	switch t.Type {
	case "video", "audio", "text":
	default:
		return fmt.Errorf("type must be video, audio or text")
	}

	if t.MediaURL == "" {
		return fmt.Errorf("media_url is required")
	}

	if !strings.Contains(t.MediaURL, "$Number$") {
		return fmt.Errorf("media_url must contain $Number$")
	}

	if t.SegmentDuration <= 0 {
		return fmt.Errorf("segment_duration must be positive")
	}

	if !dynamic && t.SegmentCount <= 0 {
		return fmt.Errorf("segment_count must be positive for static sessions")
	}

	return nil
}
