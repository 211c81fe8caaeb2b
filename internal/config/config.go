package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Transport TransportConfig `mapstructure:"transport"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Sessions  []SessionConfig `mapstructure:"sessions"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// RegistryConfig controls where session snapshots are published.
type RegistryConfig struct {
	Backend           string        `mapstructure:"backend"` // redis or memory
	KeyPrefix         string        `mapstructure:"key_prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`     // json or text
	Output     string `mapstructure:"output"`     // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"`   // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// TransportConfig configures the segment HTTP client.
type TransportConfig struct {
	HTTP3                 bool          `mapstructure:"http3"`
	InsecureSkipVerify    bool          `mapstructure:"insecure_skip_verify"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	MaxRequestsPerSecond  float64       `mapstructure:"max_requests_per_second"` // 0 disables pacing
	Burst                 int           `mapstructure:"burst"`
	UserAgent             string        `mapstructure:"user_agent"`
}

// StreamingConfig is the player settings block shared by all core components.
type StreamingConfig struct {
	LowLatencyEnabled           bool                  `mapstructure:"low_latency_enabled"`
	WallclockTimeUpdateInterval time.Duration         `mapstructure:"wallclock_time_update_interval"`
	Buffer                      BufferSettings        `mapstructure:"buffer"`
	Delay                       DelaySettings         `mapstructure:"delay"`
	LiveCatchup                 LiveCatchupSettings   `mapstructure:"live_catchup"`
	RetryAttempts               RetryAttemptSettings  `mapstructure:"retry_attempts"`
	RetryIntervals              RetryIntervalSettings `mapstructure:"retry_intervals"`
	RetryBackoff                string                `mapstructure:"retry_backoff"` // linear or exponential
	WithCredentials             CredentialSettings    `mapstructure:"with_credentials"`
}

type BufferSettings struct {
	BufferToKeep          float64 `mapstructure:"buffer_to_keep"`
	BufferPruningInterval float64 `mapstructure:"buffer_pruning_interval"`
	StableBufferTime      float64 `mapstructure:"stable_buffer_time"`
	FastSwitchEnabled     bool    `mapstructure:"fast_switch_enabled"`
	RangeTolerance        float64 `mapstructure:"range_tolerance"`
}

type DelaySettings struct {
	LiveDelay                     float64 `mapstructure:"live_delay"`                // 0 = unset
	LiveDelayFragmentCount        float64 `mapstructure:"live_delay_fragment_count"` // 0 = unset
	UseSuggestedPresentationDelay bool    `mapstructure:"use_suggested_presentation_delay"`
}

type LiveCatchupSettings struct {
	Enabled           bool    `mapstructure:"enabled"`
	Mode              string  `mapstructure:"mode"` // default or buffer_aware
	PlaybackRate      float64 `mapstructure:"playback_rate"`
	MinDrift          float64 `mapstructure:"min_drift"`
	MaxDrift          float64 `mapstructure:"max_drift"`         // 0 = off
	LatencyThreshold  float64 `mapstructure:"latency_threshold"` // 0 = derived
	PlaybackBufferMin float64 `mapstructure:"playback_buffer_min"`
}

type RetryAttemptSettings struct {
	MPD                      int `mapstructure:"mpd"`
	XLinkExpansion           int `mapstructure:"xlink_expansion"`
	MediaSegment             int `mapstructure:"media_segment"`
	InitSegment              int `mapstructure:"init_segment"`
	IndexSegment             int `mapstructure:"index_segment"`
	BitstreamSwitching       int `mapstructure:"bitstream_switching_segment"`
	Other                    int `mapstructure:"other"`
	LowLatencyMultiplyFactor int `mapstructure:"low_latency_multiply_factor"`
}

type RetryIntervalSettings struct {
	MPD                       time.Duration `mapstructure:"mpd"`
	XLinkExpansion            time.Duration `mapstructure:"xlink_expansion"`
	MediaSegment              time.Duration `mapstructure:"media_segment"`
	InitSegment               time.Duration `mapstructure:"init_segment"`
	IndexSegment              time.Duration `mapstructure:"index_segment"`
	BitstreamSwitching        time.Duration `mapstructure:"bitstream_switching_segment"`
	Other                     time.Duration `mapstructure:"other"`
	LowLatencyReductionFactor int           `mapstructure:"low_latency_reduction_factor"`
}

type CredentialSettings struct {
	Default      bool `mapstructure:"default"`
	MPD          bool `mapstructure:"mpd"`
	MediaSegment bool `mapstructure:"media_segment"`
	InitSegment  bool `mapstructure:"init_segment"`
}

// SessionConfig describes one template-addressed stream to play.
type SessionConfig struct {
	ID                    string        `mapstructure:"id"`
	Dynamic               bool          `mapstructure:"dynamic"`
	DVRWindow             float64       `mapstructure:"dvr_window"`
	MinBufferTime         float64       `mapstructure:"min_buffer_time"`
	SuggestedDelay        float64       `mapstructure:"suggested_presentation_delay"`
	StartFragment         string        `mapstructure:"start_fragment"` // e.g. t=30 or t=posix:now
	Autoplay              bool          `mapstructure:"autoplay"`
	SinkQuotaBytes        int64         `mapstructure:"sink_quota_bytes"`
	RemoveAheadOnSeek     bool          `mapstructure:"remove_ahead_on_seek"`
	MinPlaybackRateChange float64       `mapstructure:"min_playback_rate_change"`
	SchedulerInterval     time.Duration `mapstructure:"scheduler_interval"`
	Tracks                []TrackConfig `mapstructure:"tracks"`
}

type TrackConfig struct {
	Type             string  `mapstructure:"type"`
	RepresentationID string  `mapstructure:"representation_id"`
	Bandwidth        int     `mapstructure:"bandwidth"`
	Codec            string  `mapstructure:"codec"`
	MimeType         string  `mapstructure:"mime_type"`
	InitURL          string  `mapstructure:"init_url"`
	MediaURL         string  `mapstructure:"media_url"` // supports $Number$ and $RepresentationID$
	SegmentDuration  float64 `mapstructure:"segment_duration"`
	StartNumber      int     `mapstructure:"start_number"`
	SegmentCount     int     `mapstructure:"segment_count"` // static streams only
}

// Load reads configuration from a YAML file, applying defaults and
// PLAYCORE_ prefixed environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)

	// Environment variable override
	v.SetEnvPrefix("PLAYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applySessionDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults only contain well-formed values.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	// Registry defaults
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.key_prefix", "playcore")
	v.SetDefault("registry.ttl", "30s")
	v.SetDefault("registry.heartbeat_interval", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Transport defaults
	v.SetDefault("transport.http3", false)
	v.SetDefault("transport.insecure_skip_verify", false)
	v.SetDefault("transport.request_timeout", "10s")
	v.SetDefault("transport.response_header_timeout", "5s")
	v.SetDefault("transport.max_requests_per_second", 0)
	v.SetDefault("transport.burst", 4)
	v.SetDefault("transport.user_agent", "playcore")

	// Streaming defaults
	v.SetDefault("streaming.low_latency_enabled", false)
	v.SetDefault("streaming.wallclock_time_update_interval", "100ms")
	v.SetDefault("streaming.buffer.buffer_to_keep", 20)
	v.SetDefault("streaming.buffer.buffer_pruning_interval", 10)
	v.SetDefault("streaming.buffer.stable_buffer_time", 12)
	v.SetDefault("streaming.buffer.fast_switch_enabled", false)
	v.SetDefault("streaming.buffer.range_tolerance", 0.15)
	v.SetDefault("streaming.delay.live_delay", 0)
	v.SetDefault("streaming.delay.live_delay_fragment_count", 0)
	v.SetDefault("streaming.delay.use_suggested_presentation_delay", true)
	v.SetDefault("streaming.live_catchup.enabled", false)
	v.SetDefault("streaming.live_catchup.mode", CatchupModeDefault)
	v.SetDefault("streaming.live_catchup.playback_rate", 0.5)
	v.SetDefault("streaming.live_catchup.min_drift", 0.02)
	v.SetDefault("streaming.live_catchup.max_drift", 0)
	v.SetDefault("streaming.live_catchup.latency_threshold", 0)
	v.SetDefault("streaming.live_catchup.playback_buffer_min", 0.5)
	v.SetDefault("streaming.retry_attempts.mpd", 3)
	v.SetDefault("streaming.retry_attempts.xlink_expansion", 1)
	v.SetDefault("streaming.retry_attempts.media_segment", 3)
	v.SetDefault("streaming.retry_attempts.init_segment", 3)
	v.SetDefault("streaming.retry_attempts.index_segment", 3)
	v.SetDefault("streaming.retry_attempts.bitstream_switching_segment", 3)
	v.SetDefault("streaming.retry_attempts.other", 3)
	v.SetDefault("streaming.retry_attempts.low_latency_multiply_factor", 5)
	v.SetDefault("streaming.retry_intervals.mpd", "500ms")
	v.SetDefault("streaming.retry_intervals.xlink_expansion", "500ms")
	v.SetDefault("streaming.retry_intervals.media_segment", "1s")
	v.SetDefault("streaming.retry_intervals.init_segment", "1s")
	v.SetDefault("streaming.retry_intervals.index_segment", "1s")
	v.SetDefault("streaming.retry_intervals.bitstream_switching_segment", "1s")
	v.SetDefault("streaming.retry_intervals.other", "1s")
	v.SetDefault("streaming.retry_intervals.low_latency_reduction_factor", 10)
	v.SetDefault("streaming.retry_backoff", BackoffLinear)
	v.SetDefault("streaming.with_credentials.default", false)
}

func (c *Config) applySessionDefaults() {
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.MinPlaybackRateChange == 0 {
			s.MinPlaybackRateChange = 0.02
		}
		if s.SchedulerInterval == 0 {
			s.SchedulerInterval = 250 * time.Millisecond
		}
		if s.MinBufferTime == 0 {
			s.MinBufferTime = 2
		}
		for j := range s.Tracks {
			if s.Tracks[j].StartNumber == 0 {
				s.Tracks[j].StartNumber = 1
			}
		}
	}
}
