package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Segment buffer metrics
	bufferLevelSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playcore_buffer_level_seconds",
		Help: "Contiguous buffered media ahead of the playhead",
	}, []string{"media_type"})

	bufferStateLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playcore_buffer_state_loaded",
		Help: "1 when the buffer is sufficient to keep playing, 0 when stalled",
	}, []string{"media_type"})

	bufferAppendedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_buffer_appended_bytes_total",
		Help: "Total bytes appended to media sinks",
	}, []string{"media_type"})

	bufferPrunedSecondsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_buffer_pruned_seconds_total",
		Help: "Total media seconds removed from sinks",
	}, []string{"media_type"})

	bufferQuotaExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_buffer_quota_exceeded_total",
		Help: "Number of times a sink refused data for lack of space",
	}, []string{"media_type"})

	bufferCriticalLevelSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playcore_buffer_critical_level_seconds",
		Help: "Buffered time at which backpressure is applied",
	}, []string{"media_type"})

	// Playback clock metrics
	playbackRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_playback_rate",
		Help: "Current playback rate",
	})

	liveLatencySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_live_latency_seconds",
		Help: "Distance between the live edge and the playhead",
	})

	liveDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_live_delay_seconds",
		Help: "Target live delay",
	})

	catchupSeeksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playcore_catchup_seeks_total",
		Help: "Seeks to the live edge triggered by excessive drift",
	})

	clockStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_clock_state_transitions_total",
		Help: "Playback clock state transitions",
	}, []string{"to"})

	// Fetch engine metrics
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_fetch_requests_total",
		Help: "Fetch attempts by request type and outcome",
	}, []string{"request_type", "outcome"})

	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_fetch_retries_total",
		Help: "Scheduled fetch retries",
	}, []string{"request_type"})

	fetchDownloadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_fetch_download_errors_total",
		Help: "Requests abandoned after exhausting their retries",
	}, []string{"code"})

	fetchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playcore_fetch_request_duration_seconds",
		Help:    "Time from dispatch to completion of a fetch attempt",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"request_type"})

	fetchBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_fetch_bytes_total",
		Help: "Bytes received by the fetch engine",
	}, []string{"request_type"})

	// Session metrics
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_sessions_active",
		Help: "Number of running playback sessions",
	})

	// Status API metrics
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playcore_http_request_duration_seconds",
		Help:    "Duration of status API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playcore_http_requests_total",
		Help: "Status API requests",
	}, []string{"method", "route", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_http_requests_in_flight",
		Help: "Status API requests being served",
	})
)

// SetBufferLevel records the buffer level for a media type.
func SetBufferLevel(mediaType string, seconds float64) {
	bufferLevelSeconds.WithLabelValues(mediaType).Set(seconds)
}

// SetBufferLoaded records the sufficiency state for a media type.
func SetBufferLoaded(mediaType string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	bufferStateLoaded.WithLabelValues(mediaType).Set(v)
}

// AddAppendedBytes counts bytes appended to a sink.
func AddAppendedBytes(mediaType string, bytes int) {
	bufferAppendedBytesTotal.WithLabelValues(mediaType).Add(float64(bytes))
}

// AddPrunedSeconds counts media removed by pruning or quota recovery.
func AddPrunedSeconds(mediaType string, seconds float64) {
	if seconds > 0 {
		bufferPrunedSecondsTotal.WithLabelValues(mediaType).Add(seconds)
	}
}

// IncrementQuotaExceeded counts quota backpressure events.
func IncrementQuotaExceeded(mediaType string, criticalLevel float64) {
	bufferQuotaExceededTotal.WithLabelValues(mediaType).Inc()
	bufferCriticalLevelSeconds.WithLabelValues(mediaType).Set(criticalLevel)
}

// SetPlaybackRate records the current playback rate.
func SetPlaybackRate(rate float64) {
	playbackRate.Set(rate)
}

// SetLiveLatency records the current live latency.
func SetLiveLatency(seconds float64) {
	liveLatencySeconds.Set(seconds)
}

// SetLiveDelay records the target live delay.
func SetLiveDelay(seconds float64) {
	liveDelaySeconds.Set(seconds)
}

// IncrementCatchupSeeks counts hard seeks to the live edge.
func IncrementCatchupSeeks() {
	catchupSeeksTotal.Inc()
}

// IncrementStateTransition counts clock state transitions.
func IncrementStateTransition(to string) {
	clockStateTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordFetch records one completed fetch attempt.
func RecordFetch(requestType, outcome string, durationSeconds float64, bytes int) {
	fetchRequestsTotal.WithLabelValues(requestType, outcome).Inc()
	fetchRequestDuration.WithLabelValues(requestType).Observe(durationSeconds)
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(requestType).Add(float64(bytes))
	}
}

// IncrementFetchRetry counts a scheduled retry.
func IncrementFetchRetry(requestType string) {
	fetchRetriesTotal.WithLabelValues(requestType).Inc()
}

// IncrementDownloadError counts a request abandoned after its retries.
func IncrementDownloadError(code string) {
	fetchDownloadErrorsTotal.WithLabelValues(code).Inc()
}

// SetActiveSessions records the number of running sessions.
func SetActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}

// ObserveHTTPRequest records one served status API request.
func ObserveHTTPRequest(method, route, status string, seconds float64) {
	httpRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
}

// IncHTTPInFlight marks a status API request as started.
func IncHTTPInFlight() {
	httpRequestsInFlight.Inc()
}

// DecHTTPInFlight marks a status API request as finished.
func DecHTTPInFlight() {
	httpRequestsInFlight.Dec()
}
