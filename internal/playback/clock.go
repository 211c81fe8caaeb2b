// Package playback implements the playback clock: the single source of truth
// for the play head position, seek arbitration, live delay and live catch-up.
package playback

import (
	"math"
	"time"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/metrics"
	"github.com/zsiec/playcore/internal/signal"
)

const (
	// DefaultMinPlaybackRateChange is the smallest rate step applied to the
	// engine.
	DefaultMinPlaybackRateChange = 0.02

	// Paused live streams publish a time update at most this often.
	livePlaybackTimeInterval = 500 * time.Millisecond

	// Segment duration multiplier used by the pacing correction.
	pacingDelayFactor = 1.2
)

// StreamAdapter exposes manifest-derived values.
type StreamAdapter interface {
	// SuggestedPresentationDelay returns NaN when the manifest has none.
	SuggestedPresentationDelay() float64
	// AvailabilityStartTime returns the zero time when unknown.
	AvailabilityStartTime() time.Time
	// Duration is the media presentation duration, zero when unknown.
	Duration() float64
	// ClientTimeOffset corrects the local clock against the server's.
	ClientTimeOffset() time.Duration
	// AdaptationFor returns the first adaptation set of a type, or nil.
	AdaptationFor(t media.Type, stream *media.StreamInfo) *media.AdaptationSet
	// ReferenceStream returns the first period.
	ReferenceStream() *media.StreamInfo
}

// DVRInfo supplies the current DVR window of a live stream.
type DVRInfo interface {
	DVRWindow() (media.DVRWindow, bool)
}

// BufferLevels reports the lowest buffer level of the active buffers, NaN
// when there are none.
type BufferLevels interface {
	MinBufferLevel() float64
}

// Config holds the collaborators of a Clock.
type Config struct {
	Loop     loop.Loop
	Engine   media.PlaybackEngine
	Settings *config.Settings
	Adapter  StreamAdapter
	DVR      DVRInfo
	Buffers  BufferLevels
	// URIFragment is the media fragment of the manifest URL, e.g. "t=30".
	URIFragment string
	// MinPlaybackRateChange defaults to DefaultMinPlaybackRateChange.
	MinPlaybackRateChange float64
	Reporter              errors.Reporter
	Logger                logger.Logger
}

// Clock tracks the play head of one active stream.
type Clock struct {
	loop     loop.Loop
	engine   media.PlaybackEngine
	settings *config.Settings
	adapter  StreamAdapter
	dvr      DVRInfo
	buffers  BufferLevels
	reporter errors.Reporter
	logger   logger.Logger
	sampled  *logger.SampledLogger

	uriFragment   string
	minRateChange float64

	signals *signal.PlaybackSignals
	state   State

	streamInfo        *media.StreamInfo
	isDynamic         bool
	streamSwitch      bool
	streamSeekTime    float64
	liveDelay         float64
	availabilityStart time.Time
	seekTarget        float64

	playOnceInitialized bool
	ignoreSeeking       bool
	lowLatencySeeking   bool
	playbackStalled     bool
	lastLiveTimeUpdate  time.Time

	unsubscribeEngine func()
	wallclock         loop.Timer
	endedTimer        loop.Timer
}

// NewClock creates an idle clock.
func NewClock(cfg Config) *Clock {
	log := logger.ForComponent(cfg.Logger, "playback_clock", "")
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = errors.DiscardReporter
	}
	minRate := cfg.MinPlaybackRateChange
	if minRate <= 0 {
		minRate = DefaultMinPlaybackRateChange
	}

	c := &Clock{
		loop:          cfg.Loop,
		engine:        cfg.Engine,
		settings:      cfg.Settings,
		adapter:       cfg.Adapter,
		dvr:           cfg.DVR,
		buffers:       cfg.Buffers,
		reporter:      reporter,
		logger:        log,
		sampled:       logger.NewPlayerLogger(log),
		uriFragment:   cfg.URIFragment,
		minRateChange: minRate,
		signals:       signal.NewPlaybackSignals(),
	}
	c.resetFields()
	return c
}

func (c *Clock) resetFields() {
	c.streamInfo = nil
	c.isDynamic = false
	c.streamSwitch = false
	c.streamSeekTime = math.NaN()
	c.liveDelay = 0
	c.availabilityStart = time.Time{}
	c.seekTarget = math.NaN()
	c.ignoreSeeking = false
	c.lowLatencySeeking = false
	c.playbackStalled = false
	c.lastLiveTimeUpdate = time.Time{}
}

// Signals returns the clock's outbound topics.
func (c *Clock) Signals() *signal.PlaybackSignals {
	return c.signals
}

// State returns the current lifecycle state.
func (c *Clock) State() State {
	return c.state
}

func (c *Clock) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		c.logger.WithFields(map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		}).Debug("Ignoring state transition")
		return
	}
	c.setState(to)
}

func (c *Clock) setState(to State) {
	from := c.state
	c.state = to
	metrics.IncrementStateTransition(to.String())
	c.logger.WithFields(map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Clock state changed")
	c.signals.StateChanged.Publish(signal.StateChange{From: from.String(), To: to.String()})
}

// Initialize binds the clock to a stream. seekTime is NaN unless a period
// switch carries an explicit position.
func (c *Clock) Initialize(info *media.StreamInfo, periodSwitch bool, seekTime float64) {
	c.streamInfo = info
	c.isDynamic = info.ManifestInfo.IsDynamic
	c.lowLatencySeeking = false
	c.playbackStalled = false
	c.streamSwitch = periodSwitch
	c.streamSeekTime = seekTime

	if c.unsubscribeEngine == nil {
		c.unsubscribeEngine = c.engine.Subscribe(c.onElementEvent)
	}

	c.logger.WithFields(map[string]interface{}{
		"stream_id": info.ID,
		"dynamic":   c.isDynamic,
	}).Info("Playback clock initialized")
	c.transition(StateInitializing)

	if c.playOnceInitialized {
		c.playOnceInitialized = false
		c.Play()
	}
}

// OnStreamInitialized computes the start position and seeks to it. Priority:
// explicit seek time, then the URI start time (clamped to the DVR window or
// the period), then the live start time or the period start.
func (c *Clock) OnStreamInitialized(liveStartTime float64) {
	if c.streamInfo == nil {
		return
	}
	if c.streamSwitch && math.IsNaN(c.streamSeekTime) {
		c.transition(StatePlaying)
		return
	}

	startTime := c.streamSeekTime
	if math.IsNaN(startTime) {
		if c.isDynamic {
			startTime = liveStartTime
			if window, ok := c.dvrWindow(); ok {
				if fromURI := c.StartTimeFromURI(true); !math.IsNaN(fromURI) {
					c.logger.WithField("start_time", fromURI).Info("Start time from URI parameters")
					startTime = math.Max(math.Min(startTime, fromURI), window.Start)
				}
				// A live stream whose duration has been set and passed has
				// ended; start from the beginning of the window.
				if d := c.adapter.Duration(); d > 0 && d < startTime {
					startTime = window.Start
				}
			}
		} else {
			startTime = c.streamInfo.Start
			if fromURI := c.StartTimeFromURI(false); !math.IsNaN(fromURI) && fromURI < startTime+c.streamInfo.Duration {
				c.logger.WithField("start_time", fromURI).Info("Start time from URI parameters")
				startTime = math.Max(startTime, fromURI)
			}
		}
	}

	if !math.IsNaN(startTime) && (c.isDynamic || startTime != c.engine.Time()) {
		c.signals.Seeking.Publish(signal.SeekEvent{Time: startTime})
		c.Seek(startTime, false, true)
	}
	c.transition(StatePlaying)
}

// StartTimeFromURI resolves the "t" media fragment, or returns NaN.
func (c *Clock) StartTimeFromURI(dynamic bool) float64 {
	if c.uriFragment == "" {
		return math.NaN()
	}
	u := URIStart{
		Fragment:          c.uriFragment,
		Dynamic:           dynamic,
		AvailabilityStart: c.availabilityStart,
		Now:               c.loop.Now(),
	}
	ref := c.streamInfo
	if c.adapter != nil {
		if r := c.adapter.ReferenceStream(); r != nil {
			ref = r
		}
		u.PresentationTimeOffset = PresentationTimeOffset(
			c.adapter.AdaptationFor(media.Audio, ref),
			c.adapter.AdaptationFor(media.Video, ref),
		)
	}
	if ref != nil {
		u.PeriodStart = ref.Start
	}
	return u.StartTime()
}

// Time returns the engine time, NaN before initialization.
func (c *Clock) Time() float64 {
	if c.streamInfo == nil {
		return math.NaN()
	}
	return c.engine.Time()
}

// NormalizedTime strips an absolute availability offset some engines report
// for live streams.
func (c *Clock) NormalizedTime() float64 {
	t := c.Time()
	if c.isDynamic && !c.availabilityStart.IsZero() {
		offset := unixSeconds(c.availabilityStart)
		if t > offset {
			t -= offset
		}
	}
	return t
}

// StreamEndTime returns the end of the active period.
func (c *Clock) StreamEndTime() float64 {
	if c.streamInfo == nil {
		return math.NaN()
	}
	return c.streamInfo.Start + c.streamInfo.Duration
}

// TimeToStreamEnd returns the remaining time in the active period, rounded
// to five decimals.
func (c *Clock) TimeToStreamEnd() float64 {
	return math.Round((c.StreamEndTime()-c.Time())*1e5) / 1e5
}

// Duration returns the engine's media duration.
func (c *Clock) Duration() float64 {
	if c.streamInfo == nil {
		return math.NaN()
	}
	return c.engine.Duration()
}

// IsDynamic reports whether the active stream is live.
func (c *Clock) IsDynamic() bool {
	return c.isDynamic
}

// IsPaused reports whether the engine is paused.
func (c *Clock) IsPaused() bool {
	return c.streamInfo != nil && c.engine.IsPaused()
}

// IsSeeking reports whether the engine is seeking.
func (c *Clock) IsSeeking() bool {
	return c.streamInfo != nil && c.engine.IsSeeking()
}

// Ended reports whether the engine reached the end of media.
func (c *Clock) Ended() bool {
	return c.streamInfo != nil && c.engine.Ended()
}

// PlaybackRate returns the engine's current rate.
func (c *Clock) PlaybackRate() float64 {
	if c.streamInfo == nil {
		return math.NaN()
	}
	return c.engine.PlaybackRate()
}

// Play starts playback, or defers it until Initialize.
func (c *Clock) Play() {
	if c.streamInfo == nil {
		c.playOnceInitialized = true
		return
	}
	c.engine.Play()
}

// Pause pauses playback.
func (c *Clock) Pause() {
	if c.streamInfo == nil {
		return
	}
	c.engine.Pause()
}

// Seek moves the play head. Internal seeks reposition the engine without
// announcing a new seek: the data is already buffered at the target, so the
// engine's seeking event is not forwarded. User seeks record the target and
// publish SeekAsked.
func (c *Clock) Seek(t float64, stickToBuffered, internal bool) {
	if c.streamInfo == nil {
		return
	}
	current := c.seekTarget
	if math.IsNaN(current) {
		current = c.engine.Time()
	}
	if t == current {
		return
	}

	if internal {
		c.ignoreSeeking = true
		c.logger.WithField("time", t).Info("Requesting internal seek")
	} else {
		c.seekTarget = t
		c.signals.SeekAsked.Publish(signal.SeekEvent{Time: t})
		c.logger.WithField("time", t).Info("Requesting seek")
	}
	c.engine.SetCurrentTime(t, stickToBuffered)
}

// SeekToLive seeks to the live edge minus the catch-up target delay.
func (c *Clock) SeekToLive() {
	window, ok := c.dvrWindow()
	if !ok {
		return
	}
	c.Seek(window.End-c.catchupTarget(), true, false)
}

func (c *Clock) dvrWindow() (media.DVRWindow, bool) {
	if c.dvr == nil {
		return media.DVRWindow{}, false
	}
	return c.dvr.DVRWindow()
}

// ComputeAndSetLiveDelay derives the live delay from settings and manifest
// hints and stores it.
func (c *Clock) ComputeAndSetLiveDelay(fragmentDuration, dvrWindowSize, minBufferTime float64) float64 {
	s := c.settings.Get()
	in := LiveDelayInput{
		LowLatency:                    s.LowLatencyEnabled,
		ConfiguredDelay:               c.settings.LiveDelay(),
		FragmentCount:                 s.Delay.LiveDelayFragmentCount,
		UseSuggestedPresentationDelay: s.Delay.UseSuggestedPresentationDelay,
		SuggestedPresentationDelay:    math.NaN(),
		FragmentDuration:              fragmentDuration,
		MinBufferTime:                 minBufferTime,
		DVRWindowSize:                 dvrWindowSize,
	}
	if c.streamInfo != nil {
		in.ManifestMinBufferTime = c.streamInfo.ManifestInfo.MinBufferTime
	}
	if c.adapter != nil {
		in.SuggestedPresentationDelay = c.adapter.SuggestedPresentationDelay()
		if start := c.adapter.AvailabilityStartTime(); !start.IsZero() {
			c.availabilityStart = start
		}
	}

	c.liveDelay = ComputeLiveDelay(in)
	metrics.SetLiveDelay(c.liveDelay)
	c.logger.WithField("live_delay", c.liveDelay).Debug("Live delay computed")
	return c.liveDelay
}

// LiveDelay returns the last computed live delay.
func (c *Clock) LiveDelay() float64 {
	return c.liveDelay
}

// SetLiveDelay overrides the live delay. With useMax the value only ever
// grows.
func (c *Clock) SetLiveDelay(v float64, useMax bool) {
	if useMax && v < c.liveDelay {
		return
	}
	c.liveDelay = v
}

// catchupTarget is the latency catch-up converges to: the configured delay
// when one is set, the computed delay otherwise.
func (c *Clock) catchupTarget() float64 {
	if d := c.settings.LiveDelay(); !math.IsNaN(d) {
		return d
	}
	return c.liveDelay
}

// CurrentLiveLatency returns how far the play head trails the live edge, in
// seconds rounded to milliseconds. NaN for static streams.
func (c *Clock) CurrentLiveLatency() float64 {
	if !c.isDynamic || c.availabilityStart.IsZero() {
		return math.NaN()
	}
	t := c.NormalizedTime()
	if math.IsNaN(t) || t == 0 {
		return 0
	}

	var offset time.Duration
	if c.adapter != nil {
		offset = c.adapter.ClientTimeOffset()
	}
	now := c.loop.Now().Add(offset)
	latency := now.Sub(c.availabilityStart).Seconds() - t
	return math.Max(math.Round(latency*1000)/1000, 0)
}

// ActualPresentationTime clamps t into the current DVR window. NaN when no
// window is known.
func (c *Clock) ActualPresentationTime(t float64) float64 {
	window, ok := c.dvrWindow()
	if !ok {
		return math.NaN()
	}
	c.sampled.Debug(logger.CategoryDVRClamp, "Checking DVR window", map[string]interface{}{
		"time":         t,
		"window_start": window.Start,
		"window_end":   window.End,
	})
	actual, _ := ActualPresentationTime(t, window, c.liveDelay)
	return actual
}

func (c *Clock) updateCurrentTime() {
	if c.IsPaused() || !c.isDynamic || c.engine.ReadyState() == media.HaveNothing {
		return
	}
	current := c.Time()
	actual := c.ActualPresentationTime(current)
	if !math.IsNaN(actual) && actual != current {
		c.logger.WithFields(map[string]interface{}{
			"from": current,
			"to":   actual,
		}).Debug("Seeking to actual presentation time")
		c.Seek(actual, false, false)
	}
}

// OnDataUpdateCompleted refreshes the active stream after a manifest update.
func (c *Clock) OnDataUpdateCompleted(info *media.StreamInfo) {
	if info == nil || c.streamInfo == nil || info.ID != c.streamInfo.ID {
		return
	}
	c.streamInfo = info
	c.updateCurrentTime()
}

// OnFragmentLoadProgress applies the pacing correction: a low-latency stream
// that cannot be consumed progressively needs a live delay of at least 1.2
// segment durations, which is written back to the settings.
func (c *Clock) OnFragmentLoadProgress(req *media.FragmentRequest, streamMode bool) {
	if req == nil || streamMode || math.IsNaN(req.Duration) || req.Duration <= 0 {
		return
	}
	if !c.settings.Get().LowLatencyEnabled {
		return
	}
	minDelay := pacingDelayFactor * req.Duration
	if minDelay <= c.settings.LiveDelay() {
		return
	}
	c.logger.WithField("live_delay", minDelay).Warn("Progressive loading unavailable, raising live delay above segment duration")
	c.settings.Update(func(s *config.StreamingConfig) {
		s.Delay.LiveDelay = minDelay
	})
}

// OnBufferStateChanged reacts to a buffer of the active stream running dry.
func (c *Clock) OnBufferStateChanged(e signal.BufferStateChange) {
	if c.streamInfo == nil || e.StreamID != c.streamInfo.ID {
		return
	}
	empty := e.State == media.BufferEmpty
	if c.settings.CatchupEnabled() {
		if empty && !c.IsSeeking() && !c.playbackStalled {
			c.playbackStalled = true
			c.logger.WithField("media_type", string(e.MediaType)).Info("Buffer empty, suspending catch-up")
			c.stopPlaybackCatchUp()
		}
		return
	}
	c.engine.SetStallState(e.MediaType, empty)
}

// SignalEnded handles an end of stream detected outside the engine. If the
// engine does not report the end within one wallclock interval, the clock
// moves to the stream end and pauses.
func (c *Clock) SignalEnded(isLast bool) {
	if !isLast || c.wallclock == nil || c.endedTimer != nil || c.state == StateEnded {
		return
	}
	c.endedTimer = c.loop.AfterFunc(c.wallclockInterval(), func() {
		c.endedTimer = nil
		if c.state == StateEnded || c.streamInfo == nil {
			return
		}
		c.logger.Info("Playback ended without engine notification, forcing end")
		c.ignoreSeeking = true
		c.engine.SetCurrentTime(c.StreamEndTime(), false)
		c.engine.Pause()
		c.stopWallclock()
		c.setState(StateEnded)
		c.signals.Ended.Publish(signal.Ended{IsLast: true})
	})
}

func (c *Clock) onElementEvent(e media.ElementEvent) {
	switch e.Kind {
	case media.EventPlay:
		c.logger.Info("Engine event: play")
		c.updateCurrentTime()
		c.startWallclock()
		c.publishLifecycle(e)
	case media.EventSeeking:
		c.onSeeking()
	case media.EventSeeked:
		c.onSeeked()
	case media.EventTimeUpdate:
		c.onTimeUpdated()
	case media.EventProgress:
		c.signals.Progress.Publish(signal.TimeUpdate{Time: c.Time(), TimeToEnd: c.TimeToStreamEnd()})
		c.onPlaybackProgression()
	case media.EventRateChange:
		rate := c.engine.PlaybackRate()
		metrics.SetPlaybackRate(rate)
		c.logger.WithField("rate", rate).Info("Engine event: ratechange")
		c.signals.RateChanged.Publish(signal.RateChange{Rate: rate})
	case media.EventLoadedMetadata:
		c.logger.Info("Engine event: loadedmetadata")
		c.publishLifecycle(e)
		c.startWallclock()
	case media.EventEnded:
		c.onNativeEnded()
	case media.EventError:
		c.logger.WithError(e.Err).Error("Engine event: error")
		c.reporter.Report(errors.NewPlaybackError(e.Err))
		c.publishLifecycle(e)
	default:
		c.logger.WithField("event", e.Kind.String()).Debug("Engine event")
		c.publishLifecycle(e)
	}
}

func (c *Clock) publishLifecycle(e media.ElementEvent) {
	c.signals.Lifecycle.Publish(signal.Lifecycle{Kind: e.Kind, Time: c.Time(), Err: e.Err})
}

func (c *Clock) onSeeking() {
	if c.ignoreSeeking {
		return
	}
	c.transition(StateSeeking)

	// Engines may fail to move to an unbuffered live position; the recorded
	// target wins over the reported time.
	seekTime := c.engine.Time()
	if !math.IsNaN(c.seekTarget) && c.seekTarget != seekTime {
		seekTime = c.seekTarget
	}
	c.seekTarget = math.NaN()

	c.logger.WithField("time", seekTime).Info("Seeking")
	c.startWallclock()
	c.signals.Seeking.Publish(signal.SeekEvent{Time: seekTime})
}

func (c *Clock) onSeeked() {
	c.logger.Info("Engine event: seeked")
	c.ignoreSeeking = false
	c.signals.Seeked.Publish(signal.SeekEvent{Time: c.Time()})
	if c.state == StateSeeking {
		c.transition(StatePlaying)
	}
}

func (c *Clock) onTimeUpdated() {
	if c.streamInfo == nil {
		return
	}
	t := c.Time()
	c.sampled.Debug(logger.CategoryTimeUpdate, "Time updated", map[string]interface{}{
		"time": t,
	})
	c.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: t, TimeToEnd: c.TimeToStreamEnd()})
	c.onPlaybackProgression()
}

func (c *Clock) onNativeEnded() {
	c.logger.Info("Engine event: ended")
	if c.state == StateEnded {
		return
	}
	c.engine.Pause()
	c.stopWallclock()
	if c.endedTimer != nil {
		c.endedTimer.Stop()
		c.endedTimer = nil
	}
	c.transition(StateEnded)
	isLast := c.streamInfo != nil && c.streamInfo.IsLast
	c.signals.Ended.Publish(signal.Ended{IsLast: isLast})
}

func (c *Clock) wallclockInterval() time.Duration {
	interval := c.settings.Get().WallclockTimeUpdateInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return interval
}

func (c *Clock) startWallclock() {
	if c.wallclock != nil {
		return
	}
	c.wallclock = c.loop.Every(c.wallclockInterval(), c.onWallclockTime)
}

func (c *Clock) stopWallclock() {
	if c.wallclock == nil {
		return
	}
	c.wallclock.Stop()
	c.wallclock = nil
}

// WallclockRunning reports whether the wallclock tick is active.
func (c *Clock) WallclockRunning() bool {
	return c.wallclock != nil
}

func (c *Clock) onWallclockTime() {
	now := c.loop.Now()
	c.signals.WallclockTick.Publish(signal.WallclockTick{IsDynamic: c.isDynamic, Time: now})

	if !c.isDynamic {
		return
	}
	if latency := c.CurrentLiveLatency(); !math.IsNaN(latency) {
		metrics.SetLiveLatency(latency)
	}
	// Engines do not report time updates while paused.
	if c.IsPaused() {
		if c.lastLiveTimeUpdate.IsZero() || now.Sub(c.lastLiveTimeUpdate) > livePlaybackTimeInterval {
			c.lastLiveTimeUpdate = now
			c.onTimeUpdated()
		}
	}
}

func (c *Clock) onPlaybackProgression() {
	if !c.isDynamic || !c.settings.CatchupEnabled() || c.IsPaused() || c.IsSeeking() {
		return
	}
	if c.settings.Get().LiveCatchup.PlaybackRate <= 0 {
		return
	}
	in, policy := c.catchupInput()
	if c.Time() > 0 && policy.NeedsCatchUp(in) {
		c.startPlaybackCatchUp(in, policy)
		return
	}
	c.stopPlaybackCatchUp()
}

func (c *Clock) catchupInput() (CatchupInput, CatchupPolicy) {
	s := c.settings.Get().LiveCatchup
	target := c.catchupTarget()
	bufferLevel := math.NaN()
	if c.buffers != nil {
		bufferLevel = c.buffers.MinBufferLevel()
	}
	in := CatchupInput{
		Latency:           c.CurrentLiveLatency(),
		TargetDelay:       target,
		MinDrift:          s.MinDrift,
		LatencyThreshold:  c.settings.CatchupLatencyThreshold(target),
		BufferLevel:       bufferLevel,
		PlaybackBufferMin: s.PlaybackBufferMin,
		MaxRateOffset:     s.PlaybackRate,
		Stalled:           c.playbackStalled,
	}
	return in, PolicyFor(s.Mode, s.PlaybackBufferMin)
}

func (c *Clock) startPlaybackCatchUp(in CatchupInput, policy CatchupPolicy) {
	maxDrift := c.settings.Get().LiveCatchup.MaxDrift
	if maxDrift > 0 && !c.lowLatencySeeking && in.Latency-in.TargetDelay > maxDrift {
		c.logger.WithFields(map[string]interface{}{
			"latency":   in.Latency,
			"target":    in.TargetDelay,
			"max_drift": maxDrift,
		}).Info("Latency too high, seeking to live edge")
		c.lowLatencySeeking = true
		metrics.IncrementCatchupSeeks()
		c.SeekToLive()
		return
	}
	c.lowLatencySeeking = false

	decision := policy.Rate(in)
	if decision.ClearStall {
		c.playbackStalled = false
	}

	current := c.engine.PlaybackRate()
	c.sampled.Debug(logger.CategoryCatchup, "Catch-up rate decision", map[string]interface{}{
		"policy":  policy.Name(),
		"latency": in.Latency,
		"target":  in.TargetDelay,
		"buffer":  in.BufferLevel,
		"rate":    decision.Rate,
		"current": current,
	})
	rate := current
	if math.Abs(current-decision.Rate) > c.minRateChange {
		c.engine.SetPlaybackRate(decision.Rate)
		rate = decision.Rate
	}
	if rate != 1.0 {
		c.transition(StateCatchingUp)
	} else if c.state == StateCatchingUp {
		c.transition(StatePlaying)
	}
}

func (c *Clock) stopPlaybackCatchUp() {
	if c.streamInfo == nil {
		return
	}
	if c.engine.PlaybackRate() != 1.0 {
		c.engine.SetPlaybackRate(1.0)
	}
	if c.state == StateCatchingUp {
		c.transition(StatePlaying)
	}
}

// Reset stops all timers, drops the engine subscription and returns to idle.
// Subscribers of the clock's signals are left in place.
func (c *Clock) Reset() {
	c.stopWallclock()
	if c.endedTimer != nil {
		c.endedTimer.Stop()
		c.endedTimer = nil
	}
	if c.unsubscribeEngine != nil {
		c.unsubscribeEngine()
		c.unsubscribeEngine = nil
	}
	c.playOnceInitialized = false
	c.resetFields()
	if c.state != StateIdle {
		c.setState(StateIdle)
	}
}
