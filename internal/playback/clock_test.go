package playback

import (
	stderrors "errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/platform"
	"github.com/zsiec/playcore/internal/signal"
)

type fakeAdapter struct {
	availability time.Time
	clientOffset time.Duration
	suggested    float64
	duration     float64
	ref          *media.StreamInfo
}

func (a *fakeAdapter) SuggestedPresentationDelay() float64 { return a.suggested }
func (a *fakeAdapter) AvailabilityStartTime() time.Time    { return a.availability }
func (a *fakeAdapter) Duration() float64                   { return a.duration }
func (a *fakeAdapter) ClientTimeOffset() time.Duration     { return a.clientOffset }
func (a *fakeAdapter) ReferenceStream() *media.StreamInfo  { return a.ref }

func (a *fakeAdapter) AdaptationFor(media.Type, *media.StreamInfo) *media.AdaptationSet {
	return nil
}

type fakeDVR struct {
	window media.DVRWindow
	ok     bool
}

func (d *fakeDVR) DVRWindow() (media.DVRWindow, bool) { return d.window, d.ok }

type fakeLevels struct {
	level float64
}

func (f *fakeLevels) MinBufferLevel() float64 { return f.level }

type clockHarness struct {
	loop     *loop.Manual
	engine   *platform.VirtualElement
	settings *config.Settings
	adapter  *fakeAdapter
	dvr      *fakeDVR
	levels   *fakeLevels
	reported []error
	clock    *Clock
	info     *media.StreamInfo

	seekAsked []float64
	seeking   []float64
	seeked    []float64
	states    []string
	ended     []signal.Ended
	updates   int
}

type clockOption func(*clockHarness, *Config)

func withStreaming(fn func(*config.StreamingConfig)) clockOption {
	return func(h *clockHarness, _ *Config) {
		h.settings.Update(fn)
	}
}

func withFragment(fragment string) clockOption {
	return func(_ *clockHarness, cfg *Config) {
		cfg.URIFragment = fragment
	}
}

// liveEpoch is the availability start of dynamic test streams. The loop
// starts 100s later.
var liveEpoch = time.Unix(1_700_000_000, 0)

func newClockHarness(t *testing.T, info *media.StreamInfo, opts ...clockOption) *clockHarness {
	t.Helper()
	l := loop.NewManual(liveEpoch.Add(100 * time.Second))
	h := &clockHarness{
		loop:     l,
		engine:   platform.NewVirtualElement(l, platform.ElementConfig{TickInterval: 100 * time.Millisecond}),
		settings: config.NewSettings(config.Default().Streaming),
		adapter:  &fakeAdapter{availability: liveEpoch, suggested: math.NaN(), ref: info},
		dvr:      &fakeDVR{window: media.DVRWindow{Start: 0, End: 100}, ok: info.ManifestInfo.IsDynamic},
		levels:   &fakeLevels{level: 10},
		info:     info,
	}
	cfg := Config{
		Loop:     l,
		Engine:   h.engine,
		Settings: h.settings,
		Adapter:  h.adapter,
		DVR:      h.dvr,
		Buffers:  h.levels,
		Reporter: errors.ReporterFunc(func(err error) { h.reported = append(h.reported, err) }),
		Logger:   logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}
	h.clock = NewClock(cfg)

	s := h.clock.Signals()
	s.SeekAsked.Subscribe(func(e signal.SeekEvent) { h.seekAsked = append(h.seekAsked, e.Time) })
	s.Seeking.Subscribe(func(e signal.SeekEvent) { h.seeking = append(h.seeking, e.Time) })
	s.Seeked.Subscribe(func(e signal.SeekEvent) { h.seeked = append(h.seeked, e.Time) })
	s.StateChanged.Subscribe(func(e signal.StateChange) { h.states = append(h.states, e.To) })
	s.Ended.Subscribe(func(e signal.Ended) { h.ended = append(h.ended, e) })
	s.TimeUpdated.Subscribe(func(signal.TimeUpdate) { h.updates++ })
	t.Cleanup(h.clock.Reset)
	return h
}

func staticInfo(duration float64) *media.StreamInfo {
	return &media.StreamInfo{ID: "vod", Start: 0, Duration: duration, IsLast: true}
}

func liveInfo() *media.StreamInfo {
	return &media.StreamInfo{
		ID:       "live",
		Duration: math.Inf(1),
		ManifestInfo: media.ManifestInfo{
			IsDynamic:     true,
			MinBufferTime: 2,
		},
	}
}

func enableCatchup(maxDrift float64) clockOption {
	return withStreaming(func(s *config.StreamingConfig) {
		s.Delay.LiveDelay = 3
		s.LiveCatchup.Enabled = true
		s.LiveCatchup.PlaybackRate = 0.5
		s.LiveCatchup.MinDrift = 0.02
		s.LiveCatchup.MaxDrift = maxDrift
	})
}

// startLive initializes a dynamic stream five seconds behind the live edge
// and starts playing.
func (h *clockHarness) startLive() {
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.ComputeAndSetLiveDelay(2, h.dvr.window.Size(), math.NaN())
	h.clock.OnStreamInitialized(95)
	h.loop.Flush()
	h.clock.Play()
	h.loop.Flush()
}

func TestClockStaticStartFromURI(t *testing.T) {
	h := newClockHarness(t, staticInfo(30), withFragment("t=10"))

	h.clock.Initialize(h.info, false, math.NaN())
	assert.Equal(t, StateInitializing, h.clock.State())

	h.clock.OnStreamInitialized(math.NaN())
	h.loop.Flush()

	assert.Equal(t, StatePlaying, h.clock.State())
	assert.Equal(t, 10.0, h.engine.Time())
	assert.Equal(t, []float64{10}, h.seeking, "internal seek announced once")
	assert.Equal(t, []float64{10}, h.seeked)
	assert.Empty(t, h.seekAsked)
	assert.NotContains(t, h.states, "seeking")
}

func TestClockStaticStartAtPeriodStart(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.loop.Flush()

	assert.Empty(t, h.seeking)
	assert.Equal(t, []string{"initializing", "playing"}, h.states)
}

func TestClockURIStartBeyondPeriodIgnored(t *testing.T) {
	h := newClockHarness(t, staticInfo(30), withFragment("t=45"))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.loop.Flush()

	assert.Zero(t, h.engine.Time())
}

func TestClockExplicitSeekTimeWins(t *testing.T) {
	h := newClockHarness(t, staticInfo(30), withFragment("t=10"))
	h.clock.Initialize(h.info, true, 20)
	h.clock.OnStreamInitialized(math.NaN())
	h.loop.Flush()

	assert.Equal(t, 20.0, h.engine.Time())
}

func TestClockPeriodSwitchWithoutSeekTime(t *testing.T) {
	h := newClockHarness(t, staticInfo(30), withFragment("t=10"))
	h.clock.Initialize(h.info, true, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.loop.Flush()

	assert.Zero(t, h.engine.Time())
	assert.Equal(t, StatePlaying, h.clock.State())
}

func TestClockPlayBeforeInitialize(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Play()
	assert.True(t, h.engine.IsPaused())

	h.clock.Initialize(h.info, false, math.NaN())
	assert.False(t, h.engine.IsPaused())
}

func TestClockUserSeek(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.loop.Flush()

	h.clock.Seek(20, false, false)
	assert.Equal(t, []float64{20}, h.seekAsked)

	h.loop.Flush()
	assert.Equal(t, []float64{20}, h.seeking)
	assert.Equal(t, []float64{20}, h.seeked)
	assert.Equal(t, []string{"initializing", "playing", "seeking", "playing"}, h.states)
	assert.True(t, h.clock.WallclockRunning())

	h.clock.Seek(20, false, false)
	assert.Len(t, h.seekAsked, 1, "seeking to the current target is a no-op")
}

func TestClockLiveCatchUpConverges(t *testing.T) {
	h := newClockHarness(t, liveInfo(), enableCatchup(0))
	h.startLive()
	require.Equal(t, 3.0, h.clock.LiveDelay())
	require.Equal(t, 95.0, h.engine.Time())

	var rates []float64
	h.clock.Signals().RateChanged.Subscribe(func(e signal.RateChange) { rates = append(rates, e.Rate) })

	h.loop.Advance(100 * time.Millisecond)
	assert.InDelta(t, 5.0, h.clock.CurrentLiveLatency(), 1e-9)
	assert.InDelta(t, 1.49995, h.engine.PlaybackRate(), 1e-4)
	assert.Equal(t, StateCatchingUp, h.clock.State())
	require.NotEmpty(t, rates)

	h.loop.Advance(20 * time.Second)
	assert.Equal(t, 1.0, h.engine.PlaybackRate())
	assert.Equal(t, StatePlaying, h.clock.State())
	assert.InDelta(t, 3.0, h.clock.CurrentLiveLatency(), 0.05)
}

type fixedRate float64

func (fixedRate) Name() string                   { return "fixed" }
func (fixedRate) NeedsCatchUp(CatchupInput) bool { return true }
func (r fixedRate) Rate(CatchupInput) RateDecision {
	return RateDecision{Rate: float64(r)}
}

func TestClockCatchUpStateFollowsUnchangedRate(t *testing.T) {
	h := newClockHarness(t, liveInfo(), enableCatchup(0))
	h.startLive()
	h.loop.Advance(100 * time.Millisecond)
	require.Equal(t, StateCatchingUp, h.clock.State())

	// The rate is already back at 1.0, so the decision changes nothing.
	h.engine.SetPlaybackRate(1.0)
	h.clock.startPlaybackCatchUp(CatchupInput{Latency: 3, TargetDelay: 3}, fixedRate(1.0))
	assert.Equal(t, 1.0, h.engine.PlaybackRate())
	assert.Equal(t, StatePlaying, h.clock.State())
}

func TestClockSeeksToLiveWhenDriftTooHigh(t *testing.T) {
	h := newClockHarness(t, liveInfo(), enableCatchup(1))
	h.startLive()

	h.loop.Advance(100 * time.Millisecond)
	require.NotEmpty(t, h.seekAsked)
	assert.Equal(t, 97.0, h.seekAsked[0])
	assert.Less(t, h.engine.PlaybackRate(), 1.2)
}

func TestClockBufferEmptySuspendsCatchUp(t *testing.T) {
	h := newClockHarness(t, liveInfo(), enableCatchup(0))
	h.startLive()
	h.loop.Advance(100 * time.Millisecond)
	require.Equal(t, StateCatchingUp, h.clock.State())

	h.levels.level = 0.5
	h.clock.OnBufferStateChanged(signal.BufferStateChange{MediaType: media.Video, StreamID: "live", State: media.BufferEmpty})
	assert.Equal(t, 1.0, h.engine.PlaybackRate())
	assert.Equal(t, StatePlaying, h.clock.State())

	h.loop.Advance(100 * time.Millisecond)
	assert.Equal(t, 1.0, h.engine.PlaybackRate(), "no speed-up while stalled")

	h.levels.level = 2
	h.loop.Advance(100 * time.Millisecond)
	assert.Greater(t, h.engine.PlaybackRate(), 1.4)
	assert.False(t, h.engine.Stalled(), "catch-up mode leaves stall handling to the clock")
}

func TestClockBufferEmptyStallsEngine(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())

	h.clock.OnBufferStateChanged(signal.BufferStateChange{MediaType: media.Audio, StreamID: "other", State: media.BufferEmpty})
	assert.False(t, h.engine.Stalled())

	h.clock.OnBufferStateChanged(signal.BufferStateChange{MediaType: media.Audio, StreamID: "vod", State: media.BufferEmpty})
	assert.True(t, h.engine.Stalled())

	h.clock.OnBufferStateChanged(signal.BufferStateChange{MediaType: media.Audio, StreamID: "vod", State: media.BufferLoaded})
	assert.False(t, h.engine.Stalled())
}

func TestClockNativeEnded(t *testing.T) {
	h := newClockHarness(t, staticInfo(0.35))
	h.engine.LoadMetadata(0.35)
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.clock.Play()

	h.loop.Advance(time.Second)
	assert.Equal(t, StateEnded, h.clock.State())
	assert.Equal(t, []signal.Ended{{IsLast: true}}, h.ended)
	assert.False(t, h.clock.WallclockRunning())
	assert.True(t, h.engine.IsPaused())
}

func TestClockEndedSafetyNet(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.clock.Play()
	h.loop.Flush()
	require.True(t, h.clock.WallclockRunning())

	h.clock.SignalEnded(true)
	h.clock.SignalEnded(true)
	h.loop.Advance(100 * time.Millisecond)

	assert.Equal(t, StateEnded, h.clock.State())
	assert.Equal(t, 30.0, h.engine.Time())
	assert.True(t, h.engine.IsPaused())
	assert.Equal(t, []signal.Ended{{IsLast: true}}, h.ended)
	assert.False(t, h.clock.WallclockRunning())
}

func TestClockNativeEndedAfterSafetyNet(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.clock.Play()
	h.loop.Flush()

	h.clock.SignalEnded(true)
	h.loop.Advance(100 * time.Millisecond)
	require.Equal(t, StateEnded, h.clock.State())

	h.clock.onElementEvent(media.ElementEvent{Kind: media.EventEnded})
	assert.Equal(t, []signal.Ended{{IsLast: true}}, h.ended)
}

func TestClockSignalEndedIgnoredForIntermediatePeriod(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.clock.Play()
	h.loop.Flush()

	h.clock.SignalEnded(false)
	h.loop.Advance(time.Second)
	assert.Equal(t, StatePlaying, h.clock.State())
	assert.Empty(t, h.ended)
}

func TestClockPausedLiveStreamPublishesTimeUpdates(t *testing.T) {
	h := newClockHarness(t, liveInfo())
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(95)
	h.engine.LoadMetadata(math.NaN())
	h.loop.Flush()
	require.True(t, h.clock.WallclockRunning())

	h.updates = 0
	h.loop.Advance(time.Second)
	assert.Equal(t, 2, h.updates)
}

func TestClockEngineErrorReported(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())

	var lifecycle []media.EventKind
	h.clock.Signals().Lifecycle.Subscribe(func(e signal.Lifecycle) { lifecycle = append(lifecycle, e.Kind) })

	h.engine.Fail(stderrors.New("decode failed"))
	h.loop.Flush()

	require.Len(t, h.reported, 1)
	var appErr *errors.AppError
	require.ErrorAs(t, h.reported[0], &appErr)
	assert.Equal(t, errors.ErrorTypePlayback, appErr.Type)
	assert.Equal(t, []media.EventKind{media.EventError}, lifecycle)
}

func TestClockPacingWriteBack(t *testing.T) {
	h := newClockHarness(t, liveInfo(), withStreaming(func(s *config.StreamingConfig) {
		s.LowLatencyEnabled = true
	}))
	require.Equal(t, config.DefaultLowLatencyLiveDelay, h.settings.LiveDelay())

	req := &media.FragmentRequest{MediaType: media.Video, Duration: 4}
	h.clock.OnFragmentLoadProgress(req, true)
	assert.Equal(t, config.DefaultLowLatencyLiveDelay, h.settings.LiveDelay())

	h.clock.OnFragmentLoadProgress(req, false)
	assert.InDelta(t, 4.8, h.settings.LiveDelay(), 1e-9)

	h.clock.OnFragmentLoadProgress(&media.FragmentRequest{Duration: 2}, false)
	assert.InDelta(t, 4.8, h.settings.LiveDelay(), 1e-9)
}

func TestClockLiveLatency(t *testing.T) {
	static := newClockHarness(t, staticInfo(30))
	static.clock.Initialize(static.info, false, math.NaN())
	assert.True(t, math.IsNaN(static.clock.CurrentLiveLatency()))

	h := newClockHarness(t, liveInfo())
	h.adapter.clientOffset = 500 * time.Millisecond
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.ComputeAndSetLiveDelay(2, 100, math.NaN())
	h.clock.OnStreamInitialized(90)
	h.loop.Flush()

	assert.InDelta(t, 10.5, h.clock.CurrentLiveLatency(), 1e-9)
}

func TestClockDataUpdateClampsToWindow(t *testing.T) {
	h := newClockHarness(t, liveInfo(), withStreaming(func(s *config.StreamingConfig) {
		s.Delay.LiveDelay = 3
	}))
	h.engine.LoadMetadata(math.NaN())
	h.startLive()

	h.dvr.window = media.DVRWindow{Start: 10, End: 60}
	h.clock.OnDataUpdateCompleted(h.info)
	assert.Equal(t, []float64{57}, h.seekAsked)

	h.clock.OnDataUpdateCompleted(&media.StreamInfo{ID: "other"})
	assert.Len(t, h.seekAsked, 1)
}

func TestClockReset(t *testing.T) {
	h := newClockHarness(t, staticInfo(30))
	h.clock.Initialize(h.info, false, math.NaN())
	h.clock.OnStreamInitialized(math.NaN())
	h.clock.Play()
	h.loop.Flush()

	h.clock.Reset()
	assert.Equal(t, StateIdle, h.clock.State())
	assert.False(t, h.clock.WallclockRunning())
	assert.True(t, math.IsNaN(h.clock.Time()))

	h.engine.Fail(stderrors.New("late"))
	h.loop.Flush()
	assert.Empty(t, h.reported)
}
