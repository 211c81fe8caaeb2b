package buffer

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
	"github.com/zsiec/playcore/internal/signal"
)

type fakeSink struct {
	loop       loop.Loop
	spans      []media.TimeRange
	appends    []*media.Chunk
	removes    []media.TimeRange
	failNext   error
	pending    int
	maxPending int
	aborted    int
	resets     int
	offset     float64
}

func (s *fakeSink) Append(c *media.Chunk, done func(error)) {
	s.begin()
	err := s.failNext
	s.failNext = nil
	if err == nil {
		s.appends = append(s.appends, c)
		if !c.IsInit {
			s.spans = append(s.spans, media.TimeRange{Start: c.Start, End: c.End})
		}
	}
	s.loop.Post(func() {
		s.pending--
		done(err)
	})
}

func (s *fakeSink) Remove(start, end float64, done func(error)) {
	s.begin()
	s.removes = append(s.removes, media.TimeRange{Start: start, End: end})
	var kept []media.TimeRange
	for _, span := range s.spans {
		kept = append(kept, media.Subtract(span, start, end)...)
	}
	s.spans = kept
	s.loop.Post(func() {
		s.pending--
		done(nil)
	})
}

func (s *fakeSink) begin() {
	s.pending++
	if s.pending > s.maxPending {
		s.maxPending = s.pending
	}
}

func (s *fakeSink) Ranges() media.Ranges {
	return media.Merge(s.spans, media.MergeGap)
}

func (s *fakeSink) Abort() { s.aborted++ }

func (s *fakeSink) Reset() { s.resets++ }

func (s *fakeSink) SetTimestampOffset(offset float64) { s.offset = offset }

type fakeFactory struct {
	sink *fakeSink
	err  error
}

func (f *fakeFactory) CreateSink(*media.MediaInfo) (media.Sink, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sink, nil
}

type fakePlayback struct {
	time     float64
	toEnd    float64
	duration float64
}

func (p *fakePlayback) Time() float64            { return p.time }
func (p *fakePlayback) TimeToStreamEnd() float64 { return p.toEnd }
func (p *fakePlayback) Duration() float64        { return p.duration }

type fakeFragments struct {
	req *media.FragmentRequest
}

func (f *fakeFragments) ExecutedRequestAt(_ media.Type, t, threshold float64) *media.FragmentRequest {
	if f.req != nil && f.req.Contains(t, threshold) {
		return f.req
	}
	return nil
}

type fakeTracks struct{ disabled bool }

func (f *fakeTracks) AllTracksDisabled(media.Type) bool { return f.disabled }

type harness struct {
	loop      *loop.Manual
	settings  *config.Settings
	playback  *fakePlayback
	fragments *fakeFragments
	signals   *signal.PlaybackSignals
	sink      *fakeSink
	factory   *fakeFactory
	reported  []error
	ctrl      *Controller

	states    []media.BufferState
	completed int
	quotas    []signal.QuotaExceeded
	cleared   []signal.BufferCleared
	appended  []signal.BytesAppended
	initReqs  []signal.InitRequested
	refetches []signal.RefetchRequested
	videoRecv int
}

type harnessOption func(*Config)

func withType(t media.Type) harnessOption {
	return func(c *Config) { c.MediaType = t }
}

func withQuirks(q Quirks) harnessOption {
	return func(c *Config) { c.Quirks = q }
}

func withTracks(tr TrackState) harnessOption {
	return func(c *Config) { c.Tracks = tr }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	l := loop.NewManual(time.Unix(1000, 0))
	h := &harness{
		loop:      l,
		settings:  config.NewSettings(config.Default().Streaming),
		playback:  &fakePlayback{toEnd: 100, duration: 100},
		fragments: &fakeFragments{},
		signals:   signal.NewPlaybackSignals(),
		sink:      &fakeSink{loop: l},
	}
	h.factory = &fakeFactory{sink: h.sink}

	cfg := Config{
		MediaType:       media.Video,
		StreamID:        "s1",
		Loop:            l,
		Settings:        h.settings,
		Playback:        h.playback,
		PlaybackSignals: h.signals,
		Fragments:       h.fragments,
		Reporter:        errors.ReporterFunc(func(err error) { h.reported = append(h.reported, err) }),
		Logger:          logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.ctrl = NewController(cfg)

	bs := h.ctrl.Signals()
	bs.StateChanged.Subscribe(func(e signal.BufferStateChange) { h.states = append(h.states, e.State) })
	bs.BufferingCompleted.Subscribe(func(signal.BufferingCompleted) { h.completed++ })
	bs.QuotaExceeded.Subscribe(func(e signal.QuotaExceeded) { h.quotas = append(h.quotas, e) })
	bs.Cleared.Subscribe(func(e signal.BufferCleared) { h.cleared = append(h.cleared, e) })
	bs.BytesAppended.Subscribe(func(e signal.BytesAppended) { h.appended = append(h.appended, e) })
	bs.InitRequested.Subscribe(func(e signal.InitRequested) { h.initReqs = append(h.initReqs, e) })
	bs.RefetchRequested.Subscribe(func(e signal.RefetchRequested) { h.refetches = append(h.refetches, e) })
	bs.VideoChunkReceived.Subscribe(func(signal.ChunkReceived) { h.videoRecv++ })
	return h
}

func (h *harness) bind(t *testing.T) {
	t.Helper()
	h.ctrl.Initialize(h.factory)
	_, err := h.ctrl.CreateBuffer(testMediaInfo(media.Video))
	require.NoError(t, err)
}

// fill appends contiguous media chunks of length seg covering [from, to).
func (h *harness) fill(from, to, seg float64) {
	index := int(from / seg)
	for s := from; s < to; s += seg {
		index++
		h.ctrl.AppendMedia(chunk("A", index, s, s+seg))
	}
	h.loop.Flush()
}

func testMediaInfo(t media.Type) *media.MediaInfo {
	return &media.MediaInfo{
		ID:   "as1",
		Type: t,
		Representations: []media.Representation{
			{ID: "A", Index: 0, MSETimeOffset: 0},
			{ID: "B", Index: 1, MSETimeOffset: 2.5},
		},
	}
}

func TestController_CreateBufferRequiresInitialize(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.CreateBuffer(testMediaInfo(media.Video))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestController_CreateBufferFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.factory.err = stderrors.New("no decoder")
	h.ctrl.Initialize(h.factory)

	sink, err := h.ctrl.CreateBuffer(testMediaInfo(media.Video))
	require.Error(t, err)
	assert.Nil(t, sink)
	require.Len(t, h.reported, 1)

	appErr, ok := errors.GetAppError(h.reported[0])
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeMediaSource, appErr.Type)
	assert.Equal(t, errors.CodeMediaSourceCreation, appErr.Code)

	// Appends without a sink are dropped.
	h.ctrl.AppendMedia(chunk("A", 1, 0, 2))
	h.loop.Flush()
	assert.Empty(t, h.appended)
	assert.Nil(t, h.ctrl.Ranges())
}

func TestController_AppendsAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.ctrl.AppendInit(initChunk("A"))
	for i := 0; i < 5; i++ {
		h.ctrl.AppendMedia(chunk("A", i+1, float64(i)*2, float64(i+1)*2))
	}
	h.loop.Flush()

	assert.Equal(t, 1, h.sink.maxPending)
	assert.Len(t, h.sink.appends, 6)
	assert.Len(t, h.appended, 6)
	assert.Equal(t, 6, h.videoRecv)
	assert.Equal(t, media.Ranges{{Start: 0, End: 10}}, h.ctrl.Ranges())
}

func TestController_LevelAndState(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.fill(0, 4, 2)
	assert.InDelta(t, 4.0, h.ctrl.Level(), 1e-9)
	assert.Equal(t, media.BufferLoaded, h.ctrl.State())
	assert.Equal(t, []media.BufferState{media.BufferLoaded}, h.states)

	h.playback.time = 3.6
	h.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: 3.6})
	assert.InDelta(t, 0.4, h.ctrl.Level(), 1e-9)
	assert.Equal(t, media.BufferEmpty, h.ctrl.State())
	assert.Equal(t, []media.BufferState{media.BufferLoaded, media.BufferEmpty}, h.states)

	// Repeated updates at the same state do not republish.
	h.signals.Progress.Publish(signal.TimeUpdate{Time: 3.6})
	assert.Len(t, h.states, 2)
}

func TestController_LowLevelNearEndIsLoaded(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.fill(0, 4, 2)

	h.playback.time = 9.8
	h.playback.duration = 10
	h.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: 9.8})

	assert.Equal(t, 0.0, h.ctrl.Level())
	assert.Equal(t, media.BufferLoaded, h.ctrl.State())

	h.playback.duration = math.NaN()
	h.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: 9.8})
	assert.Equal(t, media.BufferEmpty, h.ctrl.State())
}

func TestController_TextBufferHasNoStallState(t *testing.T) {
	h := newHarness(t, withType(media.Text))
	h.bind(t)
	h.fill(0, 4, 2)

	h.playback.time = 3.9
	h.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: 3.9})
	assert.Empty(t, h.states)
}

func TestController_DisabledTracksSuppressStateChanges(t *testing.T) {
	tracks := &fakeTracks{disabled: true}
	h := newHarness(t, withTracks(tracks))
	h.bind(t)
	h.fill(0, 4, 2)
	assert.Empty(t, h.states)

	tracks.disabled = false
	h.signals.TimeUpdated.Publish(signal.TimeUpdate{})
	assert.Equal(t, []media.BufferState{media.BufferLoaded}, h.states)
}

func TestController_BufferingCompletedFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.ctrl.OnStreamCompleted(5)
	h.fill(0, 6, 2)
	assert.Equal(t, 0, h.completed)

	h.ctrl.AppendMedia(chunk("A", 4, 6, 8))
	h.loop.Flush()
	assert.Equal(t, 1, h.completed)
	assert.True(t, h.ctrl.IsBufferingCompleted())

	h.ctrl.AppendMedia(chunk("A", 2, 2, 4))
	h.ctrl.AppendMedia(chunk("A", 5, 8, 10))
	h.loop.Flush()
	h.ctrl.OnStreamCompleted(5)
	assert.Equal(t, 1, h.completed)
}

func TestController_SeekClearsAndRestoresCompletion(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.ctrl.OnStreamCompleted(5)
	h.fill(0, 10, 2)
	require.Equal(t, 1, h.completed)

	h.playback.time = 2
	h.playback.toEnd = 20
	h.signals.Seeking.Publish(signal.SeekEvent{Time: 2})
	assert.False(t, h.ctrl.IsBufferingCompleted())
	assert.Equal(t, 1, h.completed)

	// Remaining time to the end is covered by the buffer again.
	h.playback.toEnd = 8.2
	h.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: 2})
	assert.True(t, h.ctrl.IsBufferingCompleted())
	assert.Equal(t, 2, h.completed)
}

func TestController_QuotaExceededRecovery(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.fill(0, 20, 4)
	require.InDelta(t, 20.0, h.ctrl.TotalBufferedTime(), 1e-9)
	assert.True(t, math.IsInf(h.ctrl.CriticalBufferLevel(), 1))

	h.playback.time = 10
	h.fragments.req = &media.FragmentRequest{MediaType: media.Video, StartTime: 8, Duration: 4}

	h.sink.failNext = media.NewQuotaExceededError("full")
	h.ctrl.AppendMedia(chunk("A", 6, 20, 24))
	h.loop.Flush()

	assert.InDelta(t, 16.0, h.ctrl.CriticalBufferLevel(), 1e-9)
	require.Len(t, h.quotas, 1)
	assert.InDelta(t, 16.0, h.quotas[0].CriticalBufferLevel, 1e-9)
	assert.Equal(t, []media.TimeRange{{Start: 0, End: 8}}, h.sink.removes)

	require.Len(t, h.cleared, 1)
	assert.Equal(t, 0.0, h.cleared[0].From)
	assert.Equal(t, 8.0, h.cleared[0].To)
	assert.True(t, h.cleared[0].HasEnoughSpaceToAppend)
	assert.Empty(t, h.reported, "quota errors are recovered locally")

	// The critical level is not recomputed by later appends; reaching it
	// applies backpressure again.
	h.playback.time = 13
	h.fragments.req = &media.FragmentRequest{MediaType: media.Video, StartTime: 12, Duration: 4}
	h.ctrl.AppendMedia(chunk("A", 6, 20, 24))
	h.loop.Flush()

	assert.InDelta(t, 16.0, h.ctrl.CriticalBufferLevel(), 1e-9)
	require.Len(t, h.quotas, 2)
	assert.Equal(t, media.TimeRange{Start: 8, End: 12}, h.sink.removes[1])
	require.Len(t, h.cleared, 2)
	assert.True(t, h.ctrl.HasEnoughSpaceToAppend())
}

func TestController_AppendErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.sink.failNext = &media.SinkError{Code: 3, Message: "decode"}
	h.ctrl.AppendMedia(chunk("A", 1, 0, 2))
	h.loop.Flush()

	require.Len(t, h.reported, 1)
	appErr, ok := errors.GetAppError(h.reported[0])
	require.True(t, ok)
	assert.Equal(t, errors.CodeAppendFailed, appErr.Code)
	assert.Empty(t, h.quotas)

	// The queue keeps draining after a failure.
	h.ctrl.AppendMedia(chunk("A", 1, 0, 2))
	h.loop.Flush()
	assert.Len(t, h.appended, 1)
}

func TestController_ClearRange(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	_, ok := h.ctrl.ClearRange(0)
	assert.False(t, ok, "nothing buffered")

	h.fill(0, 12, 4)

	h.playback.time = 6.5
	r, ok := h.ctrl.ClearRange(0)
	require.True(t, ok)
	assert.Equal(t, media.TimeRange{Start: 0, End: 6}, r, "floor of play head without a request")

	h.fragments.req = &media.FragmentRequest{StartTime: 4, Duration: 4}
	r, ok = h.ctrl.ClearRange(0)
	require.True(t, ok)
	assert.Equal(t, media.TimeRange{Start: 0, End: 4}, r)

	h.playback.time = 30
	h.fragments.req = nil
	r, ok = h.ctrl.ClearRange(0)
	require.True(t, ok)
	assert.Equal(t, media.TimeRange{Start: 0, End: 12}, r, "play head outside the buffer")

	h.playback.time = 0.5
	_, ok = h.ctrl.ClearRange(0)
	assert.False(t, ok, "empty range")
}

func TestController_PruneOnWallclock(t *testing.T) {
	h := newHarness(t)
	h.settings.Update(func(s *config.StreamingConfig) {
		s.WallclockTimeUpdateInterval = 100 * time.Millisecond
		s.Buffer.BufferPruningInterval = 0.3
		s.Buffer.BufferToKeep = 20
	})
	h.bind(t)
	h.fill(0, 40, 4)
	h.playback.time = 30.2

	tick := func() { h.signals.WallclockTick.Publish(signal.WallclockTick{IsDynamic: true}) }

	tick()
	tick()
	h.loop.Flush()
	assert.Empty(t, h.sink.removes)

	// An append in flight defers pruning to a later tick.
	h.ctrl.AppendMedia(chunk("A", 11, 40, 44))
	tick()
	assert.Empty(t, h.sink.removes)
	h.loop.Flush()

	tick()
	h.loop.Flush()
	require.Len(t, h.sink.removes, 1)
	assert.Equal(t, media.TimeRange{Start: 0, End: 10}, h.sink.removes[0])
	require.Len(t, h.cleared, 1)
	assert.Equal(t, media.Ranges{{Start: 10, End: 44}}, h.ctrl.Ranges())
}

func TestController_PruneSkipsText(t *testing.T) {
	h := newHarness(t, withType(media.Text))
	h.bind(t)
	h.fill(0, 40, 4)
	h.playback.time = 35

	h.ctrl.Prune()
	h.loop.Flush()
	assert.Empty(t, h.sink.removes)
}

func TestController_PruneNothingToRemove(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.fill(0, 40, 4)
	h.playback.time = 15

	h.ctrl.Prune()
	h.loop.Flush()
	assert.Empty(t, h.sink.removes)
}

func TestController_RemoveAheadOnSeek(t *testing.T) {
	h := newHarness(t, withQuirks(Quirks{RemoveAheadOnSeek: true}))
	h.bind(t)
	h.fill(0, 4, 2)
	h.ctrl.AppendMedia(chunk("A", 6, 10, 12))
	h.loop.Flush()

	h.signals.Seeked.Publish(signal.SeekEvent{Time: 5})
	h.loop.Flush()
	assert.Equal(t, []media.TimeRange{{Start: 10, End: 12}}, h.sink.removes)
}

func TestController_NoRemovalOnSeekWithoutQuirk(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.ctrl.AppendMedia(chunk("A", 6, 10, 12))
	h.loop.Flush()

	h.signals.Seeked.Publish(signal.SeekEvent{Time: 5})
	h.loop.Flush()
	assert.Empty(t, h.sink.removes)
}

func TestController_SwitchInitData(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.ctrl.SwitchInitData("s1", "B")
	require.Len(t, h.initReqs, 1)
	assert.Equal(t, "B", h.initReqs[0].RepresentationID)
	assert.Empty(t, h.sink.appends)

	initB := initChunk("B")
	h.ctrl.AppendInit(initB)
	h.loop.Flush()
	h.ctrl.SwitchInitData("s1", "B")
	h.loop.Flush()

	assert.Equal(t, []*media.Chunk{initB, initB}, h.sink.appends)
	assert.Len(t, h.initReqs, 1)
}

func TestController_StagingDischarge(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Initialize(nil)
	_, err := h.ctrl.CreateBuffer(testMediaInfo(media.Video))
	require.NoError(t, err)
	require.True(t, h.ctrl.IsStaging())

	initA, initB := initChunk("A"), initChunk("B")
	a1, a2, b1, c1 := chunk("A", 1, 0, 2), chunk("A", 2, 2, 4), chunk("B", 3, 4, 6), chunk("C", 4, 6, 8)

	h.ctrl.AppendInit(initA)
	h.ctrl.AppendMedia(a1)
	h.ctrl.AppendMedia(a2)
	h.loop.Flush()
	h.ctrl.AppendInit(initB)
	h.ctrl.AppendMedia(b1)
	h.ctrl.AppendMedia(c1)

	require.NoError(t, h.ctrl.AttachSinkFactory(h.factory))
	h.loop.Flush()

	assert.False(t, h.ctrl.IsStaging())
	assert.Equal(t, []*media.Chunk{initA, a1, a2, initB, b1}, h.sink.appends)

	require.Len(t, h.refetches, 1)
	assert.Equal(t, []*media.Chunk{c1}, h.refetches[0].Chunks)
	require.Len(t, h.initReqs, 1)
	assert.Equal(t, "C", h.initReqs[0].RepresentationID)
}

func TestController_StagingKeptWhenSinkCreationFails(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Initialize(nil)
	_, err := h.ctrl.CreateBuffer(testMediaInfo(media.Video))
	require.NoError(t, err)
	h.ctrl.AppendMedia(chunk("A", 1, 0, 2))
	h.loop.Flush()

	err = h.ctrl.AttachSinkFactory(&fakeFactory{err: stderrors.New("detached")})
	require.Error(t, err)
	assert.True(t, h.ctrl.IsStaging())
	assert.Equal(t, media.Ranges{{Start: 0, End: 2}}, h.ctrl.Ranges())
	assert.Len(t, h.reported, 1)
}

func TestController_QualityChangeUpdatesTimestampOffset(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.ctrl.OnQualityChanged(1)
	assert.Equal(t, 2.5, h.sink.offset)

	h.ctrl.OnQualityChanged(0)
	assert.Equal(t, 0.0, h.sink.offset)
}

func TestController_TrackChangeReplaceClears(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.fill(0, 12, 4)
	h.playback.time = 9

	h.ctrl.OnTrackChanged(testMediaInfo(media.Video), false)
	h.loop.Flush()
	assert.Empty(t, h.sink.removes)

	h.ctrl.OnTrackChanged(testMediaInfo(media.Video), true)
	h.loop.Flush()
	assert.Equal(t, []media.TimeRange{{Start: 0, End: 9}}, h.sink.removes)
}

func TestController_Reset(t *testing.T) {
	h := newHarness(t)
	h.bind(t)
	h.fill(0, 4, 2)
	levels := 0
	h.ctrl.Signals().LevelUpdated.Subscribe(func(signal.BufferLevel) { levels++ })

	// A completion arriving after reset is ignored.
	h.ctrl.AppendMedia(chunk("A", 3, 4, 6))
	h.ctrl.Reset(false)
	h.loop.Flush()

	assert.Equal(t, 1, h.sink.aborted)
	assert.Equal(t, 1, h.sink.resets)
	assert.Nil(t, h.ctrl.Ranges())
	assert.Equal(t, 0.0, h.ctrl.Level())
	assert.Equal(t, media.BufferEmpty, h.ctrl.State())

	h.signals.TimeUpdated.Publish(signal.TimeUpdate{Time: 1})
	assert.Equal(t, 0, levels)
	assert.Equal(t, 0, h.signals.TimeUpdated.Len())
}

func TestController_ResetAfterErrorSkipsAbort(t *testing.T) {
	h := newHarness(t)
	h.bind(t)

	h.ctrl.Reset(true)
	assert.Equal(t, 0, h.sink.aborted)
	assert.Equal(t, 1, h.sink.resets)
}
