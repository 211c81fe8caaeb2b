// Package buffer manages the media sink of one media type: it serializes
// appends and removals, tracks the buffer level and sufficiency state, prunes
// old data and recovers from quota exhaustion.
package buffer

import (
	stderrors "errors"
	"math"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/metrics"
	"github.com/zsiec/playcore/internal/signal"
)

const (
	// StallThreshold is the buffer level under which playback cannot continue.
	StallThreshold = 0.5

	// Fraction of the buffered time at quota failure that becomes the
	// critical level.
	criticalLevelFactor = 0.8
)

// ErrNotInitialized is returned when a buffer is created before Initialize.
var ErrNotInitialized = stderrors.New("buffer controller not initialized")

// PlaybackView is the read side of the playback clock.
type PlaybackView interface {
	Time() float64
	TimeToStreamEnd() float64
	Duration() float64
}

// FragmentModel exposes the scheduler's executed requests.
type FragmentModel interface {
	ExecutedRequestAt(t media.Type, time, threshold float64) *media.FragmentRequest
}

// TrackState reports whether a media type currently has any enabled track.
type TrackState interface {
	AllTracksDisabled(t media.Type) bool
}

// Quirks carries platform-specific behaviour switches.
type Quirks struct {
	// RemoveAheadOnSeek drops data buffered past the seek target once a seek
	// completes, for platforms that otherwise keep stale ranges.
	RemoveAheadOnSeek bool
}

// Config holds the collaborators of a Controller.
type Config struct {
	MediaType       media.Type
	StreamID        string
	Loop            loop.Loop
	Settings        *config.Settings
	Playback        PlaybackView
	PlaybackSignals *signal.PlaybackSignals
	Fragments       FragmentModel
	Tracks          TrackState
	InitCache       *InitCache
	Reporter        errors.Reporter
	Quirks          Quirks
	Logger          logger.Logger
}

type sinkOp struct {
	chunk *media.Chunk
	start float64
	end   float64
}

func (o *sinkOp) isAppend() bool {
	return o.chunk != nil
}

// Controller owns the sink of one media type.
type Controller struct {
	mediaType media.Type
	streamID  string
	loop      loop.Loop
	settings  *config.Settings
	playback  PlaybackView
	fragments FragmentModel
	tracks    TrackState
	initCache *InitCache
	reporter  errors.Reporter
	quirks    Quirks
	logger    logger.Logger
	sampled   *logger.SampledLogger

	playbackSignals *signal.PlaybackSignals
	signals         *signal.BufferSignals
	subs            signal.Group

	initialized bool
	factory     media.SinkFactory
	sink        media.Sink
	staging     *StagingSink
	mediaInfo   *media.MediaInfo

	ops     []sinkOp
	current *sinkOp
	gen     uint64

	bufferLevel                   float64
	bufferState                   media.BufferState
	isBufferingCompleted          bool
	seekClearedBufferingCompleted bool
	maxAppendedIndex              int
	lastIndex                     int
	criticalBufferLevel           float64
	seekStartTime                 float64
	isPruningInProgress           bool
	wallclockTicked               int
	timestampOffset               float64
	requiredQuality               int
}

// NewController creates a controller. Initialize must be called before
// CreateBuffer.
func NewController(cfg Config) *Controller {
	log := logger.ForComponent(cfg.Logger, "buffer_controller", string(cfg.MediaType))
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = errors.DiscardReporter
	}
	initCache := cfg.InitCache
	if initCache == nil {
		initCache = NewInitCache()
	}

	c := &Controller{
		mediaType:       cfg.MediaType,
		streamID:        cfg.StreamID,
		loop:            cfg.Loop,
		settings:        cfg.Settings,
		playback:        cfg.Playback,
		fragments:       cfg.Fragments,
		tracks:          cfg.Tracks,
		initCache:       initCache,
		reporter:        reporter,
		quirks:          cfg.Quirks,
		logger:          log,
		sampled:         logger.NewPlayerLogger(log),
		playbackSignals: cfg.PlaybackSignals,
		signals:         signal.NewBufferSignals(),
	}
	c.resetInitialSettings()
	return c
}

func (c *Controller) resetInitialSettings() {
	c.bufferLevel = 0
	c.bufferState = media.BufferEmpty
	c.isBufferingCompleted = false
	c.seekClearedBufferingCompleted = false
	c.maxAppendedIndex = 0
	c.lastIndex = math.MaxInt
	c.criticalBufferLevel = math.Inf(1)
	c.seekStartTime = math.NaN()
	c.isPruningInProgress = false
	c.wallclockTicked = 0
	c.timestampOffset = 0
	c.requiredQuality = 0
	c.ops = nil
	c.current = nil
}

// Initialize subscribes to the playback clock. A nil factory makes
// CreateBuffer stage data until AttachSinkFactory is called.
func (c *Controller) Initialize(factory media.SinkFactory) {
	c.factory = factory
	c.initialized = true

	if c.playbackSignals == nil {
		return
	}
	ps := c.playbackSignals
	c.subs.Add(
		ps.Seeking.Subscribe(c.onPlaybackSeeking),
		ps.Seeked.Subscribe(c.onPlaybackSeeked),
		ps.Progress.Subscribe(func(signal.TimeUpdate) { c.onPlaybackProgression() }),
		ps.TimeUpdated.Subscribe(func(signal.TimeUpdate) { c.onPlaybackProgression() }),
		ps.RateChanged.Subscribe(func(signal.RateChange) { c.checkIfSufficientBuffer() }),
		ps.WallclockTick.Subscribe(c.onWallclockTimeUpdated),
	)
}

// Signals returns the controller's outbound topics.
func (c *Controller) Signals() *signal.BufferSignals {
	return c.signals
}

// MediaType returns the media type served by the controller.
func (c *Controller) MediaType() media.Type {
	return c.mediaType
}

// StreamID returns the stream the controller belongs to.
func (c *Controller) StreamID() string {
	return c.streamID
}

// CreateBuffer binds a sink for info: a platform sink when a factory is
// attached, a staging sink otherwise. On failure a media source error is
// reported and the controller keeps no sink.
func (c *Controller) CreateBuffer(info *media.MediaInfo) (media.Sink, error) {
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	c.mediaInfo = info

	if c.factory == nil {
		staging := NewStagingSink(c.loop)
		c.sink = staging
		c.staging = staging
		return staging, nil
	}

	sink, err := c.factory.CreateSink(info)
	if err != nil {
		appErr := errors.NewMediaSourceError(err, errors.CodeMediaSourceCreation,
			"cannot create "+string(c.mediaType)+" sink")
		c.logger.WithError(err).Error("Failed to create media sink")
		c.sink = nil
		c.staging = nil
		c.reporter.Report(appErr)
		return nil, appErr
	}

	c.sink = sink
	c.staging = nil
	if rep, ok := info.Representation(c.requiredQuality); ok {
		c.UpdateTimestampOffset(rep.MSETimeOffset)
	}
	return sink, nil
}

// IsStaging reports whether data is currently held in a staging sink.
func (c *Controller) IsStaging() bool {
	return c.staging != nil
}

// AttachSinkFactory binds the platform pipeline. Data staged so far is
// replayed into a new platform sink, each media chunk preceded by its init
// segment. If the platform sink cannot be created the staged data is kept.
func (c *Controller) AttachSinkFactory(factory media.SinkFactory) error {
	c.factory = factory
	if c.staging == nil || c.mediaInfo == nil {
		return nil
	}

	staged := c.staging
	pending := c.drainQueuedAppends()

	if _, err := c.CreateBuffer(c.mediaInfo); err != nil {
		c.sink = staged
		c.staging = staged
		for _, chunk := range pending {
			c.enqueue(sinkOp{chunk: chunk})
		}
		return err
	}

	chunks := append(staged.Chunks(), pending...)
	plan := PlanDischarge(chunks, c.initCache.Extract)
	staged.Reset()

	c.logger.WithFields(map[string]interface{}{
		"appends": len(plan.Appends),
		"missing": len(plan.Missing),
	}).Info("Discharging staged media")

	for _, chunk := range plan.Appends {
		c.appendToBuffer(chunk)
	}
	if len(plan.Missing) > 0 {
		c.requestRefetch(plan.Missing)
	}
	return nil
}

// drainQueuedAppends abandons queued and in-flight operations on the current
// sink and returns the media chunks that had not reached it.
func (c *Controller) drainQueuedAppends() []*media.Chunk {
	var pending []*media.Chunk
	for _, op := range c.ops {
		if op.isAppend() && !op.chunk.IsInit {
			pending = append(pending, op.chunk)
		}
	}
	c.ops = nil
	c.current = nil
	c.gen++
	return pending
}

func (c *Controller) requestRefetch(missing []*media.Chunk) {
	c.logger.WithField("chunks", len(missing)).Warn("Staged chunks have no cached init segment, requesting refetch")

	requested := make(map[string]bool)
	for _, chunk := range missing {
		if requested[chunk.RepresentationID] {
			continue
		}
		requested[chunk.RepresentationID] = true
		c.signals.InitRequested.Publish(signal.InitRequested{
			MediaType:        c.mediaType,
			StreamID:         chunk.StreamID,
			RepresentationID: chunk.RepresentationID,
			Quality:          chunk.Quality,
		})
	}
	c.signals.RefetchRequested.Publish(signal.RefetchRequested{
		MediaType: c.mediaType,
		StreamID:  c.streamID,
		Chunks:    missing,
	})
}

// AppendInit caches an init segment and appends it.
func (c *Controller) AppendInit(chunk *media.Chunk) {
	if chunk == nil {
		return
	}
	chunk.IsInit = true
	c.initCache.Save(chunk)
	c.appendToBuffer(chunk)
}

// AppendMedia appends a media segment.
func (c *Controller) AppendMedia(chunk *media.Chunk) {
	if chunk == nil {
		return
	}
	c.appendToBuffer(chunk)
}

// SwitchInitData appends the cached init segment for a representation, or
// asks the fetch pipeline for it.
func (c *Controller) SwitchInitData(streamID, representationID string) {
	if init := c.initCache.Extract(streamID, representationID); init != nil {
		c.appendToBuffer(init)
		return
	}
	c.signals.InitRequested.Publish(signal.InitRequested{
		MediaType:        c.mediaType,
		StreamID:         streamID,
		RepresentationID: representationID,
		Quality:          c.requiredQuality,
	})
}

func (c *Controller) appendToBuffer(chunk *media.Chunk) {
	if c.sink == nil {
		c.logger.Warn("Dropping chunk appended without a sink")
		return
	}
	c.enqueue(sinkOp{chunk: chunk})
}

func (c *Controller) enqueue(op sinkOp) {
	c.ops = append(c.ops, op)
	c.runNext()
}

func (c *Controller) runNext() {
	if c.current != nil || len(c.ops) == 0 || c.sink == nil {
		return
	}

	op := c.ops[0]
	c.ops = c.ops[1:]
	c.current = &op
	sink := c.sink
	gen := c.gen

	if op.isAppend() {
		sink.Append(op.chunk, func(err error) {
			if gen != c.gen {
				return
			}
			c.current = nil
			c.onAppended(op.chunk, err)
			c.runNext()
		})
		if c.mediaType == media.Video {
			c.signals.VideoChunkReceived.Publish(signal.ChunkReceived{Chunk: op.chunk})
		}
		return
	}

	sink.Remove(op.start, op.end, func(err error) {
		if gen != c.gen {
			return
		}
		c.current = nil
		c.onRemoved(op.start, op.end, err)
		c.runNext()
	})
}

// isAppendingInProgress reports whether an append is queued or running.
func (c *Controller) isAppendingInProgress() bool {
	if c.current != nil && c.current.isAppend() {
		return true
	}
	for i := range c.ops {
		if c.ops[i].isAppend() {
			return true
		}
	}
	return false
}

func (c *Controller) onAppended(chunk *media.Chunk, err error) {
	if err != nil {
		c.onAppendFailed(chunk, err)
		return
	}

	metrics.AddAppendedBytes(string(c.mediaType), len(chunk.Bytes))

	if !chunk.IsInit && chunk.Index > c.maxAppendedIndex {
		c.maxAppendedIndex = chunk.Index
	}
	c.checkIfBufferingCompleted()
	c.onPlaybackProgression()

	ranges := c.sink.Ranges()
	c.logger.WithFields(map[string]interface{}{
		"index":  chunk.Index,
		"ranges": len(ranges),
		"init":   chunk.IsInit,
	}).Debug("Appended chunk")

	c.signals.BytesAppended.Publish(signal.BytesAppended{
		MediaType: c.mediaType,
		StreamID:  c.streamID,
		Quality:   chunk.Quality,
		Index:     chunk.Index,
		StartTime: chunk.Start,
		Bytes:     len(chunk.Bytes),
		Ranges:    ranges,
	})

	if !c.HasEnoughSpaceToAppend() {
		c.applyBackpressure()
	}
}

func (c *Controller) onAppendFailed(chunk *media.Chunk, err error) {
	if media.IsQuotaExceeded(err) {
		c.criticalBufferLevel = c.TotalBufferedTime() * criticalLevelFactor
		c.logger.WithFields(map[string]interface{}{
			"critical_buffer_level": c.criticalBufferLevel,
			"index":                 chunk.Index,
		}).Warn("Quota exceeded, applying backpressure")
		c.applyBackpressure()
		return
	}

	c.logger.WithError(err).WithField("index", chunk.Index).Error("Append failed")
	c.reporter.Report(errors.NewMediaSourceError(err, errors.CodeAppendFailed, "append failed"))

	if !c.HasEnoughSpaceToAppend() {
		c.applyBackpressure()
	}
}

func (c *Controller) applyBackpressure() {
	metrics.IncrementQuotaExceeded(string(c.mediaType), c.criticalBufferLevel)
	c.signals.QuotaExceeded.Publish(signal.QuotaExceeded{
		MediaType:           c.mediaType,
		StreamID:            c.streamID,
		CriticalBufferLevel: c.criticalBufferLevel,
	})
	if r, ok := c.ClearRange(0); ok {
		c.ClearBuffer(r)
	}
}

// HasEnoughSpaceToAppend reports whether buffered time is under the critical
// level learned from the last quota failure.
func (c *Controller) HasEnoughSpaceToAppend() bool {
	return c.TotalBufferedTime() < c.criticalBufferLevel
}

// CriticalBufferLevel returns the backpressure threshold, +Inf until a quota
// failure occurs.
func (c *Controller) CriticalBufferLevel() float64 {
	return c.criticalBufferLevel
}

// TotalBufferedTime sums all ranges of the current sink.
func (c *Controller) TotalBufferedTime() float64 {
	if c.sink == nil {
		return 0
	}
	return TotalBufferedTime(c.sink.Ranges())
}

// Ranges returns the buffered ranges of the current sink.
func (c *Controller) Ranges() media.Ranges {
	if c.sink == nil {
		return nil
	}
	return c.sink.Ranges()
}

// ClearBuffer removes r from the sink once pending operations complete.
func (c *Controller) ClearBuffer(r media.TimeRange) {
	if c.sink == nil || r.End <= r.Start {
		return
	}
	c.logger.WithField("range", r.String()).Debug("Clearing buffer")
	c.enqueue(sinkOp{start: r.Start, end: r.End})
}

// ClearRange computes the region that can be removed without touching the
// segment currently playing: from the start of the buffer up to the start of
// the executed request at the playhead, or up to the end of the buffer when
// the playhead is outside every buffered range.
func (c *Controller) ClearRange(threshold float64) (media.TimeRange, bool) {
	if c.sink == nil || c.playback == nil {
		return media.TimeRange{}, false
	}
	ranges := c.sink.Ranges()
	if len(ranges) == 0 {
		return media.TimeRange{}, false
	}

	current := c.playback.Time()
	end := math.Floor(current)
	if c.fragments != nil {
		if req := c.fragments.ExecutedRequestAt(c.mediaType, current, threshold); req != nil {
			end = req.StartTime
		}
	}
	if _, ok := RangeAt(ranges, current, c.rangeTolerance()); !ok {
		end = ranges[len(ranges)-1].End
	}

	start := ranges[0].Start
	if end <= start {
		return media.TimeRange{}, false
	}
	return media.TimeRange{Start: start, End: end}, true
}

func (c *Controller) onRemoved(start, end float64, err error) {
	c.isPruningInProgress = false
	if err != nil {
		c.logger.WithError(err).Error("Remove failed")
		c.reporter.Report(errors.NewMediaSourceError(err, errors.CodeRemoveFailed, "remove failed"))
	} else {
		metrics.AddPrunedSeconds(string(c.mediaType), end-start)
	}

	c.updateBufferLevel()
	c.signals.Cleared.Publish(signal.BufferCleared{
		MediaType:              c.mediaType,
		StreamID:               c.streamID,
		From:                   start,
		To:                     end,
		HasEnoughSpaceToAppend: c.HasEnoughSpaceToAppend(),
	})
}

// Prune removes data further behind the playhead than the configured
// buffer-to-keep. Text buffers are never pruned.
func (c *Controller) Prune() {
	if c.sink == nil || c.mediaType == media.Text || c.isPruningInProgress || c.playback == nil {
		return
	}
	ranges := c.sink.Ranges()
	start := 0.0
	if len(ranges) > 0 {
		start = ranges[0].Start
	}

	keep := c.settings.Get().Buffer.BufferToKeep
	toPrune := c.playback.Time() - start - keep
	if toPrune <= 0 {
		return
	}

	c.isPruningInProgress = true
	c.logger.WithFields(map[string]interface{}{
		"start":    start,
		"to_prune": toPrune,
	}).Debug("Pruning buffer")
	c.enqueue(sinkOp{start: 0, end: math.Round(start + toPrune)})
}

func (c *Controller) onWallclockTimeUpdated(signal.WallclockTick) {
	c.wallclockTicked++
	s := c.settings.Get()
	elapsed := float64(c.wallclockTicked) * s.WallclockTimeUpdateInterval.Seconds()
	if elapsed >= s.Buffer.BufferPruningInterval && !c.isAppendingInProgress() {
		c.wallclockTicked = 0
		c.Prune()
	}
}

func (c *Controller) onPlaybackSeeking(signal.SeekEvent) {
	if c.isBufferingCompleted {
		c.seekClearedBufferingCompleted = true
		c.isBufferingCompleted = false
		c.maxAppendedIndex = 0
	}
	c.seekStartTime = math.NaN()
	c.onPlaybackProgression()
}

func (c *Controller) onPlaybackSeeked(e signal.SeekEvent) {
	if !c.quirks.RemoveAheadOnSeek || c.sink == nil {
		return
	}
	for _, r := range RangesAfter(c.sink.Ranges(), e.Time) {
		c.ClearBuffer(r)
	}
}

func (c *Controller) onPlaybackProgression() {
	c.updateBufferLevel()
}

// SetSeekStartTime records where loading restarts after a seek.
func (c *Controller) SetSeekStartTime(t float64) {
	c.seekStartTime = t
}

func (c *Controller) workingTime() float64 {
	t := c.playback.Time()
	if math.IsNaN(c.seekStartTime) || c.sink == nil {
		return t
	}
	ranges := c.sink.Ranges()
	if len(ranges) == 0 {
		return c.seekStartTime
	}
	return math.Max(ranges[0].Start, c.seekStartTime)
}

func (c *Controller) rangeTolerance() float64 {
	if c.settings == nil {
		return DefaultRangeTolerance
	}
	if tol := c.settings.Get().Buffer.RangeTolerance; tol > 0 {
		return tol
	}
	return DefaultRangeTolerance
}

func (c *Controller) updateBufferLevel() {
	if c.playback == nil || c.sink == nil {
		return
	}
	c.bufferLevel = BufferLength(c.sink.Ranges(), c.workingTime(), c.rangeTolerance())

	metrics.SetBufferLevel(string(c.mediaType), c.bufferLevel)
	c.sampled.Debug(logger.CategoryBufferLevel, "Buffer level updated", map[string]interface{}{
		"level": c.bufferLevel,
	})
	c.signals.LevelUpdated.Publish(signal.BufferLevel{
		MediaType: c.mediaType,
		StreamID:  c.streamID,
		Level:     c.bufferLevel,
	})
	c.checkIfSufficientBuffer()
}

// Level returns the last computed buffer level.
func (c *Controller) Level() float64 {
	return c.bufferLevel
}

// State returns the sufficiency state.
func (c *Controller) State() media.BufferState {
	return c.bufferState
}

// IsBufferingCompleted reports whether the last segment has been appended.
func (c *Controller) IsBufferingCompleted() bool {
	return c.isBufferingCompleted
}

func (c *Controller) checkIfSufficientBuffer() {
	if !c.mediaType.IsAudioOrVideo() || c.playback == nil {
		return
	}

	if c.seekClearedBufferingCompleted && !c.isBufferingCompleted &&
		c.playback.TimeToStreamEnd()-c.bufferLevel < StallThreshold {
		c.seekClearedBufferingCompleted = false
		c.isBufferingCompleted = true
		c.signals.BufferingCompleted.Publish(signal.BufferingCompleted{
			MediaType: c.mediaType,
			StreamID:  c.streamID,
		})
	}

	if c.bufferLevel < StallThreshold && !c.isBufferingCompleted {
		duration := c.playback.Duration()
		remaining := duration - c.playback.Time()
		if math.IsNaN(duration) || remaining > StallThreshold {
			c.notifyBufferStateChanged(media.BufferEmpty)
		} else {
			c.notifyBufferStateChanged(media.BufferLoaded)
		}
		return
	}
	c.notifyBufferStateChanged(media.BufferLoaded)
}

func (c *Controller) notifyBufferStateChanged(state media.BufferState) {
	if c.bufferState == state {
		return
	}
	if c.tracks != nil && c.tracks.AllTracksDisabled(c.mediaType) {
		return
	}

	c.bufferState = state
	metrics.SetBufferLoaded(string(c.mediaType), state == media.BufferLoaded)
	c.logger.WithField("state", string(state)).Debug("Buffer state changed")
	c.signals.StateChanged.Publish(signal.BufferStateChange{
		MediaType: c.mediaType,
		StreamID:  c.streamID,
		State:     state,
	})
}

// OnStreamCompleted records the index of the last segment of the stream.
func (c *Controller) OnStreamCompleted(lastIndex int) {
	c.lastIndex = lastIndex
	c.checkIfBufferingCompleted()
}

func (c *Controller) checkIfBufferingCompleted() {
	if c.isBufferingCompleted || c.lastIndex == math.MaxInt {
		return
	}
	if c.maxAppendedIndex >= c.lastIndex-1 {
		c.isBufferingCompleted = true
		c.logger.WithField("last_index", c.lastIndex).Info("Buffering completed")
		c.signals.BufferingCompleted.Publish(signal.BufferingCompleted{
			MediaType: c.mediaType,
			StreamID:  c.streamID,
		})
	}
}

// OnQualityChanged switches the representation used for timestamp offsets.
func (c *Controller) OnQualityChanged(quality int) {
	if c.requiredQuality == quality {
		return
	}
	c.requiredQuality = quality
	if rep, ok := c.mediaInfo.Representation(quality); ok {
		c.UpdateTimestampOffset(rep.MSETimeOffset)
	}
}

// UpdateTimestampOffset pushes a presentation offset to sinks that support it.
func (c *Controller) UpdateTimestampOffset(offset float64) {
	if c.timestampOffset == offset {
		return
	}
	c.timestampOffset = offset
	if setter, ok := c.sink.(media.TimestampOffsetSetter); ok {
		setter.SetTimestampOffset(offset)
	}
}

// OnTrackChanged reacts to a track switch. In replace mode the buffered data
// of the previous track is cleared.
func (c *Controller) OnTrackChanged(info *media.MediaInfo, replace bool) {
	c.mediaInfo = info
	if !replace {
		return
	}
	if r, ok := c.ClearRange(0); ok {
		c.ClearBuffer(r)
	}
}

// Reset drops all subscriptions and state. Unless the controller is being
// torn down after an error, in-flight sink work is aborted first.
func (c *Controller) Reset(errored bool) {
	c.subs.UnsubscribeAll()
	c.gen++
	c.resetInitialSettings()

	if c.sink != nil {
		if !errored {
			c.sink.Abort()
		}
		c.sink.Reset()
		c.sink = nil
	}
	c.staging = nil
	c.initialized = false
}
