// Package session is the composition root of one player session. It wires a
// playback clock, one buffer controller per media type and a fetch engine to
// a template-based segment scheduler, and publishes snapshots of the result.
package session

import (
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zsiec/playcore/internal/buffer"
	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/fetch"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/platform"
	"github.com/zsiec/playcore/internal/playback"
	"github.com/zsiec/playcore/internal/signal"
)

// endOfStreamThreshold is how close to the end the play head must be before
// the clock is told the stream has ended.
const endOfStreamThreshold = 0.1

var (
	ErrAlreadyStarted = stderrors.New("session already started")
	ErrNotStarted     = stderrors.New("session not started")
)

// Config holds the collaborators of a Session.
type Config struct {
	Session   config.SessionConfig
	Loop      loop.Loop
	Settings  *config.Settings
	Transport fetch.Transport
	// Sinks binds buffers to the platform. Nil stages media until
	// AttachSinks is called.
	Sinks media.SinkFactory
	// TickInterval drives the virtual element; zero uses its default.
	TickInterval time.Duration
	// RequestTimeout is reported through the fetch engine's timeout callback.
	RequestTimeout time.Duration
	Reporter       errors.Reporter
	Logger         logger.Logger
}

// Session plays one template-addressed stream. All methods except Snapshot
// and ID must be called on the event loop.
type Session struct {
	id             string
	cfg            config.SessionConfig
	loop           loop.Loop
	settings       *config.Settings
	logger         logger.Logger
	reporter       errors.Reporter
	requestTimeout time.Duration
	sinks          media.SinkFactory

	timeline  *Timeline
	fragments *FragmentModel
	element   *platform.VirtualElement
	clock     *playback.Clock
	engine    *fetch.Engine
	tracks    []*track

	subs        signal.Group
	scheduler   loop.Timer
	started     bool
	endSignaled bool

	errCount int
	lastErr  error
	snapshot atomic.Pointer[Snapshot]
}

// New assembles a session. Nothing runs until Start.
func New(cfg Config) (*Session, error) {
	if err := cfg.Session.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid session config", http.StatusBadRequest)
	}
	if cfg.Loop == nil || cfg.Settings == nil || cfg.Transport == nil {
		return nil, errors.NewValidationError("session requires a loop, settings and a transport")
	}

	id := cfg.Session.ID
	log := cfg.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("session_id", id)

	s := &Session{
		id:             id,
		cfg:            cfg.Session,
		loop:           cfg.Loop,
		settings:       cfg.Settings,
		logger:         logger.ForComponent(log, "session", ""),
		requestTimeout: cfg.RequestTimeout,
		sinks:          cfg.Sinks,
		fragments:      NewFragmentModel(),
	}
	external := cfg.Reporter
	if external == nil {
		external = errors.DiscardReporter
	}
	s.reporter = errors.ReporterFunc(func(err error) {
		s.errCount++
		s.lastErr = err
		s.logger.WithError(err).Warn("Session error")
		external.Report(err)
	})

	s.timeline = NewTimeline(cfg.Loop, cfg.Session)
	s.element = platform.NewVirtualElement(cfg.Loop, platform.ElementConfig{
		TickInterval: cfg.TickInterval,
		Buffered:     s.playableRanges,
	})
	s.engine = fetch.NewEngine(fetch.Config{
		Loop:      cfg.Loop,
		Transport: cfg.Transport,
		Settings:  cfg.Settings,
		Logger:    log,
	})
	s.clock = playback.NewClock(playback.Config{
		Loop:                  cfg.Loop,
		Engine:                s.element,
		Settings:              cfg.Settings,
		Adapter:               s.timeline,
		DVR:                   s.timeline,
		Buffers:               s,
		URIFragment:           cfg.Session.StartFragment,
		MinPlaybackRateChange: cfg.Session.MinPlaybackRateChange,
		Reporter:              s.reporter,
		Logger:                log,
	})

	info := s.timeline.StreamInfo()
	initCache := buffer.NewInitCache()
	for _, tc := range cfg.Session.Tracks {
		typ := media.Type(tc.Type)
		t := &track{
			cfg:       tc,
			mediaType: typ,
			info: &media.MediaInfo{
				ID:         tc.RepresentationID,
				Type:       typ,
				Codec:      tc.Codec,
				MimeType:   tc.MimeType,
				StreamInfo: info,
				Representations: []media.Representation{{
					ID:              tc.RepresentationID,
					Bandwidth:       tc.Bandwidth,
					SegmentDuration: tc.SegmentDuration,
				}},
			},
		}
		t.buffer = buffer.NewController(buffer.Config{
			MediaType:       typ,
			StreamID:        info.ID,
			Loop:            cfg.Loop,
			Settings:        cfg.Settings,
			Playback:        s.clock,
			PlaybackSignals: s.clock.Signals(),
			Fragments:       s.fragments,
			InitCache:       initCache,
			Reporter:        s.reporter,
			Quirks:          buffer.Quirks{RemoveAheadOnSeek: cfg.Session.RemoveAheadOnSeek},
			Logger:          log,
		})
		s.tracks = append(s.tracks, t)
	}
	s.snapshot.Store(&Snapshot{ID: id, State: playback.StateIdle.String(), Dynamic: cfg.Session.Dynamic})
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Clock returns the playback clock.
func (s *Session) Clock() *playback.Clock {
	return s.clock
}

// Engine returns the fetch engine.
func (s *Session) Engine() *fetch.Engine {
	return s.engine
}

// Element returns the simulated playback element.
func (s *Session) Element() *platform.VirtualElement {
	return s.element
}

// Timeline returns the synthetic stream timeline.
func (s *Session) Timeline() *Timeline {
	return s.timeline
}

// Buffer returns the controller of media type t, or nil.
func (s *Session) Buffer(t media.Type) *buffer.Controller {
	if tr := s.trackFor(t); tr != nil {
		return tr.buffer
	}
	return nil
}

// MinBufferLevel returns the lowest level of the audio and video buffers,
// NaN when there are none.
func (s *Session) MinBufferLevel() float64 {
	level := math.NaN()
	for _, t := range s.tracks {
		if !t.mediaType.IsAudioOrVideo() {
			continue
		}
		if l := t.buffer.Level(); math.IsNaN(level) || l < level {
			level = l
		}
	}
	return level
}

// playableRanges is the time buffered in every audio and video buffer.
func (s *Session) playableRanges() media.Ranges {
	var out media.Ranges
	first := true
	for _, t := range s.tracks {
		if !t.mediaType.IsAudioOrVideo() {
			continue
		}
		if first {
			out = t.buffer.Ranges()
			first = false
			continue
		}
		out = media.Intersect(out, t.buffer.Ranges())
	}
	return out
}

// Start creates the buffers, positions the play head and starts scheduling.
func (s *Session) Start() error {
	if s.started {
		return ErrAlreadyStarted
	}

	for _, t := range s.tracks {
		t.buffer.Initialize(s.sinks)
		if _, err := t.buffer.CreateBuffer(t.info); err != nil {
			return fmt.Errorf("failed to create %s buffer: %w", t.mediaType, err)
		}
	}
	s.subscribe()
	s.started = true

	info := s.timeline.StreamInfo()
	s.clock.Initialize(info, false, math.NaN())

	duration := info.Duration
	if s.cfg.Dynamic {
		delay := s.clock.ComputeAndSetLiveDelay(s.timeline.SegmentDuration(), s.cfg.DVRWindow, s.cfg.MinBufferTime)
		window, _ := s.timeline.DVRWindow()
		s.logger.WithFields(map[string]interface{}{
			"live_delay": delay,
			"live_edge":  window.End,
		}).Info("Starting live session")
		s.clock.OnStreamInitialized(math.Max(window.End-delay, window.Start))
	} else {
		s.logger.WithField("duration", duration).Info("Starting session")
		s.clock.OnStreamInitialized(math.NaN())
	}
	s.element.LoadMetadata(duration)

	if s.cfg.Autoplay {
		s.clock.Play()
	}

	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s.scheduler = s.loop.Every(interval, s.schedule)
	s.schedule()
	s.refreshSnapshot()
	return nil
}

func (s *Session) subscribe() {
	ps := s.clock.Signals()
	s.subs.Add(
		ps.Seeking.Subscribe(s.onSeeking),
		ps.WallclockTick.Subscribe(func(signal.WallclockTick) { s.refreshSnapshot() }),
		ps.StateChanged.Subscribe(func(signal.StateChange) { s.refreshSnapshot() }),
		ps.TimeUpdated.Subscribe(s.onTimeUpdated),
	)
	for _, t := range s.tracks {
		bs := t.buffer.Signals()
		s.subs.Add(
			bs.StateChanged.Subscribe(s.clock.OnBufferStateChanged),
			bs.QuotaExceeded.Subscribe(func(e signal.QuotaExceeded) { s.onQuotaExceeded(t, e) }),
			bs.Cleared.Subscribe(func(e signal.BufferCleared) { s.onBufferCleared(t, e) }),
			bs.InitRequested.Subscribe(s.onInitRequested),
			bs.RefetchRequested.Subscribe(s.onRefetchRequested),
			bs.BufferingCompleted.Subscribe(func(signal.BufferingCompleted) { s.onBufferingCompleted(t) }),
		)
	}
}

// onTimeUpdated reports the end of the stream to the clock once every
// buffer is complete and the play head has reached the last buffered data.
func (s *Session) onTimeUpdated(e signal.TimeUpdate) {
	if s.endSignaled || !s.allCompleted() {
		return
	}
	if e.TimeToEnd <= endOfStreamThreshold {
		s.endSignaled = true
		s.clock.SignalEnded(s.timeline.StreamInfo().IsLast)
	}
}

// AttachSinks binds staged buffers to the platform and replays their data.
func (s *Session) AttachSinks(factory media.SinkFactory) error {
	if !s.started {
		return ErrNotStarted
	}
	s.sinks = factory
	var errs []error
	for _, t := range s.tracks {
		if err := t.buffer.AttachSinkFactory(factory); err != nil {
			errs = append(errs, err)
		}
	}
	s.schedule()
	return stderrors.Join(errs...)
}

// Play starts playback.
func (s *Session) Play() {
	s.clock.Play()
}

// Pause pauses playback.
func (s *Session) Pause() {
	s.clock.Pause()
}

// Seek moves the play head to t, clamped into the DVR window for live
// sessions.
func (s *Session) Seek(t float64) {
	if window, ok := s.timeline.DVRWindow(); ok {
		t = math.Min(math.Max(t, window.Start), window.End)
	}
	s.endSignaled = false
	s.clock.Seek(t, false, false)
}

// SeekToLive jumps to the live edge minus the target delay.
func (s *Session) SeekToLive() {
	s.clock.SeekToLive()
}

// Stop aborts outstanding requests and tears the session down.
func (s *Session) Stop() {
	if !s.started {
		return
	}
	s.started = false
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.scheduler = nil
	}
	s.engine.Abort()
	s.subs.UnsubscribeAll()
	s.clock.Reset()
	s.element.Pause()
	for _, t := range s.tracks {
		t.buffer.Reset(false)
		t.next = 0
		t.initLoaded = false
		t.pending = ""
		t.halted = false
		t.clearing = false
		t.completed = false
	}
	s.fragments.Reset()
	s.refreshSnapshot()
	s.logger.Info("Session stopped")
}
