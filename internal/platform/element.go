package platform

import (
	"math"
	"sort"
	"time"

	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
)

// DefaultTickInterval is how often a VirtualElement advances its play head.
const DefaultTickInterval = 250 * time.Millisecond

// ElementConfig configures a VirtualElement.
type ElementConfig struct {
	TickInterval time.Duration
	// Buffered reports the data the element may play through. Nil means
	// unlimited.
	Buffered func() media.Ranges
}

// VirtualElement simulates a media element on the event loop: it advances
// time at the playback rate while data is buffered and emits the usual
// lifecycle events. Events are posted, never delivered synchronously.
type VirtualElement struct {
	loop     loop.Loop
	interval time.Duration
	buffered func() media.Ranges

	time       float64
	duration   float64
	rate       float64
	paused     bool
	seeking    bool
	ended      bool
	waiting    bool
	readyState int
	stalled    map[media.Type]bool

	subs   map[int]func(media.ElementEvent)
	nextID int
	ticker loop.Timer
}

// NewVirtualElement creates a paused element with no media loaded.
func NewVirtualElement(l loop.Loop, cfg ElementConfig) *VirtualElement {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &VirtualElement{
		loop:     l,
		interval: interval,
		buffered: cfg.Buffered,
		duration: math.NaN(),
		rate:     1.0,
		paused:   true,
		stalled:  make(map[media.Type]bool),
		subs:     make(map[int]func(media.ElementEvent)),
	}
}

func (e *VirtualElement) Subscribe(fn func(media.ElementEvent)) func() {
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() { delete(e.subs, id) }
}

func (e *VirtualElement) emit(kind media.EventKind, err error) {
	ev := media.ElementEvent{Kind: kind, Err: err}
	e.loop.Post(func() {
		ids := make([]int, 0, len(e.subs))
		for id := range e.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if fn, ok := e.subs[id]; ok {
				fn(ev)
			}
		}
	})
}

// LoadMetadata sets the media duration and makes the element ready to play.
func (e *VirtualElement) LoadMetadata(duration float64) {
	e.duration = duration
	e.readyState = media.HaveMetadata
	e.emit(media.EventLoadedMetadata, nil)
	e.readyState = media.HaveEnoughData
	e.emit(media.EventCanPlay, nil)
}

// Fail reports a decode error.
func (e *VirtualElement) Fail(err error) {
	e.emit(media.EventError, err)
}

func (e *VirtualElement) Time() float64 {
	return e.time
}

func (e *VirtualElement) SetCurrentTime(t float64, stickToBuffered bool) {
	if stickToBuffered {
		t = e.stick(t)
	}
	e.time = t
	e.ended = false
	e.seeking = true
	e.emit(media.EventSeeking, nil)
	e.loop.Post(func() {
		e.seeking = false
		e.emit(media.EventSeeked, nil)
		e.emit(media.EventTimeUpdate, nil)
	})
}

// stick moves t into the buffered range nearest to it.
func (e *VirtualElement) stick(t float64) float64 {
	if e.buffered == nil {
		return t
	}
	ranges := e.buffered()
	if len(ranges) == 0 {
		return t
	}
	best, bestDist := t, math.Inf(1)
	for _, r := range ranges {
		if t >= r.Start && t < r.End {
			return t
		}
		candidate := r.Start
		if t >= r.End {
			candidate = r.End
		}
		if d := math.Abs(candidate - t); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

func (e *VirtualElement) Play() {
	if !e.paused {
		return
	}
	e.paused = false
	e.emit(media.EventPlay, nil)
	e.startTicker()
	e.emit(media.EventPlaying, nil)
}

func (e *VirtualElement) Pause() {
	if e.paused {
		return
	}
	e.paused = true
	e.stopTicker()
	e.emit(media.EventPause, nil)
}

func (e *VirtualElement) IsPaused() bool  { return e.paused }
func (e *VirtualElement) IsSeeking() bool { return e.seeking }
func (e *VirtualElement) Ended() bool     { return e.ended }

func (e *VirtualElement) Duration() float64 { return e.duration }

func (e *VirtualElement) ReadyState() int { return e.readyState }

func (e *VirtualElement) PlaybackRate() float64 { return e.rate }

func (e *VirtualElement) SetPlaybackRate(rate float64) {
	if rate == e.rate || rate <= 0 {
		return
	}
	e.rate = rate
	e.emit(media.EventRateChange, nil)
}

func (e *VirtualElement) SetStallState(t media.Type, stalled bool) {
	e.stalled[t] = stalled
}

// Stalled reports whether any media type is marked stalled.
func (e *VirtualElement) Stalled() bool {
	for _, s := range e.stalled {
		if s {
			return true
		}
	}
	return false
}

func (e *VirtualElement) startTicker() {
	if e.ticker != nil {
		return
	}
	e.ticker = e.loop.Every(e.interval, e.tick)
}

func (e *VirtualElement) stopTicker() {
	if e.ticker == nil {
		return
	}
	e.ticker.Stop()
	e.ticker = nil
}

func (e *VirtualElement) tick() {
	if e.paused || e.seeking || e.ended || e.Stalled() {
		return
	}

	next := e.time + e.interval.Seconds()*e.rate
	limit := math.Inf(1)
	if e.buffered != nil {
		limit = e.time
		for _, r := range e.buffered() {
			if e.time >= r.Start-media.MergeGap && e.time < r.End {
				limit = r.End
				break
			}
		}
	}
	if !math.IsNaN(e.duration) && e.duration < limit {
		limit = e.duration
	}

	if next >= limit {
		next = limit
		if !math.IsNaN(e.duration) && next >= e.duration {
			e.time = e.duration
			e.ended = true
			e.stopTicker()
			e.emit(media.EventTimeUpdate, nil)
			e.emit(media.EventEnded, nil)
			return
		}
		if next <= e.time {
			if !e.waiting {
				e.waiting = true
				e.emit(media.EventWaiting, nil)
			}
			return
		}
	}

	if e.waiting {
		e.waiting = false
		e.emit(media.EventPlaying, nil)
	}
	e.time = next
	e.emit(media.EventTimeUpdate, nil)
	e.emit(media.EventProgress, nil)
}
