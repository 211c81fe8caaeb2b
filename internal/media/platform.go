package media

import (
	"errors"
	"fmt"
)

// QuotaExceededCode is the sink error code signalling that the platform
// refused an append for lack of space.
const QuotaExceededCode = 22

// SinkError is returned by sinks through their completion callbacks.
type SinkError struct {
	Code    int
	Message string
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink error %d: %s", e.Code, e.Message)
}

// NewQuotaExceededError creates the distinguished quota error.
func NewQuotaExceededError(msg string) *SinkError {
	return &SinkError{Code: QuotaExceededCode, Message: msg}
}

// IsQuotaExceeded reports whether err carries the quota code.
func IsQuotaExceeded(err error) bool {
	var se *SinkError
	return errors.As(err, &se) && se.Code == QuotaExceededCode
}

// Sink is a platform media buffer. Operations complete asynchronously; done is
// always invoked on the event loop, once per operation, in submission order.
type Sink interface {
	Append(chunk *Chunk, done func(error))
	Remove(start, end float64, done func(error))
	Ranges() Ranges
	Abort()
	Reset()
}

// TimestampOffsetSetter is implemented by sinks that support a presentation
// timestamp offset.
type TimestampOffsetSetter interface {
	SetTimestampOffset(offset float64)
}

// SinkFactory creates sinks bound to the platform media pipeline.
type SinkFactory interface {
	CreateSink(info *MediaInfo) (Sink, error)
}

// EventKind enumerates playback engine lifecycle events.
type EventKind int

const (
	EventCanPlay EventKind = iota
	EventPlay
	EventPlaying
	EventPause
	EventWaiting
	EventSeeking
	EventSeeked
	EventTimeUpdate
	EventProgress
	EventRateChange
	EventLoadedMetadata
	EventStalled
	EventEnded
	EventError
)

var eventNames = map[EventKind]string{
	EventCanPlay:        "canplay",
	EventPlay:           "play",
	EventPlaying:        "playing",
	EventPause:          "pause",
	EventWaiting:        "waiting",
	EventSeeking:        "seeking",
	EventSeeked:         "seeked",
	EventTimeUpdate:     "timeupdate",
	EventProgress:       "progress",
	EventRateChange:     "ratechange",
	EventLoadedMetadata: "loadedmetadata",
	EventStalled:        "stalled",
	EventEnded:          "ended",
	EventError:          "error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// ElementEvent is delivered by a PlaybackEngine to its subscribers.
type ElementEvent struct {
	Kind EventKind
	Err  error
}

// Ready states reported by a PlaybackEngine.
const (
	HaveNothing     = 0
	HaveMetadata    = 1
	HaveCurrentData = 2
	HaveFutureData  = 3
	HaveEnoughData  = 4
)

// PlaybackEngine is the platform element that renders media. Events are
// delivered on the event loop.
type PlaybackEngine interface {
	Time() float64
	SetCurrentTime(t float64, stickToBuffered bool)
	Play()
	Pause()
	IsPaused() bool
	IsSeeking() bool
	Ended() bool
	Duration() float64
	ReadyState() int
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	SetStallState(t Type, stalled bool)
	Subscribe(fn func(ElementEvent)) (unsubscribe func())
}
