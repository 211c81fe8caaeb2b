package signal

import (
	"time"

	"github.com/zsiec/playcore/internal/media"
)

// SeekEvent carries the target of a seek.
type SeekEvent struct {
	Time float64
}

// TimeUpdate is published when the presentation time advances.
type TimeUpdate struct {
	Time      float64
	TimeToEnd float64
}

// RateChange is published when the playback rate changes.
type RateChange struct {
	Rate float64
}

// WallclockTick is published on every wallclock interval.
type WallclockTick struct {
	IsDynamic bool
	Time      time.Time
}

// StateChange is published on every clock state transition.
type StateChange struct {
	From string
	To   string
}

// Ended is published when playback reaches the end of the stream.
type Ended struct {
	IsLast bool
}

// Lifecycle forwards engine events that have no dedicated topic.
type Lifecycle struct {
	Kind media.EventKind
	Time float64
	Err  error
}

// PlaybackSignals are the outbound topics of a playback clock.
type PlaybackSignals struct {
	SeekAsked     *Topic[SeekEvent]
	Seeking       *Topic[SeekEvent]
	Seeked        *Topic[SeekEvent]
	TimeUpdated   *Topic[TimeUpdate]
	Progress      *Topic[TimeUpdate]
	RateChanged   *Topic[RateChange]
	WallclockTick *Topic[WallclockTick]
	StateChanged  *Topic[StateChange]
	Ended         *Topic[Ended]
	Lifecycle     *Topic[Lifecycle]
}

// NewPlaybackSignals creates an empty set of clock topics.
func NewPlaybackSignals() *PlaybackSignals {
	return &PlaybackSignals{
		SeekAsked:     NewTopic[SeekEvent]("playbackSeekAsked"),
		Seeking:       NewTopic[SeekEvent]("playbackSeeking"),
		Seeked:        NewTopic[SeekEvent]("playbackSeeked"),
		TimeUpdated:   NewTopic[TimeUpdate]("playbackTimeUpdated"),
		Progress:      NewTopic[TimeUpdate]("playbackProgress"),
		RateChanged:   NewTopic[RateChange]("playbackRateChanged"),
		WallclockTick: NewTopic[WallclockTick]("wallclockTimeUpdated"),
		StateChanged:  NewTopic[StateChange]("playbackStateChanged"),
		Ended:         NewTopic[Ended]("playbackEnded"),
		Lifecycle:     NewTopic[Lifecycle]("playbackLifecycle"),
	}
}

// BufferLevel is published whenever a buffer recomputes its level.
type BufferLevel struct {
	MediaType media.Type
	StreamID  string
	Level     float64
}

// BufferStateChange is published on Empty/Loaded transitions.
type BufferStateChange struct {
	MediaType media.Type
	StreamID  string
	State     media.BufferState
}

// BufferingCompleted is published once when the last segment is appended.
type BufferingCompleted struct {
	MediaType media.Type
	StreamID  string
}

// BytesAppended is published after each successful append.
type BytesAppended struct {
	MediaType media.Type
	StreamID  string
	Quality   int
	Index     int
	StartTime float64
	Bytes     int
	Ranges    media.Ranges
}

// QuotaExceeded asks the scheduler to stop feeding a buffer.
type QuotaExceeded struct {
	MediaType           media.Type
	StreamID            string
	CriticalBufferLevel float64
}

// BufferCleared is published after a removal completes.
type BufferCleared struct {
	MediaType              media.Type
	StreamID               string
	From                   float64
	To                     float64
	HasEnoughSpaceToAppend bool
}

// InitRequested asks the fetch pipeline to deliver an init segment.
type InitRequested struct {
	MediaType        media.Type
	StreamID         string
	RepresentationID string
	Quality          int
}

// RefetchRequested returns staged chunks that could not be appended.
type RefetchRequested struct {
	MediaType media.Type
	StreamID  string
	Chunks    []*media.Chunk
}

// ChunkReceived is published when a video chunk is handed to a sink.
type ChunkReceived struct {
	Chunk *media.Chunk
}

// BufferSignals are the outbound topics of one buffer controller.
type BufferSignals struct {
	LevelUpdated       *Topic[BufferLevel]
	StateChanged       *Topic[BufferStateChange]
	BufferingCompleted *Topic[BufferingCompleted]
	BytesAppended      *Topic[BytesAppended]
	QuotaExceeded      *Topic[QuotaExceeded]
	Cleared            *Topic[BufferCleared]
	InitRequested      *Topic[InitRequested]
	RefetchRequested   *Topic[RefetchRequested]
	VideoChunkReceived *Topic[ChunkReceived]
}

// NewBufferSignals creates an empty set of buffer topics.
func NewBufferSignals() *BufferSignals {
	return &BufferSignals{
		LevelUpdated:       NewTopic[BufferLevel]("bufferLevelUpdated"),
		StateChanged:       NewTopic[BufferStateChange]("bufferLevelStateChanged"),
		BufferingCompleted: NewTopic[BufferingCompleted]("bufferingCompleted"),
		BytesAppended:      NewTopic[BytesAppended]("bytesAppended"),
		QuotaExceeded:      NewTopic[QuotaExceeded]("quotaExceeded"),
		Cleared:            NewTopic[BufferCleared]("bufferCleared"),
		InitRequested:      NewTopic[InitRequested]("initRequested"),
		RefetchRequested:   NewTopic[RefetchRequested]("refetchRequested"),
		VideoChunkReceived: NewTopic[ChunkReceived]("videoChunkReceived"),
	}
}
