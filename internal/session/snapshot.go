package session

import (
	"math"
	"time"

	"github.com/zsiec/playcore/internal/fetch"
	"github.com/zsiec/playcore/internal/media"
)

// Snapshot is a point-in-time view of a session, safe to hand to other
// goroutines. Unknown values are reported as zero.
type Snapshot struct {
	ID           string           `json:"id"`
	Dynamic      bool             `json:"dynamic"`
	State        string           `json:"state"`
	Time         float64          `json:"time"`
	Duration     float64          `json:"duration,omitempty"`
	PlaybackRate float64          `json:"playback_rate"`
	Paused       bool             `json:"paused"`
	LiveLatency  float64          `json:"live_latency,omitempty"`
	LiveDelay    float64          `json:"live_delay,omitempty"`
	Buffers      []BufferSnapshot `json:"buffers"`
	Completed    bool             `json:"completed"`
	Fetch        FetchSnapshot    `json:"fetch"`
	Errors       int              `json:"errors"`
	LastError    string           `json:"last_error,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// BufferSnapshot describes one media buffer.
type BufferSnapshot struct {
	MediaType media.Type        `json:"media_type"`
	Level     float64           `json:"level"`
	State     media.BufferState `json:"state"`
	Completed bool              `json:"completed"`
	Halted    bool              `json:"halted"`
	Ranges    media.Ranges      `json:"ranges"`
}

// FetchSnapshot carries the fetch engine counters.
type FetchSnapshot struct {
	Pending fetch.Pending `json:"pending"`
	Stats   fetch.Stats   `json:"stats"`
}

// finite maps NaN and infinities to zero so snapshots always encode.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Buffer returns the snapshot of media type t.
func (s Snapshot) Buffer(t media.Type) (BufferSnapshot, bool) {
	for _, b := range s.Buffers {
		if b.MediaType == t {
			return b, true
		}
	}
	return BufferSnapshot{}, false
}

func (s *Session) takeSnapshot() *Snapshot {
	snap := &Snapshot{
		ID:           s.id,
		Dynamic:      s.cfg.Dynamic,
		State:        s.clock.State().String(),
		Time:         finite(s.clock.Time()),
		Duration:     finite(s.timeline.Duration()),
		PlaybackRate: finite(s.clock.PlaybackRate()),
		Paused:       s.clock.IsPaused(),
		LiveLatency:  finite(s.clock.CurrentLiveLatency()),
		LiveDelay:    finite(s.clock.LiveDelay()),
		Completed:    s.allCompleted(),
		Fetch: FetchSnapshot{
			Pending: s.engine.Pending(),
			Stats:   s.engine.Stats(),
		},
		Errors:    s.errCount,
		UpdatedAt: s.loop.Now(),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	for _, t := range s.tracks {
		ranges := append(media.Ranges(nil), t.buffer.Ranges()...)
		snap.Buffers = append(snap.Buffers, BufferSnapshot{
			MediaType: t.mediaType,
			Level:     finite(t.buffer.Level()),
			State:     t.buffer.State(),
			Completed: t.buffer.IsBufferingCompleted(),
			Halted:    t.halted,
			Ranges:    ranges,
		})
	}
	return snap
}

func (s *Session) refreshSnapshot() {
	s.snapshot.Store(s.takeSnapshot())
}

// Refresh takes a new snapshot and returns it. It must be called on the
// event loop.
func (s *Session) Refresh() Snapshot {
	s.refreshSnapshot()
	return s.Snapshot()
}

// Snapshot returns the last published snapshot. It is safe to call from any
// goroutine.
func (s *Session) Snapshot() Snapshot {
	if snap := s.snapshot.Load(); snap != nil {
		return *snap
	}
	return Snapshot{ID: s.id, State: "idle"}
}
