package session

import (
	"math"
	"time"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
)

// Timeline derives stream timing for template-addressed sessions. Live
// timelines are anchored so that a full DVR window is available when the
// session starts; segment k of a track covers [k*d, (k+1)*d).
type Timeline struct {
	loop              loop.Loop
	cfg               config.SessionConfig
	stream            *media.StreamInfo
	adaptations       map[media.Type]*media.AdaptationSet
	availabilityStart time.Time
}

// NewTimeline builds the timeline of cfg. For live sessions the availability
// start is placed one DVR window (or one minimum buffer time) before now.
func NewTimeline(l loop.Loop, cfg config.SessionConfig) *Timeline {
	t := &Timeline{
		loop:        l,
		cfg:         cfg,
		adaptations: make(map[media.Type]*media.AdaptationSet),
	}

	for i, track := range cfg.Tracks {
		typ := media.Type(track.Type)
		if _, ok := t.adaptations[typ]; ok {
			continue
		}
		t.adaptations[typ] = &media.AdaptationSet{
			ID:   track.RepresentationID,
			Type: typ,
			Representations: []media.Representation{{
				ID:              track.RepresentationID,
				Index:           i,
				Bandwidth:       track.Bandwidth,
				SegmentDuration: track.SegmentDuration,
				SegmentTemplate: &media.SegmentTemplate{
					Media:          track.MediaURL,
					Initialization: track.InitURL,
					StartNumber:    track.StartNumber,
					Timescale:      1000,
					Duration:       uint64(math.Round(track.SegmentDuration * 1000)),
				},
			}},
		}
	}

	info := &media.StreamInfo{
		ID:     cfg.ID,
		Start:  0,
		IsLast: true,
		ManifestInfo: media.ManifestInfo{
			IsDynamic:                  cfg.Dynamic,
			DVRWindowSize:              cfg.DVRWindow,
			MinBufferTime:              cfg.MinBufferTime,
			SuggestedPresentationDelay: cfg.SuggestedDelay,
		},
	}
	if cfg.Dynamic {
		lead := cfg.DVRWindow
		if lead <= 0 {
			lead = cfg.MinBufferTime
		}
		t.availabilityStart = l.Now().Add(-seconds(lead))
		info.Duration = math.Inf(1)
		info.ManifestInfo.AvailabilityStartTime = t.availabilityStart
	} else {
		info.Duration = t.Duration()
	}
	t.stream = info
	return t
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// StreamInfo returns the single period of the session.
func (t *Timeline) StreamInfo() *media.StreamInfo {
	return t.stream
}

// LiveEdge returns the presentation time of the live edge. Static timelines
// return their duration.
func (t *Timeline) LiveEdge() float64 {
	if !t.cfg.Dynamic {
		return t.Duration()
	}
	return t.loop.Now().Sub(t.availabilityStart).Seconds()
}

// SegmentDuration returns the longest segment duration of all tracks.
func (t *Timeline) SegmentDuration() float64 {
	d := 0.0
	for _, track := range t.cfg.Tracks {
		d = math.Max(d, track.SegmentDuration)
	}
	return d
}

// SegmentAvailableAt returns when segment k of track becomes fetchable. Static
// segments are always available.
func (t *Timeline) SegmentAvailableAt(track config.TrackConfig, k int) time.Time {
	if !t.cfg.Dynamic {
		return time.Time{}
	}
	return t.availabilityStart.Add(seconds(float64(k+1) * track.SegmentDuration))
}

// SuggestedPresentationDelay returns NaN when none is configured.
func (t *Timeline) SuggestedPresentationDelay() float64 {
	if t.cfg.SuggestedDelay <= 0 {
		return math.NaN()
	}
	return t.cfg.SuggestedDelay
}

// AvailabilityStartTime returns the zero time for static sessions.
func (t *Timeline) AvailabilityStartTime() time.Time {
	return t.availabilityStart
}

// Duration returns the presentation duration of static sessions and zero for
// live ones.
func (t *Timeline) Duration() float64 {
	if t.cfg.Dynamic {
		return 0
	}
	d := 0.0
	for _, track := range t.cfg.Tracks {
		d = math.Max(d, float64(track.SegmentCount)*track.SegmentDuration)
	}
	return d
}

// ClientTimeOffset is zero: the synthetic timeline runs on the local clock.
func (t *Timeline) ClientTimeOffset() time.Duration {
	return 0
}

func (t *Timeline) AdaptationFor(typ media.Type, _ *media.StreamInfo) *media.AdaptationSet {
	return t.adaptations[typ]
}

func (t *Timeline) ReferenceStream() *media.StreamInfo {
	return t.stream
}

// DVRWindow returns the seekable range of a live session.
func (t *Timeline) DVRWindow() (media.DVRWindow, bool) {
	if !t.cfg.Dynamic {
		return media.DVRWindow{}, false
	}
	end := t.LiveEdge()
	start := 0.0
	if t.cfg.DVRWindow > 0 {
		start = math.Max(0, end-t.cfg.DVRWindow)
	}
	return media.DVRWindow{Start: start, End: end}, true
}
