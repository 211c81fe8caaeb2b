package session

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
)

func TestStaticTimeline(t *testing.T) {
	l := loop.NewManual(epoch)
	short := audioTrack()
	short.SegmentCount = 4
	tl := NewTimeline(l, staticConfig(videoTrack(), short))

	info := tl.StreamInfo()
	assert.Equal(t, "vod", info.ID)
	assert.True(t, info.IsLast)
	assert.False(t, info.ManifestInfo.IsDynamic)
	assert.InDelta(t, 10.0, info.Duration, 1e-9)
	assert.InDelta(t, 10.0, tl.Duration(), 1e-9)
	assert.InDelta(t, 10.0, tl.LiveEdge(), 1e-9)
	assert.InDelta(t, 2.0, tl.SegmentDuration(), 1e-9)
	assert.True(t, tl.AvailabilityStartTime().IsZero())
	assert.True(t, tl.SegmentAvailableAt(videoTrack(), 3).IsZero())
	assert.True(t, math.IsNaN(tl.SuggestedPresentationDelay()))

	_, ok := tl.DVRWindow()
	assert.False(t, ok)

	as := tl.AdaptationFor(media.Video, info)
	require.NotNil(t, as)
	require.Len(t, as.Representations, 1)
	tmpl := as.Representations[0].SegmentTemplate
	require.NotNil(t, tmpl)
	assert.Equal(t, uint64(2000), tmpl.Duration)
	assert.Equal(t, uint32(1000), tmpl.Timescale)
	assert.Nil(t, tl.AdaptationFor(media.Text, info))
	assert.Same(t, info, tl.ReferenceStream())
}

func TestLiveTimeline(t *testing.T) {
	l := loop.NewManual(epoch)
	cfg := liveConfig()
	cfg.SuggestedDelay = 6
	tl := NewTimeline(l, cfg)

	info := tl.StreamInfo()
	assert.True(t, info.ManifestInfo.IsDynamic)
	assert.True(t, math.IsInf(info.Duration, 1))
	assert.Zero(t, tl.Duration())
	assert.Equal(t, epoch.Add(-30*time.Second), tl.AvailabilityStartTime())
	assert.InDelta(t, 6.0, tl.SuggestedPresentationDelay(), 1e-9)

	window, ok := tl.DVRWindow()
	require.True(t, ok)
	assert.Equal(t, media.DVRWindow{Start: 0, End: 30}, window)

	l.Advance(5 * time.Second)
	window, _ = tl.DVRWindow()
	assert.Equal(t, media.DVRWindow{Start: 5, End: 35}, window)
	assert.InDelta(t, 35.0, tl.LiveEdge(), 1e-9)

	track := cfg.Tracks[0]
	assert.Equal(t, epoch.Add(-28*time.Second), tl.SegmentAvailableAt(track, 0))
	assert.Equal(t, epoch.Add(2*time.Second), tl.SegmentAvailableAt(track, 15))
}

func TestLiveTimelineWithoutDVRWindowUsesMinBufferTime(t *testing.T) {
	l := loop.NewManual(epoch)
	cfg := liveConfig()
	cfg.DVRWindow = 0
	cfg.MinBufferTime = 4
	tl := NewTimeline(l, cfg)

	assert.Equal(t, epoch.Add(-4*time.Second), tl.AvailabilityStartTime())
	window, ok := tl.DVRWindow()
	require.True(t, ok)
	assert.Equal(t, media.DVRWindow{Start: 0, End: 4}, window)
}

func TestExpandTemplate(t *testing.T) {
	track := config.TrackConfig{RepresentationID: "720p", Bandwidth: 3_000_000}

	tests := []struct {
		name   string
		tmpl   string
		number int
		want   string
	}{
		{"number", "/seg-$Number$.m4s", 7, "/seg-7.m4s"},
		{"representation", "/$RepresentationID$/$Number$.m4s", 1, "/720p/1.m4s"},
		{"bandwidth", "/$Bandwidth$/$Number$.m4s", 12, "/3000000/12.m4s"},
		{"escaped dollar", "/a$$b/$Number$", 3, "/a$b/3"},
		{"no identifiers", "/static.mp4", 9, "/static.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandTemplate(tt.tmpl, track, tt.number))
		})
	}
}

func TestTrackSegmentAt(t *testing.T) {
	tr := &track{cfg: config.TrackConfig{SegmentDuration: 2, SegmentCount: 5}}

	assert.Equal(t, 0, tr.segmentAt(math.NaN()))
	assert.Equal(t, 0, tr.segmentAt(-1))
	assert.Equal(t, 0, tr.segmentAt(1.99))
	assert.Equal(t, 1, tr.segmentAt(2))
	// Float error just below a boundary still maps to the next segment.
	assert.Equal(t, 3, tr.segmentAt(5.9999999999))
	assert.Equal(t, 5, tr.segmentAt(42))
	assert.InDelta(t, 6.0, tr.segmentStart(3), 1e-9)

	live := &track{cfg: config.TrackConfig{SegmentDuration: 2}}
	assert.Equal(t, 21, live.segmentAt(42))
}
