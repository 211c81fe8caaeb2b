// Package media holds the data model shared by the buffer, clock and fetch
// components, together with the contracts of the platform collaborators they
// drive (media sinks and the playback engine).
package media

import (
	"fmt"
	"math"
	"time"
)

// Type identifies an elementary media type.
type Type string

const (
	Video Type = "video"
	Audio Type = "audio"
	Text  Type = "text"
)

// IsAudioOrVideo reports whether t takes part in stall detection.
func (t Type) IsAudioOrVideo() bool {
	return t == Video || t == Audio
}

// Types lists the supported media types in pipeline order.
var Types = []Type{Video, Audio, Text}

// RequestType classifies a fetch request. It drives retry budgets and the
// error category reported when a request is abandoned.
type RequestType string

const (
	RequestMPD                RequestType = "MPD"
	RequestXLinkExpansion     RequestType = "XLinkExpansion"
	RequestInitSegment        RequestType = "InitializationSegment"
	RequestMediaSegment       RequestType = "MediaSegment"
	RequestIndexSegment       RequestType = "IndexSegment"
	RequestBitstreamSwitching RequestType = "BitstreamSwitchingSegment"
	RequestOther              RequestType = "other"
)

// TimeRange is a half-open interval [Start, End) in presentation seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (r TimeRange) Duration() float64 {
	return r.End - r.Start
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%.3f, %.3f)", r.Start, r.End)
}

// Ranges is a sorted list of non-overlapping buffered ranges.
type Ranges []TimeRange

// Len returns the number of ranges.
func (r Ranges) Len() int {
	return len(r)
}

// SegmentTemplate carries the timing attributes of a segment template.
type SegmentTemplate struct {
	Media                  string `json:"media,omitempty"`
	Initialization         string `json:"initialization,omitempty"`
	StartNumber            int    `json:"start_number"`
	Duration               uint64 `json:"duration"`
	Timescale              uint32 `json:"timescale"`
	PresentationTimeOffset uint64 `json:"presentation_time_offset"`
}

// OffsetSeconds returns the presentation time offset in seconds, or zero when
// the template carries none.
func (t *SegmentTemplate) OffsetSeconds() float64 {
	if t == nil || t.PresentationTimeOffset == 0 {
		return 0
	}
	timescale := t.Timescale
	if timescale == 0 {
		timescale = 1
	}
	return float64(t.PresentationTimeOffset) / float64(timescale)
}

// Representation is one encoded quality of an adaptation set.
type Representation struct {
	ID              string           `json:"id"`
	Index           int              `json:"index"`
	Bandwidth       int              `json:"bandwidth"`
	MSETimeOffset   float64          `json:"mse_time_offset"`
	SegmentDuration float64          `json:"segment_duration"`
	SegmentTemplate *SegmentTemplate `json:"segment_template,omitempty"`
}

// AdaptationSet groups interchangeable representations of one media type.
type AdaptationSet struct {
	ID              string           `json:"id"`
	Type            Type             `json:"type"`
	SegmentTemplate *SegmentTemplate `json:"segment_template,omitempty"`
	Representations []Representation `json:"representations"`
}

// ManifestInfo is the stream-wide timing description.
type ManifestInfo struct {
	IsDynamic                  bool      `json:"is_dynamic"`
	DVRWindowSize              float64   `json:"dvr_window_size"`
	MinBufferTime              float64   `json:"min_buffer_time"`
	SuggestedPresentationDelay float64   `json:"suggested_presentation_delay"`
	AvailabilityStartTime      time.Time `json:"availability_start_time"`
}

// StreamInfo describes one period.
type StreamInfo struct {
	ID           string       `json:"id"`
	Index        int          `json:"index"`
	Start        float64      `json:"start"`
	Duration     float64      `json:"duration"`
	IsLast       bool         `json:"is_last"`
	ManifestInfo ManifestInfo `json:"manifest_info"`
}

// End returns Start + Duration; unbounded periods return +Inf.
func (s *StreamInfo) End() float64 {
	if s == nil {
		return math.NaN()
	}
	if math.IsInf(s.Duration, 1) || math.IsNaN(s.Duration) {
		return math.Inf(1)
	}
	return s.Start + s.Duration
}

// MediaInfo describes the selected track of one media type.
type MediaInfo struct {
	ID              string           `json:"id"`
	Type            Type             `json:"type"`
	Codec           string           `json:"codec"`
	MimeType        string           `json:"mime_type"`
	StreamInfo      *StreamInfo      `json:"-"`
	Representations []Representation `json:"representations"`
}

// Representation returns the representation at quality index q.
func (m *MediaInfo) Representation(q int) (Representation, bool) {
	if m == nil || q < 0 || q >= len(m.Representations) {
		return Representation{}, false
	}
	return m.Representations[q], true
}

// DVRWindow is the seekable range of a live stream.
type DVRWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Size returns the window length in seconds.
func (w DVRWindow) Size() float64 {
	return w.End - w.Start
}

// FragmentRequest is the scheduler's record of an executed segment request.
type FragmentRequest struct {
	MediaType        Type        `json:"media_type"`
	Type             RequestType `json:"type"`
	URL              string      `json:"url"`
	RepresentationID string      `json:"representation_id"`
	Quality          int         `json:"quality"`
	Index            int         `json:"index"`
	StartTime        float64     `json:"start_time"`
	Duration         float64     `json:"duration"`
}

// Contains reports whether t lies within the request's time span widened by
// threshold on both sides.
func (r *FragmentRequest) Contains(t, threshold float64) bool {
	return t >= r.StartTime-threshold && t < r.StartTime+r.Duration+threshold
}

// Chunk is one appendable unit of media data.
type Chunk struct {
	StreamID         string     `json:"stream_id"`
	MediaInfo        *MediaInfo `json:"-"`
	RepresentationID string     `json:"representation_id"`
	Quality          int        `json:"quality"`
	Index            int        `json:"index"`
	Start            float64    `json:"start"`
	End              float64    `json:"end"`
	Bytes            []byte     `json:"-"`
	IsInit           bool       `json:"is_init"`
}

// MediaType returns the chunk's media type.
func (c *Chunk) MediaType() Type {
	if c == nil || c.MediaInfo == nil {
		return ""
	}
	return c.MediaInfo.Type
}

// Duration returns the media duration covered by the chunk.
func (c *Chunk) Duration() float64 {
	return c.End - c.Start
}

// BufferState is the sufficiency state of one media buffer.
type BufferState string

const (
	BufferEmpty  BufferState = "bufferStalled"
	BufferLoaded BufferState = "bufferLoaded"
)
