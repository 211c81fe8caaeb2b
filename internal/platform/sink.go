// Package platform provides headless implementations of the media sink and
// playback engine contracts, used by the harness and in tests.
package platform

import (
	"fmt"
	"time"

	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
)

// CodeMissingInit is returned when a media chunk arrives before any init
// segment of its representation.
const CodeMissingInit = 9

type storedSpan struct {
	r     media.TimeRange
	bytes float64
}

// MemorySink keeps appended media in memory, accounting bytes against an
// optional quota. It must only be used from the event loop.
type MemorySink struct {
	loop    loop.Loop
	info    *media.MediaInfo
	quota   int
	latency time.Duration

	spans    []storedSpan
	initSeen map[string]bool
	offset   float64
	appends  int
	aborts   int
}

// NewMemorySink creates a sink. A quota of zero disables the limit.
func NewMemorySink(l loop.Loop, info *media.MediaInfo, quotaBytes int, latency time.Duration) *MemorySink {
	return &MemorySink{
		loop:     l,
		info:     info,
		quota:    quotaBytes,
		latency:  latency,
		initSeen: make(map[string]bool),
	}
}

func (s *MemorySink) Append(chunk *media.Chunk, done func(error)) {
	if chunk == nil {
		s.complete(done, fmt.Errorf("nil chunk"))
		return
	}
	if chunk.IsInit {
		s.initSeen[chunk.RepresentationID] = true
		s.appends++
		s.complete(done, nil)
		return
	}
	if !s.initSeen[chunk.RepresentationID] {
		s.complete(done, &media.SinkError{
			Code:    CodeMissingInit,
			Message: "no init segment for representation " + chunk.RepresentationID,
		})
		return
	}

	size := float64(len(chunk.Bytes))
	if s.quota > 0 && s.UsedBytes()+int(size) > s.quota {
		s.complete(done, media.NewQuotaExceededError(
			fmt.Sprintf("append of %d bytes exceeds quota of %d", len(chunk.Bytes), s.quota)))
		return
	}

	r := media.TimeRange{Start: chunk.Start + s.offset, End: chunk.End + s.offset}
	s.cut(r.Start, r.End)
	s.spans = append(s.spans, storedSpan{r: r, bytes: size})
	s.appends++
	s.complete(done, nil)
}

func (s *MemorySink) Remove(start, end float64, done func(error)) {
	if end <= start {
		s.complete(done, fmt.Errorf("invalid removal range [%f, %f)", start, end))
		return
	}
	s.cut(start, end)
	s.complete(done, nil)
}

// cut drops [start, end) from every stored span, shrinking byte counts in
// proportion to the time removed.
func (s *MemorySink) cut(start, end float64) {
	var kept []storedSpan
	for _, span := range s.spans {
		d := span.r.Duration()
		for _, piece := range media.Subtract(span.r, start, end) {
			bytes := 0.0
			if d > 0 {
				bytes = span.bytes * piece.Duration() / d
			}
			kept = append(kept, storedSpan{r: piece, bytes: bytes})
		}
	}
	s.spans = kept
}

func (s *MemorySink) Ranges() media.Ranges {
	spans := make([]media.TimeRange, len(s.spans))
	for i, span := range s.spans {
		spans[i] = span.r
	}
	return media.Merge(spans, media.MergeGap)
}

func (s *MemorySink) Abort() {
	s.aborts++
}

func (s *MemorySink) Reset() {
	s.spans = nil
	s.initSeen = make(map[string]bool)
}

func (s *MemorySink) SetTimestampOffset(offset float64) {
	s.offset = offset
}

// UsedBytes returns the bytes currently held.
func (s *MemorySink) UsedBytes() int {
	total := 0.0
	for _, span := range s.spans {
		total += span.bytes
	}
	return int(total + 0.5)
}

// Appends returns the number of successful appends.
func (s *MemorySink) Appends() int {
	return s.appends
}

// Aborts returns how often Abort was called.
func (s *MemorySink) Aborts() int {
	return s.aborts
}

func (s *MemorySink) complete(done func(error), err error) {
	if done == nil {
		return
	}
	if s.latency > 0 {
		s.loop.AfterFunc(s.latency, func() { done(err) })
		return
	}
	s.loop.Post(func() { done(err) })
}

// MemorySinkFactory creates MemorySinks and remembers them by media type.
type MemorySinkFactory struct {
	Loop          loop.Loop
	QuotaBytes    int
	AppendLatency time.Duration

	sinks map[media.Type]*MemorySink
}

// NewMemorySinkFactory creates a factory.
func NewMemorySinkFactory(l loop.Loop, quotaBytes int, latency time.Duration) *MemorySinkFactory {
	return &MemorySinkFactory{
		Loop:          l,
		QuotaBytes:    quotaBytes,
		AppendLatency: latency,
		sinks:         make(map[media.Type]*MemorySink),
	}
}

func (f *MemorySinkFactory) CreateSink(info *media.MediaInfo) (media.Sink, error) {
	if info == nil {
		return nil, fmt.Errorf("missing media info")
	}
	s := NewMemorySink(f.Loop, info, f.QuotaBytes, f.AppendLatency)
	f.sinks[info.Type] = s
	return s, nil
}

// Sink returns the last sink created for t.
func (f *MemorySinkFactory) Sink(t media.Type) *MemorySink {
	return f.sinks[t]
}
