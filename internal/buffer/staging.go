package buffer

import (
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/media"
)

// StagingSink holds media chunks received before a platform sink exists.
// Init chunks are not stored; they are recovered from the InitCache when the
// staged data is discharged into a real sink.
type StagingSink struct {
	loop   loop.Loop
	chunks []*media.Chunk
}

// NewStagingSink creates an empty staging sink.
func NewStagingSink(l loop.Loop) *StagingSink {
	return &StagingSink{loop: l}
}

func (s *StagingSink) Append(chunk *media.Chunk, done func(error)) {
	if chunk != nil && !chunk.IsInit {
		s.chunks = append(s.chunks, chunk)
	}
	s.complete(done)
}

func (s *StagingSink) Remove(start, end float64, done func(error)) {
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.Start >= start && c.End <= end {
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	s.complete(done)
}

func (s *StagingSink) Ranges() media.Ranges {
	spans := make([]media.TimeRange, 0, len(s.chunks))
	for _, c := range s.chunks {
		spans = append(spans, media.TimeRange{Start: c.Start, End: c.End})
	}
	return media.Merge(spans, media.MergeGap)
}

func (s *StagingSink) Abort() {}

func (s *StagingSink) Reset() {
	s.chunks = nil
}

// Chunks returns the staged chunks in arrival order.
func (s *StagingSink) Chunks() []*media.Chunk {
	out := make([]*media.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *StagingSink) complete(done func(error)) {
	if done == nil {
		return
	}
	s.loop.Post(func() { done(nil) })
}

// DischargePlan is the ordered list of appends that replays staged chunks
// into a real sink.
type DischargePlan struct {
	Appends []*media.Chunk
	// Missing holds media chunks whose init segment is not cached.
	Missing []*media.Chunk
}

// PlanDischarge pairs each staged media chunk with its cached init segment.
// An init chunk is emitted only when it differs from the previous one, so a
// run of chunks from one representation shares a single init append.
func PlanDischarge(chunks []*media.Chunk, lookup func(streamID, representationID string) *media.Chunk) DischargePlan {
	var (
		plan     DischargePlan
		lastInit *media.Chunk
	)
	for _, c := range chunks {
		if c == nil || c.IsInit {
			continue
		}
		init := lookup(c.StreamID, c.RepresentationID)
		if init == nil {
			plan.Missing = append(plan.Missing, c)
			continue
		}
		if init != lastInit {
			plan.Appends = append(plan.Appends, init)
			lastInit = init
		}
		plan.Appends = append(plan.Appends, c)
	}
	return plan
}
