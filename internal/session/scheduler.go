package session

import (
	"math"
	"strconv"
	"strings"

	"github.com/zsiec/playcore/internal/buffer"
	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/fetch"
	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/signal"
)

// segmentEpsilon absorbs float error when mapping a time to a segment.
const segmentEpsilon = 1e-6

// track schedules the segments of one media type.
type track struct {
	cfg       config.TrackConfig
	mediaType media.Type
	info      *media.MediaInfo
	buffer    *buffer.Controller

	next       int
	initLoaded bool
	pending    string
	halted     bool
	clearing   bool
	completed  bool
}

func (t *track) segmentAt(time float64) int {
	if math.IsNaN(time) || time <= 0 {
		return 0
	}
	k := int(math.Floor(time/t.cfg.SegmentDuration + segmentEpsilon))
	if t.cfg.SegmentCount > 0 && k >= t.cfg.SegmentCount {
		k = t.cfg.SegmentCount
	}
	return k
}

func (t *track) segmentStart(k int) float64 {
	return float64(k) * t.cfg.SegmentDuration
}

// expandTemplate fills the $Number$, $RepresentationID$ and $Bandwidth$
// identifiers of a segment template.
func expandTemplate(tmpl string, cfg config.TrackConfig, number int) string {
	return strings.NewReplacer(
		"$Number$", strconv.Itoa(number),
		"$RepresentationID$", cfg.RepresentationID,
		"$Bandwidth$", strconv.Itoa(cfg.Bandwidth),
		"$$", "$",
	).Replace(tmpl)
}

func (s *Session) schedule() {
	for _, t := range s.tracks {
		s.scheduleTrack(t)
	}
}

func (s *Session) scheduleTrack(t *track) {
	if t.pending != "" {
		return
	}
	if t.halted && !s.resume(t) {
		return
	}
	if !t.initLoaded {
		if s.loadInit(t); !t.initLoaded {
			return
		}
	}
	if !t.buffer.HasEnoughSpaceToAppend() {
		return
	}

	if t.cfg.SegmentCount > 0 && !s.cfg.Dynamic && t.next >= t.cfg.SegmentCount {
		return
	}

	if s.cfg.Dynamic {
		if window, ok := s.timeline.DVRWindow(); ok && t.segmentStart(t.next+1) <= window.Start {
			t.next = t.segmentAt(window.Start)
		}
	}

	playhead := s.clock.Time()
	if math.IsNaN(playhead) {
		playhead = 0
	}
	if t.segmentStart(t.next)-playhead >= s.settings.StableBufferTime() {
		return
	}

	req := &fetch.Request{
		Type:      media.RequestMediaSegment,
		MediaType: t.mediaType,
		URL:       expandTemplate(t.cfg.MediaURL, t.cfg, t.cfg.StartNumber+t.next),
		Timeout:   s.requestTimeout,
		Fragment: &media.FragmentRequest{
			MediaType:        t.mediaType,
			Type:             media.RequestMediaSegment,
			RepresentationID: t.cfg.RepresentationID,
			Index:            t.next,
			StartTime:        t.segmentStart(t.next),
			Duration:         t.cfg.SegmentDuration,
		},
	}
	req.Fragment.URL = req.URL

	if s.cfg.Dynamic {
		now := s.loop.Now()
		available := s.timeline.SegmentAvailableAt(t.cfg, t.next)
		if wait := available.Sub(now); wait > 0 {
			// Only pace the segment about to be published.
			if wait.Seconds() > t.cfg.SegmentDuration {
				return
			}
			req.DelayUntil = available
		}
	}

	t.next++
	loaded := false
	t.pending = s.engine.Load(req, fetch.Callbacks{
		OnSuccess: func(r *fetch.Request, resp *fetch.Response) {
			loaded = true
			s.onMediaLoaded(t, r, resp)
		},
		OnError: func(r *fetch.Request, err error) { s.onMediaFailed(t, r, err) },
		OnComplete: func(r *fetch.Request) {
			s.clearPending(t, r)
			if loaded {
				s.scheduleTrack(t)
			}
		},
		OnAbort: func(r *fetch.Request) {
			if t.next > r.Fragment.Index {
				t.next = r.Fragment.Index
			}
			s.clearPending(t, r)
		},
		OnTimeout: func(r *fetch.Request) {
			s.logger.WithFields(map[string]interface{}{
				"media_type": string(t.mediaType),
				"url":        r.URL,
			}).Warn("Segment request is slow")
		},
	})
}

func (s *Session) clearPending(t *track, r *fetch.Request) {
	if t.pending == r.ID {
		t.pending = ""
	}
}

func (s *Session) loadInit(t *track) {
	if t.cfg.InitURL == "" {
		t.initLoaded = true
		t.buffer.AppendInit(s.initChunk(t, nil))
		return
	}
	req := &fetch.Request{
		Type:      media.RequestInitSegment,
		MediaType: t.mediaType,
		URL:       expandTemplate(t.cfg.InitURL, t.cfg, t.cfg.StartNumber),
		Timeout:   s.requestTimeout,
	}
	t.pending = s.engine.Load(req, fetch.Callbacks{
		OnSuccess: func(_ *fetch.Request, resp *fetch.Response) {
			t.initLoaded = true
			t.buffer.AppendInit(s.initChunk(t, resp.Body))
		},
		OnError: func(_ *fetch.Request, err error) {
			s.reporter.Report(err)
		},
		OnComplete: func(r *fetch.Request) {
			s.clearPending(t, r)
			if t.initLoaded {
				s.scheduleTrack(t)
			}
		},
		OnAbort: func(r *fetch.Request) { s.clearPending(t, r) },
	})
}

func (s *Session) initChunk(t *track, body []byte) *media.Chunk {
	return &media.Chunk{
		StreamID:         s.timeline.StreamInfo().ID,
		MediaInfo:        t.info,
		RepresentationID: t.cfg.RepresentationID,
		Bytes:            body,
		IsInit:           true,
	}
}

func (s *Session) onMediaLoaded(t *track, r *fetch.Request, resp *fetch.Response) {
	frag := r.Fragment
	s.fragments.Add(frag)
	t.buffer.AppendMedia(&media.Chunk{
		StreamID:         s.timeline.StreamInfo().ID,
		MediaInfo:        t.info,
		RepresentationID: t.cfg.RepresentationID,
		Quality:          frag.Quality,
		Index:            frag.Index,
		Start:            frag.StartTime,
		End:              frag.StartTime + frag.Duration,
		Bytes:            resp.Body,
	})
	s.clock.OnFragmentLoadProgress(frag, false)

	if !s.cfg.Dynamic && t.cfg.SegmentCount > 0 && frag.Index == t.cfg.SegmentCount-1 {
		s.logger.WithField("media_type", string(t.mediaType)).Info("Stream completed")
		t.buffer.OnStreamCompleted(t.cfg.SegmentCount)
	}
}

func (s *Session) onMediaFailed(t *track, r *fetch.Request, err error) {
	// The failed segment is retried on a later scheduler pass.
	if t.next > r.Fragment.Index {
		t.next = r.Fragment.Index
	}
	s.reporter.Report(err)
}

// resync points a track at the first segment missing after time.
func (s *Session) resync(t *track, time float64) {
	if math.IsNaN(time) {
		time = 0
	}
	end := time
	if r, ok := buffer.RangeAt(t.buffer.Ranges(), time, buffer.DefaultRangeTolerance); ok {
		end = r.End
	}
	t.next = t.segmentAt(end)
}

func (s *Session) onSeeking(e signal.SeekEvent) {
	for _, t := range s.tracks {
		if t.pending != "" {
			s.engine.AbortRequest(t.pending)
			t.pending = ""
		}
		t.buffer.SetSeekStartTime(e.Time)
		s.resync(t, e.Time)
	}
	s.schedule()
}

func (s *Session) trackFor(typ media.Type) *track {
	for _, t := range s.tracks {
		if t.mediaType == typ {
			return t
		}
	}
	return nil
}

func (s *Session) onQuotaExceeded(t *track, e signal.QuotaExceeded) {
	s.logger.WithFields(map[string]interface{}{
		"media_type":            string(t.mediaType),
		"critical_buffer_level": e.CriticalBufferLevel,
	}).Warn("Halting segment scheduling")
	t.halted = true
	if t.pending != "" {
		s.engine.AbortRequest(t.pending)
	}
}

func (s *Session) onBufferCleared(t *track, e signal.BufferCleared) {
	s.fragments.RemoveBefore(t.mediaType, e.To)
	t.clearing = false
	if t.halted && e.HasEnoughSpaceToAppend {
		s.scheduleTrack(t)
	}
}

// resume lifts a quota halt once the buffer has room again. Until then it
// keeps asking the buffer to drop data behind the play head.
func (s *Session) resume(t *track) bool {
	if t.buffer.HasEnoughSpaceToAppend() {
		s.logger.WithField("media_type", string(t.mediaType)).Info("Resuming segment scheduling")
		t.halted = false
		s.resync(t, s.clock.Time())
		return true
	}
	if t.clearing {
		return false
	}
	if r, ok := t.buffer.ClearRange(0); ok {
		t.clearing = true
		t.buffer.ClearBuffer(r)
	}
	return false
}

func (s *Session) onInitRequested(e signal.InitRequested) {
	t := s.trackFor(e.MediaType)
	if t == nil || e.RepresentationID != t.cfg.RepresentationID {
		return
	}
	t.initLoaded = false
	if t.pending != "" {
		s.engine.AbortRequest(t.pending)
	}
	s.scheduleTrack(t)
}

func (s *Session) onRefetchRequested(e signal.RefetchRequested) {
	t := s.trackFor(e.MediaType)
	if t == nil {
		return
	}
	for _, chunk := range e.Chunks {
		if chunk.Index < t.next {
			t.next = chunk.Index
		}
	}
	s.logger.WithFields(map[string]interface{}{
		"media_type": string(t.mediaType),
		"from_index": t.next,
	}).Info("Refetching segments")
}

func (s *Session) onBufferingCompleted(t *track) {
	t.completed = true
}

func (s *Session) allCompleted() bool {
	found := false
	for _, t := range s.tracks {
		if !t.mediaType.IsAudioOrVideo() {
			continue
		}
		found = true
		if !t.completed {
			return false
		}
	}
	return found
}
