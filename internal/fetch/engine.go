package fetch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/metrics"
)

// contentLengthTolerance is the share by which a body may differ from its
// declared length.
const contentLengthTolerance = 0.25

// Transport executes one attempt of a request. Implementations may call
// progress and done from any goroutine; done must be called exactly once
// unless ctx is cancelled first, in which case calling it is optional.
type Transport interface {
	Load(ctx context.Context, req *Request, progress func(Progress), done func(*Response, error))
}

// Config holds the collaborators of an Engine.
type Config struct {
	Loop      loop.Loop
	Transport Transport
	Settings  *config.Settings
	Logger    logger.Logger
	// Jitter feeds exponential backoff; nil uses math/rand.
	Jitter func() float64
}

type taskState int

const (
	stateDelayed taskState = iota
	stateInFlight
	stateRetrying
)

type task struct {
	req      *Request
	cb       Callbacks
	strategy Strategy
	state    taskState
	timer    loop.Timer
	timeout  loop.Timer
	cancel   context.CancelFunc
	// attempt guards transport callbacks of earlier attempts
	attempt  int
	lastFail error
}

// Pending counts requests per state.
type Pending struct {
	Delayed  int `json:"delayed"`
	InFlight int `json:"in_flight"`
	Retrying int `json:"retrying"`
}

// Total returns the number of unfinished requests.
func (p Pending) Total() int {
	return p.Delayed + p.InFlight + p.Retrying
}

// Stats are cumulative request outcomes.
type Stats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Aborted   int `json:"aborted"`
}

// Engine runs requests to completion. It must only be used from the event
// loop.
type Engine struct {
	loop      loop.Loop
	transport Transport
	settings  *config.Settings
	logger    logger.Logger
	sampled   *logger.SampledLogger
	jitter    func() float64

	tasks map[string]*task
	stats Stats
}

// NewEngine creates an idle engine.
func NewEngine(cfg Config) *Engine {
	log := logger.ForComponent(cfg.Logger, "fetch_engine", "")
	return &Engine{
		loop:      cfg.Loop,
		transport: cfg.Transport,
		settings:  cfg.Settings,
		logger:    log,
		sampled:   logger.NewPlayerLogger(log),
		jitter:    cfg.Jitter,
		tasks:     make(map[string]*task),
	}
}

// Load schedules req and returns its identifier. Requests with a DelayUntil
// in the future are held back until that time.
func (e *Engine) Load(req *Request, cb Callbacks) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.WithCredentials = req.WithCredentials || e.settings.WithCredentialsFor(req.Type)
	req.BytesTotal = -1

	t := &task{
		req:      req,
		cb:       cb,
		strategy: StrategyFor(e.settings, req.Type, e.jitter),
	}
	e.tasks[req.ID] = t

	if wait := req.DelayUntil.Sub(e.loop.Now()); !req.DelayUntil.IsZero() && wait > 0 {
		t.state = stateDelayed
		e.logger.WithFields(map[string]interface{}{
			"request_id": req.ID,
			"url":        req.URL,
			"delay":      wait.String(),
		}).Debug("Delaying request")
		t.timer = e.loop.AfterFunc(wait, func() {
			t.timer = nil
			e.dispatch(t)
		})
		return req.ID
	}

	e.dispatch(t)
	return req.ID
}

func (e *Engine) dispatch(t *task) {
	if e.tasks[t.req.ID] != t {
		return
	}
	req := t.req
	t.state = stateInFlight
	t.attempt++
	attempt := t.attempt

	req.Dispatches++
	req.RequestStart = e.loop.Now()
	req.FirstByte = time.Time{}
	req.RequestEnd = time.Time{}
	req.BytesLoaded = 0
	req.Traces = nil

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	if req.Timeout > 0 {
		t.timeout = e.loop.AfterFunc(req.Timeout, func() {
			t.timeout = nil
			if !e.current(t, attempt) {
				return
			}
			e.logger.WithFields(map[string]interface{}{
				"request_id": req.ID,
				"url":        req.URL,
				"timeout":    req.Timeout.String(),
			}).Warn("Request timed out")
			if t.cb.OnTimeout != nil {
				t.cb.OnTimeout(req)
			}
		})
	}

	e.logger.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"type":       string(req.Type),
		"url":        req.URL,
		"attempt":    req.Dispatches,
	}).Debug("Dispatching request")

	e.transport.Load(ctx, req,
		func(p Progress) {
			e.loop.Post(func() { e.onProgress(t, attempt, p) })
		},
		func(resp *Response, err error) {
			e.loop.Post(func() { e.onDone(t, attempt, resp, err) })
		},
	)
}

// current reports whether t is still in flight with the given attempt.
func (e *Engine) current(t *task, attempt int) bool {
	return e.tasks[t.req.ID] == t && t.state == stateInFlight && t.attempt == attempt
}

func (e *Engine) onProgress(t *task, attempt int, p Progress) {
	if !e.current(t, attempt) {
		return
	}
	req := t.req
	now := e.loop.Now()
	if req.FirstByte.IsZero() {
		req.FirstByte = now
	}

	start := req.RequestStart
	if n := len(req.Traces); n > 0 {
		last := req.Traces[n-1]
		start = last.Start.Add(last.Duration)
	}
	req.Traces = append(req.Traces, Trace{
		Start:    start,
		Duration: now.Sub(start),
		Bytes:    p.Loaded - req.BytesLoaded,
	})
	req.BytesLoaded = p.Loaded
	req.BytesTotal = p.Total

	e.sampled.Debug(logger.CategoryFetchProgress, "Request progress", map[string]interface{}{
		"request_id": req.ID,
		"loaded":     p.Loaded,
		"total":      p.Total,
	})
	if t.cb.OnProgress != nil {
		t.cb.OnProgress(req, p)
	}
}

func (e *Engine) onDone(t *task, attempt int, resp *Response, err error) {
	if !e.current(t, attempt) {
		return
	}
	t.cancel()
	if t.timeout != nil {
		t.timeout.Stop()
		t.timeout = nil
	}

	req := t.req
	req.RequestEnd = e.loop.Now()
	duration := req.RequestEnd.Sub(req.RequestStart).Seconds()

	if err == nil {
		err = validate(req, resp)
	}
	if err == nil {
		req.BytesLoaded = int64(len(resp.Body))
		if req.FirstByte.IsZero() {
			req.FirstByte = req.RequestEnd
		}
		delete(e.tasks, req.ID)
		e.stats.Succeeded++
		metrics.RecordFetch(string(req.Type), "success", duration, len(resp.Body))
		if t.cb.OnSuccess != nil {
			t.cb.OnSuccess(req, resp)
		}
		if t.cb.OnComplete != nil {
			t.cb.OnComplete(req)
		}
		return
	}

	t.lastFail = err
	metrics.RecordFetch(string(req.Type), "failure", duration, 0)

	delay, retry := t.strategy.NextDelay()
	if retry {
		t.state = stateRetrying
		e.stats.Retried++
		metrics.IncrementFetchRetry(string(req.Type))
		e.sampled.Debug(logger.CategoryRetry, "Retrying request", map[string]interface{}{
			"request_id": req.ID,
			"url":        req.URL,
			"error":      err.Error(),
			"remaining":  t.strategy.Remaining(),
			"retry_in":   delay.String(),
		})
		t.timer = e.loop.AfterFunc(delay, func() {
			t.timer = nil
			e.dispatch(t)
		})
		return
	}

	delete(e.tasks, req.ID)
	e.stats.Failed++
	code := errors.DownloadCodeFor(req.Type)
	if _, mismatch := err.(*ContentLengthError); mismatch {
		code = errors.CodeContentLengthMismatch
	}
	metrics.IncrementDownloadError(code)

	details := map[string]interface{}{
		"request_id": req.ID,
		"type":       string(req.Type),
		"media_type": string(req.MediaType),
		"attempts":   req.Dispatches,
	}
	if resp != nil {
		details["status"] = resp.StatusCode
	}
	appErr := errors.NewDownloadError(code, req.URL, details)
	appErr.Err = err

	e.logger.WithError(err).WithFields(details).Error("Request failed, retry budget exhausted")
	if t.cb.OnError != nil {
		t.cb.OnError(req, appErr)
	}
	if t.cb.OnComplete != nil {
		t.cb.OnComplete(req)
	}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// ContentLengthError reports a body whose size is off from the declared
// length by more than the tolerance.
type ContentLengthError struct {
	Declared int64
	Received int64
}

func (e *ContentLengthError) Error() string {
	return fmt.Sprintf("content length mismatch: declared %d, received %d", e.Declared, e.Received)
}

func validate(req *Request, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("no response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	received := int64(len(resp.Body))
	if req.CheckExistenceOnly || resp.ContentLength <= 0 || received == 0 {
		return nil
	}
	diff := math.Abs(float64(received - resp.ContentLength))
	if diff > float64(resp.ContentLength)*contentLengthTolerance {
		return &ContentLengthError{Declared: resp.ContentLength, Received: received}
	}
	return nil
}

// Abort cancels every unfinished request. Only OnAbort callbacks fire.
func (e *Engine) Abort() {
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.AbortRequest(id)
	}
}

// AbortRequest cancels one request. It reports whether the request was still
// pending.
func (e *Engine) AbortRequest(id string) bool {
	t, ok := e.tasks[id]
	if !ok {
		return false
	}
	delete(e.tasks, id)
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.timeout != nil {
		t.timeout.Stop()
		t.timeout = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	e.stats.Aborted++
	e.logger.WithFields(map[string]interface{}{
		"request_id": id,
		"url":        t.req.URL,
	}).Debug("Request aborted")
	if t.cb.OnAbort != nil {
		t.cb.OnAbort(t.req)
	}
	return true
}

// Pending returns the number of requests per state.
func (e *Engine) Pending() Pending {
	var p Pending
	for _, t := range e.tasks {
		switch t.state {
		case stateDelayed:
			p.Delayed++
		case stateInFlight:
			p.InFlight++
		case stateRetrying:
			p.Retrying++
		}
	}
	return p
}

// Stats returns cumulative outcome counters.
func (e *Engine) Stats() Stats {
	return e.stats
}
