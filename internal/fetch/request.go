// Package fetch implements the fetch engine: it executes segment and manifest
// requests with per-type retry budgets, optional pacing delays and clean
// cancellation, on top of a pluggable transport.
package fetch

import (
	"net/http"
	"time"

	"github.com/zsiec/playcore/internal/media"
)

// Request describes one logical request. The engine fills in the identifier,
// the credentials flag and the timing record.
type Request struct {
	ID        string
	Type      media.RequestType
	MediaType media.Type
	URL       string
	// Range is an optional byte range, e.g. "0-1023".
	Range string
	// CheckExistenceOnly issues a HEAD request.
	CheckExistenceOnly bool
	WithCredentials    bool
	// DelayUntil holds the request back until the given time.
	DelayUntil time.Time
	// Timeout is reported through Callbacks.OnTimeout; it does not fail the
	// request by itself.
	Timeout time.Duration
	// Fragment is the scheduler record this request serves, if any.
	Fragment *media.FragmentRequest

	// Dispatches counts transport attempts.
	Dispatches   int
	RequestStart time.Time
	FirstByte    time.Time
	RequestEnd   time.Time
	BytesLoaded  int64
	BytesTotal   int64
	Traces       []Trace
}

// Method returns the HTTP verb for the request.
func (r *Request) Method() string {
	if r.CheckExistenceOnly {
		return http.MethodHead
	}
	return http.MethodGet
}

// Trace is one throughput sample of the current attempt.
type Trace struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Bytes    int64         `json:"bytes"`
}

// Progress is reported by transports while a body is read.
type Progress struct {
	Loaded int64
	// Total is -1 when unknown.
	Total int64
}

// Response is a completed transport exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// ContentLength is the declared length, -1 when absent.
	ContentLength int64
	URL           string
}

// Callbacks receive the outcome of a request on the event loop. Exactly one
// of OnSuccess, OnError or OnAbort fires per request; OnComplete follows
// OnSuccess and OnError but never OnAbort.
type Callbacks struct {
	OnSuccess  func(req *Request, resp *Response)
	OnError    func(req *Request, err error)
	OnProgress func(req *Request, p Progress)
	OnComplete func(req *Request)
	OnAbort    func(req *Request)
	OnTimeout  func(req *Request)
}
