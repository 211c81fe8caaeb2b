package session

import (
	"github.com/zsiec/playcore/internal/media"
)

// maxExecutedRequests bounds the history kept per media type.
const maxExecutedRequests = 256

// FragmentModel records the media segment requests that completed, so the
// buffer can find the segment under the play head.
type FragmentModel struct {
	executed map[media.Type][]*media.FragmentRequest
}

// NewFragmentModel creates an empty model.
func NewFragmentModel() *FragmentModel {
	return &FragmentModel{executed: make(map[media.Type][]*media.FragmentRequest)}
}

// Add records a completed request.
func (m *FragmentModel) Add(req *media.FragmentRequest) {
	list := append(m.executed[req.MediaType], req)
	if len(list) > maxExecutedRequests {
		list = list[len(list)-maxExecutedRequests:]
	}
	m.executed[req.MediaType] = list
}

// ExecutedRequestAt returns the most recent request of type t covering time,
// or nil.
func (m *FragmentModel) ExecutedRequestAt(t media.Type, time, threshold float64) *media.FragmentRequest {
	list := m.executed[t]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Contains(time, threshold) {
			return list[i]
		}
	}
	return nil
}

// RemoveBefore drops requests of type t that end before time.
func (m *FragmentModel) RemoveBefore(t media.Type, time float64) {
	list := m.executed[t]
	kept := list[:0]
	for _, req := range list {
		if req.StartTime+req.Duration > time {
			kept = append(kept, req)
		}
	}
	m.executed[t] = kept
}

// Len returns the number of requests recorded for t.
func (m *FragmentModel) Len(t media.Type) int {
	return len(m.executed[t])
}

// Reset forgets every request.
func (m *FragmentModel) Reset() {
	m.executed = make(map[media.Type][]*media.FragmentRequest)
}
