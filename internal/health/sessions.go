package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/session"
)

// DefaultStaleAfter is how old a running session's snapshot may get before
// its event loop is considered wedged.
const DefaultStaleAfter = 5 * time.Second

// SessionLister exposes the snapshots of the sessions a process runs.
type SessionLister interface {
	Snapshots() []session.Snapshot
}

// SessionChecker reports down when a running session stops publishing
// snapshots, and degraded when one is stalled or halted on quota.
type SessionChecker struct {
	sessions   SessionLister
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	details map[string]interface{}
}

// NewSessionChecker creates a checker over sessions.
func NewSessionChecker(sessions SessionLister, staleAfter time.Duration) *SessionChecker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &SessionChecker{
		sessions:   sessions,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Name returns the name of the checker.
func (c *SessionChecker) Name() string {
	return "sessions"
}

// Check inspects the latest snapshot of every session.
func (c *SessionChecker) Check(ctx context.Context) error {
	snaps := c.sessions.Snapshots()
	now := c.now()

	var stale, stalled []string
	states := make(map[string]int)
	for _, snap := range snaps {
		states[snap.State]++
		if !running(snap) {
			continue
		}
		if age := now.Sub(snap.UpdatedAt); age > c.staleAfter {
			stale = append(stale, fmt.Sprintf("%s (%s)", snap.ID, age.Truncate(time.Millisecond)))
			continue
		}
		if !snap.Paused && starved(snap) {
			stalled = append(stalled, snap.ID)
		}
	}
	sort.Strings(stale)
	sort.Strings(stalled)

	c.mu.Lock()
	c.details = map[string]interface{}{
		"sessions": len(snaps),
		"states":   states,
	}
	if len(stalled) > 0 {
		c.details["stalled"] = stalled
	}
	c.mu.Unlock()

	if len(stale) > 0 {
		return fmt.Errorf("sessions not updating: %s", strings.Join(stale, ", "))
	}
	if len(stalled) > 0 {
		return Degraded(fmt.Errorf("sessions stalled: %s", strings.Join(stalled, ", ")))
	}
	return ctx.Err()
}

// Details returns the counters gathered by the last Check.
func (c *SessionChecker) Details() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.details
}

func running(snap session.Snapshot) bool {
	switch snap.State {
	case "idle", "ended":
		return false
	}
	return true
}

func starved(snap session.Snapshot) bool {
	for _, b := range snap.Buffers {
		if !b.MediaType.IsAudioOrVideo() || b.Completed {
			continue
		}
		if b.Halted || b.State == media.BufferEmpty {
			return true
		}
	}
	return false
}
