package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/session"
)

type staticLister []session.Snapshot

func (l staticLister) Snapshots() []session.Snapshot { return l }

var checkNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func snapshotAt(id, state string, age time.Duration, buffers ...session.BufferSnapshot) session.Snapshot {
	return session.Snapshot{
		ID:        id,
		State:     state,
		Buffers:   buffers,
		UpdatedAt: checkNow.Add(-age),
	}
}

func newSessionChecker(snaps ...session.Snapshot) *SessionChecker {
	c := NewSessionChecker(staticLister(snaps), 0)
	c.now = func() time.Time { return checkNow }
	return c
}

func TestSessionChecker_Healthy(t *testing.T) {
	c := newSessionChecker(
		snapshotAt("a", "playing", time.Second, session.BufferSnapshot{MediaType: media.Video, State: media.BufferLoaded}),
		// Finished sessions stop refreshing and are ignored.
		snapshotAt("b", "ended", time.Hour),
		snapshotAt("c", "idle", time.Hour),
	)
	assert.Equal(t, "sessions", c.Name())
	require.NoError(t, c.Check(context.Background()))

	details := c.Details()
	assert.Equal(t, 3, details["sessions"])
	assert.Equal(t, map[string]int{"playing": 1, "ended": 1, "idle": 1}, details["states"])
	assert.NotContains(t, details, "stalled")
}

func TestSessionChecker_Stale(t *testing.T) {
	c := newSessionChecker(
		snapshotAt("a", "playing", time.Second),
		snapshotAt("b", "catching_up", 6*time.Second),
	)
	err := c.Check(context.Background())
	require.Error(t, err)
	assert.False(t, IsDegraded(err))
	assert.Equal(t, "sessions not updating: b (6s)", err.Error())
}

func TestSessionChecker_Stalled(t *testing.T) {
	c := newSessionChecker(
		snapshotAt("halted", "playing", 0,
			session.BufferSnapshot{MediaType: media.Video, State: media.BufferLoaded, Halted: true}),
		snapshotAt("empty", "seeking", 0,
			session.BufferSnapshot{MediaType: media.Audio, State: media.BufferEmpty}),
		snapshotAt("done", "playing", 0,
			session.BufferSnapshot{MediaType: media.Video, State: media.BufferEmpty, Completed: true}),
		snapshotAt("text", "playing", 0,
			session.BufferSnapshot{MediaType: media.Text, State: media.BufferEmpty}),
	)
	err := c.Check(context.Background())
	require.Error(t, err)
	assert.True(t, IsDegraded(err))
	assert.Equal(t, "sessions stalled: empty, halted", err.Error())
	assert.Equal(t, []string{"empty", "halted"}, c.Details()["stalled"])
}

func TestSessionChecker_PausedIsNotStalled(t *testing.T) {
	snap := snapshotAt("a", "playing", 0, session.BufferSnapshot{MediaType: media.Video, State: media.BufferEmpty})
	snap.Paused = true
	c := newSessionChecker(snap)
	assert.NoError(t, c.Check(context.Background()))
}
