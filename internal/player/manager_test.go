package player

import (
	"context"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/fetch"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/registry"
)

var epoch = time.Unix(1_700_000_000, 0)

type fixedTransport struct {
	mu   sync.Mutex
	urls []string
}

func (f *fixedTransport) Load(_ context.Context, req *fetch.Request, _ func(fetch.Progress), done func(*fetch.Response, error)) {
	f.mu.Lock()
	f.urls = append(f.urls, req.URL)
	f.mu.Unlock()
	done(&fetch.Response{StatusCode: http.StatusOK, Body: make([]byte, 64), ContentLength: 64, URL: req.URL}, nil)
}

type recordingPublisher struct {
	added   []string
	removed []string
}

func (p *recordingPublisher) Add(src registry.Source) { p.added = append(p.added, src.ID()) }

func (p *recordingPublisher) Remove(_ context.Context, id string) error {
	p.removed = append(p.removed, id)
	return nil
}

func vodConfig(id string) config.SessionConfig {
	return config.SessionConfig{
		ID: id,
		Tracks: []config.TrackConfig{{
			Type:             "video",
			RepresentationID: "v1",
			InitURL:          "/" + id + "/init.mp4",
			MediaURL:         "/" + id + "/$Number$.m4s",
			SegmentDuration:  2,
			StartNumber:      1,
			SegmentCount:     5,
		}},
	}
}

func newTestManager(t *testing.T) (*Manager, *loop.Manual) {
	t.Helper()
	l := loop.NewManual(epoch)
	m := NewManager(Config{
		Loop:      l,
		Settings:  config.NewSettings(config.Default().Streaming),
		Transport: &fixedTransport{},
	})
	return m, l
}

func requireAppError(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := errors.GetAppError(err)
	require.True(t, ok, "expected an AppError, got %v", err)
	assert.Equal(t, status, appErr.HTTPStatus)
}

func TestManager_AddAndLookup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, vodConfig("b")))
	require.NoError(t, m.Add(ctx, vodConfig("a")))
	assert.Equal(t, 2, m.Len())

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, "b", snaps[1].ID)

	snap, ok := m.Lookup("a")
	require.True(t, ok)
	assert.True(t, snap.Paused)
	assert.InDelta(t, 10.0, snap.Duration, 1e-9)

	_, ok = m.Lookup("missing")
	assert.False(t, ok)

	requireAppError(t, m.Add(ctx, vodConfig("a")), http.StatusConflict)

	invalid := vodConfig("bad")
	invalid.Tracks[0].MediaURL = "/bad/segment.m4s"
	requireAppError(t, m.Add(ctx, invalid), http.StatusBadRequest)
	assert.Equal(t, 2, m.Len())
}

func TestManager_Control(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, vodConfig("vod")))

	snap, err := m.Control(ctx, "vod", Command{Action: ActionPlay})
	require.NoError(t, err)
	assert.False(t, snap.Paused)

	l.Advance(time.Second)
	snap, err = m.Control(ctx, "vod", Command{Action: ActionPause})
	require.NoError(t, err)
	assert.True(t, snap.Paused)

	snap, err = m.Control(ctx, "vod", Command{Action: ActionSeek, Time: 6})
	require.NoError(t, err)
	assert.InDelta(t, 6.0, snap.Time, 1e-9)

	_, err = m.Control(ctx, "vod", Command{Action: ActionSeek, Time: math.NaN()})
	requireAppError(t, err, http.StatusBadRequest)

	_, err = m.Control(ctx, "vod", Command{Action: ActionLive})
	requireAppError(t, err, http.StatusBadRequest)

	_, err = m.Control(ctx, "vod", Command{Action: "rewind"})
	requireAppError(t, err, http.StatusBadRequest)
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = m.Control(ctx, "missing", Command{Action: ActionPlay})
	requireAppError(t, err, http.StatusNotFound)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_SinkUsage(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, vodConfig("vod")))
	l.Advance(500 * time.Millisecond)

	usage, ok := m.SinkUsage("vod")
	require.True(t, ok)
	assert.Positive(t, usage["video"])

	_, ok = m.SinkUsage("missing")
	assert.False(t, ok)
}

func TestManager_PublisherAndRemove(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, vodConfig("a")))

	pub := &recordingPublisher{}
	m.SetPublisher(pub)
	assert.Equal(t, []string{"a"}, pub.added)

	require.NoError(t, m.Add(ctx, vodConfig("b")))
	assert.Equal(t, []string{"a", "b"}, pub.added)

	require.NoError(t, m.Remove(ctx, "a"))
	assert.Equal(t, []string{"a"}, pub.removed)
	assert.Equal(t, 1, m.Len())

	requireAppError(t, m.Remove(ctx, "a"), http.StatusNotFound)
}

func TestManager_StopAll(t *testing.T) {
	m, l := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, vodConfig("a")))
	_, err := m.Control(ctx, "a", Command{Action: ActionPlay})
	require.NoError(t, err)
	l.Advance(time.Second)

	require.NoError(t, m.StopAll(ctx))
	snap, ok := m.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "idle", snap.State)
	assert.Zero(t, l.PendingTimers())
}
