package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/playcore/internal/media"
	"github.com/zsiec/playcore/internal/session"
)

func testSnapshot(id, state string) session.Snapshot {
	return session.Snapshot{
		ID:           id,
		Dynamic:      true,
		State:        state,
		Time:         22.5,
		PlaybackRate: 1,
		LiveLatency:  8.25,
		LiveDelay:    8,
		Buffers: []session.BufferSnapshot{{
			MediaType: media.Video,
			Level:     7.5,
			State:     media.BufferLoaded,
			Ranges:    media.Ranges{{Start: 22, End: 30}},
		}},
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisRegistry) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	return mr, client, NewRedisRegistry(client, logger, "playcore", 30*time.Second)
}

func TestRedisRegistry_Register(t *testing.T) {
	mr, client, reg := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	entry := NewEntry("host-a", testSnapshot("live", "playing"))
	require.NoError(t, reg.Register(ctx, entry))
	assert.False(t, entry.CreatedAt.IsZero())

	assert.True(t, mr.Exists("playcore:sessions:live"))
	members, err := mr.SMembers("playcore:sessions:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members)
	assert.Equal(t, 30*time.Second, mr.TTL("playcore:sessions:live"))

	// Re-registering from the same instance keeps the creation time.
	created := entry.CreatedAt
	again := NewEntry("host-a", testSnapshot("live", "paused"))
	require.NoError(t, reg.Register(ctx, again))
	assert.Equal(t, created.Unix(), again.CreatedAt.Unix())

	// Another instance cannot take the id over.
	err = reg.Register(ctx, NewEntry("host-b", testSnapshot("live", "playing")))
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRedisRegistry_Get(t *testing.T) {
	_, client, reg := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, NewEntry("host-a", testSnapshot("live", "playing"))))

	got, err := reg.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)
	assert.Equal(t, "host-a", got.Instance)
	assert.Equal(t, StatusPlaying, got.Status)
	assert.Equal(t, "playing", got.Snapshot.State)
	assert.InDelta(t, 8.25, got.Snapshot.LiveLatency, 1e-9)
	require.Len(t, got.Snapshot.Buffers, 1)
	assert.Equal(t, media.Ranges{{Start: 22, End: 30}}, got.Snapshot.Buffers[0].Ranges)

	_, err = reg.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisRegistry_List(t *testing.T) {
	mr, client, reg := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, NewEntry("host-a", testSnapshot("a", "playing"))))
	require.NoError(t, reg.Register(ctx, NewEntry("host-a", testSnapshot("b", "playing"))))

	entries, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Keep "a" alive past the TTL of "b".
	mr.FastForward(20 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "a", testSnapshot("a", "ended")))
	mr.FastForward(15 * time.Second)

	entries, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, StatusEnded, entries[0].Status)

	members, err := mr.SMembers("playcore:sessions:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestRedisRegistry_Heartbeat(t *testing.T) {
	mr, client, reg := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	entry := NewEntry("host-a", testSnapshot("live", "initializing"))
	require.NoError(t, reg.Register(ctx, entry))
	assert.Equal(t, StatusStarting, entry.Status)

	mr.FastForward(10 * time.Second)
	snap := testSnapshot("live", "playing")
	snap.Paused = true
	require.NoError(t, reg.Heartbeat(ctx, "live", snap))

	assert.Equal(t, 30*time.Second, mr.TTL("playcore:sessions:live"))
	got, err := reg.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.True(t, got.Snapshot.Paused)
	assert.Equal(t, entry.CreatedAt.Unix(), got.CreatedAt.Unix())
	assert.False(t, got.LastHeartbeat.Before(got.CreatedAt))

	err = reg.Heartbeat(ctx, "missing", snap)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisRegistry_Unregister(t *testing.T) {
	mr, client, reg := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, NewEntry("host-a", testSnapshot("live", "playing"))))
	require.NoError(t, reg.Unregister(ctx, "live"))

	assert.False(t, mr.Exists("playcore:sessions:live"))
	members, _ := mr.SMembers("playcore:sessions:active")
	assert.Empty(t, members)

	assert.ErrorIs(t, reg.Unregister(ctx, "live"), ErrSessionNotFound)
}

func TestRedisRegistry_RedisDown(t *testing.T) {
	mr, client, reg := setupTestRedis(t)
	defer client.Close()
	mr.Close()

	ctx := context.Background()
	err := reg.Register(ctx, NewEntry("host-a", testSnapshot("live", "playing")))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionExists)

	_, err = reg.List(ctx)
	assert.Error(t, err)
}

func TestNewRedisRegistryDefaults(t *testing.T) {
	reg := NewRedisRegistry(nil, logrus.New(), "", 0)
	assert.Equal(t, "playcore:sessions:", reg.prefix)
	assert.Equal(t, 30*time.Second, reg.ttl)
}
