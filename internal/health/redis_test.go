package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisChecker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisChecker(client)
	assert.Equal(t, "redis", checker.Name())
	assert.NoError(t, checker.Check(context.Background()))

	mr.Close()
	err = checker.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestRedisChecker_WithManager(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	manager := NewManager(testLogger())
	manager.Register(NewRedisChecker(client))
	results := manager.RunChecks(context.Background())

	require.Contains(t, results, "redis")
	assert.Equal(t, StatusOK, results["redis"].Status)
	assert.Equal(t, StatusOK, manager.GetOverallStatus())
}

func TestRedisChecker_Slow(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisChecker(client)
	checker.slowAfter = 0
	err = checker.Check(context.Background())
	require.Error(t, err)
	assert.True(t, IsDegraded(err))
}
