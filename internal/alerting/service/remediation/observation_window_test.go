package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisObservationWindowManager(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379", // requires a local Redis
	})
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	manager := NewRedisObservationWindowManager(rdb)

	t.Run("StartObservation", func(t *testing.T) {
		defer manager.CancelObservation(ctx, "test-cache")

		err := manager.StartObservation(ctx, "Test-Cache", "INC-1", 5*time.Minute)
		require.NoError(t, err)

		window, err := manager.CheckObservation(ctx, "test-cache")
		require.NoError(t, err)
		require.NotNil(t, window)
		assert.Equal(t, "test-cache", window.Component)
		assert.Equal(t, "INC-1", window.IncidentID)
		assert.True(t, window.IsActive)
	})

	t.Run("CheckObservation_NotFound", func(t *testing.T) {
		window, err := manager.CheckObservation(ctx, "non-existent-component")
		require.NoError(t, err)
		assert.Nil(t, window)
	})

	t.Run("CancelObservation", func(t *testing.T) {
		require.NoError(t, manager.StartObservation(ctx, "test-api", "INC-2", 5*time.Minute))
		require.NoError(t, manager.CancelObservation(ctx, "test-api"))

		window, err := manager.CheckObservation(ctx, "test-api")
		require.NoError(t, err)
		assert.Nil(t, window)
	})

	t.Run("ExpiredWindow", func(t *testing.T) {
		require.NoError(t, manager.StartObservation(ctx, "test-db", "INC-3", time.Minute))
		manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { manager.now = time.Now }()

		window, err := manager.CheckObservation(ctx, "test-db")
		require.NoError(t, err)
		assert.Nil(t, window)
	})
}

func TestMemoryObservationWindowManager(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	manager := NewMemoryObservationWindowManager(func() time.Time { return now })

	require.NoError(t, manager.StartObservation(ctx, "Cache", "INC-1", 30*time.Minute))

	window, err := manager.CheckObservation(ctx, "cache")
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Equal(t, now.Add(30*time.Minute), window.EndTime)

	now = now.Add(31 * time.Minute)
	window, err = manager.CheckObservation(ctx, "cache")
	require.NoError(t, err)
	assert.Nil(t, window)

	require.NoError(t, manager.StartObservation(ctx, "cache", "INC-2", time.Minute))
	require.NoError(t, manager.CancelObservation(ctx, "CACHE"))
	window, err = manager.CheckObservation(ctx, "cache")
	require.NoError(t, err)
	assert.Nil(t, window)
}
