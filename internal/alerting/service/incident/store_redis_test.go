package incident

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMirror(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	store := NewRedisMirror(NewMemoryStore(), rdb, time.Minute)
	in := &Incident{
		ID:        NewID(time.Now()),
		Title:     "mirror",
		Severity:  SeverityHigh,
		Status:    StatusOpen,
		Component: "cache",
		StartTime: time.Now(),
	}
	defer rdb.Del(ctx, redisIncidentKey(in.ID))
	require.NoError(t, store.Create(ctx, in))

	snap, err := store.Snapshot(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Title, snap.Title)

	open, err := store.OpenIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, open, in.ID)

	in.Status = StatusResolved
	require.NoError(t, store.Update(ctx, in))
	open, err = store.OpenIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, open, in.ID)
	isResolved, err := rdb.SIsMember(ctx, redisIndexResolved, in.ID).Result()
	require.NoError(t, err)
	assert.True(t, isResolved)

	_, err = store.Snapshot(ctx, "INC-MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisMirror_OpenIDsPrunesExpired(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	store := NewRedisMirror(NewMemoryStore(), rdb, time.Minute)
	in := &Incident{
		ID:        NewID(time.Now()),
		Title:     "expiring",
		Severity:  SeverityMedium,
		Status:    StatusOpen,
		Component: "api",
		StartTime: time.Now(),
	}
	require.NoError(t, store.Create(ctx, in))
	// the incident key expires while the index entries remain
	require.NoError(t, rdb.Del(ctx, redisIncidentKey(in.ID)).Err())

	open, err := store.OpenIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, open, in.ID)

	indexed, err := rdb.SIsMember(ctx, redisIndexOpen, in.ID).Result()
	require.NoError(t, err)
	assert.False(t, indexed)
	indexed, err = rdb.SIsMember(ctx, redisSeverityIndex(SeverityMedium), in.ID).Result()
	require.NoError(t, err)
	assert.False(t, indexed)
}
