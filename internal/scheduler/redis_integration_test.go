//go:build integration

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_ClaimsDueRunsOnce(t *testing.T) {
	client := newRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	a := NewRedis(client, clock, zap.NewNop())
	b := NewRedis(client, clock, zap.NewNop())

	fired := make(chan string, 16)
	handler := func(_ context.Context, key string) { fired <- key }
	go func() { _ = a.Run(ctx, handler) }()
	go func() { _ = b.Run(ctx, handler) }()

	require.NoError(t, a.Schedule(ctx, "s1", clock.Now()))
	require.NoError(t, a.Schedule(ctx, "s2", clock.Now().Add(time.Hour)))

	select {
	case key := <-fired:
		assert.Equal(t, "s1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("s1 never ran")
	}

	select {
	case key := <-fired:
		t.Fatalf("unexpected second run of %q", key)
	case <-time.After(1500 * time.Millisecond):
	}

	n, err := client.ZCard(ctx, DefaultRedisKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedis_EnsureAndCancel(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	r := NewRedis(client, clockwork.NewRealClock(), zap.NewNop())

	at := time.Now().Add(time.Minute)
	require.NoError(t, r.Schedule(ctx, "s1", at))
	require.NoError(t, r.Ensure(ctx, "s1", at.Add(time.Hour)))

	score, err := client.ZScore(ctx, DefaultRedisKey, "s1").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(at.UnixMilli()), score)

	require.NoError(t, r.Cancel(ctx, "s1"))
	_, err = client.ZScore(ctx, DefaultRedisKey, "s1").Result()
	assert.ErrorIs(t, err, goredis.Nil)
}
