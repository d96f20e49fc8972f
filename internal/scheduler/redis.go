package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultRedisKey = "broadcast:poll:schedule"
	defaultInterval = 500 * time.Millisecond
	claimBatch      = 100
)

// Redis keeps pending runs in a sorted set scored by due time in unix
// milliseconds. Every replica may run the dispatcher; a run is claimed by the
// replica whose ZREM removes the member.
type Redis struct {
	client   *redis.Client
	clock    clockwork.Clock
	logger   *zap.Logger
	key      string
	interval time.Duration
}

func NewRedis(client *redis.Client, clock clockwork.Clock, logger *zap.Logger) *Redis {
	return &Redis{
		client:   client,
		clock:    clock,
		logger:   logger,
		key:      DefaultRedisKey,
		interval: defaultInterval,
	}
}

func (r *Redis) Schedule(ctx context.Context, key string, at time.Time) error {
	return r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(at.UnixMilli()), Member: key}).Err()
}

func (r *Redis) Ensure(ctx context.Context, key string, at time.Time) error {
	return r.client.ZAddNX(ctx, r.key, redis.Z{Score: float64(at.UnixMilli()), Member: key}).Err()
}

func (r *Redis) Cancel(ctx context.Context, key string) error {
	return r.client.ZRem(ctx, r.key, key).Err()
}

func (r *Redis) Run(ctx context.Context, h Handler) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			keys, err := r.claimDue(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("failed to claim due tasks", zap.Error(err))
			}
			for _, key := range keys {
				wg.Add(1)
				go func(key string) {
					defer wg.Done()
					h(ctx, key)
				}(key)
			}
		}
	}
}

// claimDue returns the due members this replica removed from the set.
func (r *Redis) claimDue(ctx context.Context) ([]string, error) {
	due, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(r.clock.Now().UnixMilli(), 10),
		Count: claimBatch,
	}).Result()
	if err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(due))
	for _, key := range due {
		n, err := r.client.ZRem(ctx, r.key, key).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, key)
		}
	}
	return claimed, nil
}
