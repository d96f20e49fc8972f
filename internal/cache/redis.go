package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tullo/simulcast/internal/models"
)

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewFromClient(client), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Pub/Sub

// SessionChannel is the pub/sub channel carrying events of one session.
func SessionChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("broadcast:session:%s", sessionID.String())
}

// PublishComments publishes newly stored comments to the session channel
func (r *RedisClient) PublishComments(ctx context.Context, event models.CommentsEvent) error {
	return r.publish(ctx, event.SessionID, models.WSMessage{
		Event:   models.EventCommentsNew,
		Payload: event,
	})
}

// PublishSessionEnded tells subscribers that the session has ended
func (r *RedisClient) PublishSessionEnded(ctx context.Context, sessionID uuid.UUID) error {
	return r.publish(ctx, sessionID, models.WSMessage{
		Event:   models.EventSessionEnded,
		Payload: models.SessionEndedEvent{SessionID: sessionID},
	})
}

func (r *RedisClient) publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, SessionChannel(sessionID), data).Err()
}

// SubscribeToSession subscribes to the events of one session. The caller
// closes the subscription.
func (r *RedisClient) SubscribeToSession(ctx context.Context, sessionID uuid.UUID) *redis.PubSub {
	return r.client.Subscribe(ctx, SessionChannel(sessionID))
}

// AllowAction implements a Redis-backed token-bucket limiter per key.
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) AllowAction(ctx context.Context, key string, rate int, burst int) (bool, error) {
	key = "rl:" + key
	// Lua script: manage tokens and last timestamp
	script := `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
local new_tokens = math.min(burst, tokens + (delta * rate / 1000))
local allowed = 0
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	allowed = 1
end
redis.call('HSET', key, 'tokens', new_tokens, 'last', now)
redis.call('PEXPIRE', key, 60000)
return allowed
`

	now := time.Now().UnixMilli()
	res, err := r.client.Eval(ctx, script, []string{key}, rate, burst, now).Result()
	if err != nil {
		return false, err
	}
	// Eval returns int64 (1 or 0)
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	default:
		return false, fmt.Errorf("unexpected result from rate limiter: %T %v", res, res)
	}
}
