package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/edushare/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached resource metadata (5 minutes)
	CacheTTL = 5 * time.Minute
)

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient caches resource metadata and hands out assembly locks
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func resourceKey(id string) string {
	return fmt.Sprintf("resource:%s", id)
}

// GetResource retrieves resource metadata from cache; a miss returns nil, nil
func (rc *RedisClient) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	ctx, span := tracer.Start(ctx, "redis.get_resource",
		trace.WithAttributes(attribute.String("resource_id", id)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, resourceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var res models.Resource
	if err := json.Unmarshal(data, &res); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &res, nil
}

// SetResource stores resource metadata in cache
func (rc *RedisClient) SetResource(ctx context.Context, res *models.Resource) error {
	ctx, span := tracer.Start(ctx, "redis.set_resource",
		trace.WithAttributes(
			attribute.String("resource_id", res.ID),
			attribute.String("display_name", res.DisplayName),
		),
	)
	defer span.End()

	data, err := json.Marshal(res)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal resource: %w", err)
	}

	if err := rc.client.Set(ctx, resourceKey(res.ID), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_set_success", true),
		attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())),
	)
	return nil
}

// InvalidateResource removes resource metadata from cache
func (rc *RedisClient) InvalidateResource(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_resource",
		trace.WithAttributes(attribute.String("resource_id", id)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, resourceKey(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_invalidate_success", true))
	return nil
}

// TryLock takes key for ttl if nobody holds it. The returned unlock only
// releases the lock while it is still ours.
func (rc *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.try_lock",
		trace.WithAttributes(
			attribute.String("lock_key", key),
			attribute.Int64("ttl_ms", ttl.Milliseconds()),
		),
	)
	defer span.End()

	lockKey := "lock:" + key
	token := uuid.NewString()
	ok, err := rc.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	span.SetAttributes(attribute.Bool("acquired", ok))
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, rc.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
	return unlock, true, nil
}
