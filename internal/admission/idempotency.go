package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyTTL = 24 * time.Hour

// IdempotencyCache reserves a tenant-scoped idempotency key against a
// jobId so a retried submission returns the original job instead of
// double-admitting, following the reference workflow store's
// TrySetRunIdempotencyKey/GetRunByIdempotencyKey pattern.
type IdempotencyCache struct {
	client *redis.Client
}

// NewIdempotencyCache connects to the Redis instance at url.
func NewIdempotencyCache(url string) (*IdempotencyCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &IdempotencyCache{client: client}, nil
}

// NewIdempotencyCacheWithClient wraps an existing client, used by tests
// to point the cache at a miniredis instance.
func NewIdempotencyCacheWithClient(client *redis.Client) *IdempotencyCache {
	return &IdempotencyCache{client: client}
}

// Close closes the underlying Redis client.
func (c *IdempotencyCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// TryReserve atomically reserves key for tenantID→jobID. It returns
// (true, jobID, nil) if this call performed the reservation, or
// (false, existingJobID, nil) if key was already reserved by an earlier
// call, in which case existingJobID is the original submission's jobId.
func (c *IdempotencyCache) TryReserve(ctx context.Context, tenantID, key, jobID string) (bool, string, error) {
	if tenantID == "" || key == "" || jobID == "" {
		return false, "", fmt.Errorf("tenantId, key, and jobId are all required")
	}
	redisKey := idempotencyKey(tenantID, key)
	reserved, err := c.client.SetNX(ctx, redisKey, jobID, idempotencyTTL).Result()
	if err != nil {
		return false, "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return true, jobID, nil
	}
	existing, err := c.client.Get(ctx, redisKey).Result()
	if err != nil {
		return false, "", fmt.Errorf("read existing idempotency key: %w", err)
	}
	return false, existing, nil
}

func idempotencyKey(tenantID, key string) string {
	return "reasoning:idempotency:" + tenantID + ":" + key
}
