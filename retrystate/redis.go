package retrystate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared by every consumer pointing at the same Redis.
// Counters expire ttl after their last increment.
type Redis struct {
	client   redis.Cmdable
	maxTries int
	ttl      time.Duration
}

func NewRedis(client redis.Cmdable, maxTries int, ttl time.Duration) (*Redis, error) {
	if err := checkLimits(maxTries, ttl); err != nil {
		return nil, err
	}
	return &Redis{client: client, maxTries: maxTries, ttl: ttl}, nil
}

func (r *Redis) Increment(ctx context.Context, messageID, queue string) error {
	k := key(queue, messageID)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retrystate: increment %s: %w", k, err)
	}

	if incr.Val() >= int64(r.maxTries) {
		// Free the key now rather than waiting for the ttl.
		if err := r.client.Del(ctx, k).Err(); err != nil {
			return errors.Join(ErrMaxRetriesExceeded, fmt.Errorf("retrystate: clear %s: %w", k, err))
		}
		return ErrMaxRetriesExceeded
	}
	return nil
}
