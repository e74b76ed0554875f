// Package retrystate counts deliveries per (queue, message id) so that
// consumers on brokers without native redrive can divert poison messages to
// a dead-letter queue.
package retrystate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxRetriesExceeded is returned by Increment once a message has been
// delivered max-tries times. The counter is dropped when it is returned.
var ErrMaxRetriesExceeded = errors.New("retrystate: max retries exceeded")

// Store is a per-message delivery counter.
//
// Shared implementations are not exact under concurrency: two consumers
// incrementing the same message at once may let it through one extra time.
// Task functions must be idempotent regardless.
type Store interface {
	Increment(ctx context.Context, messageID, queue string) error
}

// checkLimits rejects settings under which a counter could never reach
// maxTries. A zero ttl expires counters as soon as they are written.
func checkLimits(maxTries int, ttl time.Duration) error {
	if maxTries <= 0 {
		return fmt.Errorf("retrystate: max tries must be positive, got %d", maxTries)
	}
	if ttl <= 0 {
		return fmt.Errorf("retrystate: ttl must be positive, got %s", ttl)
	}
	return nil
}

func key(queue, messageID string) string {
	return "taskhawk:retry:" + queue + ":" + messageID
}
