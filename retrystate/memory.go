package retrystate

import (
	"context"
	"sync"
)

// Memory is a process-local Store without expiry. It is only suitable for a
// single consumer process and for tests.
type Memory struct {
	mu       sync.Mutex
	counts   map[string]int
	maxTries int
}

func NewMemory(maxTries int) *Memory {
	return &Memory{counts: make(map[string]int), maxTries: maxTries}
}

func (m *Memory) Increment(ctx context.Context, messageID, queue string) error {
	k := key(queue, messageID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[k]++
	if m.counts[k] >= m.maxTries {
		delete(m.counts, k)
		return ErrMaxRetriesExceeded
	}
	return nil
}

// Count returns the current counter for a message.
func (m *Memory) Count(messageID, queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key(queue, messageID)]
}
