package retrystate

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemory_Increment(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(3)

	for i := 1; i <= 2; i++ {
		if err := s.Increment(ctx, "msg-1", "q"); err != nil {
			t.Fatalf("Increment() #%d error = %v, want nil", i, err)
		}
	}
	if got := s.Count("msg-1", "q"); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if err := s.Increment(ctx, "msg-1", "q"); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("Increment() #3 error = %v, want ErrMaxRetriesExceeded", err)
	}
	if got := s.Count("msg-1", "q"); got != 0 {
		t.Errorf("Count() after exceeding = %d, want 0", got)
	}

	// A fresh id starts over.
	if err := s.Increment(ctx, "msg-2", "q"); err != nil {
		t.Errorf("Increment() on fresh id error = %v, want nil", err)
	}
}

func TestMemory_KeyedByQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(2)

	if err := s.Increment(ctx, "msg-1", "q1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Increment(ctx, "msg-1", "q2"); err != nil {
		t.Errorf("Increment() on another queue error = %v, want nil", err)
	}
	if err := s.Increment(ctx, "msg-1", "q1"); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Increment() error = %v, want ErrMaxRetriesExceeded", err)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Increment(ctx, "msg", "q")
		}()
	}
	wg.Wait()

	if got := s.Count("msg", "q"); got != 50 {
		t.Errorf("Count() = %d, want 50", got)
	}
}
