package taskhawk

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartHeartbeatValidation(t *testing.T) {
	hook := func(ctx context.Context, args HookArgs) error { return nil }
	if _, err := StartHeartbeat(context.Background(), 0, hook, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("StartHeartbeat(0) error = %v, want ErrConfiguration", err)
	}
	if _, err := StartHeartbeat(context.Background(), time.Second, nil, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("StartHeartbeat(nil hook) error = %v, want ErrConfiguration", err)
	}
}

func TestHeartbeatCallsHookPeriodically(t *testing.T) {
	var calls atomic.Int32
	hb, err := StartHeartbeat(context.Background(), 10*time.Millisecond, func(ctx context.Context, args HookArgs) error {
		if args["queue"] != "q" {
			t.Errorf("args[queue] = %v, want q", args["queue"])
		}
		calls.Add(1)
		return nil
	}, HookArgs{"queue": "q"})
	if err != nil {
		t.Fatalf("StartHeartbeat() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hb.Stop()

	if n := calls.Load(); n < 3 {
		t.Errorf("hook called %d times, want at least 3", n)
	}
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != stopped {
		t.Errorf("hook called %d times after Stop, want 0", n-stopped)
	}
}

func TestHeartbeatSurvivesHookFailures(t *testing.T) {
	var calls atomic.Int32
	hb, err := StartHeartbeat(context.Background(), 5*time.Millisecond, func(ctx context.Context, args HookArgs) error {
		if calls.Add(1) == 1 {
			panic("first beat")
		}
		return errors.New("still failing")
	}, nil)
	if err != nil {
		t.Fatalf("StartHeartbeat() error = %v", err)
	}
	defer hb.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := calls.Load(); n < 3 {
		t.Errorf("hook called %d times, want at least 3", n)
	}
}

func TestHeartbeatStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hb, err := StartHeartbeat(ctx, time.Hour, func(ctx context.Context, args HookArgs) error { return nil }, nil)
	if err != nil {
		t.Fatalf("StartHeartbeat() error = %v", err)
	}
	cancel()

	select {
	case <-hb.Done():
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop after context cancellation")
	}
}
