package taskhawk

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/internal/metrics"
)

// Heartbeat calls a liveness hook at a fixed interval until stopped.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHeartbeat calls hook once immediately and then every interval until
// ctx is cancelled or Stop is called. Hook failures are logged and do not
// stop the heartbeat.
func StartHeartbeat(ctx context.Context, interval time.Duration, hook Hook, args HookArgs) (*Heartbeat, error) {
	if interval <= 0 {
		return nil, configurationErrorf("heartbeat interval must be positive, got %s", interval)
	}
	if hook == nil {
		return nil, configurationErrorf("heartbeat hook is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			beat(ctx, hook, args)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return hb, nil
}

func beat(ctx context.Context, hook Hook, args HookArgs) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("heartbeat hook: %w", &PanicError{Value: r})
			}
		}()
		return hook(ctx, args)
	}()
	if err != nil {
		metrics.RecordHookFailure("heartbeat")
		logging.WithContext(ctx).WithError(err).Error("Exception in heartbeat hook")
		return
	}
	metrics.RecordHeartbeat()
}

// Stop cancels the heartbeat and waits for the current hook call to return.
func (hb *Heartbeat) Stop() {
	hb.cancel()
	<-hb.done
}

// Done is closed once the heartbeat goroutine has exited.
func (hb *Heartbeat) Done() <-chan struct{} {
	return hb.done
}
