package taskhawk

import (
	"context"
	"io"
	"time"
)

// pullErrorBackoff is the pause after a failed pull before the next cycle.
var pullErrorBackoff = time.Second

// ListenRequest controls a consumer loop.
type ListenRequest struct {
	Priority          Priority
	NumMessages       int
	VisibilityTimeout time.Duration
	// LoopCount bounds the number of fetch cycles; 0 runs until ctx is done.
	LoopCount int
	// Concurrency is the number of entries of one batch processed at once.
	Concurrency int
	// HeartbeatInterval starts Config.HeartbeatHook when positive.
	HeartbeatInterval time.Duration
}

// ListenForMessages pulls and processes batches from the priority's queue.
// Shutdown is checked between fetch cycles, never mid-batch, so an in-flight
// batch always completes. It returns nil when ctx is cancelled or the loop
// count is reached.
func (h *Hub) ListenForMessages(ctx context.Context, req ListenRequest) error {
	if h.provider == nil {
		return configurationErrorf("listening requires a provider")
	}
	if !req.Priority.Valid() {
		return configurationErrorf("invalid priority %d", int(req.Priority))
	}
	if req.NumMessages <= 0 {
		req.NumMessages = 1
	}
	if req.Concurrency <= 0 {
		req.Concurrency = 1
	}

	consumer, err := h.provider.NewConsumer(ctx, req.Priority, false)
	if err != nil {
		return err
	}
	if c, ok := consumer.(io.Closer); ok {
		defer c.Close()
	}

	log := h.logger.Plain().WithQueue(consumer.Name())

	if req.HeartbeatInterval > 0 && h.cfg.HeartbeatHook != nil {
		var args HookArgs
		if a, ok := consumer.(HeartbeatArgser); ok {
			args = a.HeartbeatHookArgs()
		}
		hb, err := StartHeartbeat(ctx, req.HeartbeatInterval, h.cfg.HeartbeatHook, args)
		if err != nil {
			return err
		}
		defer hb.Stop()
	}

	log.WithFields(map[string]any{
		"num_messages":       req.NumMessages,
		"visibility_timeout": req.VisibilityTimeout.String(),
		"concurrency":        req.Concurrency,
	}).Info("Listening for messages")

	for cycle := 0; req.LoopCount == 0 || cycle < req.LoopCount; cycle++ {
		if ctx.Err() != nil {
			break
		}
		err := h.fetchAndProcess(ctx, consumer, req.NumMessages, req.VisibilityTimeout, req.Concurrency)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		log.WithError(err).Error("Failed to fetch messages")
		select {
		case <-ctx.Done():
		case <-time.After(pullErrorBackoff):
		}
	}

	log.Info("Stopped listening for messages")
	return nil
}
