package taskhawk

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskhawk/internal/metrics"
	"github.com/austindbirch/taskhawk/internal/tracing"
)

// RequeueDeadLetter moves entries from the priority's dead-letter queue back
// to its primary topic, numMessages at a time, until a pull returns nothing.
// An entry that fails to move is logged and left in the dead-letter queue.
func (h *Hub) RequeueDeadLetter(ctx context.Context, priority Priority, numMessages int, visibilityTimeout time.Duration) (err error) {
	ctx, span := tracing.StartSpan(ctx, "requeue_dead_letter", attribute.String("taskhawk.priority", priority.String()))
	defer func() {
		tracing.SetSpanError(ctx, err)
		span.End()
	}()

	if h.provider == nil {
		return configurationErrorf("requeueing requires a provider")
	}
	if numMessages <= 0 {
		numMessages = 1
	}

	consumer, err := h.provider.NewConsumer(ctx, priority, true)
	if err != nil {
		return err
	}
	if c, ok := consumer.(io.Closer); ok {
		defer c.Close()
	}
	requeuer, ok := consumer.(Requeuer)
	if !ok {
		return configurationErrorf("%s does not support requeueing", consumer.Name())
	}

	log := h.logger.Plain().WithQueue(consumer.Name())
	total := 0
	for {
		entries, err := consumer.Pull(ctx, numMessages, visibilityTimeout)
		if err != nil {
			metrics.RecordPullError(consumer.Name())
			return fmt.Errorf("pull from %s: %w", consumer.Name(), err)
		}
		if len(entries) == 0 {
			break
		}

		moved := 0
		for _, entry := range entries {
			if err := requeueEntry(ctx, consumer, requeuer, entry, visibilityTimeout); err != nil {
				log.WithError(err).WithField("message_json", string(entry.Body())).
					Error("Failed to requeue message, leaving it in the dead-letter queue")
				continue
			}
			metrics.RecordRequeued(consumer.Name())
			moved++
		}
		total += moved
		tracing.AddSpanEvent(ctx, "batch_requeued",
			attribute.Int("taskhawk.pulled", len(entries)),
			attribute.Int("taskhawk.requeued", moved),
		)
		log.Infof("Re-queued %d messages", moved)

		// Entries that failed stay hidden until their visibility times out;
		// stop instead of spinning on a batch that cannot move.
		if moved == 0 {
			break
		}
	}

	log.WithField("count", total).Info("Finished requeueing dead-letter queue")
	return nil
}

func requeueEntry(ctx context.Context, consumer ConsumerBackend, requeuer Requeuer, entry QueueEntry, visibilityTimeout time.Duration) error {
	if visibilityTimeout > 0 {
		if err := consumer.ExtendVisibility(ctx, entry, visibilityTimeout); err != nil {
			return fmt.Errorf("extend visibility: %w", err)
		}
	}
	result, err := requeuer.Requeue(ctx, entry)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("confirm publish: %w", err)
	}
	if err := consumer.Ack(ctx, entry); err != nil {
		return fmt.Errorf("delete from dead-letter queue: %w", err)
	}
	return nil
}
