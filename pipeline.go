package taskhawk

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/internal/metrics"
	"github.com/austindbirch/taskhawk/internal/tracing"
	"github.com/austindbirch/taskhawk/retrystate"
)

// Action is the terminal action taken on a queue entry.
type Action int

const (
	// ActionSkip leaves the entry untouched for redelivery.
	ActionSkip Action = iota
	ActionAck
	ActionNack
	// ActionDefer scheduled redelivery after the retry delay instead of
	// nacking.
	ActionDefer
	// ActionDeadLetter moved the entry to the dead-letter queue and acked
	// the original.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionAck:
		return "ack"
	case ActionNack:
		return "nack"
	case ActionDefer:
		return "defer"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// FetchAndProcessMessages pulls one batch from consumer and processes every
// entry in order. Processing is not interrupted by ctx cancellation once
// the batch has been pulled.
func (h *Hub) FetchAndProcessMessages(ctx context.Context, consumer ConsumerBackend, numMessages int, visibilityTimeout time.Duration) error {
	return h.fetchAndProcess(ctx, consumer, numMessages, visibilityTimeout, 1)
}

func (h *Hub) fetchAndProcess(ctx context.Context, consumer ConsumerBackend, numMessages int, visibilityTimeout time.Duration, concurrency int) error {
	entries, err := consumer.Pull(ctx, numMessages, visibilityTimeout)
	if err != nil {
		metrics.RecordPullError(consumer.Name())
		return fmt.Errorf("pull from %s: %w", consumer.Name(), err)
	}

	batchCtx := context.WithoutCancel(ctx)
	if concurrency <= 1 || len(entries) <= 1 {
		for _, entry := range entries {
			h.ProcessEntry(batchCtx, consumer, entry)
		}
		return nil
	}

	p := pool.New().WithMaxGoroutines(concurrency)
	for _, entry := range entries {
		p.Go(func() {
			h.ProcessEntry(batchCtx, consumer, entry)
		})
	}
	p.Wait()
	return nil
}

// ProcessEntry runs one queue entry through the pipeline:
//
//	pre-process hook -> parse and validate -> task -> post-process hook -> ack
//
// Every failure is contained here and exactly one Action is taken.
func (h *Hub) ProcessEntry(ctx context.Context, consumer ConsumerBackend, entry QueueEntry) Action {
	action, _ := h.processEntry(ctx, consumer, entry)
	return action
}

// processEntry also returns the error behind a non-ack action.
func (h *Hub) processEntry(ctx context.Context, consumer ConsumerBackend, entry QueueEntry) (Action, error) {
	ctx, span := tracing.StartConsumerSpan(ctx, "message_received", entry.Attributes(),
		attribute.String("taskhawk.queue", consumer.Name()),
	)
	defer span.End()

	log := h.logger.WithContext(ctx).WithQueue(consumer.Name())

	if err := h.callHook(ctx, "pre_process", h.cfg.PreProcessHook, consumer.PreProcessHookArgs(entry)); err != nil {
		log.WithError(err).Error("Exception in pre process hook for message")
		tracing.SetSpanError(ctx, err)
		return ActionSkip, err
	}

	msg, err := ParseMessage(entry.Body(), h.registry)
	if err != nil {
		metrics.RecordInvalidMessage()
		log.WithField("message_json", string(entry.Body())).WithError(err).Error("Received invalid message")
		tracing.SetSpanError(ctx, err)
		return h.nack(ctx, consumer, entry, rawMessageID(entry.Body()), log), err
	}
	msg.setProviderMetadata(entry.ProviderMetadata(), func(ctx context.Context, d time.Duration) error {
		return consumer.ExtendVisibility(ctx, entry, d)
	})

	log = log.WithMessageID(msg.ID()).WithTask(msg.TaskName())
	log.WithField("message_body", msg.AsMap()).Debug("Received message")
	tracing.RenameSpan(ctx, msg.TaskName())
	span.SetAttributes(attribute.String("taskhawk.message_id", msg.ID()))

	outcome := h.invoke(ctx, msg)
	switch outcome.Kind {
	case OutcomeIgnored:
		log.WithField("reason", outcome.Err.Error()).Info("Ignoring task")
	case OutcomeRetry:
		if outcome.Delay > 0 {
			log.WithField("delay", outcome.Delay.String()).Infof("Retrying with delay %s", outcome.Delay)
			if err := deferEntry(ctx, consumer, entry, outcome.Delay); err != nil {
				log.WithError(err).Error("Exception while extending visibility timeout")
			}
			return ActionDefer, outcome.Err
		}
		log.Info("Retrying due to exception")
		return h.nack(ctx, consumer, entry, msg.ID(), log), outcome.Err
	case OutcomeFailed:
		tracing.SetSpanError(ctx, outcome.Err)
		var logErr *LoggingError
		switch {
		case errors.As(outcome.Err, &logErr):
			log.WithFields(outcome.Extra).WithError(outcome.Err).Error(logErr.Message)
		case outcome.Stack != nil:
			log.WithError(outcome.Err).WithField("stack", string(outcome.Stack)).Error("Exception while processing message")
		default:
			log.WithError(outcome.Err).Error("Exception while processing message")
		}
		return h.nack(ctx, consumer, entry, msg.ID(), log), outcome.Err
	}

	if err := h.callHook(ctx, "post_process", h.cfg.PostProcessHook, consumer.PostProcessHookArgs(entry)); err != nil {
		log.WithError(err).Error("Exception in post process hook for message")
		tracing.SetSpanError(ctx, err)
		return ActionSkip, err
	}

	if err := consumer.Ack(ctx, entry); err != nil {
		log.WithError(err).Error("Exception while deleting message")
	}
	return ActionAck, nil
}

// invoke runs the task and classifies its result. Panics become failures.
func (h *Hub) invoke(ctx context.Context, msg *Message) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: OutcomeFailed, Err: &PanicError{Value: r}, Stack: debug.Stack()}
		}
		metrics.RecordTask(msg.TaskName(), out.Kind.String(), time.Since(start))
	}()
	return Classify(msg.Task().call(ctx, msg))
}

func (h *Hub) callHook(ctx context.Context, name string, hook Hook, args HookArgs) (err error) {
	if hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s hook: %w", name, &PanicError{Value: r})
		}
		if err != nil {
			metrics.RecordHookFailure(name)
		}
	}()
	return hook(ctx, args)
}

// nack leaves the entry for redelivery, or diverts it to the dead-letter
// queue once the retry state store reports too many deliveries.
func (h *Hub) nack(ctx context.Context, consumer ConsumerBackend, entry QueueEntry, messageID string, log *logging.LogEntry) Action {
	if dl, ok := consumer.(DeadLetterer); ok && h.cfg.RetryStore != nil && messageID != "" {
		err := h.cfg.RetryStore.Increment(ctx, messageID, consumer.Name())
		switch {
		case errors.Is(err, retrystate.ErrMaxRetriesExceeded):
			if dlErr := dl.DeadLetter(ctx, entry); dlErr != nil {
				log.WithError(dlErr).Error("Exception while moving message to dead-letter queue")
				break
			}
			metrics.RecordDeadLettered(consumer.Name())
			log.Warn("Max retries exceeded, moved message to dead-letter queue")
			if ackErr := consumer.Ack(ctx, entry); ackErr != nil {
				log.WithError(ackErr).Error("Exception while deleting message")
			}
			return ActionDeadLetter
		case err != nil:
			log.WithError(err).Warn("Failed to update retry state")
		}
	}

	if err := consumer.Nack(ctx, entry); err != nil {
		log.WithError(err).Error("Exception while nacking message")
	}
	return ActionNack
}

// deferEntry schedules redelivery after d, releasing the entry when the
// consumer supports it and extending its visibility timeout otherwise.
func deferEntry(ctx context.Context, consumer ConsumerBackend, entry QueueEntry, d time.Duration) error {
	if df, ok := consumer.(Deferrer); ok {
		return df.Defer(ctx, entry, d)
	}
	return consumer.ExtendVisibility(ctx, entry, d)
}

// rawMessageID extracts the id of an envelope that failed validation so
// that its deliveries can still be counted.
func rawMessageID(body []byte) string {
	var partial struct {
		ID any `json:"id"`
	}
	if err := decodeJSON(body, &partial); err != nil {
		return ""
	}
	id, _ := partial.ID.(string)
	return id
}
