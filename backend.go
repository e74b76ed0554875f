package taskhawk

import (
	"context"
	"time"
)

// HookArgs carries provider-specific values to hooks, e.g. the raw queue
// entry under "sqs_queue_message" or "google_pubsub_message".
type HookArgs map[string]any

// Hook is a pre-process, post-process or heartbeat callback.
type Hook func(ctx context.Context, args HookArgs) error

// PublishResult resolves to the provider message id. Providers that publish
// asynchronously block in Get until the broker confirms.
type PublishResult interface {
	Get(ctx context.Context) (string, error)
}

// PublishedID is an already confirmed PublishResult.
type PublishedID string

func (id PublishedID) Get(ctx context.Context) (string, error) {
	return string(id), nil
}

// PublisherBackend sends serialized messages to one priority's topic.
// attributes holds the message headers plus trace propagation headers.
type PublisherBackend interface {
	Publish(ctx context.Context, msg *Message, payload []byte, attributes map[string]string) (PublishResult, error)
}

// QueueEntry is a provider-native entry as pulled from a queue.
type QueueEntry interface {
	Body() []byte
	Attributes() map[string]string
	// ProviderMetadata is exposed to tasks as Metadata.ProviderMetadata.
	ProviderMetadata() any
}

// ConsumerBackend pulls and settles entries on one priority's queue.
type ConsumerBackend interface {
	// Name identifies the queue in logs, metrics and retry state keys.
	Name() string
	Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]QueueEntry, error)
	Ack(ctx context.Context, entry QueueEntry) error
	// Nack makes the entry available for redelivery. Providers without an
	// explicit nack rely on the visibility timeout and return nil.
	Nack(ctx context.Context, entry QueueEntry) error
	ExtendVisibility(ctx context.Context, entry QueueEntry, d time.Duration) error
	PreProcessHookArgs(entry QueueEntry) HookArgs
	PostProcessHookArgs(entry QueueEntry) HookArgs
}

// DeadLetterer is implemented by consumers on brokers without native
// max-receive redrive. The Hub uses it together with a retry state store.
type DeadLetterer interface {
	// DeadLetter publishes the entry body and attributes to the
	// dead-letter queue. The caller acks the original.
	DeadLetter(ctx context.Context, entry QueueEntry) error
}

// Requeuer is implemented by dead-letter consumers that can move an entry
// back to its primary topic.
type Requeuer interface {
	Requeue(ctx context.Context, entry QueueEntry) (PublishResult, error)
}

// Deferrer is implemented by consumers that can schedule redelivery after a
// delay without holding the entry in flight. The Hub prefers it over
// ExtendVisibility for delayed retries.
type Deferrer interface {
	Defer(ctx context.Context, entry QueueEntry, d time.Duration) error
}

// HookArgsKeyer is implemented by providers to name the key their consumers
// pass the queue entry under in pre and post process hook args. Sync mode
// passes its stand-in entry under the same key.
type HookArgsKeyer interface {
	HookArgsKey() string
}

// HeartbeatArgser supplies arguments for the heartbeat hook.
type HeartbeatArgser interface {
	HeartbeatHookArgs() HookArgs
}

// Provider builds backends for a broker. deadLetter selects the
// dead-letter queue of the priority.
type Provider interface {
	NewPublisher(ctx context.Context, priority Priority) (PublisherBackend, error)
	NewConsumer(ctx context.Context, priority Priority, deadLetter bool) (ConsumerBackend, error)
}
