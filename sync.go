package taskhawk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// syncEntry is an in-process queue entry used in sync mode.
type syncEntry struct {
	body       []byte
	attributes map[string]string
}

func (e *syncEntry) Body() []byte                  { return e.body }
func (e *syncEntry) Attributes() map[string]string { return e.attributes }
func (e *syncEntry) ProviderMetadata() any         { return nil }

// syncHookArgsKey is used when the provider does not name its own key.
const syncHookArgsKey = "sync_message"

// syncConsumer settles entries in-process. It has no dead-letter queue, so
// retry state is never consulted in sync mode.
type syncConsumer struct {
	hookArgsKey string
}

func newSyncConsumer(provider Provider) syncConsumer {
	if k, ok := provider.(HookArgsKeyer); ok && k.HookArgsKey() != "" {
		return syncConsumer{hookArgsKey: k.HookArgsKey()}
	}
	return syncConsumer{hookArgsKey: syncHookArgsKey}
}

func (syncConsumer) Name() string { return "sync" }

func (syncConsumer) Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]QueueEntry, error) {
	return nil, nil
}

func (syncConsumer) Ack(ctx context.Context, entry QueueEntry) error  { return nil }
func (syncConsumer) Nack(ctx context.Context, entry QueueEntry) error { return nil }

func (syncConsumer) ExtendVisibility(ctx context.Context, entry QueueEntry, d time.Duration) error {
	return nil
}

func (c syncConsumer) PreProcessHookArgs(entry QueueEntry) HookArgs {
	return HookArgs{c.hookArgsKey: entry}
}

func (c syncConsumer) PostProcessHookArgs(entry QueueEntry) HookArgs {
	return HookArgs{c.hookArgsKey: entry}
}

var errNotAcknowledged = errors.New("taskhawk: message was not acknowledged")

// dispatchSync round-trips msg through the wire format and runs the full
// consumer pipeline on the calling goroutine. Task failures are returned to
// the dispatcher.
func (h *Hub) dispatchSync(ctx context.Context, msg *Message) (PublishResult, error) {
	if err := msg.Validate(h.registry); err != nil {
		return nil, err
	}
	payload, err := msg.MarshalJSON()
	if err != nil {
		return nil, err
	}
	entry := &syncEntry{body: payload, attributes: copyHeaders(msg.Headers())}

	action, err := h.processEntry(ctx, newSyncConsumer(h.provider), entry)
	if action != ActionAck {
		if err == nil {
			err = errNotAcknowledged
		}
		return nil, fmt.Errorf("run %s synchronously (%s): %w", msg.TaskName(), action, err)
	}
	return PublishedID(uuid.NewString()), nil
}
