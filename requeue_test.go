package taskhawk

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type requeueConsumer struct {
	fakeConsumer
	requeueErr map[string]error
	requeued   []string
}

func (c *requeueConsumer) Requeue(ctx context.Context, entry QueueEntry) (PublishResult, error) {
	body := string(entry.Body())
	if err := c.requeueErr[body]; err != nil {
		return nil, err
	}
	c.requeued = append(c.requeued, body)
	return PublishedID("r-" + body), nil
}

func TestRequeueDeadLetterLeavesFailedEntries(t *testing.T) {
	consumer := &requeueConsumer{requeueErr: map[string]error{"b": errors.New("publish failed")}}
	for _, body := range []string{"a", "b", "c"} {
		consumer.pending = append(consumer.pending, &fakeEntry{body: []byte(body)})
	}
	provider := newRecordingProvider()
	provider.consumer = consumer
	hub := newTestHub(t, Config{}, provider)

	if err := hub.RequeueDeadLetter(context.Background(), PriorityDefault, 2, time.Minute); err != nil {
		t.Fatalf("RequeueDeadLetter() error = %v", err)
	}
	if !reflect.DeepEqual(consumer.requeued, []string{"a", "c"}) {
		t.Errorf("requeued = %v, want [a c]", consumer.requeued)
	}
	// a and c: extend then ack; b: extend only.
	wantOps := []string{"extend:1m0s", "ack", "extend:1m0s", "extend:1m0s", "ack"}
	if ops := consumer.Ops(); !reflect.DeepEqual(ops, wantOps) {
		t.Errorf("consumer ops = %v, want %v", ops, wantOps)
	}
}

func TestRequeueDeadLetterSpan(t *testing.T) {
	exporter := setupTestTracer(t)
	consumer := &requeueConsumer{requeueErr: map[string]error{"b": errors.New("publish failed")}}
	for _, body := range []string{"a", "b"} {
		consumer.pending = append(consumer.pending, &fakeEntry{body: []byte(body)})
	}
	provider := newRecordingProvider()
	provider.consumer = consumer
	hub := newTestHub(t, Config{}, provider)

	if err := hub.RequeueDeadLetter(context.Background(), PriorityHigh, 10, 0); err != nil {
		t.Fatalf("RequeueDeadLetter() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "requeue_dead_letter" {
		t.Fatalf("spans = %v, want one requeue_dead_letter span", spans)
	}
	events := spans[0].Events
	if len(events) != 1 || events[0].Name != "batch_requeued" {
		t.Fatalf("events = %v, want one batch_requeued event", events)
	}
	attrs := map[string]int64{}
	for _, kv := range events[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInt64()
	}
	if attrs["taskhawk.pulled"] != 2 || attrs["taskhawk.requeued"] != 1 {
		t.Errorf("event attributes = %v, want pulled 2 requeued 1", attrs)
	}
}

func TestRequeueDeadLetterRequiresRequeuer(t *testing.T) {
	provider := newRecordingProvider()
	provider.consumer = &fakeConsumer{}
	hub := newTestHub(t, Config{}, provider)
	if err := hub.RequeueDeadLetter(context.Background(), PriorityDefault, 1, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("RequeueDeadLetter() error = %v, want ErrConfiguration", err)
	}
}

func TestRequeueDeadLetterPullError(t *testing.T) {
	provider := newRecordingProvider()
	provider.consumer = &requeueConsumer{fakeConsumer: fakeConsumer{pullErr: errors.New("timeout")}}
	hub := newTestHub(t, Config{}, provider)
	if err := hub.RequeueDeadLetter(context.Background(), PriorityDefault, 1, 0); err == nil {
		t.Error("RequeueDeadLetter() succeeded, want pull error")
	}
}

func TestListenRetriesAfterPullError(t *testing.T) {
	old := pullErrorBackoff
	pullErrorBackoff = time.Millisecond
	t.Cleanup(func() { pullErrorBackoff = old })

	provider := newRecordingProvider()
	provider.consumer = &fakeConsumer{pullErr: errors.New("unavailable")}
	hub := newTestHub(t, Config{}, provider)

	if err := hub.ListenForMessages(context.Background(), ListenRequest{NumMessages: 1, LoopCount: 3}); err != nil {
		t.Errorf("ListenForMessages() error = %v, want nil", err)
	}
}

func TestListenRequiresProvider(t *testing.T) {
	hub := newTestHub(t, Config{Sync: true}, nil)
	if err := hub.ListenForMessages(context.Background(), ListenRequest{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("ListenForMessages() error = %v, want ErrConfiguration", err)
	}
}
