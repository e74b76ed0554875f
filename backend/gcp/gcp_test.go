package gcp

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/logging"
)

type fakePublisher struct {
	mu   sync.Mutex
	reqs []*pubsubpb.PublishRequest
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, req *pubsubpb.PublishRequest, _ ...gax.CallOption) (*pubsubpb.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &pubsubpb.PublishResponse{MessageIds: []string{"ps-1"}}, nil
}

type fakeSubscriber struct {
	mu        sync.Mutex
	pulls     []*pubsubpb.PullRequest
	responses []*pubsubpb.PullResponse
	errs      []error
	acked     []string
	deadlines []int32
}

func (f *fakeSubscriber) Pull(ctx context.Context, req *pubsubpb.PullRequest, _ ...gax.CallOption) (*pubsubpb.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.responses) == 0 {
		return &pubsubpb.PullResponse{}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeSubscriber) Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, _ ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, req.AckIds...)
	return nil
}

func (f *fakeSubscriber) ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, _ ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, req.AckDeadlineSeconds)
	return nil
}

func newTestProvider(pub *fakePublisher, sub *fakeSubscriber) *Provider {
	return newProvider("Dev-App", "my-project", Options{Logger: logging.NewWithWriter("test", io.Discard)}, pub, sub)
}

func received(ackID string, data string) *pubsubpb.ReceivedMessage {
	return &pubsubpb.ReceivedMessage{
		AckId:           ackID,
		DeliveryAttempt: 2,
		Message: &pubsubpb.PubsubMessage{
			Data:        []byte(data),
			Attributes:  map[string]string{"request_id": "r-1"},
			MessageId:   "mid-" + ackID,
			PublishTime: timestamppb.New(time.Date(2016, 4, 17, 4, 44, 13, 0, time.UTC)),
		},
	}
}

func TestNaming(t *testing.T) {
	p := newTestProvider(&fakePublisher{}, &fakeSubscriber{})
	testCases := []struct {
		priority   taskhawk.Priority
		deadLetter bool
		want       string
	}{
		{taskhawk.PriorityDefault, false, "projects/my-project/subscriptions/taskhawk-dev-app"},
		{taskhawk.PriorityHigh, false, "projects/my-project/subscriptions/taskhawk-dev-app-high-priority"},
		{taskhawk.PriorityBulk, true, "projects/my-project/subscriptions/taskhawk-dev-app-bulk-dlq"},
	}
	for _, tc := range testCases {
		c, err := p.NewConsumer(context.Background(), tc.priority, tc.deadLetter)
		if err != nil {
			t.Fatalf("NewConsumer() error = %v", err)
		}
		if got := c.(*Consumer).subscription; got != tc.want {
			t.Errorf("subscription = %q, want %q", got, tc.want)
		}
	}
	if got := p.TopicPath("taskhawk-dev-app-low-priority"); got != "projects/my-project/topics/taskhawk-dev-app-low-priority" {
		t.Errorf("TopicPath() = %q", got)
	}
}

func TestDiscoverProjectPrefersConfigured(t *testing.T) {
	got, err := discoverProject(context.Background(), Options{ProjectID: "explicit"})
	if err != nil || got != "explicit" {
		t.Errorf("discoverProject() = %q, %v; want explicit", got, err)
	}
	if _, err := discoverProject(context.Background(), Options{CredentialsFile: "/nonexistent/creds.json"}); !errors.Is(err, taskhawk.ErrConfiguration) {
		t.Errorf("discoverProject(missing file) error = %v, want ErrConfiguration", err)
	}
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	p := newTestProvider(pub, &fakeSubscriber{})
	backend, _ := p.NewPublisher(context.Background(), taskhawk.PriorityLow)

	result, err := backend.Publish(context.Background(), &taskhawk.Message{}, []byte(`{"id":"m"}`), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id, _ := result.Get(context.Background()); id != "ps-1" {
		t.Errorf("Get() = %q, want ps-1", id)
	}
	req := pub.reqs[0]
	if req.Topic != "projects/my-project/topics/taskhawk-dev-app-low-priority" {
		t.Errorf("Topic = %q", req.Topic)
	}
	if len(req.Messages) != 1 || string(req.Messages[0].Data) != `{"id":"m"}` || req.Messages[0].Attributes["k"] != "v" {
		t.Errorf("Messages = %v", req.Messages)
	}

	pub.err = status.Error(codes.PermissionDenied, "denied")
	if _, err := backend.Publish(context.Background(), &taskhawk.Message{}, []byte(`{}`), nil); status.Code(errors.Unwrap(err)) != codes.PermissionDenied {
		t.Errorf("Publish() error = %v, want PermissionDenied", err)
	}
}

func TestPull(t *testing.T) {
	sub := &fakeSubscriber{responses: []*pubsubpb.PullResponse{{
		ReceivedMessages: []*pubsubpb.ReceivedMessage{received("ack-1", `{"id":"m-1"}`)},
	}}}
	c, _ := newTestProvider(&fakePublisher{}, sub).NewConsumer(context.Background(), taskhawk.PriorityDefault, false)

	entries, err := c.Pull(context.Background(), 5, time.Minute)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Pull() returned %d entries, want 1", len(entries))
	}
	if sub.pulls[0].MaxMessages != 5 || sub.pulls[0].Subscription != "projects/my-project/subscriptions/taskhawk-dev-app" {
		t.Errorf("PullRequest = %v", sub.pulls[0])
	}

	e := entries[0]
	if string(e.Body()) != `{"id":"m-1"}` || e.Attributes()["request_id"] != "r-1" {
		t.Errorf("entry = %s %v", e.Body(), e.Attributes())
	}
	meta := e.ProviderMetadata().(Metadata)
	wantPublished := time.Date(2016, 4, 17, 4, 44, 13, 0, time.UTC)
	if meta.AckID != "ack-1" || meta.DeliveryAttempt != 2 || !meta.PublishTime.Equal(wantPublished) {
		t.Errorf("ProviderMetadata() = %+v", meta)
	}
	if c.Name() != "taskhawk-dev-app" {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestPullErrorClassification(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		wantErr        bool
		wantErrorCount int
	}{
		{name: "deadline exceeded", err: status.Error(codes.DeadlineExceeded, "timeout")},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), wantErrorCount: 1},
		{name: "other", err: status.Error(codes.NotFound, "no subscription"), wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubscriber{errs: []error{tc.err}}
			c, _ := newTestProvider(&fakePublisher{}, sub).NewConsumer(context.Background(), taskhawk.PriorityDefault, false)
			entries, err := c.Pull(context.Background(), 1, 0)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Pull() error = %v, wantErr %v", err, tc.wantErr)
			}
			if len(entries) != 0 {
				t.Errorf("Pull() returned %d entries, want 0", len(entries))
			}
			if got := c.(*Consumer).ErrorCount(); got != tc.wantErrorCount {
				t.Errorf("ErrorCount() = %d, want %d", got, tc.wantErrorCount)
			}
		})
	}
}

func TestErrorCountResetsOnSuccess(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "down")
	sub := &fakeSubscriber{errs: []error{unavailable, unavailable, nil}}
	c, _ := newTestProvider(&fakePublisher{}, sub).NewConsumer(context.Background(), taskhawk.PriorityDefault, false)
	consumer := c.(*Consumer)

	for i := 0; i < 2; i++ {
		_, _ = c.Pull(context.Background(), 1, 0)
	}
	if consumer.ErrorCount() != 2 {
		t.Fatalf("ErrorCount() = %d, want 2", consumer.ErrorCount())
	}
	if _, err := c.Pull(context.Background(), 1, 0); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if consumer.ErrorCount() != 0 {
		t.Errorf("ErrorCount() after success = %d, want 0", consumer.ErrorCount())
	}
}

func TestSettlement(t *testing.T) {
	sub := &fakeSubscriber{}
	c, _ := newTestProvider(&fakePublisher{}, sub).NewConsumer(context.Background(), taskhawk.PriorityDefault, false)
	entry := &Entry{msg: received("ack-7", `{}`)}
	ctx := context.Background()

	if err := c.ExtendVisibility(ctx, entry, 90*time.Second); err != nil {
		t.Fatalf("ExtendVisibility() error = %v", err)
	}
	for _, d := range []time.Duration{-time.Second, 601 * time.Second} {
		if err := c.ExtendVisibility(ctx, entry, d); !errors.Is(err, taskhawk.ErrValidation) {
			t.Errorf("ExtendVisibility(%s) error = %v, want ErrValidation", d, err)
		}
	}
	if err := c.Nack(ctx, entry); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	if err := c.Ack(ctx, entry); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if !reflect.DeepEqual(sub.deadlines, []int32{90}) {
		t.Errorf("ack deadlines = %v, want [90]", sub.deadlines)
	}
	if !reflect.DeepEqual(sub.acked, []string{"ack-7"}) {
		t.Errorf("acked = %v, want [ack-7]", sub.acked)
	}
}

func TestRequeue(t *testing.T) {
	pub := &fakePublisher{}
	p := newTestProvider(pub, &fakeSubscriber{})
	dlq, _ := p.NewConsumer(context.Background(), taskhawk.PriorityHigh, true)

	result, err := dlq.(taskhawk.Requeuer).Requeue(context.Background(), &Entry{msg: received("a", `{"id":"m"}`)})
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if id, _ := result.Get(context.Background()); id != "ps-1" {
		t.Errorf("Get() = %q", id)
	}
	req := pub.reqs[0]
	if req.Topic != "projects/my-project/topics/taskhawk-dev-app-high-priority" {
		t.Errorf("Topic = %q", req.Topic)
	}
	if req.Messages[0].Attributes["request_id"] != "r-1" {
		t.Errorf("attributes = %v", req.Messages[0].Attributes)
	}

	primary, _ := p.NewConsumer(context.Background(), taskhawk.PriorityHigh, false)
	if _, err := primary.(taskhawk.Requeuer).Requeue(context.Background(), &Entry{msg: received("a", `{}`)}); !errors.Is(err, taskhawk.ErrConfiguration) {
		t.Errorf("Requeue() on primary error = %v, want ErrConfiguration", err)
	}
}

func TestHookArgs(t *testing.T) {
	c, _ := newTestProvider(&fakePublisher{}, &fakeSubscriber{}).NewConsumer(context.Background(), taskhawk.PriorityDefault, false)
	m := received("a", `{}`)
	if got := c.PostProcessHookArgs(&Entry{msg: m})["google_pubsub_message"]; got != m {
		t.Errorf("PostProcessHookArgs()[google_pubsub_message] = %v, want the received message", got)
	}
	args := c.(*Consumer).HeartbeatHookArgs()
	if args["subscription"] != "projects/my-project/subscriptions/taskhawk-dev-app" || args["error_count"] != 0 {
		t.Errorf("HeartbeatHookArgs() = %v", args)
	}
}
