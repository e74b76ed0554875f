// Package gcp is the taskhawk provider for Google Cloud Pub/Sub. Each
// priority has a topic "taskhawk-<queue><suffix>" with a subscription of the
// same name; Pub/Sub dead-letter policies forward to "<name>-dlq".
package gcp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	pubsub "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/logging"
)

const hookArgsKey = "google_pubsub_message"

const (
	// DefaultPullTimeout bounds a single synchronous pull.
	DefaultPullTimeout = 30 * time.Second
	// MaxAckDeadline is the Pub/Sub limit for ModifyAckDeadline.
	MaxAckDeadline = 600 * time.Second

	pubsubScope = "https://www.googleapis.com/auth/pubsub"
)

type Options struct {
	// ProjectID is discovered from the credentials when empty.
	ProjectID       string
	CredentialsFile string
	// Endpoint overrides the service endpoint, e.g. an emulator address.
	Endpoint    string
	PullTimeout time.Duration
	Logger      *logging.Logger
}

// Metadata is the provider metadata of a received Pub/Sub message.
type Metadata struct {
	AckID       string
	PublishTime time.Time
	// DeliveryAttempt is 1 on first delivery; it is only populated when
	// the subscription has a dead-letter policy.
	DeliveryAttempt int
}

type publisherAPI interface {
	Publish(ctx context.Context, req *pubsubpb.PublishRequest, opts ...gax.CallOption) (*pubsubpb.PublishResponse, error)
}

type subscriberAPI interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
	ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...gax.CallOption) error
}

// Provider builds Pub/Sub publishers and subscribers for one application
// queue. It owns the underlying clients.
type Provider struct {
	queue       string
	project     string
	pullTimeout time.Duration
	publisher   publisherAPI
	subscriber  subscriberAPI
	logger      *logging.Logger
	closers     []func() error
}

var _ taskhawk.Provider = (*Provider)(nil)

func NewProvider(ctx context.Context, queue string, opts Options) (*Provider, error) {
	project, err := discoverProject(ctx, opts)
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	pub, err := pubsub.NewPublisherClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher client: %w", err)
	}
	sub, err := pubsub.NewSubscriberClient(ctx, clientOpts...)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("pubsub subscriber client: %w", err)
	}

	p := newProvider(queue, project, opts, pub, sub)
	p.closers = []func() error{pub.Close, sub.Close}
	return p, nil
}

func newProvider(queue, project string, opts Options, pub publisherAPI, sub subscriberAPI) *Provider {
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = DefaultPullTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Provider{
		queue:       queue,
		project:     project,
		pullTimeout: opts.PullTimeout,
		publisher:   pub,
		subscriber:  sub,
		logger:      opts.Logger,
	}
}

// discoverProject prefers the configured project, then the project of the
// credentials file or the application default credentials.
func discoverProject(ctx context.Context, opts Options) (string, error) {
	if opts.ProjectID != "" {
		return opts.ProjectID, nil
	}
	var (
		creds *google.Credentials
		err   error
	)
	if opts.CredentialsFile != "" {
		data, readErr := os.ReadFile(opts.CredentialsFile)
		if readErr != nil {
			return "", fmt.Errorf("%w: read credentials: %w", taskhawk.ErrConfiguration, readErr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, pubsubScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, pubsubScope)
	}
	if err != nil {
		return "", fmt.Errorf("%w: find google credentials: %w", taskhawk.ErrConfiguration, err)
	}
	if creds.ProjectID == "" {
		return "", fmt.Errorf("%w: couldn't discover google cloud project", taskhawk.ErrConfiguration)
	}
	return creds.ProjectID, nil
}

// Close releases the clients created by NewProvider.
func (p *Provider) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TopicPath is "projects/<project>/topics/<name>".
// HookArgsKey is the hook args key of the Pub/Sub message.
func (p *Provider) HookArgsKey() string { return hookArgsKey }

func (p *Provider) TopicPath(name string) string {
	return fmt.Sprintf("projects/%s/topics/%s", p.project, name)
}

// SubscriptionPath is "projects/<project>/subscriptions/<name>".
func (p *Provider) SubscriptionPath(name string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", p.project, name)
}

func (p *Provider) NewPublisher(ctx context.Context, priority taskhawk.Priority) (taskhawk.PublisherBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	return &Publisher{client: p.publisher, topic: p.TopicPath(taskhawk.TopicName(p.queue, priority))}, nil
}

func (p *Provider) NewConsumer(ctx context.Context, priority taskhawk.Priority, deadLetter bool) (taskhawk.ConsumerBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	name := taskhawk.TopicName(p.queue, priority)
	c := &Consumer{
		subscriber:   p.subscriber,
		publisher:    p.publisher,
		subscription: p.SubscriptionPath(name),
		pullTimeout:  p.pullTimeout,
		logger:       p.logger,
	}
	if deadLetter {
		c.subscription = p.SubscriptionPath(taskhawk.DeadLetterName(name))
		c.primaryTopic = p.TopicPath(name)
	}
	return c, nil
}

// Publisher publishes to one topic.
type Publisher struct {
	client publisherAPI
	topic  string
}

func (p *Publisher) Publish(ctx context.Context, msg *taskhawk.Message, payload []byte, attributes map[string]string) (taskhawk.PublishResult, error) {
	return publish(ctx, p.client, p.topic, payload, attributes)
}

func publish(ctx context.Context, client publisherAPI, topic string, data []byte, attributes map[string]string) (taskhawk.PublishResult, error) {
	resp, err := client.Publish(ctx, &pubsubpb.PublishRequest{
		Topic:    topic,
		Messages: []*pubsubpb.PubsubMessage{{Data: data, Attributes: attributes}},
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publish to %s: %w", topic, err)
	}
	if len(resp.MessageIds) == 0 {
		return nil, fmt.Errorf("pubsub publish to %s: no message id returned", topic)
	}
	return taskhawk.PublishedID(resp.MessageIds[0]), nil
}

// Entry is a received Pub/Sub message.
type Entry struct {
	msg *pubsubpb.ReceivedMessage
}

func (e *Entry) Body() []byte { return e.msg.GetMessage().GetData() }

func (e *Entry) Attributes() map[string]string {
	if attrs := e.msg.GetMessage().GetAttributes(); attrs != nil {
		return attrs
	}
	return map[string]string{}
}

func (e *Entry) ProviderMetadata() any {
	meta := Metadata{
		AckID:           e.msg.GetAckId(),
		DeliveryAttempt: int(e.msg.GetDeliveryAttempt()),
	}
	if ts := e.msg.GetMessage().GetPublishTime(); ts != nil {
		meta.PublishTime = ts.AsTime()
	}
	return meta
}

// Message returns the raw received message.
func (e *Entry) Message() *pubsubpb.ReceivedMessage { return e.msg }

// Consumer pulls synchronously from one subscription.
type Consumer struct {
	subscriber   subscriberAPI
	publisher    publisherAPI
	subscription string
	// primaryTopic is set on dead-letter consumers.
	primaryTopic string
	pullTimeout  time.Duration
	logger       *logging.Logger

	errorCount atomic.Int64
}

var (
	_ taskhawk.ConsumerBackend = (*Consumer)(nil)
	_ taskhawk.Requeuer        = (*Consumer)(nil)
	_ taskhawk.HeartbeatArgser = (*Consumer)(nil)
)

// Name is the subscription id, without the project prefix.
func (c *Consumer) Name() string {
	return c.subscription[strings.LastIndex(c.subscription, "/")+1:]
}

// ErrorCount is the number of consecutive pulls that failed because the
// service was unavailable. A successful pull resets it.
func (c *Consumer) ErrorCount() int {
	return int(c.errorCount.Load())
}

// Pull returns no entries, rather than an error, when the pull times out or
// the service is unavailable.
func (c *Consumer) Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]taskhawk.QueueEntry, error) {
	if max <= 0 {
		max = 1
	}
	pullCtx, cancel := context.WithTimeout(ctx, c.pullTimeout)
	defer cancel()

	resp, err := c.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: c.subscription,
		MaxMessages:  int32(max),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			c.logger.WithContext(ctx).WithQueue(c.Name()).Debug("Pulling deadline exceeded")
			return nil, nil
		case codes.Unavailable:
			c.errorCount.Add(1)
			c.logger.WithContext(ctx).WithQueue(c.Name()).WithError(err).Debug("Service unavailable while pulling")
			return nil, nil
		}
		return nil, fmt.Errorf("pull from %s: %w", c.subscription, err)
	}
	c.errorCount.Store(0)

	entries := make([]taskhawk.QueueEntry, len(resp.ReceivedMessages))
	for i, m := range resp.ReceivedMessages {
		entries[i] = &Entry{msg: m}
	}
	return entries, nil
}

func (c *Consumer) Ack(ctx context.Context, entry taskhawk.QueueEntry) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	return c.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: c.subscription,
		AckIds:       []string{e.msg.GetAckId()},
	})
}

// Nack leaves the message to be redelivered after its ack deadline, subject
// to the subscription's retry policy.
func (c *Consumer) Nack(ctx context.Context, entry taskhawk.QueueEntry) error {
	return nil
}

// ExtendVisibility sets the ack deadline to d from now. Pub/Sub accepts
// 0 to 600 seconds.
func (c *Consumer) ExtendVisibility(ctx context.Context, entry taskhawk.QueueEntry, d time.Duration) error {
	if d < 0 || d > MaxAckDeadline {
		return fmt.Errorf("%w: invalid ack deadline %s", taskhawk.ErrValidation, d)
	}
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	return c.subscriber.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       c.subscription,
		AckIds:             []string{e.msg.GetAckId()},
		AckDeadlineSeconds: int32(d / time.Second),
	})
}

// Requeue publishes a dead-letter message to the primary topic with its
// attributes.
func (c *Consumer) Requeue(ctx context.Context, entry taskhawk.QueueEntry) (taskhawk.PublishResult, error) {
	if c.primaryTopic == "" {
		return nil, fmt.Errorf("%w: %s is not a dead-letter subscription", taskhawk.ErrConfiguration, c.Name())
	}
	e, err := c.own(entry)
	if err != nil {
		return nil, err
	}
	return publish(ctx, c.publisher, c.primaryTopic, e.msg.GetMessage().GetData(), e.msg.GetMessage().GetAttributes())
}

func (c *Consumer) PreProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: receivedMessage(entry)}
}

func (c *Consumer) PostProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: receivedMessage(entry)}
}

func (c *Consumer) HeartbeatHookArgs() taskhawk.HookArgs {
	return taskhawk.HookArgs{"subscription": c.subscription, "error_count": c.ErrorCount()}
}

func (c *Consumer) own(entry taskhawk.QueueEntry) (*Entry, error) {
	e, ok := entry.(*Entry)
	if !ok {
		return nil, fmt.Errorf("pubsub: foreign queue entry %T", entry)
	}
	return e, nil
}

func receivedMessage(entry taskhawk.QueueEntry) any {
	if e, ok := entry.(*Entry); ok {
		return e.msg
	}
	return entry
}
