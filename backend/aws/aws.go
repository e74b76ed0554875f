// Package aws is the taskhawk provider for Amazon SNS and SQS. Tasks are
// published to an SNS topic per priority and consumed from the SQS queue
// subscribed to it. SQS redrive policies move poison messages to the
// "-DLQ" queue, so no retry state store is needed.
package aws

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v5"

	"github.com/austindbirch/taskhawk"
)

const hookArgsKey = "sqs_queue_message"

const (
	// WaitTimeSeconds is the SQS long-poll duration.
	WaitTimeSeconds = 20
	// maxReceive is the SQS limit on messages per receive.
	maxReceive = 10
	// maxVisibilityTimeout is the SQS limit of 12 hours.
	maxVisibilityTimeout = 12 * time.Hour
)

type Options struct {
	Region       string
	AccountID    string
	AccessKey    string
	SecretKey    string
	SessionToken string
	SNSEndpoint  string
	SQSEndpoint  string
	// Timeouts apply to SNS publishes only; SQS long polls outlast them.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Metadata is the provider metadata of an SQS message.
type Metadata struct {
	ReceiptHandle string
	MessageID     string
	ReceiveCount  int
	SentAt        time.Time
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Provider builds SNS publishers and SQS consumers for one application queue.
type Provider struct {
	queue     string
	region    string
	accountID string
	sns       snsAPI
	sqs       sqsAPI
	waitTime  int32
}

var _ taskhawk.Provider = (*Provider)(nil)

// NewProvider loads the AWS configuration. Static credentials are used when
// an access key is set, otherwise the default credential chain applies.
func NewProvider(ctx context.Context, queue string, opts Options) (*Provider, error) {
	if opts.Region == "" || opts.AccountID == "" {
		return nil, fmt.Errorf("%w: aws region and account id are required", taskhawk.ErrConfiguration)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	httpClient := awshttp.NewBuildableClient()
	if opts.ConnectTimeout > 0 {
		httpClient = httpClient.WithDialerOptions(func(d *net.Dialer) { d.Timeout = opts.ConnectTimeout })
	}
	if opts.ReadTimeout > 0 {
		httpClient = httpClient.WithTimeout(opts.ConnectTimeout + opts.ReadTimeout)
	}
	snsClient := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.HTTPClient = httpClient
		if opts.SNSEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.SNSEndpoint)
		}
	})
	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if opts.SQSEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.SQSEndpoint)
		}
	})
	return newProvider(queue, opts.Region, opts.AccountID, snsClient, sqsClient), nil
}

func newProvider(queue, region, accountID string, snsClient snsAPI, sqsClient sqsAPI) *Provider {
	return &Provider{
		queue:     queue,
		region:    region,
		accountID: accountID,
		sns:       snsClient,
		sqs:       sqsClient,
		waitTime:  WaitTimeSeconds,
	}
}

// TopicARN is "arn:aws:sns:<region>:<account>:taskhawk-<queue><suffix>".
// HookArgsKey is the hook args key of the SQS message.
func (p *Provider) HookArgsKey() string { return hookArgsKey }

func (p *Provider) TopicARN(priority taskhawk.Priority) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", p.region, p.accountID, taskhawk.TopicName(p.queue, priority))
}

// QueueName is the upper-case "TASKHAWK-<QUEUE><SUFFIX>[-DLQ]".
func QueueName(queue string, priority taskhawk.Priority, deadLetter bool) string {
	name := "TASKHAWK-" + strings.ToUpper(queue) + strings.ToUpper(priority.Suffix())
	if deadLetter {
		name += "-DLQ"
	}
	return name
}

func (p *Provider) NewPublisher(ctx context.Context, priority taskhawk.Priority) (taskhawk.PublisherBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	return &Publisher{client: p.sns, topicARN: p.TopicARN(priority)}, nil
}

func (p *Provider) NewConsumer(ctx context.Context, priority taskhawk.Priority, deadLetter bool) (taskhawk.ConsumerBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	c := &Consumer{
		client:   p.sqs,
		name:     QueueName(p.queue, priority, deadLetter),
		waitTime: p.waitTime,
	}
	if deadLetter {
		c.primary = &Consumer{client: p.sqs, name: QueueName(p.queue, priority, false), waitTime: p.waitTime}
	}
	return c, nil
}

// Publisher publishes to one SNS topic.
type Publisher struct {
	client   snsAPI
	topicARN string
}

// Publish retries up to three times within three seconds.
func (p *Publisher) Publish(ctx context.Context, msg *taskhawk.Message, payload []byte, attributes map[string]string) (taskhawk.PublishResult, error) {
	input := &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: make(map[string]snstypes.MessageAttributeValue, len(attributes)),
	}
	for k, v := range attributes {
		input.MessageAttributes[k] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	out, err := backoff.Retry(ctx, func() (*sns.PublishOutput, error) {
		return p.client.Publish(ctx, input)
	}, backoff.WithMaxTries(3), backoff.WithMaxElapsedTime(3*time.Second))
	if err != nil {
		return nil, fmt.Errorf("sns publish to %s: %w", p.topicARN, err)
	}
	return taskhawk.PublishedID(aws.ToString(out.MessageId)), nil
}

// Entry is a received SQS message.
type Entry struct {
	msg        sqstypes.Message
	attributes map[string]string
}

func newEntry(m sqstypes.Message) *Entry {
	attrs := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	return &Entry{msg: m, attributes: attrs}
}

func (e *Entry) Body() []byte                  { return []byte(aws.ToString(e.msg.Body)) }
func (e *Entry) Attributes() map[string]string { return e.attributes }

func (e *Entry) ProviderMetadata() any {
	meta := Metadata{
		ReceiptHandle: aws.ToString(e.msg.ReceiptHandle),
		MessageID:     aws.ToString(e.msg.MessageId),
	}
	if n, err := strconv.Atoi(e.msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		meta.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(e.msg.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		meta.SentAt = time.UnixMilli(ms).UTC()
	}
	return meta
}

// Message returns the raw SQS message.
func (e *Entry) Message() sqstypes.Message { return e.msg }

// Consumer reads one SQS queue. A dead-letter consumer can requeue to its
// primary queue.
type Consumer struct {
	client   sqsAPI
	name     string
	waitTime int32
	primary  *Consumer

	mu       sync.Mutex
	queueURL string
}

var (
	_ taskhawk.ConsumerBackend = (*Consumer)(nil)
	_ taskhawk.Requeuer        = (*Consumer)(nil)
	_ taskhawk.HeartbeatArgser = (*Consumer)(nil)
)

func (c *Consumer) Name() string { return c.name }

func (c *Consumer) url(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueURL != "" {
		return c.queueURL, nil
	}
	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(c.name)})
	if err != nil {
		return "", fmt.Errorf("get queue url for %s: %w", c.name, err)
	}
	c.queueURL = aws.ToString(out.QueueUrl)
	return c.queueURL, nil
}

// Pull long-polls the queue. SQS returns at most ten messages per call.
func (c *Consumer) Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]taskhawk.QueueEntry, error) {
	url, err := c.url(ctx)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	if max > maxReceive {
		max = maxReceive
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       c.waitTime,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if visibilityTimeout > 0 {
		input.VisibilityTimeout = seconds(visibilityTimeout)
	}
	out, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("receive from %s: %w", c.name, err)
	}
	entries := make([]taskhawk.QueueEntry, len(out.Messages))
	for i, m := range out.Messages {
		entries[i] = newEntry(m)
	}
	return entries, nil
}

func (c *Consumer) Ack(ctx context.Context, entry taskhawk.QueueEntry) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	url, err := c.url(ctx)
	if err != nil {
		return err
	}
	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: e.msg.ReceiptHandle,
	})
	return err
}

// Nack leaves the message to reappear when its visibility timeout lapses.
func (c *Consumer) Nack(ctx context.Context, entry taskhawk.QueueEntry) error {
	return nil
}

// ExtendVisibility sets the message's remaining visibility timeout to d,
// capped at twelve hours.
func (c *Consumer) ExtendVisibility(ctx context.Context, entry taskhawk.QueueEntry, d time.Duration) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	url, err := c.url(ctx)
	if err != nil {
		return err
	}
	if d > maxVisibilityTimeout {
		d = maxVisibilityTimeout
	}
	_, err = c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     e.msg.ReceiptHandle,
		VisibilityTimeout: seconds(d),
	})
	return err
}

// Requeue sends a dead-letter message back to the primary queue with its
// message attributes.
func (c *Consumer) Requeue(ctx context.Context, entry taskhawk.QueueEntry) (taskhawk.PublishResult, error) {
	if c.primary == nil {
		return nil, fmt.Errorf("%w: %s is not a dead-letter queue", taskhawk.ErrConfiguration, c.name)
	}
	e, err := c.own(entry)
	if err != nil {
		return nil, err
	}
	url, err := c.primary.url(ctx)
	if err != nil {
		return nil, err
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: e.msg.Body,
	}
	if len(e.msg.MessageAttributes) > 0 {
		input.MessageAttributes = e.msg.MessageAttributes
	}
	out, err := c.client.SendMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", c.primary.name, err)
	}
	return taskhawk.PublishedID(aws.ToString(out.MessageId)), nil
}

func (c *Consumer) PreProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: sqsMessage(entry)}
}

func (c *Consumer) PostProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: sqsMessage(entry)}
}

func (c *Consumer) HeartbeatHookArgs() taskhawk.HookArgs {
	return taskhawk.HookArgs{"queue": c.name}
}

func (c *Consumer) own(entry taskhawk.QueueEntry) (*Entry, error) {
	e, ok := entry.(*Entry)
	if !ok {
		return nil, fmt.Errorf("sqs: foreign queue entry %T", entry)
	}
	return e, nil
}

func sqsMessage(entry taskhawk.QueueEntry) any {
	if e, ok := entry.(*Entry); ok {
		return e.msg
	}
	return entry
}

func seconds(d time.Duration) int32 {
	return int32((d + time.Second - 1) / time.Second)
}
