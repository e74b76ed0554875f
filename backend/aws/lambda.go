package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/austindbirch/taskhawk"
)

// ErrInvalidOperation is returned by queue operations that have no meaning
// for Lambda-delivered SNS records.
var ErrInvalidOperation = errors.New("invalid operation for lambda consumer")

// SNSMetadata is the provider metadata of a Lambda-delivered SNS record.
type SNSMetadata struct {
	MessageID string
	TopicARN  string
	Timestamp time.Time
}

// LambdaConsumer processes SNS events delivered to a Lambda function through
// the hub's pipeline. Lambda owns delivery, so acks are no-ops and any record
// that is not acked fails the invocation for Lambda's own retry and DLQ.
type LambdaConsumer struct {
	hub *taskhawk.Hub
}

var _ taskhawk.ConsumerBackend = (*LambdaConsumer)(nil)

func NewLambdaConsumer(hub *taskhawk.Hub) *LambdaConsumer {
	return &LambdaConsumer{hub: hub}
}

// Start hands HandleSNSEvent to the Lambda runtime. It does not return.
func (c *LambdaConsumer) Start() {
	lambda.Start(c.HandleSNSEvent)
}

// HandleSNSEvent processes every record, then reports the records that did
// not succeed.
func (c *LambdaConsumer) HandleSNSEvent(ctx context.Context, event events.SNSEvent) error {
	var errs []error
	for _, record := range event.Records {
		entry := &snsRecordEntry{record: record}
		if action := c.hub.ProcessEntry(ctx, c, entry); action != taskhawk.ActionAck {
			errs = append(errs, fmt.Errorf("sns record %s: %s", record.SNS.MessageID, action))
		}
	}
	return errors.Join(errs...)
}

func (c *LambdaConsumer) Name() string { return "lambda-sns" }

func (c *LambdaConsumer) Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]taskhawk.QueueEntry, error) {
	return nil, ErrInvalidOperation
}

func (c *LambdaConsumer) Ack(ctx context.Context, entry taskhawk.QueueEntry) error  { return nil }
func (c *LambdaConsumer) Nack(ctx context.Context, entry taskhawk.QueueEntry) error { return nil }

func (c *LambdaConsumer) ExtendVisibility(ctx context.Context, entry taskhawk.QueueEntry, d time.Duration) error {
	return ErrInvalidOperation
}

func (c *LambdaConsumer) PreProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{"sns_record": snsRecord(entry)}
}

func (c *LambdaConsumer) PostProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{"sns_record": snsRecord(entry)}
}

type snsRecordEntry struct {
	record events.SNSEventRecord
}

func (e *snsRecordEntry) Body() []byte { return []byte(e.record.SNS.Message) }

// Attributes flattens SNS message attributes, which Lambda delivers as
// {"Type": "String", "Value": "..."} objects.
func (e *snsRecordEntry) Attributes() map[string]string {
	attrs := make(map[string]string, len(e.record.SNS.MessageAttributes))
	for k, v := range e.record.SNS.MessageAttributes {
		switch a := v.(type) {
		case map[string]any:
			if s, ok := a["Value"].(string); ok {
				attrs[k] = s
			}
		case string:
			attrs[k] = a
		}
	}
	return attrs
}

func (e *snsRecordEntry) ProviderMetadata() any {
	return SNSMetadata{
		MessageID: e.record.SNS.MessageID,
		TopicARN:  e.record.SNS.TopicArn,
		Timestamp: e.record.SNS.Timestamp,
	}
}

func snsRecord(entry taskhawk.QueueEntry) any {
	if e, ok := entry.(*snsRecordEntry); ok {
		return e.record
	}
	return entry
}
