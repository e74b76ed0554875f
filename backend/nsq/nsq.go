// Package nsq is the taskhawk provider for NSQ. NSQ has no message
// attributes, so headers travel in a small JSON frame around the envelope.
// NSQ has no native redrive either: consumers implement DeadLetterer and the
// hub needs a retry state store to divert poison messages to "<topic>-dlq".
package nsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonsq "github.com/nsqio/go-nsq"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/logging"
)

const hookArgsKey = "nsq_message"

// DefaultWaitTime bounds how long Pull waits for the first message.
const DefaultWaitTime = time.Second

// Options configures the provider.
type Options struct {
	NsqdTCPAddr string
	// LookupdHTTPAddr is used for consumer discovery when set; otherwise
	// consumers connect to NsqdTCPAddr directly.
	LookupdHTTPAddr string
	Channel         string
	// MsgTimeout is the server-side in-flight timeout. Touch extends a
	// message by this much.
	MsgTimeout  time.Duration
	MaxInFlight int
	WaitTime    time.Duration
	Logger      *logging.Logger
}

// Metadata is the provider metadata of a delivered message.
type Metadata struct {
	ID          string
	Attempts    uint16
	Timestamp   time.Time
	NSQDAddress string
}

type frame struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Body       json.RawMessage   `json:"body"`
}

// encodeFrame wraps body and attributes. Bodies that are not JSON, such as
// invalid messages headed for the dead-letter topic, are embedded as strings.
func encodeFrame(body []byte, attributes map[string]string) ([]byte, error) {
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return nil, err
		}
		raw = quoted
	}
	return json.Marshal(frame{Attributes: attributes, Body: raw})
}

// decodeFrame unwraps a frame. Bodies that are not frames, e.g. published by
// other tools, are passed through with no attributes.
func decodeFrame(data []byte) ([]byte, map[string]string) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || len(f.Body) == 0 {
		return data, map[string]string{}
	}
	if f.Attributes == nil {
		f.Attributes = map[string]string{}
	}
	body := []byte(f.Body)
	var s string
	if json.Unmarshal(f.Body, &s) == nil {
		body = []byte(s)
	}
	return body, f.Attributes
}

// Entry is a delivered NSQ message.
type Entry struct {
	msg        *gonsq.Message
	body       []byte
	attributes map[string]string
}

func newEntry(m *gonsq.Message) *Entry {
	body, attrs := decodeFrame(m.Body)
	return &Entry{msg: m, body: body, attributes: attrs}
}

func (e *Entry) Body() []byte                  { return e.body }
func (e *Entry) Attributes() map[string]string { return e.attributes }

func (e *Entry) ProviderMetadata() any {
	return Metadata{
		ID:          string(e.msg.ID[:]),
		Attempts:    e.msg.Attempts,
		Timestamp:   time.Unix(0, e.msg.Timestamp),
		NSQDAddress: e.msg.NSQDAddress,
	}
}

// Message returns the underlying go-nsq message.
func (e *Entry) Message() *gonsq.Message { return e.msg }

type producer interface {
	Publish(topic string, body []byte) error
	PublishAsync(topic string, body []byte, doneChan chan *gonsq.ProducerTransaction, args ...interface{}) error
	Stop()
}

// Provider creates NSQ publishers and consumers for one application queue.
// All publishers share a single producer connection.
type Provider struct {
	queue    string
	opts     Options
	producer producer
	logger   *logging.Logger
}

var _ taskhawk.Provider = (*Provider)(nil)

func NewProvider(queue string, opts Options) (*Provider, error) {
	if opts.NsqdTCPAddr == "" {
		return nil, fmt.Errorf("%w: nsqd tcp address is required", taskhawk.ErrConfiguration)
	}
	if opts.Channel == "" {
		opts.Channel = "taskhawk"
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = DefaultWaitTime
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	prod, err := gonsq.NewProducer(opts.NsqdTCPAddr, gonsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLogger(nsqLogger{opts.Logger}, gonsq.LogLevelWarning)
	return &Provider{queue: queue, opts: opts, producer: prod, logger: opts.Logger}, nil
}

// HookArgsKey is the hook args key of the go-nsq message.
func (p *Provider) HookArgsKey() string { return hookArgsKey }

// Close stops the shared producer.
func (p *Provider) Close() error {
	p.producer.Stop()
	return nil
}

func (p *Provider) NewPublisher(ctx context.Context, priority taskhawk.Priority) (taskhawk.PublisherBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	return &Publisher{producer: p.producer, topic: taskhawk.TopicName(p.queue, priority)}, nil
}

func (p *Provider) NewConsumer(ctx context.Context, priority taskhawk.Priority, deadLetter bool) (taskhawk.ConsumerBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	primary := taskhawk.TopicName(p.queue, priority)
	topic := primary
	if deadLetter {
		topic = taskhawk.DeadLetterName(primary)
	}
	conf := gonsq.NewConfig()
	if p.opts.MaxInFlight > 0 {
		conf.MaxInFlight = p.opts.MaxInFlight
	}
	c := newConsumer(topic, primary, p.opts.Channel, p.producer, p.opts.WaitTime, p.logger, conf.MaxInFlight)

	if p.opts.MsgTimeout > 0 {
		conf.MsgTimeout = p.opts.MsgTimeout
	}
	nc, err := gonsq.NewConsumer(topic, p.opts.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer for %s: %w", topic, err)
	}
	nc.SetLogger(nsqLogger{p.logger}, gonsq.LogLevelWarning)
	nc.AddHandler(gonsq.HandlerFunc(c.handleMessage))

	if p.opts.LookupdHTTPAddr != "" {
		err = nc.ConnectToNSQLookupd(p.opts.LookupdHTTPAddr)
	} else {
		err = nc.ConnectToNSQD(p.opts.NsqdTCPAddr)
	}
	if err != nil {
		nc.Stop()
		return nil, fmt.Errorf("nsq connect %s: %w", topic, err)
	}
	c.consumer = nc
	return c, nil
}

// Publisher sends framed messages to one topic.
type Publisher struct {
	producer producer
	topic    string
}

func (p *Publisher) Publish(ctx context.Context, msg *taskhawk.Message, payload []byte, attributes map[string]string) (taskhawk.PublishResult, error) {
	data, err := encodeFrame(payload, attributes)
	if err != nil {
		return nil, err
	}
	return publishAsync(p.producer, p.topic, data, msg.ID())
}

func publishAsync(prod producer, topic string, data []byte, id string) (taskhawk.PublishResult, error) {
	done := make(chan *gonsq.ProducerTransaction, 1)
	if err := prod.PublishAsync(topic, data, done); err != nil {
		return nil, fmt.Errorf("nsq publish to %s: %w", topic, err)
	}
	return &asyncResult{id: id, done: done}, nil
}

// asyncResult resolves when nsqd confirms the publish.
type asyncResult struct {
	id   string
	done chan *gonsq.ProducerTransaction

	mu       sync.Mutex
	resolved bool
	err      error
}

func (r *asyncResult) Get(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resolved {
		select {
		case t := <-r.done:
			r.resolved, r.err = true, t.Error
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return r.id, nil
}

// Consumer adapts NSQ's push delivery to pulls: the handler parks up to
// max-in-flight messages in a channel until Pull collects them.
type Consumer struct {
	topic    string
	primary  string
	channel  string
	producer producer
	waitTime time.Duration
	logger   *logging.Logger

	consumer *gonsq.Consumer
	incoming chan *gonsq.Message
	stop     chan struct{}
	stopOnce sync.Once
}

var (
	_ taskhawk.ConsumerBackend = (*Consumer)(nil)
	_ taskhawk.DeadLetterer    = (*Consumer)(nil)
	_ taskhawk.Requeuer        = (*Consumer)(nil)
	_ taskhawk.Deferrer        = (*Consumer)(nil)
	_ taskhawk.HeartbeatArgser = (*Consumer)(nil)
)

func newConsumer(topic, primary, channel string, prod producer, waitTime time.Duration, logger *logging.Logger, maxInFlight int) *Consumer {
	return &Consumer{
		topic:    topic,
		primary:  primary,
		channel:  channel,
		producer: prod,
		waitTime: waitTime,
		logger:   logger,
		incoming: make(chan *gonsq.Message, max(maxInFlight, 1)),
		stop:     make(chan struct{}),
	}
}

func (c *Consumer) handleMessage(m *gonsq.Message) error {
	m.DisableAutoResponse()
	select {
	case <-c.stop:
		m.RequeueWithoutBackoff(0)
		return nil
	default:
	}
	select {
	case c.incoming <- m:
	case <-c.stop:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

func (c *Consumer) Name() string { return c.topic }

// Pull waits up to the wait time for a first message and then collects
// whatever else is already waiting, up to max. The visibility timeout is the
// connection's msg_timeout and cannot be set per pull.
func (c *Consumer) Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]taskhawk.QueueEntry, error) {
	var out []taskhawk.QueueEntry
	timer := time.NewTimer(c.waitTime)
	defer timer.Stop()

	select {
	case m := <-c.incoming:
		out = append(out, newEntry(m))
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case <-c.stop:
		return nil, errors.New("nsq consumer is closed")
	}

	for len(out) < max {
		select {
		case m := <-c.incoming:
			out = append(out, newEntry(m))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (c *Consumer) Ack(ctx context.Context, entry taskhawk.QueueEntry) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	e.msg.Finish()
	return nil
}

// Nack requeues the message for immediate redelivery without triggering
// consumer backoff.
func (c *Consumer) Nack(ctx context.Context, entry taskhawk.QueueEntry) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	e.msg.RequeueWithoutBackoff(0)
	return nil
}

// Defer requeues the message for redelivery after d. The message leaves
// flight immediately so it does not hold a max-in-flight slot meanwhile.
func (c *Consumer) Defer(ctx context.Context, entry taskhawk.QueueEntry, d time.Duration) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	e.msg.RequeueWithoutBackoff(d)
	return nil
}

// ExtendVisibility touches the message, resetting its in-flight timeout to
// the configured msg_timeout. NSQ cannot extend by an arbitrary duration;
// delayed retries go through Defer instead.
func (c *Consumer) ExtendVisibility(ctx context.Context, entry taskhawk.QueueEntry, d time.Duration) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	e.msg.Touch()
	return nil
}

// DeadLetter publishes the entry to "<topic>-dlq", retrying briefly.
func (c *Consumer) DeadLetter(ctx context.Context, entry taskhawk.QueueEntry) error {
	data, err := encodeFrame(entry.Body(), entry.Attributes())
	if err != nil {
		return err
	}
	topic := taskhawk.DeadLetterName(c.primary)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.producer.Publish(topic, data)
	}, backoff.WithMaxTries(3), backoff.WithMaxElapsedTime(3*time.Second))
	if err != nil {
		return fmt.Errorf("nsq publish to %s: %w", topic, err)
	}
	return nil
}

// Requeue publishes a dead-letter entry back to its primary topic.
func (c *Consumer) Requeue(ctx context.Context, entry taskhawk.QueueEntry) (taskhawk.PublishResult, error) {
	e, err := c.own(entry)
	if err != nil {
		return nil, err
	}
	data, err := encodeFrame(e.body, e.attributes)
	if err != nil {
		return nil, err
	}
	return publishAsync(c.producer, c.primary, data, string(e.msg.ID[:]))
}

func (c *Consumer) PreProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: nsqMessage(entry)}
}

func (c *Consumer) PostProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: nsqMessage(entry)}
}

func (c *Consumer) HeartbeatHookArgs() taskhawk.HookArgs {
	return taskhawk.HookArgs{"topic": c.topic, "channel": c.channel}
}

// Close stops the NSQ consumer and requeues messages that were delivered
// but never pulled.
func (c *Consumer) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.consumer != nil {
			c.consumer.Stop()
			<-c.consumer.StopChan
		}
		for {
			select {
			case m := <-c.incoming:
				m.RequeueWithoutBackoff(0)
			default:
				return
			}
		}
	})
	return nil
}

func (c *Consumer) own(entry taskhawk.QueueEntry) (*Entry, error) {
	e, ok := entry.(*Entry)
	if !ok {
		return nil, fmt.Errorf("nsq: foreign queue entry %T", entry)
	}
	return e, nil
}

func nsqMessage(entry taskhawk.QueueEntry) any {
	if e, ok := entry.(*Entry); ok {
		return e.msg
	}
	return entry
}

// nsqLogger routes go-nsq's log lines into the structured logger.
type nsqLogger struct {
	logger *logging.Logger
}

func (l nsqLogger) Output(calldepth int, s string) error {
	entry := l.logger.Plain().WithField("component", "go-nsq")
	switch {
	case strings.HasPrefix(s, "ERR"):
		entry.Error(s)
	case strings.HasPrefix(s, "WRN"):
		entry.Warn(s)
	default:
		entry.Debug(s)
	}
	return nil
}
