// Package memory is an in-process taskhawk provider. Queues keep SQS-like
// visibility timeouts and every queue has a "-dlq" companion, which makes the
// provider suitable for tests and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/austindbirch/taskhawk"
)

const hookArgsKey = "memory_message"

const (
	// DefaultVisibilityTimeout applies to pulls that do not set one.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultWaitTime is how long a pull on an empty queue waits for
	// messages, like an SQS long poll.
	DefaultWaitTime = 100 * time.Millisecond
)

// ErrUnknownEntry is returned when settling an entry this broker did not
// deliver or that was already deleted.
var ErrUnknownEntry = errors.New("memory: unknown queue entry")

// Metadata is the provider metadata of a delivered entry.
type Metadata struct {
	ID           string
	ReceiveCount int
	EnqueuedAt   time.Time
}

// Entry is a delivered queue entry.
type Entry struct {
	queue      string
	seq        uint64
	body       []byte
	attributes map[string]string
	meta       Metadata
}

func (e *Entry) Body() []byte                  { return e.body }
func (e *Entry) Attributes() map[string]string { return e.attributes }
func (e *Entry) ProviderMetadata() any         { return e.meta }

type stored struct {
	seq          uint64
	body         []byte
	attributes   map[string]string
	enqueuedAt   time.Time
	visibleAt    time.Time
	receiveCount int
}

// Broker owns every queue. It is safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	seq      uint64
	queues   map[string][]*stored
	now      func() time.Time
	waitTime time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces time.Now, for tests that step visibility timeouts.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithWaitTime sets how long pulls on an empty queue wait. Zero returns
// immediately.
func WithWaitTime(d time.Duration) Option {
	return func(b *Broker) { b.waitTime = d }
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:   make(map[string][]*stored),
		now:      time.Now,
		waitTime: DefaultWaitTime,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send appends a message to the named queue and returns its id.
func (b *Broker) Send(name string, body []byte, attributes map[string]string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	now := b.now()
	b.queues[name] = append(b.queues[name], &stored{
		seq:        b.seq,
		body:       append([]byte(nil), body...),
		attributes: attrs,
		enqueuedAt: now,
		visibleAt:  now,
	})
	return strconv.FormatUint(b.seq, 10)
}

// Receive hides up to max visible entries of the named queue for
// visibilityTimeout and returns them in publish order.
func (b *Broker) Receive(name string, max int, visibilityTimeout time.Duration) []*Entry {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []*Entry
	for _, s := range b.queues[name] {
		if len(out) >= max {
			break
		}
		if now.Before(s.visibleAt) {
			continue
		}
		s.visibleAt = now.Add(visibilityTimeout)
		s.receiveCount++
		out = append(out, &Entry{
			queue:      name,
			seq:        s.seq,
			body:       s.body,
			attributes: s.attributes,
			meta: Metadata{
				ID:           strconv.FormatUint(s.seq, 10),
				ReceiveCount: s.receiveCount,
				EnqueuedAt:   s.enqueuedAt,
			},
		})
	}
	return out
}

// Len returns the number of entries in the named queue, visible or not.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[name])
}

// Queues returns the names of all queues that have held a message.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Broker) delete(e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[e.queue]
	for i, s := range q {
		if s.seq == e.seq {
			b.queues[e.queue] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return ErrUnknownEntry
}

func (b *Broker) setVisibility(e *Entry, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.queues[e.queue] {
		if s.seq == e.seq {
			s.visibleAt = b.now().Add(d)
			return nil
		}
	}
	return ErrUnknownEntry
}

// Provider serves one application queue from a Broker.
type Provider struct {
	broker *Broker
	queue  string
}

var _ taskhawk.Provider = (*Provider)(nil)

func NewProvider(broker *Broker, queue string) *Provider {
	return &Provider{broker: broker, queue: queue}
}

func (p *Provider) HookArgsKey() string { return hookArgsKey }

func (p *Provider) Broker() *Broker { return p.broker }

func (p *Provider) NewPublisher(ctx context.Context, priority taskhawk.Priority) (taskhawk.PublisherBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	return &Publisher{broker: p.broker, name: taskhawk.TopicName(p.queue, priority)}, nil
}

func (p *Provider) NewConsumer(ctx context.Context, priority taskhawk.Priority, deadLetter bool) (taskhawk.ConsumerBackend, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", taskhawk.ErrConfiguration, int(priority))
	}
	primary := taskhawk.TopicName(p.queue, priority)
	name := primary
	if deadLetter {
		name = taskhawk.DeadLetterName(primary)
	}
	return &Consumer{broker: p.broker, name: name, primary: primary}, nil
}

// Publisher sends to one queue.
type Publisher struct {
	broker *Broker
	name   string
}

func (p *Publisher) Publish(ctx context.Context, msg *taskhawk.Message, payload []byte, attributes map[string]string) (taskhawk.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return taskhawk.PublishedID(p.broker.Send(p.name, payload, attributes)), nil
}

// Consumer reads one queue. On a primary queue it dead-letters to the
// "-dlq" queue; on a dead-letter queue it requeues to the primary.
type Consumer struct {
	broker  *Broker
	name    string
	primary string
}

var (
	_ taskhawk.ConsumerBackend = (*Consumer)(nil)
	_ taskhawk.DeadLetterer    = (*Consumer)(nil)
	_ taskhawk.Requeuer        = (*Consumer)(nil)
	_ taskhawk.HeartbeatArgser = (*Consumer)(nil)
)

func (c *Consumer) Name() string { return c.name }

func (c *Consumer) Pull(ctx context.Context, max int, visibilityTimeout time.Duration) ([]taskhawk.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := c.broker.Receive(c.name, max, visibilityTimeout)
	if len(entries) == 0 && c.broker.waitTime > 0 {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(c.broker.waitTime):
		}
		entries = c.broker.Receive(c.name, max, visibilityTimeout)
	}
	out := make([]taskhawk.QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out, nil
}

func (c *Consumer) Ack(ctx context.Context, entry taskhawk.QueueEntry) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	return c.broker.delete(e)
}

// Nack makes the entry visible again immediately.
func (c *Consumer) Nack(ctx context.Context, entry taskhawk.QueueEntry) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	return c.broker.setVisibility(e, 0)
}

func (c *Consumer) ExtendVisibility(ctx context.Context, entry taskhawk.QueueEntry, d time.Duration) error {
	e, err := c.own(entry)
	if err != nil {
		return err
	}
	return c.broker.setVisibility(e, d)
}

func (c *Consumer) DeadLetter(ctx context.Context, entry taskhawk.QueueEntry) error {
	c.broker.Send(taskhawk.DeadLetterName(c.primary), entry.Body(), entry.Attributes())
	return nil
}

func (c *Consumer) Requeue(ctx context.Context, entry taskhawk.QueueEntry) (taskhawk.PublishResult, error) {
	return taskhawk.PublishedID(c.broker.Send(c.primary, entry.Body(), entry.Attributes())), nil
}

func (c *Consumer) PreProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: entry}
}

func (c *Consumer) PostProcessHookArgs(entry taskhawk.QueueEntry) taskhawk.HookArgs {
	return taskhawk.HookArgs{hookArgsKey: entry}
}

func (c *Consumer) HeartbeatHookArgs() taskhawk.HookArgs {
	return taskhawk.HookArgs{"queue": c.name}
}

func (c *Consumer) own(entry taskhawk.QueueEntry) (*Entry, error) {
	e, ok := entry.(*Entry)
	if !ok || e.queue != c.name {
		return nil, fmt.Errorf("%w on %s", ErrUnknownEntry, c.name)
	}
	return e, nil
}
