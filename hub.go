package taskhawk

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/internal/metrics"
	"github.com/austindbirch/taskhawk/internal/tracing"
	"github.com/austindbirch/taskhawk/retrystate"
)

// Config configures a Hub. Hooks are optional.
type Config struct {
	// Queue is the application queue name, e.g. "dev-myapp".
	Queue string
	// Sync runs dispatched tasks in-process through the consumer pipeline
	// instead of publishing them.
	Sync bool

	PreProcessHook  Hook
	PostProcessHook Hook
	HeartbeatHook   Hook
	// DefaultHeaders supplies headers for every dispatch. Headers set on
	// the invocation win on conflict.
	DefaultHeaders func(ctx context.Context, task *Task) map[string]string

	// RetryStore caps redeliveries on consumers that implement
	// DeadLetterer. Nil disables the cap.
	RetryStore retrystate.Store

	Logger *logging.Logger
}

// Hub is the entry point for publishing and consuming tasks.
type Hub struct {
	cfg      Config
	registry *Registry
	provider Provider
	logger   *logging.Logger

	mu         sync.Mutex
	publishers map[Priority]PublisherBackend
}

// NewHub creates a hub. A nil registry gets a fresh one; provider may be nil
// only in sync mode.
func NewHub(cfg Config, registry *Registry, provider Provider) (*Hub, error) {
	if provider == nil && !cfg.Sync {
		return nil, configurationErrorf("a provider is required unless sync mode is enabled")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		cfg:        cfg,
		registry:   registry,
		provider:   provider,
		logger:     logger,
		publishers: make(map[Priority]PublisherBackend),
	}, nil
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Config() Config { return h.cfg }

type taskOptions struct {
	priority Priority
}

// TaskOption customizes RegisterTask.
type TaskOption func(*taskOptions)

// WithDefaultPriority sets the priority used when a dispatch does not pick
// one.
func WithDefaultPriority(p Priority) TaskOption {
	return func(o *taskOptions) { o.priority = p }
}

// RegisterTask registers fn and binds the returned task to this hub for
// dispatching. An empty name defaults to FuncName(fn).
func (h *Hub) RegisterTask(name string, fn any, opts ...TaskOption) (*Task, error) {
	o := taskOptions{priority: PriorityDefault}
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		name = FuncName(fn)
	}
	t, err := newTask(name, fn, o.priority)
	if err != nil {
		return nil, err
	}
	t.hub = h
	if err := h.registry.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Publish sends msg to the topic for its priority, or runs it in-process in
// sync mode. Trace headers go into the provider attributes, never into the
// serialized envelope.
func (h *Hub) Publish(ctx context.Context, msg *Message) (PublishResult, error) {
	if h.cfg.Sync {
		return h.dispatchSync(ctx, msg)
	}

	ctx, span := tracing.StartProducerSpan(ctx, "publish/"+msg.TaskName(),
		attribute.String("taskhawk.message_id", msg.ID()),
		attribute.String("taskhawk.priority", msg.Priority().String()),
	)
	defer span.End()

	payload, err := msg.MarshalJSON()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	attributes := make(map[string]string, len(msg.Headers())+2)
	for k, v := range msg.Headers() {
		attributes[k] = v
	}
	tracing.InjectHeaders(ctx, attributes)

	pub, err := h.publisher(ctx, msg.Priority())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	result, err := pub.Publish(ctx, msg, payload, attributes)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("publish message %s: %w", msg.ID(), err)
	}

	metrics.RecordPublished(msg.Priority().String())
	h.logger.WithContext(ctx).
		WithMessageID(msg.ID()).
		WithTask(msg.TaskName()).
		WithField("message_body", msg.AsMap()).
		Debug("Sent message")
	return result, nil
}

// publisher returns the cached publisher for a priority.
func (h *Hub) publisher(ctx context.Context, p Priority) (PublisherBackend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pub, ok := h.publishers[p]; ok {
		return pub, nil
	}
	pub, err := h.provider.NewPublisher(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create %s publisher: %w", p, err)
	}
	h.publishers[p] = pub
	return pub, nil
}
