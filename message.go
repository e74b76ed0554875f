package taskhawk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the envelope schema version stamped on new messages.
const CurrentVersion = "1.0"

var supportedVersions = map[string]bool{
	"1.0": true,
}

// Headers is the string map carried alongside every message. A task
// function receives it when it declares a Headers parameter.
type Headers map[string]string

// Kwargs holds keyword arguments. A task function declaring a Kwargs
// parameter receives the message kwargs plus "metadata" and "headers".
type Kwargs map[string]any

// Metadata holds the envelope fields that are independent of the task
// payload. ProviderMetadata is set by the consumer backend that delivered
// the message and is never serialized.
type Metadata struct {
	ID               string
	Priority         Priority
	Version          string
	Timestamp        int64 // epoch milliseconds
	Headers          Headers
	ProviderMetadata any

	extend func(ctx context.Context, d time.Duration) error
}

// Time returns the publish timestamp.
func (m Metadata) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// ExtendVisibilityTimeout keeps the message hidden from other consumers for
// d more time. Long running tasks call it to avoid redelivery.
func (m Metadata) ExtendVisibilityTimeout(ctx context.Context, d time.Duration) error {
	if m.extend == nil {
		return ErrNotConsumerDelivered
	}
	return m.extend(ctx, d)
}

// Message is one task invocation in transit. It is immutable once
// validated.
type Message struct {
	id       string
	taskName string
	args     []any
	kwargs   map[string]any
	metadata Metadata

	task *Task
}

// NewMessage stamps fresh metadata for a message about to be published. A
// blank id is replaced with a random UUID.
func NewMessage(taskName string, priority Priority, args []any, kwargs map[string]any, id string, headers map[string]string) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	h := make(Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &Message{
		id:       id,
		taskName: taskName,
		args:     args,
		kwargs:   kwargs,
		metadata: Metadata{
			ID:        id,
			Priority:  priority,
			Version:   CurrentVersion,
			Timestamp: time.Now().UnixMilli(),
			Headers:   h,
		},
	}
}

// ParseMessage decodes a raw queue entry body and validates it against
// registry.
func ParseMessage(body []byte, registry *Registry) (*Message, error) {
	var data map[string]any
	if err := decodeJSON(body, &data); err != nil {
		return nil, fmt.Errorf("%w: decode message: %w", ErrValidation, err)
	}
	if data == nil {
		return nil, validationErrorf("message is not a JSON object")
	}
	return NewMessageFromMap(data, registry)
}

// NewMessageFromMap builds a message from decoded envelope data and
// validates it against registry. Every failure wraps ErrValidation.
func NewMessageFromMap(data map[string]any, registry *Registry) (*Message, error) {
	id, ok := data["id"].(string)
	if !ok || id == "" {
		return nil, validationErrorf("missing id")
	}

	meta, ok := asObject(data["metadata"])
	if !ok {
		return nil, validationErrorf("metadata must be an object")
	}
	version, _ := meta["version"].(string)
	if !supportedVersions[version] {
		return nil, validationErrorf("unsupported version %q", version)
	}
	ts, err := parseTimestamp(meta["timestamp"])
	if err != nil {
		return nil, err
	}
	priority := PriorityDefault
	if raw, present := meta["priority"]; present {
		name, ok := raw.(string)
		if !ok {
			return nil, validationErrorf("priority must be a string")
		}
		if priority, err = ParsePriority(name); err != nil {
			return nil, err
		}
	}

	headers, err := parseHeaders(data["headers"])
	if err != nil {
		return nil, err
	}
	taskName, ok := data["task"].(string)
	if !ok || taskName == "" {
		return nil, validationErrorf("missing task")
	}
	args, ok := asArray(data["args"])
	if !ok {
		return nil, validationErrorf("args must be an array")
	}
	kwargs, ok := asObject(data["kwargs"])
	if !ok {
		return nil, validationErrorf("kwargs must be an object")
	}

	m := &Message{
		id:       id,
		taskName: taskName,
		args:     args,
		kwargs:   kwargs,
		metadata: Metadata{
			ID:        id,
			Priority:  priority,
			Version:   version,
			Timestamp: ts,
			Headers:   headers,
		},
	}
	if err := m.Validate(registry); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the envelope and resolves the task against registry. It
// is safe to call repeatedly.
func (m *Message) Validate(registry *Registry) error {
	if m.id == "" {
		return validationErrorf("missing id")
	}
	if !supportedVersions[m.metadata.Version] {
		return validationErrorf("unsupported version %q", m.metadata.Version)
	}
	if m.metadata.Timestamp == 0 {
		return validationErrorf("missing timestamp")
	}
	if !m.metadata.Priority.Valid() {
		return validationErrorf("invalid priority %d", int(m.metadata.Priority))
	}
	if m.metadata.Headers == nil {
		return validationErrorf("missing headers")
	}
	if m.taskName == "" {
		return validationErrorf("missing task")
	}
	if m.args == nil {
		return validationErrorf("missing args")
	}
	if m.kwargs == nil {
		return validationErrorf("missing kwargs")
	}
	if registry == nil {
		return validationErrorf("no registry to resolve task %q", m.taskName)
	}
	task, err := registry.Find(m.taskName)
	if err != nil {
		// TaskNotFound stops here.
		return validationErrorf("task %q is not registered", m.taskName)
	}
	m.task = task
	return nil
}

func (m *Message) ID() string { return m.id }
func (m *Message) TaskName() string { return m.taskName }
func (m *Message) Args() []any { return m.args }
func (m *Message) Kwargs() map[string]any { return m.kwargs }
func (m *Message) Headers() Headers { return m.metadata.Headers }
func (m *Message) Priority() Priority { return m.metadata.Priority }
func (m *Message) Version() string { return m.metadata.Version }
func (m *Message) Timestamp() int64 { return m.metadata.Timestamp }
func (m *Message) Metadata() Metadata { return m.metadata }
func (m *Message) ProviderMetadata() any { return m.metadata.ProviderMetadata }

// Task returns the resolved task, or nil before validation.
func (m *Message) Task() *Task { return m.task }

func (m *Message) setProviderMetadata(pm any, extend func(ctx context.Context, d time.Duration) error) {
	m.metadata.ProviderMetadata = pm
	m.metadata.extend = extend
}

// AsMap returns the wire envelope.
func (m *Message) AsMap() map[string]any {
	headers := make(map[string]any, len(m.metadata.Headers))
	for k, v := range m.metadata.Headers {
		headers[k] = v
	}
	return map[string]any{
		"id": m.id,
		"metadata": map[string]any{
			"priority":  m.metadata.Priority.String(),
			"timestamp": m.metadata.Timestamp,
			"version":   m.metadata.Version,
		},
		"headers": headers,
		"task":    m.taskName,
		"args":    m.args,
		"kwargs":  m.kwargs,
	}
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return MarshalPayload(m.AsMap())
}

// Equal compares the serialized envelopes.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, errA := m.MarshalJSON()
	b, errB := other.MarshalJSON()
	if errA != nil || errB != nil {
		return false
	}
	var va, vb any
	if decodeJSON(a, &va) != nil || decodeJSON(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func asObject(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, x != nil
	case Kwargs:
		return map[string]any(x), x != nil
	}
	return nil, false
}

func asArray(v any) ([]any, bool) {
	x, ok := v.([]any)
	return x, ok && x != nil
}

func parseHeaders(v any) (Headers, error) {
	switch x := v.(type) {
	case map[string]string:
		if x == nil {
			break
		}
		h := make(Headers, len(x))
		for k, val := range x {
			h[k] = val
		}
		return h, nil
	case Headers:
		if x == nil {
			break
		}
		h := make(Headers, len(x))
		for k, val := range x {
			h[k] = val
		}
		return h, nil
	case map[string]any:
		if x == nil {
			break
		}
		h := make(Headers, len(x))
		for k, val := range x {
			s, ok := val.(string)
			if !ok {
				return nil, validationErrorf("header %q must be a string", k)
			}
			h[k] = s
		}
		return h, nil
	}
	return nil, validationErrorf("headers must be an object")
}

// parseTimestamp accepts epoch milliseconds as a number or an ISO-8601
// string.
func parseTimestamp(v any) (int64, error) {
	var ts int64
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			ts = i
		} else if f, err := x.Float64(); err == nil {
			ts = int64(f)
		} else {
			return 0, validationErrorf("invalid timestamp %q", x)
		}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, validationErrorf("invalid timestamp")
		}
		ts = int64(x)
	case int:
		ts = int64(x)
	case int64:
		ts = x
	case string:
		t, err := parseISOTime(x)
		if err != nil {
			return 0, validationErrorf("invalid timestamp %q", x)
		}
		ts = t.UnixMilli()
	default:
		return 0, validationErrorf("missing timestamp")
	}
	if ts == 0 {
		return 0, validationErrorf("missing timestamp")
	}
	return ts, nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseISOTime parses the ISO-8601 forms seen in practice. Times without a
// zone are UTC.
func parseISOTime(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
