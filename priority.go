package taskhawk

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority selects one of four independent queues for a task. High and low
// priority queues give separate scaling knobs; bulk is meant for throttled
// fan-out jobs.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityLow
	PriorityBulk
)

var priorityNames = [...]string{
	PriorityDefault: "default",
	PriorityHigh:    "high",
	PriorityLow:     "low",
	PriorityBulk:    "bulk",
}

var prioritySuffixes = [...]string{
	PriorityDefault: "",
	PriorityHigh:    "-high-priority",
	PriorityLow:     "-low-priority",
	PriorityBulk:    "-bulk",
}

// Priorities lists every priority in declaration order.
func Priorities() []Priority {
	return []Priority{PriorityDefault, PriorityHigh, PriorityLow, PriorityBulk}
}

func (p Priority) Valid() bool {
	return p >= PriorityDefault && p <= PriorityBulk
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Suffix is appended to queue and topic names for this priority. Providers
// that use upper-case names upper-case the suffix themselves.
func (p Priority) Suffix() string {
	if !p.Valid() {
		return ""
	}
	return prioritySuffixes[p]
}

// ParsePriority maps a wire name to a Priority. Unknown names wrap
// ErrValidation.
func ParsePriority(name string) (Priority, error) {
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return PriorityDefault, fmt.Errorf("%w: unknown priority %q", ErrValidation, name)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("taskhawk: invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("%w: priority must be a string", ErrValidation)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TopicName is the lower-case "taskhawk-<queue><suffix>" naming shared by the
// NSQ, Pub/Sub and in-memory providers.
func TopicName(queue string, p Priority) string {
	return "taskhawk-" + strings.ToLower(queue) + p.Suffix()
}

// DeadLetterName returns the dead-letter counterpart of a queue or topic name.
func DeadLetterName(name string) string {
	return name + "-dlq"
}
