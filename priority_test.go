package taskhawk

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPrioritySuffixAndTopicName(t *testing.T) {
	tests := []struct {
		priority Priority
		name     string
		suffix   string
		topic    string
	}{
		{PriorityDefault, "default", "", "taskhawk-dev-myapp"},
		{PriorityHigh, "high", "-high-priority", "taskhawk-dev-myapp-high-priority"},
		{PriorityLow, "low", "-low-priority", "taskhawk-dev-myapp-low-priority"},
		{PriorityBulk, "bulk", "-bulk", "taskhawk-dev-myapp-bulk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.priority.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.priority.Suffix(); got != tt.suffix {
				t.Errorf("Suffix() = %q, want %q", got, tt.suffix)
			}
			if got := TopicName("DEV-MyApp", tt.priority); got != tt.topic {
				t.Errorf("TopicName() = %q, want %q", got, tt.topic)
			}
			parsed, err := ParsePriority(tt.name)
			if err != nil || parsed != tt.priority {
				t.Errorf("ParsePriority(%q) = %v, %v, want %v", tt.name, parsed, err, tt.priority)
			}
		})
	}
}

func TestParsePriorityUnknown(t *testing.T) {
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParsePriority(urgent) error = %v, want ErrValidation", err)
	}
}

func TestPriorityInvalid(t *testing.T) {
	p := Priority(9)
	if p.Valid() {
		t.Error("Priority(9).Valid() = true, want false")
	}
	if p.Suffix() != "" {
		t.Errorf("Suffix() = %q, want empty", p.Suffix())
	}
	if _, err := json.Marshal(p); err == nil {
		t.Error("json.Marshal(Priority(9)) succeeded, want error")
	}
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(PriorityBulk)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if string(data) != `"bulk"` {
		t.Errorf("json.Marshal() = %s, want %q", data, `"bulk"`)
	}
	var p Priority
	if err := json.Unmarshal([]byte(`"low"`), &p); err != nil || p != PriorityLow {
		t.Errorf("json.Unmarshal(low) = %v, %v", p, err)
	}
	if err := json.Unmarshal([]byte(`3`), &p); !errors.Is(err, ErrValidation) {
		t.Errorf("json.Unmarshal(3) error = %v, want ErrValidation", err)
	}
}

func TestDeadLetterName(t *testing.T) {
	if got := DeadLetterName("taskhawk-app-bulk"); got != "taskhawk-app-bulk-dlq" {
		t.Errorf("DeadLetterName() = %q, want %q", got, "taskhawk-app-bulk-dlq")
	}
}
