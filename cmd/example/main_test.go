package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/logging"
)

func TestRunDemo(t *testing.T) {
	var out bytes.Buffer
	logger := logging.NewWithWriter("example-test", io.Discard)

	act, err := runDemo(context.Background(), &out, logger, demoOptions{Count: 2, LoopCount: 3})
	if err != nil {
		t.Fatalf("runDemo() error = %v", err)
	}

	tests := []struct {
		task string
		want int
	}{
		{task: sendWelcomeEmailTask, want: 2},
		{task: chargeOrderTask, want: 2},
		{task: rebuildSearchIndexTask, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			if got := act.Runs(tt.task); got != tt.want {
				t.Errorf("Runs(%q) = %d, want %d", tt.task, got, tt.want)
			}
		})
	}

	if !strings.Contains(out.String(), "example.charge_order: 2 runs") {
		t.Errorf("output = %q, want a charge_order summary", out.String())
	}
}

func TestChargeOrder(t *testing.T) {
	tests := []struct {
		name       string
		amount     int
		headers    taskhawk.Headers
		wantKind   taskhawk.OutcomeKind
		wantRecord bool
	}{
		{
			name:       "charged",
			amount:     1500,
			headers:    taskhawk.Headers{"request_id": "req-1"},
			wantKind:   taskhawk.OutcomeSuccess,
			wantRecord: true,
		},
		{
			name:     "missing request id",
			amount:   1500,
			headers:  taskhawk.Headers{},
			wantKind: taskhawk.OutcomeIgnored,
		},
		{
			name:     "non-positive amount",
			amount:   0,
			headers:  taskhawk.Headers{"request_id": "req-2"},
			wantKind: taskhawk.OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := newActivity()
			err := act.chargeOrder(context.Background(), "order-1", tt.amount, tt.headers)
			if got := taskhawk.Classify(err).Kind; got != tt.wantKind {
				t.Errorf("Classify(chargeOrder()).Kind = %v, want %v", got, tt.wantKind)
			}
			if got := act.Runs(chargeOrderTask) == 1; got != tt.wantRecord {
				t.Errorf("recorded = %v, want %v", got, tt.wantRecord)
			}
		})
	}
}

func TestRegisterTasks(t *testing.T) {
	hub, err := taskhawk.NewHub(taskhawk.Config{Queue: "dev-example", Sync: true}, nil, nil)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	tasks, err := registerTasks(hub, newActivity())
	if err != nil {
		t.Fatalf("registerTasks() error = %v", err)
	}

	tests := []struct {
		task *taskhawk.Task
		want taskhawk.Priority
	}{
		{task: tasks.sendWelcomeEmail, want: taskhawk.PriorityDefault},
		{task: tasks.chargeOrder, want: taskhawk.PriorityHigh},
		{task: tasks.rebuildSearchIndex, want: taskhawk.PriorityBulk},
	}
	for _, tt := range tests {
		if got := tt.task.Priority(); got != tt.want {
			t.Errorf("%s Priority() = %v, want %v", tt.task.Name(), got, tt.want)
		}
	}

	if _, err := registerTasks(hub, newActivity()); err == nil {
		t.Error("registerTasks() twice error = nil, want duplicate registration error")
	}
}
