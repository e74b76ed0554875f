package main

import (
	"context"
	"sort"
	"sync"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/logging"
)

const (
	sendWelcomeEmailTask   = "example.send_welcome_email"
	chargeOrderTask        = "example.charge_order"
	rebuildSearchIndexTask = "example.rebuild_search_index"
)

// activity records completed task runs.
type activity struct {
	mu   sync.Mutex
	runs map[string]int
}

func newActivity() *activity {
	return &activity{runs: make(map[string]int)}
}

func (a *activity) record(task string) {
	a.mu.Lock()
	a.runs[task]++
	a.mu.Unlock()
}

func (a *activity) Runs(task string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[task]
}

// Tasks returns the names of tasks that ran at least once, sorted.
func (a *activity) Tasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.runs))
	for name := range a.runs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *activity) sendWelcomeEmail(ctx context.Context, userID int, email string, meta taskhawk.Metadata) error {
	if email == "" {
		return taskhawk.Ignore("user has no email address")
	}
	logging.WithContext(ctx).
		WithMessageID(meta.ID).
		WithFields(map[string]any{"user_id": userID, "email": email}).
		Info("Sending welcome email")
	a.record(sendWelcomeEmailTask)
	return nil
}

func (a *activity) chargeOrder(ctx context.Context, orderID string, amountCents int, headers taskhawk.Headers) error {
	if headers["request_id"] == "" {
		return taskhawk.Ignore("missing request id")
	}
	if amountCents <= 0 {
		return taskhawk.NewLoggingError("order amount must be positive", map[string]any{
			"order_id":     orderID,
			"amount_cents": amountCents,
		})
	}
	logging.WithContext(ctx).
		WithFields(map[string]any{"order_id": orderID, "amount_cents": amountCents, "request_id": headers["request_id"]}).
		Info("Charging order")
	a.record(chargeOrderTask)
	return nil
}

func (a *activity) rebuildSearchIndex(ctx context.Context, kwargs taskhawk.Kwargs) error {
	logging.WithContext(ctx).WithField("index", kwargs["index"]).Info("Rebuilding search index")
	a.record(rebuildSearchIndexTask)
	return nil
}

type exampleTasks struct {
	sendWelcomeEmail   *taskhawk.Task
	chargeOrder        *taskhawk.Task
	rebuildSearchIndex *taskhawk.Task
}

func registerTasks(hub *taskhawk.Hub, a *activity) (*exampleTasks, error) {
	var (
		tasks exampleTasks
		err   error
	)
	if tasks.sendWelcomeEmail, err = hub.RegisterTask(sendWelcomeEmailTask, a.sendWelcomeEmail); err != nil {
		return nil, err
	}
	if tasks.chargeOrder, err = hub.RegisterTask(chargeOrderTask, a.chargeOrder,
		taskhawk.WithDefaultPriority(taskhawk.PriorityHigh)); err != nil {
		return nil, err
	}
	if tasks.rebuildSearchIndex, err = hub.RegisterTask(rebuildSearchIndexTask, a.rebuildSearchIndex,
		taskhawk.WithDefaultPriority(taskhawk.PriorityBulk)); err != nil {
		return nil, err
	}
	return &tasks, nil
}
