package taskhawk

import (
	"context"
	"fmt"
)

// AsyncInvocation is one customizable dispatch of a task. Customizing an
// invocation never changes the task; an invocation may be dispatched
// repeatedly.
type AsyncInvocation struct {
	task     *Task
	headers  map[string]string
	priority *Priority
	err      error
}

func newInvocation(t *Task) *AsyncInvocation {
	return &AsyncInvocation{task: t, headers: map[string]string{}}
}

// WithHeaders adds custom headers to this invocation.
func (inv *AsyncInvocation) WithHeaders(headers map[string]string) *AsyncInvocation {
	for k, v := range headers {
		inv.headers[k] = v
	}
	return inv
}

// WithPriority overrides the task's default priority. It may only be
// applied once; a second call makes Dispatch fail.
func (inv *AsyncInvocation) WithPriority(p Priority) *AsyncInvocation {
	switch {
	case inv.err != nil:
	case !p.Valid():
		inv.err = configurationErrorf("task %q: invalid priority %d", inv.task.name, int(p))
	case inv.priority != nil:
		inv.err = configurationErrorf("task %q: priority already set to %s", inv.task.name, *inv.priority)
	default:
		inv.priority = &p
	}
	return inv
}

// Dispatch publishes the task with positional arguments.
func (inv *AsyncInvocation) Dispatch(ctx context.Context, args ...any) (PublishResult, error) {
	return inv.DispatchWithKwargs(ctx, nil, args...)
}

// DispatchWithKwargs publishes the task with positional and keyword
// arguments.
func (inv *AsyncInvocation) DispatchWithKwargs(ctx context.Context, kwargs map[string]any, args ...any) (PublishResult, error) {
	if inv.err != nil {
		return nil, inv.err
	}
	hub := inv.task.hub
	if hub == nil {
		return nil, configurationErrorf("task %q is not registered with a hub", inv.task.name)
	}

	headers := map[string]string{}
	if hub.cfg.DefaultHeaders != nil {
		for k, v := range hub.cfg.DefaultHeaders(ctx, inv.task) {
			headers[k] = v
		}
	}
	for k, v := range inv.headers {
		headers[k] = v
	}

	priority := inv.task.priority
	if inv.priority != nil {
		priority = *inv.priority
	}

	msg := NewMessage(inv.task.name, priority, args, kwargs, "", headers)
	result, err := hub.Publish(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", inv.task.name, err)
	}
	return result, nil
}

// WithHeaders returns an invocation that uses custom headers.
func (t *Task) WithHeaders(headers map[string]string) *AsyncInvocation {
	return newInvocation(t).WithHeaders(headers)
}

// WithPriority returns an invocation with a custom priority.
func (t *Task) WithPriority(p Priority) *AsyncInvocation {
	return newInvocation(t).WithPriority(p)
}

// Dispatch publishes the task with default headers and priority.
func (t *Task) Dispatch(ctx context.Context, args ...any) (PublishResult, error) {
	return newInvocation(t).Dispatch(ctx, args...)
}

// DispatchWithKwargs publishes the task with keyword arguments.
func (t *Task) DispatchWithKwargs(ctx context.Context, kwargs map[string]any, args ...any) (PublishResult, error) {
	return newInvocation(t).DispatchWithKwargs(ctx, kwargs, args...)
}
