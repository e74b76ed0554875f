package taskhawk

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps task names to tasks. Names are write-once; reads and
// registrations may happen concurrently.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds fn under name. Registering a name twice fails with
// ErrConfiguration and leaves the first registration in place.
func (r *Registry) Register(name string, fn any, priority Priority) (*Task, error) {
	t, err := newTask(name, fn, priority)
	if err != nil {
		return nil, err
	}
	if err := r.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Registry) add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tasks[t.name]; ok {
		owner := FuncName(existing.fn.Interface())
		return configurationErrorf("task %q is already registered by %s", t.name, owner)
	}
	r.tasks[t.name] = t
	return nil
}

// Find returns the task registered under name or an error wrapping
// ErrTaskNotFound.
func (r *Registry) Find(name string) (*Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return t, nil
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
