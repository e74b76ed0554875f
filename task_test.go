package taskhawk

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type address struct {
	City string `json:"city"`
	Zip  string `json:"zip"`
}

func TestNewTaskSignatures(t *testing.T) {
	tests := []struct {
		name    string
		fn      any
		wantErr bool
	}{
		{"no params", func() {}, false},
		{"context and error", func(ctx context.Context) error { return nil }, false},
		{"positional then metadata", func(a int, m Metadata) {}, false},
		{"metadata and headers", func(ctx context.Context, m Metadata, h Headers) error { return nil }, false},
		{"kwargs last", func(a string, kw Kwargs) {}, false},
		{"not a function", "send_email", true},
		{"nil", nil, true},
		{"variadic", func(args ...int) {}, true},
		{"non-error return", func() int { return 0 }, true},
		{"two returns", func() (int, error) { return 0, nil }, true},
		{"context not first", func(a int, ctx context.Context) {}, true},
		{"metadata twice", func(a Metadata, b Metadata) {}, true},
		{"headers twice", func(a Headers, b Headers) {}, true},
		{"kwargs not last", func(kw Kwargs, a int) {}, true},
		{"metadata pointer", func(m *Metadata) {}, true},
		{"positional after metadata", func(m Metadata, a int) {}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTask("t", tt.fn, PriorityDefault)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newTask() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("newTask() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestNewTaskRejectsBadNameAndPriority(t *testing.T) {
	if _, err := newTask("", func() {}, PriorityDefault); !errors.Is(err, ErrConfiguration) {
		t.Errorf("newTask(empty name) error = %v, want ErrConfiguration", err)
	}
	if _, err := newTask("t", func() {}, Priority(7)); !errors.Is(err, ErrConfiguration) {
		t.Errorf("newTask(bad priority) error = %v, want ErrConfiguration", err)
	}
}

func TestTaskCallBindsArguments(t *testing.T) {
	var (
		gotCount int
		gotAddr  address
		gotTags  []string
		gotMeta  Metadata
		gotHdrs  Headers
	)
	task, err := newTask("t", func(ctx context.Context, n int, a address, tags []string, m Metadata, h Headers) error {
		gotCount, gotAddr, gotTags, gotMeta, gotHdrs = n, a, tags, m, h
		return nil
	}, PriorityDefault)
	if err != nil {
		t.Fatalf("newTask() error = %v", err)
	}
	if !task.AcceptsMetadata() || !task.AcceptsHeaders() || task.NumArgs() != 3 {
		t.Errorf("task flags = metadata %v headers %v args %d", task.AcceptsMetadata(), task.AcceptsHeaders(), task.NumArgs())
	}

	body := `{"id":"m1","metadata":{"timestamp":1,"version":"1.0"},"headers":{"k":"v"},"task":"t",` +
		`"args":[3,{"city":"Oslo","zip":"0150"},["a","b"]],"kwargs":{}}`
	r := NewRegistry()
	if err := r.add(task); err != nil {
		t.Fatalf("add() error = %v", err)
	}
	m, err := ParseMessage([]byte(body), r)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if err := task.call(context.Background(), m); err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if gotCount != 3 {
		t.Errorf("n = %d, want 3", gotCount)
	}
	if gotAddr != (address{City: "Oslo", Zip: "0150"}) {
		t.Errorf("address = %+v", gotAddr)
	}
	if strings.Join(gotTags, ",") != "a,b" {
		t.Errorf("tags = %v, want [a b]", gotTags)
	}
	if gotMeta.ID != "m1" || gotMeta.Timestamp != 1 {
		t.Errorf("metadata = %+v", gotMeta)
	}
	if gotHdrs["k"] != "v" {
		t.Errorf("headers = %v", gotHdrs)
	}
}

func TestTaskCallKwargs(t *testing.T) {
	var got Kwargs
	task, err := newTask("t", func(kw Kwargs) { got = kw }, PriorityDefault)
	if err != nil {
		t.Fatalf("newTask() error = %v", err)
	}
	m := NewMessage("t", PriorityDefault, nil, map[string]any{"to": "x"}, "id1", map[string]string{"h": "1"})

	if err := task.call(context.Background(), m); err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if got["to"] != "x" {
		t.Errorf("kwargs[to] = %v, want x", got["to"])
	}
	if meta, ok := got["metadata"].(Metadata); !ok || meta.ID != "id1" {
		t.Errorf("kwargs[metadata] = %#v", got["metadata"])
	}
	if h, ok := got["headers"].(Headers); !ok || h["h"] != "1" {
		t.Errorf("kwargs[headers] = %#v", got["headers"])
	}
}

func TestTaskCallErrors(t *testing.T) {
	task, _ := newTask("t", func(n int) error { return errors.New("boom") }, PriorityDefault)

	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{"wrong arity", NewMessage("t", PriorityDefault, []any{1, 2}, nil, "", nil), "takes 1 positional arguments"},
		{"unexpected kwargs", NewMessage("t", PriorityDefault, []any{1}, map[string]any{"x": 1}, "", nil), "does not accept keyword arguments"},
		{"unconvertible arg", NewMessage("t", PriorityDefault, []any{"nope"}, nil, "", nil), "argument 0"},
		{"task error", NewMessage("t", PriorityDefault, []any{1}, nil, "", nil), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := task.call(context.Background(), tt.msg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("call() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestHeadersAreCopied(t *testing.T) {
	task, _ := newTask("t", func(h Headers) { h["mutated"] = "yes" }, PriorityDefault)
	m := NewMessage("t", PriorityDefault, nil, nil, "", map[string]string{"a": "b"})
	if err := task.call(context.Background(), m); err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if _, ok := m.Headers()["mutated"]; ok {
		t.Error("task mutated the message headers")
	}
}

func TestFuncName(t *testing.T) {
	if got := FuncName(sendEmail); got != "taskhawk.sendEmail" {
		t.Errorf("FuncName() = %q, want %q", got, "taskhawk.sendEmail")
	}
	if got := FuncName(42); got != "" {
		t.Errorf("FuncName(42) = %q, want empty", got)
	}
}

func TestTaskString(t *testing.T) {
	task, _ := newTask("tasks.send_email", sendEmail, PriorityDefault)
	if got := task.String(); got != "Taskhawk task: tasks.send_email" {
		t.Errorf("String() = %q", got)
	}
}
