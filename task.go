package taskhawk

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type paramKind int

const (
	paramArg paramKind = iota
	paramContext
	paramMetadata
	paramHeaders
	paramKwargs
)

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	metadataType = reflect.TypeOf(Metadata{})
	headersType  = reflect.TypeOf(Headers{})
	kwargsType   = reflect.TypeOf(Kwargs{})
)

// Task is a registered task function. Functions have the shape
//
//	func([ctx context.Context,] positional..., [Metadata], [Headers], [Kwargs]) [error]
//
// Positional parameters are bound from message args by JSON conversion.
type Task struct {
	name     string
	priority Priority
	fn       reflect.Value
	params   []paramKind
	argTypes []reflect.Type

	acceptsMetadata bool
	acceptsHeaders  bool
	acceptsKwargs   bool
	returnsError    bool

	hub *Hub
}

func newTask(name string, fn any, priority Priority) (*Task, error) {
	if name == "" {
		return nil, configurationErrorf("task name must not be empty")
	}
	if !priority.Valid() {
		return nil, configurationErrorf("task %q: invalid priority %d", name, int(priority))
	}
	v := reflect.ValueOf(fn)
	if fn == nil || v.Kind() != reflect.Func || v.IsNil() {
		return nil, configurationErrorf("task %q: expected a function, got %T", name, fn)
	}
	ft := v.Type()
	if ft.IsVariadic() {
		return nil, configurationErrorf("task %q: variadic parameters are not allowed", name)
	}

	t := &Task{name: name, priority: priority, fn: v}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) != errorType {
			return nil, configurationErrorf("task %q: return type must be error, got %s", name, ft.Out(0))
		}
		t.returnsError = true
	default:
		return nil, configurationErrorf("task %q: must return at most an error", name)
	}

	special := false
	for i := 0; i < ft.NumIn(); i++ {
		in := ft.In(i)
		switch {
		case in == contextType:
			if i != 0 {
				return nil, configurationErrorf("task %q: context.Context must be the first parameter", name)
			}
			t.params = append(t.params, paramContext)
		case in == metadataType:
			if t.acceptsMetadata {
				return nil, configurationErrorf("task %q: Metadata declared twice", name)
			}
			t.acceptsMetadata = true
			special = true
			t.params = append(t.params, paramMetadata)
		case in == headersType:
			if t.acceptsHeaders {
				return nil, configurationErrorf("task %q: Headers declared twice", name)
			}
			t.acceptsHeaders = true
			special = true
			t.params = append(t.params, paramHeaders)
		case in == kwargsType:
			if i != ft.NumIn()-1 {
				return nil, configurationErrorf("task %q: Kwargs must be the last parameter", name)
			}
			// Kwargs receives everything, metadata and headers included.
			t.acceptsKwargs = true
			t.acceptsMetadata = true
			t.acceptsHeaders = true
			t.params = append(t.params, paramKwargs)
		case in == reflect.PointerTo(metadataType):
			return nil, configurationErrorf("task %q: Metadata must be taken by value", name)
		default:
			if special {
				return nil, configurationErrorf("task %q: positional parameter %d follows Metadata or Headers", name, i)
			}
			t.params = append(t.params, paramArg)
			t.argTypes = append(t.argTypes, in)
		}
	}
	return t, nil
}

func (t *Task) Name() string { return t.name }

// Priority is the default publish priority.
func (t *Task) Priority() Priority { return t.priority }

func (t *Task) AcceptsMetadata() bool { return t.acceptsMetadata }
func (t *Task) AcceptsHeaders() bool { return t.acceptsHeaders }

// NumArgs is the number of positional arguments the function expects.
func (t *Task) NumArgs() int { return len(t.argTypes) }

func (t *Task) String() string {
	return "Taskhawk task: " + t.name
}

// call binds the message to the function parameters and runs it on the
// calling goroutine. Panics propagate to the caller.
func (t *Task) call(ctx context.Context, m *Message) error {
	args := m.Args()
	if len(args) != len(t.argTypes) {
		return fmt.Errorf("task %q takes %d positional arguments but %d were given", t.name, len(t.argTypes), len(args))
	}
	if len(m.Kwargs()) > 0 && !t.acceptsKwargs {
		return fmt.Errorf("task %q does not accept keyword arguments", t.name)
	}

	in := make([]reflect.Value, 0, len(t.params))
	argIdx := 0
	for _, kind := range t.params {
		switch kind {
		case paramContext:
			in = append(in, reflect.ValueOf(&ctx).Elem())
		case paramArg:
			v, err := bindArg(args[argIdx], t.argTypes[argIdx])
			if err != nil {
				return fmt.Errorf("task %q: argument %d: %w", t.name, argIdx, err)
			}
			in = append(in, v)
			argIdx++
		case paramMetadata:
			in = append(in, reflect.ValueOf(m.Metadata()))
		case paramHeaders:
			in = append(in, reflect.ValueOf(copyHeaders(m.Headers())))
		case paramKwargs:
			kw := make(Kwargs, len(m.Kwargs())+2)
			for k, v := range m.Kwargs() {
				kw[k] = v
			}
			kw["metadata"] = m.Metadata()
			kw["headers"] = copyHeaders(m.Headers())
			in = append(in, reflect.ValueOf(kw))
		}
	}

	out := t.fn.Call(in)
	if t.returnsError && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

// bindArg converts a decoded JSON value to the parameter type.
func bindArg(v any, target reflect.Type) (reflect.Value, error) {
	if v != nil {
		rv := reflect.ValueOf(v)
		if rv.Type().AssignableTo(target) {
			return rv, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(target)
	if err := decodeJSON(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %s to %s: %w", data, target, err)
	}
	return ptr.Elem(), nil
}

func copyHeaders(h Headers) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// FuncName returns the qualified name of fn, e.g. "main.sendEmail", the way
// tasks are named when registered without an explicit name.
func FuncName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
