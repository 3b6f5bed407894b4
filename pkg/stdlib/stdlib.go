// Package stdlib is the workflow DSL's standard library: a flat
// (receiver, method) dispatch table in the same shape as the host task
// registry (pkg/registry) and the mel-agent-derived node dispatch this
// project is descended from. It implements vm.Dispatcher.
package stdlib

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/rhythmhq/rhythm/pkg/vm"
)

type dispatchKey struct {
	Receiver string
	Method   string
}

type syncFunc func(args []any) (any, error)

// Table is the dispatcher handed to vm.Tick. It is safe for concurrent
// use by multiple workers since it is built once at process start and
// never mutated afterward.
type Table struct {
	sync  map[dispatchKey]syncFunc
	async map[dispatchKey]struct{}
}

// New builds the standard dispatch table: the arithmetic/comparison/
// boolean free functions and the deterministic Math/Array/Object
// namespaces as synchronous entries, and Task/Timer/Signal/Workflow as
// asynchronous entries whose arguments Resolve turns into an AwaitRequest
// for the driver to enqueue. Promise.all/any/race is handled entirely
// inside pkg/vm (it never reaches this table): it resolves a set of
// already-dispatched handles rather than dispatching anything itself.
func New() *Table {
	t := &Table{
		sync:  map[dispatchKey]syncFunc{},
		async: map[dispatchKey]struct{}{},
	}
	t.registerArithmetic()
	t.registerMath()
	t.registerArray()
	t.registerObject()
	for _, k := range []dispatchKey{
		{"Task", "run"},
		{"Timer", "sleep"},
		{"Signal", "next"},
		{"Workflow", "run"},
	} {
		t.async[k] = struct{}{}
	}
	return t
}

func (t *Table) IsAsync(receiver, method string) bool {
	_, ok := t.async[dispatchKey{receiver, method}]
	return ok
}

func (t *Table) Call(receiver, method string, args []any) (any, error) {
	fn, ok := t.sync[dispatchKey{receiver, method}]
	if !ok {
		if receiver == "" {
			return nil, fmt.Errorf("stdlib: no such function %s", method)
		}
		return nil, fmt.Errorf("stdlib: no such method %s.%s", receiver, method)
	}
	return fn(args)
}

// Resolve builds the AwaitRequest for one of the four asynchronous
// namespaces. It performs no I/O; the driver is the only thing that
// touches the database or enqueues work.
func (t *Table) Resolve(receiver, method string, args []any) (vm.AwaitRequest, error) {
	switch receiver {
	case "Task":
		return resolveTaskOrWorkflow("task", args)
	case "Workflow":
		return resolveTaskOrWorkflow("workflow", args)
	case "Timer":
		return resolveTimer(args)
	case "Signal":
		return resolveSignal(args)
	default:
		return vm.AwaitRequest{}, fmt.Errorf("stdlib: %s.%s is not asynchronous", receiver, method)
	}
}

func resolveTaskOrWorkflow(kind string, args []any) (vm.AwaitRequest, error) {
	if len(args) < 1 {
		return vm.AwaitRequest{}, fmt.Errorf("%s.run requires a name argument", kind)
	}
	name, ok := args[0].(string)
	if !ok {
		return vm.AwaitRequest{}, fmt.Errorf("%s.run's name argument must be a string", kind)
	}
	var inputs any
	if len(args) > 1 {
		inputs = args[1]
	}
	queue := "default"
	if len(args) > 2 {
		if q, ok := args[2].(string); ok {
			queue = q
		}
	}
	return vm.AwaitRequest{Kind: kind, FunctionName: name, Inputs: inputs, Queue: queue}, nil
}

func resolveTimer(args []any) (vm.AwaitRequest, error) {
	if len(args) != 1 {
		return vm.AwaitRequest{}, fmt.Errorf("Timer.sleep requires a seconds argument")
	}
	seconds, ok := args[0].(float64)
	if !ok {
		return vm.AwaitRequest{}, fmt.Errorf("Timer.sleep's argument must be a number")
	}
	return vm.AwaitRequest{Kind: "timer", Duration: seconds}, nil
}

func resolveSignal(args []any) (vm.AwaitRequest, error) {
	if len(args) != 1 {
		return vm.AwaitRequest{}, fmt.Errorf("Signal.next requires a channel argument")
	}
	channel, ok := args[0].(string)
	if !ok {
		return vm.AwaitRequest{}, fmt.Errorf("Signal.next's argument must be a string")
	}
	return vm.AwaitRequest{Kind: "signal", Channel: channel}, nil
}

// registerArithmetic wires the free-function table that stands in for
// infix operators: the DSL has no +, -, ==, <, &&, or ! tokens, so every
// arithmetic, comparison, and boolean operation a program needs goes
// through one of these instead. Registered with an empty receiver, the
// same dispatchKey shape a namespace method uses with Receiver set.
func (t *Table) registerArithmetic() {
	bin := func(name string, f func(a, b float64) (any, error)) {
		t.sync[dispatchKey{"", name}] = func(args []any) (any, error) {
			a, err := floatArg(args, 0, name)
			if err != nil {
				return nil, err
			}
			b, err := floatArg(args, 1, name)
			if err != nil {
				return nil, err
			}
			return f(a, b)
		}
	}
	bin("add", func(a, b float64) (any, error) { return a + b, nil })
	bin("sub", func(a, b float64) (any, error) { return a - b, nil })
	bin("mul", func(a, b float64) (any, error) { return a * b, nil })
	bin("div", func(a, b float64) (any, error) {
		if b == 0 {
			return nil, fmt.Errorf("div: division by zero")
		}
		return a / b, nil
	})
	bin("mod", func(a, b float64) (any, error) {
		if b == 0 {
			return nil, fmt.Errorf("mod: division by zero")
		}
		return math.Mod(a, b), nil
	})
	bin("lt", func(a, b float64) (any, error) { return a < b, nil })
	bin("lte", func(a, b float64) (any, error) { return a <= b, nil })
	bin("gt", func(a, b float64) (any, error) { return a > b, nil })
	bin("gte", func(a, b float64) (any, error) { return a >= b, nil })

	t.sync[dispatchKey{"", "eq"}] = func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("eq requires 2 arguments")
		}
		return reflect.DeepEqual(args[0], args[1]), nil
	}
	t.sync[dispatchKey{"", "neq"}] = func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("neq requires 2 arguments")
		}
		return !reflect.DeepEqual(args[0], args[1]), nil
	}
	t.sync[dispatchKey{"", "and"}] = func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("and requires 2 arguments")
		}
		return truthy(args[0]) && truthy(args[1]), nil
	}
	t.sync[dispatchKey{"", "or"}] = func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("or requires 2 arguments")
		}
		return truthy(args[0]) || truthy(args[1]), nil
	}
	t.sync[dispatchKey{"", "not"}] = func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("not requires 1 argument")
		}
		return !truthy(args[0]), nil
	}
}

// truthy mirrors pkg/vm's own truthiness rule (duplicated because vm's
// version is unexported; this package already imports vm, and vm defines
// the Dispatcher interface this package implements): nil, false, 0, "", and empty arrays/objects
// are falsy, everything else is truthy.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// registerMath wires only pure, deterministic functions. Math.random is
// deliberately absent: a workflow may replay at any time and a
// non-deterministic value would diverge between the original run and a
// replay, corrupting every await position recorded after it.
func (t *Table) registerMath() {
	num1 := func(name string, f func(float64) float64) {
		t.sync[dispatchKey{"Math", name}] = func(args []any) (any, error) {
			n, err := floatArg(args, 0, name)
			if err != nil {
				return nil, err
			}
			return f(n), nil
		}
	}
	num1("abs", math.Abs)
	num1("floor", math.Floor)
	num1("ceil", math.Ceil)
	num1("round", math.Round)
	num1("sqrt", math.Sqrt)

	t.sync[dispatchKey{"Math", "max"}] = func(args []any) (any, error) {
		return reduceFloats(args, "max", math.Max)
	}
	t.sync[dispatchKey{"Math", "min"}] = func(args []any) (any, error) {
		return reduceFloats(args, "min", math.Min)
	}
}

func (t *Table) registerArray() {
	t.sync[dispatchKey{"Array", "length"}] = func(args []any) (any, error) {
		arr, err := arrayArg(args, 0, "length")
		if err != nil {
			return nil, err
		}
		return float64(len(arr)), nil
	}
	t.sync[dispatchKey{"Array", "push"}] = func(args []any) (any, error) {
		arr, err := arrayArg(args, 0, "push")
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("Array.push requires a value argument")
		}
		out := make([]any, len(arr)+1)
		copy(out, arr)
		out[len(arr)] = args[1]
		return out, nil
	}
	t.sync[dispatchKey{"Array", "slice"}] = func(args []any) (any, error) {
		arr, err := arrayArg(args, 0, "slice")
		if err != nil {
			return nil, err
		}
		start, err := intArg(args, 1, "slice")
		if err != nil {
			return nil, err
		}
		end := len(arr)
		if len(args) > 2 {
			end, err = intArg(args, 2, "slice")
			if err != nil {
				return nil, err
			}
		}
		start = clamp(start, 0, len(arr))
		end = clamp(end, start, len(arr))
		out := make([]any, end-start)
		copy(out, arr[start:end])
		return out, nil
	}
	t.sync[dispatchKey{"Array", "concat"}] = func(args []any) (any, error) {
		a, err := arrayArg(args, 0, "concat")
		if err != nil {
			return nil, err
		}
		b, err := arrayArg(args, 1, "concat")
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(a)+len(b))
		out = append(out, a...)
		out = append(out, b...)
		return out, nil
	}
}

func (t *Table) registerObject() {
	t.sync[dispatchKey{"Object", "keys"}] = func(args []any) (any, error) {
		obj, err := objectArg(args, 0, "keys")
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
	t.sync[dispatchKey{"Object", "values"}] = func(args []any) (any, error) {
		obj, err := objectArg(args, 0, "values")
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = obj[k]
		}
		return out, nil
	}
	t.sync[dispatchKey{"Object", "merge"}] = func(args []any) (any, error) {
		a, err := objectArg(args, 0, "merge")
		if err != nil {
			return nil, err
		}
		b, err := objectArg(args, 1, "merge")
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(a)+len(b))
		for k, v := range a {
			out[k] = v
		}
		for k, v := range b {
			out[k] = v
		}
		return out, nil
	}
}

func floatArg(args []any, i int, fn string) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%s requires %d argument(s)", fn, i+1)
	}
	f, ok := args[i].(float64)
	if !ok {
		return 0, fmt.Errorf("%s argument %d must be a number", fn, i)
	}
	return f, nil
}

func intArg(args []any, i int, fn string) (int, error) {
	f, err := floatArg(args, i, fn)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func arrayArg(args []any, i int, fn string) ([]any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%s requires %d argument(s)", fn, i+1)
	}
	arr, ok := args[i].([]any)
	if !ok {
		return nil, fmt.Errorf("%s argument %d must be an array", fn, i)
	}
	return arr, nil
}

func objectArg(args []any, i int, fn string) (map[string]any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%s requires %d argument(s)", fn, i+1)
	}
	obj, ok := args[i].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s argument %d must be an object", fn, i)
	}
	return obj, nil
}

func reduceFloats(args []any, fn string, op func(a, b float64) float64) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s requires at least one argument", fn)
	}
	acc, err := floatArg(args, 0, fn)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(args); i++ {
		v, err := floatArg(args, i, fn)
		if err != nil {
			return nil, err
		}
		acc = op(acc, v)
	}
	return acc, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
