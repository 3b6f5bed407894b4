package vm

import (
	"fmt"

	"github.com/rhythmhq/rhythm/pkg/dsl"
)

func (ex *executor) eval(e dsl.Expr) (any, signal) {
	if !ex.step() {
		return nil, signal{kind: sigFuelExhausted}
	}
	switch x := e.(type) {
	case *dsl.NumberLit:
		return x.Value, none
	case *dsl.StringLit:
		return x.Value, none
	case *dsl.BoolLit:
		return x.Value, none
	case *dsl.NullLit:
		return nil, none
	case *dsl.Ident:
		v, ok := ex.lookup(x.Name)
		if !ok {
			return nil, signal{kind: sigThrow, thrown: fmt.Sprintf("undefined variable %q", x.Name)}
		}
		return v, none
	case *dsl.ArrayLit:
		out := make([]any, 0, len(x.Elements))
		for _, el := range x.Elements {
			v, sig := ex.eval(el)
			if sig.kind != sigNone {
				return nil, sig
			}
			out = append(out, v)
		}
		return out, none
	case *dsl.ObjectLit:
		out := map[string]any{}
		for i, k := range x.Keys {
			v, sig := ex.eval(x.Values[i])
			if sig.kind != sigNone {
				return nil, sig
			}
			out[k] = v
		}
		return out, none
	case *dsl.MemberExpr:
		return ex.evalMember(x)
	case *dsl.IndexExpr:
		obj, sig := ex.eval(x.Object)
		if sig.kind != sigNone {
			return nil, sig
		}
		idx, sig := ex.eval(x.Index)
		if sig.kind != sigNone {
			return nil, sig
		}
		return ex.getIndex(obj, idx)
	case *dsl.CallExpr:
		return ex.evalCall(x)
	case *dsl.AwaitExpr:
		return ex.evalAwait(x)
	default:
		return nil, signal{kind: sigThrow, thrown: fmt.Sprintf("unknown expression type %T", e)}
	}
}

// evalAwait handles `await <expr>`. Promise.all/any/race is special-cased
// here (its array elements are evaluated to Handles directly, never to a
// Handle value itself), since it isn't a namespace call that can be
// evaluated standalone the way Task.run/Timer.sleep/Signal.next/
// Workflow.run can. Every other target is evaluated normally and must
// produce a Handle — bound earlier by an unawaited async call, or an
// inline one written directly after await.
func (ex *executor) evalAwait(x *dsl.AwaitExpr) (any, signal) {
	if call, ok := x.Target.(*dsl.CallExpr); ok {
		if member, ok := call.Callee.(*dsl.MemberExpr); ok {
			if recv, isNamespace := ex.receiverName(member.Object); isNamespace && recv == "Promise" {
				return ex.evalPromiseCombinator(member.Name, call.Args)
			}
		}
	}
	v, sig := ex.eval(x.Target)
	if sig.kind != sigNone {
		return nil, sig
	}
	h, ok := v.(Handle)
	if !ok {
		return nil, signal{kind: sigThrow, thrown: "await target must be a handle returned by Task.run, Timer.sleep, Signal.next, or Workflow.run"}
	}
	return ex.awaitHandle(h.ID)
}

// awaitHandle resolves a single handle: replay the recorded result if a
// prior tick already reached this await, otherwise suspend on it.
func (ex *executor) awaitHandle(id string) (any, signal) {
	if ex.cursor < len(ex.history) {
		entry := ex.history[ex.cursor]
		ex.cursor++
		if entry.Err != nil {
			return nil, signal{kind: sigThrow, thrown: entry.Err.Value}
		}
		return entry.Value, none
	}
	return nil, signal{kind: sigSuspend, waitOn: []string{id}}
}

// evalMember handles `obj.Name`. When Object is a bare identifier naming a
// stdlib namespace (Math, Array, Object, ...) rather than a declared
// variable, the member access itself is just name resolution done lazily
// at the enclosing CallExpr; evaluated standalone (not as a call target)
// it has no meaning, so we only support it against real object values.
func (ex *executor) evalMember(x *dsl.MemberExpr) (any, signal) {
	obj, sig := ex.eval(x.Object)
	if sig.kind != sigNone {
		return nil, sig
	}
	m, ok := obj.(map[string]any)
	if !ok {
		return nil, signal{kind: sigThrow, thrown: fmt.Sprintf("cannot read property %q of non-object value", x.Name)}
	}
	return m[x.Name], none
}

func (ex *executor) getIndex(obj, idx any) (any, signal) {
	switch o := obj.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, signal{kind: sigThrow, thrown: "object index must be a string"}
		}
		return o[key], none
	case []any:
		i, ok := asInt(idx)
		if !ok || i < 0 || i >= len(o) {
			return nil, signal{kind: sigThrow, thrown: "array index out of range"}
		}
		return o[i], none
	case string:
		i, ok := asInt(idx)
		if !ok || i < 0 || i >= len(o) {
			return nil, signal{kind: sigThrow, thrown: "string index out of range"}
		}
		return string(o[i]), none
	default:
		return nil, signal{kind: sigThrow, thrown: "value is not indexable"}
	}
}

// receiverName returns the stdlib namespace name when callee.Object is a
// bare identifier not bound in the current scope (Task, Timer, Signal,
// Workflow, Promise, Math, Array, Object), so the dispatcher rather than
// the variable environment handles the call.
func (ex *executor) receiverName(obj dsl.Expr) (string, bool) {
	ident, ok := obj.(*dsl.Ident)
	if !ok {
		return "", false
	}
	if _, bound := ex.lookup(ident.Name); bound {
		return "", false
	}
	return ident.Name, true
}

// evalCall dispatches both shapes of CallExpr: a free function call whose
// Callee is a bare Ident (the arithmetic/comparison/boolean stdlib table —
// add, lt, and, ...) and a namespace method call whose Callee is a
// MemberExpr (Task.run, Math.abs, ...).
func (ex *executor) evalCall(call *dsl.CallExpr) (any, signal) {
	if ident, ok := call.Callee.(*dsl.Ident); ok {
		return ex.evalFreeCall(ident, call.Args)
	}

	member, ok := call.Callee.(*dsl.MemberExpr)
	if !ok {
		return nil, signal{kind: sigThrow, thrown: "call target must be a namespace method or a free function, e.g. Task.run(...) or add(a, b)"}
	}
	receiver, isNamespace := ex.receiverName(member.Object)
	if !isNamespace {
		return nil, signal{kind: sigThrow, thrown: fmt.Sprintf("%s is not a callable namespace", member.Name)}
	}
	method := member.Name

	if receiver == "Promise" {
		return nil, signal{kind: sigThrow, thrown: "Promise.* must be called with await"}
	}

	args, sig := ex.evalArgs(call.Args)
	if sig.kind != sigNone {
		return nil, sig
	}

	if ex.disp.IsAsync(receiver, method) {
		return ex.dispatchAsync(receiver, method, args)
	}

	v, err := ex.disp.Call(receiver, method, args)
	if err != nil {
		return nil, signal{kind: sigThrow, thrown: err.Error()}
	}
	return v, none
}

func (ex *executor) evalFreeCall(ident *dsl.Ident, argExprs []dsl.Expr) (any, signal) {
	if _, bound := ex.lookup(ident.Name); bound {
		return nil, signal{kind: sigThrow, thrown: fmt.Sprintf("%s is not callable", ident.Name)}
	}
	args, sig := ex.evalArgs(argExprs)
	if sig.kind != sigNone {
		return nil, sig
	}
	v, err := ex.disp.Call("", ident.Name, args)
	if err != nil {
		return nil, signal{kind: sigThrow, thrown: err.Error()}
	}
	return v, none
}

func (ex *executor) evalArgs(argExprs []dsl.Expr) ([]any, signal) {
	args := make([]any, 0, len(argExprs))
	for _, a := range argExprs {
		v, sig := ex.eval(a)
		if sig.kind != sigNone {
			return nil, sig
		}
		args = append(args, v)
	}
	return args, none
}

// dispatchAsync handles Task.run/Timer.sleep/Signal.next/Workflow.run:
// these always return a Handle synchronously, whether or not the call is
// directly awaited. The first time a fresh (non-replayed) tick reaches
// this call site it appends a new outbox entry for the driver to
// materialize; replaying up to the same call site on a later tick just
// reissues the same handle id without dispatching again.
func (ex *executor) dispatchAsync(receiver, method string, args []any) (any, signal) {
	idx := ex.handleSeq
	id := fmt.Sprintf("h%d", idx)
	ex.handleSeq++
	if idx >= ex.dispatched {
		req, err := ex.disp.Resolve(receiver, method, args)
		if err != nil {
			return nil, signal{kind: sigThrow, thrown: err.Error()}
		}
		ex.newOutbox = append(ex.newOutbox, OutboxItem{Handle: id, Request: req})
	}
	return Handle{ID: id}, none
}

// evalPromiseCombinator handles `await Promise.all/any/race([...])`. Its
// single argument is an array literal whose elements are arbitrary
// expressions — typically variables bound to handles returned by earlier,
// unawaited Task.run/Timer.sleep/Signal.next/Workflow.run calls, but an
// inline call works too since those also evaluate to a Handle.
func (ex *executor) evalPromiseCombinator(method string, callArgs []dsl.Expr) (any, signal) {
	switch method {
	case "all", "any", "race":
	default:
		return nil, signal{kind: sigThrow, thrown: fmt.Sprintf("Promise has no method %q", method)}
	}
	if len(callArgs) != 1 {
		return nil, signal{kind: sigThrow, thrown: "Promise combinators take exactly one array argument"}
	}
	arr, ok := callArgs[0].(*dsl.ArrayLit)
	if !ok {
		return nil, signal{kind: sigThrow, thrown: "Promise combinators take an array literal of handles"}
	}

	// Replay path: a prior tick already resolved this composite await.
	if ex.cursor < len(ex.history) {
		entry := ex.history[ex.cursor]
		ex.cursor++
		if entry.Err != nil {
			return nil, signal{kind: sigThrow, thrown: entry.Err.Value}
		}
		return entry.Value, none
	}

	ids := make([]string, 0, len(arr.Elements))
	for _, el := range arr.Elements {
		v, sig := ex.eval(el)
		if sig.kind != sigNone {
			return nil, sig
		}
		h, ok := v.(Handle)
		if !ok {
			return nil, signal{kind: sigThrow, thrown: "Promise combinator elements must be handles"}
		}
		ids = append(ids, h.ID)
	}

	return nil, signal{kind: sigSuspend, waitOn: ids, combinator: method}
}
