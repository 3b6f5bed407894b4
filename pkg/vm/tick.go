package vm

import (
	"fmt"
	"sort"

	"github.com/rhythmhq/rhythm/pkg/dsl"
	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// Tick runs one bounded pass of the interpreter: it replays state.History
// in order to reconstruct variable bindings, then keeps executing new
// statements until the program suspends on a new await, returns/falls off
// the end, throws uncaught, or exhausts fuel. It never mutates state;
// callers persist the returned State themselves.
//
// fuel bounds the number of statements/expressions evaluated in this call,
// guarding against an accidental infinite loop that contains no awaits.
func Tick(prog *dsl.Program, state State, input map[string]any, disp Dispatcher, fuel int) (State, Output) {
	if state.Done {
		if state.Failure != nil {
			return state, Output{Kind: OutDone, Err: &rhythmerr.ThrownValue{Value: state.Failure.Value}}
		}
		return state, Output{Kind: OutDone, Result: state.Result}
	}

	ex := &executor{
		disp:       disp,
		history:    state.History,
		dispatched: state.HandleCount,
		fuel:       fuel,
		env:        []map[string]any{{"Inputs": input}},
	}

	sig := ex.execBlock(prog.Body)

	switch sig.kind {
	case sigSuspend:
		next := state
		next.HandleCount = ex.handleSeq
		return next, Output{Kind: OutAwait, NewOutbox: ex.newOutbox, WaitOn: sig.waitOn, Combinator: sig.combinator}
	case sigReturn:
		next := State{History: state.History, HandleCount: ex.handleSeq, Handles: state.Handles, Done: true, Result: sig.value}
		return next, Output{Kind: OutDone, NewOutbox: ex.newOutbox, Result: sig.value}
	case sigThrow:
		next := State{History: state.History, HandleCount: ex.handleSeq, Handles: state.Handles, Done: true, Failure: &Thrown{Value: sig.thrown}}
		return next, Output{Kind: OutDone, NewOutbox: ex.newOutbox, Err: &rhythmerr.ThrownValue{Value: sig.thrown}}
	case sigFuelExhausted:
		return state, Output{Kind: OutContinue}
	default:
		// fell off the end of the program with no explicit return
		next := State{History: state.History, HandleCount: ex.handleSeq, Handles: state.Handles, Done: true, Result: nil}
		return next, Output{Kind: OutDone, NewOutbox: ex.newOutbox, Result: nil}
	}
}

type signalKind int

const (
	sigNone signalKind = iota
	sigBreak
	sigContinue
	sigReturn
	sigSuspend
	sigThrow
	sigFuelExhausted
)

type signal struct {
	kind       signalKind
	value      any
	thrown     any
	waitOn     []string // set on sigSuspend: handle id(s) this await is blocked on
	combinator string   // set on sigSuspend for a Promise.all/any/race wait
}

var none = signal{kind: sigNone}

type executor struct {
	disp    Dispatcher
	history []HistoryEntry
	cursor  int // next unconsumed HistoryEntry
	fuel    int
	env     []map[string]any // scope chain, index 0 is the top-level scope

	dispatched int          // HandleCount carried in from State: handles already materialized by a prior tick
	handleSeq  int          // handles encountered so far this tick, across all ticks since the start of the replay
	newOutbox  []OutboxItem // handles newly encountered this tick (handleSeq index >= dispatched), needing materialization
}

func (ex *executor) pushScope() { ex.env = append(ex.env, map[string]any{}) }
func (ex *executor) popScope()  { ex.env = ex.env[:len(ex.env)-1] }

func (ex *executor) declare(name string, value any) {
	ex.env[len(ex.env)-1][name] = value
}

func (ex *executor) lookup(name string) (any, bool) {
	for i := len(ex.env) - 1; i >= 0; i-- {
		if v, ok := ex.env[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (ex *executor) assign(name string, value any) {
	for i := len(ex.env) - 1; i >= 0; i-- {
		if _, ok := ex.env[i][name]; ok {
			ex.env[i][name] = value
			return
		}
	}
	ex.declare(name, value)
}

func (ex *executor) step() bool {
	ex.fuel--
	return ex.fuel > 0
}

func (ex *executor) execBlock(stmts []dsl.Stmt) signal {
	for _, stmt := range stmts {
		sig := ex.execStmt(stmt)
		if sig.kind != sigNone {
			return sig
		}
	}
	return none
}

func (ex *executor) execStmt(stmt dsl.Stmt) signal {
	if !ex.step() {
		return signal{kind: sigFuelExhausted}
	}
	switch s := stmt.(type) {
	case *dsl.LetStmt:
		v, sig := ex.eval(s.Value)
		if sig.kind != sigNone {
			return sig
		}
		ex.declare(s.Name, v)
		return none
	case *dsl.ConstStmt:
		v, sig := ex.eval(s.Value)
		if sig.kind != sigNone {
			return sig
		}
		ex.declare(s.Name, v)
		return none
	case *dsl.AssignStmt:
		v, sig := ex.eval(s.Value)
		if sig.kind != sigNone {
			return sig
		}
		return ex.execAssign(s.Target, v)
	case *dsl.ExprStmt:
		_, sig := ex.eval(s.X)
		return sig
	case *dsl.IfStmt:
		return ex.execIf(s)
	case *dsl.WhileStmt:
		return ex.execWhile(s)
	case *dsl.ForInStmt:
		return ex.execForIn(s)
	case *dsl.BreakStmt:
		return signal{kind: sigBreak}
	case *dsl.ContinueStmt:
		return signal{kind: sigContinue}
	case *dsl.ReturnStmt:
		if s.Value == nil {
			return signal{kind: sigReturn, value: nil}
		}
		v, sig := ex.eval(s.Value)
		if sig.kind != sigNone {
			return sig
		}
		return signal{kind: sigReturn, value: v}
	case *dsl.TryStmt:
		return ex.execTry(s)
	case *dsl.BlockStmt:
		ex.pushScope()
		defer ex.popScope()
		return ex.execBlock(s.Body)
	default:
		return signal{kind: sigThrow, thrown: fmt.Sprintf("unknown statement type %T", stmt)}
	}
}

func (ex *executor) execAssign(target dsl.Expr, value any) signal {
	switch t := target.(type) {
	case *dsl.Ident:
		ex.assign(t.Name, value)
		return none
	case *dsl.MemberExpr:
		obj, sig := ex.eval(t.Object)
		if sig.kind != sigNone {
			return sig
		}
		m, ok := obj.(map[string]any)
		if !ok {
			return signal{kind: sigThrow, thrown: "cannot set property on non-object value"}
		}
		m[t.Name] = value
		return none
	case *dsl.IndexExpr:
		obj, sig := ex.eval(t.Object)
		if sig.kind != sigNone {
			return sig
		}
		idx, sig := ex.eval(t.Index)
		if sig.kind != sigNone {
			return sig
		}
		return ex.setIndex(obj, idx, value)
	default:
		return signal{kind: sigThrow, thrown: "invalid assignment target"}
	}
}

func (ex *executor) setIndex(obj, idx, value any) signal {
	switch o := obj.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return signal{kind: sigThrow, thrown: "object index must be a string"}
		}
		o[key] = value
		return none
	case []any:
		i, ok := asInt(idx)
		if !ok || i < 0 || i >= len(o) {
			return signal{kind: sigThrow, thrown: "array index out of range"}
		}
		o[i] = value
		return none
	default:
		return signal{kind: sigThrow, thrown: "value is not indexable"}
	}
}

func (ex *executor) execIf(s *dsl.IfStmt) signal {
	cond, sig := ex.eval(s.Cond)
	if sig.kind != sigNone {
		return sig
	}
	ex.pushScope()
	defer ex.popScope()
	if truthy(cond) {
		return ex.execBlock(s.Then)
	}
	if s.Else != nil {
		return ex.execBlock(s.Else)
	}
	return none
}

func (ex *executor) execWhile(s *dsl.WhileStmt) signal {
	for {
		cond, sig := ex.eval(s.Cond)
		if sig.kind != sigNone {
			return sig
		}
		if !truthy(cond) {
			return none
		}
		ex.pushScope()
		sig = ex.execBlock(s.Body)
		ex.popScope()
		switch sig.kind {
		case sigBreak:
			return none
		case sigContinue, sigNone:
			continue
		default:
			return sig
		}
	}
}

func (ex *executor) execForIn(s *dsl.ForInStmt) signal {
	iterable, sig := ex.eval(s.Iterable)
	if sig.kind != sigNone {
		return sig
	}
	items, sig := iterationValues(iterable)
	if sig.kind != sigNone {
		return sig
	}
	for _, item := range items {
		ex.pushScope()
		ex.declare(s.Name, item)
		sig := ex.execBlock(s.Body)
		ex.popScope()
		switch sig.kind {
		case sigBreak:
			return none
		case sigContinue, sigNone:
			continue
		default:
			return sig
		}
	}
	return none
}

// iterationValues enumerates an array in order or an object's values in
// sorted-key order. Sorting object keys keeps for-in deterministic across
// ticks: Go map iteration order is randomized and would otherwise make
// replay non-deterministic.
func iterationValues(v any) ([]any, signal) {
	switch x := v.(type) {
	case []any:
		return x, none
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = x[k]
		}
		return out, none
	default:
		return nil, signal{kind: sigThrow, thrown: "value is not iterable"}
	}
}

func (ex *executor) execTry(s *dsl.TryStmt) signal {
	ex.pushScope()
	sig := ex.execBlock(s.Try)
	ex.popScope()
	if sig.kind != sigThrow {
		return sig
	}
	ex.pushScope()
	defer ex.popScope()
	if s.CatchName != "" {
		ex.declare(s.CatchName, sig.thrown)
	}
	return ex.execBlock(s.Catch)
}

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

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
