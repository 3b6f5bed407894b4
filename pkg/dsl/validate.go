package dsl

import (
	"fmt"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// builtinNames are bound in every program's outermost scope before the
// first statement runs: Inputs (the execution's input object), the
// namespace identifiers the interpreter dispatches Namespace.method(...)
// calls through, and the free-function arithmetic/comparison/boolean
// operators that stand in for infix operators. Declaring them here keeps
// Validate's undeclared-identifier check from rejecting the only way the
// DSL ever calls host functionality; they are const so assigning to one is
// rejected, and declaring one again at the top level is reported as a
// redeclaration. A nested block may still shadow one with a local.
var builtinNames = []string{
	"Inputs", "Task", "Workflow", "Timer", "Signal", "Promise", "Math", "Array", "Object",
	"add", "sub", "mul", "div", "mod", "eq", "neq", "lt", "lte", "gt", "gte", "and", "or", "not",
}

// Validate performs a single pass over a parsed Program checking the
// semantic rules the parser itself cannot enforce: undeclared identifiers,
// redeclaration of a name in the same block, reassignment of a const
// binding, await used outside an allowed
// statement position, and break/continue outside a loop. It accumulates
// every diagnostic found rather than stopping at the first.
func Validate(prog *Program) error {
	base := scope{}
	for _, name := range builtinNames {
		base[name] = binding{isConst: true}
	}
	v := &validator{scopes: []scope{base}}
	for _, stmt := range prog.Body {
		v.checkStmt(stmt, 0)
	}
	if len(v.diags) == 0 {
		return nil
	}
	return &rhythmerr.ValidationError{Diagnostics: v.diags}
}

type binding struct {
	isConst bool
}

type scope map[string]binding

type validator struct {
	scopes []scope
	diags  []rhythmerr.Diagnostic
}

func (v *validator) push()           { v.scopes = append(v.scopes, scope{}) }
func (v *validator) pop()            { v.scopes = v.scopes[:len(v.scopes)-1] }
func (v *validator) top() scope      { return v.scopes[len(v.scopes)-1] }

func (v *validator) declare(name string, isConst bool, sp Span) {
	if _, exists := v.top()[name]; exists {
		v.addf("redeclaration", sp, "%q is already declared in this block", name)
	}
	v.top()[name] = binding{isConst: isConst}
}

func (v *validator) lookup(name string) (binding, bool) {
	for i := len(v.scopes) - 1; i >= 0; i-- {
		if b, ok := v.scopes[i][name]; ok {
			return b, true
		}
	}
	return binding{}, false
}

func (v *validator) addf(kind string, sp Span, format string, args ...any) {
	v.diags = append(v.diags, rhythmerr.Diagnostic{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Start:   sp.Start,
		End:     sp.End,
	})
}

// checkStmt walks one statement. loopDepth counts enclosing while/for
// loops so break/continue can be validated without a separate pass.
func (v *validator) checkStmt(stmt Stmt, loopDepth int) {
	switch s := stmt.(type) {
	case *LetStmt:
		v.checkTopLevelValue(s.Value, loopDepth)
		v.declare(s.Name, false, s.Span)
	case *ConstStmt:
		v.checkTopLevelValue(s.Value, loopDepth)
		v.declare(s.Name, true, s.Span)
	case *AssignStmt:
		v.checkTopLevelValue(s.Value, loopDepth)
		if ident, ok := s.Target.(*Ident); ok {
			if b, found := v.lookup(ident.Name); found {
				if b.isConst {
					v.addf("const-reassignment", ident.Span, "cannot assign to const binding %q", ident.Name)
				}
			} else {
				v.addf("undeclared-identifier", ident.Span, "assignment to undeclared identifier %q", ident.Name)
			}
		} else {
			v.checkExpr(s.Target, loopDepth)
		}
	case *ExprStmt:
		v.checkTopLevelValue(s.X, loopDepth)
	case *IfStmt:
		v.checkExpr(s.Cond, loopDepth)
		v.push()
		for _, st := range s.Then {
			v.checkStmt(st, loopDepth)
		}
		v.pop()
		if s.Else != nil {
			v.push()
			for _, st := range s.Else {
				v.checkStmt(st, loopDepth)
			}
			v.pop()
		}
	case *WhileStmt:
		v.checkExpr(s.Cond, loopDepth)
		v.push()
		for _, st := range s.Body {
			v.checkStmt(st, loopDepth+1)
		}
		v.pop()
	case *ForInStmt:
		v.checkExpr(s.Iterable, loopDepth)
		v.push()
		v.declare(s.Name, false, s.Span)
		for _, st := range s.Body {
			v.checkStmt(st, loopDepth+1)
		}
		v.pop()
	case *BreakStmt:
		if loopDepth == 0 {
			v.addf("break-outside-loop", s.Span, "break used outside a loop")
		}
	case *ContinueStmt:
		if loopDepth == 0 {
			v.addf("continue-outside-loop", s.Span, "continue used outside a loop")
		}
	case *ReturnStmt:
		if s.Value != nil {
			v.checkExpr(s.Value, loopDepth)
		}
	case *TryStmt:
		v.push()
		for _, st := range s.Try {
			v.checkStmt(st, loopDepth)
		}
		v.pop()
		v.push()
		if s.CatchName != "" {
			v.declare(s.CatchName, false, s.Span)
		}
		for _, st := range s.Catch {
			v.checkStmt(st, loopDepth)
		}
		v.pop()
	case *BlockStmt:
		v.push()
		for _, st := range s.Body {
			v.checkStmt(st, loopDepth)
		}
		v.pop()
	}
}

// checkTopLevelValue validates an expression sitting directly in one of
// the positions where a bare await is legal: a let/const declaration's
// value, an assignment's value, or an expression statement. If the
// expression is itself an AwaitExpr its Target is checked directly so
// the await isn't flagged as misplaced; anything reached by recursing
// into Target still goes through checkExpr, so a second await nested
// inside it (e.g. `let a = await Task.run(await Timer.sleep(1))`) is
// still rejected.
func (v *validator) checkTopLevelValue(e Expr, loopDepth int) {
	if aw, ok := e.(*AwaitExpr); ok {
		v.checkExpr(aw.Target, loopDepth)
		return
	}
	v.checkExpr(e, loopDepth)
}

func isAwait(e Expr) bool {
	_, ok := e.(*AwaitExpr)
	return ok
}

// checkExpr walks an expression looking for undeclared identifiers and
// misplaced await nodes. Every AwaitExpr checkExpr itself encounters is
// nested inside some larger expression or sitting in a non-value
// position (an if/while condition, a for-in iterable, a call argument,
// ...): the one legal bare-await position is intercepted by
// checkTopLevelValue before checkExpr ever sees it, so any AwaitExpr
// checkExpr reaches here is misplaced.
func (v *validator) checkExpr(e Expr, loopDepth int) {
	switch x := e.(type) {
	case *Ident:
		if _, found := v.lookup(x.Name); !found {
			v.addf("undeclared-identifier", x.Span, "undeclared identifier %q", x.Name)
		}
	case *ArrayLit:
		for _, el := range x.Elements {
			v.checkExpr(el, loopDepth)
		}
	case *ObjectLit:
		for _, val := range x.Values {
			v.checkExpr(val, loopDepth)
		}
	case *MemberExpr:
		v.checkExpr(x.Object, loopDepth)
	case *IndexExpr:
		v.checkExpr(x.Object, loopDepth)
		v.checkExpr(x.Index, loopDepth)
	case *CallExpr:
		v.checkExpr(x.Callee, loopDepth)
		for _, a := range x.Args {
			v.checkExpr(a, loopDepth)
		}
	case *AwaitExpr:
		v.addf("invalid-await-position", x.Span, "await is only allowed as the direct value of let, const, assignment, or an expression statement")
		v.checkExpr(x.Target, loopDepth)
	}
}
