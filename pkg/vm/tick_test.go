package vm

import (
	"errors"
	"testing"

	"github.com/rhythmhq/rhythm/pkg/dsl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher lets tests declare which receiver.method pairs are async
// without pulling in pkg/stdlib, keeping vm's tests free of that import.
type fakeDispatcher struct {
	async map[string]bool
	sync  map[string]func([]any) (any, error)
}

func key(r, m string) string { return r + "." + m }

func (f *fakeDispatcher) IsAsync(r, m string) bool { return f.async[key(r, m)] }

func (f *fakeDispatcher) Call(r, m string, args []any) (any, error) {
	fn, ok := f.sync[key(r, m)]
	if !ok {
		return nil, errors.New("no such sync method: " + key(r, m))
	}
	return fn(args)
}

func (f *fakeDispatcher) Resolve(r, m string, args []any) (AwaitRequest, error) {
	return AwaitRequest{Kind: "task", FunctionName: args[0].(string), Inputs: argOrNil(args, 1)}, nil
}

func argOrNil(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func mustParse(t *testing.T, src string) *dsl.Program {
	t.Helper()
	prog, err := dsl.Parse(src)
	require.NoError(t, err)
	require.NoError(t, dsl.Validate(prog))
	return prog
}

func TestTickRunsToCompletionWithoutAwait(t *testing.T) {
	prog := mustParse(t, `
let x = 1
let y = 2
return x
`)
	disp := &fakeDispatcher{async: map[string]bool{}, sync: map[string]func([]any) (any, error){}}
	_, out := Tick(prog, State{}, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, float64(1), out.Result)
}

func TestTickSuspendsOnNewAwaitThenResumesFromHistory(t *testing.T) {
	prog := mustParse(t, `
let r = await Task.run("charge", Inputs.amount)
return r
`)
	disp := &fakeDispatcher{async: map[string]bool{"Task.run": true}}

	state, out := Tick(prog, State{}, map[string]any{"amount": float64(5)}, disp, 10_000)
	require.Equal(t, OutAwait, out.Kind)
	require.Len(t, out.NewOutbox, 1)
	assert.Equal(t, "charge", out.NewOutbox[0].Request.FunctionName)
	require.Equal(t, []string{out.NewOutbox[0].Handle}, out.WaitOn)
	assert.Equal(t, 1, state.HandleCount)

	state.History = append(state.History, HistoryEntry{Kind: "task", Value: float64(42)})
	_, out = Tick(prog, state, map[string]any{"amount": float64(5)}, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, float64(42), out.Result)
}

func TestTickUncaughtThrowPropagatesAsDone(t *testing.T) {
	prog := mustParse(t, `
let r = await Task.run("charge", 1)
return r
`)
	disp := &fakeDispatcher{async: map[string]bool{"Task.run": true}}
	state := State{History: []HistoryEntry{{Kind: "task", Err: &Thrown{Value: "insufficient funds"}}}}
	_, out := Tick(prog, state, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	require.Error(t, out.Err)
}

func TestTickTryCatchCatchesThrownAwaitFailure(t *testing.T) {
	prog := mustParse(t, `
let result = "ok"
try {
  let r = await Task.run("charge", 1)
} catch (e) {
  result = "caught"
}
return result
`)
	disp := &fakeDispatcher{async: map[string]bool{"Task.run": true}}
	state := State{History: []HistoryEntry{{Kind: "task", Err: &Thrown{Value: "boom"}}}}
	_, out := Tick(prog, state, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, "caught", out.Result)
}

func TestTickForInOverObjectIsKeySorted(t *testing.T) {
	prog := mustParse(t, `
const obj = {b: 2, a: 1, c: 3}
let seen = []
for (v in obj) {
  seen = Array.push(seen, v)
}
return seen
`)
	disp := &fakeDispatcher{sync: map[string]func([]any) (any, error){
		"Array.push": func(args []any) (any, error) {
			return append(append([]any{}, args[0].([]any)...), args[1]), nil
		},
	}}
	_, out := Tick(prog, State{}, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, out.Result)
}

func TestTickUnawaitedTaskRunReturnsHandleImmediately(t *testing.T) {
	prog := mustParse(t, `
let a = Task.run("inc", {n: 1})
let aVal = await a
let b = Task.run("inc", {n: aVal})
let bVal = await b
return bVal
`)
	disp := &fakeDispatcher{async: map[string]bool{"Task.run": true}}

	state, out := Tick(prog, State{}, nil, disp, 10_000)
	require.Equal(t, OutAwait, out.Kind)
	require.Len(t, out.NewOutbox, 1)
	assert.Equal(t, "inc", out.NewOutbox[0].Request.FunctionName)
	assert.Equal(t, 1, state.HandleCount)

	state.History = append(state.History, HistoryEntry{Kind: "task", Value: float64(2)})
	state, out = Tick(prog, state, nil, disp, 10_000)
	require.Equal(t, OutAwait, out.Kind)
	require.Len(t, out.NewOutbox, 1)
	inputs, ok := out.NewOutbox[0].Request.Inputs.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), inputs["n"])
	assert.Equal(t, 2, state.HandleCount)

	state.History = append(state.History, HistoryEntry{Kind: "task", Value: float64(3)})
	_, out = Tick(prog, state, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, float64(3), out.Result)
}

func TestTickPromiseAllOverPreboundHandleVariables(t *testing.T) {
	prog := mustParse(t, `
let h1 = Task.run("inc", {n: 1})
let h2 = Task.run("inc", {n: 2})
let h3 = Task.run("inc", {n: 3})
let results = await Promise.all([h1, h2, h3])
return results
`)
	disp := &fakeDispatcher{async: map[string]bool{"Task.run": true}}

	state, out := Tick(prog, State{}, nil, disp, 10_000)
	require.Equal(t, OutAwait, out.Kind)
	require.Len(t, out.NewOutbox, 3)
	assert.Equal(t, "all", out.Combinator)
	require.Len(t, out.WaitOn, 3)
	assert.Equal(t, 3, state.HandleCount)

	state.History = append(state.History, HistoryEntry{Kind: "promise", Value: []any{float64(2), float64(3), float64(4)}})
	_, out = Tick(prog, state, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, []any{float64(2), float64(3), float64(4)}, out.Result)
}

func TestTickFreeFunctionCallDispatchesWithEmptyReceiver(t *testing.T) {
	prog := mustParse(t, `
let sum = add(1, 2)
return sum
`)
	disp := &fakeDispatcher{
		async: map[string]bool{},
		sync: map[string]func([]any) (any, error){
			".add": func(args []any) (any, error) {
				return args[0].(float64) + args[1].(float64), nil
			},
		},
	}
	_, out := Tick(prog, State{}, nil, disp, 10_000)
	require.Equal(t, OutDone, out.Kind)
	assert.Equal(t, float64(3), out.Result)
}

func TestTickFuelExhaustionReturnsContinue(t *testing.T) {
	prog := mustParse(t, `
let i = 0
while (true) {
  i = i
}
`)
	disp := &fakeDispatcher{}
	_, out := Tick(prog, State{}, nil, disp, 50)
	require.Equal(t, OutContinue, out.Kind)
}
