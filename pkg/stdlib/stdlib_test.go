package stdlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMathMaxMin(t *testing.T) {
	tbl := New()
	v, err := tbl.Call("Math", "max", []any{float64(1), float64(5), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = tbl.Call("Math", "min", []any{float64(1), float64(5), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)
}

func TestArrayPushDoesNotMutateOriginal(t *testing.T) {
	tbl := New()
	orig := []any{float64(1), float64(2)}
	v, err := tbl.Call("Array", "push", []any{orig, float64(3)})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, v)
	assert.Len(t, orig, 2)
}

func TestObjectKeysSorted(t *testing.T) {
	tbl := New()
	v, err := tbl.Call("Object", "keys", []any{map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestTaskRunResolvesAwaitRequest(t *testing.T) {
	tbl := New()
	require.True(t, tbl.IsAsync("Task", "run"))
	req, err := tbl.Resolve("Task", "run", []any{"charge", map[string]any{"amount": float64(10)}})
	require.NoError(t, err)
	assert.Equal(t, "task", req.Kind)
	assert.Equal(t, "charge", req.FunctionName)
	assert.Equal(t, "default", req.Queue)
}

func TestMathRandomIsNotRegistered(t *testing.T) {
	tbl := New()
	_, err := tbl.Call("Math", "random", nil)
	require.Error(t, err)
}

func TestArithmeticAndComparisonFreeFunctions(t *testing.T) {
	tbl := New()

	v, err := tbl.Call("", "add", []any{float64(2), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = tbl.Call("", "sub", []any{float64(5), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = tbl.Call("", "mod", []any{float64(7), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	_, err = tbl.Call("", "div", []any{float64(1), float64(0)})
	require.Error(t, err)

	v, err = tbl.Call("", "lt", []any{float64(1), float64(2)})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = tbl.Call("", "eq", []any{"a", "a"})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = tbl.Call("", "neq", []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = tbl.Call("", "and", []any{true, false})
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = tbl.Call("", "or", []any{true, false})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = tbl.Call("", "not", []any{false})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestPromiseIsNotRegisteredAsDispatchableAsync(t *testing.T) {
	tbl := New()
	require.False(t, tbl.IsAsync("Promise", "all"))
}
