package dsl

import (
	"testing"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLetAndReturn(t *testing.T) {
	prog, err := Parse("let x = 1\nreturn x\n")
	require.NoError(t, err)
	require.Len(t, prog.Body, 2)

	let, ok := prog.Body[0].(*LetStmt)
	require.True(t, ok)
	assert.Equal(t, "x", let.Name)
	num, ok := let.Value.(*NumberLit)
	require.True(t, ok)
	assert.Equal(t, float64(1), num.Value)

	ret, ok := prog.Body[1].(*ReturnStmt)
	require.True(t, ok)
	ident, ok := ret.Value.(*Ident)
	require.True(t, ok)
	assert.Equal(t, "x", ident.Name)
}

func TestParseMethodCallChain(t *testing.T) {
	prog, err := Parse(`let r = await Task.run("charge", {amount: 10})` + "\n")
	require.NoError(t, err)
	let := prog.Body[0].(*LetStmt)
	await, ok := let.Value.(*AwaitExpr)
	require.True(t, ok)
	call, ok := await.Target.(*CallExpr)
	require.True(t, ok)
	member, ok := call.Callee.(*MemberExpr)
	require.True(t, ok)
	assert.Equal(t, "run", member.Name)
	obj, ok := member.Object.(*Ident)
	require.True(t, ok)
	assert.Equal(t, "Task", obj.Name)
	require.Len(t, call.Args, 2)
	obj2, ok := call.Args[1].(*ObjectLit)
	require.True(t, ok)
	assert.Equal(t, []string{"amount"}, obj2.Keys)
}

func TestParseIfElseIfElse(t *testing.T) {
	src := `
if (x) {
  return 1
} else if (y) {
  return 2
} else {
  return 3
}
`
	prog, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, prog.Body, 1)
	top, ok := prog.Body[0].(*IfStmt)
	require.True(t, ok)
	require.Len(t, top.Else, 1)
	_, ok = top.Else[0].(*IfStmt)
	require.True(t, ok)
}

func TestNewlineContinuationForMemberAccess(t *testing.T) {
	src := "let r = Task\n  .run(\"x\")\n"
	prog, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, prog.Body, 1)
	let := prog.Body[0].(*LetStmt)
	_, ok := let.Value.(*CallExpr)
	require.True(t, ok, "newline before '.' should not terminate the statement")
}

func TestValidateUndeclaredIdentifier(t *testing.T) {
	prog, err := Parse("return y\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Diagnostics, 1)
	assert.Equal(t, "undeclared-identifier", ve.Diagnostics[0].Kind)
}

func TestValidateConstReassignment(t *testing.T) {
	prog, err := Parse("const x = 1\nx = 2\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "const-reassignment", ve.Diagnostics[0].Kind)
}

func TestValidateBreakOutsideLoop(t *testing.T) {
	prog, err := Parse("break\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "break-outside-loop", ve.Diagnostics[0].Kind)
}

func TestValidateAwaitNestedInCallArgRejected(t *testing.T) {
	prog, err := Parse(`let r = Task.run(await Timer.sleep(1))` + "\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid-await-position", ve.Diagnostics[0].Kind)
}

func TestValidateAwaitInWhileConditionRejected(t *testing.T) {
	prog, err := Parse("while (await Task.run(\"x\")) {\n  break\n}\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid-await-position", ve.Diagnostics[0].Kind)
}

func TestValidateAwaitInIfConditionRejected(t *testing.T) {
	prog, err := Parse("if (await Task.run(\"x\")) {\n  return 1\n}\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid-await-position", ve.Diagnostics[0].Kind)
}

func TestValidateAwaitInForInIterableRejected(t *testing.T) {
	prog, err := Parse("for (x in await Task.run(\"x\")) {\n  break\n}\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid-await-position", ve.Diagnostics[0].Kind)
}

func TestValidateAwaitInReturnRejected(t *testing.T) {
	prog, err := Parse("return await Task.run(\"x\")\n")
	require.NoError(t, err)
	err = Validate(prog)
	require.Error(t, err)
	var ve *rhythmerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid-await-position", ve.Diagnostics[0].Kind)
}

func TestValidateAwaitAsLetValueAccepted(t *testing.T) {
	prog, err := Parse("let r = await Task.run(\"x\")\nreturn r\n")
	require.NoError(t, err)
	require.NoError(t, Validate(prog))
}

func TestValidateUnawaitedTaskRunAccepted(t *testing.T) {
	prog, err := Parse("let a = Task.run(\"x\")\nlet v = await a\nreturn v\n")
	require.NoError(t, err)
	require.NoError(t, Validate(prog))
}

func TestValidateForInLoopAllowsBreak(t *testing.T) {
	prog, err := Parse("const xs = [1, 2, 3]\nfor (x in xs) {\n  break\n}\n")
	require.NoError(t, err)
	require.NoError(t, Validate(prog))
}

func TestParseErrorUnterminatedString(t *testing.T) {
	_, err := Parse(`let x = "unterminated` + "\n")
	require.Error(t, err)
	var pe *rhythmerr.ParseError
	require.ErrorAs(t, err, &pe)
}
