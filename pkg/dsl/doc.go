// Package dsl implements the workflow definition language: a hand-written
// lexer and recursive-descent parser producing a byte-offset-spanned AST,
// plus a single-pass semantic validator. It has no dependency on pkg/vm;
// the VM only ever sees a validated *Program.
package dsl
