package vm

// Dispatcher resolves a receiver.method(...) call against the stdlib's
// flat dispatch table. It is implemented by pkg/stdlib.Table; vm depends
// only on this interface so the interpreter never imports the stdlib
// package directly, keeping the dependency edge one-directional. receiver
// is "" for a free function call (add, sub, lt, ... — the arithmetic and
// comparison table that stands in for infix operators).
type Dispatcher interface {
	// IsAsync reports whether receiver.method suspends the workflow
	// (Task.run, Timer.sleep, Signal.next, Workflow.run) as opposed to a
	// synchronous builtin (Math.*, Array.*, Object.*, the free functions).
	IsAsync(receiver, method string) bool

	// Call invokes a synchronous stdlib function and returns its result.
	Call(receiver, method string, args []any) (any, error)

	// Resolve builds the AwaitRequest for an asynchronous call, to be
	// placed in the tick's outbox. It does not perform any I/O itself;
	// the driver enqueues the returned request after the tick returns.
	Resolve(receiver, method string, args []any) (AwaitRequest, error)
}
