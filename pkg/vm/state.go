// Package vm implements the workflow interpreter: a pure, replay-based
// tick function over a validated dsl.Program. Rather than serializing a
// resumable call stack, the durable unit is the ordered History of
// already-resolved await results; each Tick call re-executes the program
// from the top, consuming History entries in order until it catches up to
// where the previous tick left off, then keeps going until it produces a
// new await request, returns, or throws uncaught. This mirrors the
// replay model real durable-execution engines use and keeps the
// serialized snapshot trivially small and JSON-friendly.
package vm

import "time"

// HistoryEntry records the outcome of one previously awaited operation, in
// the order the program's awaits were encountered. Replaying History in
// order is what reconstructs a suspended workflow's variable bindings
// without needing to serialize a control-flow stack.
type HistoryEntry struct {
	Kind  string `json:"kind"` // "task", "timer", "signal", "workflow", "promise"
	Value any    `json:"value,omitempty"`
	Err   *Thrown `json:"error,omitempty"`
}

// Thrown is the serializable form of a value thrown by a failed awaited
// operation, replayed back into the workflow's try/catch machinery.
type Thrown struct {
	Value any `json:"value"`
}

// Handle is the value Task.run, Timer.sleep, Signal.next, and Workflow.run
// return synchronously, await or not. A workflow can bind it to a
// variable, pass it to Promise.all/any/race, and await it later — on the
// same tick or several ticks afterward. It carries no data beyond an
// opaque, replay-stable id; the actual result only ever arrives through
// History, never through the Handle itself.
type Handle struct {
	ID string `json:"id"`
}

// HandleRecord is the durable, driver-filled record of what a Handle was
// materialized into: a child execution, a timer deadline, or a signal
// channel. Tick itself never reads these fields — it only carries the map
// forward between calls so the driver can look a handle up the first time
// it's awaited, however many ticks after it was created.
type HandleRecord struct {
	Kind             string    `json:"kind"` // "task", "workflow", "timer", "signal"
	ChildExecutionID string    `json:"childExecutionId,omitempty"`
	FireAt           time.Time `json:"fireAt,omitempty"`
	Channel          string    `json:"channel,omitempty"`
}

// State is the durable snapshot persisted in
// workflow_execution_context.vm_snapshot. It is intentionally the entire
// interpreter's durable state: History plus whatever the program has
// already returned, if it ran to completion on some earlier tick's replay
// (kept so a second Advance on an already-Done execution is a no-op).
// HandleCount and Handles track the outbox: HandleCount is how many
// Task.run/Timer.sleep/Signal.next/Workflow.run call sites have been
// encountered (and dispatched) so far, across every tick; Handles maps
// each dispatched handle's id to how the driver materialized it.
type State struct {
	History     []HistoryEntry          `json:"history"`
	HandleCount int                      `json:"handleCount,omitempty"`
	Handles     map[string]HandleRecord `json:"handles,omitempty"`
	Done        bool                     `json:"done,omitempty"`
	Result      any                      `json:"result,omitempty"`
	Failure     *Thrown                  `json:"failure,omitempty"`
}

// AwaitRequest describes one new asynchronous operation a tick dispatched:
// what the driver must enqueue (or subscribe to) to materialize the
// Handle it was returned against, before that handle can ever resolve.
type AwaitRequest struct {
	Kind string // "task", "timer", "signal", "workflow"

	// task / workflow
	FunctionName string
	Queue        string
	Inputs       any

	// timer
	Duration float64 // seconds

	// signal
	Channel string
}

// OutboxItem pairs a newly dispatched Handle's id with the request the
// driver must materialize for it. A tick includes one of these per
// Task.run/Timer.sleep/Signal.next/Workflow.run call newly encountered
// this Advance — i.e. not already present in the incoming State's
// HandleCount/Handles from a prior tick.
type OutboxItem struct {
	Handle  string
	Request AwaitRequest
}

// Output is what one Tick call produces.
type Output struct {
	Kind OutputKind

	// set when Kind == OutAwait or OutDone: handles dispatched this tick
	// that the driver must materialize, regardless of whether the
	// program is suspending on them or has already moved past them.
	NewOutbox []OutboxItem

	// set when Kind == OutAwait: the handle id(s) this suspend is
	// blocked on. Combinator is "" for a plain `await <handle>` (exactly
	// one id) and "all"/"any"/"race" for `await Promise.<method>([...])`
	// (one id per array element).
	WaitOn     []string
	Combinator string

	Result any   // set when Kind == Done and no error
	Err    error // set when Kind == Done and the program threw or a task failed terminally
}

type OutputKind int

const (
	OutContinue OutputKind = iota // fuel exhausted before reaching Await or Done; caller should re-run Tick with the same State
	OutAwait
	OutDone
)
