// Package driver implements the workflow step algorithm: for one claimed
// workflow execution, resolve whatever it was awaiting (if anything),
// run the interpreter forward, and persist whatever it produced — a new
// await, a terminal result, or (rarely) a request to be advanced again
// because it ran out of fuel. Everything here runs inside one SQL
// transaction per Advance call so a crash between steps can never leave
// an execution's VM snapshot and its executions-table status disagreeing.
package driver

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rhythmhq/rhythm/pkg/dsl"
	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
	"github.com/rhythmhq/rhythm/pkg/store"
	"github.com/rhythmhq/rhythm/pkg/vm"
)

const (
	defaultFuelPerPass = 10_000
	maxPassesPerAdvance = 10
)

// Driver ties the interpreter to the store. ulidSource is overridable in
// tests so child-execution IDs are reproducible.
type Driver struct {
	db         *sql.DB
	dispatcher vm.Dispatcher
	ulidSource func() string
}

func New(db *sql.DB, dispatcher vm.Dispatcher) *Driver {
	return &Driver{db: db, dispatcher: dispatcher, ulidSource: newULID}
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// awaiting is the JSON shape persisted into workflow_execution_context.awaiting
// describing what a suspended execution is blocked on, correlated back to
// the child execution rows or signal channel the driver must check.
type awaiting struct {
	Kind             string   `json:"kind"`
	ChildExecutionID string   `json:"childExecutionId,omitempty"`
	ChildIDs         []string `json:"childExecutionIds,omitempty"`
	Combinator       string   `json:"combinator,omitempty"`
	Channel          string   `json:"channel,omitempty"`
	FireAt           time.Time `json:"fireAt,omitempty"`
}

// Advance runs the workflow step algorithm for one already-claimed
// (status = running) workflow execution.
func (d *Driver) Advance(ctx context.Context, executionID string) error {
	return txDo(ctx, d.db, func(tx *sql.Tx) error {
		exec, err := store.GetExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		vctx, err := store.GetVMContext(ctx, tx, executionID)
		if err != nil {
			return err
		}
		def, err := store.WorkflowDefinitionByID(ctx, tx, vctx.WorkflowDefinitionID)
		if err != nil {
			return err
		}
		prog, err := dsl.Parse(def.Source)
		if err != nil {
			return fmt.Errorf("re-parse workflow definition %d: %w", def.ID, err)
		}

		var state vm.State
		if err := json.Unmarshal(vctx.VMSnapshot, &state); err != nil {
			return fmt.Errorf("unmarshal vm snapshot: %w", err)
		}

		resolved, pending, err := d.resolveAwait(ctx, tx, vctx)
		if err != nil {
			return err
		}
		if pending {
			// Still blocked: put the claimed execution back to suspended.
			return store.SuspendExecution(ctx, tx, executionID)
		}
		if resolved != nil {
			state.History = append(state.History, *resolved)
		}

		var inputs map[string]any
		if err := json.Unmarshal(exec.Inputs, &inputs); err != nil {
			return fmt.Errorf("unmarshal execution inputs: %w", err)
		}

		newState, out, err := d.runTicks(prog, state, inputs)
		if err != nil {
			return err
		}

		handles, err := d.materializeOutbox(ctx, tx, executionID, out.NewOutbox, newState.Handles)
		if err != nil {
			return err
		}
		newState.Handles = handles

		switch out.Kind {
		case vm.OutAwait:
			return d.persistAwait(ctx, tx, executionID, def.ID, newState, out.WaitOn, out.Combinator)
		case vm.OutDone:
			return d.persistTerminal(ctx, tx, exec, def.ID, newState, out)
		default:
			return rhythmerr.ErrFuelExhausted
		}
	})
}

func (d *Driver) runTicks(prog *dsl.Program, state vm.State, inputs map[string]any) (vm.State, vm.Output, error) {
	for pass := 0; pass < maxPassesPerAdvance; pass++ {
		newState, out := vm.Tick(prog, state, inputs, d.dispatcher, defaultFuelPerPass)
		if out.Kind != vm.OutContinue {
			return newState, out, nil
		}
		state = newState
	}
	return state, vm.Output{Kind: vm.OutContinue}, rhythmerr.ErrFuelExhausted
}

func txDo(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
