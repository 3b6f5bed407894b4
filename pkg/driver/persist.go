package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rhythmhq/rhythm/pkg/store"
	"github.com/rhythmhq/rhythm/pkg/vm"
)

// persistAwait handles a tick that suspended: it builds the awaiting
// descriptor for the handle(s) this suspend is blocked on — looked up in
// state.Handles, which by now includes anything materializeOutbox just
// added — then persists the snapshot and marks the execution suspended.
func (d *Driver) persistAwait(ctx context.Context, tx *sql.Tx, executionID string, definitionID int64, state vm.State, waitOn []string, combinator string) error {
	aw, err := buildAwaiting(waitOn, combinator, state.Handles)
	if err != nil {
		return err
	}
	awaitingJSON, err := json.Marshal(aw)
	if err != nil {
		return err
	}
	snapshotJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := store.PutVMContext(ctx, tx, store.VMContext{
		ExecutionID:          executionID,
		WorkflowDefinitionID: definitionID,
		VMSnapshot:           snapshotJSON,
		Awaiting:             awaitingJSON,
	}); err != nil {
		return err
	}
	return store.SuspendExecution(ctx, tx, executionID)
}

// buildAwaiting assembles the descriptor the current suspend is blocked
// on from the handle ids it waits on, resolved against the durable handle
// map. For a plain await (combinator == "") that's a single handle's own
// record; for Promise.all/any/race it's every waited handle's child
// execution id alongside the combinator to evaluate them with.
func buildAwaiting(waitOn []string, combinator string, handles map[string]vm.HandleRecord) (awaiting, error) {
	if len(waitOn) == 0 {
		return awaiting{}, fmt.Errorf("await has no handle to wait on")
	}
	if combinator == "" {
		rec, ok := handles[waitOn[0]]
		if !ok {
			return awaiting{}, fmt.Errorf("no materialized record for handle %q", waitOn[0])
		}
		return awaiting{Kind: rec.Kind, ChildExecutionID: rec.ChildExecutionID, Channel: rec.Channel, FireAt: rec.FireAt}, nil
	}
	ids := make([]string, 0, len(waitOn))
	for _, h := range waitOn {
		rec, ok := handles[h]
		if !ok {
			return awaiting{}, fmt.Errorf("no materialized record for handle %q", h)
		}
		ids = append(ids, rec.ChildExecutionID)
	}
	return awaiting{Kind: "promise", Combinator: combinator, ChildIDs: ids}, nil
}

// materializeOutbox dispatches every handle a tick newly encountered: a
// fresh child execution row for task/workflow, a fire deadline for timer,
// or nothing beyond recording the channel for signal (the sender creates
// that row when SendSignal is called). It runs regardless of whether the
// tick suspended or completed — the outbox flushes at either boundary, so
// a Task.run the workflow never gets around to awaiting before returning
// still actually runs.
func (d *Driver) materializeOutbox(ctx context.Context, tx *sql.Tx, parentID string, items []vm.OutboxItem, handles map[string]vm.HandleRecord) (map[string]vm.HandleRecord, error) {
	if len(items) == 0 {
		return handles, nil
	}
	if handles == nil {
		handles = map[string]vm.HandleRecord{}
	}
	for _, item := range items {
		rec, err := d.materializeRequest(ctx, tx, parentID, &item.Request)
		if err != nil {
			return nil, err
		}
		handles[item.Handle] = rec
	}
	return handles, nil
}

func (d *Driver) materializeRequest(ctx context.Context, tx *sql.Tx, parentID string, req *vm.AwaitRequest) (vm.HandleRecord, error) {
	switch req.Kind {
	case "task", "workflow":
		childID := d.ulidSource()
		if err := store.Enqueue(ctx, tx, store.EnqueueInput{
			ID:                childID,
			Kind:              req.Kind,
			FunctionName:      req.FunctionName,
			Queue:             orDefault(req.Queue, "default"),
			Inputs:            req.Inputs,
			MaxRetries:        3,
			ParentExecutionID: &parentID,
		}); err != nil {
			return vm.HandleRecord{}, err
		}
		return vm.HandleRecord{Kind: req.Kind, ChildExecutionID: childID}, nil

	case "timer":
		return vm.HandleRecord{Kind: "timer", FireAt: time.Now().Add(time.Duration(req.Duration * float64(time.Second)))}, nil

	case "signal":
		return vm.HandleRecord{Kind: "signal", Channel: req.Channel}, nil

	default:
		return vm.HandleRecord{}, fmt.Errorf("unknown await kind %q", req.Kind)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// persistTerminal handles a tick that returned or threw: it records the
// final vm.State, completes or fails the executions-table row, and clears
// the awaiting descriptor (a terminal execution is never resumed).
func (d *Driver) persistTerminal(ctx context.Context, tx *sql.Tx, exec *store.Execution, definitionID int64, state vm.State, out vm.Output) error {
	snapshotJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := store.PutVMContext(ctx, tx, store.VMContext{
		ExecutionID:          exec.ID,
		WorkflowDefinitionID: definitionID,
		VMSnapshot:           snapshotJSON,
	}); err != nil {
		return err
	}

	if out.Err != nil {
		backoff := RetryBackoff(exec.Attempt)
		return store.FailExecution(ctx, tx, exec.ID, errorPayload(out.Err), false, exec.Attempt, exec.MaxRetries, backoff)
	}
	return store.CompleteExecution(ctx, tx, exec.ID, out.Result)
}

func errorPayload(err error) any {
	return map[string]any{"message": err.Error()}
}
