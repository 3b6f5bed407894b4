package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// VMContext is the durable snapshot row backing one workflow execution:
// vm.State plus the workflow_definition_id it was parsed from, the
// awaiting descriptor, and an outbox column.
type VMContext struct {
	ExecutionID          string
	WorkflowDefinitionID int64
	VMSnapshot           json.RawMessage

	// Awaiting holds the driver's pending-await descriptor (what the
	// suspended execution is blocked on), empty when nothing is pending.
	Awaiting json.RawMessage

	// Outbox is written as an empty array: the driver inserts a tick's
	// child execution rows in the same transaction that writes the
	// snapshot, so nothing is left over to record here, and nothing reads
	// this column back.
	Outbox json.RawMessage
}

// PutVMContext creates or replaces the snapshot row for an execution. The
// driver calls this, inside the same transaction as the status-transition
// update, every time a tick produces a new vm.State to persist.
func PutVMContext(ctx context.Context, q querier, c VMContext) error {
	if c.Awaiting == nil {
		c.Awaiting = json.RawMessage(`{}`)
	}
	if c.Outbox == nil {
		c.Outbox = json.RawMessage(`[]`)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO workflow_execution_context (execution_id, workflow_definition_id, vm_snapshot, awaiting, outbox, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (execution_id) DO UPDATE
		SET vm_snapshot = EXCLUDED.vm_snapshot, awaiting = EXCLUDED.awaiting, outbox = EXCLUDED.outbox, updated_at = now()`,
		c.ExecutionID, c.WorkflowDefinitionID, c.VMSnapshot, c.Awaiting, c.Outbox)
	if err != nil {
		return fmt.Errorf("put vm context for %s: %w", c.ExecutionID, err)
	}
	return nil
}

// GetVMContext loads the snapshot row the driver replays from on the next
// Advance call.
func GetVMContext(ctx context.Context, q querier, executionID string) (*VMContext, error) {
	row := q.QueryRowContext(ctx, `
		SELECT execution_id, workflow_definition_id, vm_snapshot, awaiting, outbox
		FROM workflow_execution_context WHERE execution_id = $1`, executionID)
	var c VMContext
	err := row.Scan(&c.ExecutionID, &c.WorkflowDefinitionID, &c.VMSnapshot, &c.Awaiting, &c.Outbox)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: vm context for execution %s", rhythmerr.ErrNotFound, executionID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
