package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// SendSignal appends to a workflow execution's inbox for channel; FIFO
// per (workflow_execution_id, channel) is enforced by always consuming
// the oldest unconsumed row in ConsumeSignal. A suspended target workflow
// is moved back to pending so the driver re-checks its await.
func SendSignal(ctx context.Context, q querier, id, workflowExecutionID, channel string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO workflow_signals (id, workflow_execution_id, channel, payload)
		VALUES ($1, $2, $3, $4)`, id, workflowExecutionID, channel, payloadJSON)
	if err != nil {
		return fmt.Errorf("send signal to %s/%s: %w", workflowExecutionID, channel, err)
	}
	if err := ResumeExecution(ctx, q, workflowExecutionID); err != nil && err != rhythmerr.ErrConcurrentTransition {
		return fmt.Errorf("resume %s after signal: %w", workflowExecutionID, err)
	}
	return nil
}

// ConsumeSignal claims and returns the oldest unconsumed signal on channel
// for workflowExecutionID, or (nil, nil) if none has arrived yet — the
// driver treats that as "still awaiting" rather than an error.
func ConsumeSignal(ctx context.Context, tx *sql.Tx, workflowExecutionID, channel string) (json.RawMessage, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, payload FROM workflow_signals
		WHERE workflow_execution_id = $1 AND channel = $2 AND consumed_at IS NULL
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, workflowExecutionID, channel)
	var id string
	var payload json.RawMessage
	if err := row.Scan(&id, &payload); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflow_signals SET consumed_at = now() WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return payload, nil
}
