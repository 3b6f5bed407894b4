// Package store is the durable persistence layer for executions, workflow
// definitions, VM snapshots, worker heartbeats, and signals. Operations
// are package-level functions that take a querier (ClaimBatch and
// ConsumeSignal take a *sql.Tx) so callers can compose several store calls
// inside one transaction (e.g. the driver's claim-advance-persist cycle).
// No function here opens a transaction of its own.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// querier is satisfied by both *sql.DB and *sql.Tx, the same pattern the
// teacher's db package uses to let callers choose whether a call
// participates in an existing transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a *sql.DB. It has no methods; every store operation is a
// package-level function that takes a querier.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Execution mirrors one row of the polymorphic executions table.
type Execution struct {
	ID                string
	Kind              string // "workflow", "task", "timer"
	FunctionName      string
	Queue             string
	Priority          int
	Inputs            json.RawMessage
	Status            string
	Attempt           int
	MaxRetries        int
	ParentExecutionID *string
	WorkerID          *string
	Result            json.RawMessage
	Error             json.RawMessage
	CreatedAt         time.Time
	ClaimedAt         *time.Time
	CompletedAt       *time.Time
	ScheduledAt       *time.Time
}

const executionColumns = `id, kind, function_name, queue, priority, inputs, status, attempt,
	max_retries, parent_execution_id, worker_id, result, error, created_at, claimed_at,
	completed_at, scheduled_at`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	if err := row.Scan(
		&e.ID, &e.Kind, &e.FunctionName, &e.Queue, &e.Priority, &e.Inputs, &e.Status,
		&e.Attempt, &e.MaxRetries, &e.ParentExecutionID, &e.WorkerID, &e.Result, &e.Error,
		&e.CreatedAt, &e.ClaimedAt, &e.CompletedAt, &e.ScheduledAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// EnqueueInput describes a new execution row; used both for fresh
// top-level enqueues (client.EnqueueWorkflow/EnqueueTask) and for rows the
// driver creates on behalf of a Task.run/Workflow.run call. Timer.sleep
// creates no execution row.
type EnqueueInput struct {
	ID                string
	Kind              string
	FunctionName      string
	Queue             string
	Priority          int
	Inputs            any
	MaxRetries        int
	ParentExecutionID *string
	ScheduledAt       *time.Time
}

func Enqueue(ctx context.Context, q querier, in EnqueueInput) error {
	inputsJSON, err := json.Marshal(in.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	scheduledAt := in.ScheduledAt
	_, err = q.ExecContext(ctx, `
		INSERT INTO executions (id, kind, function_name, queue, priority, inputs, max_retries,
			parent_execution_id, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.Kind, in.FunctionName, in.Queue, in.Priority, inputsJSON, in.MaxRetries,
		in.ParentExecutionID, scheduledAt)
	if err != nil {
		return fmt.Errorf("enqueue execution %s: %w", in.ID, err)
	}
	// NOTIFY is transactional in Postgres: workers listening on this
	// queue's channel only see it once the enclosing transaction commits.
	if _, err := q.ExecContext(ctx, `SELECT pg_notify($1, $2)`, "rhythm_queue_"+in.Queue, in.ID); err != nil {
		return fmt.Errorf("notify queue %s: %w", in.Queue, err)
	}
	return nil
}

// ClaimBatch locks up to limit pending, due rows across queues for
// workerID using FOR UPDATE SKIP LOCKED so concurrent workers never
// contend on the same row, and marks them running in the same
// transaction. The caller must already be inside a transaction (tx comes
// from db.Tx) since the lock must be held until the UPDATE commits.
func ClaimBatch(ctx context.Context, tx *sql.Tx, queues []string, workerID string, limit int) ([]*Execution, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE status = 'pending'
		  AND queue = ANY($1)
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, pq.Array(queues), limit)
	if err != nil {
		return nil, fmt.Errorf("claim query: %w", err)
	}
	var claimed []*Execution
	var ids []string
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(claimed) == 0 {
		return claimed, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = 'running', worker_id = $1, claimed_at = now(), attempt = attempt + 1
		WHERE id = ANY($2)`, workerID, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}
	for _, e := range claimed {
		e.Status = "running"
		e.WorkerID = &workerID
	}
	return claimed, nil
}

// GetExecution fetches one execution row by id.
func GetExecution(ctx context.Context, q querier, id string) (*Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: execution %s", rhythmerr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CompleteExecution transitions a running execution to completed,
// recording its result. The WHERE clause's status check makes the update
// idempotent: a worker that crashes after committing but before acking
// simply finds zero rows affected on a retried call.
func CompleteExecution(ctx context.Context, q querier, id string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = 'completed', result = $2, completed_at = now()
		WHERE id = $1 AND status = 'running'`, id, resultJSON)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// FailExecution records a failed attempt. If the failure is retryable and
// attempt < max_retries the row goes back to pending with an exponential backoff plus jitter
// scheduled_at so a crash loop on one execution doesn't starve its queue;
// otherwise it is terminally failed.
func FailExecution(ctx context.Context, q querier, id string, execErr any, retryable bool, attempt, maxRetries int, backoff time.Duration) error {
	errJSON, err := json.Marshal(execErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if retryable && attempt < maxRetries {
		nextAt := time.Now().Add(backoff)
		res, err := q.ExecContext(ctx, `
			UPDATE executions SET status = 'pending', error = $2, scheduled_at = $3, worker_id = NULL
			WHERE id = $1 AND status = 'running'`, id, errJSON, nextAt)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1 AND status = 'running'`, id, errJSON)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// SuspendExecution marks a running workflow execution suspended; the
// driver calls this after persisting the VM snapshot so a worker restart
// between the two writes can never observe a suspended row with stale
// context.
func SuspendExecution(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = 'suspended', worker_id = NULL WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// ResumeExecution transitions a suspended execution back to pending so
// it is eligible for the next ClaimBatch once its await has resolved.
func ResumeExecution(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = 'pending', scheduled_at = NULL WHERE id = $1 AND status = 'suspended'`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// CancelExecution marks an execution (and, via the caller looping over
// children, its whole subtree) cancelled regardless of its current
// status, as long as it has not already reached a terminal state.
func CancelExecution(ctx context.Context, q querier, id, reason string) error {
	errJSON, _ := json.Marshal(map[string]string{"reason": reason})
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = 'cancelled', error = $2, completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`, id, errJSON)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// ChildExecutions returns every execution spawned with parent_execution_id
// = id, used to resolve Promise combinators and to cascade cancellation.
func ChildExecutions(ctx context.Context, q querier, parentID string) ([]*Execution, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE parent_execution_id = $1 ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rhythmerr.ErrConcurrentTransition
	}
	return nil
}
