// Package client is the library-facing surface applications embed to
// register workflows, start executions, and interact with them — the
// same role mel-agent's pkg/client plays for that project's API, but
// backed directly by the store rather than an HTTP round trip, since a
// process importing this package shares the same database.
package client

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rhythmhq/rhythm/internal/db"
	"github.com/rhythmhq/rhythm/pkg/dsl"
	"github.com/rhythmhq/rhythm/pkg/store"
)

type Client struct {
	db *sql.DB
}

func New(sqlDB *sql.DB) *Client {
	return &Client{db: sqlDB}
}

// Migrate applies any pending schema migrations; safe to call repeatedly.
func (c *Client) Migrate() error {
	return db.ApplyMigrations(c.db)
}

// Ping confirms the underlying database connection is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Register parses and validates source, then stores it as the latest
// definition for name. Parse/validation errors are returned as-is
// (*rhythmerr.ParseError / *rhythmerr.ValidationError) so callers can
// surface them to whoever authored the workflow.
func (c *Client) Register(ctx context.Context, name, source string) (*store.WorkflowDefinition, error) {
	prog, err := dsl.Parse(source)
	if err != nil {
		return nil, err
	}
	if err := dsl.Validate(prog); err != nil {
		return nil, err
	}
	summary, _ := json.Marshal(map[string]any{"statements": len(prog.Body)})
	return store.RegisterWorkflowDefinition(ctx, c.db, name, source, summary)
}

// EnqueueWorkflow starts a new top-level execution of the latest
// registered definition for name.
func (c *Client) EnqueueWorkflow(ctx context.Context, name string, inputs any) (string, error) {
	def, err := store.LatestWorkflowDefinition(ctx, c.db, name)
	if err != nil {
		return "", err
	}
	id := newULID()
	if err := store.Enqueue(ctx, c.db, store.EnqueueInput{
		ID: id, Kind: "workflow", FunctionName: name, Queue: "default", Inputs: inputs, MaxRetries: 0,
	}); err != nil {
		return "", err
	}
	initialSnapshot, err := json.Marshal(map[string]any{"history": []any{}})
	if err != nil {
		return "", fmt.Errorf("marshal initial vm state: %w", err)
	}
	if err := store.PutVMContext(ctx, c.db, store.VMContext{
		ExecutionID:          id,
		WorkflowDefinitionID: def.ID,
		VMSnapshot:           initialSnapshot,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueTask starts a standalone task execution (not owned by any
// workflow), for callers that just want durable retrying of one unit of
// work without a workflow wrapped around it.
func (c *Client) EnqueueTask(ctx context.Context, functionName, queue string, inputs any, maxRetries int) (string, error) {
	id := newULID()
	if queue == "" {
		queue = "default"
	}
	if err := store.Enqueue(ctx, c.db, store.EnqueueInput{
		ID: id, Kind: "task", FunctionName: functionName, Queue: queue, Inputs: inputs, MaxRetries: maxRetries,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// SendSignal delivers payload to a running workflow execution's channel
// inbox. It is safe to call before the workflow has reached its
// Signal.next call: the payload simply waits as the oldest unconsumed row.
func (c *Client) SendSignal(ctx context.Context, workflowExecutionID, channel string, payload any) error {
	return store.SendSignal(ctx, c.db, newULID(), workflowExecutionID, channel, payload)
}

// GetExecution returns the current row for id, including its result or
// error once terminal.
func (c *Client) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	return store.GetExecution(ctx, c.db, id)
}

// Children returns the executions spawned with id as their parent, e.g.
// the branches of a Promise.all fan-out.
func (c *Client) Children(ctx context.Context, id string) ([]*store.Execution, error) {
	return store.ChildExecutions(ctx, c.db, id)
}

// Cancel marks id (and any children already spawned) cancelled. Cancelling
// a running workflow does not interrupt an in-progress tick; it takes
// effect the next time the execution would otherwise be claimed or
// resumed.
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	if err := store.CancelExecution(ctx, c.db, id, reason); err != nil {
		return err
	}
	children, err := store.ChildExecutions(ctx, c.db, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.Cancel(ctx, child.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
