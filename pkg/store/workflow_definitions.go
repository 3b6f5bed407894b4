package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// WorkflowDefinition is one registered, parsed workflow. Rows are
// immutable: registering the same name with changed source creates a new
// row and new in-flight executions pick it up; already-suspended
// executions keep replaying against the definition they started with,
// addressed by id rather than name.
type WorkflowDefinition struct {
	ID           int64
	Name         string
	ContentHash  string
	Source       string
	AST          json.RawMessage
}

func ContentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// RegisterWorkflowDefinition upserts by (name, content_hash): registering
// identical source twice is a no-op that returns the existing row.
func RegisterWorkflowDefinition(ctx context.Context, q querier, name, source string, ast json.RawMessage) (*WorkflowDefinition, error) {
	hash := ContentHash(source)
	row := q.QueryRowContext(ctx, `
		INSERT INTO workflow_definitions (name, content_hash, source, ast)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, content_hash) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, content_hash, source, ast`,
		name, hash, source, ast)
	var d WorkflowDefinition
	if err := row.Scan(&d.ID, &d.Name, &d.ContentHash, &d.Source, &d.AST); err != nil {
		return nil, fmt.Errorf("register workflow definition %s: %w", name, err)
	}
	return &d, nil
}

// LatestWorkflowDefinition returns the most recently registered definition
// for name; this is what a fresh EnqueueWorkflow call binds to.
func LatestWorkflowDefinition(ctx context.Context, q querier, name string) (*WorkflowDefinition, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, content_hash, source, ast FROM workflow_definitions
		WHERE name = $1 ORDER BY created_at DESC LIMIT 1`, name)
	var d WorkflowDefinition
	err := row.Scan(&d.ID, &d.Name, &d.ContentHash, &d.Source, &d.AST)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow definition %s", rhythmerr.ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// WorkflowDefinitionByID loads the exact definition an in-flight execution
// was bound to, so replay always uses the source it actually ran against.
func WorkflowDefinitionByID(ctx context.Context, q querier, id int64) (*WorkflowDefinition, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, content_hash, source, ast FROM workflow_definitions WHERE id = $1`, id)
	var d WorkflowDefinition
	err := row.Scan(&d.ID, &d.Name, &d.ContentHash, &d.Source, &d.AST)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow definition id %d", rhythmerr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
