//go:build integration

package client_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhythmhq/rhythm/pkg/client"
)

func setupDB(t *testing.T) *sql.DB {
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rhythm_test"),
		postgres.WithUsername("rhythm"),
		postgres.WithPassword("rhythm"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlDB, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, sqlDB.Ping())
	return sqlDB
}

func TestRegisterAndEnqueueWorkflow(t *testing.T) {
	sqlDB := setupDB(t)
	c := client.New(sqlDB)
	require.NoError(t, c.Migrate())

	_, err := c.Register(context.Background(), "greet", `
let name = Inputs.name
return name
`)
	require.NoError(t, err)

	id, err := c.EnqueueWorkflow(context.Background(), "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	exec, err := c.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "workflow", exec.Kind)
	require.Equal(t, "pending", exec.Status)
}

func TestRegisterRejectsInvalidSource(t *testing.T) {
	sqlDB := setupDB(t)
	c := client.New(sqlDB)
	require.NoError(t, c.Migrate())

	_, err := c.Register(context.Background(), "broken", `return undeclaredVar`)
	require.Error(t, err)
}

func TestCancelCascadesToChildren(t *testing.T) {
	sqlDB := setupDB(t)
	c := client.New(sqlDB)
	require.NoError(t, c.Migrate())

	_, err := c.Register(context.Background(), "parent", `return 1`)
	require.NoError(t, err)
	id, err := c.EnqueueWorkflow(context.Background(), "parent", map[string]any{})
	require.NoError(t, err)

	childID, err := c.EnqueueTask(context.Background(), "noop", "default", map[string]any{}, 0)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`UPDATE executions SET parent_execution_id = $1 WHERE id = $2`, id, childID)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), id, "user requested"))

	exec, err := c.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "cancelled", exec.Status)

	child, err := c.GetExecution(context.Background(), childID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", child.Status)
}
