//go:build integration

package worker_test

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

	"github.com/rhythmhq/rhythm/internal/db"
	"github.com/rhythmhq/rhythm/pkg/client"
	"github.com/rhythmhq/rhythm/pkg/driver"
	"github.com/rhythmhq/rhythm/pkg/registry"
	"github.com/rhythmhq/rhythm/pkg/stdlib"
	"github.com/rhythmhq/rhythm/pkg/store"
	"github.com/rhythmhq/rhythm/pkg/worker"
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
	require.NoError(t, db.ApplyMigrations(sqlDB))
	return sqlDB
}

// TestWorkflowRunsTaskToCompletion exercises the full loop: a workflow
// awaits a task, the coordinator claims and runs the task, the driver
// resumes the workflow on the task's result, and the execution reaches
// completed — without any component being driven directly by the test.
func TestWorkflowRunsTaskToCompletion(t *testing.T) {
	sqlDB := setupDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(sqlDB)
	_, err := c.Register(ctx, "double-it", `
let r = await Task.run("double", Inputs)
return r
`)
	require.NoError(t, err)

	reg := registry.New()
	reg.Register("double", func(ctx context.Context, inputs any) (any, error) {
		m, _ := inputs.(map[string]any)
		n, _ := m["n"].(float64)
		return map[string]any{"n": n * 2}, nil
	})

	drv := driver.New(sqlDB, stdlib.New())
	cfg := worker.DefaultConfig()
	cfg.PollInterval = 100 * time.Millisecond
	cfg.HeartbeatInterval = time.Second
	coord := worker.New(sqlDB, drv, reg, cfg)

	go func() { _ = coord.Start(ctx) }()
	defer coord.Stop()

	id, err := c.EnqueueWorkflow(ctx, "double-it", map[string]any{"n": float64(21)})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	var exec *store.Execution
	for time.Now().Before(deadline) {
		exec, err = c.GetExecution(ctx, id)
		require.NoError(t, err)
		if exec.Status == "completed" || exec.Status == "failed" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, "completed", exec.Status)
	require.Contains(t, string(exec.Result), `"n":42`)
}

// TestDeadWorkerExecutionsAreReclaimed calls the store functions behind
// the maintenance cron's dead-worker scan directly: StaleWorkerIDs finds a
// worker whose heartbeat has gone stale and ReclaimOrphanedExecutions
// returns its claimed work to pending so a healthy worker can pick it up.
func TestDeadWorkerExecutionsAreReclaimed(t *testing.T) {
	sqlDB := setupDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertHeartbeat(ctx, sqlDB, "ghost-worker", []string{"default"}))
	_, err := sqlDB.ExecContext(ctx, `UPDATE worker_heartbeats SET last_heartbeat_at = now() - interval '10 minutes' WHERE worker_id = $1`, "ghost-worker")
	require.NoError(t, err)

	require.NoError(t, store.Enqueue(ctx, sqlDB, store.EnqueueInput{
		ID: "orphan_1", Kind: "task", FunctionName: "noop", Queue: "default", Inputs: map[string]any{},
	}))
	_, err = sqlDB.ExecContext(ctx, `UPDATE executions SET status = 'running', worker_id = $1 WHERE id = $2`, "ghost-worker", "orphan_1")
	require.NoError(t, err)

	stale, err := store.StaleWorkerIDs(ctx, sqlDB, time.Minute)
	require.NoError(t, err)
	require.Contains(t, stale, "ghost-worker")

	n, err := store.ReclaimOrphanedExecutions(ctx, sqlDB, stale)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	exec, err := store.GetExecution(ctx, sqlDB, "orphan_1")
	require.NoError(t, err)
	require.Equal(t, "pending", exec.Status)
	require.Nil(t, exec.WorkerID)
}
