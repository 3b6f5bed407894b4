//go:build integration

package store_test

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
	"github.com/rhythmhq/rhythm/pkg/store"
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

func TestClaimBatchSkipsLockedRows(t *testing.T) {
	sqlDB := setupDB(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, sqlDB, store.EnqueueInput{
		ID: "exec_1", Kind: "task", FunctionName: "noop", Queue: "default", Inputs: map[string]any{},
	}))
	require.NoError(t, store.Enqueue(ctx, sqlDB, store.EnqueueInput{
		ID: "exec_2", Kind: "task", FunctionName: "noop", Queue: "default", Inputs: map[string]any{},
	}))

	tx1, err := sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	claimed1, err := store.ClaimBatch(ctx, tx1, []string{"default"}, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed1, 1)

	tx2, err := sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	claimed2, err := store.ClaimBatch(ctx, tx2, []string{"default"}, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, claimed2, 1)
	require.NotEqual(t, claimed1[0].ID, claimed2[0].ID)

	require.NoError(t, tx1.Commit())
	require.NoError(t, tx2.Commit())
}

func TestCompleteExecutionIsIdempotent(t *testing.T) {
	sqlDB := setupDB(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, sqlDB, store.EnqueueInput{
		ID: "exec_3", Kind: "task", FunctionName: "noop", Queue: "default", Inputs: map[string]any{},
	}))
	tx, err := sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, tx, []string{"default"}, "worker-1", 10)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, store.CompleteExecution(ctx, sqlDB, "exec_3", map[string]any{"ok": true}))
	err = store.CompleteExecution(ctx, sqlDB, "exec_3", map[string]any{"ok": true})
	require.Error(t, err)
}

func TestSignalFIFOPerChannel(t *testing.T) {
	sqlDB := setupDB(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, sqlDB, store.EnqueueInput{
		ID: "wf_1", Kind: "workflow", FunctionName: "approval", Queue: "default", Inputs: map[string]any{},
	}))
	require.NoError(t, store.SendSignal(ctx, sqlDB, "sig_1", "wf_1", "approve", map[string]any{"n": 1}))
	require.NoError(t, store.SendSignal(ctx, sqlDB, "sig_2", "wf_1", "approve", map[string]any{"n": 2}))

	tx, err := sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	first, err := store.ConsumeSignal(ctx, tx, "wf_1", "approve")
	require.NoError(t, err)
	require.Contains(t, string(first), `"n":1`)
	require.NoError(t, tx.Commit())
}
