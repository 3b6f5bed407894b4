package store

import (
	"context"
	"time"

	"github.com/lib/pq"
)

// UpsertHeartbeat records liveness for workerID, overwriting its queue
// list each call since a worker's configured queues are fixed at start.
func UpsertHeartbeat(ctx context.Context, q querier, workerID string, queues []string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, queues, last_heartbeat_at, status)
		VALUES ($1, $2, now(), 'alive')
		ON CONFLICT (worker_id) DO UPDATE
		SET queues = EXCLUDED.queues, last_heartbeat_at = now(), status = 'alive'`,
		workerID, pq.Array(queues))
	return err
}

// MarkStopped records a clean shutdown so the dead-worker scan does not
// need to wait out the staleness window to stop treating workerID as
// alive.
func MarkStopped(ctx context.Context, q querier, workerID string) error {
	_, err := q.ExecContext(ctx, `UPDATE worker_heartbeats SET status = 'stopped' WHERE worker_id = $1`, workerID)
	return err
}

// StaleWorkerIDs returns worker ids still marked alive whose last
// heartbeat is older than staleAfter, the set the dead-worker scan uses
// to find executions to reclaim.
func StaleWorkerIDs(ctx context.Context, q querier, staleAfter time.Duration) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT worker_id FROM worker_heartbeats
		WHERE status = 'alive' AND last_heartbeat_at < now() - ($1 * interval '1 second')`,
		staleAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReclaimOrphanedExecutions resets every running execution still claimed
// by one of deadWorkerIDs back to pending so another worker's next
// ClaimBatch can pick it up, and marks those workers stopped.
func ReclaimOrphanedExecutions(ctx context.Context, q querier, deadWorkerIDs []string) (int64, error) {
	if len(deadWorkerIDs) == 0 {
		return 0, nil
	}
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = 'pending', worker_id = NULL, scheduled_at = NULL
		WHERE status = 'running' AND worker_id = ANY($1)`, pq.Array(deadWorkerIDs))
	if err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE worker_heartbeats SET status = 'stopped' WHERE worker_id = ANY($1)`, pq.Array(deadWorkerIDs)); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
