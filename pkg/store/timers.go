package store

import "context"

// DueTimerExecutionIDs returns the ids of suspended workflow executions
// whose awaiting descriptor is a timer that has already fired. The
// descriptor's fireAt is stored as RFC3339 text inside the JSONB column by
// encoding/json's time.Time marshaling, so the comparison casts it to
// timestamptz rather than needing a dedicated column.
func DueTimerExecutionIDs(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.execution_id
		FROM workflow_execution_context c
		JOIN executions e ON e.id = c.execution_id
		WHERE e.status = 'suspended'
		  AND c.awaiting->>'kind' = 'timer'
		  AND (c.awaiting->>'fireAt')::timestamptz <= now()`)
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
