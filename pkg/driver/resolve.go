package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rhythmhq/rhythm/pkg/store"
	"github.com/rhythmhq/rhythm/pkg/vm"
)

// resolveAwait checks whether the operation recorded in vctx's awaiting
// column has settled. It returns (nil, true, nil) when still pending —
// the caller should leave the execution suspended and try again later —
// or (entry, false, nil), with a HistoryEntry ready to append to vm.State,
// once settled. An execution with no awaiting descriptor (first Advance, or
// resuming after a prior terminal tick already recorded in History) is
// never "pending": resolveAwait returns (nil, false, nil) immediately.
func (d *Driver) resolveAwait(ctx context.Context, tx *sql.Tx, vctx *store.VMContext) (*vm.HistoryEntry, bool, error) {
	if len(vctx.Awaiting) == 0 || string(vctx.Awaiting) == "null" || string(vctx.Awaiting) == "{}" {
		return nil, false, nil
	}
	var aw awaiting
	if err := json.Unmarshal(vctx.Awaiting, &aw); err != nil {
		return nil, false, fmt.Errorf("unmarshal awaiting descriptor: %w", err)
	}
	if aw.Kind == "" {
		return nil, false, nil
	}

	switch aw.Kind {
	case "task", "workflow":
		return d.resolveChild(ctx, tx, aw.ChildExecutionID)
	case "timer":
		if time.Now().Before(aw.FireAt) {
			return nil, true, nil
		}
		return &vm.HistoryEntry{Kind: "timer"}, false, nil
	case "signal":
		payload, err := store.ConsumeSignal(ctx, tx, vctx.ExecutionID, aw.Channel)
		if err != nil {
			return nil, false, err
		}
		if payload == nil {
			return nil, true, nil
		}
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, false, err
		}
		return &vm.HistoryEntry{Kind: "signal", Value: v}, false, nil
	case "promise":
		return d.resolvePromise(ctx, tx, aw)
	default:
		return nil, false, fmt.Errorf("unknown awaiting kind %q", aw.Kind)
	}
}

func (d *Driver) resolveChild(ctx context.Context, tx *sql.Tx, childID string) (*vm.HistoryEntry, bool, error) {
	child, err := store.GetExecution(ctx, tx, childID)
	if err != nil {
		return nil, false, err
	}
	switch child.Status {
	case "completed":
		var v any
		if len(child.Result) > 0 {
			if err := json.Unmarshal(child.Result, &v); err != nil {
				return nil, false, err
			}
		}
		return &vm.HistoryEntry{Kind: childKindFor(child), Value: v}, false, nil
	case "failed", "cancelled":
		var v any
		if len(child.Error) > 0 {
			_ = json.Unmarshal(child.Error, &v)
		}
		return &vm.HistoryEntry{Kind: childKindFor(child), Err: &vm.Thrown{Value: v}}, false, nil
	default:
		return nil, true, nil
	}
}

func childKindFor(e *store.Execution) string {
	if e.Kind == "workflow" {
		return "workflow"
	}
	return "task"
}

// resolvePromise evaluates the combinator's completion condition over its
// children's current statuses.
func (d *Driver) resolvePromise(ctx context.Context, tx *sql.Tx, aw awaiting) (*vm.HistoryEntry, bool, error) {
	children := make([]*store.Execution, 0, len(aw.ChildIDs))
	for _, id := range aw.ChildIDs {
		c, err := store.GetExecution(ctx, tx, id)
		if err != nil {
			return nil, false, err
		}
		children = append(children, c)
	}

	switch aw.Combinator {
	case "all":
		results := make([]any, len(children))
		for i, c := range children {
			switch c.Status {
			case "completed":
				var v any
				if len(c.Result) > 0 {
					_ = json.Unmarshal(c.Result, &v)
				}
				results[i] = v
			case "failed", "cancelled":
				var v any
				_ = json.Unmarshal(c.Error, &v)
				return &vm.HistoryEntry{Kind: "promise", Err: &vm.Thrown{Value: v}}, false, nil
			default:
				return nil, true, nil
			}
		}
		return &vm.HistoryEntry{Kind: "promise", Value: results}, false, nil

	case "any":
		var lastErr any
		anyFailed := false
		for _, c := range children {
			if c.Status == "completed" {
				var v any
				if len(c.Result) > 0 {
					_ = json.Unmarshal(c.Result, &v)
				}
				return &vm.HistoryEntry{Kind: "promise", Value: v}, false, nil
			}
			if c.Status == "failed" || c.Status == "cancelled" {
				anyFailed = true
				_ = json.Unmarshal(c.Error, &lastErr)
			}
		}
		if anyFailed && allSettled(children) {
			return &vm.HistoryEntry{Kind: "promise", Err: &vm.Thrown{Value: lastErr}}, false, nil
		}
		return nil, true, nil

	case "race":
		for _, c := range children {
			switch c.Status {
			case "completed":
				var v any
				if len(c.Result) > 0 {
					_ = json.Unmarshal(c.Result, &v)
				}
				return &vm.HistoryEntry{Kind: "promise", Value: v}, false, nil
			case "failed", "cancelled":
				var v any
				_ = json.Unmarshal(c.Error, &v)
				return &vm.HistoryEntry{Kind: "promise", Err: &vm.Thrown{Value: v}}, false, nil
			}
		}
		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("unknown promise combinator %q", aw.Combinator)
	}
}

func allSettled(children []*store.Execution) bool {
	for _, c := range children {
		if c.Status != "completed" && c.Status != "failed" && c.Status != "cancelled" {
			return false
		}
	}
	return true
}
