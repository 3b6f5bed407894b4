// Package worker runs the claim/execute/heartbeat loop shared by every
// process that wants to pull work off the queues: claim a batch with
// FOR UPDATE SKIP LOCKED, dispatch workflow executions to pkg/driver and
// task executions to the host registry, and keep a heartbeat row alive so
// other workers can detect and reclaim this one's work if it dies.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/rhythmhq/rhythm/pkg/driver"
	"github.com/rhythmhq/rhythm/pkg/registry"
	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
	"github.com/rhythmhq/rhythm/pkg/store"
)

// Config holds the knobs a deployment is expected to tune; everything
// else about the coordinator's behavior is fixed.
type Config struct {
	Queues             []string
	MaxConcurrentSteps int
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	StaleAfter         time.Duration
	DSN                string // used to open the dedicated LISTEN connection
}

func DefaultConfig() Config {
	return Config{
		Queues:             []string{"default"},
		MaxConcurrentSteps: 10,
		PollInterval:       5 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		StaleAfter:         30 * time.Second,
	}
}

// Coordinator is one worker process's view of the cluster: it claims
// executions, routes them to the interpreter or the host registry, and
// carries its own liveness.
type Coordinator struct {
	id       string
	db       *sql.DB
	driver   *driver.Driver
	registry *registry.Registry
	cfg      Config

	mu        sync.Mutex
	running   bool
	inFlight  map[string]struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	listener  *pq.Listener
	cron      *cron.Cron
}

func New(db *sql.DB, drv *driver.Driver, reg *registry.Registry, cfg Config) *Coordinator {
	hostname, _ := os.Hostname()
	return &Coordinator{
		id:       fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		db:       db,
		driver:   drv,
		registry: reg,
		cfg:      cfg,
		inFlight: map[string]struct{}{},
	}
}

func (c *Coordinator) ID() string { return c.id }

// Start runs the coordinator until ctx is cancelled, then drains
// in-flight work and unregisters the heartbeat row before returning.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("worker %s is already running", c.id)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	if err := store.UpsertHeartbeat(c.ctx, c.db, c.id, c.cfg.Queues); err != nil {
		return fmt.Errorf("register worker heartbeat: %w", err)
	}

	c.startListener()
	c.startMaintenanceCron()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.heartbeatLoop() }()
	go func() { defer wg.Done(); c.workLoop() }()

	log.Printf("worker %s started on queues %v", c.id, c.cfg.Queues)
	<-c.ctx.Done()

	log.Printf("worker %s shutting down", c.id)
	wg.Wait()
	c.cron.Stop()
	if c.listener != nil {
		_ = c.listener.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.MarkStopped(shutdownCtx, c.db, c.id); err != nil {
		log.Printf("worker %s: failed to mark heartbeat stopped: %v", c.id, err)
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	log.Printf("worker %s stopped", c.id)
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// startListener opens a dedicated LISTEN connection on the
// rhythm_queue_<queue> channel of each claimed queue, so a freshly
// enqueued execution is picked up promptly instead of waiting out the
// poll interval. Its failure is logged, not fatal: the poll ticker in
// workLoop is a complete fallback on its own.
func (c *Coordinator) startListener() {
	if c.cfg.DSN == "" {
		return
	}
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("worker %s: listener event: %v", c.id, err)
		}
	}
	l := pq.NewListener(c.cfg.DSN, 10*time.Second, time.Minute, reportProblem)
	for _, q := range c.cfg.Queues {
		if err := l.Listen("rhythm_queue_" + q); err != nil {
			log.Printf("worker %s: listen on queue %s: %v", c.id, q, err)
		}
	}
	c.listener = l
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-l.Notify:
				c.processWork()
			case <-time.After(90 * time.Second):
				_ = l.Ping()
			}
		}
	}()
}

// startMaintenanceCron schedules the dead-worker scan (every 30s) and the
// suspended-timer sweep (every 5s) on independent cadences. The heartbeat
// refresh is not a cron job; heartbeatLoop runs it on its own ticker.
func (c *Coordinator) startMaintenanceCron() {
	c.cron = cron.New(cron.WithSeconds())
	_, _ = c.cron.AddFunc("@every 30s", func() { c.scanDeadWorkers() })
	_, _ = c.cron.AddFunc("@every 5s", func() { c.sweepDueTimers() })
	c.cron.Start()
}

func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := store.UpsertHeartbeat(c.ctx, c.db, c.id, c.cfg.Queues); err != nil {
				log.Printf("worker %s: heartbeat update failed: %v", c.id, err)
			}
		}
	}
}

func (c *Coordinator) workLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.processWork()
		}
	}
}

func (c *Coordinator) scanDeadWorkers() {
	staleIDs, err := store.StaleWorkerIDs(c.ctx, c.db, c.cfg.StaleAfter)
	if err != nil {
		log.Printf("worker %s: stale worker scan failed: %v", c.id, err)
		return
	}
	if len(staleIDs) == 0 {
		return
	}
	n, err := store.ReclaimOrphanedExecutions(c.ctx, c.db, staleIDs)
	if err != nil {
		log.Printf("worker %s: reclaim orphaned executions failed: %v", c.id, err)
		return
	}
	if n > 0 {
		log.Printf("worker %s: reclaimed %d executions from %d dead workers", c.id, n, len(staleIDs))
	}
}

// sweepDueTimers advances any workflow execution whose awaiting
// descriptor is a timer that has already fired. A workflow suspended on a
// child execution is made pending by resumeParent when that child finishes,
// and one suspended on a signal by store.SendSignal, so only timers need a
// periodic nudge.
func (c *Coordinator) sweepDueTimers() {
	ids, err := store.DueTimerExecutionIDs(c.ctx, c.db)
	if err != nil {
		log.Printf("worker %s: due-timer scan failed: %v", c.id, err)
		return
	}
	for _, id := range ids {
		if err := store.ResumeExecution(c.ctx, c.db, id); err != nil && err != rhythmerr.ErrConcurrentTransition {
			log.Printf("worker %s: resume timer execution %s failed: %v", c.id, id, err)
			continue
		}
		c.advanceAsync(id)
	}
}

func (c *Coordinator) processWork() {
	c.mu.Lock()
	capacity := c.cfg.MaxConcurrentSteps - len(c.inFlight)
	c.mu.Unlock()
	if capacity <= 0 {
		return
	}

	var claimed []*store.Execution
	err := txDo(c.ctx, c.db, func(tx *sql.Tx) error {
		batch, err := store.ClaimBatch(c.ctx, tx, c.cfg.Queues, c.id, capacity)
		claimed = batch
		return err
	})
	if err != nil {
		log.Printf("worker %s: claim failed: %v", c.id, err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	for _, exec := range claimed {
		exec := exec
		c.mu.Lock()
		c.inFlight[exec.ID] = struct{}{}
		c.mu.Unlock()
		go func() {
			defer func() {
				c.mu.Lock()
				delete(c.inFlight, exec.ID)
				c.mu.Unlock()
			}()
			c.process(exec)
		}()
	}
}

func (c *Coordinator) process(exec *store.Execution) {
	switch exec.Kind {
	case "workflow":
		if err := c.driver.Advance(c.ctx, exec.ID); err != nil && err != rhythmerr.ErrFuelExhausted {
			log.Printf("worker %s: advance %s failed: %v", c.id, exec.ID, err)
		}
	case "task":
		c.runTask(exec)
	default:
		log.Printf("worker %s: execution %s has unknown kind %q", c.id, exec.ID, exec.Kind)
	}
	c.resumeParent(exec)
}

// resumeParent makes exec's suspended parent claimable once exec is terminal.
func (c *Coordinator) resumeParent(exec *store.Execution) {
	if exec.ParentExecutionID == nil {
		return
	}
	cur, err := store.GetExecution(c.ctx, c.db, exec.ID)
	if err != nil || (cur.Status != "completed" && cur.Status != "failed" && cur.Status != "cancelled") {
		return
	}
	if err := store.ResumeExecution(c.ctx, c.db, *exec.ParentExecutionID); err != nil && err != rhythmerr.ErrConcurrentTransition {
		log.Printf("worker %s: resume parent %s failed: %v", c.id, *exec.ParentExecutionID, err)
	}
}

func (c *Coordinator) runTask(exec *store.Execution) {
	handler, err := c.registry.Lookup(exec.FunctionName)
	if err != nil {
		_ = store.FailExecution(c.ctx, c.db, exec.ID, map[string]any{"message": err.Error()}, false, exec.Attempt, exec.MaxRetries, 0)
		return
	}
	var inputs any
	if len(exec.Inputs) > 0 {
		if err := json.Unmarshal(exec.Inputs, &inputs); err != nil {
			_ = store.FailExecution(c.ctx, c.db, exec.ID, map[string]any{"message": err.Error()}, false, exec.Attempt, exec.MaxRetries, 0)
			return
		}
	}
	result, err := handler(c.ctx, inputs)
	if err != nil {
		retryable := true
		if tf, ok := err.(*rhythmerr.TaskFailure); ok {
			retryable = tf.Retryable
		}
		_ = store.FailExecution(c.ctx, c.db, exec.ID, map[string]any{"message": err.Error()}, retryable, exec.Attempt, exec.MaxRetries, driver.RetryBackoff(exec.Attempt))
		return
	}
	if err := store.CompleteExecution(c.ctx, c.db, exec.ID, result); err != nil {
		log.Printf("worker %s: complete task %s failed: %v", c.id, exec.ID, err)
	}
}

// advanceAsync runs driver.Advance without blocking the maintenance cron
// tick that found work to resume.
func (c *Coordinator) advanceAsync(executionID string) {
	go func() {
		if err := c.driver.Advance(c.ctx, executionID); err != nil && err != rhythmerr.ErrFuelExhausted {
			log.Printf("worker %s: advance %s failed: %v", c.id, executionID, err)
		}
	}()
}

func txDo(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
