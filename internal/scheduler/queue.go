// Package scheduler persists the task DAG and computes the ready set.
//
// A task is ready when it is pending, every dependency is completed, and its
// retry backoff has elapsed. Cycles are rejected on insertion. Failures are
// classified transient or permanent; transient failures requeue with
// exponential backoff, permanent ones block the owning ticket when the task
// sits on a phase gate's critical path.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/lease"
)

// FailureKind classifies a task failure for retry policy.
type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailurePermanent  FailureKind = "permanent"
	FailureDoNotRetry FailureKind = "do_not_retry"
)

// Queue is the dependency-aware task scheduler.
type Queue struct {
	store  *db.Store
	bus    events.Bus
	leases *lease.Coordinator
	log    *slog.Logger
	cfg    config.Tasks

	now func() time.Time
}

// New creates a task queue.
func New(store *db.Store, bus events.Bus, leases *lease.Coordinator, log *slog.Logger, cfg config.Tasks) *Queue {
	return &Queue{
		store:  store,
		bus:    bus,
		leases: leases,
		log:    log,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates a task with its dependencies. The dependency set must not
// introduce a cycle; insertion is rejected with CONFLICT if it would.
func (q *Queue) Enqueue(ctx context.Context, task *db.Task, dependencies []string) error {
	if task.TicketID == "" || task.PhaseID == "" || task.Type == "" {
		return enginerr.ErrInvalidInput("task", "ticket id, phase id, and type are required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.cfg.DefaultMaxRetries
	}

	err := q.store.RunInTx(ctx, func(tx *db.TxOps) error {
		ticket, err := db.GetTicketTx(tx, task.TicketID)
		if err != nil {
			return err
		}
		if ticket == nil {
			return enginerr.ErrNotFound("ticket", task.TicketID)
		}
		for _, dep := range dependencies {
			depTask, err := db.GetTaskTx(tx, dep)
			if err != nil {
				return err
			}
			if depTask == nil {
				return enginerr.ErrNotFound("task", dep)
			}
			if depTask.TicketID != task.TicketID {
				return enginerr.ErrConflict("task dependency", "dependencies must belong to the same ticket")
			}
		}
		if err := db.SaveTaskTx(tx, task); err != nil {
			return err
		}
		for _, dep := range dependencies {
			if err := db.AddTaskDependencyTx(tx, task.ID, dep); err != nil {
				return err
			}
		}
		// The cycle check runs on the uncommitted edges: a cyclic set rolls
		// the whole insert back before it is ever visible.
		edges, err := db.TicketDependencyEdgesTx(tx, task.TicketID)
		if err != nil {
			return err
		}
		if hasCycle(edges) {
			return enginerr.ErrConflict("task dependency", "dependency set contains a cycle")
		}
		return nil
	})
	if err != nil {
		return wrap("enqueue task", err)
	}

	q.bus.Publish(ctx, events.New(events.TaskCreated, events.EntityTask, task.ID, map[string]any{
		"ticket_id": task.TicketID,
		"phase_id":  task.PhaseID,
		"type":      task.Type,
		"priority":  task.Priority,
	}))
	if len(dependencies) == 0 {
		q.bus.Publish(ctx, events.New(events.TaskReady, events.EntityTask, task.ID, nil))
	}
	return nil
}

// AddDependency records that taskID depends on dependsOn, rejecting cycles.
func (q *Queue) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return enginerr.ErrConflict("task dependency", "a task cannot depend on itself")
	}
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return wrap("add dependency", err)
	}
	if task == nil {
		return enginerr.ErrNotFound("task", taskID)
	}

	edges, err := q.store.TicketDependencyEdges(ctx, task.TicketID)
	if err != nil {
		return wrap("add dependency", err)
	}
	edges[taskID] = append(edges[taskID], dependsOn)
	if hasCycle(edges) {
		return enginerr.ErrConflict("task dependency", fmt.Sprintf("adding %s -> %s creates a cycle", taskID, dependsOn))
	}

	err = q.store.RunInTx(ctx, func(tx *db.TxOps) error {
		return db.AddTaskDependencyTx(tx, taskID, dependsOn)
	})
	return wrap("add dependency", err)
}

// hasCycle runs a three-color DFS over the dependency edges.
func hasCycle(edges map[string][]string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(edges))
	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		for _, next := range edges[node] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}
	for node := range edges {
		if color[node] == white && visit(node) {
			return true
		}
	}
	return false
}

// ReadyTasks returns dispatchable tasks ordered by priority then age.
func (q *Queue) ReadyTasks(ctx context.Context, phaseID string, limit int) ([]db.Task, error) {
	tasks, err := q.store.ReadyTasks(ctx, phaseID, limit, q.now())
	if err != nil {
		return nil, enginerr.ErrInternal("ready tasks", err)
	}
	return tasks, nil
}

// Get returns a task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (*db.Task, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, enginerr.ErrInternal("get task", err)
	}
	if task == nil {
		return nil, enginerr.ErrNotFound("task", taskID)
	}
	return task, nil
}

// MarkStarted transitions an assigned task to running.
func (q *Queue) MarkStarted(ctx context.Context, taskID string) error {
	err := q.mutate(ctx, taskID, func(task *db.Task) error {
		if task.Status != db.TaskAssigned {
			return enginerr.ErrConflict("task start", fmt.Sprintf("task %s is %s, not assigned", taskID, task.Status))
		}
		now := q.now()
		task.Status = db.TaskRunning
		task.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	q.bus.Publish(ctx, events.New(events.TaskStarted, events.EntityTask, taskID, nil))
	return nil
}

// Complete finishes a task, releases its leases and agent slot, and
// announces any dependents that just became ready.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	var agentID string
	err := q.mutate(ctx, taskID, func(task *db.Task) error {
		if task.Terminal() {
			return enginerr.ErrConflict("task completion", fmt.Sprintf("task %s already %s", taskID, task.Status))
		}
		now := q.now()
		agentID = task.AssignedAgentID
		task.Status = db.TaskCompleted
		task.Result = result
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	q.releaseTaskResources(ctx, taskID, agentID)
	q.bus.Publish(ctx, events.New(events.TaskCompleted, events.EntityTask, taskID, map[string]any{
		"agent_id": agentID,
	}))
	q.announceReadyDependents(ctx, taskID)
	return nil
}

// Fail applies the retry policy. Transient failures with remaining budget
// requeue with exponential backoff (base, 2x, 4x, ...); everything else is a
// permanent failure that blocks the ticket when the task is gate-critical.
func (q *Queue) Fail(ctx context.Context, taskID string, kind FailureKind, detail string) error {
	var (
		agentID   string
		permanent bool
		ticketID  string
		optional  bool
		attempt   int
	)
	err := q.mutate(ctx, taskID, func(task *db.Task) error {
		if task.Terminal() {
			return enginerr.ErrConflict("task failure", fmt.Sprintf("task %s already %s", taskID, task.Status))
		}
		agentID = task.AssignedAgentID
		ticketID = task.TicketID
		optional = task.Optional
		task.AssignedAgentID = ""
		task.ErrorKind = string(kind)
		task.ErrorDetail = detail

		if kind == FailureTransient && task.RetryCount < task.MaxRetries {
			backoff := q.cfg.RetryBackoffBase * time.Duration(1<<uint(task.RetryCount))
			next := q.now().Add(backoff)
			task.RetryCount++
			attempt = task.RetryCount
			task.Status = db.TaskPending
			task.NextAttemptAt = &next
			task.StartedAt = nil
			return nil
		}

		permanent = true
		now := q.now()
		task.Status = db.TaskFailed
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	q.releaseTaskResources(ctx, taskID, agentID)

	if !permanent {
		q.bus.Publish(ctx, events.New(events.TaskFailedTransient, events.EntityTask, taskID, map[string]any{
			"attempt": attempt,
			"detail":  detail,
		}))
		return nil
	}

	q.bus.Publish(ctx, events.New(events.TaskFailedPermanent, events.EntityTask, taskID, map[string]any{
		"detail": detail,
	}))
	if !optional {
		q.blockTicket(ctx, ticketID, fmt.Sprintf("task %s failed permanently: %s", taskID, detail))
	}
	return nil
}

// Cancel stops a task. Idempotent: cancelling a cancelled task is a no-op.
// Running tasks are notified via the cancel event; their leases are released
// immediately (the TTL covers a worker that never acknowledges).
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) error {
	var (
		agentID string
		already bool
	)
	err := q.mutate(ctx, taskID, func(task *db.Task) error {
		if task.Status == db.TaskCancelled {
			already = true
			return nil
		}
		if task.Terminal() {
			return enginerr.ErrConflict("task cancel", fmt.Sprintf("task %s already %s", taskID, task.Status))
		}
		now := q.now()
		agentID = task.AssignedAgentID
		task.Status = db.TaskCancelled
		task.AssignedAgentID = ""
		task.ErrorDetail = reason
		task.CompletedAt = &now
		return nil
	})
	if err != nil || already {
		return err
	}
	q.releaseTaskResources(ctx, taskID, agentID)
	q.bus.Publish(ctx, events.New(events.TaskCancelled, events.EntityTask, taskID, map[string]any{
		"reason": reason,
	}))
	return nil
}

// Requeue returns a non-terminal task to pending with a retry increment;
// used when its agent goes unreachable mid-flight.
func (q *Queue) Requeue(ctx context.Context, taskID, reason string) error {
	return q.Fail(ctx, taskID, FailureTransient, reason)
}

// RequeueAgentTasks requeues every task assigned to or running on an agent.
func (q *Queue) RequeueAgentTasks(ctx context.Context, agentID string) error {
	for _, status := range []string{db.TaskAssigned, db.TaskRunning} {
		tasks, err := q.store.ListTasks(ctx, db.TaskFilter{AgentID: agentID, Status: status})
		if err != nil {
			return enginerr.ErrInternal("requeue agent tasks", err)
		}
		for _, task := range tasks {
			if err := q.Requeue(ctx, task.ID, enginerr.ErrAgentUnreachable(agentID).Error()); err != nil {
				q.log.Error("failed to requeue task from unreachable agent", "task_id", task.ID, "agent_id", agentID, "error", err)
			}
		}
	}
	return nil
}

// TimeoutSweep cancels running tasks that exceeded their timeout, then
// applies the retry policy so the work gets another attempt if budget
// remains.
func (q *Queue) TimeoutSweep(ctx context.Context) error {
	overdue, err := q.store.OverdueTasks(ctx, q.now())
	if err != nil {
		return enginerr.ErrInternal("timeout sweep", err)
	}
	for _, task := range overdue {
		q.bus.Publish(ctx, events.New(events.TaskTimedOut, events.EntityTask, task.ID, map[string]any{
			"timeout_seconds": task.TimeoutSeconds,
		}))
		if err := q.Fail(ctx, task.ID, FailureTransient, enginerr.ErrTimeout("task execution").Error()); err != nil {
			q.log.Error("failed to time out task", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// ReleaseBlockedOnDiscovery returns a blocked source task to pending once
// its spawned discovery task completes.
func (q *Queue) ReleaseBlockedOnDiscovery(ctx context.Context, taskID string) error {
	err := q.mutate(ctx, taskID, func(task *db.Task) error {
		if task.Status != db.TaskBlockedOnDiscovery {
			return nil
		}
		task.Status = db.TaskPending
		return nil
	})
	if err != nil {
		return err
	}
	q.bus.Publish(ctx, events.New(events.TaskReady, events.EntityTask, taskID, nil))
	return nil
}

// mutate loads, transforms, and saves a task in one transaction.
func (q *Queue) mutate(ctx context.Context, taskID string, fn func(*db.Task) error) error {
	err := q.store.RunInTx(ctx, func(tx *db.TxOps) error {
		task, err := db.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return enginerr.ErrNotFound("task", taskID)
		}
		if err := fn(task); err != nil {
			return err
		}
		return db.SaveTaskTx(tx, task)
	})
	return wrap("task update", err)
}

// releaseTaskResources frees leases and the agent slot on any terminal or
// requeueing transition.
func (q *Queue) releaseTaskResources(ctx context.Context, taskID, agentID string) {
	if q.leases != nil {
		if err := q.leases.ReleaseAllForTask(ctx, taskID); err != nil {
			q.log.Error("failed to release task leases", "task_id", taskID, "error", err)
		}
	}
	if agentID == "" {
		return
	}
	err := q.store.RunInTx(ctx, func(tx *db.TxOps) error {
		return db.ReleaseAgentSlotTx(tx, agentID)
	})
	if err != nil {
		q.log.Error("failed to release agent slot", "agent_id", agentID, "error", err)
	}
}

// announceReadyDependents publishes task.ready for dependents whose last
// incomplete dependency just finished.
func (q *Queue) announceReadyDependents(ctx context.Context, completedTaskID string) {
	dependents, err := q.store.GetTaskDependents(ctx, completedTaskID)
	if err != nil {
		q.log.Error("failed to load dependents", "task_id", completedTaskID, "error", err)
		return
	}
	for _, depID := range dependents {
		ready, err := q.store.ReadyTasks(ctx, "", 0, q.now())
		if err != nil {
			continue
		}
		for _, r := range ready {
			if r.ID == depID {
				q.bus.Publish(ctx, events.New(events.TaskReady, events.EntityTask, depID, nil))
				break
			}
		}
	}
}

// blockTicket marks a ticket blocked with a reason and announces it.
func (q *Queue) blockTicket(ctx context.Context, ticketID, reason string) {
	err := q.store.RunInTx(ctx, func(tx *db.TxOps) error {
		ticket, err := db.GetTicketTx(tx, ticketID)
		if err != nil {
			return err
		}
		if ticket == nil {
			return enginerr.ErrNotFound("ticket", ticketID)
		}
		ticket.Status = db.TicketBlocked
		ticket.BlockingReasons = append(ticket.BlockingReasons, reason)
		return db.SaveTicketTx(tx, ticket)
	})
	if err != nil {
		q.log.Error("failed to block ticket", "ticket_id", ticketID, "error", err)
		return
	}
	q.log.Warn("ticket blocked", "ticket_id", ticketID, "reason", reason)
	q.bus.Publish(ctx, events.New(events.TicketBlocked, events.EntityTicket, ticketID, map[string]any{
		"reason": reason,
	}))
}

// wrap passes EngineErrors through and wraps everything else as internal.
func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	if ee := enginerr.AsEngineError(err); ee != nil {
		return ee
	}
	return enginerr.ErrInternal(what, err)
}
