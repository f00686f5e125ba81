// Package dispatch matches ready tasks to ranked agents under the global
// concurrency cap, acquiring resource leases before handing work out.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/lease"
	"github.com/steward-dev/steward/internal/registry"
	"github.com/steward-dev/steward/internal/scheduler"
)

// dispatchLockRetries bounds lease attempts during a dispatch pass. A
// contended task is skipped and picked up again next cycle rather than
// stalling the batch.
const dispatchLockRetries = 1

// Dispatcher assigns ready tasks to agents.
type Dispatcher struct {
	store    *db.Store
	bus      events.Bus
	queue    *scheduler.Queue
	registry *registry.Registry
	leases   *lease.Coordinator
	log      *slog.Logger
	cfg      config.Dispatcher

	// highStreak counts consecutive above-normal-priority assignments for
	// the starvation guard.
	highStreak int

	now func() time.Time
}

// New creates a dispatcher.
func New(store *db.Store, bus events.Bus, queue *scheduler.Queue, reg *registry.Registry, leases *lease.Coordinator, log *slog.Logger, cfg config.Dispatcher) *Dispatcher {
	return &Dispatcher{
		store:    store,
		bus:      bus,
		queue:    queue,
		registry: reg,
		leases:   leases,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for ready work until the context is cancelled. A task.ready
// event wakes the loop early so fresh work does not wait out the poll
// interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	wake, unsubscribe := d.bus.SubscribeChan(string(events.TaskReady))
	defer unsubscribe()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				// Bus closed; fall back to pure polling.
				wake = nil
				continue
			}
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("dispatch pass failed", "error", err)
		}
	}
}

// DispatchOnce runs a single dispatch pass and returns the number of tasks
// assigned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	budget, err := d.remainingBudget(ctx)
	if err != nil {
		return 0, err
	}
	if budget <= 0 {
		return 0, nil
	}

	batch, err := d.nextBatch(ctx)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, task := range batch {
		if assigned >= budget {
			break
		}
		task := task
		ok, err := d.dispatchTask(ctx, &task)
		if err != nil {
			d.log.Error("failed to dispatch task", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			assigned++
			if task.Priority > db.PriorityNormal {
				d.highStreak++
			} else {
				d.highStreak = 0
			}
		}
	}
	return assigned, nil
}

// remainingBudget computes how many more tasks may be in flight. A zero
// configured cap derives the cap from total registered agent capacity.
func (d *Dispatcher) remainingBudget(ctx context.Context) (int, error) {
	limit := d.cfg.MaxConcurrentTasks
	if limit <= 0 {
		total, err := d.registry.TotalCapacity(ctx)
		if err != nil {
			return 0, err
		}
		limit = total
	}

	inFlight := 0
	for _, status := range []string{db.TaskAssigned, db.TaskRunning} {
		tasks, err := d.store.ListTasks(ctx, db.TaskFilter{Status: status})
		if err != nil {
			return 0, enginerr.ErrInternal("dispatch budget", err)
		}
		inFlight += len(tasks)
	}
	return limit - inFlight, nil
}

// nextBatch selects the tasks to consider this pass: priority order, with
// the oldest ready task promoted to the front once high-priority work has
// monopolized a full fairness window.
func (d *Dispatcher) nextBatch(ctx context.Context) ([]db.Task, error) {
	batch, err := d.queue.ReadyTasks(ctx, "", d.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if d.highStreak < d.cfg.FairnessWindow {
		return batch, nil
	}

	oldest, err := d.store.OldestPendingReady(ctx, d.now())
	if err != nil {
		return nil, enginerr.ErrInternal("fairness pick", err)
	}
	if oldest == nil {
		return batch, nil
	}
	promoted := []db.Task{*oldest}
	for _, task := range batch {
		if task.ID != oldest.ID {
			promoted = append(promoted, task)
		}
	}
	return promoted, nil
}

// dispatchTask assigns one ready task to the best available agent. Returns
// false without error when no agent fits or the task's resources are
// contended; the task stays pending for the next pass.
func (d *Dispatcher) dispatchTask(ctx context.Context, task *db.Task) (bool, error) {
	candidates, err := d.registry.FindCandidates(ctx, registry.Filter{
		RequiredCapabilities: task.RequiredCapabilities,
	})
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	for _, candidate := range candidates {
		ok, err := d.assignTo(ctx, task, &candidate.Agent)
		if err != nil {
			if enginerr.HasCode(err, enginerr.CodeLockUnavailable) {
				// Contended resources fail for every candidate; skip the task.
				d.log.Debug("task resources contended, skipping", "task_id", task.ID)
				return false, nil
			}
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AssignTask dispatches a specific pending task, optionally to a specific
// agent. With an empty agentID the normal candidate ranking applies.
func (d *Dispatcher) AssignTask(ctx context.Context, taskID, agentID string) (*db.Task, error) {
	task, err := d.queue.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != db.TaskPending {
		return nil, enginerr.ErrConflict("task assignment", "task is not pending")
	}

	if agentID == "" {
		ok, err := d.dispatchTask(ctx, task)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, enginerr.ErrConflict("task assignment", "no dispatchable agent accepted the task")
		}
		return d.queue.Get(ctx, taskID)
	}

	agent, err := d.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	// Explicit assignment trusts the caller on freshness and health; only
	// status and capacity still apply.
	if agent.Status != db.AgentIdle && agent.Status != db.AgentBusy {
		return nil, enginerr.ErrConflict("task assignment", "agent is not accepting work")
	}
	if !agent.HasCapabilities(task.RequiredCapabilities) {
		return nil, enginerr.ErrConflict("task assignment", "agent lacks required capabilities")
	}
	ok, err := d.assignTo(ctx, task, agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, enginerr.ErrConflict("task assignment", "agent has no free capacity")
	}
	return d.queue.Get(ctx, taskID)
}

// assignTo acquires the task's resource leases, reserves the agent slot,
// and marks the task assigned. Lease keys are taken in sorted order so
// concurrent multi-resource tasks cannot deadlock. Returns false when the
// agent has no free slot.
func (d *Dispatcher) assignTo(ctx context.Context, task *db.Task, agent *db.Agent) (bool, error) {
	handles, err := d.acquireResources(ctx, task, agent.ID)
	if err != nil {
		return false, err
	}

	reserved := false
	err = d.store.RunInTx(ctx, func(tx *db.TxOps) error {
		ok, err := db.ReserveAgentSlotTx(tx, agent.ID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		reserved = true

		current, err := db.GetTaskTx(tx, task.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != db.TaskPending {
			return enginerr.ErrConflict("task assignment", "task is no longer pending")
		}
		current.Status = db.TaskAssigned
		current.AssignedAgentID = agent.ID
		*task = *current
		return db.SaveTaskTx(tx, current)
	})
	if err != nil || !reserved {
		d.rollbackResources(ctx, handles)
		if err != nil {
			return false, enginerr.ErrInternal("assign task", err)
		}
		return false, nil
	}

	d.log.Info("task assigned", "task_id", task.ID, "agent_id", agent.ID, "priority", task.Priority, "resources", task.RequiredResources)
	d.bus.Publish(ctx, events.New(events.TaskAssigned, events.EntityTask, task.ID, map[string]any{
		"agent_id": agent.ID,
		"phase_id": task.PhaseID,
	}))
	return true, nil
}

// acquireResources takes all leases a task declares, in sorted key order.
// On any failure the already-held leases are released before returning.
func (d *Dispatcher) acquireResources(ctx context.Context, task *db.Task, agentID string) ([]*lease.Handle, error) {
	if len(task.RequiredResources) == 0 {
		return nil, nil
	}
	keys := append([]string(nil), task.RequiredResources...)
	sort.Strings(keys)

	var handles []*lease.Handle
	for _, key := range keys {
		handle, err := d.leases.Acquire(ctx, lease.Request{
			Key:        key,
			TaskID:     task.ID,
			AgentID:    agentID,
			MaxRetries: dispatchLockRetries,
		})
		if err != nil {
			d.rollbackResources(ctx, handles)
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func (d *Dispatcher) rollbackResources(ctx context.Context, handles []*lease.Handle) {
	for _, handle := range handles {
		if err := d.leases.Release(ctx, handle); err != nil {
			d.log.Error("failed to roll back lease", "key", handle.Key, "error", err)
		}
	}
}
