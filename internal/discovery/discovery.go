// Package discovery records branching events from running tasks and spawns
// follow-up work adaptively.
package discovery

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/scheduler"
)

// SpawnSpec asks the service to create a follow-up task for a discovery.
// The target phase may be any phase, not just the ticket's current one; the
// ticket does not transition (free-form branching).
type SpawnSpec struct {
	PhaseID              string // default: source task's phase
	TaskType             string
	Description          string
	PriorityBoost        bool // raise priority one level above the source task
	BlockSource          bool // park the source until the spawned task completes
	RequiredResources    []string
	RequiredCapabilities []string
}

// RecordRequest describes a discovery to record.
type RecordRequest struct {
	SourceTaskID string
	Type         string
	Description  string
	Spawn        *SpawnSpec
}

// Service records discoveries and maintains the workflow graph.
type Service struct {
	store *db.Store
	bus   events.Bus
	queue *scheduler.Queue
	log   *slog.Logger
}

// New creates a discovery service.
func New(store *db.Store, bus events.Bus, queue *scheduler.Queue, log *slog.Logger) *Service {
	return &Service{store: store, bus: bus, queue: queue, log: log}
}

// Record persists a discovery and optionally spawns a follow-up task.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*db.TaskDiscovery, error) {
	if req.SourceTaskID == "" || req.Type == "" {
		return nil, enginerr.ErrInvalidInput("discovery", "source task id and type are required")
	}
	source, err := s.store.GetTask(ctx, req.SourceTaskID)
	if err != nil {
		return nil, enginerr.ErrInternal("record discovery", err)
	}
	if source == nil {
		return nil, enginerr.ErrNotFound("task", req.SourceTaskID)
	}

	disc := &db.TaskDiscovery{
		ID:           uuid.NewString(),
		SourceTaskID: req.SourceTaskID,
		Type:         req.Type,
		Description:  req.Description,
	}

	var spawned *db.Task
	if req.Spawn != nil {
		spawned, err = s.spawn(ctx, source, req.Spawn)
		if err != nil {
			return nil, err
		}
		disc.SpawnedTaskID = spawned.ID
		disc.SpawnedPhase = spawned.PhaseID
		disc.PriorityBoost = req.Spawn.PriorityBoost
	}

	err = s.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := db.SaveDiscoveryTx(tx, disc); err != nil {
			return err
		}
		if req.Spawn != nil && req.Spawn.BlockSource && !source.Terminal() {
			source.Status = db.TaskBlockedOnDiscovery
			return db.SaveTaskTx(tx, source)
		}
		return nil
	})
	if err != nil {
		return nil, enginerr.ErrInternal("record discovery", err)
	}

	s.log.Info("discovery recorded", "discovery_id", disc.ID, "source_task", req.SourceTaskID, "type", req.Type, "spawned_task", disc.SpawnedTaskID)
	s.bus.Publish(ctx, events.New(events.DiscoveryRecorded, events.EntityTask, req.SourceTaskID, map[string]any{
		"discovery_id": disc.ID,
		"type":         req.Type,
	}))
	if spawned != nil {
		s.bus.Publish(ctx, events.New(events.TaskSpawnedFromDiscovery, events.EntityTask, spawned.ID, map[string]any{
			"discovery_id":   disc.ID,
			"source_task_id": req.SourceTaskID,
			"phase_id":       spawned.PhaseID,
		}))
	}
	return disc, nil
}

// spawn creates the follow-up task via the scheduler so cycle checks and
// task.created events apply.
func (s *Service) spawn(ctx context.Context, source *db.Task, spec *SpawnSpec) (*db.Task, error) {
	phaseID := spec.PhaseID
	if phaseID == "" {
		phaseID = source.PhaseID
	}
	taskType := spec.TaskType
	if taskType == "" {
		taskType = source.Type
	}
	priority := source.Priority
	if spec.PriorityBoost {
		priority = db.BoostPriority(priority)
	}
	task := &db.Task{
		ID:                   uuid.NewString(),
		TicketID:             source.TicketID,
		PhaseID:              phaseID,
		Type:                 taskType,
		Description:          spec.Description,
		Priority:             priority,
		RequiredResources:    spec.RequiredResources,
		RequiredCapabilities: spec.RequiredCapabilities,
	}
	if err := s.queue.Enqueue(ctx, task, nil); err != nil {
		return nil, err
	}
	return task, nil
}

// HandleTaskCompleted releases source tasks blocked on a just-completed
// spawned task and resolves their discoveries. Wired to task.completed by
// the engine.
func (s *Service) HandleTaskCompleted(ctx context.Context, completedTaskID string) {
	open, err := s.store.OpenDiscoveriesBySpawnedTask(ctx, completedTaskID)
	if err != nil {
		s.log.Error("failed to load discoveries for completed task", "task_id", completedTaskID, "error", err)
		return
	}
	for _, disc := range open {
		if err := s.queue.ReleaseBlockedOnDiscovery(ctx, disc.SourceTaskID); err != nil {
			s.log.Error("failed to release blocked source task", "task_id", disc.SourceTaskID, "error", err)
			continue
		}
		err := s.store.RunInTx(ctx, func(tx *db.TxOps) error {
			return db.ResolveDiscoveryTx(tx, disc.ID, db.DiscoveryResolved)
		})
		if err != nil {
			s.log.Error("failed to resolve discovery", "discovery_id", disc.ID, "error", err)
		}
	}
}

// Subscribe wires the service to the bus; returns the unsubscribe function.
func (s *Service) Subscribe(bus events.Bus) func() {
	return bus.Subscribe(string(events.TaskCompleted), func(e events.Event) {
		s.HandleTaskCompleted(context.Background(), e.EntityID)
	})
}
