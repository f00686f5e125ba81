package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func seedTicket(t *testing.T, store *Store, id string) *Ticket {
	t.Helper()
	ticket := &Ticket{
		ID:           id,
		Title:        "Add /health endpoint",
		OwnerID:      "user-1",
		CurrentPhase: "requirements",
	}
	require.NoError(t, store.SaveTicket(context.Background(), ticket))
	return ticket
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestTicketRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ticket := &Ticket{
		ID:              "tkt-1",
		Title:           "Add /health endpoint",
		Description:     "expose liveness",
		OwnerID:         "user-1",
		CurrentPhase:    "requirements",
		Context:         map[string]any{"goal": "health check"},
		BlockingReasons: []string{"awaiting review"},
	}
	require.NoError(t, store.SaveTicket(ctx, ticket))

	got, err := store.GetTicket(ctx, "tkt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Add /health endpoint", got.Title)
	assert.Equal(t, TicketActive, got.Status)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Equal(t, "health check", got.Context["goal"])
	assert.Equal(t, []string{"awaiting review"}, got.BlockingReasons)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTicketMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetTicket(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListTicketsFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedTicket(t, store, "tkt-a")
	done := seedTicket(t, store, "tkt-b")
	done.Status = TicketDone
	require.NoError(t, store.SaveTicket(ctx, done))

	active, err := store.ListTickets(ctx, TicketFilter{Status: TicketActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "tkt-a", active[0].ID)
}

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTicket(t, store, "tkt-1")

	task := &Task{
		ID:                   "task-1",
		TicketID:             "tkt-1",
		PhaseID:              "implementation",
		Type:                 "implement_api",
		Description:          "write the handler",
		MaxRetries:           3,
		TimeoutSeconds:       120,
		RequiredResources:    []string{"repo:main"},
		RequiredCapabilities: []string{"code"},
		Payload:              map[string]any{"file": "health.go"},
	}
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Equal(t, 120, got.TimeoutSeconds)
	assert.Equal(t, []string{"repo:main"}, got.RequiredResources)
	assert.Equal(t, []string{"code"}, got.RequiredCapabilities)
	assert.Equal(t, "health.go", got.Payload["file"])
}

func TestReadyTasksHonorsDependencies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTicket(t, store, "tkt-1")

	a := &Task{ID: "task-a", TicketID: "tkt-1", PhaseID: "implementation", Type: "code"}
	b := &Task{ID: "task-b", TicketID: "tkt-1", PhaseID: "implementation", Type: "test"}
	require.NoError(t, store.SaveTask(ctx, a))
	require.NoError(t, store.SaveTask(ctx, b))
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		return AddTaskDependencyTx(tx, "task-b", "task-a")
	}))

	now := time.Now().UTC()
	ready, err := store.ReadyTasks(ctx, "", 10, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "task-a", ready[0].ID)

	a.Status = TaskCompleted
	require.NoError(t, store.SaveTask(ctx, a))

	ready, err = store.ReadyTasks(ctx, "", 10, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "task-b", ready[0].ID)
}

func TestReadyTasksPriorityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTicket(t, store, "tkt-1")

	low := &Task{ID: "task-low", TicketID: "tkt-1", PhaseID: "implementation", Type: "code", Priority: PriorityLow}
	high := &Task{ID: "task-high", TicketID: "tkt-1", PhaseID: "implementation", Type: "code", Priority: PriorityHigh}
	require.NoError(t, store.SaveTask(ctx, low))
	require.NoError(t, store.SaveTask(ctx, high))

	ready, err := store.ReadyTasks(ctx, "", 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "task-high", ready[0].ID)
	assert.Equal(t, "task-low", ready[1].ID)
}

func TestReadyTasksRespectsBackoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTicket(t, store, "tkt-1")

	future := time.Now().UTC().Add(time.Hour)
	task := &Task{ID: "task-1", TicketID: "tkt-1", PhaseID: "implementation", Type: "code", NextAttemptAt: &future}
	require.NoError(t, store.SaveTask(ctx, task))

	ready, err := store.ReadyTasks(ctx, "", 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = store.ReadyTasks(ctx, "", 10, future.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestBoostPriority(t *testing.T) {
	assert.Equal(t, PriorityNormal, BoostPriority(PriorityLow))
	assert.Equal(t, PriorityHigh, BoostPriority(PriorityNormal))
	assert.Equal(t, PriorityCritical, BoostPriority(PriorityHigh))
	assert.Equal(t, PriorityCritical, BoostPriority(PriorityCritical))
}

func TestAgentSlotReservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{ID: "w1", Name: "worker-1", Capacity: 1}
	require.NoError(t, store.SaveAgent(ctx, agent))

	var first, second bool
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		var err error
		first, err = ReserveAgentSlotTx(tx, "w1")
		return err
	}))
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		var err error
		second, err = ReserveAgentSlotTx(tx, "w1")
		return err
	}))
	assert.True(t, first)
	assert.False(t, second, "load must never exceed capacity")

	got, err := store.GetAgent(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, got.Status)
	assert.Equal(t, 1, got.CurrentLoad)

	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		return ReleaseAgentSlotTx(tx, "w1")
	}))
	got, err = store.GetAgent(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, got.Status)
	assert.Equal(t, 0, got.CurrentLoad)
}

func TestHeartbeatRevivesUnreachableAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{ID: "w1", Name: "worker-1", Status: AgentUnreachable}
	require.NoError(t, store.SaveAgent(ctx, agent))

	require.NoError(t, store.TouchHeartbeat(ctx, "w1", time.Now().UTC()))

	got, err := store.GetAgent(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, got.Status)
	require.NotNil(t, got.LastHeartbeat)
}

func TestStaleAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-5 * time.Minute)
	fresh := time.Now().UTC()
	require.NoError(t, store.SaveAgent(ctx, &Agent{ID: "w-old", Name: "old", LastHeartbeat: &old}))
	require.NoError(t, store.SaveAgent(ctx, &Agent{ID: "w-new", Name: "new", LastHeartbeat: &fresh}))
	require.NoError(t, store.SaveAgent(ctx, &Agent{ID: "w-off", Name: "off", Status: AgentDisabled}))

	stale, err := store.StaleAgents(ctx, time.Now().UTC().Add(-90*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "w-old", stale[0].ID)
}

func TestLockVersioningAndRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var v1, v2 int64
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		var err error
		v1, err = InsertLockTx(tx, &ResourceLock{
			ResourceKey: "repo:main", HolderTaskID: "task-1", LockType: LockExclusive,
			AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
		})
		return err
	}))
	assert.Equal(t, int64(1), v1)

	// Release with wrong holder is a no-op.
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		removed, err := DeleteLockTx(tx, "repo:main", v1, "task-other")
		assert.False(t, removed)
		return err
	}))

	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		removed, err := DeleteLockTx(tx, "repo:main", v1, "task-1")
		assert.True(t, removed)
		return err
	}))

	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		var err error
		v2, err = InsertLockTx(tx, &ResourceLock{
			ResourceKey: "repo:main", HolderTaskID: "task-2", LockType: LockExclusive,
			AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
		})
		return err
	}))
	assert.Equal(t, int64(2), v2, "versions are monotonic even after release")
}

func TestSweepExpiredLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		_, err := InsertLockTx(tx, &ResourceLock{
			ResourceKey: "repo:main", HolderTaskID: "task-1", LockType: LockExclusive,
			AcquiredAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute),
		})
		return err
	}))

	keys, err := store.SweepExpiredLocks(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"repo:main"}, keys)

	locks, err := store.LocksForTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, locks)

	var v int64
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		var err error
		v, err = InsertLockTx(tx, &ResourceLock{
			ResourceKey: "repo:main", HolderTaskID: "task-2", LockType: LockExclusive,
			AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
		})
		return err
	}))
	assert.Equal(t, int64(2), v, "versions are monotonic across reclamation")
}

func TestEventLogDedup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	e := &EventRecord{
		EventID: "evt-1", Type: "task.completed", EntityType: "task",
		EntityID: "task-1", CreatedAt: at,
	}
	require.NoError(t, store.AppendEvent(ctx, e))
	dup := *e
	dup.EventID = "evt-2"
	require.NoError(t, store.AppendEvent(ctx, &dup))

	events, err := store.RecentEvents(ctx, "task-1", at.Add(-time.Second))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPhaseHistoryChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTicket(t, store, "tkt-1")

	base := time.Now().UTC()
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		if err := AppendPhaseHistoryTx(tx, &PhaseTransition{
			ID: "h1", TicketID: "tkt-1", FromPhase: "backlog", ToPhase: "requirements",
			ActorID: "user-1", CreatedAt: base,
		}); err != nil {
			return err
		}
		return AppendPhaseHistoryTx(tx, &PhaseTransition{
			ID: "h2", TicketID: "tkt-1", FromPhase: "requirements", ToPhase: "design",
			ActorID: "user-1", CreatedAt: base.Add(time.Second),
		})
	}))

	history, err := store.GetPhaseHistory(ctx, "tkt-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "requirements", history[0].ToPhase)
	assert.Equal(t, history[0].ToPhase, history[1].FromPhase)
}

func TestCascadeDeleteTicket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTicket(t, store, "tkt-1")

	require.NoError(t, store.SaveTask(ctx, &Task{ID: "task-1", TicketID: "tkt-1", PhaseID: "implementation", Type: "code"}))
	require.NoError(t, store.SaveArtifact(ctx, &GateArtifact{ID: "art-1", TicketID: "tkt-1", PhaseID: "implementation", Kind: "result_submission"}))

	require.NoError(t, store.DeleteTicket(ctx, "tkt-1"))

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, task)

	artifacts, err := store.ArtifactsForPhase(ctx, "tkt-1", "implementation")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestTrajectoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tc := &TrajectoryContext{
		AgentID: "w1",
		TaskID:  "task-1",
		Goal:    "implement health endpoint",
		Constraints: []Constraint{
			{Text: "do not touch auth", Source: "user"},
		},
		RecentActions: []string{"opened health.go"},
	}
	require.NoError(t, store.SaveTrajectory(ctx, tc))

	got, err := store.GetTrajectory(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "implement health endpoint", got.Goal)
	require.Len(t, got.Constraints, 1)
	assert.Equal(t, "do not touch auth", got.Constraints[0].Text)
}

func TestInterventionCooldownLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &GuardianIntervention{
		ID: "gi-1", AgentID: "w1", Kind: SteeringDrifting,
		Message: "Refocus on user-auth files", Confidence: 0.9,
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	second := &GuardianIntervention{
		ID: "gi-2", AgentID: "w1", Kind: SteeringDrifting,
		Message: "Refocus again", Confidence: 0.9,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveIntervention(ctx, first))
	require.NoError(t, store.SaveIntervention(ctx, second))

	latest, err := store.LatestIntervention(ctx, "w1", SteeringDrifting)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "gi-2", latest.ID)

	none, err := store.LatestIntervention(ctx, "w1", SteeringStuck)
	require.NoError(t, err)
	assert.Nil(t, none)
}
