package discovery

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/scheduler"
)

func newTestService(t *testing.T) (*Service, *db.Store) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	queue := scheduler.New(store, events.NopBus{}, nil, slog.Default(), config.Default().Tasks)
	return New(store, events.NopBus{}, queue, slog.Default()), store
}

func seedSourceTask(t *testing.T, store *db.Store) *db.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveTicket(ctx, &db.Ticket{
		ID: "tkt-1", Title: "test", OwnerID: "user-1", CurrentPhase: "implementation",
	}))
	task := &db.Task{
		ID: "task-src", TicketID: "tkt-1", PhaseID: "implementation", Type: "code",
		Status: db.TaskRunning, Priority: db.PriorityNormal,
	}
	require.NoError(t, store.SaveTask(ctx, task))
	return task
}

func TestRecordWithoutSpawn(t *testing.T) {
	s, store := newTestService(t)
	seedSourceTask(t, store)

	disc, err := s.Record(context.Background(), RecordRequest{
		SourceTaskID: "task-src",
		Type:         db.DiscoveryOptimization,
		Description:  "query could be batched",
	})
	require.NoError(t, err)
	assert.Empty(t, disc.SpawnedTaskID)
	assert.Equal(t, db.DiscoveryOpen, disc.Resolution)

	got, err := store.GetDiscovery(context.Background(), disc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, db.DiscoveryOptimization, got.Type)
}

func TestRecordUnknownSource(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Record(context.Background(), RecordRequest{SourceTaskID: "ghost", Type: "bug_found"})
	assert.Equal(t, enginerr.CodeNotFound, enginerr.CodeOf(err))
}

func TestSpawnIntoOtherPhaseWithBoost(t *testing.T) {
	s, store := newTestService(t)
	seedSourceTask(t, store)
	ctx := context.Background()

	disc, err := s.Record(ctx, RecordRequest{
		SourceTaskID: "task-src",
		Type:         db.DiscoveryClarification,
		Description:  "requirement ambiguous",
		Spawn: &SpawnSpec{
			PhaseID:       "requirements",
			TaskType:      "clarify",
			Description:   "Clarify expected error codes",
			PriorityBoost: true,
			BlockSource:   true,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, disc.SpawnedTaskID)
	assert.Equal(t, "requirements", disc.SpawnedPhase)

	spawned, err := store.GetTask(ctx, disc.SpawnedTaskID)
	require.NoError(t, err)
	assert.Equal(t, "requirements", spawned.PhaseID, "free-form branching: ticket phase unchanged, task lands elsewhere")
	assert.Equal(t, db.PriorityHigh, spawned.Priority, "boost raises one level")

	// The ticket itself did not transition.
	ticket, err := store.GetTicket(ctx, "tkt-1")
	require.NoError(t, err)
	assert.Equal(t, "implementation", ticket.CurrentPhase)

	source, err := store.GetTask(ctx, "task-src")
	require.NoError(t, err)
	assert.Equal(t, db.TaskBlockedOnDiscovery, source.Status)
}

func TestCompletionReleasesBlockedSource(t *testing.T) {
	s, store := newTestService(t)
	seedSourceTask(t, store)
	ctx := context.Background()

	disc, err := s.Record(ctx, RecordRequest{
		SourceTaskID: "task-src",
		Type:         db.DiscoveryMissingDependency,
		Spawn:        &SpawnSpec{TaskType: "setup", BlockSource: true},
	})
	require.NoError(t, err)

	s.HandleTaskCompleted(ctx, disc.SpawnedTaskID)

	source, err := store.GetTask(ctx, "task-src")
	require.NoError(t, err)
	assert.Equal(t, db.TaskPending, source.Status)

	got, err := store.GetDiscovery(ctx, disc.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DiscoveryResolved, got.Resolution)
}

func TestGraphIncludesBothEdgeKinds(t *testing.T) {
	s, store := newTestService(t)
	seedSourceTask(t, store)
	ctx := context.Background()

	dep := &db.Task{ID: "task-dep", TicketID: "tkt-1", PhaseID: "implementation", Type: "test"}
	require.NoError(t, store.SaveTask(ctx, dep))
	require.NoError(t, store.RunInTx(ctx, func(tx *db.TxOps) error {
		return db.AddTaskDependencyTx(tx, "task-dep", "task-src")
	}))

	disc, err := s.Record(ctx, RecordRequest{
		SourceTaskID: "task-src",
		Type:         db.DiscoveryBugFound,
		Spawn:        &SpawnSpec{TaskType: "fix"},
	})
	require.NoError(t, err)

	graph, err := s.Graph(ctx, "tkt-1")
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 3)
	require.Len(t, graph.Edges, 2)

	kinds := map[string]Edge{}
	for _, e := range graph.Edges {
		kinds[e.Kind] = e
	}
	assert.Equal(t, "task-src", kinds[EdgeDependency].From)
	assert.Equal(t, "task-dep", kinds[EdgeDependency].To)
	assert.Equal(t, "task-src", kinds[EdgeDiscovery].From)
	assert.Equal(t, disc.SpawnedTaskID, kinds[EdgeDiscovery].To)
}

func TestGraphUnknownTicket(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Graph(context.Background(), "ghost")
	assert.Equal(t, enginerr.CodeNotFound, enginerr.CodeOf(err))
}
