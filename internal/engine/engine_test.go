package engine

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	"github.com/steward-dev/steward/internal/discovery"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/phase"
	"github.com/steward-dev/steward/internal/scheduler"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Locks.BaseBackoff = time.Millisecond

	e, err := New(cfg, slog.Default(), Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func submitArtifact(t *testing.T, e *Engine, ticketID, phaseID, kind string, payload map[string]any) {
	t.Helper()
	require.NoError(t, e.SubmitArtifact(context.Background(), &db.GateArtifact{
		TicketID: ticketID,
		PhaseID:  phaseID,
		Kind:     kind,
		Payload:  payload,
	}))
}

func completePhaseTasks(t *testing.T, e *Engine, ticketID, phaseID string) {
	t.Helper()
	ctx := context.Background()
	for {
		ready, err := e.ReadyTasks(ctx, phaseID, 0)
		require.NoError(t, err)
		done := 0
		for _, task := range ready {
			if task.TicketID != ticketID {
				continue
			}
			require.NoError(t, e.CompleteTask(ctx, task.ID, map[string]any{"ok": true}))
			done++
		}
		if done == 0 {
			return
		}
	}
}

func TestTicketLifecycleToDone(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "Add rate limiting to the API", OwnerID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, phase.Backlog, ticket.CurrentPhase)

	require.NoError(t, e.TransitionTicket(ctx, ticket.ID, phase.Requirements, "", "user-1"))

	submitArtifact(t, e, ticket.ID, phase.Requirements, "requirements_doc", map[string]any{"sections": 4})
	require.NoError(t, e.TransitionTicket(ctx, ticket.ID, phase.Design, "", "user-1"))

	submitArtifact(t, e, ticket.ID, phase.Design, "design_doc", nil)
	require.NoError(t, e.TransitionTicket(ctx, ticket.ID, phase.Implementation, "", "user-1"))

	// Entering implementation materialized the code and test tasks.
	completePhaseTasks(t, e, ticket.ID, phase.Implementation)
	submitArtifact(t, e, ticket.ID, phase.Implementation, "result_submission", nil)
	require.NoError(t, e.TransitionTicket(ctx, ticket.ID, phase.Testing, "", "user-1"))

	submitArtifact(t, e, ticket.ID, phase.Testing, "test_report", map[string]any{"failed": 0})
	require.NoError(t, e.TransitionTicket(ctx, ticket.ID, phase.Deployment, "", "user-1"))

	submitArtifact(t, e, ticket.ID, phase.Deployment, "deployment_record", nil)
	require.NoError(t, e.TransitionTicket(ctx, ticket.ID, phase.Done, "", "user-1"))

	got, err := e.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Done, got.CurrentPhase)
	assert.Equal(t, db.TicketDone, got.Status)

	history, err := e.PhaseHistory(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestGateBlocksUnearnedTransition(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "gated", OwnerID: "user-1", InitialPhase: phase.Requirements,
	})
	require.NoError(t, err)

	err = e.TransitionTicket(ctx, ticket.ID, phase.Design, "", "user-1")
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeGateNotSatisfied, enginerr.CodeOf(err))

	result, err := e.ValidateGate(ctx, ticket.ID, phase.Requirements)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, strings.Join(result.Missing, "; "), "requirements_doc")
}

func TestSharedResourceSerializesAssignment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterAgent(ctx, &db.Agent{ID: "agent-1", Capacity: 2, Capabilities: []string{"code"}, HealthScore: 1}))
	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "contended", OwnerID: "user-1", InitialPhase: phase.Requirements,
	})
	require.NoError(t, err)

	for _, id := range []string{"task-a", "task-b"} {
		require.NoError(t, e.EnqueueTask(ctx, &db.Task{
			ID: id, TicketID: ticket.ID, PhaseID: phase.Requirements, Type: "code",
			RequiredResources: []string{"repo:main"},
		}, nil))
	}

	first, err := e.AssignTask(ctx, "task-a", "")
	require.NoError(t, err)
	assert.Equal(t, db.TaskAssigned, first.Status)

	// Same resource: the second task cannot be handed out yet.
	_, err = e.AssignTask(ctx, "task-b", "")
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeConflict, enginerr.CodeOf(err))

	require.NoError(t, e.StartTask(ctx, "task-a"))
	require.NoError(t, e.CompleteTask(ctx, "task-a", nil))

	second, err := e.AssignTask(ctx, "task-b", "")
	require.NoError(t, err)
	assert.Equal(t, db.TaskAssigned, second.Status)
}

func TestTransientFailureBacksOff(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterAgent(ctx, &db.Agent{ID: "agent-1", Capacity: 1, HealthScore: 1}))
	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "flaky", OwnerID: "user-1", InitialPhase: phase.Requirements,
	})
	require.NoError(t, err)
	require.NoError(t, e.EnqueueTask(ctx, &db.Task{
		ID: "task-1", TicketID: ticket.ID, PhaseID: phase.Requirements, Type: "code",
	}, nil))

	_, err = e.AssignTask(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	require.NoError(t, e.StartTask(ctx, "task-1"))
	require.NoError(t, e.FailTask(ctx, "task-1", scheduler.FailureTransient, "network blip"))

	task, err := e.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, db.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.NextAttemptAt)
	assert.True(t, task.NextAttemptAt.After(time.Now().UTC()), "backoff keeps it out of the ready set")

	ready, err := e.ReadyTasks(ctx, phase.Requirements, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	// The agent slot was given back.
	agent, err := e.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, agent.CurrentLoad)
}

func TestStaleAgentWorkIsRequeued(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterAgent(ctx, &db.Agent{ID: "agent-1", Capacity: 1, HealthScore: 1}))
	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "orphaned", OwnerID: "user-1", InitialPhase: phase.Requirements,
	})
	require.NoError(t, err)
	require.NoError(t, e.EnqueueTask(ctx, &db.Task{
		ID: "task-1", TicketID: ticket.ID, PhaseID: phase.Requirements, Type: "code",
	}, nil))

	_, err = e.AssignTask(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	require.NoError(t, e.StartTask(ctx, "task-1"))

	// The agent goes silent past the staleness window.
	agent, err := e.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	silent := time.Now().UTC().Add(-e.cfg.Agents.StaleTimeout - time.Minute)
	agent.LastHeartbeat = &silent
	require.NoError(t, e.store.SaveAgent(ctx, agent))

	require.NoError(t, e.sweepStaleAgents(ctx))

	agent, err = e.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, db.AgentUnreachable, agent.Status)

	task, err := e.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, db.TaskPending, task.Status)
	assert.Empty(t, task.AssignedAgentID)
	assert.Equal(t, 1, task.RetryCount)
}

func TestTaskProgressFeedsTrajectory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterAgent(ctx, &db.Agent{ID: "agent-1", Capacity: 1, HealthScore: 1}))
	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "traced", OwnerID: "user-1", InitialPhase: phase.Requirements,
	})
	require.NoError(t, err)
	require.NoError(t, e.EnqueueTask(ctx, &db.Task{
		ID: "task-1", TicketID: ticket.ID, PhaseID: phase.Requirements, Type: "code",
	}, nil))

	_, err = e.AssignTask(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	require.NoError(t, e.StartTask(ctx, "task-1"))
	require.NoError(t, e.CompleteTask(ctx, "task-1", nil))

	tc, err := e.store.GetTrajectory(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, tc, "task progress populates the agent's trajectory context")
	assert.Equal(t, "traced", tc.Goal)
	assert.Equal(t, "task-1", tc.TaskID)
	require.Len(t, tc.RecentActions, 2)
	assert.Contains(t, tc.RecentActions[0], "started")
	assert.Contains(t, tc.RecentActions[1], "completed")
}

func TestDiscoveryBranchAppearsInGraph(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "branching", OwnerID: "user-1", InitialPhase: phase.Implementation,
	})
	require.NoError(t, err)

	tasks, err := e.store.ListTasks(ctx, db.TaskFilter{TicketID: ticket.ID})
	require.NoError(t, err)
	require.NotEmpty(t, tasks, "implementation entry materializes template tasks")
	source := tasks[0]

	disc, err := e.RecordDiscovery(ctx, discovery.RecordRequest{
		SourceTaskID: source.ID,
		Type:         db.DiscoveryBugFound,
		Description:  "nil deref in parser",
		Spawn:        &discovery.SpawnSpec{TaskType: "fix", PriorityBoost: true, BlockSource: true},
	})
	require.NoError(t, err)

	graph, err := e.WorkflowGraph(ctx, ticket.ID)
	require.NoError(t, err)
	found := false
	for _, edge := range graph.Edges {
		if edge.Kind == discovery.EdgeDiscovery && edge.To == disc.SpawnedTaskID {
			found = true
		}
	}
	assert.True(t, found, "discovery spawn edge present")

	blocked, err := e.GetTask(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskBlockedOnDiscovery, blocked.Status)
}

func TestSystemHealthCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.RegisterAgent(ctx, &db.Agent{ID: "agent-1", Capacity: 2, HealthScore: 1}))
	ticket, err := e.CreateTicket(ctx, phase.CreateRequest{
		Title: "counted", OwnerID: "user-1", InitialPhase: phase.Requirements,
	})
	require.NoError(t, err)
	require.NoError(t, e.EnqueueTask(ctx, &db.Task{
		ID: "task-1", TicketID: ticket.ID, PhaseID: phase.Requirements, Type: "code",
	}, nil))

	health, err := e.SystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health.TicketsByStatus[db.TicketActive])
	assert.Equal(t, 1, health.TasksByStatus[db.TaskPending])
	assert.Equal(t, 1, health.AgentsByStatus[db.AgentIdle])
	assert.Equal(t, 2, health.TotalCapacity)
	assert.Zero(t, health.UsedCapacity)
}
