package guardian

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	"github.com/steward-dev/steward/internal/discovery"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/phase"
	"github.com/steward-dev/steward/internal/scheduler"
)

type stubAnalyzer struct {
	verdict *Verdict
	err     error
	calls   int
}

func (s *stubAnalyzer) Analyze(context.Context, *Snapshot) (*Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func newTestGuardian(t *testing.T, analyzer Analyzer) (*Guardian, *db.Store) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	log := slog.Default()
	cfg := config.Default()
	machine, err := phase.NewMachine(store, events.NopBus{}, log, phase.Defaults(), phase.NewTruncatingSummarizer(0), cfg.Tasks)
	require.NoError(t, err)
	queue := scheduler.New(store, events.NopBus{}, nil, log, cfg.Tasks)
	discoverer := discovery.New(store, events.NopBus{}, queue, log)

	g, err := New(store, events.NopBus{}, machine, discoverer, analyzer, log, cfg.Guardian)
	require.NoError(t, err)
	return g, store
}

func seedBusyAgent(t *testing.T, store *db.Store, agentID string) *db.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveTicket(ctx, &db.Ticket{
		ID: "tkt-1", Title: "Implement payment retries", OwnerID: "user-1", CurrentPhase: phase.Implementation,
	}))
	require.NoError(t, store.SaveAgent(ctx, &db.Agent{
		ID: agentID, Status: db.AgentBusy, Capacity: 1, CurrentLoad: 1,
	}))
	task := &db.Task{
		ID: "task-" + agentID, TicketID: "tkt-1", PhaseID: phase.Implementation,
		Type: "code", Description: "Implement the change",
		Status: db.TaskRunning, AssignedAgentID: agentID, Priority: db.PriorityNormal,
	}
	require.NoError(t, store.SaveTask(ctx, task))
	return task
}

func TestDriftInterventionThenCooldown(t *testing.T) {
	stub := &stubAnalyzer{verdict: &Verdict{
		AlignmentScore:    0.3,
		TrajectoryAligned: false,
		DriftReasons:      []string{"editing unrelated subsystem"},
		RecommendedSteering: &Steering{
			Kind:       db.SteeringDrifting,
			Message:    "Refocus on the payment retry task.",
			Confidence: 0.9,
		},
	}}
	g, store := newTestGuardian(t, stub)
	seedBusyAgent(t, store, "agent-1")
	ctx := context.Background()

	base := time.Now().UTC()
	g.now = func() time.Time { return base }

	require.NoError(t, g.analysisCycle(ctx))

	verdict, ok := g.LatestVerdict("agent-1")
	require.True(t, ok)
	assert.InDelta(t, 0.3, verdict.AlignmentScore, 1e-9)

	issued, err := store.ListInterventions(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	require.Len(t, issued, 1)
	assert.Equal(t, db.SteeringDrifting, issued[0].Kind)
	assert.Contains(t, issued[0].Evidence, "editing unrelated subsystem")

	// Same verdict again inside the cooldown: suppressed.
	require.NoError(t, g.analysisCycle(ctx))
	issued, err = store.ListInterventions(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, issued, 1)

	// Past the cooldown the intervention repeats.
	g.now = func() time.Time { return base.Add(g.cfg.InterventionCooldown + time.Second) }
	require.NoError(t, g.analysisCycle(ctx))
	issued, err = store.ListInterventions(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, issued, 2)
	assert.Equal(t, 3, stub.calls)
}

func TestAnalyzerFailureNeverIntervenes(t *testing.T) {
	stub := &stubAnalyzer{err: errors.New("backend down")}
	g, store := newTestGuardian(t, stub)
	seedBusyAgent(t, store, "agent-1")
	ctx := context.Background()

	require.NoError(t, g.analysisCycle(ctx))

	_, ok := g.LatestVerdict("agent-1")
	assert.False(t, ok)
	issued, err := store.ListInterventions(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, issued)
}

func TestIdleAgentNotAnalyzed(t *testing.T) {
	stub := &stubAnalyzer{verdict: &Verdict{AlignmentScore: 1, TrajectoryAligned: true}}
	g, store := newTestGuardian(t, stub)
	require.NoError(t, store.SaveAgent(context.Background(), &db.Agent{ID: "agent-idle", Status: db.AgentIdle}))

	require.NoError(t, g.analysisCycle(context.Background()))
	assert.Zero(t, stub.calls)
}

func TestChooseSteering(t *testing.T) {
	g, _ := newTestGuardian(t, nil)

	tests := []struct {
		name    string
		verdict Verdict
		want    string // empty = no steering
	}{
		{
			name:    "aligned",
			verdict: Verdict{AlignmentScore: 0.9, TrajectoryAligned: true},
		},
		{
			name: "confident recommendation wins",
			verdict: Verdict{AlignmentScore: 0.6, TrajectoryAligned: true,
				RecommendedSteering: &Steering{Kind: db.SteeringMissedSteps, Confidence: 0.8}},
			want: db.SteeringMissedSteps,
		},
		{
			name: "unconfident recommendation falls through to thresholds",
			verdict: Verdict{AlignmentScore: 0.9, TrajectoryAligned: true,
				RecommendedSteering: &Steering{Kind: db.SteeringDrifting, Confidence: 0.2}},
		},
		{
			name:    "emergency below floor",
			verdict: Verdict{AlignmentScore: 0.1},
			want:    db.SteeringEmergency,
		},
		{
			name:    "constraint violation",
			verdict: Verdict{AlignmentScore: 0.8, ConstraintViolations: []string{"no schema changes"}},
			want:    db.SteeringViolatingConstraints,
		},
		{
			name:    "skipped mandatory step",
			verdict: Verdict{AlignmentScore: 0.8, SkippedMandatorySteps: []string{"run tests before submitting"}},
			want:    db.SteeringMissedSteps,
		},
		{
			name:    "drifting below alignment threshold",
			verdict: Verdict{AlignmentScore: 0.4, TrajectoryAligned: false},
			want:    db.SteeringDrifting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steering := g.chooseSteering(&tt.verdict)
			if tt.want == "" {
				assert.Nil(t, steering)
				return
			}
			require.NotNil(t, steering)
			assert.Equal(t, tt.want, steering.Kind)
		})
	}
}

func TestStuckDetectionSpawnsRecovery(t *testing.T) {
	g, store := newTestGuardian(t, nil)
	ctx := context.Background()

	base := time.Now().UTC()
	g.now = func() time.Time { return base }

	// Requirements work finished long ago but no requirements_doc was ever
	// submitted, so the gate cannot pass.
	require.NoError(t, store.SaveTicket(ctx, &db.Ticket{
		ID: "tkt-stuck", Title: "stuck ticket", OwnerID: "user-1", CurrentPhase: phase.Requirements,
	}))
	completed := base.Add(-g.cfg.StuckThreshold - time.Minute)
	require.NoError(t, store.SaveTask(ctx, &db.Task{
		ID: "task-req", TicketID: "tkt-stuck", PhaseID: phase.Requirements,
		Type: "requirements", Status: db.TaskCompleted, CompletedAt: &completed,
	}))

	stuck, err := g.DetectStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tkt-stuck"}, stuck)

	tasks, err := store.ListTasks(ctx, db.TaskFilter{TicketID: "tkt-stuck", Status: db.TaskPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	recovery := tasks[0]
	assert.Equal(t, "recovery", recovery.Type)
	assert.Equal(t, recoveryDescription, recovery.Description)
	assert.Equal(t, phase.Requirements, recovery.PhaseID)
	assert.Greater(t, recovery.Priority, db.PriorityNormal, "recovery work jumps the queue")

	// With the recovery task pending the phase is no longer "all done", so
	// the next cycle spawns nothing further.
	stuck, err = g.DetectStuck(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)
	tasks, err = store.ListTasks(ctx, db.TaskFilter{TicketID: "tkt-stuck", Status: db.TaskPending})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRecentlyCompletedPhaseNotStuck(t *testing.T) {
	g, store := newTestGuardian(t, nil)
	ctx := context.Background()

	base := time.Now().UTC()
	g.now = func() time.Time { return base }

	require.NoError(t, store.SaveTicket(ctx, &db.Ticket{
		ID: "tkt-fresh", Title: "fresh ticket", OwnerID: "user-1", CurrentPhase: phase.Requirements,
	}))
	completed := base.Add(-time.Minute)
	require.NoError(t, store.SaveTask(ctx, &db.Task{
		ID: "task-req", TicketID: "tkt-fresh", PhaseID: phase.Requirements,
		Type: "requirements", Status: db.TaskCompleted, CompletedAt: &completed,
	}))

	stuck, err := g.DetectStuck(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestCoherenceDuplicateWork(t *testing.T) {
	g, store := newTestGuardian(t, nil)
	ctx := context.Background()

	require.NoError(t, store.SaveTicket(ctx, &db.Ticket{
		ID: "tkt-1", Title: "t", OwnerID: "user-1", CurrentPhase: phase.Implementation,
	}))
	for _, id := range []string{"agent-a", "agent-b"} {
		require.NoError(t, store.SaveAgent(ctx, &db.Agent{ID: id, Status: db.AgentBusy, Capacity: 2, CurrentLoad: 1}))
		require.NoError(t, store.SaveTask(ctx, &db.Task{
			ID: "task-" + id, TicketID: "tkt-1", PhaseID: phase.Implementation,
			Type: "code", Description: "Implement the change",
			Status: db.TaskRunning, AssignedAgentID: id,
		}))
	}

	findings, err := g.AnalyzeCoherence(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, IncoherenceDuplicateWork, findings[0].Kind)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, findings[0].Agents)
}

func TestCoherencePhaseMismatch(t *testing.T) {
	g, store := newTestGuardian(t, nil)
	ctx := context.Background()

	require.NoError(t, store.SaveTicket(ctx, &db.Ticket{
		ID: "tkt-1", Title: "t", OwnerID: "user-1", CurrentPhase: phase.Requirements,
	}))
	// Running ahead of the ticket's phase.
	require.NoError(t, store.SaveTask(ctx, &db.Task{
		ID: "task-ahead", TicketID: "tkt-1", PhaseID: phase.Testing,
		Type: "test", Status: db.TaskRunning,
	}))
	// A discovery-style task in an earlier phase is legitimate.
	require.NoError(t, store.SaveTask(ctx, &db.Task{
		ID: "task-behind", TicketID: "tkt-1", PhaseID: phase.Backlog,
		Type: "triage", Status: db.TaskRunning,
	}))

	findings, err := g.AnalyzeCoherence(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, IncoherencePhaseMismatch, findings[0].Kind)
	assert.Equal(t, []string{"task-ahead"}, findings[0].Tasks)
}

func TestCoherenceLoadImbalance(t *testing.T) {
	g, store := newTestGuardian(t, nil)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, &db.Agent{ID: "agent-full", Status: db.AgentBusy, Capacity: 1, CurrentLoad: 1}))
	require.NoError(t, store.SaveAgent(ctx, &db.Agent{ID: "agent-free", Status: db.AgentIdle, Capacity: 1}))

	findings, err := g.AnalyzeCoherence(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, IncoherenceLoadImbalance, findings[0].Kind)
	assert.ElementsMatch(t, []string{"agent-full", "agent-free"}, findings[0].Agents)
}
