package phase

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
)

func newTestMachine(t *testing.T) (*Machine, *db.Store) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	m, err := NewMachine(store, events.NopBus{}, slog.Default(), Defaults(), nil, config.Default().Tasks)
	require.NoError(t, err)
	return m, store
}

func createTicket(t *testing.T, m *Machine, phase string) *db.Ticket {
	t.Helper()
	ticket, err := m.CreateTicket(context.Background(), CreateRequest{
		Title:        "Add /health endpoint",
		OwnerID:      "user-1",
		InitialPhase: phase,
	})
	require.NoError(t, err)
	return ticket
}

func submitArtifact(t *testing.T, store *db.Store, ticketID, phaseID, kind string, payload map[string]any) {
	t.Helper()
	require.NoError(t, store.SaveArtifact(context.Background(), &db.GateArtifact{
		ID: uuid.NewString(), TicketID: ticketID, PhaseID: phaseID,
		Kind: kind, Payload: payload, AgentID: "w1",
	}))
}

func TestCreateTicketValidation(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.CreateTicket(context.Background(), CreateRequest{})
	assert.Equal(t, enginerr.CodeInvalidInput, enginerr.CodeOf(err))

	_, err = m.CreateTicket(context.Background(), CreateRequest{Title: "x", OwnerID: "u", InitialPhase: "nope"})
	assert.Equal(t, enginerr.CodeInvalidInput, enginerr.CodeOf(err))
}

func TestCreateTicketMaterializesTemplates(t *testing.T) {
	m, store := newTestMachine(t)
	ticket := createTicket(t, m, Implementation)

	tasks, err := store.ListTasks(context.Background(), db.TaskFilter{TicketID: ticket.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var codeID string
	for _, task := range tasks {
		if task.Type == "code" {
			codeID = task.ID
		}
	}
	for _, task := range tasks {
		if task.Type == "test" {
			deps, err := store.GetTaskDependencies(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{codeID}, deps, "template dependency resolved to task id")
		}
	}
}

func TestTransitionRejectsInvalidTarget(t *testing.T) {
	m, _ := newTestMachine(t)
	ticket := createTicket(t, m, Requirements)

	err := m.Transition(context.Background(), ticket.ID, Deployment, "skip ahead", "user-1")
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeConflict, enginerr.CodeOf(err))
}

func TestTransitionGateBlocksWithoutArtifacts(t *testing.T) {
	m, _ := newTestMachine(t)
	ticket := createTicket(t, m, Requirements)

	err := m.Transition(context.Background(), ticket.ID, Design, "ready", "user-1")
	require.Error(t, err)
	ee := enginerr.AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, enginerr.CodeGateNotSatisfied, ee.Code)
	require.NotEmpty(t, ee.Missing)
	assert.Contains(t, ee.Missing[0], "requirements_doc")
}

func TestTransitionHappyPath(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	ticket := createTicket(t, m, Requirements)

	submitArtifact(t, store, ticket.ID, Requirements, "requirements_doc", map[string]any{"approved": true})
	require.NoError(t, m.Transition(ctx, ticket.ID, Design, "requirements approved", "user-1"))

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, Design, got.CurrentPhase)
	assert.Equal(t, Requirements, got.PreviousPhase)
	assert.NotNil(t, got.Context[Requirements], "phase context aggregated")
	assert.NotEmpty(t, got.ContextSummary)

	history, err := store.GetPhaseHistory(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, Requirements, history[0].FromPhase)
	assert.Equal(t, Design, history[0].ToPhase)
}

func TestTransitionToBlockedBypassesGate(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	ticket := createTicket(t, m, Requirements)

	require.NoError(t, m.Transition(ctx, ticket.ID, Blocked, "waiting on stakeholder", "user-1"))

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, Blocked, got.CurrentPhase)
	assert.Equal(t, db.TicketBlocked, got.Status)
	assert.Equal(t, []string{"waiting on stakeholder"}, got.BlockingReasons)

	// Leaving blocked clears the reasons and restores active status.
	require.NoError(t, m.Transition(ctx, ticket.ID, Requirements, "unblocked", "user-1"))
	got, err = store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketActive, got.Status)
	assert.Empty(t, got.BlockingReasons)
}

func TestGateRequiresNonOptionalTasks(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	ticket := createTicket(t, m, Implementation)

	submitArtifact(t, store, ticket.ID, Implementation, "result_submission", nil)

	result, err := m.ValidateGate(ctx, ticket.ID, Implementation)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Len(t, result.Missing, 2, "both template tasks incomplete")

	tasks, err := store.ListTasks(ctx, db.TaskFilter{TicketID: ticket.ID})
	require.NoError(t, err)
	for _, task := range tasks {
		task := task
		task.Status = db.TaskCompleted
		require.NoError(t, store.SaveTask(ctx, &task))
	}

	result, err = m.ValidateGate(ctx, ticket.ID, Implementation)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Missing)
}

func TestGateRejectsCancelledMandatoryTask(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	ticket := createTicket(t, m, Implementation)

	submitArtifact(t, store, ticket.ID, Implementation, "result_submission", nil)

	tasks, err := store.ListTasks(ctx, db.TaskFilter{TicketID: ticket.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for i, task := range tasks {
		task := task
		task.Status = db.TaskCompleted
		if i == 0 {
			task.Status = db.TaskCancelled
		}
		require.NoError(t, store.SaveTask(ctx, &task))
	}

	// Cancelled mandatory work leaves the phase unearned.
	result, err := m.ValidateGate(ctx, ticket.ID, Implementation)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.Missing, 1)
	assert.Contains(t, result.Missing[0], db.TaskCancelled)
}

func TestGatePredicateWithPath(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	defs := Defaults()
	for i := range defs {
		if defs[i].ID == Testing {
			defs[i].DoneDefinitions = []Predicate{{
				Description:  "all tests green",
				ArtifactKind: "test_report",
				Path:         "summary.failed",
				Equals:       0,
			}}
		}
	}
	var err error
	m, err = NewMachine(store, events.NopBus{}, slog.Default(), defs, nil, config.Default().Tasks)
	require.NoError(t, err)

	ticket := createTicket(t, m, Testing)

	submitArtifact(t, store, ticket.ID, Testing, "test_report", map[string]any{
		"summary": map[string]any{"failed": 3},
	})
	result, err := m.ValidateGate(ctx, ticket.ID, Testing)
	require.NoError(t, err)
	assert.False(t, result.Passed)

	submitArtifact(t, store, ticket.ID, Testing, "test_report", map[string]any{
		"summary": map[string]any{"failed": 0},
	})
	result, err = m.ValidateGate(ctx, ticket.ID, Testing)
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestFullWorkflowToDone(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	ticket := createTicket(t, m, Backlog)

	steps := []struct {
		to       string
		artifact string
	}{
		{Requirements, ""},
		{Design, "requirements_doc"},
		{Implementation, "design_doc"},
		{Testing, "result_submission"},
		{Deployment, "test_report"},
		{Done, "deployment_record"},
	}
	for _, step := range steps {
		current, err := store.GetTicket(ctx, ticket.ID)
		require.NoError(t, err)
		if step.artifact != "" {
			submitArtifact(t, store, ticket.ID, current.CurrentPhase, step.artifact, nil)
		}
		// Complete any materialized tasks so the gate passes.
		tasks, err := store.ListTasks(ctx, db.TaskFilter{TicketID: ticket.ID, PhaseID: current.CurrentPhase})
		require.NoError(t, err)
		for _, task := range tasks {
			task := task
			if !task.Terminal() {
				task.Status = db.TaskCompleted
				require.NoError(t, store.SaveTask(ctx, &task))
			}
		}
		require.NoError(t, m.Transition(ctx, ticket.ID, step.to, "", "user-1"), "to %s", step.to)
	}

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, Done, got.CurrentPhase)
	assert.Equal(t, db.TicketDone, got.Status)

	history, err := store.GetPhaseHistory(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].ToPhase, history[i].FromPhase, "history forms a chain")
	}

	// A done ticket accepts no further transitions.
	err = m.Transition(ctx, ticket.ID, Blocked, "", "user-1")
	require.Error(t, err)
	assert.Equal(t, enginerr.CodeConflict, enginerr.CodeOf(err))
}

func TestCancelTicketIsIdempotent(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	ticket := createTicket(t, m, Implementation)

	cancelled, err := m.CancelTicket(ctx, ticket.ID, "abandoned")
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	cancelled, err = m.CancelTicket(ctx, ticket.ID, "abandoned")
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketArchived, got.Status)
}

func TestLoadFileValidation(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/phases.yaml"
	yaml := `
phases:
  - id: intake
    position: 0
    next_phases: [build]
  - id: build
    position: 1
    task_templates:
      - key: code
        type: code
      - key: verify
        type: test
        depends_on: [code]
`
	require.NoError(t, writeFile(path, yaml))

	defs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "intake", defs[0].ID)
	assert.True(t, defs[0].Allows("build"))

	bad := `
phases:
  - id: intake
    next_phases: [missing]
`
	require.NoError(t, writeFile(path, bad))
	_, err = LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown next phase")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
