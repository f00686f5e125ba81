package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/steward-dev/steward/internal/db"
	"github.com/steward-dev/steward/internal/discovery"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/guardian"
	"github.com/steward-dev/steward/internal/phase"
	"github.com/steward-dev/steward/internal/registry"
	"github.com/steward-dev/steward/internal/scheduler"
)

// The control surface: thin, validated pass-throughs to the owning
// component. Everything returns EngineError codes suitable for a transport
// layer to map.

// --- Tickets ---

func (e *Engine) CreateTicket(ctx context.Context, req phase.CreateRequest) (*db.Ticket, error) {
	return e.machine.CreateTicket(ctx, req)
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (*db.Ticket, error) {
	return e.machine.GetTicket(ctx, ticketID)
}

func (e *Engine) ListTickets(ctx context.Context, f db.TicketFilter) ([]db.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, f)
	if err != nil {
		return nil, enginerr.ErrInternal("list tickets", err)
	}
	return tickets, nil
}

func (e *Engine) TransitionTicket(ctx context.Context, ticketID, toPhase, reason, actorID string) error {
	return e.machine.Transition(ctx, ticketID, toPhase, reason, actorID)
}

func (e *Engine) CancelTicket(ctx context.Context, ticketID, reason string) ([]string, error) {
	return e.machine.CancelTicket(ctx, ticketID, reason)
}

func (e *Engine) ValidateGate(ctx context.Context, ticketID, phaseID string) (phase.GateResult, error) {
	return e.machine.ValidateGate(ctx, ticketID, phaseID)
}

func (e *Engine) SubmitArtifact(ctx context.Context, artifact *db.GateArtifact) error {
	if artifact.TicketID == "" || artifact.PhaseID == "" || artifact.Kind == "" {
		return enginerr.ErrInvalidInput("artifact", "ticket id, phase id, and kind are required")
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if err := e.store.SaveArtifact(ctx, artifact); err != nil {
		return enginerr.ErrInternal("submit artifact", err)
	}
	return nil
}

func (e *Engine) PhaseHistory(ctx context.Context, ticketID string) ([]db.PhaseTransition, error) {
	history, err := e.store.GetPhaseHistory(ctx, ticketID)
	if err != nil {
		return nil, enginerr.ErrInternal("phase history", err)
	}
	return history, nil
}

// --- Tasks ---

func (e *Engine) EnqueueTask(ctx context.Context, task *db.Task, dependencies []string) error {
	return e.queue.Enqueue(ctx, task, dependencies)
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (*db.Task, error) {
	return e.queue.Get(ctx, taskID)
}

func (e *Engine) ReadyTasks(ctx context.Context, phaseID string, limit int) ([]db.Task, error) {
	return e.queue.ReadyTasks(ctx, phaseID, limit)
}

func (e *Engine) AssignTask(ctx context.Context, taskID, agentID string) (*db.Task, error) {
	return e.dispatcher.AssignTask(ctx, taskID, agentID)
}

func (e *Engine) StartTask(ctx context.Context, taskID string) error {
	if err := e.queue.MarkStarted(ctx, taskID); err != nil {
		return err
	}
	e.appendTrajectory(ctx, e.taskAgent(ctx, taskID), taskID, "started")
	return nil
}

func (e *Engine) CompleteTask(ctx context.Context, taskID string, result map[string]any) error {
	agentID := e.taskAgent(ctx, taskID)
	if err := e.queue.Complete(ctx, taskID, result); err != nil {
		return err
	}
	e.appendTrajectory(ctx, agentID, taskID, "completed")
	return nil
}

func (e *Engine) FailTask(ctx context.Context, taskID string, kind scheduler.FailureKind, detail string) error {
	agentID := e.taskAgent(ctx, taskID)
	if err := e.queue.Fail(ctx, taskID, kind, detail); err != nil {
		return err
	}
	e.appendTrajectory(ctx, agentID, taskID, "failed")
	return nil
}

func (e *Engine) CancelTask(ctx context.Context, taskID, reason string) error {
	return e.queue.Cancel(ctx, taskID, reason)
}

func (e *Engine) AddTaskDependency(ctx context.Context, taskID, dependsOn string) error {
	return e.queue.AddDependency(ctx, taskID, dependsOn)
}

// trajectoryActionWindow bounds the recent-action history kept per agent.
const trajectoryActionWindow = 20

// taskAgent returns the assigned agent for a task, or "".
func (e *Engine) taskAgent(ctx context.Context, taskID string) string {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return ""
	}
	return task.AssignedAgentID
}

// appendTrajectory folds a task progress note into the agent's trajectory
// context so guardian snapshots see recent activity. Best effort; progress
// recording never fails the operation it follows.
func (e *Engine) appendTrajectory(ctx context.Context, agentID, taskID, verb string) {
	if agentID == "" {
		return
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	tc, err := e.store.GetTrajectory(ctx, agentID)
	if err != nil {
		e.log.Debug("trajectory lookup failed", "agent_id", agentID, "error", err)
		return
	}
	if tc == nil {
		tc = &db.TrajectoryContext{AgentID: agentID}
	}
	tc.TaskID = taskID
	if ticket, err := e.store.GetTicket(ctx, task.TicketID); err == nil && ticket != nil {
		tc.Goal = ticket.Title
	}
	tc.RecentActions = append(tc.RecentActions, fmt.Sprintf("%s task %s (%s)", verb, taskID, task.Type))
	if n := len(tc.RecentActions); n > trajectoryActionWindow {
		tc.RecentActions = tc.RecentActions[n-trajectoryActionWindow:]
	}
	if err := e.store.SaveTrajectory(ctx, tc); err != nil {
		e.log.Debug("trajectory save failed", "agent_id", agentID, "error", err)
	}
}

// --- Agents ---

func (e *Engine) RegisterAgent(ctx context.Context, agent *db.Agent) error {
	return e.registry.Register(ctx, agent)
}

func (e *Engine) UpdateAgent(ctx context.Context, agent *db.Agent) error {
	return e.registry.Update(ctx, agent)
}

func (e *Engine) DeregisterAgent(ctx context.Context, agentID string) error {
	return e.registry.Deregister(ctx, agentID)
}

func (e *Engine) AgentHeartbeat(ctx context.Context, agentID string, metadata map[string]any) error {
	return e.registry.Heartbeat(ctx, agentID, metadata)
}

func (e *Engine) GetAgent(ctx context.Context, agentID string) (*db.Agent, error) {
	return e.registry.Get(ctx, agentID)
}

func (e *Engine) ListAgents(ctx context.Context) ([]db.Agent, error) {
	return e.registry.List(ctx)
}

func (e *Engine) FindCandidates(ctx context.Context, f registry.Filter) ([]registry.Candidate, error) {
	return e.registry.FindCandidates(ctx, f)
}

// --- Discovery ---

func (e *Engine) RecordDiscovery(ctx context.Context, req discovery.RecordRequest) (*db.TaskDiscovery, error) {
	return e.discoverer.Record(ctx, req)
}

func (e *Engine) WorkflowGraph(ctx context.Context, ticketID string) (*discovery.Graph, error) {
	return e.discoverer.Graph(ctx, ticketID)
}

// --- Monitoring ---

func (e *Engine) StuckWorkflows(ctx context.Context) ([]string, error) {
	return e.guardian.DetectStuck(ctx)
}

func (e *Engine) AnalyzeCoherence(ctx context.Context) ([]guardian.Finding, error) {
	return e.guardian.AnalyzeCoherence(ctx)
}

func (e *Engine) LatestVerdict(agentID string) (*guardian.Verdict, bool) {
	return e.guardian.LatestVerdict(agentID)
}

func (e *Engine) Interventions(ctx context.Context, agentID, ticketID string, limit int) ([]db.GuardianIntervention, error) {
	interventions, err := e.store.ListInterventions(ctx, agentID, ticketID, limit)
	if err != nil {
		return nil, enginerr.ErrInternal("list interventions", err)
	}
	return interventions, nil
}

// Health is a point-in-time summary of system state.
type Health struct {
	TicketsByStatus map[string]int `json:"tickets_by_status"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	AgentsByStatus  map[string]int `json:"agents_by_status"`
	TotalCapacity   int            `json:"total_capacity"`
	UsedCapacity    int            `json:"used_capacity"`
}

// SystemHealth aggregates ticket, task, and agent counts.
func (e *Engine) SystemHealth(ctx context.Context) (*Health, error) {
	health := &Health{
		TicketsByStatus: make(map[string]int),
		TasksByStatus:   make(map[string]int),
		AgentsByStatus:  make(map[string]int),
	}

	tickets, err := e.store.ListTickets(ctx, db.TicketFilter{})
	if err != nil {
		return nil, enginerr.ErrInternal("system health", err)
	}
	for _, t := range tickets {
		health.TicketsByStatus[t.Status]++
	}

	tasks, err := e.store.ListTasks(ctx, db.TaskFilter{})
	if err != nil {
		return nil, enginerr.ErrInternal("system health", err)
	}
	for _, t := range tasks {
		health.TasksByStatus[t.Status]++
	}

	agents, err := e.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		health.AgentsByStatus[a.Status]++
		if a.Status != db.AgentDisabled {
			health.TotalCapacity += a.Capacity
			health.UsedCapacity += a.CurrentLoad
		}
	}
	return health, nil
}
