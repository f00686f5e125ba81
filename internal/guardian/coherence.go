package guardian

import (
	"context"
	"fmt"

	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/phase"
)

// Incoherence kinds reported by the conductor-level check.
const (
	IncoherenceDuplicateWork = "duplicate_work"
	IncoherencePhaseMismatch = "phase_mismatch"
	IncoherenceLoadImbalance = "load_imbalance"
)

// Finding is one system-level incoherence observation.
type Finding struct {
	Kind    string   `json:"kind"`
	Detail  string   `json:"detail"`
	Tasks   []string `json:"tasks,omitempty"`
	Agents  []string `json:"agents,omitempty"`
	Tickets []string `json:"tickets,omitempty"`
}

func (g *Guardian) coherenceCycle(ctx context.Context) error {
	_, err := g.AnalyzeCoherence(ctx)
	return err
}

// AnalyzeCoherence inspects the system as a whole: duplicate work across
// agents, tasks running outside their ticket's current phase, and load
// imbalance across the pool. Findings are reported as events only; no tasks
// are spawned.
func (g *Guardian) AnalyzeCoherence(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	running, err := g.store.ListTasks(ctx, db.TaskFilter{Status: db.TaskRunning})
	if err != nil {
		return nil, enginerr.ErrInternal("coherence analysis", err)
	}

	// Duplicate work: identical (ticket, type, description) running twice.
	byShape := make(map[string][]db.Task)
	for _, task := range running {
		key := task.TicketID + "|" + task.Type + "|" + task.Description
		byShape[key] = append(byShape[key], task)
	}
	for _, group := range byShape {
		if len(group) < 2 {
			continue
		}
		f := Finding{
			Kind:   IncoherenceDuplicateWork,
			Detail: fmt.Sprintf("%d agents running identical %s tasks", len(group), group[0].Type),
		}
		for _, task := range group {
			f.Tasks = append(f.Tasks, task.ID)
			f.Agents = append(f.Agents, task.AssignedAgentID)
		}
		findings = append(findings, f)
	}

	// Phase coherence: a running task outside its ticket's current phase.
	// Discovery-spawned cross-phase tasks are legitimate, so only flag work
	// in phases positioned after the ticket's.
	ticketPhases := make(map[string]string)
	for _, task := range running {
		current, ok := ticketPhases[task.TicketID]
		if !ok {
			ticket, err := g.store.GetTicket(ctx, task.TicketID)
			if err != nil || ticket == nil {
				continue
			}
			current = ticket.CurrentPhase
			ticketPhases[task.TicketID] = current
		}
		if task.PhaseID == current {
			continue
		}
		taskDef, ok1 := g.machine.Definition(task.PhaseID)
		currentDef, ok2 := g.machine.Definition(current)
		if ok1 && ok2 && taskDef.Position > currentDef.Position && task.PhaseID != phase.Blocked {
			findings = append(findings, Finding{
				Kind:    IncoherencePhaseMismatch,
				Detail:  fmt.Sprintf("task in phase %s while ticket is in %s", task.PhaseID, current),
				Tasks:   []string{task.ID},
				Tickets: []string{task.TicketID},
			})
		}
	}

	// Load balance: someone saturated while someone else sits idle.
	agents, err := g.store.ListAgents(ctx, db.AgentFilter{})
	if err != nil {
		return nil, enginerr.ErrInternal("coherence analysis", err)
	}
	var saturated, idle []string
	for _, agent := range agents {
		switch {
		case agent.Status == db.AgentBusy && agent.CurrentLoad >= agent.Capacity:
			saturated = append(saturated, agent.ID)
		case agent.Status == db.AgentIdle && agent.CurrentLoad == 0:
			idle = append(idle, agent.ID)
		}
	}
	if len(saturated) > 0 && len(idle) > 0 {
		findings = append(findings, Finding{
			Kind:   IncoherenceLoadImbalance,
			Detail: fmt.Sprintf("%d agents saturated while %d idle", len(saturated), len(idle)),
			Agents: append(saturated, idle...),
		})
	}

	for _, f := range findings {
		g.log.Warn("system incoherence detected", "kind", f.Kind, "detail", f.Detail)
		g.bus.Publish(ctx, events.New(events.SystemIncoherence, events.EntitySystem, "conductor", map[string]any{
			"kind":   f.Kind,
			"detail": f.Detail,
		}))
	}
	return findings, nil
}
