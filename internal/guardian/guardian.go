// Package guardian runs the monitoring loops: per-agent trajectory
// analysis, stuck-workflow detection, and conductor-level coherence checks.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	"github.com/steward-dev/steward/internal/discovery"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
	"github.com/steward-dev/steward/internal/phase"
)

// verdictCacheSize bounds the per-agent verdict cache.
const verdictCacheSize = 256

// recoveryDescription is the canned description of a stuck-workflow
// recovery task.
const recoveryDescription = "Submit final result with evidence"

// Guardian watches agent trajectories and workflow progress, issuing
// steering interventions and recovery tasks.
type Guardian struct {
	store      *db.Store
	bus        events.Bus
	machine    *phase.Machine
	discoverer *discovery.Service
	analyzer   Analyzer
	log        *slog.Logger
	cfg        config.Guardian

	verdicts *lru.Cache[string, *Verdict]
	limiter  *rate.Limiter

	mu        sync.Mutex
	lastStuck map[string]time.Time // ticket id -> last recovery spawn

	now func() time.Time
}

// New creates a guardian. analyzer may be nil; the static rule-based
// analyzer is used then.
func New(store *db.Store, bus events.Bus, machine *phase.Machine, discoverer *discovery.Service, analyzer Analyzer, log *slog.Logger, cfg config.Guardian) (*Guardian, error) {
	if analyzer == nil {
		analyzer = StaticAnalyzer{}
	}
	cache, err := lru.New[string, *Verdict](verdictCacheSize)
	if err != nil {
		return nil, enginerr.ErrInternal("guardian cache", err)
	}
	limit := rate.Limit(cfg.AnalyzerRateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Guardian{
		store:      store,
		bus:        bus,
		machine:    machine,
		discoverer: discoverer,
		analyzer:   analyzer,
		log:        log,
		cfg:        cfg,
		verdicts:   cache,
		limiter:    rate.NewLimiter(limit, 1),
		lastStuck:  make(map[string]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run drives the three loops until the context is cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	unsubscribe := g.bus.Subscribe("task.**", func(e events.Event) {
		g.invalidateFromEvent(e)
	})
	defer unsubscribe()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.loop(ctx, g.cfg.Interval, g.analysisCycle) })
	grp.Go(func() error { return g.loop(ctx, g.cfg.StuckInterval, g.stuckCycle) })
	grp.Go(func() error { return g.loop(ctx, g.cfg.CoherenceInterval, g.coherenceCycle) })
	return grp.Wait()
}

// loop runs fn on a ticker. Cycle errors are logged, never fatal.
func (g *Guardian) loop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				g.log.Error("guardian cycle failed", "error", err)
			}
		}
	}
}

func (g *Guardian) invalidateFromEvent(e events.Event) {
	switch e.Type {
	case events.TaskCompleted, events.TaskFailedTransient, events.TaskFailedPermanent:
	default:
		return
	}
	if agentID, ok := e.Payload["agent_id"].(string); ok && agentID != "" {
		g.verdicts.Remove(agentID)
		return
	}
	// No agent in the payload; look the task up.
	task, err := g.store.GetTask(context.Background(), e.EntityID)
	if err == nil && task != nil && task.AssignedAgentID != "" {
		g.verdicts.Remove(task.AssignedAgentID)
	}
}

// --- Loop (a): per-agent trajectory analysis ---

// analysisCycle analyzes every agent with a running task. Each agent is
// isolated: one bad trajectory cannot poison the rest of the cycle.
func (g *Guardian) analysisCycle(ctx context.Context) error {
	agents, err := g.store.ListAgents(ctx, db.AgentFilter{Status: db.AgentBusy})
	if err != nil {
		return enginerr.ErrInternal("guardian analysis", err)
	}
	for _, agent := range agents {
		agent := agent
		g.analyzeAgent(ctx, &agent)
	}
	return nil
}

func (g *Guardian) analyzeAgent(ctx context.Context, agent *db.Agent) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("agent analysis panicked", "agent_id", agent.ID, "panic", r)
		}
	}()

	snapshot, err := g.buildSnapshot(ctx, agent)
	if err != nil {
		g.log.Warn("snapshot assembly failed", "agent_id", agent.ID, "error", err)
		return
	}
	if snapshot == nil {
		return
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return
	}
	verdict, err := g.analyzer.Analyze(ctx, snapshot)
	if err != nil {
		// Analyzer failure downgrades to no verdict; never intervene blind.
		g.log.Debug("analyzer unavailable", "agent_id", agent.ID, "error", enginerr.ErrAnalyzerUnavailable(err))
		return
	}
	g.verdicts.Add(agent.ID, verdict)

	steering := g.chooseSteering(verdict)
	if steering == nil {
		return
	}
	g.issue(ctx, agent.ID, snapshot, verdict, steering)
}

// buildSnapshot assembles the trajectory evidence for one busy agent.
// Returns (nil, nil) when the agent has no running task.
func (g *Guardian) buildSnapshot(ctx context.Context, agent *db.Agent) (*Snapshot, error) {
	running, err := g.store.ListTasks(ctx, db.TaskFilter{AgentID: agent.ID, Status: db.TaskRunning, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		return nil, nil
	}
	task := running[0]

	snapshot := &Snapshot{
		AgentID:         agent.ID,
		TaskID:          task.ID,
		TaskDescription: task.Description,
		PhaseID:         task.PhaseID,
	}
	if def, ok := g.machine.Definition(task.PhaseID); ok {
		snapshot.MandatorySteps = def.MandatorySteps
	}
	if ticket, err := g.store.GetTicket(ctx, task.TicketID); err == nil && ticket != nil {
		snapshot.PhaseContext = ticket.Context
		snapshot.Goal = ticket.Title
	}
	if trajectory, err := g.store.GetTrajectory(ctx, agent.ID); err == nil && trajectory != nil {
		if trajectory.Goal != "" {
			snapshot.Goal = trajectory.Goal
		}
		snapshot.Constraints = trajectory.Constraints
		snapshot.Instructions = trajectory.Instructions
		snapshot.Summaries = trajectory.Summaries
		snapshot.DriftSignals = trajectory.DriftSignals
	}
	window := g.now().Add(-g.cfg.Interval * 2)
	if recent, err := g.bus.Recent(ctx, agent.ID, window); err == nil {
		snapshot.RecentEvents = recent
	}
	return snapshot, nil
}

// chooseSteering derives the intervention from the verdict. The analyzer's
// recommendation wins when confident; otherwise the threshold triggers
// apply.
func (g *Guardian) chooseSteering(verdict *Verdict) *Steering {
	if s := verdict.RecommendedSteering; s != nil && s.Confidence >= g.cfg.ConfidenceThreshold {
		return s
	}
	switch {
	case verdict.AlignmentScore < g.cfg.EmergencyThreshold:
		return &Steering{Kind: db.SteeringEmergency, Message: "Stop: trajectory critically misaligned.", Confidence: 1}
	case len(verdict.ConstraintViolations) > 0:
		return &Steering{
			Kind:       db.SteeringViolatingConstraints,
			Message:    fmt.Sprintf("Constraint violations detected: %v", verdict.ConstraintViolations),
			Confidence: 1,
		}
	case len(verdict.SkippedMandatorySteps) > 0:
		return &Steering{
			Kind:       db.SteeringMissedSteps,
			Message:    fmt.Sprintf("Mandatory steps skipped: %v", verdict.SkippedMandatorySteps),
			Confidence: 1,
		}
	case verdict.AlignmentScore < g.cfg.AlignmentThreshold && !verdict.TrajectoryAligned:
		return &Steering{Kind: db.SteeringDrifting, Message: "Refocus on the assigned task.", Confidence: 1}
	}
	return nil
}

// issue persists and publishes an intervention unless the (agent, kind)
// cooldown is active.
func (g *Guardian) issue(ctx context.Context, agentID string, snapshot *Snapshot, verdict *Verdict, steering *Steering) {
	latest, err := g.store.LatestIntervention(ctx, agentID, steering.Kind)
	if err != nil {
		g.log.Error("cooldown lookup failed", "agent_id", agentID, "error", err)
		return
	}
	if latest != nil && g.now().Sub(latest.CreatedAt) < g.cfg.InterventionCooldown {
		g.log.Debug("intervention suppressed by cooldown", "agent_id", agentID, "kind", steering.Kind)
		return
	}

	intervention := &db.GuardianIntervention{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Kind:       steering.Kind,
		Message:    steering.Message,
		Evidence:   append(verdict.DriftReasons, verdict.ConstraintViolations...),
		Confidence: steering.Confidence,
		CreatedAt:  g.now(),
	}
	if err := g.store.SaveIntervention(ctx, intervention); err != nil {
		g.log.Error("failed to persist intervention", "agent_id", agentID, "error", err)
		return
	}
	g.log.Warn("guardian intervention issued", "agent_id", agentID, "kind", steering.Kind, "confidence", steering.Confidence, "task_id", snapshot.TaskID)
	g.bus.Publish(ctx, events.New(events.InterventionIssued, events.EntityAgent, agentID, map[string]any{
		"intervention_id": intervention.ID,
		"kind":            steering.Kind,
		"message":         steering.Message,
		"confidence":      steering.Confidence,
		"task_id":         snapshot.TaskID,
	}))
}

// LatestVerdict returns the cached verdict for an agent, if any.
func (g *Guardian) LatestVerdict(agentID string) (*Verdict, bool) {
	return g.verdicts.Get(agentID)
}

// --- Loop (b): stuck-workflow detection ---

func (g *Guardian) stuckCycle(ctx context.Context) error {
	_, err := g.DetectStuck(ctx)
	return err
}

// DetectStuck scans active tickets whose current-phase tasks are all done
// but whose gate still fails, and has been that way beyond the stuck
// threshold. Emits workflow.stuck.detected and optionally spawns a recovery
// task; a per-ticket cooldown prevents re-spawn every cycle.
func (g *Guardian) DetectStuck(ctx context.Context) ([]string, error) {
	tickets, err := g.store.ListActiveTickets(ctx)
	if err != nil {
		return nil, enginerr.ErrInternal("stuck detection", err)
	}

	var stuck []string
	for _, ticket := range tickets {
		ticket := ticket
		since, isStuck, err := g.ticketStuckSince(ctx, &ticket)
		if err != nil {
			g.log.Error("stuck check failed", "ticket_id", ticket.ID, "error", err)
			continue
		}
		if !isStuck || g.now().Sub(since) < g.cfg.StuckThreshold {
			continue
		}
		stuck = append(stuck, ticket.ID)

		g.log.Warn("stuck workflow detected", "ticket_id", ticket.ID, "phase", ticket.CurrentPhase, "stuck_since", since)
		g.bus.Publish(ctx, events.New(events.WorkflowStuckDetected, events.EntityTicket, ticket.ID, map[string]any{
			"phase":       ticket.CurrentPhase,
			"stuck_since": since.Format(time.RFC3339),
		}))
		if g.cfg.SpawnRecoveryTasks {
			g.spawnRecovery(ctx, &ticket)
		}
	}
	return stuck, nil
}

// ticketStuckSince reports whether a ticket's current phase is complete but
// gated, and since when.
func (g *Guardian) ticketStuckSince(ctx context.Context, ticket *db.Ticket) (time.Time, bool, error) {
	tasks, err := g.store.ListTasks(ctx, db.TaskFilter{TicketID: ticket.ID, PhaseID: ticket.CurrentPhase})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(tasks) == 0 {
		return time.Time{}, false, nil
	}
	var latest time.Time
	for _, task := range tasks {
		if task.Optional {
			continue
		}
		if task.Status != db.TaskCompleted {
			return time.Time{}, false, nil
		}
		if task.CompletedAt != nil && task.CompletedAt.After(latest) {
			latest = *task.CompletedAt
		}
	}

	result, err := g.machine.ValidateGate(ctx, ticket.ID, ticket.CurrentPhase)
	if err != nil {
		return time.Time{}, false, err
	}
	if result.Passed {
		return time.Time{}, false, nil
	}
	return latest, true, nil
}

// spawnRecovery creates a boosted recovery task in the stuck phase via the
// discovery service, at most once per cooldown window.
func (g *Guardian) spawnRecovery(ctx context.Context, ticket *db.Ticket) {
	g.mu.Lock()
	last, seen := g.lastStuck[ticket.ID]
	if seen && g.now().Sub(last) < g.cfg.StuckThreshold {
		g.mu.Unlock()
		return
	}
	g.lastStuck[ticket.ID] = g.now()
	g.mu.Unlock()

	tasks, err := g.store.ListTasks(ctx, db.TaskFilter{TicketID: ticket.ID, PhaseID: ticket.CurrentPhase, Status: db.TaskCompleted})
	if err != nil || len(tasks) == 0 {
		return
	}
	source := tasks[len(tasks)-1]

	_, err = g.discoverer.Record(ctx, discovery.RecordRequest{
		SourceTaskID: source.ID,
		Type:         "stuck_recovery",
		Description:  fmt.Sprintf("phase %s complete but gate unsatisfied", ticket.CurrentPhase),
		Spawn: &discovery.SpawnSpec{
			PhaseID:       ticket.CurrentPhase,
			TaskType:      "recovery",
			Description:   recoveryDescription,
			PriorityBoost: true,
		},
	})
	if err != nil {
		g.log.Error("failed to spawn recovery task", "ticket_id", ticket.ID, "error", err)
	}
}
