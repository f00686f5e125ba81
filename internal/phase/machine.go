package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
)

// Machine drives tickets through the workflow. Per-ticket transitions run in
// a single transaction; gate validation, context aggregation, history, and
// template materialization either all commit or all roll back.
type Machine struct {
	store      *db.Store
	bus        events.Bus
	log        *slog.Logger
	summarizer Summarizer
	taskCfg    config.Tasks

	defs map[string]Definition

	now func() time.Time
}

// NewMachine creates a phase machine over the given definitions.
func NewMachine(store *db.Store, bus events.Bus, log *slog.Logger, defs []Definition, summarizer Summarizer, taskCfg config.Tasks) (*Machine, error) {
	if err := validateDefinitions(defs); err != nil {
		return nil, enginerr.ErrInvalidInput("phase definitions", err.Error())
	}
	byID := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	if summarizer == nil {
		summarizer = NewTruncatingSummarizer(0)
	}
	return &Machine{
		store:      store,
		bus:        bus,
		log:        log,
		summarizer: summarizer,
		taskCfg:    taskCfg,
		defs:       byID,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Definition returns a phase definition by id.
func (m *Machine) Definition(id string) (Definition, bool) {
	d, ok := m.defs[id]
	return d, ok
}

// SyncDefinitions writes the definition set to the phases table so external
// readers (UI, workers) see the active workflow.
func (m *Machine) SyncDefinitions(ctx context.Context) error {
	for _, def := range m.defs {
		templates, err := json.Marshal(def.TaskTemplates)
		if err != nil {
			return enginerr.ErrInternal("sync phase definitions", err)
		}
		definitions, err := json.Marshal(def.DoneDefinitions)
		if err != nil {
			return enginerr.ErrInternal("sync phase definitions", err)
		}
		row := &db.PhaseRow{
			ID:              def.ID,
			Position:        def.Position,
			NextPhases:      def.NextPhases,
			TaskTemplates:   templates,
			DoneDefinitions: definitions,
			ExpectedOutputs: def.ExpectedOutputs,
			PhasePrompt:     def.PhasePrompt,
			MandatorySteps:  def.MandatorySteps,
		}
		if err := m.store.SavePhaseRow(ctx, row); err != nil {
			return enginerr.ErrInternal("sync phase definitions", err)
		}
	}
	return nil
}

// CreateRequest describes a new ticket.
type CreateRequest struct {
	Title        string
	Description  string
	OwnerID      string
	InitialPhase string // default backlog
	Priority     int
}

// CreateTicket creates a ticket in its initial phase and materializes that
// phase's task templates.
func (m *Machine) CreateTicket(ctx context.Context, req CreateRequest) (*db.Ticket, error) {
	if req.Title == "" || req.OwnerID == "" {
		return nil, enginerr.ErrInvalidInput("ticket", "title and owner are required")
	}
	initial := req.InitialPhase
	if initial == "" {
		initial = Backlog
	}
	def, ok := m.defs[initial]
	if !ok {
		return nil, enginerr.ErrInvalidInput("ticket", fmt.Sprintf("unknown initial phase %q", initial))
	}

	ticket := &db.Ticket{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Description:  req.Description,
		OwnerID:      req.OwnerID,
		CurrentPhase: initial,
		Priority:     req.Priority,
	}

	var spawned []db.Task
	err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := db.SaveTicketTx(tx, ticket); err != nil {
			return err
		}
		var err error
		spawned, err = m.materializeTx(tx, ticket, &def)
		return err
	})
	if err != nil {
		return nil, wrap("create ticket", err)
	}

	m.log.Info("ticket created", "ticket_id", ticket.ID, "phase", initial, "owner", ticket.OwnerID)
	m.bus.Publish(ctx, events.New(events.TicketCreated, events.EntityTicket, ticket.ID, map[string]any{
		"title": ticket.Title,
		"phase": initial,
	}).WithActor(req.OwnerID))
	m.announceTasks(ctx, spawned)
	return ticket, nil
}

// GetTicket returns a ticket by id.
func (m *Machine) GetTicket(ctx context.Context, ticketID string) (*db.Ticket, error) {
	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, enginerr.ErrInternal("get ticket", err)
	}
	if ticket == nil {
		return nil, enginerr.ErrNotFound("ticket", ticketID)
	}
	return ticket, nil
}

// Transition moves a ticket to the target phase. The target must be allowed
// by the current phase and, unless the target is blocked, the current
// phase's gate must pass. Everything runs in one transaction.
func (m *Machine) Transition(ctx context.Context, ticketID, toPhase, reason, actorID string) error {
	toDef, ok := m.defs[toPhase]
	if !ok {
		return enginerr.ErrInvalidInput("transition", fmt.Sprintf("unknown phase %q", toPhase))
	}

	var (
		fromPhase string
		spawned   []db.Task
		nowDone   bool
		nowBlock  bool
	)
	err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		ticket, err := db.GetTicketTx(tx, ticketID)
		if err != nil {
			return err
		}
		if ticket == nil {
			return enginerr.ErrNotFound("ticket", ticketID)
		}
		if ticket.Status == db.TicketDone || ticket.Status == db.TicketArchived {
			return enginerr.ErrConflict("transition", fmt.Sprintf("ticket %s is %s", ticketID, ticket.Status))
		}
		fromPhase = ticket.CurrentPhase

		fromDef, ok := m.defs[fromPhase]
		if !ok {
			return enginerr.ErrInternal("transition", fmt.Errorf("ticket %s is in unknown phase %q", ticketID, fromPhase))
		}
		if !fromDef.Allows(toPhase) {
			return enginerr.ErrConflict("invalid transition",
				fmt.Sprintf("phase %s does not permit %s", fromPhase, toPhase))
		}

		artifacts, err := db.ArtifactsForPhaseTx(tx, ticketID, fromPhase)
		if err != nil {
			return err
		}
		tasks, err := db.ListTasksTx(tx, db.TaskFilter{TicketID: ticketID, PhaseID: fromPhase})
		if err != nil {
			return err
		}

		// Escaping to blocked bypasses the gate; everything else earns its
		// way forward.
		if toPhase != Blocked {
			if result := evaluateGate(&fromDef, artifacts, tasks); !result.Passed {
				return enginerr.ErrGateNotSatisfied(fromPhase, result.Missing)
			}
		}

		// Fold this phase's artifacts into the accumulated context.
		if ticket.Context == nil {
			ticket.Context = make(map[string]any)
		}
		ticket.Context[fromPhase] = contextFromArtifacts(artifacts)
		summary, err := m.summarizer.Summarize(ctx, ticket.Context)
		if err != nil {
			m.log.Warn("context summarization failed", "ticket_id", ticketID, "error", err)
		} else {
			ticket.ContextSummary = summary
		}

		history := &db.PhaseTransition{
			ID:        uuid.NewString(),
			TicketID:  ticketID,
			FromPhase: fromPhase,
			ToPhase:   toPhase,
			Reason:    reason,
			ActorID:   actorID,
			Artifacts: snapshotArtifacts(artifacts),
			CreatedAt: m.now(),
		}
		if err := db.AppendPhaseHistoryTx(tx, history); err != nil {
			return err
		}

		ticket.PreviousPhase = fromPhase
		ticket.CurrentPhase = toPhase
		switch {
		case toPhase == Done:
			ticket.Status = db.TicketDone
			nowDone = true
		case toPhase == Blocked:
			ticket.Status = db.TicketBlocked
			if reason != "" {
				ticket.BlockingReasons = append(ticket.BlockingReasons, reason)
			}
			nowBlock = true
		default:
			ticket.Status = db.TicketActive
			ticket.BlockingReasons = nil
		}
		if err := db.SaveTicketTx(tx, ticket); err != nil {
			return err
		}

		spawned, err = m.materializeTx(tx, ticket, &toDef)
		return err
	})
	if err != nil {
		return wrap("transition", err)
	}

	m.log.Info("ticket transitioned", "ticket_id", ticketID, "from", fromPhase, "to", toPhase, "actor", actorID)
	m.bus.Publish(ctx, events.New(events.TicketPhaseTransitioned, events.EntityTicket, ticketID, map[string]any{
		"from":   fromPhase,
		"to":     toPhase,
		"reason": reason,
	}).WithActor(actorID))
	if nowDone {
		m.bus.Publish(ctx, events.New(events.TicketDone, events.EntityTicket, ticketID, nil).WithActor(actorID))
	}
	if nowBlock {
		m.bus.Publish(ctx, events.New(events.TicketBlocked, events.EntityTicket, ticketID, map[string]any{
			"reason": reason,
		}).WithActor(actorID))
	}
	m.announceTasks(ctx, spawned)
	return nil
}

// ValidateGate evaluates a phase gate without transitioning. Failure is a
// result, not an error.
func (m *Machine) ValidateGate(ctx context.Context, ticketID, phaseID string) (GateResult, error) {
	def, ok := m.defs[phaseID]
	if !ok {
		return GateResult{}, enginerr.ErrInvalidInput("gate", fmt.Sprintf("unknown phase %q", phaseID))
	}
	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return GateResult{}, enginerr.ErrInternal("validate gate", err)
	}
	if ticket == nil {
		return GateResult{}, enginerr.ErrNotFound("ticket", ticketID)
	}

	artifacts, err := m.store.ArtifactsForPhase(ctx, ticketID, phaseID)
	if err != nil {
		return GateResult{}, enginerr.ErrInternal("validate gate", err)
	}
	tasks, err := m.store.ListTasks(ctx, db.TaskFilter{TicketID: ticketID, PhaseID: phaseID})
	if err != nil {
		return GateResult{}, enginerr.ErrInternal("validate gate", err)
	}
	return evaluateGate(&def, artifacts, tasks), nil
}

// CancelTicket archives a ticket and cancels its live tasks. Idempotent.
func (m *Machine) CancelTicket(ctx context.Context, ticketID, reason string) ([]string, error) {
	var cancelled []string
	err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		ticket, err := db.GetTicketTx(tx, ticketID)
		if err != nil {
			return err
		}
		if ticket == nil {
			return enginerr.ErrNotFound("ticket", ticketID)
		}
		if ticket.Status == db.TicketArchived {
			return nil
		}
		ticket.Status = db.TicketArchived
		if reason != "" {
			ticket.BlockingReasons = append(ticket.BlockingReasons, reason)
		}
		if err := db.SaveTicketTx(tx, ticket); err != nil {
			return err
		}

		tasks, err := db.ListTasksTx(tx, db.TaskFilter{TicketID: ticketID})
		if err != nil {
			return err
		}
		now := m.now()
		for _, task := range tasks {
			task := task
			if task.Terminal() {
				continue
			}
			task.Status = db.TaskCancelled
			task.AssignedAgentID = ""
			task.ErrorDetail = reason
			task.CompletedAt = &now
			if err := db.SaveTaskTx(tx, &task); err != nil {
				return err
			}
			cancelled = append(cancelled, task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("cancel ticket", err)
	}
	for _, taskID := range cancelled {
		m.bus.Publish(ctx, events.New(events.TaskCancelled, events.EntityTask, taskID, map[string]any{
			"reason": reason,
		}))
	}
	return cancelled, nil
}

// materializeTx creates the phase's template tasks, resolving template-key
// dependencies to the new task IDs.
func (m *Machine) materializeTx(tx *db.TxOps, ticket *db.Ticket, def *Definition) ([]db.Task, error) {
	if len(def.TaskTemplates) == 0 {
		return nil, nil
	}
	idByKey := make(map[string]string, len(def.TaskTemplates))
	for _, tpl := range def.TaskTemplates {
		idByKey[tpl.Key] = uuid.NewString()
	}

	var spawned []db.Task
	for _, tpl := range def.TaskTemplates {
		priority := tpl.Priority
		if priority == 0 {
			priority = ticket.Priority
		}
		task := &db.Task{
			ID:                   idByKey[tpl.Key],
			TicketID:             ticket.ID,
			PhaseID:              def.ID,
			Type:                 tpl.Type,
			Description:          tpl.Description,
			Priority:             priority,
			Optional:             tpl.Optional,
			MaxRetries:           m.taskCfg.DefaultMaxRetries,
			TimeoutSeconds:       tpl.TimeoutSeconds,
			RequiredResources:    tpl.RequiredResources,
			RequiredCapabilities: tpl.RequiredCapabilities,
		}
		if err := db.SaveTaskTx(tx, task); err != nil {
			return nil, err
		}
		for _, depKey := range tpl.DependsOn {
			if err := db.AddTaskDependencyTx(tx, task.ID, idByKey[depKey]); err != nil {
				return nil, err
			}
		}
		spawned = append(spawned, *task)
	}
	return spawned, nil
}

func (m *Machine) announceTasks(ctx context.Context, tasks []db.Task) {
	for _, task := range tasks {
		m.bus.Publish(ctx, events.New(events.TaskCreated, events.EntityTask, task.ID, map[string]any{
			"ticket_id": task.TicketID,
			"phase_id":  task.PhaseID,
			"type":      task.Type,
		}))
	}
}

// contextFromArtifacts folds a phase's artifacts into a context fragment
// keyed by artifact kind.
func contextFromArtifacts(artifacts []db.GateArtifact) map[string]any {
	out := make(map[string]any, len(artifacts))
	for _, a := range artifacts {
		if a.Payload != nil {
			out[a.Kind] = a.Payload
		} else {
			out[a.Kind] = true
		}
	}
	return out
}

// snapshotArtifacts records which artifacts backed a transition.
func snapshotArtifacts(artifacts []db.GateArtifact) map[string]any {
	if len(artifacts) == 0 {
		return nil
	}
	kinds := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		kinds = append(kinds, a.Kind)
	}
	return map[string]any{"kinds": kinds}
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	if ee := enginerr.AsEngineError(err); ee != nil {
		return ee
	}
	return enginerr.ErrInternal(what, err)
}
