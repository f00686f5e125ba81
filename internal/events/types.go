// Package events provides the in-process event bus and domain event types
// for the steward engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the stable wire name of a domain event.
type EventType string

// Ticket events.
const (
	TicketCreated           EventType = "ticket.created"
	TicketPhaseTransitioned EventType = "ticket.phase_transitioned"
	TicketBlocked           EventType = "ticket.blocked"
	TicketDone              EventType = "ticket.done"
)

// Task events.
const (
	TaskCreated         EventType = "task.created"
	TaskReady           EventType = "task.ready"
	TaskAssigned        EventType = "task.assigned"
	TaskStarted         EventType = "task.started"
	TaskCompleted       EventType = "task.completed"
	TaskFailedTransient EventType = "task.failed.transient"
	TaskFailedPermanent EventType = "task.failed.permanent"
	TaskCancelled       EventType = "task.cancelled"
	TaskTimedOut        EventType = "task.timed_out"
)

// Agent events.
const (
	AgentRegistered    EventType = "agent.registered"
	AgentHeartbeat     EventType = "agent.heartbeat"
	AgentStaleDetected EventType = "agent.stale.detected"
)

// Lock events.
const (
	LockAcquired EventType = "lock.acquired"
	LockReleased EventType = "lock.released"
	LockWaitTime EventType = "lock.wait_time"
)

// Discovery, guardian, and system events.
const (
	DiscoveryRecorded        EventType = "discovery.recorded"
	TaskSpawnedFromDiscovery EventType = "task.spawned_from_discovery"
	InterventionIssued       EventType = "guardian.intervention.issued"
	WorkflowStuckDetected    EventType = "workflow.stuck.detected"
	SystemIncoherence        EventType = "system.incoherence.detected"
)

// Entity types.
const (
	EntityTicket = "ticket"
	EntityTask   = "task"
	EntityAgent  = "agent"
	EntityLock   = "lock"
	EntitySystem = "system"
)

// Event is a published domain event. Ordering is preserved per EntityID but
// not globally.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Time       time.Time      `json:"time"`
}

// New creates an event with a fresh ID and the current timestamp.
func New(eventType EventType, entityType, entityID string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Time:       time.Now().UTC(),
	}
}

// WithActor returns a copy of the event attributed to an actor.
func (e Event) WithActor(actorID string) Event {
	e.ActorID = actorID
	return e
}
