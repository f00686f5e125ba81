// Package registry maintains the live catalog of agent workers and ranks
// candidates for dispatch.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/steward-dev/steward/internal/config"
	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
	"github.com/steward-dev/steward/internal/events"
)

// Ranking weights. Higher score wins; staleness is a mild penalty so a
// recently-seen agent beats an equally-loaded quiet one.
const (
	weightCapability = 0.5
	weightFreeSlots  = 0.3
	weightHealth     = 0.2
	weightStaleness  = 0.001
)

// Candidate is a ranked dispatch target.
type Candidate struct {
	Agent db.Agent
	Score float64
}

// Filter narrows the candidate search.
type Filter struct {
	RequiredCapabilities []string
	Tags                 []string
	MinHealth            float64 // 0 = registry default
}

// Registry manages worker registrations, heartbeats, and candidate ranking.
type Registry struct {
	store *db.Store
	bus   events.Bus
	log   *slog.Logger
	cfg   config.Agents

	// now is swapped out in tests for deterministic staleness checks.
	now func() time.Time
}

// New creates a registry.
func New(store *db.Store, bus events.Bus, log *slog.Logger, cfg config.Agents) *Registry {
	return &Registry{
		store: store,
		bus:   bus,
		log:   log,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a worker to the catalog. Registration counts as the first
// heartbeat.
func (r *Registry) Register(ctx context.Context, agent *db.Agent) error {
	if agent.ID == "" {
		return enginerr.ErrInvalidInput("agent", "id is required")
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	now := r.now()
	agent.LastHeartbeat = &now
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return enginerr.ErrInternal("register agent", err)
	}
	r.log.Info("agent registered", "agent_id", agent.ID, "capabilities", agent.Capabilities, "capacity", agent.Capacity)
	r.bus.Publish(ctx, events.New(events.AgentRegistered, events.EntityAgent, agent.ID, map[string]any{
		"name":         agent.Name,
		"capabilities": agent.Capabilities,
		"capacity":     agent.Capacity,
	}))
	return nil
}

// Update replaces a worker's registration fields. The agent must exist.
func (r *Registry) Update(ctx context.Context, agent *db.Agent) error {
	existing, err := r.store.GetAgent(ctx, agent.ID)
	if err != nil {
		return enginerr.ErrInternal("update agent", err)
	}
	if existing == nil {
		return enginerr.ErrNotFound("agent", agent.ID)
	}
	// Load and heartbeat are runtime state, not registration state.
	agent.CurrentLoad = existing.CurrentLoad
	agent.LastHeartbeat = existing.LastHeartbeat
	agent.CreatedAt = existing.CreatedAt
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return enginerr.ErrInternal("update agent", err)
	}
	return nil
}

// Deregister removes a worker from the catalog.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return enginerr.ErrInternal("deregister agent", err)
	}
	r.log.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// Heartbeat records a liveness signal. Idempotent within the same second.
// An unreachable agent that heartbeats again is revived.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, metadata map[string]any) error {
	now := r.now()
	if err := r.store.TouchHeartbeat(ctx, agentID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return enginerr.ErrNotFound("agent", agentID)
		}
		return enginerr.ErrInternal("heartbeat", err)
	}
	r.bus.Publish(ctx, events.New(events.AgentHeartbeat, events.EntityAgent, agentID, metadata))
	return nil
}

// MarkUnreachable quarantines a worker that stopped responding.
func (r *Registry) MarkUnreachable(ctx context.Context, agentID string) error {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return enginerr.ErrInternal("mark unreachable", err)
	}
	if agent == nil {
		return enginerr.ErrNotFound("agent", agentID)
	}
	agent.Status = db.AgentUnreachable
	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return enginerr.ErrInternal("mark unreachable", err)
	}
	r.log.Warn("agent marked unreachable", "agent_id", agentID)
	return nil
}

// Get returns a worker registration.
func (r *Registry) Get(ctx context.Context, agentID string) (*db.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, enginerr.ErrInternal("get agent", err)
	}
	if agent == nil {
		return nil, enginerr.ErrNotFound("agent", agentID)
	}
	return agent, nil
}

// List returns all registrations.
func (r *Registry) List(ctx context.Context) ([]db.Agent, error) {
	agents, err := r.store.ListAgents(ctx, db.AgentFilter{})
	if err != nil {
		return nil, enginerr.ErrInternal("list agents", err)
	}
	return agents, nil
}

// FindCandidates returns dispatchable agents ranked best-first. Ranking is
// deterministic: score descending, then current load ascending, then agent
// id ascending.
func (r *Registry) FindCandidates(ctx context.Context, f Filter) ([]Candidate, error) {
	agents, err := r.store.ListAgents(ctx, db.AgentFilter{})
	if err != nil {
		return nil, enginerr.ErrInternal("find candidates", err)
	}

	minHealth := f.MinHealth
	if minHealth == 0 {
		minHealth = r.cfg.MinHealthScore
	}
	now := r.now()

	var candidates []Candidate
	for _, agent := range agents {
		if !agent.Dispatchable(now, r.cfg.StaleTimeout, minHealth) {
			continue
		}
		if !agent.HasCapabilities(f.RequiredCapabilities) {
			continue
		}
		if !hasTags(&agent, f.Tags) {
			continue
		}
		candidates = append(candidates, Candidate{
			Agent: agent,
			Score: score(&agent, f.RequiredCapabilities, now),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Agent.CurrentLoad != b.Agent.CurrentLoad {
			return a.Agent.CurrentLoad < b.Agent.CurrentLoad
		}
		return a.Agent.ID < b.Agent.ID
	})
	return candidates, nil
}

// score computes the ranking value for one dispatchable agent.
func score(agent *db.Agent, required []string, now time.Time) float64 {
	free := 1.0 - float64(agent.CurrentLoad)/float64(agent.Capacity)
	staleness := 0.0
	if agent.LastHeartbeat != nil {
		staleness = now.Sub(*agent.LastHeartbeat).Seconds()
	}
	return weightCapability*agent.CapabilityMatchRatio(required) +
		weightFreeSlots*free +
		weightHealth*agent.HealthScore -
		weightStaleness*staleness
}

func hasTags(agent *db.Agent, tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range agent.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SweepStale quarantines agents whose last heartbeat predates the staleness
// window and returns their IDs. Run periodically by the engine.
func (r *Registry) SweepStale(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.cfg.StaleTimeout)
	stale, err := r.store.StaleAgents(ctx, cutoff)
	if err != nil {
		return nil, enginerr.ErrInternal("sweep stale agents", err)
	}

	var marked []string
	for _, agent := range stale {
		agent := agent
		agent.Status = db.AgentUnreachable
		if err := r.store.SaveAgent(ctx, &agent); err != nil {
			r.log.Error("failed to quarantine stale agent", "agent_id", agent.ID, "error", err)
			continue
		}
		marked = append(marked, agent.ID)
		r.log.Warn("stale agent detected", "agent_id", agent.ID, "last_heartbeat", agent.LastHeartbeat)
		r.bus.Publish(ctx, events.New(events.AgentStaleDetected, events.EntityAgent, agent.ID, map[string]any{
			"stale_timeout": r.cfg.StaleTimeout.String(),
		}))
	}
	return marked, nil
}

// TotalCapacity sums declared capacity across non-disabled agents; used to
// derive the dispatcher's default concurrency.
func (r *Registry) TotalCapacity(ctx context.Context) (int, error) {
	agents, err := r.store.ListAgents(ctx, db.AgentFilter{})
	if err != nil {
		return 0, enginerr.ErrInternal("total capacity", err)
	}
	total := 0
	for _, agent := range agents {
		if agent.Status != db.AgentDisabled {
			total += agent.Capacity
		}
	}
	return total, nil
}
