package discovery

import (
	"context"
	"sort"

	"github.com/steward-dev/steward/internal/db"
	enginerr "github.com/steward-dev/steward/internal/errors"
)

// Edge kinds in the workflow graph.
const (
	EdgeDependency = "dependency"
	EdgeDiscovery  = "discovery"
)

// Node is a task in a ticket's workflow graph.
type Node struct {
	TaskID  string `json:"task_id"`
	PhaseID string `json:"phase_id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

// Edge connects two tasks: either a scheduling dependency or a discovery
// spawn relation.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Graph is the materialized workflow graph of a ticket. Built on demand;
// tasks reference each other by id only.
type Graph struct {
	TicketID string `json:"ticket_id"`
	Nodes    []Node `json:"nodes"`
	Edges    []Edge `json:"edges"`
}

// Graph materializes the directed graph of a ticket's tasks, dependency
// edges, and discovery spawn edges.
func (s *Service) Graph(ctx context.Context, ticketID string) (*Graph, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, enginerr.ErrInternal("workflow graph", err)
	}
	if ticket == nil {
		return nil, enginerr.ErrNotFound("ticket", ticketID)
	}

	tasks, err := s.store.ListTasks(ctx, db.TaskFilter{TicketID: ticketID})
	if err != nil {
		return nil, enginerr.ErrInternal("workflow graph", err)
	}
	graph := &Graph{TicketID: ticketID}
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
		graph.Nodes = append(graph.Nodes, Node{
			TaskID:  task.ID,
			PhaseID: task.PhaseID,
			Type:    task.Type,
			Status:  task.Status,
		})
	}

	edges, err := s.store.TicketDependencyEdges(ctx, ticketID)
	if err != nil {
		return nil, enginerr.ErrInternal("workflow graph", err)
	}
	for taskID, deps := range edges {
		for _, dep := range deps {
			graph.Edges = append(graph.Edges, Edge{From: dep, To: taskID, Kind: EdgeDependency})
		}
	}

	discoveries, err := s.store.ListDiscoveriesForTicket(ctx, ticketID)
	if err != nil {
		return nil, enginerr.ErrInternal("workflow graph", err)
	}
	for _, disc := range discoveries {
		if disc.SpawnedTaskID == "" || !known[disc.SpawnedTaskID] {
			continue
		}
		graph.Edges = append(graph.Edges, Edge{From: disc.SourceTaskID, To: disc.SpawnedTaskID, Kind: EdgeDiscovery})
	}

	sort.Slice(graph.Edges, func(i, j int) bool {
		a, b := graph.Edges[i], graph.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Kind < b.Kind
	})
	return graph, nil
}
