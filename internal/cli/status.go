package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steward-dev/steward/internal/engine"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show system health",
		Long: `Show a point-in-time summary of tickets, tasks, and agents.

Examples:
  steward status          # Human-readable overview
  steward status --json   # Machine-readable output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			health, err := eng.SystemHealth(context.Background())
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(health)
			}
			printHealth(health)
			return nil
		},
	}
}

func printHealth(health *engine.Health) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintf(w, "CAPACITY\t%d/%d in use\n", health.UsedCapacity, health.TotalCapacity)
	printCounts(w, "TICKETS", health.TicketsByStatus)
	printCounts(w, "TASKS", health.TasksByStatus)
	printCounts(w, "AGENTS", health.AgentsByStatus)
}

func printCounts(w *tabwriter.Writer, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s: %d\n", label, k, counts[k])
		label = ""
	}
}

// openEngine builds an engine for one-shot commands. Background loops are
// not started.
func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, newLogger(), engine.Options{})
}
