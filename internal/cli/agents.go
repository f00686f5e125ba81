package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steward-dev/steward/internal/db"
)

// newAgentsCmd groups agent subcommands.
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agent workers",
	}
	cmd.AddCommand(newAgentsListCmd())
	cmd.AddCommand(newAgentsRegisterCmd())
	cmd.AddCommand(newAgentsDeregisterCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			agents, err := eng.ListAgents(context.Background())
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(agents)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tLOAD\tHEALTH\tCAPABILITIES")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.2f\t%s\n",
					a.ID, a.Status, a.CurrentLoad, a.Capacity, a.HealthScore,
					strings.Join(a.Capabilities, ","))
			}
			return w.Flush()
		},
	}
}

func newAgentsRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register an agent worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capacity, _ := cmd.Flags().GetInt("capacity")
			capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
			tags, _ := cmd.Flags().GetStringSlice("tags")

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			agent := &db.Agent{
				ID:           args[0],
				Capacity:     capacity,
				Capabilities: capabilities,
				Tags:         tags,
				HealthScore:  1,
			}
			if err := eng.RegisterAgent(context.Background(), agent); err != nil {
				return err
			}
			fmt.Printf("registered agent %s (capacity %d)\n", agent.ID, agent.Capacity)
			return nil
		},
	}
	cmd.Flags().Int("capacity", 1, "concurrent task capacity")
	cmd.Flags().StringSlice("capabilities", nil, "capabilities (comma-separated)")
	cmd.Flags().StringSlice("tags", nil, "routing tags (comma-separated)")
	return cmd
}

func newAgentsDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <agent-id>",
		Short: "Remove an agent worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			if err := eng.DeregisterAgent(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deregistered agent %s\n", args[0])
			return nil
		},
	}
}
