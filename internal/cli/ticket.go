package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steward-dev/steward/internal/db"
	"github.com/steward-dev/steward/internal/phase"
)

// newTicketCmd groups ticket subcommands.
func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Manage workflow tickets",
	}
	cmd.AddCommand(newTicketNewCmd())
	cmd.AddCommand(newTicketListCmd())
	cmd.AddCommand(newTicketShowCmd())
	cmd.AddCommand(newTicketMoveCmd())
	cmd.AddCommand(newTicketCancelCmd())
	return cmd
}

func newTicketNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			initialPhase, _ := cmd.Flags().GetString("phase")
			description, _ := cmd.Flags().GetString("description")

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			ticket, err := eng.CreateTicket(context.Background(), phase.CreateRequest{
				Title:        args[0],
				Description:  description,
				OwnerID:      owner,
				InitialPhase: initialPhase,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(ticket)
			}
			fmt.Printf("created ticket %s in phase %s\n", ticket.ID, ticket.CurrentPhase)
			return nil
		},
	}
	cmd.Flags().String("owner", "cli", "owner id")
	cmd.Flags().String("phase", "", "initial phase (default backlog)")
	cmd.Flags().String("description", "", "ticket description")
	return cmd
}

func newTicketListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			tickets, err := eng.ListTickets(context.Background(), db.TicketFilter{Status: status})
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(tickets)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPHASE\tSTATUS\tTITLE")
			for _, t := range tickets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.CurrentPhase, t.Status, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by status")
	return cmd
}

func newTicketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket and its phase history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			ctx := context.Background()
			ticket, err := eng.GetTicket(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := eng.PhaseHistory(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"ticket":  ticket,
					"history": history,
				})
			}
			fmt.Printf("%s  %s (%s)\n", ticket.ID, ticket.Title, ticket.Status)
			fmt.Printf("phase: %s\n", ticket.CurrentPhase)
			for _, reason := range ticket.BlockingReasons {
				fmt.Printf("blocked: %s\n", reason)
			}
			for _, h := range history {
				fmt.Printf("  %s  %s -> %s\n", h.CreatedAt.Format("2006-01-02 15:04:05"), h.FromPhase, h.ToPhase)
			}
			return nil
		},
	}
}

func newTicketMoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move <ticket-id> <phase>",
		Short: "Transition a ticket to another phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			if err := eng.TransitionTicket(context.Background(), args[0], args[1], reason, "cli"); err != nil {
				return err
			}
			fmt.Printf("ticket %s moved to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().String("reason", "", "transition reason")
	return cmd
}

func newTicketCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <ticket-id>",
		Short: "Cancel a ticket and its live tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			cancelled, err := eng.CancelTicket(context.Background(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("cancelled ticket %s (%d tasks stopped)\n", args[0], len(cancelled))
			return nil
		},
	}
	cmd.Flags().String("reason", "cancelled via cli", "cancellation reason")
	return cmd
}
