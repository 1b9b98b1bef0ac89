package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/tickets"
)

func newTicketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Review and resolve escalation tickets",
	}

	cmd.AddCommand(
		newTicketsListCmd(),
		newTicketsResolveCmd(),
	)

	return cmd
}

func openTickets() (*tickets.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)
	db, err := openState(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := tickets.New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func newTicketsListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation tickets",
		Example: `  driftmend tickets list
  driftmend tickets list --status open`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openTickets()
			if err != nil {
				return err
			}
			defer done()

			ts, err := store.List(status, limit)
			if err != nil {
				return err
			}
			if len(ts) == 0 {
				fmt.Println("No tickets.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TICKET\tSTATUS\tCHECK\tHOST\tCREATED\tREASON")
			for _, t := range ts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.TicketID, t.Status, t.CheckID, t.HostID,
					t.CreatedAt.Format(time.RFC3339), t.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, resolved)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tickets to show")
	return cmd
}

func newTicketsResolveCmd() *cobra.Command {
	var resolution string

	cmd := &cobra.Command{
		Use:   "resolve <ticket-id>",
		Short: "Resolve an open ticket with a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolution == "" {
				return fmt.Errorf("--resolution is required")
			}
			store, done, err := openTickets()
			if err != nil {
				return err
			}
			defer done()

			if err := store.Resolve(args[0], resolution); err != nil {
				return err
			}
			fmt.Printf("Ticket %s resolved.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "what was done to resolve the drift")
	return cmd
}
