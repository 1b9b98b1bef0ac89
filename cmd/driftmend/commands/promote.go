package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/history"
	"github.com/driftmend/driftmend/internal/promote"
)

func newPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote proven tier-2 patterns into deterministic rules",
	}

	cmd.AddCommand(
		newPromoteScanCmd(),
		newPromoteApproveCmd(),
	)

	return cmd
}

func openFlywheel() (*promote.Flywheel, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)

	db, err := openState(cfg)
	if err != nil {
		return nil, nil, err
	}
	hist, err := history.New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store, err := buildRuleStore(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	fw := promote.New(hist, store, cfg.Rules.PromotedPath, logger)
	return fw, func() { _ = db.Close() }, nil
}

func newPromoteScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List tier-2 patterns eligible for promotion",
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, done, err := openFlywheel()
			if err != nil {
				return err
			}
			defer done()

			candidates, err := fw.Scan()
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Printf("No eligible patterns (need >= %d attempts at >= %.0f%% success).\n",
					promote.MinOccurrences, promote.MinSuccessRate*100)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tATTEMPTS\tSUCCESS\tACTION")
			for _, c := range candidates {
				fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%s\n",
					c.Stat.Signature, c.Stat.Occurrences, c.SuccessRate*100, c.Stat.Action)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Println("\nApprove with: driftmend promote approve <signature>")
			return nil
		},
	}
}

func newPromoteApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "approve <signature>",
		Short:   "Promote one eligible pattern into a rule",
		Args:    cobra.ExactArgs(1),
		Example: `  driftmend promote approve 'critical_service|linux|restart_service'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, done, err := openFlywheel()
			if err != nil {
				return err
			}
			defer done()

			rule, err := fw.Approve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Promoted %s (priority %d). Future drift matching this pattern resolves at tier 1.\n",
				rule.ID, rule.Priority)
			return nil
		},
	}
}
