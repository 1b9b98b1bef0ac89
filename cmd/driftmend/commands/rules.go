package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate remediation rules",
	}

	cmd.AddCommand(
		newRulesListCmd(),
		newRulesValidateCmd(),
	)

	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the effective rule set in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			store, err := buildRuleStore(cfg, logger)
			if err != nil {
				return err
			}

			snapshot := store.Snapshot()
			if len(snapshot) == 0 {
				fmt.Println("No rules loaded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tID\tSOURCE\tACTION\tCONDITIONS")
			for _, r := range snapshot {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n",
					r.Priority, r.ID, r.Source, r.Action, len(r.Conditions))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			b, s, p := store.Counts()
			fmt.Printf("\n%d rules (%d builtin, %d synced, %d promoted)\n", len(snapshot), b, s, p)
			return nil
		},
	}
}

func newRulesValidateCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rule file without loading it",
		Args:  cobra.ExactArgs(1),
		Example: `  driftmend rules validate synced.json
  driftmend rules validate promoted.json --source promoted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			src := rules.Source(source)
			switch src {
			case rules.SourceSynced, rules.SourcePromoted:
			default:
				return fmt.Errorf("--source must be synced or promoted, got %q", source)
			}

			rs, err := rules.LoadFile(args[0], src)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Printf("OK: %d valid %s rules in %s\n", len(rs), src, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "synced", "source band to validate against (synced, promoted)")
	return cmd
}
