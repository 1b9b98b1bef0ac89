package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/update"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Inspect the A/B update state",
	}

	cmd.AddCommand(newUpdateStatusCmd())
	return cmd
}

func newUpdateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show partition state and pending update",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			state, err := update.LoadState(cfg.Update.StatePath)
			if err != nil {
				return err
			}

			fmt.Printf("active partition:  %s\n", state.ActivePartition)
			fmt.Printf("last known good:   %s\n", state.LastKnownGood)
			fmt.Printf("phase:             %s\n", state.Phase)
			if state.PendingTarget != "" {
				fmt.Printf("pending target:    %s\n", state.PendingTarget)
			}
			if state.ArmedPartition != "" {
				fmt.Printf("armed partition:   %s\n", state.ArmedPartition)
			}
			if state.AppliedOrderID != "" {
				fmt.Printf("order:             %s\n", state.AppliedOrderID)
			}
			if state.BootAttemptCount > 0 {
				fmt.Printf("boot attempts:     %d\n", state.BootAttemptCount)
			}
			if !state.HealthySince.IsZero() {
				fmt.Printf("healthy since:     %s\n", state.HealthySince.Format(time.RFC3339))
			}
			return nil
		},
	}
}
