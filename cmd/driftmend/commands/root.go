package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "driftmend",
		Short: "Fleet compliance agent: drift detection, tiered remediation, signed evidence",
		Long:  "Driftmend — detects configuration drift on fleet hosts, remediates through deterministic rules, an assisted planner, or human escalation, and produces signed evidence bundles for every cycle. Single binary.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "driftmend.yaml", "config file path")

	root.AddCommand(
		newAgentCmd(),
		newKeygenCmd(),
		newRulesCmd(),
		newQueueCmd(),
		newEvidenceCmd(),
		newTicketsCmd(),
		newUpdateCmd(),
		newPromoteCmd(),
		newVersionCmd(),
	)

	return root
}
