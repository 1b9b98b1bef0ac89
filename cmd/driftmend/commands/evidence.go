package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/evidence"
	"github.com/driftmend/driftmend/internal/identity"
)

func newEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Work with signed evidence bundles",
	}

	cmd.AddCommand(newEvidenceVerifyCmd())
	return cmd
}

func newEvidenceVerifyCmd() *cobra.Command {
	var sigPath, pubkeyPath string

	cmd := &cobra.Command{
		Use:   "verify <bundle.json>",
		Short: "Verify a bundle's hash and detached signature",
		Args:  cobra.ExactArgs(1),
		Example: `  driftmend evidence verify /var/lib/driftmend/evidence/<id>.json
  driftmend evidence verify bundle.json --pubkey ./keys/agent.pub`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundlePath := args[0]
			if sigPath == "" {
				sigPath = strings.TrimSuffix(bundlePath, filepath.Ext(bundlePath)) + ".sig"
			}

			if pubkeyPath == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				pubkeyPath = filepath.Join(cfg.Identity.KeysDir, cfg.Identity.KeyName+".pub")
			}
			pub, err := identity.LoadPublicKeyFile(pubkeyPath)
			if err != nil {
				return err
			}

			b, err := evidence.VerifyFiles(bundlePath, sigPath, pub)
			if err != nil {
				return fmt.Errorf("verification FAILED: %w", err)
			}

			fmt.Printf("Verified bundle %s\n", b.BundleID)
			fmt.Printf("  host:    %s\n", b.HostID)
			fmt.Printf("  check:   %s\n", b.CheckID)
			fmt.Printf("  tier:    %d (%s)\n", b.Remediation.Tier, b.Remediation.Outcome)
			fmt.Printf("  hash:    %s\n", b.BundleHash)
			fmt.Printf("  signer:  %s\n", b.SignerFingerprint[:16]+"...")
			fmt.Printf("  hipaa:   %s\n", strings.Join(b.HIPAAControls, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&sigPath, "sig", "", "detached signature path (default: <bundle>.sig)")
	cmd.Flags().StringVar(&pubkeyPath, "pubkey", "", "public key path (default: from config)")
	return cmd
}
