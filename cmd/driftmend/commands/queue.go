package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/queue"
	"github.com/driftmend/driftmend/internal/transport"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the evidence upload queue",
	}

	cmd.AddCommand(
		newQueueStatusCmd(),
		newQueueDrainCmd(),
	)

	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue health and pending entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			db, err := openState(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			store, err := queue.New(db, cfg.Queue.MaxRetries, logger)
			if err != nil {
				return err
			}

			stats, err := store.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("pending: %d  exhausted: %d  rejected: %d  uploaded: %d\n\n",
				stats.Pending, stats.Exhausted, stats.Rejected, stats.Uploaded)

			entries, err := store.ListPending(false)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUNDLE\tRETRIES\tNEXT RETRY\tLAST ERROR")
			for _, e := range entries {
				lastErr := e.LastError
				if lastErr == "" {
					lastErr = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					e.BundleID, e.RetryCount, e.NextRetryAt.Format(time.RFC3339), lastErr)
			}
			return w.Flush()
		},
	}
}

func newQueueDrainCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Attempt to upload queued evidence now",
		Example: `  driftmend queue drain
  driftmend queue drain --force   # ignore backoff timers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Transport.BaseURL == "" {
				return fmt.Errorf("no transport configured")
			}
			logger := newLogger(cfg)

			db, err := openState(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			store, err := queue.New(db, cfg.Queue.MaxRetries, logger)
			if err != nil {
				return err
			}
			client, err := transport.New(cfg.Transport.BaseURL, cfg.Transport.TokenFile,
				time.Duration(cfg.Transport.TimeoutSeconds)*time.Second, logger)
			if err != nil {
				return err
			}

			entries, err := store.ListPending(!force)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Nothing to drain.")
				return nil
			}

			ctx := context.Background()
			var uploaded, failed int
			for _, e := range entries {
				data, err := os.ReadFile(e.BundlePath)
				if err != nil {
					fmt.Printf("  %s: reading bundle: %v\n", e.BundleID, err)
					failed++
					continue
				}
				sig, err := os.ReadFile(e.SignaturePath)
				if err != nil {
					fmt.Printf("  %s: reading signature: %v\n", e.BundleID, err)
					failed++
					continue
				}

				status, err := client.UploadEvidence(ctx, e.BundleID, data, string(sig))
				if err != nil {
					_ = store.MarkFailed(e.BundleID, err.Error())
					fmt.Printf("  %s: %v\n", e.BundleID, err)
					failed++
					continue
				}
				switch status {
				case transport.UploadAccepted, transport.UploadDuplicate:
					if err := store.MarkUploaded(e.BundleID); err != nil {
						return err
					}
					uploaded++
				case transport.UploadRejected:
					_ = store.MarkRejected(e.BundleID, "rejected by central service")
					failed++
				}
			}

			fmt.Printf("Drained %d of %d entries (%d failed).\n", uploaded, len(entries), failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore backoff timers and retry everything")
	return cmd
}
