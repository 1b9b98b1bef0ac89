package commands

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/agent"
	"github.com/driftmend/driftmend/internal/config"
	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/evidence"
	"github.com/driftmend/driftmend/internal/flap"
	"github.com/driftmend/driftmend/internal/history"
	"github.com/driftmend/driftmend/internal/identity"
	"github.com/driftmend/driftmend/internal/metrics"
	"github.com/driftmend/driftmend/internal/queue"
	"github.com/driftmend/driftmend/internal/remedy"
	"github.com/driftmend/driftmend/internal/rules"
	"github.com/driftmend/driftmend/internal/tickets"
	"github.com/driftmend/driftmend/internal/transport"
	"github.com/driftmend/driftmend/internal/update"
)

// runbookTimeout bounds a single remediation script run.
const runbookTimeout = 5 * time.Minute

func newAgentCmd() *cobra.Command {
	var hostID string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the driftmend agent loop",
		Example: `  driftmend agent --config /etc/driftmend/driftmend.yaml
  driftmend agent --host-id web-042`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if hostID != "" {
				cfg.Agent.HostID = hostID
			}
			if cfg.Agent.HostID == "" {
				if cfg.Agent.HostID, err = os.Hostname(); err != nil {
					return fmt.Errorf("determining host id: %w", err)
				}
			}

			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := openState(cfg)
			if err != nil {
				return fmt.Errorf("opening state database: %w", err)
			}
			defer func() { _ = db.Close() }()

			queueStore, err := queue.New(db, cfg.Queue.MaxRetries, logger)
			if err != nil {
				return err
			}
			ticketStore, err := tickets.New(db, logger)
			if err != nil {
				return err
			}
			histStore, err := history.New(db, logger)
			if err != nil {
				return err
			}

			signer, err := identity.LoadSigner(cfg.Identity.KeysDir, cfg.Identity.KeyName)
			if err != nil {
				return fmt.Errorf("loading signing key (run 'driftmend keygen' first): %w", err)
			}

			store, err := buildRuleStore(cfg, logger)
			if err != nil {
				return err
			}
			if cfg.Rules.WatchSynced && cfg.Rules.SyncedCache != "" {
				go func() {
					if err := store.WatchFile(ctx, cfg.Rules.SyncedCache, rules.SourceSynced); err != nil {
						logger.Error("rule watcher stopped", "error", err)
					}
				}()
			}

			source, err := drift.NewDirSource(cfg.Agent.SpoolDir, logger)
			if err != nil {
				return err
			}

			planner, err := buildPlanner(cfg, logger)
			if err != nil {
				return err
			}

			runner := remedy.NewScriptRunner(cfg.Agent.RunbooksDir, runbookTimeout, logger)
			escalator := remedy.NewEscalator(ticketStore, logger)
			pipeline := remedy.NewPipeline(remedy.NewEngine(store), planner, runner,
				escalator, histStore, cfg.Planner.MaxContextIncidents, logger)

			builder, err := evidence.NewBuilder(cfg.Evidence.Dir, signer, logger)
			if err != nil {
				return err
			}

			detector := flap.NewDetector(flap.Config{
				RecurrenceThreshold: cfg.Flap.RecurrenceThreshold,
				Window:              time.Duration(cfg.Flap.WindowMinutes) * time.Minute,
				Cooldown:            time.Duration(cfg.Flap.CooldownMinutes) * time.Minute,
				Extension:           time.Duration(cfg.Flap.ExtensionMinutes) * time.Minute,
			}, logger, nil)

			var client *transport.Client
			if cfg.Transport.BaseURL != "" {
				client, err = transport.New(cfg.Transport.BaseURL, cfg.Transport.TokenFile,
					time.Duration(cfg.Transport.TimeoutSeconds)*time.Second, logger)
				if err != nil {
					return err
				}
			} else {
				logger.Warn("no transport configured, running offline")
			}

			var ordersPub ed25519.PublicKey
			if cfg.Transport.OrdersPubkey != "" {
				ordersPub, err = identity.LoadPublicKeyFile(cfg.Transport.OrdersPubkey)
				if err != nil {
					return fmt.Errorf("loading orders public key: %w", err)
				}
			}

			updates, err := buildUpdateAgent(cfg, logger)
			if err != nil {
				return err
			}

			m := metrics.New()
			if updates != nil {
				updates.OnRollback = m.Rollbacks.Inc
			}
			if cfg.Metrics.Listen != "" {
				go func() {
					if err := m.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
						logger.Error("metrics listener failed", "error", err)
					}
				}()
			}

			loop := agent.New(agent.Options{
				HostID:       cfg.Agent.HostID,
				AgentVersion: version,
				Interval:     time.Duration(cfg.Agent.PollIntervalSeconds) * time.Second,
				JitterPct:    cfg.Agent.JitterPct,
				CycleBackoff: time.Duration(cfg.Agent.CycleBackoffSeconds) * time.Second,
				Retention:    time.Duration(cfg.Evidence.RetentionDays) * 24 * time.Hour,
				SyncedCache:  cfg.Rules.SyncedCache,
				CheckinEvery: cfg.Transport.CheckinInterval,
				UpdateEvery:  time.Duration(cfg.Update.PollIntervalSeconds) * time.Second,
				Source:       source,
				Flap:         detector,
				Pipeline:     pipeline,
				Builder:      builder,
				Queue:        queueStore,
				Tickets:      ticketStore,
				Rules:        store,
				Transport:    client,
				Updates:      updates,
				OrdersPubkey: ordersPub,
				Metrics:      m,
				Logger:       logger,
			})
			return loop.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&hostID, "host-id", "", "override host id (default: hostname)")
	return cmd
}

// buildRuleStore loads the built-in rules plus any cached synced and
// promoted rule files. Missing cache files are fine on first boot; a
// malformed cache is not.
func buildRuleStore(cfg *config.Config, logger *slog.Logger) (*rules.Store, error) {
	builtin, err := rules.LoadBuiltin()
	if err != nil {
		return nil, fmt.Errorf("loading built-in rules: %w", err)
	}
	store := rules.NewStore(builtin, logger)

	if cfg.Rules.SyncedCache != "" {
		if rs, err := rules.LoadFile(cfg.Rules.SyncedCache, rules.SourceSynced); err == nil {
			store.ReplaceSynced(rs)
		}
	}
	if cfg.Rules.PromotedPath != "" {
		if rs, err := rules.LoadFile(cfg.Rules.PromotedPath, rules.SourcePromoted); err == nil {
			store.ReplacePromoted(rs)
		}
	}
	return store, nil
}

// buildPlanner constructs the tier-2 planner per config. "off" yields
// nil: unmatched drift goes straight to escalation.
func buildPlanner(cfg *config.Config, logger *slog.Logger) (remedy.Planner, error) {
	switch cfg.Planner.Backend {
	case "off":
		return nil, nil
	case "static":
		return remedy.NewStaticPlanner(defaultStaticTable())
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("planner backend openai requires OPENAI_API_KEY")
		}
		return remedy.NewOpenAIPlanner(apiKey, cfg.Planner.Model,
			cfg.Planner.RatePerMinute, cfg.Planner.MinConfidence, logger), nil
	}
	return nil, fmt.Errorf("unknown planner backend %q", cfg.Planner.Backend)
}

// defaultStaticTable maps well-known checks to their standard fix for
// the local planner backend.
func defaultStaticTable() map[string]action.Action {
	return map[string]action.Action{
		"critical_service": action.RestartService,
		"config_checksum":  action.RestoreConfig,
		"firewall":         action.EnableFirewall,
		"time_sync":        action.ResyncTime,
	}
}

func buildUpdateAgent(cfg *config.Config, logger *slog.Logger) (*update.Agent, error) {
	if !cfg.Update.Enabled {
		return nil, nil
	}
	state, err := update.LoadState(cfg.Update.StatePath)
	if err != nil {
		return nil, err
	}
	checks, err := update.BuildChecks(cfg.Update.HealthChecks,
		cfg.Update.NetworkProbeAddr,
		time.Duration(cfg.Update.MaxClockSkewSeconds)*time.Second,
		cfg.Agent.DataDir,
		uint64(cfg.Update.MinDiskFreeBytes))
	if err != nil {
		return nil, err
	}
	stager := update.NewHTTPStager(cfg.Update.PartitionA, cfg.Update.PartitionB,
		10*time.Minute, logger)
	return update.NewAgent(cfg.Update.StatePath, state, checks,
		cfg.Update.RequiredPasses, cfg.Update.MaxBootAttempts,
		time.Duration(cfg.Update.MinHealthyUptimeMinutes)*time.Minute,
		stager, update.NewSystemRebooter(logger), logger), nil
}
