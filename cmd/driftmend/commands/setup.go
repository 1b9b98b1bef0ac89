package commands

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/driftmend/driftmend/internal/config"
	"github.com/driftmend/driftmend/internal/statedb"
)

// loadConfig reads the config file, falling back to defaults when it is
// missing, and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Agent.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openState opens the agent's SQLite state database.
func openState(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		return nil, err
	}
	return statedb.Open(filepath.Join(cfg.Agent.DataDir, "state.db"))
}
