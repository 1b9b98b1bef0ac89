// Package config loads and validates the driftmend agent configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level driftmend configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Agent     AgentConfig     `yaml:"agent"`
	Identity  IdentityConfig  `yaml:"identity"`
	Transport TransportConfig `yaml:"transport"`
	Rules     RulesConfig     `yaml:"rules"`
	Flap      FlapConfig      `yaml:"flap"`
	Queue     QueueConfig     `yaml:"queue"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Planner   PlannerConfig   `yaml:"planner"`
	Update    UpdateConfig    `yaml:"update"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig holds the main loop settings.
type AgentConfig struct {
	HostID              string `yaml:"host_id"`
	DataDir             string `yaml:"data_dir"`
	SpoolDir            string `yaml:"spool_dir"`
	RunbooksDir         string `yaml:"runbooks_dir"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	JitterPct           int    `yaml:"jitter_pct"`
	CycleBackoffSeconds int    `yaml:"cycle_backoff_seconds"`
	LogLevel            string `yaml:"log_level"`
}

// IdentityConfig configures the evidence signing key.
type IdentityConfig struct {
	KeysDir string `yaml:"keys_dir"`
	KeyName string `yaml:"key_name"`
}

// TransportConfig configures the channel to the central service.
type TransportConfig struct {
	BaseURL         string `yaml:"base_url"`
	TokenFile       string `yaml:"token_file"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	OrdersPubkey    string `yaml:"orders_pubkey"`
	CheckinInterval int    `yaml:"checkin_interval_cycles"`
}

// RulesConfig configures rule loading and the synced-rule cache.
type RulesConfig struct {
	SyncedCache  string `yaml:"synced_cache"`
	PromotedPath string `yaml:"promoted_path"`
	WatchSynced  bool   `yaml:"watch_synced"`
}

// FlapConfig configures the flap detector / circuit breaker.
type FlapConfig struct {
	RecurrenceThreshold int `yaml:"recurrence_threshold"`
	WindowMinutes       int `yaml:"window_minutes"`
	CooldownMinutes     int `yaml:"cooldown_minutes"`
	ExtensionMinutes    int `yaml:"extension_minutes"`
}

// QueueConfig configures the offline evidence queue.
type QueueConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// EvidenceConfig configures evidence persistence and retention.
type EvidenceConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// PlannerConfig configures the tier-2 assisted planner.
type PlannerConfig struct {
	Backend             string  `yaml:"backend"` // openai, static, off
	Model               string  `yaml:"model"`
	MaxContextIncidents int     `yaml:"max_context_incidents"`
	RatePerMinute       float64 `yaml:"rate_per_minute"`
	MinConfidence       float64 `yaml:"min_confidence"`
}

// UpdateConfig configures the A/B update agent.
type UpdateConfig struct {
	Enabled                  bool     `yaml:"enabled"`
	StatePath                string   `yaml:"state_path"`
	PartitionA               string   `yaml:"partition_a"`
	PartitionB               string   `yaml:"partition_b"`
	PollIntervalSeconds      int      `yaml:"poll_interval_seconds"`
	HealthChecks             []string `yaml:"health_checks"`
	RequiredPasses           int      `yaml:"required_passes"`
	MaxBootAttempts          int      `yaml:"max_boot_attempts"`
	MinHealthyUptimeMinutes  int      `yaml:"min_healthy_uptime_minutes"`
	NetworkProbeAddr         string   `yaml:"network_probe_addr"`
	MinDiskFreeBytes         int64    `yaml:"min_disk_free_bytes"`
	MaxClockSkewSeconds      int      `yaml:"max_clock_skew_seconds"`
}

// MetricsConfig configures the optional local metrics listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty = disabled
}

// Load reads and parses a driftmend config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Agent.PollIntervalSeconds == 0 {
		cfg.Agent.PollIntervalSeconds = 300
	}
	if cfg.Flap.WindowMinutes == 0 {
		cfg.Flap.WindowMinutes = 120
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 10
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Agent: AgentConfig{
			DataDir:             "/var/lib/driftmend",
			SpoolDir:            "/var/lib/driftmend/spool",
			RunbooksDir:         "/var/lib/driftmend/runbooks",
			PollIntervalSeconds: 300,
			JitterPct:           10,
			CycleBackoffSeconds: 30,
			LogLevel:            "info",
		},
		Identity: IdentityConfig{
			KeysDir: "/var/lib/driftmend/keys",
			KeyName: "agent",
		},
		Transport: TransportConfig{
			TimeoutSeconds:  15,
			CheckinInterval: 1,
		},
		Rules: RulesConfig{
			SyncedCache:  "/var/lib/driftmend/rules/synced.json",
			PromotedPath: "/var/lib/driftmend/rules/promoted.json",
			WatchSynced:  true,
		},
		Flap: FlapConfig{
			RecurrenceThreshold: 3,
			WindowMinutes:       120,
			CooldownMinutes:     15,
			ExtensionMinutes:    60,
		},
		Queue: QueueConfig{
			MaxRetries: 10,
		},
		Evidence: EvidenceConfig{
			Dir:           "/var/lib/driftmend/evidence",
			RetentionDays: 7,
		},
		Planner: PlannerConfig{
			Backend:             "static",
			Model:               "gpt-4o-mini",
			MaxContextIncidents: 5,
			RatePerMinute:       6,
			MinConfidence:       0.7,
		},
		Update: UpdateConfig{
			StatePath:               "/var/lib/driftmend/partition_state.json",
			PartitionA:              "/dev/disk/by-partlabel/system-a",
			PartitionB:              "/dev/disk/by-partlabel/system-b",
			PollIntervalSeconds:     600,
			HealthChecks:            []string{"network", "timesync", "disk"},
			RequiredPasses:          3,
			MaxBootAttempts:         3,
			MinHealthyUptimeMinutes: 10,
			NetworkProbeAddr:        "1.1.1.1:53",
			MinDiskFreeBytes:        256 << 20,
			MaxClockSkewSeconds:     300,
		},
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Agent.PollIntervalSeconds < 1 {
		return fmt.Errorf("agent.poll_interval_seconds must be positive, got %d", c.Agent.PollIntervalSeconds)
	}
	if c.Agent.JitterPct < 0 || c.Agent.JitterPct > 50 {
		return fmt.Errorf("agent.jitter_pct must be 0-50, got %d", c.Agent.JitterPct)
	}
	if c.Flap.RecurrenceThreshold < 1 {
		return fmt.Errorf("flap.recurrence_threshold must be positive, got %d", c.Flap.RecurrenceThreshold)
	}
	if c.Flap.WindowMinutes < 1 {
		return fmt.Errorf("flap.window_minutes must be positive, got %d", c.Flap.WindowMinutes)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be positive, got %d", c.Queue.MaxRetries)
	}
	switch c.Planner.Backend {
	case "openai", "static", "off":
		// valid
	default:
		return fmt.Errorf("planner.backend %q is not one of openai, static, off", c.Planner.Backend)
	}
	for _, hc := range c.Update.HealthChecks {
		switch hc {
		case "network", "timesync", "disk":
			// valid
		default:
			return fmt.Errorf("update.health_checks contains unknown check %q", hc)
		}
	}
	if c.Update.RequiredPasses > len(c.Update.HealthChecks) {
		return fmt.Errorf("update.required_passes (%d) exceeds configured health checks (%d)",
			c.Update.RequiredPasses, len(c.Update.HealthChecks))
	}
	if c.Update.MaxBootAttempts < 1 {
		return fmt.Errorf("update.max_boot_attempts must be positive, got %d", c.Update.MaxBootAttempts)
	}
	return nil
}
