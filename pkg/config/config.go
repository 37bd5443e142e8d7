package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full silo configuration, loadable from YAML.
type Config struct {
	// ClusterID must match across every silo and client of one cluster;
	// the connection preamble enforces it.
	ClusterID string `yaml:"cluster_id"`

	// Endpoint is the host:port the silo listens on for peer and client
	// connections.
	Endpoint string `yaml:"endpoint"`

	// DataDir holds the bbolt databases (membership, reminders, grain
	// state).
	DataDir string `yaml:"data_dir"`

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	Log        LogConfig        `yaml:"log"`
	Membership MembershipConfig `yaml:"membership"`
	Router     RouterConfig     `yaml:"router"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Reminders  RemindersConfig  `yaml:"reminders"`
	Txn        TxnConfig        `yaml:"txn"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MembershipConfig tunes the liveness protocol.
type MembershipConfig struct {
	HeartbeatPeriod    time.Duration `yaml:"heartbeat_period"`
	ProbePeriod        time.Duration `yaml:"probe_period"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	NumProbedSilos     int           `yaml:"num_probed_silos"`
	SuspicionThreshold int           `yaml:"suspicion_threshold"`
	SuspicionWindow    time.Duration `yaml:"suspicion_window"`
	RefreshPeriod      time.Duration `yaml:"refresh_period"`
	DefunctRetention   time.Duration `yaml:"defunct_retention"`
	MaxCASRetries      int           `yaml:"max_cas_retries"`
}

// RouterConfig tunes request timeouts and retries.
type RouterConfig struct {
	ResponseTimeout       time.Duration `yaml:"response_timeout"`
	SystemResponseTimeout time.Duration `yaml:"system_response_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	Workers int `yaml:"workers"`
}

// CatalogConfig tunes activation collection.
type CatalogConfig struct {
	CollectionAge    time.Duration `yaml:"collection_age"`
	CollectionPeriod time.Duration `yaml:"collection_period"`
	// Cooldown blocks reactivation after application-error or
	// inconsistent-state deactivations.
	Cooldown time.Duration `yaml:"cooldown"`
	// StatelessWorkerMultiplier caps stateless-worker pools at
	// multiplier * GOMAXPROCS activations.
	StatelessWorkerMultiplier int `yaml:"stateless_worker_multiplier"`
}

// RemindersConfig tunes the durable reminder service.
type RemindersConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
}

// TxnConfig tunes the transactional lock manager.
type TxnConfig struct {
	MaxGroupSize   int           `yaml:"max_group_size"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		ClusterID:   "granary",
		Endpoint:    "127.0.0.1:11711",
		DataDir:     "./data",
		MetricsAddr: "",
		Log:         LogConfig{Level: "info", JSON: true},
		Membership: MembershipConfig{
			HeartbeatPeriod:    5 * time.Second,
			ProbePeriod:        5 * time.Second,
			ProbeTimeout:       2 * time.Second,
			NumProbedSilos:     3,
			SuspicionThreshold: 2,
			SuspicionWindow:    1 * time.Minute,
			RefreshPeriod:      10 * time.Second,
			DefunctRetention:   24 * time.Hour,
			MaxCASRetries:      5,
		},
		Router: RouterConfig{
			ResponseTimeout:       30 * time.Second,
			SystemResponseTimeout: 10 * time.Second,
			MaxRetries:            3,
			RetryBackoff:          250 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{Workers: runtime.GOMAXPROCS(0)},
		Catalog: CatalogConfig{
			CollectionAge:             15 * time.Minute,
			CollectionPeriod:          1 * time.Minute,
			Cooldown:                  30 * time.Second,
			StatelessWorkerMultiplier: 1,
		},
		Reminders: RemindersConfig{TickPeriod: 30 * time.Second},
		Txn: TxnConfig{
			MaxGroupSize:   20,
			LockTimeout:    8 * time.Second,
			AcquireTimeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("cluster_id must not be empty")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Membership.SuspicionThreshold < 1 {
		return fmt.Errorf("membership.suspicion_threshold must be at least 1")
	}
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("router.max_retries must not be negative")
	}
	if c.Txn.MaxGroupSize < 1 {
		return fmt.Errorf("txn.max_group_size must be at least 1")
	}
	return nil
}
