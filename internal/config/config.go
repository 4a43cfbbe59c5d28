package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Bus     BusConfig     `yaml:"bus"`
	NATS    NATSConfig    `yaml:"nats"`
	Budget  BudgetConfig  `yaml:"budget"`
	Retry   RetryConfig   `yaml:"retry"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Swarm   SwarmConfig   `yaml:"swarm"`
	Notify  NotifyConfig  `yaml:"notify"`
	Vault   VaultConfig   `yaml:"vault"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	Capacity int `yaml:"capacity"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type BudgetConfig struct {
	ProjectAllocation float64          `yaml:"project_allocation"`
	Currency          string           `yaml:"currency"`
	Period            string           `yaml:"period"` // schedule JSON or cron expression
	Thresholds        ThresholdConfig  `yaml:"thresholds"`
	ForecastWindow    time.Duration    `yaml:"forecast_window"`
}

// ThresholdConfig holds percentages of allocation at which the governor
// emits threshold events. Zero disables a threshold.
type ThresholdConfig struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	HardStop float64 `yaml:"hard_stop"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`
}

type RuntimeConfig struct {
	Kind       string `yaml:"kind"` // "docker" or "websocket"
	Image      string `yaml:"image"`
	GatewayURL string `yaml:"gateway_url"`
	Workspace  string `yaml:"workspace"`
}

type SwarmConfig struct {
	MaxAgents     int `yaml:"max_agents"`
	TreeDepthMax  int `yaml:"tree_depth_max"`
	TreeShareBase float64 `yaml:"tree_share_base"` // fraction of parent's remaining budget per child
}

type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/godel.db",
		},
		Bus: BusConfig{
			Capacity: 4096,
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Budget: BudgetConfig{
			ProjectAllocation: 100,
			Currency:          "USD",
			Period:            "0 0 * * *",
			Thresholds: ThresholdConfig{
				Warning:  50,
				Critical: 80,
				HardStop: 100,
			},
			ForecastWindow: 15 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			BackoffBase:  2 * time.Second,
			BackoffCap:   2 * time.Minute,
			SpawnTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			Kind:      "docker",
			Image:     "godel-worker:latest",
			Workspace: "workspaces",
		},
		Swarm: SwarmConfig{
			MaxAgents:     16,
			TreeDepthMax:  3,
			TreeShareBase: 0.5,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("GODEL_CONFIG")
	if path == "" {
		path = "config/godel.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that would break invariants downstream.
// Options are checked here, at construction, not at call sites.
func (c *Config) Validate() error {
	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("bus capacity must be positive, got %d", c.Bus.Capacity)
	}
	if c.Budget.ProjectAllocation <= 0 {
		return fmt.Errorf("project allocation must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffCap < c.Retry.BackoffBase {
		return fmt.Errorf("backoff_cap must be >= backoff_base > 0")
	}
	if c.Swarm.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive")
	}
	if c.Swarm.TreeShareBase <= 0 || c.Swarm.TreeShareBase > 1 {
		return fmt.Errorf("tree_share_base must be in (0, 1]")
	}
	switch c.Runtime.Kind {
	case "docker", "websocket":
	default:
		return fmt.Errorf("unknown runtime kind: %s", c.Runtime.Kind)
	}
	t := c.Budget.Thresholds
	if t.Warning > t.Critical && t.Critical > 0 {
		return fmt.Errorf("warning threshold above critical")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GODEL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GODEL_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("GODEL_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("GODEL_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("GODEL_RUNTIME_IMAGE"); v != "" {
		cfg.Runtime.Image = v
	}
}
