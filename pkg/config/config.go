// Package config loads Bay's runtime configuration from environment
// variables (spec.md §6), with an optional YAML file as a base layer
// that environment variables override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shipyard/bay/pkg/scheduler"
)

// Config holds every Bay knob from spec.md §6.
type Config struct {
	AccessToken          string        `yaml:"access_token"`
	MaxShipNum           int           `yaml:"max_ship_num"`
	BehaviorAfterMaxShip string        `yaml:"behavior_after_max_ship"`
	DataDir              string        `yaml:"data_dir"`
	DockerImage          string        `yaml:"docker_image"`
	DockerNetwork        string        `yaml:"docker_network"`
	ContainerdSocket     string        `yaml:"containerd_socket"`
	HealthCheckTimeout   time.Duration `yaml:"-"`
	HealthCheckInterval  time.Duration `yaml:"-"`
	ListenAddr           string        `yaml:"listen_addr"`
	MetricsAddr          string        `yaml:"metrics_addr"`

	HealthCheckTimeoutSeconds  int `yaml:"health_check_timeout_seconds"`
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
}

// Defaults returns the configuration defaults named in spec.md §6.
func Defaults() Config {
	return Config{
		AccessToken:                "secret-token",
		MaxShipNum:                 10,
		BehaviorAfterMaxShip:       "wait",
		DataDir:                    "./data",
		ContainerdSocket:           "/run/containerd/containerd.sock",
		HealthCheckTimeoutSeconds:  60,
		HealthCheckIntervalSeconds: 2,
		ListenAddr:                 ":8080",
		MetricsAddr:                ":9090",
	}
}

// Load builds a Config starting from Defaults, overlaying an optional
// YAML file (if yamlPath is non-empty), then overlaying environment
// variables, which always win.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	cfg.HealthCheckTimeout = time.Duration(cfg.HealthCheckTimeoutSeconds) * time.Second
	cfg.HealthCheckInterval = time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv("MAX_SHIP_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxShipNum = n
		}
	}
	if v := os.Getenv("BEHAVIOR_AFTER_MAX_SHIP"); v != "" {
		cfg.BehaviorAfterMaxShip = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DOCKER_IMAGE"); v != "" {
		cfg.DockerImage = v
	}
	if v := os.Getenv("DOCKER_NETWORK"); v != "" {
		cfg.DockerNetwork = v
	}
	if v := os.Getenv("CONTAINERD_SOCKET"); v != "" {
		cfg.ContainerdSocket = v
	}
	if v := os.Getenv("SHIP_HEALTH_CHECK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SHIP_HEALTH_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckIntervalSeconds = n
		}
	}
	if v := os.Getenv("BAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BAY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// Validate rejects configuration combinations that would leave the
// Scheduler unable to start.
func (c Config) Validate() error {
	if c.MaxShipNum < 1 {
		return fmt.Errorf("max_ship_num must be at least 1, got %d", c.MaxShipNum)
	}
	switch scheduler.Behavior(c.BehaviorAfterMaxShip) {
	case scheduler.BehaviorReject, scheduler.BehaviorWait:
	default:
		return fmt.Errorf("behavior_after_max_ship must be 'reject' or 'wait', got %q", c.BehaviorAfterMaxShip)
	}
	if c.DockerImage == "" {
		return fmt.Errorf("docker_image (DOCKER_IMAGE) is required")
	}
	return nil
}
