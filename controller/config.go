package controller

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sourcepark/testpark/state"
)

// Config tunes the controller. Intervals are plain seconds so the file stays
// trivially parseable; zero values select the documented defaults.
type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseURL string `yaml:"database_url"`
	PlansFile   string `yaml:"plans_file"`

	Heartbeat struct {
		MinIntervalSeconds  int `yaml:"min_interval_seconds"`
		StalenessSeconds    int `yaml:"staleness_seconds"`
		ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
	} `yaml:"heartbeat"`

	Liveness struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"liveness"`

	Reconciler struct {
		IntervalSeconds  int `yaml:"interval_seconds"`
		RetentionSeconds int `yaml:"retention_seconds"`
	} `yaml:"reconciler"`
}

// DefaultConfig returns the documented defaults: 60s heartbeat spacing, 15m
// staleness, 5m liveness period, 48h retention purged hourly, 10s probe
// timeout.
func DefaultConfig() Config {
	var cfg Config
	cfg.Listen = ":8080"
	cfg.Heartbeat.MinIntervalSeconds = 60
	cfg.Heartbeat.StalenessSeconds = int((15 * time.Minute).Seconds())
	cfg.Heartbeat.ProbeTimeoutSeconds = 10
	cfg.Liveness.IntervalSeconds = int((5 * time.Minute).Seconds())
	cfg.Reconciler.IntervalSeconds = int(time.Hour.Seconds())
	cfg.Reconciler.RetentionSeconds = int((48 * time.Hour).Seconds())
	return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.Heartbeat.MinIntervalSeconds <= 0 {
		c.Heartbeat.MinIntervalSeconds = defaults.Heartbeat.MinIntervalSeconds
	}
	if c.Heartbeat.StalenessSeconds <= 0 {
		c.Heartbeat.StalenessSeconds = defaults.Heartbeat.StalenessSeconds
	}
	if c.Heartbeat.ProbeTimeoutSeconds <= 0 {
		c.Heartbeat.ProbeTimeoutSeconds = defaults.Heartbeat.ProbeTimeoutSeconds
	}
	if c.Liveness.IntervalSeconds <= 0 {
		c.Liveness.IntervalSeconds = defaults.Liveness.IntervalSeconds
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		c.Reconciler.IntervalSeconds = defaults.Reconciler.IntervalSeconds
	}
	if c.Reconciler.RetentionSeconds <= 0 {
		c.Reconciler.RetentionSeconds = defaults.Reconciler.RetentionSeconds
	}
	return c
}

func (c Config) HeartbeatMinInterval() time.Duration {
	return time.Duration(c.Heartbeat.MinIntervalSeconds) * time.Second
}

func (c Config) HeartbeatStaleness() time.Duration {
	return time.Duration(c.Heartbeat.StalenessSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Heartbeat.ProbeTimeoutSeconds) * time.Second
}

func (c Config) LivenessInterval() time.Duration {
	return time.Duration(c.Liveness.IntervalSeconds) * time.Second
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.Reconciler.RetentionSeconds) * time.Second
}

// planSeed is one entry of the optional plan catalog file.
type planSeed struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Descriptor  string   `yaml:"descriptor"`
	Description string   `yaml:"description"`
	Platforms   []string `yaml:"platforms"`
	URL         string   `yaml:"url"`
}

// LoadPlans reads a YAML plan catalog file into catalog entries. The catalog
// itself is maintained externally; this seeds it at startup.
func LoadPlans(path string) ([]state.TestPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	var seeds []planSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}

	plans := make([]state.TestPlan, 0, len(seeds))
	for _, seed := range seeds {
		if seed.ID == "" || seed.Name == "" {
			return nil, fmt.Errorf("plans file: every plan needs an id and a name")
		}
		plan := state.TestPlan{
			ID:        seed.ID,
			Name:      seed.Name,
			Platforms: seed.Platforms,
		}
		if seed.Descriptor != "" {
			plan.Descriptor = &seed.Descriptor
		}
		if seed.Description != "" {
			plan.Description = &seed.Description
		}
		if seed.URL != "" {
			plan.URL = &seed.URL
		}
		plans = append(plans, plan)
	}
	return plans, nil
}
