// Package config loads the manager configuration.
//
// The file is YAML; durations are Go duration strings ("90s", "10m").
// Every field has a default so an empty or missing file yields a working
// single-node manager. Intervals only change timing, never the lifecycle
// rules enforced by the manager.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReportIntervals are the per-report-type cadences nodes are told to use
type ReportIntervals struct {
	Heartbeat     time.Duration `yaml:"heartbeat"`
	Container     time.Duration `yaml:"container"`
	Node          time.Duration `yaml:"node"`
	Pipeline      time.Duration `yaml:"pipeline"`
	CommandStatus time.Duration `yaml:"command-status"`
}

// Liveness thresholds for the node tracker
type Liveness struct {
	ProcessInterval time.Duration `yaml:"process-interval"`
	StaleAfter      time.Duration `yaml:"stale-after"`
	DeadAfter       time.Duration `yaml:"dead-after"`
}

// Replication controls replica evaluation and container sizing
type Replication struct {
	Interval       time.Duration `yaml:"interval"`
	Factor         int           `yaml:"factor"`
	ContainerSize  int64         `yaml:"container-size"`
	CloseThreshold float64       `yaml:"close-threshold"`
}

// Durability controls retries of metadata commits
type Durability struct {
	RetryAttempts uint          `yaml:"retry-attempts"`
	RetryDelay    time.Duration `yaml:"retry-delay"`
	CommitTimeout time.Duration `yaml:"commit-timeout"`
}

// Logging configuration
type Logging struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config holds the complete manager configuration
type Config struct {
	NodeID   string `yaml:"node-id"`
	DataDir  string `yaml:"data-dir"`
	BindAddr string `yaml:"bind-addr"` // Raft
	APIAddr  string `yaml:"api-addr"`  // HTTP health and metrics
	GRPCAddr string `yaml:"grpc-addr"` // gRPC health

	// InMemoryTransport keeps raft off the network. Single-node managers
	// and tests use it; BindAddr is then only used as the raft server ID.
	InMemoryTransport bool `yaml:"in-memory-transport"`

	Reports           ReportIntervals `yaml:"reports"`
	Liveness          Liveness        `yaml:"liveness"`
	Replication       Replication     `yaml:"replication"`
	Durability        Durability      `yaml:"durability"`
	Log               Logging         `yaml:"log"`
	CommandQueueLimit int             `yaml:"command-queue-limit"`
	MetricsInterval   time.Duration   `yaml:"metrics-interval"`
}

// Default returns the production defaults
func Default() *Config {
	return &Config{
		NodeID:            "manager-1",
		DataDir:           "./strata-data",
		BindAddr:          "127.0.0.1:9860",
		APIAddr:           "127.0.0.1:9876",
		GRPCAddr:          "127.0.0.1:9861",
		InMemoryTransport: true,
		Reports: ReportIntervals{
			Heartbeat:     30 * time.Second,
			Container:     60 * time.Second,
			Node:          60 * time.Second,
			Pipeline:      60 * time.Second,
			CommandStatus: 60 * time.Second,
		},
		Liveness: Liveness{
			ProcessInterval: 30 * time.Second,
			StaleAfter:      90 * time.Second,
			DeadAfter:       10 * time.Minute,
		},
		Replication: Replication{
			Interval:       5 * time.Minute,
			Factor:         3,
			ContainerSize:  5 << 30,
			CloseThreshold: 0.9,
		},
		Durability: Durability{
			RetryAttempts: 3,
			RetryDelay:    100 * time.Millisecond,
			CommitTimeout: 5 * time.Second,
		},
		Log: Logging{
			Level: "info",
		},
		CommandQueueLimit: 1024,
		MetricsInterval:   15 * time.Second,
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the manager cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == "" {
		errs = append(errs, errors.New("node-id is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data-dir is required"))
	}

	intervals := []struct {
		name string
		d    time.Duration
	}{
		{"reports.heartbeat", c.Reports.Heartbeat},
		{"reports.container", c.Reports.Container},
		{"reports.node", c.Reports.Node},
		{"reports.pipeline", c.Reports.Pipeline},
		{"reports.command-status", c.Reports.CommandStatus},
		{"liveness.process-interval", c.Liveness.ProcessInterval},
		{"liveness.stale-after", c.Liveness.StaleAfter},
		{"liveness.dead-after", c.Liveness.DeadAfter},
		{"replication.interval", c.Replication.Interval},
		{"durability.commit-timeout", c.Durability.CommitTimeout},
	}
	for _, iv := range intervals {
		if iv.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", iv.name))
		}
	}

	if c.Liveness.StaleAfter >= c.Liveness.DeadAfter {
		errs = append(errs, fmt.Errorf("liveness.stale-after (%s) must be less than liveness.dead-after (%s)",
			c.Liveness.StaleAfter, c.Liveness.DeadAfter))
	}
	if c.Replication.Factor < 1 {
		errs = append(errs, errors.New("replication.factor must be at least 1"))
	}
	if c.Replication.ContainerSize <= 0 {
		errs = append(errs, errors.New("replication.container-size must be positive"))
	}
	if c.Replication.CloseThreshold <= 0 || c.Replication.CloseThreshold > 1 {
		errs = append(errs, errors.New("replication.close-threshold must be in (0, 1]"))
	}
	if c.Durability.RetryAttempts < 1 {
		errs = append(errs, errors.New("durability.retry-attempts must be at least 1"))
	}
	if c.CommandQueueLimit < 1 {
		errs = append(errs, errors.New("command-queue-limit must be at least 1"))
	}

	return errors.Join(errs...)
}

// CloseThresholdBytes is the replica usage at which an OPEN container is closed
func (c *Config) CloseThresholdBytes() int64 {
	return int64(float64(c.Replication.ContainerSize) * c.Replication.CloseThreshold)
}
