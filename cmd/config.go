package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/akasls/Xray-Multi-Port-Manager/latency_testing"
	"github.com/akasls/Xray-Multi-Port-Manager/port_allocation"
	"github.com/akasls/Xray-Multi-Port-Manager/system_adaptation"
)

// Config represents the application configuration.
type Config struct {
	LogLevel string        `toml:"log_level"`
	Ports    PortsConfig   `toml:"ports"`
	Test     TestConfig    `toml:"test"`
	Monitor  MonitorConfig `toml:"monitor"`
	Nodes    []NodeConfig  `toml:"nodes"`
}

// PortsConfig configures the port allocator.
type PortsConfig struct {
	RangeStart int           `toml:"range_start"`
	RangeEnd   int           `toml:"range_end"`
	Strategy   string        `toml:"strategy"`
	MaxChecks  int           `toml:"max_concurrent_checks"`
	Protected  []int         `toml:"protected"`
	Reserved   []RangeConfig `toml:"reserved"`
}

// RangeConfig is one reserved sub-range.
type RangeConfig struct {
	Start int `toml:"start"`
	End   int `toml:"end"`
}

// TestConfig configures the default batch test parameters.
type TestConfig struct {
	MaxConcurrent int    `toml:"max_concurrent"`
	TimeoutMs     int    `toml:"timeout_ms"`
	RetryCount    int    `toml:"retry_count"`
	RetryDelayMs  int    `toml:"retry_delay_ms"`
	Strategy      string `toml:"strategy"`
	BypassTunnel  bool   `toml:"bypass_tunnel"`
}

// MonitorConfig configures the system adaptation monitor.
type MonitorConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	WatchedProcess  string `toml:"watched_process"`
}

// NodeConfig is one probe target.
type NodeConfig struct {
	ID     string `toml:"id"`
	Remark string `toml:"remark"`
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
}

// LoadConfig loads configuration from the specified TOML file and fills in
// defaults for optional fields.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "multiport_config.toml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Ports.RangeStart == 0 {
		cfg.Ports.RangeStart = 10000
	}
	if cfg.Ports.RangeEnd == 0 {
		cfg.Ports.RangeEnd = 20000
	}
	if cfg.Ports.Strategy == "" {
		cfg.Ports.Strategy = string(port_allocation.StrategyLazy)
	}
	if cfg.Test.TimeoutMs == 0 {
		cfg.Test.TimeoutMs = 5000
	}
	if cfg.Test.MaxConcurrent == 0 {
		cfg.Test.MaxConcurrent = 20
	}
	if cfg.Monitor.IntervalSeconds == 0 {
		cfg.Monitor.IntervalSeconds = 5
	}

	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("at least one [[nodes]] entry is required in config file")
	}
	for i, node := range cfg.Nodes {
		if node.ID == "" || node.Host == "" || node.Port == 0 {
			return nil, fmt.Errorf("nodes[%d] needs id, host and port", i)
		}
	}

	return &cfg, nil
}

// TesterConfig converts the TOML test section into the orchestrator value.
func (c *Config) TesterConfig() latency_testing.TestConfig {
	cfg := latency_testing.DefaultTestConfig()
	cfg.MaxConcurrent = c.Test.MaxConcurrent
	cfg.Timeout = time.Duration(c.Test.TimeoutMs) * time.Millisecond
	cfg.RetryCount = c.Test.RetryCount
	if c.Test.RetryDelayMs > 0 {
		cfg.RetryDelay = time.Duration(c.Test.RetryDelayMs) * time.Millisecond
	}
	if c.Test.Strategy != "" {
		cfg.Strategy = latency_testing.TestStrategy(c.Test.Strategy)
	}
	cfg.BypassTunnel = c.Test.BypassTunnel
	return cfg
}

// MonitorSettings converts the TOML monitor section into the monitor value.
func (c *Config) MonitorSettings() system_adaptation.MonitorConfig {
	cfg := system_adaptation.DefaultMonitorConfig()
	cfg.Interval = time.Duration(c.Monitor.IntervalSeconds) * time.Second
	cfg.WatchedProcess = c.Monitor.WatchedProcess
	return cfg
}
