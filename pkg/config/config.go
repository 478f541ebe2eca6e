// Package config provides configuration management for the relay pool
// supervisor: pool-wide settings, the per-instance relay config emitter,
// environment/file loading, JSON Schema generation, and hot-reload of the
// subset of fields that are safe to change without restarting instances.
package config

import (
	"fmt"
	"time"

	"github.com/shadowmesh/relaypool/pkg/autoconfig"
)

// PoolConfig holds the pool-wide settings from which every relay instance's
// slot is derived (see pkg/supervisor's port allocator) and the loop/health
// tunables that govern the supervisor's background behavior.
type PoolConfig struct {
	// Pool sizing and port allocation
	PoolSize      int    // Desired number of relay instances N, 1..100
	BaseSocksPort int    // Ps: base SOCKS port; slot i binds Ps+i
	BaseCtrlPort  int    // Pc: base control port; slot i binds Pc+i
	DataDir       string // D: data-directory root; slot i writes D/relay-<i>

	// Exit selection
	Countries    []string // ISO-3166 alpha-2 exit-country restriction list
	StrictNodes  bool     // When true and Countries is set, emit StrictNodes 1

	// Health and rotation tuning
	HealthCheckInterval   time.Duration // Th
	HealthCheckTimeout    time.Duration // per-check control-session deadline
	AutoRotateEnabled     bool
	AutoRotateInterval    time.Duration // Tr
	BootstrapTimeout      time.Duration // Tb, default 60s
	MaxFailedChecks       int           // K in failed_checks >= K => unhealthy
	AlertNodeDownThreshold float64      // fraction 0..1

	// Per-instance relay config emitter defaults (spec.md §6)
	CircuitBuildTimeout      time.Duration // default 30s
	LearnCircuitBuildTimeout bool          // default false (disabled)
	MaxCircuitDirtiness      time.Duration // default 600s

	// Logging
	LogLevel string // debug, info, warn, error

	// Observability
	MetricsPort int // HTTP port for /metrics and /healthz; 0 disables

	// IP-echo endpoint for the Exit Info Resolver (§4.H); empty disables it
	ExitInfoEndpoint string
}

// DefaultConfig returns a PoolConfig with the defaults spec.md names, using
// autoconfig to pick a platform-appropriate data directory and to steer
// clear of already-bound default ports.
func DefaultConfig() *PoolConfig {
	dataDir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		dataDir = "./relaypool-data"
	}

	return &PoolConfig{
		PoolSize:      3,
		BaseSocksPort: autoconfig.FindAvailablePort(30000),
		BaseCtrlPort:  autoconfig.FindAvailablePort(40000),
		DataDir:       dataDir,

		Countries:   nil,
		StrictNodes: false,

		HealthCheckInterval:    30 * time.Second,
		HealthCheckTimeout:     5 * time.Second,
		AutoRotateEnabled:      false,
		AutoRotateInterval:     10 * time.Minute,
		BootstrapTimeout:       60 * time.Second,
		MaxFailedChecks:        3,
		AlertNodeDownThreshold: 0.5,

		CircuitBuildTimeout:      30 * time.Second,
		LearnCircuitBuildTimeout: false,
		MaxCircuitDirtiness:      600 * time.Second,

		LogLevel: "info",

		MetricsPort: 0,

		ExitInfoEndpoint: "",
	}
}

// Validate checks that a PoolConfig is internally consistent: port ranges
// within bounds and non-overlapping, sizes and timeouts positive, and
// known enum-like fields within their valid set.
func (c *PoolConfig) Validate() error {
	if c.PoolSize < 1 || c.PoolSize > 100 {
		return fmt.Errorf("invalid PoolSize: %d (must be 1..100)", c.PoolSize)
	}
	if c.BaseSocksPort < 1 || c.BaseSocksPort > 65535 {
		return fmt.Errorf("invalid BaseSocksPort: %d", c.BaseSocksPort)
	}
	if c.BaseCtrlPort < 1 || c.BaseCtrlPort > 65535 {
		return fmt.Errorf("invalid BaseCtrlPort: %d", c.BaseCtrlPort)
	}
	socksEnd := c.BaseSocksPort + c.PoolSize
	ctrlEnd := c.BaseCtrlPort + c.PoolSize
	if socksEnd > 65536 || ctrlEnd > 65536 {
		return fmt.Errorf("port range overflows 65535: socks [%d,%d) ctrl [%d,%d)",
			c.BaseSocksPort, socksEnd, c.BaseCtrlPort, ctrlEnd)
	}
	if !(socksEnd <= c.BaseCtrlPort || ctrlEnd <= c.BaseSocksPort) {
		return fmt.Errorf("port range overlap: socks [%d,%d) ctrl [%d,%d)",
			c.BaseSocksPort, socksEnd, c.BaseCtrlPort, ctrlEnd)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DataDir is required")
	}
	for _, cc := range c.Countries {
		if len(cc) != 2 {
			return fmt.Errorf("invalid country code: %q (must be ISO-3166 alpha-2)", cc)
		}
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HealthCheckInterval must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("HealthCheckTimeout must be positive")
	}
	if c.AutoRotateEnabled && c.AutoRotateInterval <= 0 {
		return fmt.Errorf("AutoRotateInterval must be positive when AutoRotateEnabled")
	}
	if c.BootstrapTimeout <= 0 {
		return fmt.Errorf("BootstrapTimeout must be positive")
	}
	if c.MaxFailedChecks < 1 {
		return fmt.Errorf("MaxFailedChecks must be at least 1")
	}
	if c.AlertNodeDownThreshold < 0 || c.AlertNodeDownThreshold > 1 {
		return fmt.Errorf("AlertNodeDownThreshold must be in [0,1]")
	}
	if c.CircuitBuildTimeout <= 0 {
		return fmt.Errorf("CircuitBuildTimeout must be positive")
	}
	if c.MaxCircuitDirtiness <= 0 {
		return fmt.Errorf("MaxCircuitDirtiness must be positive")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid MetricsPort: %d", c.MetricsPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone returns a deep copy, since Countries is a slice shared by value
// otherwise.
func (c *PoolConfig) Clone() *PoolConfig {
	clone := *c
	clone.Countries = append([]string{}, c.Countries...)
	return &clone
}
