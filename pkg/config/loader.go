package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadFromFile loads pool configuration from a Key Value-per-line file —
// the same style the relay config emitter (emitter.go) uses for per-instance
// files, for symmetry. Lines starting with # are comments; empty lines are
// ignored. Unknown keys are ignored for forward compatibility.
func LoadFromFile(path string, cfg *PoolConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}
		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = strings.Join(parts[1:], " ")
		}

		if err := applyPoolConfigOption(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return cfg.Validate()
}

func applyPoolConfigOption(cfg *PoolConfig, key, value string) error {
	switch key {
	case "POOL_SIZE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid POOL_SIZE value: %s", value)
		}
		cfg.PoolSize = n

	case "BASE_SOCKS_PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BASE_SOCKS_PORT value: %s", value)
		}
		cfg.BaseSocksPort = n

	case "BASE_CTRL_PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BASE_CTRL_PORT value: %s", value)
		}
		cfg.BaseCtrlPort = n

	case "DATA_DIR":
		cfg.DataDir = value

	case "COUNTRIES":
		cfg.Countries = append(cfg.Countries, value)

	case "STRICT_NODES":
		cfg.StrictNodes = parseBool(value)

	case "AUTO_ROTATE_ENABLED":
		cfg.AutoRotateEnabled = parseBool(value)

	case "AUTO_ROTATE_INTERVAL":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid AUTO_ROTATE_INTERVAL: %w", err)
		}
		cfg.AutoRotateInterval = d

	case "HEALTH_CHECK_INTERVAL":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid HEALTH_CHECK_INTERVAL: %w", err)
		}
		cfg.HealthCheckInterval = d

	case "HEALTH_CHECK_TIMEOUT":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid HEALTH_CHECK_TIMEOUT: %w", err)
		}
		cfg.HealthCheckTimeout = d

	case "MAX_FAILED_CHECKS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MAX_FAILED_CHECKS value: %s", value)
		}
		cfg.MaxFailedChecks = n

	case "ALERT_NODE_DOWN_THRESHOLD":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid ALERT_NODE_DOWN_THRESHOLD value: %s", value)
		}
		cfg.AlertNodeDownThreshold = f

	case "LOG_LEVEL":
		cfg.LogLevel = strings.ToLower(value)

	case "METRICS_PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid METRICS_PORT value: %s", value)
		}
		cfg.MetricsPort = n

	case "EXIT_INFO_ENDPOINT":
		cfg.ExitInfoEndpoint = value

	default:
		// Ignore unknown options for forward compatibility.
	}

	return nil
}

// validatePath rejects directory traversal attempts, matching the
// teacher's path-validation discipline for file-based config loading.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}
	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}
	return nil
}

// SaveToFile writes cfg to path in the same Key Value-per-line format
// LoadFromFile reads.
func SaveToFile(path string, cfg *PoolConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Create(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	defer w.Flush()

	fmt.Fprintf(w, "# relaypool pool configuration\n")
	fmt.Fprintf(w, "# Generated automatically - edit with care\n\n")

	fmt.Fprintf(w, "# Pool sizing and ports\n")
	fmt.Fprintf(w, "POOL_SIZE %d\n", cfg.PoolSize)
	fmt.Fprintf(w, "BASE_SOCKS_PORT %d\n", cfg.BaseSocksPort)
	fmt.Fprintf(w, "BASE_CTRL_PORT %d\n", cfg.BaseCtrlPort)
	fmt.Fprintf(w, "DATA_DIR %s\n\n", cfg.DataDir)

	fmt.Fprintf(w, "# Exit selection\n")
	for _, cc := range cfg.Countries {
		fmt.Fprintf(w, "COUNTRIES %s\n", cc)
	}
	fmt.Fprintf(w, "STRICT_NODES %s\n\n", formatBool(cfg.StrictNodes))

	fmt.Fprintf(w, "# Health and rotation\n")
	fmt.Fprintf(w, "HEALTH_CHECK_INTERVAL %s\n", cfg.HealthCheckInterval)
	fmt.Fprintf(w, "HEALTH_CHECK_TIMEOUT %s\n", cfg.HealthCheckTimeout)
	fmt.Fprintf(w, "AUTO_ROTATE_ENABLED %s\n", formatBool(cfg.AutoRotateEnabled))
	fmt.Fprintf(w, "AUTO_ROTATE_INTERVAL %s\n", cfg.AutoRotateInterval)
	fmt.Fprintf(w, "MAX_FAILED_CHECKS %d\n", cfg.MaxFailedChecks)
	fmt.Fprintf(w, "ALERT_NODE_DOWN_THRESHOLD %.2f\n\n", cfg.AlertNodeDownThreshold)

	fmt.Fprintf(w, "# Logging and observability\n")
	fmt.Fprintf(w, "LOG_LEVEL %s\n", cfg.LogLevel)
	fmt.Fprintf(w, "METRICS_PORT %d\n", cfg.MetricsPort)
	if cfg.ExitInfoEndpoint != "" {
		fmt.Fprintf(w, "EXIT_INFO_ENDPOINT %s\n", cfg.ExitInfoEndpoint)
	}

	return w.Flush()
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
