package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv builds a PoolConfig from the environment variables spec.md §6
// names, starting from DefaultConfig and overriding whatever is set.
func LoadFromEnv() (*PoolConfig, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v, ok := os.LookupEnv("BASE_SOCKS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BASE_SOCKS_PORT: %w", err)
		}
		cfg.BaseSocksPort = n
	}
	if v, ok := os.LookupEnv("BASE_CTRL_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BASE_CTRL_PORT: %w", err)
		}
		cfg.BaseCtrlPort = n
	}
	if v, ok := os.LookupEnv("DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("COUNTRIES"); ok {
		cfg.Countries = splitNonEmpty(v, ",")
	}
	if v, ok := os.LookupEnv("STRICT_NODES"); ok {
		cfg.StrictNodes = parseBool(v)
	}
	if v, ok := os.LookupEnv("AUTO_ROTATE_ENABLED"); ok {
		cfg.AutoRotateEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("AUTO_ROTATE_INTERVAL"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("AUTO_ROTATE_INTERVAL: %w", err)
		}
		cfg.AutoRotateInterval = d
	}
	if v, ok := os.LookupEnv("HEALTH_CHECK_INTERVAL"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("HEALTH_CHECK_INTERVAL: %w", err)
		}
		cfg.HealthCheckInterval = d
	}
	if v, ok := os.LookupEnv("HEALTH_CHECK_TIMEOUT"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("HEALTH_CHECK_TIMEOUT: %w", err)
		}
		cfg.HealthCheckTimeout = d
	}
	if v, ok := os.LookupEnv("MAX_FAILED_CHECKS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_FAILED_CHECKS: %w", err)
		}
		cfg.MaxFailedChecks = n
	}
	if v, ok := os.LookupEnv("ALERT_NODE_DOWN_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("ALERT_NODE_DOWN_THRESHOLD: %w", err)
		}
		cfg.AlertNodeDownThreshold = f
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("METRICS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = n
	}
	if v, ok := os.LookupEnv("EXIT_INFO_ENDPOINT"); ok {
		cfg.ExitInfoEndpoint = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses a duration string with support for common time
// units: seconds (s), minutes (m), hours (h), days (d), or a bare Go
// duration string.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}

	suffix := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", s)
	}

	switch suffix {
	case "s", "S":
		return time.Duration(value) * time.Second, nil
	case "m", "M":
		return time.Duration(value) * time.Minute, nil
	case "h", "H":
		return time.Duration(value) * time.Hour, nil
	case "d", "D":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		val, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s", s)
		}
		return time.Duration(val) * time.Second, nil
	}
}

// parseBool parses a boolean from common torrc-ish spellings.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
