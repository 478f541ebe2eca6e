package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReloadableFields lists the PoolConfig fields that are safe to change
// without restarting running instances: health interval, rotation
// interval, max failed checks, and alert threshold. Desired pool size,
// base ports, and the data-directory root are deliberately absent —
// changing those requires an explicit scale() call or a process restart.
var ReloadableFields = map[string]bool{
	"HealthCheckInterval":    true,
	"AutoRotateInterval":     true,
	"MaxFailedChecks":        true,
	"AlertNodeDownThreshold": true,
}

// ReloadCallback is invoked after a reload has been applied, so callers
// (e.g. the Health/Rotation loops) can notice period changes without
// polling the config themselves.
type ReloadCallback func(oldConfig, newConfig *PoolConfig)

// ReloadableConfig wraps a PoolConfig with an fsnotify watch on its backing
// file, applying only ReloadableFields on each write event.
type ReloadableConfig struct {
	mu         sync.RWMutex
	config     *PoolConfig
	configPath string
	callbacks  []ReloadCallback
	logger     *slog.Logger
	watcher    *fsnotify.Watcher
}

// NewReloadableConfig wraps cfg. configPath may be empty, in which case
// Watch is a no-op.
func NewReloadableConfig(cfg *PoolConfig, configPath string, logger *slog.Logger) *ReloadableConfig {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReloadableConfig{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// Get returns a thread-safe deep copy (see PoolConfig.Clone) of the current
// configuration.
func (rc *ReloadableConfig) Get() *PoolConfig {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.config.Clone()
}

// OnReload registers a callback fired after each successful reload.
func (rc *ReloadableConfig) OnReload(cb ReloadCallback) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.callbacks = append(rc.callbacks, cb)
}

// Watch starts an fsnotify watch on the config file and blocks until ctx
// is cancelled or the watcher fails to start. It is meant to be run in its
// own goroutine.
func (rc *ReloadableConfig) Watch(ctx context.Context) error {
	if rc.configPath == "" {
		rc.logger.Warn("configuration hot reload disabled: no config file specified")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(rc.configPath); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}

	rc.mu.Lock()
	rc.watcher = watcher
	rc.mu.Unlock()

	rc.logger.Info("watching configuration file for changes", "path", rc.configPath)

	for {
		select {
		case <-ctx.Done():
			rc.logger.Info("configuration watcher stopped: context cancelled")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := rc.reload(); err != nil {
				rc.logger.Error("failed to reload configuration", "error", err, "path", rc.configPath)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rc.logger.Error("fsnotify watcher error", "error", err)
		}
	}
}

// Reload explicitly re-reads the config file and applies the reloadable
// field subset, independent of the fsnotify watch.
func (rc *ReloadableConfig) Reload() error {
	return rc.reload()
}

func (rc *ReloadableConfig) reload() error {
	if rc.configPath == "" {
		return fmt.Errorf("no configuration file specified")
	}

	rc.mu.RLock()
	base := rc.config.Clone()
	rc.mu.RUnlock()

	incoming := base.Clone()
	if err := LoadFromFile(rc.configPath, incoming); err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	merged := mergeReloadableFields(base, incoming)

	rc.mu.Lock()
	old := rc.config
	rc.config = merged
	callbacks := append([]ReloadCallback{}, rc.callbacks...)
	rc.mu.Unlock()

	logReloadedFields(rc.logger, old, merged)

	for _, cb := range callbacks {
		cb(old, merged)
	}
	return nil
}

func mergeReloadableFields(oldConfig, newConfig *PoolConfig) *PoolConfig {
	merged := oldConfig.Clone()

	if ReloadableFields["HealthCheckInterval"] {
		merged.HealthCheckInterval = newConfig.HealthCheckInterval
	}
	if ReloadableFields["AutoRotateInterval"] {
		merged.AutoRotateInterval = newConfig.AutoRotateInterval
	}
	if ReloadableFields["MaxFailedChecks"] {
		merged.MaxFailedChecks = newConfig.MaxFailedChecks
	}
	if ReloadableFields["AlertNodeDownThreshold"] {
		merged.AlertNodeDownThreshold = newConfig.AlertNodeDownThreshold
	}

	return merged
}

func logReloadedFields(logger *slog.Logger, oldConfig, newConfig *PoolConfig) {
	var changes []string

	if oldConfig.HealthCheckInterval != newConfig.HealthCheckInterval {
		changes = append(changes, fmt.Sprintf("HealthCheckInterval: %v -> %v", oldConfig.HealthCheckInterval, newConfig.HealthCheckInterval))
	}
	if oldConfig.AutoRotateInterval != newConfig.AutoRotateInterval {
		changes = append(changes, fmt.Sprintf("AutoRotateInterval: %v -> %v", oldConfig.AutoRotateInterval, newConfig.AutoRotateInterval))
	}
	if oldConfig.MaxFailedChecks != newConfig.MaxFailedChecks {
		changes = append(changes, fmt.Sprintf("MaxFailedChecks: %d -> %d", oldConfig.MaxFailedChecks, newConfig.MaxFailedChecks))
	}
	if oldConfig.AlertNodeDownThreshold != newConfig.AlertNodeDownThreshold {
		changes = append(changes, fmt.Sprintf("AlertNodeDownThreshold: %v -> %v", oldConfig.AlertNodeDownThreshold, newConfig.AlertNodeDownThreshold))
	}

	if len(changes) > 0 {
		logger.Info("configuration fields updated", "changes", changes, "count", len(changes))
	}
}
