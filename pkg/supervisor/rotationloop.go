package supervisor

import (
	"context"
	"time"

	"github.com/shadowmesh/relaypool/pkg/logger"
)

// RotationLoop periodically calls RotateAll on the supervisor, grounded on
// _rotation_loop in the original pool service: sleep, rotate everything,
// absorb errors, never exit except on cancellation. Only started when
// AutoRotateEnabled is set (spec.md §4.G).
type RotationLoop struct {
	sup      *Supervisor
	logger   *logger.Logger
	interval time.Duration
}

// NewRotationLoop constructs a loop that rotates every instance in sup
// every interval.
func NewRotationLoop(sup *Supervisor, interval time.Duration, log *logger.Logger) *RotationLoop {
	return &RotationLoop{
		sup:      sup,
		logger:   log.Component("rotation_loop"),
		interval: interval,
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (r *RotationLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("rotation loop stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *RotationLoop) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rotation loop tick panicked", "recovered", rec)
		}
	}()

	results := r.sup.RotateAll(ctx)
	failed := 0
	for nodeID, err := range results {
		if err != nil {
			failed++
			r.logger.Warn("scheduled rotation failed", "node_id", nodeID, "error", err)
		}
	}
	r.logger.Info("scheduled rotation complete", "nodes", len(results), "failed", failed)
}
