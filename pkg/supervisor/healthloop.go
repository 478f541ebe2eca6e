package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shadowmesh/relaypool/pkg/logger"
)

// AlertFunc is invoked when the unhealthy fraction crosses
// AlertNodeDownThreshold; it fires once per crossing, not on every tick
// while the pool remains above threshold (spec.md §4.F).
type AlertFunc func(unhealthy, total int, fraction float64)

// HealthLoop periodically calls CheckHealth on every registered instance
// and updates the nodes_up gauge, grounded on _health_check_loop in the
// original pool service: sleep, check every instance, recompute the
// healthy count, never let one bad check kill the loop.
type HealthLoop struct {
	sup     *Supervisor
	logger  *logger.Logger
	metrics Metrics
	alert   AlertFunc

	interval  time.Duration
	threshold float64

	alerting bool // debounce: true while already above threshold
}

// NewHealthLoop constructs a loop that checks every instance in sup every
// interval and fires alert when the unhealthy fraction crosses threshold.
func NewHealthLoop(sup *Supervisor, interval time.Duration, threshold float64, metrics Metrics, log *logger.Logger, alert AlertFunc) *HealthLoop {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &HealthLoop{
		sup:       sup,
		logger:    log.Component("health_loop"),
		metrics:   metrics,
		alert:     alert,
		interval:  interval,
		threshold: threshold,
	}
}

// Run blocks, ticking every interval until ctx is cancelled. A panic or
// error in one tick is absorbed and logged; the loop itself never exits
// early except on cancellation.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *HealthLoop) tick() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("health loop tick panicked", "recovered", r)
		}
	}()

	var wg sync.WaitGroup
	h.sup.ForEachInstance(func(inst *RelayInstance) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("health check panicked", "node_id", inst.slot.NodeID, "recovered", r)
				}
			}()
			if err := inst.CheckHealth(); err != nil {
				h.logger.Warn("health check failed", "node_id", inst.slot.NodeID, "error", err)
			}
			snap := inst.Snapshot()
			h.metrics.ObserveLatency(snap.NodeID, snap.LatencyMs)
		}()
	})
	wg.Wait()

	healthy, total := h.sup.HealthyCount()
	h.metrics.SetNodesUp(healthy)

	if total == 0 {
		return
	}
	unhealthy := total - healthy
	fraction := float64(unhealthy) / float64(total)

	if fraction >= h.threshold {
		if !h.alerting {
			h.alerting = true
			if h.alert != nil {
				h.alert(unhealthy, total, fraction)
			}
			h.logger.Warn("unhealthy node threshold crossed", "unhealthy", unhealthy, "total", total, "fraction", fraction)
		}
	} else {
		h.alerting = false
	}
}
