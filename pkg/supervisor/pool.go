package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/shadowmesh/relaypool/pkg/config"
	"github.com/shadowmesh/relaypool/pkg/logger"
	"github.com/shadowmesh/relaypool/pkg/poolerrors"
)

// maxParallelStarts bounds how many instances are started/stopped/rotated
// concurrently during a single fan-out, so a large pool size doesn't spike
// file descriptors or CPU on the host all at once.
const maxParallelStarts = 8

// Metrics is the subset of the metrics registry the supervisor reports
// into; a no-op implementation is used where metrics are disabled.
type Metrics interface {
	SetNodesTotal(n int)
	SetNodesUp(n int)
	ObserveLatency(nodeID string, ms float64)
	IncNewnym(nodeID string)
	IncRestart(nodeID string)
}

type noopMetrics struct{}

func (noopMetrics) SetNodesTotal(int)              {}
func (noopMetrics) SetNodesUp(int)                 {}
func (noopMetrics) ObserveLatency(string, float64) {}
func (noopMetrics) IncNewnym(string)               {}
func (noopMetrics) IncRestart(string)              {}

// ExitInfoResolver resolves an instance's current exit IP/country over its
// own SOCKS port; nil disables exit-info resolution entirely.
type ExitInfoResolver interface {
	Resolve(ctx context.Context, inst *RelayInstance)
}

// Supervisor owns the fleet of RelayInstance values, grounded on the
// TorPoolService lifecycle: initialize, scale, rotate_all, rotate_node,
// status, status_all, shutdown (spec.md §4.E).
type Supervisor struct {
	pool    *config.PoolConfig
	logger  *logger.Logger
	metrics Metrics
	resolve ExitInfoResolver

	mapMu     sync.Mutex
	instances map[string]*RelayInstance
	nextIndex int

	scaling int32 // atomic guard: only one scale() call may run at a time
}

// NewSupervisor constructs an idle supervisor with no instances. Call
// Initialize to bring the pool up.
func NewSupervisor(pool *config.PoolConfig, log *logger.Logger, metrics Metrics, resolve ExitInfoResolver) *Supervisor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Supervisor{
		pool:      pool,
		logger:    log.Component("supervisor"),
		metrics:   metrics,
		resolve:   resolve,
		instances: make(map[string]*RelayInstance),
	}
}

// Initialize allocates pool.PoolSize slots and starts each instance with
// bounded parallelism. Individual start failures are logged and left in
// StatusError rather than aborting the whole pool, matching the original's
// return_exceptions=True fan-out semantics; Initialize itself only fails
// on a structural problem (bad port ranges).
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := ValidatePortRanges(s.pool.BaseSocksPort, s.pool.BaseCtrlPort, s.pool.PoolSize); err != nil {
		return poolerrors.Wrap(poolerrors.ConfigInvalid, "", "invalid port ranges", err)
	}

	s.metrics.SetNodesTotal(s.pool.PoolSize)

	slots := make([]Slot, s.pool.PoolSize)
	for i := 0; i < s.pool.PoolSize; i++ {
		slots[i] = Allocate(s.pool.BaseSocksPort, s.pool.BaseCtrlPort, s.pool.DataDir, i)
	}

	s.mapMu.Lock()
	s.nextIndex = s.pool.PoolSize
	s.mapMu.Unlock()

	started := s.startSlots(ctx, slots)
	s.logger.Info("pool initialized", "requested", len(slots), "started", started)
	return nil
}

// startSlots creates and starts a RelayInstance per slot with bounded
// parallelism, registers each in the map regardless of start outcome (a
// failed instance stays visible in status_all as StatusError), and
// returns the count that reached StatusRunning.
func (s *Supervisor) startSlots(ctx context.Context, slots []Slot) int {
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallelStarts)
	var started int32

	for _, slot := range slots {
		inst := NewRelayInstance(slot, s.pool, s.logger)

		s.mapMu.Lock()
		s.instances[slot.NodeID] = inst
		s.mapMu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(inst *RelayInstance) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := inst.Start(ctx); err != nil {
				s.logger.Warn("instance failed to start", "node_id", inst.slot.NodeID, "error", err)
				return
			}
			atomic.AddInt32(&started, 1)
		}(inst)
	}

	wg.Wait()
	healthy, _ := s.HealthyCount()
	s.metrics.SetNodesUp(healthy)
	return int(started)
}

// Scale grows or shrinks the pool to newSize. Only one scale operation may
// run at a time; a concurrent call is rejected with ScaleInProgress.
// Scale-down removes the highest-indexed slots first, unregistering each
// from the map before stopping its child (spec.md §5: a removed node must
// not be visible to new status() calls while its shutdown is still in
// flight).
func (s *Supervisor) Scale(ctx context.Context, newSize int) error {
	if newSize < 1 || newSize > 100 {
		return poolerrors.New(poolerrors.ConfigInvalid, "", fmt.Sprintf("invalid pool size %d", newSize))
	}
	if !atomic.CompareAndSwapInt32(&s.scaling, 0, 1) {
		return poolerrors.New(poolerrors.ScaleInProgress, "", "a scale operation is already in progress")
	}
	defer atomic.StoreInt32(&s.scaling, 0)

	if err := ValidatePortRanges(s.pool.BaseSocksPort, s.pool.BaseCtrlPort, newSize); err != nil {
		return poolerrors.Wrap(poolerrors.ConfigInvalid, "", "invalid port ranges for new size", err)
	}

	s.mapMu.Lock()
	currentSize := len(s.instances)
	s.mapMu.Unlock()

	if newSize > currentSize {
		return s.scaleUp(ctx, currentSize, newSize)
	}
	if newSize < currentSize {
		return s.scaleDown(ctx, newSize, currentSize)
	}
	return nil
}

func (s *Supervisor) scaleUp(ctx context.Context, from, to int) error {
	slots := make([]Slot, 0, to-from)
	for i := from; i < to; i++ {
		slots = append(slots, Allocate(s.pool.BaseSocksPort, s.pool.BaseCtrlPort, s.pool.DataDir, i))
	}

	s.mapMu.Lock()
	s.nextIndex = to
	s.mapMu.Unlock()

	started := s.startSlots(ctx, slots)
	s.metrics.SetNodesTotal(to)
	s.logger.Info("pool scaled up", "from", from, "to", to, "started", started)
	return nil
}

func (s *Supervisor) scaleDown(ctx context.Context, to, from int) error {
	s.mapMu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids) // node ids are zero-padded, so lexical order == index order
	doomed := ids[to:]

	removed := make([]*RelayInstance, 0, len(doomed))
	for _, id := range doomed {
		removed = append(removed, s.instances[id])
		delete(s.instances, id)
	}
	s.nextIndex = to
	s.mapMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelStarts)
	for _, inst := range removed {
		inst := inst
		g.Go(func() error {
			_ = gctx
			if err := inst.Stop(); err != nil {
				s.logger.Warn("instance failed to stop cleanly", "node_id", inst.slot.NodeID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mapMu.Lock()
	remaining := len(s.instances)
	s.mapMu.Unlock()
	s.metrics.SetNodesTotal(remaining)
	s.logger.Info("pool scaled down", "from", from, "to", to)
	return nil
}

// RotateAll issues SIGNAL NEWNYM to every registered instance, collecting
// per-node failures without aborting the rest, mirroring the original's
// gather(..., return_exceptions=True).
func (s *Supervisor) RotateAll(ctx context.Context) map[string]error {
	insts := s.snapshotInstances()
	results := make(map[string]error, len(insts))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelStarts)
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			err := inst.Rotate(s.onRotated)
			mu.Lock()
			results[inst.slot.NodeID] = err
			mu.Unlock()
			if err == nil {
				s.metrics.IncNewnym(inst.slot.NodeID)
			} else if poolerrors.IsCategory(err, poolerrors.ControlUnavailable) {
				s.recoverFromFailedRotate(ctx, inst)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RotateNode issues SIGNAL NEWNYM to a single instance by node id.
func (s *Supervisor) RotateNode(ctx context.Context, nodeID string) error {
	inst, err := s.lookup(nodeID)
	if err != nil {
		return err
	}
	if err := inst.Rotate(s.onRotated); err != nil {
		if poolerrors.IsCategory(err, poolerrors.ControlUnavailable) {
			s.recoverFromFailedRotate(ctx, inst)
		}
		return err
	}
	s.metrics.IncNewnym(nodeID)
	return nil
}

// recoverFromFailedRotate restarts an instance whose rotate attempt could
// not reach its control port, giving restart_count its one writer (spec.md
// §9): a NEWNYM that fails with ControlUnavailable means the child itself
// is unresponsive, not just between circuits. Callers invoke it only for
// that category; rejected or malformed replies do not trigger a restart.
func (s *Supervisor) recoverFromFailedRotate(ctx context.Context, inst *RelayInstance) {
	if err := inst.Restart(ctx); err != nil {
		s.logger.Warn("restart after failed rotation did not recover instance", "node_id", inst.slot.NodeID, "error", err)
		return
	}
	s.metrics.IncRestart(inst.slot.NodeID)
	s.logger.Info("instance restarted after failed rotation", "node_id", inst.slot.NodeID)
}

func (s *Supervisor) onRotated(inst *RelayInstance) {
	if s.resolve != nil {
		s.resolve.Resolve(context.Background(), inst)
	}
}

// Status returns a snapshot of one instance's state.
func (s *Supervisor) Status(nodeID string) (Snapshot, error) {
	inst, err := s.lookup(nodeID)
	if err != nil {
		return Snapshot{}, err
	}
	return inst.Snapshot(), nil
}

// StatusAll returns a snapshot of every registered instance, ordered by
// node id.
func (s *Supervisor) StatusAll() []Snapshot {
	insts := s.snapshotInstances()
	out := make([]Snapshot, len(insts))
	for i, inst := range insts {
		out[i] = inst.Snapshot()
	}
	return out
}

// Shutdown stops every registered instance with bounded parallelism and
// empties the map. It is safe to call Shutdown even if Initialize never
// fully completed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mapMu.Lock()
	insts := make([]*RelayInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.instances = make(map[string]*RelayInstance)
	s.mapMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelStarts)
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			if err := inst.Stop(); err != nil {
				s.logger.Warn("instance failed to stop during shutdown", "node_id", inst.slot.NodeID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SetNodesTotal(0)
	s.metrics.SetNodesUp(0)
	s.logger.Info("pool shut down", "stopped", len(insts))
	return nil
}

func (s *Supervisor) lookup(nodeID string) (*RelayInstance, error) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	inst, ok := s.instances[nodeID]
	if !ok {
		return nil, poolerrors.New(poolerrors.NotFound, nodeID, "unknown node id")
	}
	return inst, nil
}

func (s *Supervisor) snapshotInstances() []*RelayInstance {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	insts := make([]*RelayInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].slot.NodeID < insts[j].slot.NodeID })
	return insts
}

// HealthyCount returns the number of currently healthy instances, used by
// the health loop's aggregate gauge and alert threshold.
func (s *Supervisor) HealthyCount() (healthy, total int) {
	insts := s.snapshotInstances()
	for _, inst := range insts {
		if inst.IsHealthy() {
			healthy++
		}
	}
	return healthy, len(insts)
}

// ForEachInstance runs fn once per currently registered instance, in node
// id order, over a snapshot of the map; used by the health loop. No
// supervisor lock is held while fn runs.
func (s *Supervisor) ForEachInstance(fn func(*RelayInstance)) {
	for _, inst := range s.snapshotInstances() {
		fn(inst)
	}
}
