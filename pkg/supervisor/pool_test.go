package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shadowmesh/relaypool/pkg/config"
	"github.com/shadowmesh/relaypool/pkg/logger"
	"github.com/shadowmesh/relaypool/pkg/poolerrors"
)

// autoExitChild is a childProcess that exits immediately once signalled,
// so Stop (and therefore Restart) returns quickly in tests instead of
// waiting out shutdownGrace.
type autoExitChild struct {
	once sync.Once
	done chan struct{}
}

func newAutoExitChild() *autoExitChild { return &autoExitChild{done: make(chan struct{})} }

func (c *autoExitChild) exit()                           { c.once.Do(func() { close(c.done) }) }
func (c *autoExitChild) Wait() error                     { <-c.done; return nil }
func (c *autoExitChild) Signal(sig syscall.Signal) error { c.exit(); return nil }
func (c *autoExitChild) Kill() error                     { c.exit(); return nil }
func (c *autoExitChild) Pid() int                        { return 4321 }

type countingMetrics struct {
	mu            sync.Mutex
	nodesTotal    int
	nodesUp       int
	newnymCalls   map[string]int
	restartCalls  map[string]int
	latencyCalls  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		newnymCalls:  map[string]int{},
		restartCalls: map[string]int{},
		latencyCalls: map[string]int{},
	}
}
func (m *countingMetrics) SetNodesTotal(n int) { m.mu.Lock(); m.nodesTotal = n; m.mu.Unlock() }
func (m *countingMetrics) SetNodesUp(n int)    { m.mu.Lock(); m.nodesUp = n; m.mu.Unlock() }
func (m *countingMetrics) ObserveLatency(nodeID string, ms float64) {
	m.mu.Lock()
	m.latencyCalls[nodeID]++
	m.mu.Unlock()
}
func (m *countingMetrics) IncNewnym(nodeID string) {
	m.mu.Lock()
	m.newnymCalls[nodeID]++
	m.mu.Unlock()
}
func (m *countingMetrics) IncRestart(nodeID string) {
	m.mu.Lock()
	m.restartCalls[nodeID]++
	m.mu.Unlock()
}

func alwaysBootstrapped() (*fakeChild, *fakeControl) {
	return newFakeChild(), &fakeControl{bootstrapPhase: "PROGRESS=100"}
}

func testSupervisorPool(t *testing.T, size int) *config.PoolConfig {
	t.Helper()
	cfg := testPool()
	cfg.PoolSize = size
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestSupervisorInitializeStartsAllInstances(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 3)
	metrics := newCountingMetrics()
	sup := NewSupervisor(pool, logger.NewDefault(), metrics, nil)

	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	statuses := sup.StatusAll()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(statuses))
	}
	for _, snap := range statuses {
		if snap.Status != StatusRunning {
			t.Errorf("node %s status = %q, want running", snap.NodeID, snap.Status)
		}
	}
	if metrics.nodesTotal != 3 || metrics.nodesUp != 3 {
		t.Errorf("metrics = (total %d, up %d), want (3, 3)", metrics.nodesTotal, metrics.nodesUp)
	}
}

func TestSupervisorScaleUpAddsInstances(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 2)
	sup := NewSupervisor(pool, logger.NewDefault(), nil, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := sup.Scale(context.Background(), 4); err != nil {
		t.Fatalf("Scale up failed: %v", err)
	}
	if len(sup.StatusAll()) != 4 {
		t.Errorf("expected 4 instances after scale up, got %d", len(sup.StatusAll()))
	}
}

func TestSupervisorScaleDownRemovesHighestIndices(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 4)
	sup := NewSupervisor(pool, logger.NewDefault(), nil, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := sup.Scale(context.Background(), 2); err != nil {
		t.Fatalf("Scale down failed: %v", err)
	}
	statuses := sup.StatusAll()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 instances after scale down, got %d", len(statuses))
	}
	for _, snap := range statuses {
		if snap.NodeID != "relay-0000" && snap.NodeID != "relay-0001" {
			t.Errorf("unexpected surviving node id %s, want lowest indices kept", snap.NodeID)
		}
	}
}

func TestSupervisorScaleRejectsConcurrentCalls(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 1)
	sup := NewSupervisor(pool, logger.NewDefault(), nil, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	sup.scaling = 1 // simulate an in-flight scale
	err := sup.Scale(context.Background(), 2)
	if err == nil {
		t.Fatal("expected concurrent scale to be rejected")
	}
	if !poolerrors.IsCategory(err, poolerrors.ScaleInProgress) {
		t.Errorf("expected ScaleInProgress, got %v", err)
	}
}

func TestSupervisorRotateNodeNotFound(t *testing.T) {
	sup := NewSupervisor(testSupervisorPool(t, 0), logger.NewDefault(), nil, nil)
	err := sup.RotateNode(context.Background(), "relay-9999")
	if !poolerrors.IsCategory(err, poolerrors.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSupervisorRotateAllCollectsPerNodeResults(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 3)
	metrics := newCountingMetrics()
	sup := NewSupervisor(pool, logger.NewDefault(), metrics, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	results := sup.RotateAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for id, err := range results {
		if err != nil {
			t.Errorf("node %s rotate failed: %v", id, err)
		}
	}
}

func TestSupervisorRotateNodeRestartsOnControlFailure(t *testing.T) {
	ctl := &fakeControl{bootstrapPhase: "PROGRESS=100"}

	origSpawn := spawnFn
	origControl := newControlClient
	spawnFn = func(nodeID, torrcPath, dataDir string, socksPort, ctrlPort int) (childProcess, error) {
		return newAutoExitChild(), nil
	}
	newControlClient = func(nodeID, controlAddr, dataDir string, deadline time.Duration) controlSession {
		return ctl
	}
	t.Cleanup(func() {
		spawnFn = origSpawn
		newControlClient = origControl
	})

	pool := testSupervisorPool(t, 1)
	metrics := newCountingMetrics()
	sup := NewSupervisor(pool, logger.NewDefault(), metrics, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ctl.newnymErr = poolerrors.New(poolerrors.ControlUnavailable, "relay-0000", "refused")

	if err := sup.RotateNode(context.Background(), "relay-0000"); err == nil {
		t.Fatal("expected RotateNode to surface the failed rotate")
	}

	if metrics.restartCalls["relay-0000"] != 1 {
		t.Errorf("restartCalls[relay-0000] = %d, want 1", metrics.restartCalls["relay-0000"])
	}
	snap, err := sup.Status("relay-0000")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != StatusRunning {
		t.Errorf("status = %q, want running after restart recovery", snap.Status)
	}
	if snap.RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1", snap.RestartCount)
	}
}

func TestSupervisorShutdownStopsEverythingAndClearsMap(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 2)
	sup := NewSupervisor(pool, logger.NewDefault(), nil, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(sup.StatusAll()) != 0 {
		t.Errorf("expected empty instance map after shutdown, got %d", len(sup.StatusAll()))
	}
}

func TestSupervisorHealthyCount(t *testing.T) {
	child, ctl := alwaysBootstrapped()
	withFakes(t, child, ctl)

	pool := testSupervisorPool(t, 3)
	sup := NewSupervisor(pool, logger.NewDefault(), nil, nil)
	if err := sup.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	healthy, total := sup.HealthyCount()
	if total != 3 || healthy != 3 {
		t.Errorf("HealthyCount = (%d, %d), want (3, 3)", healthy, total)
	}
}
