package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shadowmesh/relaypool/pkg/autoconfig"
	"github.com/shadowmesh/relaypool/pkg/config"
	"github.com/shadowmesh/relaypool/pkg/control"
	"github.com/shadowmesh/relaypool/pkg/logger"
	"github.com/shadowmesh/relaypool/pkg/poolerrors"
)

// Status is the relay instance lifecycle state, exactly the four states
// spec.md §3/§4.D names.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// RelayBinary names the child executable invoked per spec.md §6's
// invocation line.
var RelayBinary = "relay"

const shutdownGrace = 10 * time.Second
const postRotateSettle = 2 * time.Second

// healthCheckRetryPolicy absorbs a single transient control-connection
// hiccup before a check counts as failed; HealthCheckTimeout already
// bounds each individual attempt, so retries stay few and short.
var healthCheckRetryPolicy = &poolerrors.RetryPolicy{
	MaxAttempts:  1,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// childProcess abstracts the spawned relay child so tests can substitute a
// fake without launching a real binary.
type childProcess interface {
	Wait() error
	Signal(sig syscall.Signal) error
	Kill() error
	Pid() int
}

type execChild struct{ cmd *exec.Cmd }

func (c *execChild) Wait() error                   { return c.cmd.Wait() }
func (c *execChild) Signal(sig syscall.Signal) error { return c.cmd.Process.Signal(sig) }
func (c *execChild) Kill() error                    { return c.cmd.Process.Kill() }
func (c *execChild) Pid() int                       { return c.cmd.Process.Pid }

// controlSession is the subset of *control.Client a RelayInstance needs,
// so tests can substitute a stub.
type controlSession interface {
	BootstrapPhase() (string, error)
	CircuitStatus() ([]string, error)
	SignalNewnym() error
}

// newControlClient is overridable in tests.
var newControlClient = func(nodeID string, controlAddr string, dataDir string, deadline time.Duration) controlSession {
	return control.NewClient(nodeID, controlAddr, dataDir, deadline)
}

// spawnFn launches the relay child; overridable in tests.
var spawnFn = func(nodeID, torrcPath, dataDir string, socksPort, ctrlPort int) (childProcess, error) {
	cmd := exec.Command(RelayBinary,
		"-f", torrcPath,
		"--DataDirectory", dataDir,
		"--SocksPort", strconv.Itoa(socksPort),
		"--ControlPort", strconv.Itoa(ctrlPort),
	)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execChild{cmd: cmd}, nil
}

// Snapshot is a read-only copy of a RelayInstance's attributes, returned by
// status()/status_all(); it never retains references into supervisor-owned
// state (spec.md §4.E).
type Snapshot struct {
	NodeID        string
	SocksPort     int
	ControlPort   int
	DataDir       string
	Status        Status
	IsHealthy     bool
	ExitIP        string
	ExitCountry   string
	LatencyMs     float64
	FailedChecks  int
	RotationCount int
	RestartCount  int
	LastRotation  time.Time
	LastCheck     time.Time
	StartedAt     time.Time
}

// RelayInstance owns one child process and its control client, per
// spec.md §4.D. All state mutation happens under mu; sessionMu ensures at
// most one control-protocol session is in flight against this instance's
// control port at a time, per spec.md §3/§5.
type RelayInstance struct {
	slot   Slot
	pool   *config.PoolConfig
	logger *logger.Logger

	mu            sync.Mutex
	sessionMu     sync.Mutex // serializes control-protocol sessions against this instance's control port
	child         childProcess
	status        Status
	isHealthy     bool
	exitIP        string
	exitCountry   string
	latencyMs     float64
	failedChecks  int
	rotationCount int
	restartCount  int
	lastRotation  time.Time
	lastCheck     time.Time
	startedAt     time.Time
}

// NewRelayInstance constructs a stopped instance for the given slot.
func NewRelayInstance(slot Slot, pool *config.PoolConfig, log *logger.Logger) *RelayInstance {
	return &RelayInstance{
		slot:   slot,
		pool:   pool,
		logger: log.Node(slot.NodeID),
		status: StatusStopped,
	}
}

func (r *RelayInstance) controlAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", r.slot.ControlPort)
}

// Start ensures the data directory exists, emits the relay config, spawns
// the child, and polls bootstrap progress until ready or Tb elapses.
func (r *RelayInstance) Start(ctx context.Context) error {
	r.mu.Lock()
	r.status = StatusStarting
	r.mu.Unlock()

	if err := autoconfig.CleanupStaleFiles(r.slot.DataDir); err != nil {
		r.logger.Warn("failed to clean stale files", "error", err)
	}

	torrcPath, err := config.EmitRelayConfig(config.RelaySlot{
		NodeID:      r.slot.NodeID,
		SocksPort:   r.slot.SocksPort,
		ControlPort: r.slot.ControlPort,
		DataDir:     r.slot.DataDir,
	}, r.pool)
	if err != nil {
		r.setError()
		return poolerrors.Wrap(poolerrors.ConfigInvalid, r.slot.NodeID, "emit relay config failed", err)
	}

	child, err := spawnFn(r.slot.NodeID, torrcPath, r.slot.DataDir, r.slot.SocksPort, r.slot.ControlPort)
	if err != nil {
		r.setError()
		return poolerrors.Wrap(poolerrors.SpawnFailed, r.slot.NodeID, "spawn failed", err)
	}

	r.mu.Lock()
	r.child = child
	r.mu.Unlock()

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	if err := r.waitForBootstrap(ctx, exited); err != nil {
		return err
	}

	r.mu.Lock()
	r.status = StatusRunning
	r.isHealthy = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("relay instance started", "socks_port", r.slot.SocksPort, "control_port", r.slot.ControlPort)
	return nil
}

func (r *RelayInstance) waitForBootstrap(ctx context.Context, exited <-chan error) error {
	deadline := time.Now().Add(r.pool.BootstrapTimeout)
	client := newControlClient(r.slot.NodeID, r.controlAddr(), r.slot.DataDir, r.pool.HealthCheckTimeout)

	for {
		select {
		case err := <-exited:
			r.setError()
			return poolerrors.Wrap(poolerrors.SpawnFailed, r.slot.NodeID, "child exited before bootstrap", err)
		case <-ctx.Done():
			r.setError()
			return poolerrors.New(poolerrors.Cancelled, r.slot.NodeID, "bootstrap cancelled")
		default:
		}

		if !time.Now().Before(deadline) {
			r.killChild()
			r.setError()
			return poolerrors.New(poolerrors.BootstrapTimeout, r.slot.NodeID, "bootstrap did not complete in time")
		}

		r.sessionMu.Lock()
		phase, err := client.BootstrapPhase()
		r.sessionMu.Unlock()
		if err == nil && strings.Contains(phase, "PROGRESS=100") {
			return nil
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			r.setError()
			return poolerrors.New(poolerrors.Cancelled, r.slot.NodeID, "bootstrap cancelled")
		}
	}
}

func (r *RelayInstance) setError() {
	r.mu.Lock()
	r.status = StatusError
	r.isHealthy = false
	r.mu.Unlock()
}

func (r *RelayInstance) killChild() {
	r.mu.Lock()
	child := r.child
	r.mu.Unlock()
	if child != nil {
		child.Kill()
	}
}

// Stop sends a graceful termination signal, waits up to shutdownGrace, and
// force-kills if the child is still alive. Always awaits reaping.
func (r *RelayInstance) Stop() error {
	r.mu.Lock()
	child := r.child
	wasRunning := r.status == StatusRunning
	r.mu.Unlock()

	if child == nil {
		r.mu.Lock()
		r.status = StatusStopped
		r.mu.Unlock()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	_ = child.Signal(syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		_ = child.Kill()
		<-done
	}

	r.mu.Lock()
	r.status = StatusStopped
	if wasRunning {
		r.isHealthy = false
	}
	r.child = nil
	r.mu.Unlock()

	r.logger.Info("relay instance stopped")
	return nil
}

// Rotate issues SIGNAL NEWNYM, increments rotation_count, and best-effort
// schedules an exit-info refresh. A resolver failure never marks the
// instance unhealthy (spec.md §4.D).
func (r *RelayInstance) Rotate(resolve func(*RelayInstance)) error {
	client := newControlClient(r.slot.NodeID, r.controlAddr(), r.slot.DataDir, r.pool.HealthCheckTimeout)
	r.sessionMu.Lock()
	err := client.SignalNewnym()
	r.sessionMu.Unlock()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.rotationCount++
	r.lastRotation = time.Now()
	r.mu.Unlock()

	if resolve != nil {
		go func() {
			time.Sleep(postRotateSettle)
			resolve(r)
		}()
	}
	return nil
}

// Restart stops and restarts the child process, incrementing
// restart_count. Called by the supervisor when a rotate attempt fails to
// reach the control port at all: NEWNYM cannot recover a relay whose
// control port is unreachable, so the child itself needs to come back up.
// restart_count is written only from this rotate-failure recovery path
// (reached from RotateNode, and from RotateAll whether called by an
// operator or by the rotation loop), never from the health loop.
func (r *RelayInstance) Restart(ctx context.Context) error {
	_ = r.Stop()

	r.mu.Lock()
	r.restartCount++
	r.mu.Unlock()

	return r.Start(ctx)
}

// CheckHealth issues GETINFO circuit-status. Success resets failed_checks
// and marks healthy; failure increments failed_checks and marks unhealthy
// once the threshold is reached.
func (r *RelayInstance) CheckHealth() error {
	client := newControlClient(r.slot.NodeID, r.controlAddr(), r.slot.DataDir, r.pool.HealthCheckTimeout)

	start := time.Now()
	err := poolerrors.RetryWithPolicy(context.Background(), healthCheckRetryPolicy, func() error {
		r.sessionMu.Lock()
		_, err := client.CircuitStatus()
		r.sessionMu.Unlock()
		return err
	})
	elapsed := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastCheck = time.Now()
	if err != nil {
		r.failedChecks++
		if r.failedChecks >= r.pool.MaxFailedChecks {
			r.isHealthy = false
		}
		return err
	}

	r.failedChecks = 0
	r.isHealthy = true
	r.latencyMs = float64(elapsed.Microseconds()) / 1000.0
	return nil
}

// SetExitInfo records the resolved exit IP/country after a successful
// Exit Info Resolver round trip (component H).
func (r *RelayInstance) SetExitInfo(ip, country string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitIP = ip
	r.exitCountry = country
}

// Snapshot returns a read-only copy of the instance's current attributes.
func (r *RelayInstance) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		NodeID:        r.slot.NodeID,
		SocksPort:     r.slot.SocksPort,
		ControlPort:   r.slot.ControlPort,
		DataDir:       r.slot.DataDir,
		Status:        r.status,
		IsHealthy:     r.isHealthy,
		ExitIP:        r.exitIP,
		ExitCountry:   r.exitCountry,
		LatencyMs:     r.latencyMs,
		FailedChecks:  r.failedChecks,
		RotationCount: r.rotationCount,
		RestartCount:  r.restartCount,
		LastRotation:  r.lastRotation,
		LastCheck:     r.lastCheck,
		StartedAt:     r.startedAt,
	}
}

// IsHealthy reports the instance's current health flag without copying
// the full snapshot, used by the Health Loop's aggregate count.
func (r *RelayInstance) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isHealthy
}
