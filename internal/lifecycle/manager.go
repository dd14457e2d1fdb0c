// Package lifecycle translates desired instance state into container
// runtime actions: launch, stop, restart, destroy, status, and log tail.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/provision"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store/sqlite"
)

// Options tunes launch readiness and health probing.
type Options struct {
	DataRoot            string
	StartupGracePeriod  time.Duration
	DefaultStopGrace    time.Duration
	HealthProbeInterval time.Duration
	HealthProbeGrace    time.Duration
	HealthProbeRetries  int
}

// Manager drives the container runtime on behalf of instance records. It is
// the only component allowed to mutate instance status.
type Manager struct {
	store *sqlite.Store
	rt    runtime.ContainerRuntime
	ports *provision.PortAllocator
	opts  Options
	locks *instanceLocks
	log   *slog.Logger
}

// New builds a Manager. The port allocator is notified when terminal
// transitions release a reservation.
func New(store *sqlite.Store, rt runtime.ContainerRuntime, ports *provision.PortAllocator, opts Options, logger *slog.Logger) *Manager {
	if opts.DefaultStopGrace <= 0 {
		opts.DefaultStopGrace = 30 * time.Second
	}
	if opts.StartupGracePeriod <= 0 {
		opts.StartupGracePeriod = time.Minute
	}
	return &Manager{
		store: store,
		rt:    rt,
		ports: ports,
		opts:  opts,
		locks: newInstanceLocks(),
		log:   logger,
	}
}

// Launch creates and starts the container for a provisioned instance, then
// waits for it to come up within the startup grace period. On failure the
// instance is marked failed and its port is released.
func (m *Manager) Launch(ctx context.Context, inst domain.Instance, secret string) error {
	release, ok := m.locks.tryAcquire(inst.ID)
	if !ok {
		return &domain.InstanceError{InstanceID: inst.ID, Op: "launch", Err: domain.ErrLifecycleConflict}
	}
	defer release()

	// Re-read the record under the lock; the caller's snapshot may predate
	// a terminal transition.
	cur, err := m.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if err := rejectTerminal(cur, "launch"); err != nil {
		return err
	}

	dataPath, err := m.ensureDataPath(inst.ID)
	if err != nil {
		m.failInstance(ctx, inst)
		return &domain.InstanceError{InstanceID: inst.ID, Op: "launch", Err: err}
	}

	spec := runtime.CreateSpec{
		InstanceID:  inst.ID,
		Image:       inst.Image,
		MemoryBytes: inst.MemoryMB * 1024 * 1024,
		HostAddress: inst.Address,
		HostPort:    inst.Port,
		GamePort:    inst.Port,
		DataPath:    dataPath,
		Env: []string{
			"WARDEN_INSTANCE_ID=" + inst.ID,
			"WARDEN_CONTROL_SECRET=" + secret,
			fmt.Sprintf("WARDEN_GAME_PORT=%d", inst.Port),
		},
		HealthInterval: m.opts.HealthProbeInterval,
		HealthGrace:    m.opts.HealthProbeGrace,
		HealthRetries:  m.opts.HealthProbeRetries,
	}

	if err := m.rt.Create(ctx, spec); err != nil {
		m.failInstance(ctx, inst)
		return &domain.InstanceError{InstanceID: inst.ID, Op: "create container", Err: err}
	}
	if err := m.rt.Start(ctx, inst.ID); err != nil {
		_ = m.rt.Remove(ctx, inst.ID)
		m.failInstance(ctx, inst)
		return &domain.InstanceError{InstanceID: inst.ID, Op: "start container", Err: err}
	}
	if err := m.awaitReady(ctx, inst.ID); err != nil {
		_ = m.rt.Stop(ctx, inst.ID, 5*time.Second)
		_ = m.rt.Remove(ctx, inst.ID)
		m.failInstance(ctx, inst)
		return &domain.InstanceError{InstanceID: inst.ID, Op: "await readiness", Err: err}
	}

	if err := m.store.UpdateInstanceStatus(ctx, inst.ID, domain.StatusRunning); err != nil {
		return &domain.InstanceError{InstanceID: inst.ID, Op: "record running", Err: err}
	}
	m.log.Info("instance launched", "instance_id", inst.ID, "port", inst.Port)
	return nil
}

// Stop gracefully terminates the instance, escalating to a kill after
// grace. Stopping an already-stopped instance is a no-op success.
func (m *Manager) Stop(ctx context.Context, instanceID string, grace time.Duration) (domain.StatusSnapshot, error) {
	release, ok := m.locks.tryAcquire(instanceID)
	if !ok {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "stop", Err: domain.ErrLifecycleConflict}
	}
	defer release()
	return m.stopLocked(ctx, instanceID, grace)
}

func (m *Manager) stopLocked(ctx context.Context, instanceID string, grace time.Duration) (domain.StatusSnapshot, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	if err := rejectTerminal(inst, "stop"); err != nil {
		return domain.StatusSnapshot{}, err
	}
	if inst.Status == domain.StatusStopped {
		return domain.StatusSnapshot{InstanceID: instanceID, Status: domain.StatusStopped}, nil
	}
	if grace <= 0 {
		grace = m.opts.DefaultStopGrace
	}

	if err := m.store.UpdateInstanceStatus(ctx, instanceID, domain.StatusStopping); err != nil {
		return domain.StatusSnapshot{}, err
	}
	if err := m.rt.Stop(ctx, instanceID, grace); err != nil {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "stop container", Err: err}
	}
	if err := m.store.UpdateInstanceStatus(ctx, instanceID, domain.StatusStopped); err != nil {
		return domain.StatusSnapshot{}, err
	}
	m.log.Info("instance stopped", "instance_id", instanceID, "grace", grace)
	return domain.StatusSnapshot{InstanceID: instanceID, Status: domain.StatusStopped}, nil
}

// Restart stops and starts the same container, preserving its port, secret,
// and storage path.
func (m *Manager) Restart(ctx context.Context, instanceID string) (domain.StatusSnapshot, error) {
	release, ok := m.locks.tryAcquire(instanceID)
	if !ok {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "restart", Err: domain.ErrLifecycleConflict}
	}
	defer release()

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	if err := rejectTerminal(inst, "restart"); err != nil {
		return domain.StatusSnapshot{}, err
	}
	if err := m.rt.Stop(ctx, instanceID, m.opts.DefaultStopGrace); err != nil {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "stop container", Err: err}
	}
	if err := m.rt.Start(ctx, instanceID); err != nil {
		_ = m.store.UpdateInstanceStatus(ctx, instanceID, domain.StatusFailed)
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "start container", Err: err}
	}
	if err := m.awaitReady(ctx, instanceID); err != nil {
		_ = m.store.UpdateInstanceStatus(ctx, instanceID, domain.StatusFailed)
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "await readiness", Err: err}
	}
	if err := m.store.UpdateInstanceStatus(ctx, instanceID, domain.StatusRunning); err != nil {
		return domain.StatusSnapshot{}, err
	}
	m.log.Info("instance restarted", "instance_id", instanceID)
	return domain.StatusSnapshot{InstanceID: instanceID, Status: domain.StatusRunning}, nil
}

// Destroy stops the container and removes its runtime definition. Storage
// is retained for a recovery window unless purge is set. The port becomes
// reusable only after this completes.
func (m *Manager) Destroy(ctx context.Context, instanceID string, purge bool) (domain.StatusSnapshot, error) {
	release, ok := m.locks.tryAcquire(instanceID)
	if !ok {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "destroy", Err: domain.ErrLifecycleConflict}
	}
	defer release()

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	if inst.Status == domain.StatusDestroyed {
		return domain.StatusSnapshot{InstanceID: instanceID, Status: domain.StatusDestroyed}, nil
	}

	if err := m.rt.Stop(ctx, instanceID, m.opts.DefaultStopGrace); err != nil {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "stop container", Err: err}
	}
	if err := m.rt.Remove(ctx, instanceID); err != nil {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "remove container", Err: err}
	}
	if purge {
		if err := os.RemoveAll(m.dataPath(instanceID)); err != nil {
			m.log.Error("purge instance storage failed", "instance_id", instanceID, "err", err)
		}
	}
	if err := m.store.MarkDestroyedAndReleasePort(ctx, instanceID); err != nil {
		return domain.StatusSnapshot{}, err
	}
	if inst.Port > 0 {
		m.ports.Release(inst.Port)
	}
	m.locks.forget(instanceID)
	m.log.Info("instance destroyed", "instance_id", instanceID, "purged", purge)
	return domain.StatusSnapshot{InstanceID: instanceID, Status: domain.StatusDestroyed}, nil
}

// Status queries the runtime for live state and maps it onto the internal
// status enum, falling back to the persisted status when no container
// exists.
func (m *Manager) Status(ctx context.Context, instanceID string) (domain.StatusSnapshot, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	st, err := m.rt.Inspect(ctx, instanceID)
	if err != nil {
		return domain.StatusSnapshot{}, &domain.InstanceError{InstanceID: instanceID, Op: "inspect", Err: err}
	}
	snap := domain.StatusSnapshot{
		InstanceID: instanceID,
		Status:     mapRuntimeState(inst.Status, st),
		Healthy:    st.Running && st.Healthy,
		StartedAt:  st.StartedAt,
		ExitCode:   st.ExitCode,
	}
	return snap, nil
}

// TailLog returns a bounded window of recent console output, independent of
// any active streaming session.
func (m *Manager) TailLog(ctx context.Context, instanceID string, tail int) ([]string, error) {
	if _, err := m.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	lines, err := m.rt.Logs(ctx, instanceID, tail)
	if err != nil {
		return nil, &domain.InstanceError{InstanceID: instanceID, Op: "tail log", Err: err}
	}
	return lines, nil
}

// Reconcile re-verifies persisted statuses against the runtime. Instances
// recorded as running whose container is gone are marked failed with their
// port released; stale stopping records settle to stopped.
func (m *Manager) Reconcile(ctx context.Context) error {
	var firstErr error
	for _, status := range []string{domain.StatusRunning, domain.StatusStopping} {
		instances, err := m.store.ListInstancesByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			st, err := m.rt.Inspect(ctx, inst.ID)
			if err != nil {
				if errors.Is(err, domain.ErrRuntimeUnavailable) {
					return err
				}
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			switch {
			case !st.Exists:
				m.log.Warn("reconcile: container missing", "instance_id", inst.ID)
				m.failInstance(ctx, inst)
			case !st.Running && status == domain.StatusRunning:
				m.log.Warn("reconcile: container not running", "instance_id", inst.ID, "exit_code", st.ExitCode)
				_ = m.store.UpdateInstanceStatus(ctx, inst.ID, domain.StatusStopped)
			case !st.Running && status == domain.StatusStopping:
				_ = m.store.UpdateInstanceStatus(ctx, inst.ID, domain.StatusStopped)
			}
		}
	}
	return firstErr
}

func (m *Manager) awaitReady(ctx context.Context, instanceID string) error {
	deadline := time.Now().Add(m.opts.StartupGracePeriod)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		st, err := m.rt.Inspect(ctx, instanceID)
		if err != nil {
			return err
		}
		if st.Exists && st.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance did not become ready within %s", m.opts.StartupGracePeriod)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rejectTerminal refuses lifecycle operations on instances whose status is
// final. A destroyed instance behaves as if the record were gone; a failed
// one can only be destroyed.
func rejectTerminal(inst domain.Instance, op string) error {
	switch inst.Status {
	case domain.StatusDestroyed:
		return &domain.InstanceError{InstanceID: inst.ID, Op: op, Err: domain.ErrInstanceNotFound}
	case domain.StatusFailed:
		return &domain.InstanceError{InstanceID: inst.ID, Op: op, Err: domain.ErrLifecycleConflict}
	}
	return nil
}

func (m *Manager) failInstance(ctx context.Context, inst domain.Instance) {
	if err := m.store.MarkFailedAndReleasePort(ctx, inst.ID); err != nil {
		m.log.Error("mark instance failed", "instance_id", inst.ID, "err", err)
		return
	}
	if inst.Port > 0 {
		m.ports.Release(inst.Port)
	}
}

func (m *Manager) ensureDataPath(instanceID string) (string, error) {
	path := m.dataPath(instanceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create data path: %w", err)
	}
	return path, nil
}

func (m *Manager) dataPath(instanceID string) string {
	return filepath.Join(m.opts.DataRoot, instanceID)
}

// mapRuntimeState folds the engine view and the persisted status into one
// externally visible status.
func mapRuntimeState(stored string, st runtime.State) string {
	if domain.TerminalStatus(stored) {
		return stored
	}
	switch {
	case !st.Exists:
		if stored == domain.StatusRequested || stored == domain.StatusProvisioning {
			return stored
		}
		return domain.StatusStopped
	case st.Running:
		return domain.StatusRunning
	case stored == domain.StatusStopping:
		return domain.StatusStopping
	default:
		return domain.StatusStopped
	}
}
