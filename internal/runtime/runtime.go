// Package runtime abstracts the container engine that executes game-server
// instances. The lifecycle manager, gateway, and metrics sampler depend on
// the [ContainerRuntime] interface, never on a concrete engine client.
package runtime

import (
	"context"
	"io"
	"time"
)

// CreateSpec describes the container to create for one instance.
type CreateSpec struct {
	InstanceID  string
	Image       string
	MemoryBytes int64
	// HostPort is bound to GamePort inside the container.
	HostAddress string
	HostPort    int
	GamePort    int
	// DataPath is the per-instance persistent storage directory; it is
	// mounted into the container and survives restarts and soft deletes.
	DataPath string
	Env      []string
	// Health probe policy: first probe after Grace, probing every
	// Interval, unhealthy after Retries consecutive failures.
	HealthCmd      []string
	HealthInterval time.Duration
	HealthGrace    time.Duration
	HealthRetries  int
}

// State is the engine-reported view of a container.
type State struct {
	Exists    bool
	Running   bool
	Healthy   bool
	ExitCode  int
	StartedAt string
}

// RawStats is one cumulative resource counter sample as produced by the
// engine. Rates are derived by the metrics sampler from consecutive samples.
type RawStats struct {
	CPUTotalNanos    uint64
	SystemCPUNanos   uint64
	OnlineCPUs       uint32
	MemoryUsedBytes  uint64
	MemoryLimitBytes uint64
	ReadAt           time.Time
}

// Console is a live duplex attach to a container's stdio.
type Console struct {
	// Reader delivers interleaved stdout/stderr output.
	Reader io.Reader
	// Writer feeds the container's stdin.
	Writer io.Writer
	// Close releases the attach and both stream directions.
	Close func()
}

// ContainerRuntime is the capability surface warden needs from a container
// engine. Implementations must return [domain.ErrRuntimeUnavailable]
// (wrapped) when the engine itself cannot be reached, so callers can fail
// fast instead of blocking.
type ContainerRuntime interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error
	// Create builds the container for spec and returns nothing; the
	// container is addressed by instance ID from then on.
	Create(ctx context.Context, spec CreateSpec) error
	// Start starts a created or stopped container.
	Start(ctx context.Context, instanceID string) error
	// Stop requests graceful termination, escalating to a kill after
	// grace elapses.
	Stop(ctx context.Context, instanceID string, grace time.Duration) error
	// Remove deletes the container definition. The instance's data path
	// is never touched here.
	Remove(ctx context.Context, instanceID string) error
	// Inspect reports the container's live state.
	Inspect(ctx context.Context, instanceID string) (State, error)
	// Stats opens a stream of raw cumulative counters. The returned
	// channel closes when ctx is canceled or the container stops.
	Stats(ctx context.Context, instanceID string) (<-chan RawStats, error)
	// Logs returns up to tail lines of recent console output.
	Logs(ctx context.Context, instanceID string, tail int) ([]string, error)
	// Attach opens a duplex console stream to the container's stdio.
	Attach(ctx context.Context, instanceID string) (*Console, error)
}
