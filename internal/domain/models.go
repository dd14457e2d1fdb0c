// Package domain defines the core data types shared across the warden
// gateway, provisioner, lifecycle manager, and store layers.
package domain

import "time"

// Instance status constants describe the lifecycle of a managed game server.
// Transitions are driven only by the provisioner and the lifecycle manager.
const (
	StatusRequested    = "requested"
	StatusProvisioning = "provisioning"
	StatusRunning      = "running"
	StatusStopping     = "stopping"
	StatusStopped      = "stopped"
	StatusFailed       = "failed"
	StatusDestroyed    = "destroyed"
)

// Session kind constants distinguish the two streaming attach types.
const (
	SessionKindConsole = "console"
	SessionKindMetrics = "metrics"
)

// TerminalStatus reports whether a status no longer participates in the
// port-uniqueness invariant. Ports of terminal instances are eligible for
// reuse once explicitly released.
func TerminalStatus(status string) bool {
	return status == StatusFailed || status == StatusDestroyed
}

// APIKey represents a server-managed authentication key. The gateway
// resolves bearer credentials to a key, which is the owner principal for
// every instance it creates.
type APIKey struct {
	ID            string
	Name          string
	KeyHash       string
	CreatedAt     time.Time
	RevokedAt     *time.Time
	InstanceLimit int // max non-terminal instances; -1 = unlimited
}

// Instance represents one isolated game-server container and the network
// and credential resources reserved for it.
type Instance struct {
	ID           string
	OwnerKeyID   string
	Name         string
	Image        string
	Port         int
	Address      string
	AddressLabel string
	MemoryMB     int64
	DiskMB       int64
	SecretHash   string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is one live client connection attached to a running instance.
// Sessions are ephemeral and never persisted.
type Session struct {
	ID         string
	InstanceID string
	OwnerKeyID string
	Kind       string
	StartedAt  time.Time
}

// StatusSnapshot is the live view of an instance as reported by the
// container runtime, mapped onto the internal status enum.
type StatusSnapshot struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Healthy    bool   `json:"healthy"`
	StartedAt  string `json:"started_at,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
}

// MetricsSample is one normalized telemetry point delivered to metrics
// subscribers.
type MetricsSample struct {
	InstanceID       string  `json:"instance_id"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryLimitBytes uint64  `json:"memory_limit_bytes"`
	SampledAt        int64   `json:"sampled_at_unix_ms"`
}
