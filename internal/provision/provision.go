package provision

import (
	"context"
	"log/slog"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/store/sqlite"
)

// Result carries everything a freshly provisioned instance needs to launch.
// Secret is plaintext and is handed to the caller exactly once; only its
// hash is persisted.
type Result struct {
	Port         int
	Address      string
	AddressLabel string
	Secret       string
}

// Provisioner sequences port allocation, secret generation, and endpoint
// assignment for one instance.
type Provisioner struct {
	store        *sqlite.Store
	ports        *PortAllocator
	pool         *AddressPool
	secretLength int
	log          *slog.Logger
}

// New builds a Provisioner over the shared store, port allocator, and
// address pool.
func New(store *sqlite.Store, ports *PortAllocator, pool *AddressPool, secretLength int, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		store:        store,
		ports:        ports,
		pool:         pool,
		secretLength: secretLength,
		log:          logger,
	}
}

// Provision reserves a port, generates the control secret, and assigns an
// endpoint address for the instance. On any failure after the port claim,
// the instance is marked failed and its port released so the range never
// silently shrinks.
func (p *Provisioner) Provision(ctx context.Context, instanceID string) (Result, error) {
	port, err := p.ports.Allocate(ctx, instanceID)
	if err != nil {
		return Result{}, &domain.InstanceError{InstanceID: instanceID, Op: "allocate port", Err: err}
	}

	secret, err := GenerateSecret(p.secretLength)
	if err != nil {
		p.rollback(ctx, instanceID, port)
		return Result{}, &domain.InstanceError{InstanceID: instanceID, Op: "generate secret", Err: err}
	}
	if err := p.store.SetInstanceSecretHash(ctx, instanceID, auth.HashSecret(secret)); err != nil {
		p.rollback(ctx, instanceID, port)
		return Result{}, &domain.InstanceError{InstanceID: instanceID, Op: "persist secret hash", Err: err}
	}

	address, label := p.pool.Assign()
	if err := p.store.SetInstanceEndpoint(ctx, instanceID, address, label); err != nil {
		p.rollback(ctx, instanceID, port)
		return Result{}, &domain.InstanceError{InstanceID: instanceID, Op: "assign endpoint", Err: err}
	}

	p.log.Info("instance provisioned", "instance_id", instanceID, "port", port, "address", address, "label", label)
	return Result{
		Port:         port,
		Address:      address,
		AddressLabel: label,
		Secret:       secret,
	}, nil
}

// rollback marks the instance failed and frees its port reservation after a
// partial provisioning failure.
func (p *Provisioner) rollback(ctx context.Context, instanceID string, port int) {
	if err := p.store.MarkFailedAndReleasePort(ctx, instanceID); err != nil {
		p.log.Error("provision rollback failed", "instance_id", instanceID, "err", err)
		return
	}
	p.ports.Release(port)
	p.log.Warn("provisioning rolled back", "instance_id", instanceID, "port", port)
}
