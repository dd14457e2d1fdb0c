package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardenhq/warden/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInstanceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "test", "hash")
	if err != nil {
		t.Fatal(err)
	}

	inst, err := store.CreateInstance(ctx, k.ID, "survival", "warden/minecraft:latest", 2048, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.StatusRequested || inst.Port != 0 {
		t.Fatalf("new instance should be requested with no port, got %s port %d", inst.Status, inst.Port)
	}

	if err := store.SetInstanceEndpoint(ctx, inst.ID, "203.0.113.10", "eu-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetInstanceSecretHash(ctx, inst.ID, "secrethash"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateInstanceStatus(ctx, inst.ID, domain.StatusRunning); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != "203.0.113.10" || got.AddressLabel != "eu-1" {
		t.Fatalf("endpoint not persisted: %q %q", got.Address, got.AddressLabel)
	}
	if got.SecretHash != "secrethash" {
		t.Fatalf("secret hash not persisted")
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
}

func TestGetInstanceMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetInstance(context.Background(), "i_missing")
	if !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestClaimPortConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "test", "hash")
	if err != nil {
		t.Fatal(err)
	}
	a, err := store.CreateInstance(ctx, k.ID, "a", "img", 1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.CreateInstance(ctx, k.ID, "b", "img", 1024, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.ClaimPort(ctx, a.ID, 25565); err != nil {
		t.Fatal(err)
	}
	if err := store.ClaimPort(ctx, b.ID, 25565); !errors.Is(err, ErrPortTaken) {
		t.Fatalf("expected ErrPortTaken for second claim, got %v", err)
	}

	reserved, err := store.ReservedPorts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reserved[25565] {
		t.Fatalf("expected 25565 in reserved set")
	}

	// Terminal transitions free the port for reuse.
	if err := store.MarkFailedAndReleasePort(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.ClaimPort(ctx, b.ID, 25565); err != nil {
		t.Fatalf("claim after release should succeed, got %v", err)
	}

	reserved, err = store.ReservedPorts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reserved[25565] {
		t.Fatalf("expected 25565 reserved by second instance")
	}
}

func TestDestroyedInstanceReleasesPort(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "test", "hash")
	if err != nil {
		t.Fatal(err)
	}
	inst, err := store.CreateInstance(ctx, k.ID, "a", "img", 1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ClaimPort(ctx, inst.ID, 30000); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkDestroyedAndReleasePort(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	reserved, err := store.ReservedPorts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reserved) != 0 {
		t.Fatalf("expected empty reserved set, got %v", reserved)
	}

	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDestroyed || got.Port != 0 {
		t.Fatalf("expected destroyed with no port, got %s port %d", got.Status, got.Port)
	}
}

func TestActiveInstanceCountByKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "test", "hash")
	if err != nil {
		t.Fatal(err)
	}
	a, err := store.CreateInstance(ctx, k.ID, "a", "img", 1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateInstance(ctx, k.ID, "b", "img", 1024, 0); err != nil {
		t.Fatal(err)
	}

	count, err := store.ActiveInstanceCountByKey(ctx, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active instances, got %d", count)
	}

	if err := store.MarkFailedAndReleasePort(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	count, err = store.ActiveInstanceCountByKey(ctx, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active instance after failure, got %d", count)
	}
}

func TestResolveAPIKeyRevoked(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "test", "hash123")
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.ResolveAPIKeyID(ctx, "hash123")
	if err != nil {
		t.Fatal(err)
	}
	if id != k.ID {
		t.Fatalf("expected key id match")
	}

	if err := store.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ResolveAPIKeyID(ctx, "hash123"); err == nil {
		t.Fatalf("expected revoked key to not resolve")
	}
	if err := store.RevokeAPIKey(ctx, k.ID); err == nil {
		t.Fatalf("expected second revoke to fail")
	}
}

func TestResolveServerPepper(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pepper, err := store.ResolveServerPepper(ctx, "first-pepper")
	if err != nil {
		t.Fatal(err)
	}
	if pepper != "first-pepper" {
		t.Fatalf("expected suggested pepper to stick, got %q", pepper)
	}

	pepper, err = store.ResolveServerPepper(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if pepper != "first-pepper" {
		t.Fatalf("expected stored pepper back, got %q", pepper)
	}

	if _, err := store.ResolveServerPepper(ctx, "different"); err == nil {
		t.Fatalf("expected mismatched pepper to error")
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "warden.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}
