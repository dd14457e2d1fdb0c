package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/store/sqlite"
)

type portState uint8

const (
	// portFree: no known claim; candidate for allocation.
	portFree portState = iota
	// portReserved: claimed in the store by one of our instances.
	portReserved
	// portBound: bind probe in flight, or the OS rejected a bind because
	// an unrelated host process owns the port. Re-probed on later passes
	// after Sync clears it.
	portBound
)

// probeFunc attempts a short-lived OS-level bind of port and reports whether
// the port is actually free on this host.
type probeFunc func(ctx context.Context, port int) bool

// PortAllocator reserves host ports from a fixed range using a dual-level
// check: the persisted reservation set rules out our own instances, and an
// OS bind probe rules out collisions with unrelated host services. The
// persisted claim itself is atomic (partial unique index), so two concurrent
// allocations can never both win the same port.
type PortAllocator struct {
	store    *sqlite.Store
	rangeMin int
	rangeMax int
	probe    probeFunc

	mu    sync.Mutex
	arena []portState // indexed by port - rangeMin
}

// NewPortAllocator builds an allocator over [rangeMin, rangeMax] inclusive.
// bindTimeout bounds each OS probe so allocation never stalls indefinitely.
func NewPortAllocator(store *sqlite.Store, rangeMin, rangeMax int, bindTimeout time.Duration) *PortAllocator {
	a := &PortAllocator{
		store:    store,
		rangeMin: rangeMin,
		rangeMax: rangeMax,
		arena:    make([]portState, rangeMax-rangeMin+1),
	}
	a.probe = func(ctx context.Context, port int) bool {
		ctx, cancel := context.WithTimeout(ctx, bindTimeout)
		defer cancel()
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
	return a
}

// Allocate reserves the first free port in ascending order for instanceID.
// It returns [domain.ErrPortsExhausted] once every candidate is reserved,
// OS-bound, or lost to a concurrent claim.
func (a *PortAllocator) Allocate(ctx context.Context, instanceID string) (int, error) {
	reserved, err := a.store.ReservedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load port reservations: %w", err)
	}

	for port := a.rangeMin; port <= a.rangeMax; port++ {
		if reserved[port] {
			a.setState(port, portReserved)
			continue
		}
		// Take the in-process candidate lock for the duration of the
		// bind test so concurrent allocations skip to other candidates.
		if !a.tryAcquire(port) {
			continue
		}

		if !a.probe(ctx, port) {
			// Leave the slot marked bound; Sync clears it so the
			// port is re-probed once the foreign service lets go.
			continue
		}

		err := a.store.ClaimPort(ctx, instanceID, port)
		if err == nil {
			a.setState(port, portReserved)
			return port, nil
		}
		if errors.Is(err, sqlite.ErrPortTaken) {
			// A concurrent allocation won the persisted claim.
			a.setState(port, portReserved)
			continue
		}
		a.setState(port, portFree)
		return 0, fmt.Errorf("claim port %d: %w", port, err)
	}
	return 0, domain.ErrPortsExhausted
}

// Release returns a port to the free state after its owning instance
// reaches a terminal status and the persisted reservation has been cleared.
func (a *PortAllocator) Release(port int) {
	a.setState(port, portFree)
}

// Sync rebuilds the arena from the authoritative persisted reservation set.
// Called by the janitor so stale bound/reserved marks cannot shrink the
// range over time.
func (a *PortAllocator) Sync(ctx context.Context) error {
	reserved, err := a.store.ReservedPorts(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.arena {
		if reserved[a.rangeMin+i] {
			a.arena[i] = portReserved
		} else {
			a.arena[i] = portFree
		}
	}
	return nil
}

// tryAcquire transitions a slot to bound, claiming it for a probe. A stale
// reserved mark is overridden because the caller has just confirmed the
// persisted set no longer holds the port; a bound mark is not, since it is
// either a probe in flight or a known OS-level collision.
func (a *PortAllocator) tryAcquire(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := port - a.rangeMin
	if i < 0 || i >= len(a.arena) || a.arena[i] == portBound {
		return false
	}
	a.arena[i] = portBound
	return true
}

func (a *PortAllocator) setState(port int, st portState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := port - a.rangeMin
	if i >= 0 && i < len(a.arena) {
		a.arena[i] = st
	}
}
