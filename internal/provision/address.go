package provision

import (
	"sync/atomic"

	"github.com/wardenhq/warden/internal/config"
)

// AddressPool hands out endpoint addresses from the configured pool in
// round-robin order. Selection is independent of current load.
type AddressPool struct {
	entries []config.PoolEntry
	next    atomic.Uint64
}

// NewAddressPool builds a pool from parsed config entries. At least one
// entry is required; config validation guarantees that.
func NewAddressPool(entries []config.PoolEntry) *AddressPool {
	return &AddressPool{entries: entries}
}

// Assign returns the next endpoint address and its label.
func (p *AddressPool) Assign() (string, string) {
	idx := p.next.Add(1) - 1
	e := p.entries[idx%uint64(len(p.entries))]
	return e.Address, e.Label
}
