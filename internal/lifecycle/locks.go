package lifecycle

import "sync"

// instanceLocks hands out one mutex per instance so lifecycle operations on
// the same instance are serialized while different instances proceed fully
// in parallel. A second operation arriving while one is in flight must be
// rejected, not queued, so acquisition is always TryLock.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*sync.Mutex)}
}

// tryAcquire returns the release func for the instance's lock, or false if
// another lifecycle operation currently holds it.
func (l *instanceLocks) tryAcquire(instanceID string) (func(), bool) {
	l.mu.Lock()
	m, ok := l.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// forget drops the lock entry for a destroyed instance.
func (l *instanceLocks) forget(instanceID string) {
	l.mu.Lock()
	delete(l.locks, instanceID)
	l.mu.Unlock()
}
