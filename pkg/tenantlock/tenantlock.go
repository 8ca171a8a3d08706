package tenantlock

import "sync"

// Map hands out one mutex per tenant id. Entries are reference counted
// and removed once the last holder releases, so the map stays bounded
// by the number of tenants with in-flight work rather than the number
// of tenants ever seen.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewMap creates an empty lock map.
func NewMap() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until the tenant's mutex is held and returns the release
// function. Callers must release exactly once, normally via defer.
func (m *Map) Lock(tenantID string) func() {
	e := m.acquire(tenantID)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(tenantID, e)
	}
}

// TryLock attempts the tenant's mutex without blocking. On success the
// release function is returned with ok true.
func (m *Map) TryLock(tenantID string) (func(), bool) {
	e := m.acquire(tenantID)
	if !e.mu.TryLock() {
		m.release(tenantID, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		m.release(tenantID, e)
	}, true
}

// Len reports the number of tenants with live entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Map) acquire(tenantID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tenantID]
	if !ok {
		e = &entry{}
		m.entries[tenantID] = e
	}
	e.refs++
	return e
}

func (m *Map) release(tenantID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, tenantID)
	}
}
