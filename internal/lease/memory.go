package lease

import (
	"context"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

type entry struct {
	holder    Holder
	expiresAt time.Time
}

type acceptance struct {
	at        time.Time
	expiresAt time.Time
}

// Memory is a process-local Table.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]entry
	accepted map[string]acceptance
	now      func() time.Time
}

var _ Table = (*Memory)(nil)

// NewMemory returns an empty in-process lease table.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), accepted: make(map[string]acceptance), now: time.Now}
}

// TryAcquire implements Table.
func (m *Memory) TryAcquire(_ context.Context, key string, holder Holder, ttl time.Duration) (bool, Holder, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, e.holder, nil
	}
	m.entries[key] = entry{holder: holder, expiresAt: now.Add(ttl)}
	return true, holder, nil
}

// Renew implements Table.
func (m *Memory) Renew(_ context.Context, key, token string, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.holder.Token != token || !now.Before(e.expiresAt) {
		return ErrNotHeld
	}
	e.expiresAt = now.Add(ttl)
	m.entries[key] = e
	return nil
}

// Release implements Table.
func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.holder.Token != token {
		return ErrNotHeld
	}
	delete(m.entries, key)
	return nil
}

// Current implements Table.
func (m *Memory) Current(_ context.Context, key string) (Holder, bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return Holder{}, false, nil
	}
	return e.holder, true, nil
}

// MarkAccepted implements Table.
func (m *Memory) MarkAccepted(_ context.Context, key string, cause domain.TriggerCause, at time.Time, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.accepted {
		if !now.Before(a.expiresAt) {
			delete(m.accepted, k)
		}
	}
	m.accepted[key+"|"+string(cause)] = acceptance{at: at, expiresAt: now.Add(ttl)}
	return nil
}

// LastAccepted implements Table.
func (m *Memory) LastAccepted(_ context.Context, key string, cause domain.TriggerCause) (time.Time, bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accepted[key+"|"+string(cause)]
	if !ok || !now.Before(a.expiresAt) {
		return time.Time{}, false, nil
	}
	return a.at, true, nil
}
