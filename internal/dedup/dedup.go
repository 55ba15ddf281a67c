// Package dedup suppresses repeated deliveries of the same event within a
// retention horizon.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Deduper records event keys.
type Deduper interface {
	// Seen records key and reports whether it was already recorded within ttl.
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops key so that its next delivery is processed.
	Forget(ctx context.Context, key string) error
}

// Memory is a process-local Deduper. Expired keys are dropped by Evict.
type Memory struct {
	mu   sync.Mutex
	keys map[string]time.Time // key -> expiry
	now  func() time.Time
}

// NewMemory creates an in-memory deduper. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{keys: make(map[string]time.Time), now: now}
}

func (m *Memory) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return true, nil
	}
	m.keys[key] = now.Add(ttl)
	return false, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// Evict removes expired keys and returns how many were removed.
func (m *Memory) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
