package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationRegistry marks individual access tokens (by jti) invalid before
// their natural expiry. Entries carry a TTL no shorter than the remaining
// lifetime of the token they block, so they never need to outlive it.
type RevocationRegistry interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRegistry is a process-local registry. It is correct only for a
// single-instance deployment; instances sharing revocation state must use the
// Redis-backed registry instead.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke records the token id until now+ttl. A non-positive ttl means the
// token has already expired and needs no entry.
func (r *MemoryRegistry) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tokenID] = r.now().Add(ttl)
	return nil
}

// IsRevoked reports whether the token id is currently blacklisted. Expired
// entries are dropped lazily.
func (r *MemoryRegistry) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.entries[tokenID]
	if !ok {
		return false, nil
	}
	if r.now().After(until) {
		delete(r.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Sweep removes expired entries and returns how many were dropped. Intended
// for a periodic background schedule.
func (r *MemoryRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for id, until := range r.entries {
		if now.After(until) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}
