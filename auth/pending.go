package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long a consent round trip may take.
const DefaultPendingTTL = 15 * time.Minute

// ErrStateInUse is returned when a state value is already pending.
var ErrStateInUse = errors.New("state already pending")

// PendingAuthorization is an in-flight consent request keyed by state.
type PendingAuthorization struct {
	State            string
	CodeChallenge    string
	ChallengeMethod  string
	RedirectURI      string
	Scope            string
	ClientID         string
	Provider         string
	UpstreamVerifier string
	CreatedAt        time.Time
}

// PendingCache holds pending authorizations in process memory. Expiry is
// enforced on read; Sweep only reclaims memory.
type PendingCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingAuthorization
	now     func() time.Time
}

// NewPendingCache constructs a cache with the given TTL.
func NewPendingCache(ttl time.Duration) *PendingCache {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingCache{
		ttl:     ttl,
		entries: make(map[string]PendingAuthorization),
		now:     time.Now,
	}
}

// Put stores p. CreatedAt is stamped when zero.
func (c *PendingCache) Put(p PendingAuthorization) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if existing, ok := c.entries[p.State]; ok && !c.expired(existing, now) {
		return ErrStateInUse
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	c.entries[p.State] = p
	return nil
}

// Take removes and returns the entry for state. Expired entries are
// removed and reported as absent.
func (c *PendingCache) Take(state string) (PendingAuthorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[state]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(c.entries, state)
	if c.expired(p, c.now()) {
		return PendingAuthorization{}, false
	}
	return p, true
}

// Len returns the number of entries, expired or not.
func (c *PendingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes entries that were already expired at now. An entry created
// after now is never removed.
func (c *PendingCache) Sweep(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for state, p := range c.entries {
		if !p.CreatedAt.After(cutoff) {
			delete(c.entries, state)
			removed++
		}
	}
	return removed, nil
}

func (c *PendingCache) expired(p PendingAuthorization, now time.Time) bool {
	return !now.Before(p.CreatedAt.Add(c.ttl))
}
