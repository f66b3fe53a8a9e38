package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps codes and refresh tokens in process memory. All state
// transitions happen under one lock, which makes them compare-and-set.
type Memory struct {
	mu          sync.Mutex
	codes       map[string]AuthorizationCode
	refresh     map[string]RefreshToken
	byPrincipal map[string]map[string]struct{}
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		codes:       make(map[string]AuthorizationCode),
		refresh:     make(map[string]RefreshToken),
		byPrincipal: make(map[string]map[string]struct{}),
	}
}

// SaveCode persists an authorization code.
func (m *Memory) SaveCode(_ context.Context, code AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

// GetCode returns a copy of the stored code.
func (m *Memory) GetCode(_ context.Context, code string) (AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return AuthorizationCode{}, ErrNotFound
	}
	return c, nil
}

// MarkCodeUsed flips used from false to true.
func (m *Memory) MarkCodeUsed(_ context.Context, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return ErrNotFound
	}
	if c.Used {
		return ErrAlreadyUsed
	}
	if c.Expired(now) {
		return ErrExpired
	}
	c.Used = true
	m.codes[code] = c
	return nil
}

// SaveRefreshToken persists a refresh token and indexes it by principal.
func (m *Memory) SaveRefreshToken(_ context.Context, token RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRefreshLocked(token)
	return nil
}

func (m *Memory) saveRefreshLocked(token RefreshToken) {
	m.refresh[token.Token] = token
	idx, ok := m.byPrincipal[token.PrincipalID]
	if !ok {
		idx = make(map[string]struct{})
		m.byPrincipal[token.PrincipalID] = idx
	}
	idx[token.Token] = struct{}{}
}

// GetRefreshToken returns a copy of the stored refresh token.
func (m *Memory) GetRefreshToken(_ context.Context, token string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[token]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return t, nil
}

// RotateRefreshToken revokes old and stores next in one step.
func (m *Memory) RotateRefreshToken(_ context.Context, old string, next RefreshToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[old]
	if !ok {
		return ErrNotFound
	}
	if t.Revoked {
		return ErrRevoked
	}
	if t.Expired(now) {
		return ErrExpired
	}
	if t.PrincipalID != next.PrincipalID {
		return ErrMismatch
	}
	t.Revoked = true
	m.refresh[old] = t
	m.saveRefreshLocked(next)
	return nil
}

// RevokeAllRefreshTokens revokes every unrevoked token of the principal.
func (m *Memory) RevokeAllRefreshTokens(_ context.Context, principalID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for token := range m.byPrincipal[principalID] {
		t, ok := m.refresh[token]
		if !ok || t.Revoked {
			continue
		}
		t.Revoked = true
		m.refresh[token] = t
		count++
	}
	return count, nil
}

// Sweep drops expired codes and refresh tokens. It satisfies the cleanup
// sweeper's task contract.
func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, c := range m.codes {
		if c.Expired(now) {
			delete(m.codes, k)
			removed++
		}
	}
	for k, t := range m.refresh {
		if !t.Expired(now) {
			continue
		}
		delete(m.refresh, k)
		if idx := m.byPrincipal[t.PrincipalID]; idx != nil {
			delete(idx, k)
			if len(idx) == 0 {
				delete(m.byPrincipal, t.PrincipalID)
			}
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
