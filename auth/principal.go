package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"briefgate/store"
)

// ErrPrincipalNotFound is returned when a principal id does not resolve.
var ErrPrincipalNotFound = errors.New("principal not found")

// Principal is the resolved, stable identity of an end user.
type Principal struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FederatedIdentity is the verified claim set of an upstream ID token.
type FederatedIdentity struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// PrincipalStore resolves principals by id or by federated identity.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	// ResolveFederated returns the principal bound to the identity, creating
	// it on first sight.
	ResolveFederated(ctx context.Context, identity FederatedIdentity) (Principal, error)
}

type identityKey struct {
	provider string
	subject  string
}

// MemoryPrincipals is an in-process PrincipalStore.
type MemoryPrincipals struct {
	mu          sync.Mutex
	byID        map[string]Principal
	byIdentity  map[identityKey]string
	defaultTier string
}

// NewMemoryPrincipals constructs a store. New principals get defaultTier.
func NewMemoryPrincipals(defaultTier string) *MemoryPrincipals {
	return &MemoryPrincipals{
		byID:        make(map[string]Principal),
		byIdentity:  make(map[identityKey]string),
		defaultTier: defaultTier,
	}
}

// Put inserts or replaces a principal.
func (m *MemoryPrincipals) Put(p Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p
	if p.Provider != "" && p.Subject != "" {
		m.byIdentity[identityKey{p.Provider, p.Subject}] = p.ID
	}
}

// GetPrincipal returns the principal with the given id.
func (m *MemoryPrincipals) GetPrincipal(_ context.Context, id string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

// ResolveFederated returns or creates the principal for identity. Profile
// fields are refreshed from the identity; the id never changes.
func (m *MemoryPrincipals) ResolveFederated(_ context.Context, identity FederatedIdentity) (Principal, error) {
	if identity.Provider == "" || identity.Subject == "" {
		return Principal{}, errors.New("federated identity requires provider and subject")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identityKey{identity.Provider, identity.Subject}
	if id, ok := m.byIdentity[key]; ok {
		p := m.byID[id]
		if identity.Email != "" {
			p.Email = identity.Email
		}
		if identity.Name != "" {
			p.Name = identity.Name
		}
		m.byID[id] = p
		return p, nil
	}
	p := Principal{
		ID:        uuid.NewString(),
		Email:     identity.Email,
		Name:      identity.Name,
		Tier:      m.defaultTier,
		Provider:  identity.Provider,
		Subject:   identity.Subject,
		CreatedAt: time.Now().UTC(),
	}
	m.byID[p.ID] = p
	m.byIdentity[key] = p.ID
	return p, nil
}

// SharedPrincipals is a PrincipalStore over persisted records, so every
// gateway instance reading the same records resolves the same principals.
type SharedPrincipals struct {
	records     store.PrincipalStore
	defaultTier string
}

// NewSharedPrincipals wraps records. New principals get defaultTier.
func NewSharedPrincipals(records store.PrincipalStore, defaultTier string) *SharedPrincipals {
	return &SharedPrincipals{records: records, defaultTier: defaultTier}
}

// GetPrincipal returns the principal with the given id.
func (s *SharedPrincipals) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	rec, err := s.records.GetPrincipal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, ErrPrincipalNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	return Principal(rec), nil
}

// ResolveFederated returns or creates the principal for identity.
func (s *SharedPrincipals) ResolveFederated(ctx context.Context, identity FederatedIdentity) (Principal, error) {
	if identity.Provider == "" || identity.Subject == "" {
		return Principal{}, errors.New("federated identity requires provider and subject")
	}
	rec, err := s.records.ResolvePrincipal(ctx, store.Principal{
		ID:        uuid.NewString(),
		Email:     identity.Email,
		Name:      identity.Name,
		Tier:      s.defaultTier,
		Provider:  identity.Provider,
		Subject:   identity.Subject,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return Principal{}, fmt.Errorf("resolve principal: %w", err)
	}
	return Principal(rec), nil
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal bound to ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
