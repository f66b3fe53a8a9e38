package client

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Headers the gateway sets on requests it forwards to the summarization
// workflow. Incoming values from callers are always stripped first.
const (
	HeaderPrincipalID   = "X-Principal-Id"
	HeaderPrincipalTier = "X-Principal-Tier"
)

// ErrUnauthenticated is returned when a token does not identify anyone.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the caller identity seen by a downstream service.
type Principal struct {
	ID    string
	Email string
	Tier  string
}

type principalKey struct{}

// PrincipalFromContext retrieves the principal attached by the middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequirePrincipalHeaders is middleware for services behind the gateway
// proxy. It trusts the principal headers and rejects requests without them.
func RequirePrincipalHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderPrincipalID)
		if id == "" {
			http.Error(w, "missing principal", http.StatusUnauthorized)
			return
		}
		p := Principal{ID: id, Tier: r.Header.Get(HeaderPrincipalTier)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// Validator checks gateway access tokens against the session endpoint and
// caches the answers.
type Validator struct {
	client *Client
	ttl    time.Duration
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedPrincipal
}

type cachedPrincipal struct {
	principal Principal
	expires   time.Time
}

// NewValidator returns a validator caching results for ttl.
func NewValidator(c *Client, ttl time.Duration) *Validator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Validator{client: c, ttl: ttl, cache: make(map[string]cachedPrincipal)}
}

// Validate resolves token to a principal.
func (v *Validator) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	now := time.Now()
	v.mu.RLock()
	entry, ok := v.cache[token]
	v.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.principal, nil
	}

	res, err, _ := v.group.Do(token, func() (any, error) {
		status, err := v.client.SessionStatus(ctx, token)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
				return Principal{}, ErrUnauthenticated
			}
			return Principal{}, err
		}
		if !status.Authenticated {
			return Principal{}, ErrUnauthenticated
		}
		p := Principal{ID: status.User.ID, Email: status.User.Email, Tier: status.User.Tier}

		v.mu.Lock()
		for k, e := range v.cache {
			if !now.Before(e.expires) {
				delete(v.cache, k)
			}
		}
		v.cache[token] = cachedPrincipal{principal: p, expires: now.Add(v.ttl)}
		v.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Principal{}, err
	}
	return res.(Principal), nil
}

// RequireAuth validates bearer tokens and, when tiers are given, requires
// the principal to be on one of them.
func RequireAuth(v *Validator, tiers ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			p, err := v.Validate(r.Context(), strings.TrimSpace(parts[1]))
			switch {
			case errors.Is(err, ErrUnauthenticated):
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "token validation unavailable", http.StatusBadGateway)
				return
			}
			if len(tiers) > 0 && !slices.Contains(tiers, p.Tier) {
				http.Error(w, "tier not permitted", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}
