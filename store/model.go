package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// Sentinel errors returned by the stores.
var (
	ErrNotFound    = errors.New("not found")
	ErrAlreadyUsed = errors.New("already used")
	ErrRevoked     = errors.New("revoked")
	ErrExpired     = errors.New("expired")
	ErrMismatch    = errors.New("principal mismatch")
)

// AuthorizationCode represents a short-lived code issued after consent.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	PrincipalID         string    `json:"principal_id"`
	ClientID            string    `json:"client_id,omitempty"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"-"`
}

// Expired reports whether the code is past its expiry at now.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshToken represents a stored refresh token. PreviousToken links the
// rotation chain back to the token it replaced.
type RefreshToken struct {
	Token         string    `json:"token"`
	PrincipalID   string    `json:"principal_id"`
	ClientID      string    `json:"client_id,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	PreviousToken string    `json:"previous_token,omitempty"`
	Revoked       bool      `json:"-"`
}

// Expired reports whether the token is past its expiry at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// CodeStore persists authorization codes. MarkCodeUsed is a compare-and-set:
// exactly one caller observes success for a given code.
type CodeStore interface {
	SaveCode(ctx context.Context, code AuthorizationCode) error
	GetCode(ctx context.Context, code string) (AuthorizationCode, error)
	MarkCodeUsed(ctx context.Context, code string, now time.Time) error
}

// RefreshStore persists refresh tokens. RotateRefreshToken revokes old and
// saves next as one atomic step; RevokeAllRefreshTokens is atomic with respect
// to rotation for the same principal.
type RefreshStore interface {
	SaveRefreshToken(ctx context.Context, token RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, error)
	RotateRefreshToken(ctx context.Context, old string, next RefreshToken, now time.Time) error
	RevokeAllRefreshTokens(ctx context.Context, principalID string) (int, error)
}

// Principal is the persisted form of an end-user identity, keyed by ID and
// by the (Provider, Subject) pair it was first federated from.
type Principal struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// PrincipalStore persists principals. ResolvePrincipal is create-if-absent
// on (Provider, Subject): callers racing on the same identity, on any
// instance, all get the principal whose candidate won. The stored profile
// fields are refreshed from the candidate when non-empty.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	ResolvePrincipal(ctx context.Context, candidate Principal) (Principal, error)
}

// Store is the full persisted state used by the authorization server.
type Store interface {
	CodeStore
	RefreshStore
	Close() error
}

// NewToken returns an unguessable URL-safe token with 256 bits of entropy.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
