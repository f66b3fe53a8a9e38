package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"briefgate/store"
)

// MinSecretLength is the minimum signing secret length in bytes.
const MinSecretLength = 32

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenSet is the result of a successful grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// TokenIssuer signs and validates gateway access tokens with a shared
// HMAC secret. Access tokens are never stored.
type TokenIssuer struct {
	issuer     string
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(issuer string, secret []byte, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	return &TokenIssuer{
		issuer:     strings.TrimSuffix(issuer, "/"),
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// AccessTTL returns the access token lifetime.
func (ti *TokenIssuer) AccessTTL() time.Duration { return ti.accessTTL }

// MintAccessToken signs a new access token for the principal.
func (ti *TokenIssuer) MintAccessToken(principalID, scope, clientID string) (string, error) {
	now := ti.now()
	claims := AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken checks signature, issuer and expiry.
func (ti *TokenIssuer) ValidateAccessToken(raw string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, errors.New("invalid access token")
	}
	return claims, nil
}

// NewRefreshToken builds an unsaved refresh token record.
func (ti *TokenIssuer) NewRefreshToken(principalID, scope, clientID, previous string) (store.RefreshToken, error) {
	token, err := store.NewToken()
	if err != nil {
		return store.RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	now := ti.now()
	return store.RefreshToken{
		Token:         token,
		PrincipalID:   principalID,
		ClientID:      clientID,
		Scope:         scope,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ti.refreshTTL),
		PreviousToken: previous,
	}, nil
}
