package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"briefgate/store"
)

// DefaultCodeTTL is the lifetime of an authorization code.
const DefaultCodeTTL = 10 * time.Minute

// ConsentProvider is an external consent surface. The grant it returns to
// the callback is exchanged for an ID token, which is then verified on the
// federated path.
type ConsentProvider interface {
	Name() string
	AuthCodeURL(state, scope, verifier string) string
	Exchange(ctx context.Context, grant, verifier string) (rawIDToken string, err error)
}

// RedirectPolicy validates a client's redirect URI.
type RedirectPolicy interface {
	ValidateRedirect(clientID, redirectURI string) error
}

// AuthorizationRequest carries the parameters of the authorization endpoint.
type AuthorizationRequest struct {
	State           string
	CodeChallenge   string
	ChallengeMethod string
	RedirectURI     string
	Scope           string
	ClientID        string
	Provider        string
}

// CodeExchange carries the parameters of an authorization_code grant.
type CodeExchange struct {
	Code        string
	Verifier    string
	RedirectURI string
	ClientID    string
}

// AuthorizerConfig wires an Authorizer.
type AuthorizerConfig struct {
	Pending         *PendingCache
	Codes           store.CodeStore
	Refresh         store.RefreshStore
	Tokens          *TokenIssuer
	Verifier        *Verifier
	Principals      PrincipalStore
	Providers       []ConsentProvider
	DefaultProvider string
	Redirects       RedirectPolicy
	CodeTTL         time.Duration
	Logger          *slog.Logger
}

// Authorizer runs the PKCE authorization code flow and refresh rotation.
type Authorizer struct {
	pending         *PendingCache
	codes           store.CodeStore
	refresh         store.RefreshStore
	tokens          *TokenIssuer
	verifier        *Verifier
	principals      PrincipalStore
	providers       map[string]ConsentProvider
	defaultProvider string
	redirects       RedirectPolicy
	codeTTL         time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if cfg.Pending == nil || cfg.Codes == nil || cfg.Refresh == nil || cfg.Tokens == nil || cfg.Verifier == nil || cfg.Principals == nil {
		return nil, errors.New("authorizer: missing dependency")
	}
	providers := make(map[string]ConsentProvider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name()] = p
	}
	if cfg.DefaultProvider != "" {
		if _, ok := providers[cfg.DefaultProvider]; !ok {
			return nil, fmt.Errorf("authorizer: unknown default provider %q", cfg.DefaultProvider)
		}
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Authorizer{
		pending:         cfg.Pending,
		codes:           cfg.Codes,
		refresh:         cfg.Refresh,
		tokens:          cfg.Tokens,
		verifier:        cfg.Verifier,
		principals:      cfg.Principals,
		providers:       providers,
		defaultProvider: cfg.DefaultProvider,
		redirects:       cfg.Redirects,
		codeTTL:         cfg.CodeTTL,
		logger:          cfg.Logger,
		now:             time.Now,
	}, nil
}

// BeginAuthorization records the request and returns the consent surface URL.
func (a *Authorizer) BeginAuthorization(_ context.Context, req AuthorizationRequest) (string, error) {
	switch {
	case req.RedirectURI == "":
		return "", NewInvalidRequestError("redirect_uri is required")
	case req.State == "":
		return "", NewInvalidRequestError("state is required")
	case req.CodeChallenge == "":
		return "", NewInvalidRequestError("code_challenge is required")
	}
	if req.ChallengeMethod == "" {
		req.ChallengeMethod = MethodS256
	}
	if !supportedMethod(req.ChallengeMethod) {
		return "", NewInvalidRequestError("unsupported code_challenge_method")
	}
	if err := a.validateRedirect(req.ClientID, req.RedirectURI); err != nil {
		return "", err
	}

	name := req.Provider
	if name == "" {
		name = a.defaultProvider
	}
	provider, ok := a.providers[name]
	if !ok {
		return "", NewInvalidRequestError("unknown identity provider")
	}

	verifier := oauth2.GenerateVerifier()
	err := a.pending.Put(PendingAuthorization{
		State:            req.State,
		CodeChallenge:    req.CodeChallenge,
		ChallengeMethod:  req.ChallengeMethod,
		RedirectURI:      req.RedirectURI,
		Scope:            req.Scope,
		ClientID:         req.ClientID,
		Provider:         name,
		UpstreamVerifier: verifier,
	})
	if errors.Is(err, ErrStateInUse) {
		return "", NewInvalidRequestError("state is already in use")
	}
	if err != nil {
		return "", NewInternalError("failed to record authorization request", err)
	}
	return provider.AuthCodeURL(req.State, req.Scope, verifier), nil
}

func (a *Authorizer) validateRedirect(clientID, redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" || u.Fragment != "" {
		return NewInvalidRequestError("redirect_uri must be an absolute URI without fragment")
	}
	if a.redirects == nil {
		return nil
	}
	if err := a.redirects.ValidateRedirect(clientID, redirectURI); err != nil {
		a.logger.Warn("redirect_uri rejected", "client_id", clientID, "redirect_uri", redirectURI, "error", err)
		return NewInvalidRequestError("redirect_uri is not allowed")
	}
	return nil
}

// CompleteAuthorization consumes the pending request for state, resolves the
// external grant to a principal and mints an authorization code. It returns
// the code and the redirect URI to send it to.
func (a *Authorizer) CompleteAuthorization(ctx context.Context, providerName, state, externalGrant string) (string, string, error) {
	if state == "" || externalGrant == "" {
		return "", "", NewInvalidRequestError("code and state are required")
	}
	pending, ok := a.pending.Take(state)
	if !ok {
		return "", "", NewInvalidRequestError("unknown or expired state")
	}
	if providerName != "" && pending.Provider != providerName {
		a.logger.Warn("callback provider mismatch", "expected", pending.Provider, "got", providerName)
		return "", "", NewInvalidRequestError("unknown or expired state")
	}
	provider, ok := a.providers[pending.Provider]
	if !ok {
		return "", "", NewInternalError("identity provider disappeared", fmt.Errorf("provider %q", pending.Provider))
	}

	rawIDToken, err := provider.Exchange(ctx, externalGrant, pending.UpstreamVerifier)
	if err != nil {
		a.logger.Warn("upstream grant exchange failed", "provider", pending.Provider, "error", err)
		return "", "", NewAuthenticationError("identity provider rejected the grant", err)
	}
	principal, err := a.verifier.VerifyFederated(ctx, rawIDToken)
	if err != nil {
		a.logger.Warn("upstream identity verification failed", "provider", pending.Provider, "error", err)
		return "", "", err
	}

	code, err := store.NewToken()
	if err != nil {
		return "", "", NewInternalError("failed to generate authorization code", err)
	}
	now := a.now()
	err = a.codes.SaveCode(ctx, store.AuthorizationCode{
		Code:                code,
		PrincipalID:         principal.ID,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		Scope:               pending.Scope,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.ChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.codeTTL),
	})
	if err != nil {
		return "", "", NewInternalError("failed to store authorization code", err)
	}
	a.logger.Info("authorization code issued", "principal_id", principal.ID, "client_id", pending.ClientID, "provider", pending.Provider)
	return code, pending.RedirectURI, nil
}

// DenyAuthorization consumes the pending request for state after the user or
// the consent surface refused it, and returns the redirect URI to report the
// refusal to.
func (a *Authorizer) DenyAuthorization(_ context.Context, providerName, state string) (string, error) {
	if state == "" {
		return "", NewInvalidRequestError("state is required")
	}
	pending, ok := a.pending.Take(state)
	if !ok || (providerName != "" && pending.Provider != providerName) {
		return "", NewInvalidRequestError("unknown or expired state")
	}
	a.logger.Info("authorization denied", "provider", pending.Provider, "client_id", pending.ClientID)
	return pending.RedirectURI, nil
}

// ExchangeCode redeems an authorization code. Only the first exchange of a
// code can succeed.
func (a *Authorizer) ExchangeCode(ctx context.Context, req CodeExchange) (TokenSet, error) {
	if req.Code == "" || req.Verifier == "" {
		return TokenSet{}, NewInvalidRequestError("code and code_verifier are required")
	}
	now := a.now()
	code, err := a.codes.GetCode(ctx, req.Code)
	if errors.Is(err, store.ErrNotFound) {
		return TokenSet{}, a.rejectGrant("unknown authorization code", nil)
	}
	if err != nil {
		return TokenSet{}, NewInternalError("failed to load authorization code", err)
	}
	switch {
	case code.Used:
		return TokenSet{}, a.rejectGrant("authorization code already used, possible interception", nil, "principal_id", code.PrincipalID)
	case code.Expired(now):
		return TokenSet{}, a.rejectGrant("authorization code expired", nil)
	case req.RedirectURI != "" && req.RedirectURI != code.RedirectURI:
		return TokenSet{}, a.rejectGrant("redirect_uri mismatch", nil)
	case req.ClientID != "" && code.ClientID != "" && req.ClientID != code.ClientID:
		return TokenSet{}, a.rejectGrant("client_id mismatch", nil)
	case !VerifyPKCE(req.Verifier, code.CodeChallenge, code.CodeChallengeMethod):
		return TokenSet{}, a.rejectGrant("PKCE validation failed", nil)
	}

	switch err := a.codes.MarkCodeUsed(ctx, req.Code, now); {
	case errors.Is(err, store.ErrAlreadyUsed):
		return TokenSet{}, a.rejectGrant("authorization code already used, possible interception", err, "principal_id", code.PrincipalID)
	case errors.Is(err, store.ErrExpired), errors.Is(err, store.ErrNotFound):
		return TokenSet{}, a.rejectGrant("authorization code no longer valid", err)
	case err != nil:
		return TokenSet{}, NewInternalError("failed to consume authorization code", err)
	}

	refresh, err := a.tokens.NewRefreshToken(code.PrincipalID, code.Scope, code.ClientID, "")
	if err != nil {
		return TokenSet{}, NewInternalError("failed to mint refresh token", err)
	}
	if err := a.refresh.SaveRefreshToken(ctx, refresh); err != nil {
		return TokenSet{}, NewInternalError("failed to store refresh token", err)
	}
	return a.tokenSet(code.PrincipalID, code.Scope, code.ClientID, refresh.Token)
}

// Refresh rotates a refresh token. The presented token is revoked and can
// never be used again.
func (a *Authorizer) Refresh(ctx context.Context, token string) (TokenSet, error) {
	if token == "" {
		return TokenSet{}, NewInvalidRequestError("refresh_token is required")
	}
	now := a.now()
	current, err := a.refresh.GetRefreshToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return TokenSet{}, a.rejectGrant("unknown refresh token", nil)
	}
	if err != nil {
		return TokenSet{}, NewInternalError("failed to load refresh token", err)
	}
	switch {
	case current.Revoked:
		return TokenSet{}, a.rejectGrant("refresh token replayed after rotation or revocation", nil, "principal_id", current.PrincipalID)
	case current.Expired(now):
		return TokenSet{}, a.rejectGrant("refresh token expired", nil)
	}
	if _, err := a.principals.GetPrincipal(ctx, current.PrincipalID); err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return TokenSet{}, a.rejectGrant("refresh token principal no longer exists", err)
		}
		return TokenSet{}, NewInternalError("failed to resolve principal", err)
	}

	next, err := a.tokens.NewRefreshToken(current.PrincipalID, current.Scope, current.ClientID, current.Token)
	if err != nil {
		return TokenSet{}, NewInternalError("failed to mint refresh token", err)
	}
	switch err := a.refresh.RotateRefreshToken(ctx, token, next, now); {
	case errors.Is(err, store.ErrRevoked):
		return TokenSet{}, a.rejectGrant("refresh token replayed after rotation or revocation", err, "principal_id", current.PrincipalID)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired), errors.Is(err, store.ErrMismatch):
		return TokenSet{}, a.rejectGrant("refresh token no longer valid", err)
	case err != nil:
		return TokenSet{}, NewInternalError("failed to rotate refresh token", err)
	}
	return a.tokenSet(current.PrincipalID, current.Scope, current.ClientID, next.Token)
}

// RevokeAll revokes every live refresh token of the principal and returns
// how many were revoked.
func (a *Authorizer) RevokeAll(ctx context.Context, principalID string) (int, error) {
	n, err := a.refresh.RevokeAllRefreshTokens(ctx, principalID)
	if err != nil {
		return 0, NewInternalError("failed to revoke refresh tokens", err)
	}
	a.logger.Info("refresh tokens revoked", "principal_id", principalID, "count", n)
	return n, nil
}

func (a *Authorizer) tokenSet(principalID, scope, clientID, refresh string) (TokenSet, error) {
	access, err := a.tokens.MintAccessToken(principalID, scope, clientID)
	if err != nil {
		return TokenSet{}, NewInternalError("failed to mint access token", err)
	}
	return TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(a.tokens.AccessTTL() / time.Second),
		Scope:        scope,
	}, nil
}

func (a *Authorizer) rejectGrant(detail string, cause error, attrs ...any) error {
	a.logger.Warn("grant rejected", append([]any{"reason", detail}, attrs...)...)
	return NewInvalidGrantError(detail, cause)
}
