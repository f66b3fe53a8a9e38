package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"briefgate/auth"
)

// OIDCProvider is an upstream OpenID Connect identity provider. It is both
// a consent surface and a verifier of the ID tokens it issues.
type OIDCProvider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", name)
	}

	issuer := upstream.Issuer
	if upstream.TenantID != "" {
		if resolved, ok := resolveAzureTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := upstream.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier: op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		logger:   logger,
	}, nil
}

// Name returns the provider's route name.
func (p *OIDCProvider) Name() string { return p.name }

// AuthCodeURL builds the upstream authorization request. The upstream leg
// carries its own S256 challenge derived from verifier.
func (p *OIDCProvider) AuthCodeURL(state, _ string, verifier string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange redeems the upstream code and returns the raw ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (string, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", errors.New("id_token missing in response")
	}
	return rawIDToken, nil
}

// VerifyIDToken checks signature, issuer, audience and expiry.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (auth.FederatedIdentity, error) {
	return identityFromToken(ctx, p.name, p.verifier, rawIDToken)
}

type identityClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

func identityFromToken(ctx context.Context, provider string, verifier *oidc.IDTokenVerifier, rawIDToken string) (auth.FederatedIdentity, error) {
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return auth.FederatedIdentity{}, fmt.Errorf("verify id_token: %w", err)
	}
	var claims identityClaims
	if err := idToken.Claims(&claims); err != nil {
		return auth.FederatedIdentity{}, fmt.Errorf("parse claims: %w", err)
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return auth.FederatedIdentity{
		Provider: provider,
		Subject:  idToken.Subject,
		Email:    claims.Email,
		Name:     name,
	}, nil
}

// BuildProviders prepares all configured upstream providers, sorted by name.
// In dev mode a provider that fails discovery is skipped with a warning.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) ([]*OIDCProvider, error) {
	configured := cfg.UpstreamProviders()
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]*OIDCProvider, 0, len(names))
	for _, name := range names {
		redirect := cfg.Issuer() + "/callback/" + name
		prov, err := NewOIDCProvider(ctx, name, configured[name], redirect, logger)
		if err != nil {
			if cfg.Server.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				continue
			}
			return nil, err
		}
		providers = append(providers, prov)
	}
	return providers, nil
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
