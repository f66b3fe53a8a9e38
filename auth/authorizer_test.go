package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefgate/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeConsent struct{ name string }

func (f fakeConsent) Name() string { return f.name }

func (f fakeConsent) AuthCodeURL(state, scope, _ string) string {
	q := url.Values{"state": {state}, "scope": {scope}}
	return "https://consent.example/authorize?" + q.Encode()
}

func (f fakeConsent) Exchange(_ context.Context, grant, verifier string) (string, error) {
	if grant == "denied" || verifier == "" {
		return "", errors.New("exchange refused")
	}
	return "idtoken:" + grant, nil
}

type fakeFederated struct{}

func (fakeFederated) VerifyIDToken(_ context.Context, raw string) (FederatedIdentity, error) {
	sub, ok := strings.CutPrefix(raw, "idtoken:")
	if !ok || sub == "" {
		return FederatedIdentity{}, errors.New("bad id token")
	}
	return FederatedIdentity{Provider: "fake", Subject: sub, Email: sub + "@example.com"}, nil
}

type denyRedirects struct{}

func (denyRedirects) ValidateRedirect(_, redirectURI string) error {
	if strings.Contains(redirectURI, "evil") {
		return errors.New("not registered")
	}
	return nil
}

type harness struct {
	authz      *Authorizer
	store      *store.Memory
	tokens     *TokenIssuer
	principals *MemoryPrincipals
	pending    *PendingCache
	verifier   *Verifier
	clock      time.Time
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{clock: time.Now()}
	now := func() time.Time { return h.clock }

	tokens, err := NewTokenIssuer("https://gateway.example", testSecret, 7*24*time.Hour, 30*24*time.Hour)
	require.NoError(t, err)
	tokens.now = now
	h.tokens = tokens
	h.store = store.NewMemory()
	h.principals = NewMemoryPrincipals("free")
	h.pending = NewPendingCache(DefaultPendingTTL)
	h.pending.now = now
	h.verifier = NewVerifier(tokens, h.principals, fakeFederated{}, logger)

	authz, err := NewAuthorizer(AuthorizerConfig{
		Pending:         h.pending,
		Codes:           h.store,
		Refresh:         h.store,
		Tokens:          tokens,
		Verifier:        h.verifier,
		Principals:      h.principals,
		Providers:       []ConsentProvider{fakeConsent{name: "fake"}},
		DefaultProvider: "fake",
		Redirects:       denyRedirects{},
		Logger:          logger,
	})
	require.NoError(t, err)
	authz.now = now
	h.authz = authz
	return h
}

func (h *harness) authorize(t *testing.T, state, verifier string) string {
	t.Helper()
	ctx := context.Background()
	_, err := h.authz.BeginAuthorization(ctx, AuthorizationRequest{
		State:         state,
		CodeChallenge: ChallengeS256(verifier),
		RedirectURI:   "https://client/cb",
		Scope:         "briefings",
		ClientID:      "agent",
	})
	require.NoError(t, err)
	code, redirect, err := h.authz.CompleteAuthorization(ctx, "fake", state, "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://client/cb", redirect)
	return code
}

func TestBeginAuthorizationRedirectsToConsent(t *testing.T) {
	h := newHarness(t)
	target, err := h.authz.BeginAuthorization(context.Background(), AuthorizationRequest{
		State:         "s1",
		CodeChallenge: ChallengeS256("verifier1"),
		RedirectURI:   "https://client/cb",
		Scope:         "briefings",
	})
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "consent.example", u.Host)
	assert.Equal(t, "s1", u.Query().Get("state"))
	assert.Equal(t, "briefings", u.Query().Get("scope"))
	assert.Equal(t, 1, h.pending.Len())
}

func TestBeginAuthorizationValidation(t *testing.T) {
	valid := AuthorizationRequest{State: "s", CodeChallenge: "c", RedirectURI: "https://client/cb"}
	tests := []struct {
		name   string
		mutate func(*AuthorizationRequest)
	}{
		{"missing state", func(r *AuthorizationRequest) { r.State = "" }},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }},
		{"missing redirect", func(r *AuthorizationRequest) { r.RedirectURI = "" }},
		{"relative redirect", func(r *AuthorizationRequest) { r.RedirectURI = "/cb" }},
		{"fragment redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://client/cb#x" }},
		{"disallowed redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" }},
		{"unknown method", func(r *AuthorizationRequest) { r.ChallengeMethod = "S512" }},
		{"unknown provider", func(r *AuthorizationRequest) { r.Provider = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := valid
			tt.mutate(&req)
			_, err := h.authz.BeginAuthorization(context.Background(), req)
			assert.True(t, IsKind(err, KindInvalidRequest), "got %v", err)
			assert.Zero(t, h.pending.Len())
		})
	}
}

func TestBeginAuthorizationRejectsReusedState(t *testing.T) {
	h := newHarness(t)
	req := AuthorizationRequest{State: "s1", CodeChallenge: "c", RedirectURI: "https://client/cb"}
	_, err := h.authz.BeginAuthorization(context.Background(), req)
	require.NoError(t, err)
	_, err = h.authz.BeginAuthorization(context.Background(), req)
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.authz.CompleteAuthorization(context.Background(), "fake", "nope", "u1")
	require.True(t, IsKind(err, KindInvalidRequest))
	assert.Contains(t, err.Error(), "unknown or expired state")
}

func TestCompleteAuthorizationIsSingleUse(t *testing.T) {
	h := newHarness(t)
	h.authorize(t, "s1", "verifier1")
	_, _, err := h.authz.CompleteAuthorization(context.Background(), "fake", "s1", "u1")
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestCompleteAuthorizationExpiredState(t *testing.T) {
	h := newHarness(t)
	_, err := h.authz.BeginAuthorization(context.Background(), AuthorizationRequest{
		State: "s1", CodeChallenge: "c", RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)
	h.advance(DefaultPendingTTL + time.Second)
	_, _, err = h.authz.CompleteAuthorization(context.Background(), "fake", "s1", "u1")
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestCompleteAuthorizationProviderMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.authz.BeginAuthorization(context.Background(), AuthorizationRequest{
		State: "s1", CodeChallenge: "c", RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)
	_, _, err = h.authz.CompleteAuthorization(context.Background(), "other", "s1", "u1")
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestCompleteAuthorizationRejectedGrant(t *testing.T) {
	h := newHarness(t)
	_, err := h.authz.BeginAuthorization(context.Background(), AuthorizationRequest{
		State: "s1", CodeChallenge: "c", RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)
	_, _, err = h.authz.CompleteAuthorization(context.Background(), "fake", "s1", "denied")
	assert.True(t, IsKind(err, KindAuthentication))
}

func TestDenyAuthorizationConsumesState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.authz.BeginAuthorization(ctx, AuthorizationRequest{
		State: "s1", CodeChallenge: "c", RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)

	redirect, err := h.authz.DenyAuthorization(ctx, "fake", "s1")
	require.NoError(t, err)
	assert.Equal(t, "https://client/cb", redirect)

	_, err = h.authz.DenyAuthorization(ctx, "fake", "s1")
	assert.True(t, IsKind(err, KindInvalidRequest))
	_, _, err = h.authz.CompleteAuthorization(ctx, "fake", "s1", "u1")
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestCompleteAuthorizationCreatesPrincipalOnce(t *testing.T) {
	h := newHarness(t)
	h.authorize(t, "s1", "v1")
	h.authorize(t, "s2", "v2")

	first, err := h.principals.ResolveFederated(context.Background(), FederatedIdentity{Provider: "fake", Subject: "u1"})
	require.NoError(t, err)
	assert.Len(t, h.principals.byID, 1)
	assert.Equal(t, "u1@example.com", first.Email)
	assert.Equal(t, "free", first.Tier)
}

func TestExchangeCodeSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	code := h.authorize(t, "s1", "verifier1")
	ctx := context.Background()

	set, err := h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: "verifier1", RedirectURI: "https://client/cb"})
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.RefreshToken)
	assert.Equal(t, int64(604800), set.ExpiresIn)
	assert.Equal(t, "briefings", set.Scope)

	claims, err := h.tokens.ValidateAccessToken(set.AccessToken)
	require.NoError(t, err)
	p, err := h.principals.GetPrincipal(ctx, claims.Subject)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.Subject)

	_, err = h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: "verifier1"})
	require.True(t, IsKind(err, KindInvalidGrant))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, invalidGrantDescription, e.Description)
	assert.Contains(t, e.Detail, "already used")
}

func TestExchangeCodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		req    func(code string) CodeExchange
		before func(h *harness)
		detail string
	}{
		{
			name:   "unknown code",
			req:    func(string) CodeExchange { return CodeExchange{Code: "nope", Verifier: "verifier1"} },
			detail: "unknown",
		},
		{
			name:   "expired code",
			req:    func(c string) CodeExchange { return CodeExchange{Code: c, Verifier: "verifier1"} },
			before: func(h *harness) { h.advance(DefaultCodeTTL) },
			detail: "expired",
		},
		{
			name:   "pkce mismatch",
			req:    func(c string) CodeExchange { return CodeExchange{Code: c, Verifier: "verifier2"} },
			detail: "PKCE",
		},
		{
			name:   "pkce prefix",
			req:    func(c string) CodeExchange { return CodeExchange{Code: c, Verifier: "verifier"} },
			detail: "PKCE",
		},
		{
			name: "redirect mismatch",
			req: func(c string) CodeExchange {
				return CodeExchange{Code: c, Verifier: "verifier1", RedirectURI: "https://client/other"}
			},
			detail: "redirect_uri",
		},
		{
			name: "client mismatch",
			req: func(c string) CodeExchange {
				return CodeExchange{Code: c, Verifier: "verifier1", ClientID: "someone-else"}
			},
			detail: "client_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			code := h.authorize(t, "s1", "verifier1")
			if tt.before != nil {
				tt.before(h)
			}
			_, err := h.authz.ExchangeCode(context.Background(), tt.req(code))
			require.True(t, IsKind(err, KindInvalidGrant), "got %v", err)
			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, invalidGrantDescription, e.Description)
			assert.Contains(t, e.Detail, tt.detail)
		})
	}
}

func TestExchangeCodeFailureDoesNotBurnCode(t *testing.T) {
	h := newHarness(t)
	code := h.authorize(t, "s1", "verifier1")
	_, err := h.authz.ExchangeCode(context.Background(), CodeExchange{Code: code, Verifier: "wrong"})
	require.Error(t, err)
	_, err = h.authz.ExchangeCode(context.Background(), CodeExchange{Code: code, Verifier: "verifier1"})
	assert.NoError(t, err)
}

func TestExchangeCodeMissingFields(t *testing.T) {
	h := newHarness(t)
	_, err := h.authz.ExchangeCode(context.Background(), CodeExchange{Code: "c"})
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestExchangeCodePlainMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.authz.BeginAuthorization(ctx, AuthorizationRequest{
		State: "s1", CodeChallenge: "plain-verifier", ChallengeMethod: MethodPlain, RedirectURI: "https://client/cb",
	})
	require.NoError(t, err)
	code, _, err := h.authz.CompleteAuthorization(ctx, "fake", "s1", "u1")
	require.NoError(t, err)
	_, err = h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: "plain-verifier"})
	assert.NoError(t, err)
}

func TestExchangeCodeConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	code := h.authorize(t, "s1", "verifier1")

	var wins, grants atomic.Int32
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.authz.ExchangeCode(context.Background(), CodeExchange{Code: code, Verifier: "verifier1"})
			switch {
			case err == nil:
				wins.Add(1)
			case IsKind(err, KindInvalidGrant):
				grants.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(11), grants.Load())
}

func TestRefreshRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.authorize(t, "s1", "verifier1")
	first, err := h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: "verifier1"})
	require.NoError(t, err)

	second, err := h.authz.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "briefings", second.Scope)

	stored, err := h.store.GetRefreshToken(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, stored.PreviousToken)

	_, err = h.authz.Refresh(ctx, first.RefreshToken)
	assert.True(t, IsKind(err, KindInvalidGrant))

	_, err = h.authz.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.authz.Refresh(ctx, "")
	assert.True(t, IsKind(err, KindInvalidRequest))

	_, err = h.authz.Refresh(ctx, "unknown")
	assert.True(t, IsKind(err, KindInvalidGrant))

	code := h.authorize(t, "s1", "verifier1")
	set, err := h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: "verifier1"})
	require.NoError(t, err)
	h.advance(31 * 24 * time.Hour)
	_, err = h.authz.Refresh(ctx, set.RefreshToken)
	assert.True(t, IsKind(err, KindInvalidGrant))
}

func TestRevokeAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var sets []TokenSet
	for _, state := range []string{"s1", "s2", "s3"} {
		verifier := "verifier-" + state
		code := h.authorize(t, state, verifier)
		set, err := h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: verifier})
		require.NoError(t, err)
		sets = append(sets, set)
	}
	claims, err := h.tokens.ValidateAccessToken(sets[0].AccessToken)
	require.NoError(t, err)

	n, err := h.authz.RevokeAll(ctx, claims.Subject)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, set := range sets {
		_, err := h.authz.Refresh(ctx, set.RefreshToken)
		assert.True(t, IsKind(err, KindInvalidGrant))
	}

	n, err = h.authz.RevokeAll(ctx, claims.Subject)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeAllConcurrentWithRefresh(t *testing.T) {
	for range 20 {
		h := newHarness(t)
		ctx := context.Background()
		code := h.authorize(t, "s1", "verifier1")
		set, err := h.authz.ExchangeCode(ctx, CodeExchange{Code: code, Verifier: "verifier1"})
		require.NoError(t, err)
		claims, err := h.tokens.ValidateAccessToken(set.AccessToken)
		require.NoError(t, err)

		var rotated TokenSet
		var rotateErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rotated, rotateErr = h.authz.Refresh(ctx, set.RefreshToken)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.authz.RevokeAll(ctx, claims.Subject)
		}()
		wg.Wait()

		if rotateErr != nil {
			continue
		}
		// The successor escaped only if it was minted after revocation, which
		// rotation of an already revoked token forbids.
		_, err = h.authz.Refresh(ctx, rotated.RefreshToken)
		assert.True(t, IsKind(err, KindInvalidGrant), "successor escaped revocation")
	}
}
