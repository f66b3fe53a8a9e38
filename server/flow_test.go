package server

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefgate/auth"
)

const clientRedirect = "https://client/cb"

// authorize runs the authorization and dev consent steps and returns the
// code delivered to the client redirect.
func (e *testEnv) authorize(t *testing.T, state, verifier, subject string) string {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"redirect_uri":          {clientRedirect},
		"state":                 {state},
		"code_challenge":        {auth.ChallengeS256(verifier)},
		"code_challenge_method": {auth.MethodS256},
	}
	consent := location(t, e.get(t, "/authorize?"+q.Encode(), nil))
	require.Equal(t, "/dev/consent", consent.Path)
	require.Equal(t, state, consent.Query().Get("state"))

	callback := location(t, e.postForm(t, "/dev/consent", url.Values{
		"state":          {state},
		"code_challenge": {consent.Query().Get("code_challenge")},
		"subject":        {subject},
		"email":          {subject + "@example.com"},
		"decision":       {"allow"},
	}, nil))
	require.Equal(t, "/callback/dev", callback.Path)

	final := location(t, e.get(t, callback.String(), nil))
	require.Equal(t, "client", final.Host)
	require.Equal(t, "/cb", final.Path)
	require.Equal(t, state, final.Query().Get("state"))
	code := final.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (e *testEnv) exchange(t *testing.T, code, verifier string) *http.Response {
	t.Helper()
	return e.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {clientRedirect},
	}, nil)
}

func (e *testEnv) login(t *testing.T, subject string) map[string]any {
	t.Helper()
	code := e.authorize(t, "state-"+subject, "verifier-"+subject, subject)
	resp := e.exchange(t, code, "verifier-"+subject)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeJSON(t, resp)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	// Authorize redirects to consent, consent redirects back to the client
	// with an opaque code and the original state.
	code := env.authorize(t, "s1", "verifier1", "u1")

	resp := env.exchange(t, code, "verifier1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	tokens := decodeJSON(t, resp)
	assert.NotEmpty(t, tokens["access_token"])
	assert.NotEmpty(t, tokens["refresh_token"])
	assert.Equal(t, "Bearer", tokens["token_type"])
	assert.EqualValues(t, 604800, tokens["expires_in"])

	// Codes are single use.
	resp = env.exchange(t, code, "verifier1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeJSON(t, resp)["error"])

	// Refresh rotates; the presented token is dead afterwards.
	original := tokens["refresh_token"].(string)
	resp = env.postForm(t, "/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {original}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeJSON(t, resp)
	assert.NotEmpty(t, rotated["access_token"])
	assert.NotEqual(t, original, rotated["refresh_token"])

	resp = env.postForm(t, "/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {original}}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeJSON(t, resp)["error"])

	// The rotated access token identifies the same principal.
	resp = env.get(t, "/auth/session", bearer(rotated["access_token"].(string)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeJSON(t, resp)
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, "u1@example.com", status["user"].(map[string]any)["email"])
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.authorize(t, "s1", "verifier1", "u1")

	resp := env.exchange(t, code, "verifier2")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "invalid_grant", body["error"])

	// A failed verifier does not consume the code.
	resp = env.exchange(t, code, "verifier1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenEndpointErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{"missing grant type", url.Values{}, http.StatusBadRequest, "invalid_request"},
		{"unsupported grant type", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, "unsupported_grant_type"},
		{"unknown code", url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "code_verifier": {"v"}}, http.StatusBadRequest, "invalid_grant"},
		{"unknown refresh token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"nope"}}, http.StatusBadRequest, "invalid_grant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postForm(t, "/token", tt.form, nil)
			require.Equal(t, tt.status, resp.StatusCode)
			body := decodeJSON(t, resp)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["error_description"])
		})
	}
}

func TestAuthorizeValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge := auth.ChallengeS256("verifier1")

	tests := []struct {
		name  string
		query url.Values
	}{
		{"missing redirect", url.Values{"state": {"s"}, "code_challenge": {challenge}}},
		{"missing state", url.Values{"redirect_uri": {clientRedirect}, "code_challenge": {challenge}}},
		{"missing challenge", url.Values{"redirect_uri": {clientRedirect}, "state": {"s"}}},
		{"unsafe redirect", url.Values{"redirect_uri": {"javascript:alert(1)"}, "state": {"s"}, "code_challenge": {challenge}}},
		{"bad response type", url.Values{"response_type": {"token"}, "redirect_uri": {clientRedirect}, "state": {"s"}, "code_challenge": {challenge}}},
		{"unknown provider", url.Values{"redirect_uri": {clientRedirect}, "state": {"s"}, "code_challenge": {challenge}, "idp": {"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.get(t, "/authorize?"+tt.query.Encode(), nil)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request", decodeJSON(t, resp)["error"])
		})
	}
}

func TestAuthorizeRegisteredClient(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Clients = []ClientConfig{{ClientID: "web", RedirectURIs: []string{clientRedirect}}}
	})
	q := url.Values{
		"client_id":      {"web"},
		"redirect_uri":   {"https://client/other"},
		"state":          {"s1"},
		"code_challenge": {auth.ChallengeS256("verifier1")},
	}
	resp := env.get(t, "/authorize?"+q.Encode(), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	q.Set("redirect_uri", clientRedirect)
	resp = env.get(t, "/authorize?"+q.Encode(), nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestConsentDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	q := url.Values{
		"redirect_uri":   {clientRedirect},
		"state":          {"s1"},
		"code_challenge": {auth.ChallengeS256("verifier1")},
	}
	consent := location(t, env.get(t, "/authorize?"+q.Encode(), nil))

	callback := location(t, env.postForm(t, "/dev/consent", url.Values{
		"state":          {"s1"},
		"code_challenge": {consent.Query().Get("code_challenge")},
		"decision":       {"deny"},
	}, nil))
	final := location(t, env.get(t, callback.String(), nil))
	assert.Equal(t, "client", final.Host)
	assert.Equal(t, "access_denied", final.Query().Get("error"))
	assert.Equal(t, "s1", final.Query().Get("state"))
	assert.Empty(t, final.Query().Get("code"))

	// The state was consumed by the denial.
	resp := env.get(t, callback.String(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackUnknownState(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.get(t, "/callback/dev?state=nope&code=abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeJSON(t, resp)["error"])
}

func TestCallbackForgedGrantIsAccessDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	q := url.Values{
		"redirect_uri":   {clientRedirect},
		"state":          {"s1"},
		"code_challenge": {auth.ChallengeS256("verifier1")},
	}
	location(t, env.get(t, "/authorize?"+q.Encode(), nil))

	resp := env.get(t, "/callback/dev?state=s1&code=forged", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", decodeJSON(t, resp)["error"])
}

func TestSessionStatusAndLogout(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/auth/session", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "resource_metadata=")

	first := env.login(t, "u1")
	second := env.login(t, "u1")
	access := second["access_token"].(string)

	resp = env.postForm(t, "/auth/logout", nil, bearer(access))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["revoked_tokens"])

	for _, tokens := range []map[string]any{first, second} {
		resp = env.postForm(t, "/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens["refresh_token"].(string)},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	issuer := env.app.Config.Issuer()

	resp := env.get(t, "/.well-known/oauth-authorization-server", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeJSON(t, resp)
	assert.Equal(t, issuer, doc["issuer"])
	assert.Equal(t, issuer+"/token", doc["token_endpoint"])
	assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])
	assert.Equal(t, []any{"none"}, doc["token_endpoint_auth_methods_supported"])

	resp = env.get(t, "/.well-known/oauth-protected-resource", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc = decodeJSON(t, resp)
	assert.Equal(t, issuer+"/mcp", doc["resource"])
	assert.Equal(t, []any{issuer}, doc["authorization_servers"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, resp)["status"])

	env.login(t, "u1")
	resp = env.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `briefgate_token_grants_total{grant_type="authorization_code",result="ok"} 1`)
	assert.Contains(t, body, "briefgate_http_requests_total")
}
