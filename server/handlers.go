package server

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"briefgate/auth"
)

// DiscoveryDocument is the authorization server metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the authorization server metadata.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"scopes_supported":                      cfg.Auth.Scopes,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{auth.MethodS256},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleProtectedResource(w http.ResponseWriter, _ *http.Request) {
	issuer := a.Config.Issuer()
	writeJSON(w, map[string]any{
		"resource":                 issuer + "/mcp",
		"authorization_servers":    []string{issuer},
		"scopes_supported":         a.Config.Auth.Scopes,
		"bearer_methods_supported": []string{"header"},
	})
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": a.Mux.Active(),
	})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		a.Metrics.ObserveAuthorization("authorize", auth.NewInvalidRequestError("unsupported response_type"))
		a.writeError(w, r, auth.NewInvalidRequestError("unsupported response_type"))
		return
	}

	target, err := a.Authorizer.BeginAuthorization(r.Context(), auth.AuthorizationRequest{
		State:           q.Get("state"),
		CodeChallenge:   q.Get("code_challenge"),
		ChallengeMethod: q.Get("code_challenge_method"),
		RedirectURI:     q.Get("redirect_uri"),
		Scope:           q.Get("scope"),
		ClientID:        q.Get("client_id"),
		Provider:        q.Get("idp"),
	})
	a.Metrics.ObserveAuthorization("authorize", err)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	q := r.URL.Query()
	state := q.Get("state")

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		redirectURI, err := a.Authorizer.DenyAuthorization(r.Context(), providerName, state)
		a.Metrics.ObserveAuthorization("callback", auth.NewAuthorizationError(upstreamErr))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.Logger.Info("upstream sign-in refused", "provider", providerName, "error", upstreamErr)
		redirectWithParams(w, r, redirectURI, url.Values{
			"error":             {string(auth.KindAuthorization)},
			"error_description": {"the user or identity provider denied the request"},
			"state":             {state},
		})
		return
	}

	code, redirectURI, err := a.Authorizer.CompleteAuthorization(r.Context(), providerName, state, q.Get("code"))
	if auth.IsKind(err, auth.KindAuthentication) {
		err = &auth.Error{Kind: auth.KindAuthorization, Description: "sign-in with the identity provider failed", Cause: err}
	}
	a.Metrics.ObserveAuthorization("callback", err)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	redirectWithParams(w, r, redirectURI, url.Values{"code": {code}, "state": {state}})
}

func redirectWithParams(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: string(auth.KindInvalidRequest), Description: "invalid redirect_uri"})
		return
	}
	values := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				values.Set(k, v)
			}
		}
	}
	u.RawQuery = values.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, auth.NewInvalidRequestError("invalid form body"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	var (
		set auth.TokenSet
		err error
	)
	switch grantType {
	case "authorization_code":
		set, err = a.Authorizer.ExchangeCode(r.Context(), auth.CodeExchange{
			Code:        r.PostFormValue("code"),
			Verifier:    r.PostFormValue("code_verifier"),
			RedirectURI: r.PostFormValue("redirect_uri"),
			ClientID:    r.PostFormValue("client_id"),
		})
	case "refresh_token":
		set, err = a.Authorizer.Refresh(r.Context(), r.PostFormValue("refresh_token"))
	case "":
		err = auth.NewInvalidRequestError("grant_type is required")
	default:
		err = auth.NewUnsupportedGrantTypeError(grantType)
	}
	a.Metrics.ObserveGrant(grantLabel(grantType), err)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, tokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		Scope:        set.Scope,
	})
}

func grantLabel(grantType string) string {
	switch grantType {
	case "authorization_code", "refresh_token":
		return grantType
	default:
		return "other"
	}
}

func (a *App) authenticate(r *http.Request) (auth.Principal, error) {
	return a.Verifier.Verify(r.Context(), extractBearerToken(r.Header.Get("Authorization")))
}

type sessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

func (a *App) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.authenticate(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]any{
		"authenticated": true,
		"user":          sessionUser{ID: p.ID, Email: p.Email, Tier: p.Tier},
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, err := a.authenticate(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	n, err := a.Authorizer.RevokeAll(r.Context(), p.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success":        true,
		"revoked_tokens": n,
	})
}
