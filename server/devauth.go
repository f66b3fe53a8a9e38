package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"

	"briefgate/auth"
	"briefgate/store"
)

const (
	devProviderName = "dev"
	devAudience     = "briefgate-dev"
	devGrantTTL     = 5 * time.Minute
	devIDTokenTTL   = 5 * time.Minute
)

type devGrant struct {
	Identity  auth.FederatedIdentity
	Challenge string
	ExpiresAt time.Time
}

// DevProvider is a local consent surface for development. The consent form
// issues a single-use grant; exchanging it yields an RS256 ID token that is
// verified like any upstream token.
type DevProvider struct {
	issuer    string
	publicURL string
	signer    jose.Signer
	verifier  *oidc.IDTokenVerifier
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	grants map[string]devGrant
}

// NewDevProvider generates a signing key for the dev consent surface.
func NewDevProvider(publicURL string, logger *slog.Logger) (*DevProvider, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate dev signing key: %w", err)
	}
	kid := uuid.NewString()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dev signer: %w", err)
	}
	issuer := publicURL + "/dev"
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	return &DevProvider{
		issuer:    issuer,
		publicURL: publicURL,
		signer:    signer,
		verifier:  oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: devAudience}),
		logger:    logger,
		now:       time.Now,
		grants:    make(map[string]devGrant),
	}, nil
}

// Name returns the provider's route name.
func (p *DevProvider) Name() string { return devProviderName }

// AuthCodeURL points at the dev consent form.
func (p *DevProvider) AuthCodeURL(state, scope, verifier string) string {
	q := url.Values{}
	q.Set("state", state)
	if scope != "" {
		q.Set("scope", scope)
	}
	q.Set("code_challenge", auth.ChallengeS256(verifier))
	return p.publicURL + "/dev/consent?" + q.Encode()
}

// Grant records a consent decision and returns the single-use grant.
func (p *DevProvider) Grant(identity auth.FederatedIdentity, challenge string) (string, error) {
	if identity.Subject == "" {
		return "", errors.New("subject required")
	}
	code, err := store.NewToken()
	if err != nil {
		return "", err
	}
	identity.Provider = devProviderName
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants[code] = devGrant{Identity: identity, Challenge: challenge, ExpiresAt: p.now().Add(devGrantTTL)}
	p.logger.Debug("dev consent granted", "subject", identity.Subject)
	return code, nil
}

// Exchange consumes the grant and mints a signed ID token for its identity.
func (p *DevProvider) Exchange(_ context.Context, grant, verifier string) (string, error) {
	p.mu.Lock()
	g, ok := p.grants[grant]
	delete(p.grants, grant)
	p.mu.Unlock()

	now := p.now()
	switch {
	case !ok:
		return "", errors.New("unknown dev grant")
	case !now.Before(g.ExpiresAt):
		return "", errors.New("dev grant expired")
	case !auth.VerifyPKCE(verifier, g.Challenge, auth.MethodS256):
		return "", errors.New("dev grant challenge mismatch")
	}
	return p.mintIDToken(g.Identity, now)
}

type devIDClaims struct {
	jwt.Claims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (p *DevProvider) mintIDToken(identity auth.FederatedIdentity, now time.Time) (string, error) {
	claims := devIDClaims{
		Claims: jwt.Claims{
			Issuer:   p.issuer,
			Subject:  identity.Subject,
			Audience: jwt.Audience{devAudience},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(devIDTokenTTL)),
			ID:       uuid.NewString(),
		},
		Email: identity.Email,
		Name:  identity.Name,
	}
	raw, err := jwt.Signed(p.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("sign dev id_token: %w", err)
	}
	return raw, nil
}

// VerifyIDToken verifies tokens minted by this provider.
func (p *DevProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (auth.FederatedIdentity, error) {
	return identityFromToken(ctx, devProviderName, p.verifier, rawIDToken)
}

// Sweep drops grants that were never exchanged.
func (p *DevProvider) Sweep(_ context.Context, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for code, g := range p.grants {
		if !now.Before(g.ExpiresAt) {
			delete(p.grants, code)
			removed++
		}
	}
	return removed, nil
}

type devConsentView struct {
	State     string
	Scope     string
	Challenge string
}

var devConsentTemplate = template.Must(template.New("devConsent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>briefgate dev consent</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 3rem auto; color: #1f2933; }
label { display: block; margin-top: 1rem; font-weight: 600; }
input[type=text], input[type=email] { width: 100%; padding: .5rem; margin-top: .25rem; }
button { margin-top: 1.5rem; padding: .6rem 1.4rem; }
.note { color: #7b8794; font-size: .9rem; }
</style>
</head>
<body>
<h1>Development sign-in</h1>
<p class="note">This page only exists in dev mode. It signs you in as whoever you type below.</p>
{{if .Scope}}<p>Requested scope: <code>{{.Scope}}</code></p>{{end}}
<form method="post" action="/dev/consent">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.Challenge}}">
<label>Subject <input type="text" name="subject" value="dev-user" required></label>
<label>Email <input type="email" name="email" value="dev@example.com"></label>
<label>Name <input type="text" name="name" value="Dev User"></label>
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>
`))

func (a *App) handleDevConsentForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		a.writeError(w, r, auth.NewInvalidRequestError("state and code_challenge are required"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	view := devConsentView{State: q.Get("state"), Scope: q.Get("scope"), Challenge: q.Get("code_challenge")}
	if err := devConsentTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render dev consent", "error", err)
	}
}

func (a *App) handleDevConsentSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, r, auth.NewInvalidRequestError("invalid form"))
		return
	}
	state := r.PostFormValue("state")
	if state == "" {
		a.writeError(w, r, auth.NewInvalidRequestError("state is required"))
		return
	}
	callback := a.Config.Issuer() + "/callback/" + devProviderName
	q := url.Values{}
	q.Set("state", state)

	if r.PostFormValue("decision") == "deny" {
		q.Set("error", "access_denied")
		http.Redirect(w, r, callback+"?"+q.Encode(), http.StatusFound)
		return
	}

	grant, err := a.Dev.Grant(auth.FederatedIdentity{
		Subject: r.PostFormValue("subject"),
		Email:   r.PostFormValue("email"),
		Name:    r.PostFormValue("name"),
	}, r.PostFormValue("code_challenge"))
	if err != nil {
		a.writeError(w, r, auth.NewInvalidRequestError("subject is required"))
		return
	}
	q.Set("code", grant)
	http.Redirect(w, r, callback+"?"+q.Encode(), http.StatusFound)
}
