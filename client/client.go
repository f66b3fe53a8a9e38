// Package client talks to a briefgate gateway: discovery, the PKCE
// authorization code flow, refresh, session status and logout.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// Config configures a Client.
type Config struct {
	// Issuer is the gateway base URL.
	Issuer      string
	ClientID    string
	RedirectURL string
	Scopes      []string
	// Provider selects an upstream identity provider. Empty uses the
	// gateway default.
	Provider   string
	HTTPClient *http.Client
}

// Metadata is the subset of authorization server metadata the client uses.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	ScopesSupported               []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// User is the principal reported by the session endpoint.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

// SessionStatus is the session endpoint response.
type SessionStatus struct {
	Authenticated bool `json:"authenticated"`
	User          User `json:"user"`
}

// Error is an OAuth-style error returned by the gateway.
type Error struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Description, e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
}

// Client is safe for concurrent use once discovery has completed.
type Client struct {
	cfg    Config
	http   *http.Client
	issuer string

	mu       sync.RWMutex
	metadata *Metadata
	oauth    *oauth2.Config
}

// New returns a Client. Discovery happens lazily on first use.
func New(cfg Config) (*Client, error) {
	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	if issuer == "" {
		return nil, errors.New("issuer required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, http: hc, issuer: issuer}, nil
}

// Discover fetches and caches the authorization server metadata.
func (c *Client) Discover(ctx context.Context) (*Metadata, error) {
	c.mu.RLock()
	md := c.metadata
	c.mu.RUnlock()
	if md != nil {
		return md, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/.well-known/oauth-authorization-server", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery failed: %s", resp.Status)
	}
	md = &Metadata{}
	if err := json.NewDecoder(resp.Body).Decode(md); err != nil {
		return nil, fmt.Errorf("decode discovery: %w", err)
	}
	if md.Issuer != c.issuer {
		return nil, fmt.Errorf("issuer mismatch: got %q, want %q", md.Issuer, c.issuer)
	}

	c.mu.Lock()
	c.metadata = md
	c.oauth = &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURL,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	c.mu.Unlock()
	return md, nil
}

func (c *Client) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	if _, err := c.Discover(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oauth, nil
}

// AuthCodeURL returns the URL that starts an authorization. The verifier
// must be kept for Exchange; see oauth2.GenerateVerifier.
func (c *Client) AuthCodeURL(ctx context.Context, state, verifier string) (string, error) {
	cfg, err := c.oauthConfig(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if c.cfg.Provider != "" {
		opts = append(opts, oauth2.SetAuthURLParam("idp", c.cfg.Provider))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange redeems an authorization code.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	cfg, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	return tok, translateError(err)
}

// Refresh rotates a refresh token. The returned token carries the new
// refresh token; the old one is no longer valid.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	return tok, translateError(err)
}

// SessionStatus reports the principal behind an access token.
func (c *Client) SessionStatus(ctx context.Context, accessToken string) (*SessionStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/auth/session", accessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	var status SessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode session status: %w", err)
	}
	return &status, nil
}

// Logout revokes every refresh token of the principal and returns how many
// were revoked.
func (c *Client) Logout(ctx context.Context, accessToken string) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/auth/logout", accessToken)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return 0, err
	}
	var body struct {
		Success       bool `json:"success"`
		RevokedTokens int  `json:"revoked_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode logout: %w", err)
	}
	return body.RevokedTokens, nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) do(ctx context.Context, method, path, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.issuer+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return c.http.Do(req)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	apiErr := &Error{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func translateError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &Error{StatusCode: status, Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	return err
}
