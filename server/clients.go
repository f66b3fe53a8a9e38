package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// Client is a registered public client.
type Client struct {
	ClientID     string
	RedirectURIs []string
}

// ClientRegistry holds registered clients and decides which redirect URIs
// the authorization endpoint may send codes to.
type ClientRegistry struct {
	clients map[string]*Client
	// allowInsecure permits plain http redirect URIs on non-loopback hosts.
	allowInsecure bool
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig, allowInsecure bool) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if _, dup := clients[cfg.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", cfg.ClientID)
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			RedirectURIs: slices.Clone(cfg.RedirectURIs),
		}
	}
	return &ClientRegistry{clients: clients, allowInsecure: allowInsecure}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// ValidateRedirect rejects unsafe redirect URIs, and URIs a registered
// client did not register. Unregistered clients only get the safety checks.
func (cr *ClientRegistry) ValidateRedirect(clientID, redirectURI string) error {
	if !isSafeRedirectURI(redirectURI) {
		return errors.New("unsafe redirect_uri")
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("parse redirect_uri: %w", err)
	}
	if u.Scheme == "http" && !cr.allowInsecure && !isLoopbackHost(u.Hostname()) {
		return errors.New("http redirect_uri is only allowed on loopback hosts")
	}
	client, ok := cr.clients[clientID]
	if !ok {
		return nil
	}
	if !client.ValidRedirect(redirectURI) {
		return fmt.Errorf("redirect_uri not registered for client %s", clientID)
	}
	return nil
}

// ValidRedirect reports whether uri is one of the client's registered URIs.
func (c *Client) ValidRedirect(uri string) bool {
	return isSafeRedirectURI(uri) && slices.Contains(c.RedirectURIs, uri)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isSafeRedirectURI blocks dangerous schemes and malformed URIs that could
// turn the authorization endpoint into an open redirector.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// http://evil.com#http://trusted.com/callback
	if strings.Contains(rest, "#") {
		return false
	}

	u, err := url.Parse(uri)
	return err == nil && u.Host != ""
}
