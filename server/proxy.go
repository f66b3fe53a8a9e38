package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"briefgate/auth"
	"briefgate/client"
)

const workflowPrefix = "/workflow"

// PrincipalVerifier resolves a bearer credential to a principal.
type PrincipalVerifier interface {
	Verify(ctx context.Context, bearer string) (auth.Principal, error)
}

// WorkflowProxy forwards authenticated requests to the summarization
// workflow, replacing the caller's credential with principal headers.
type WorkflowProxy struct {
	target   *url.URL
	proxy    *httputil.ReverseProxy
	verifier PrincipalVerifier
	logger   *slog.Logger
}

// NewWorkflowProxy builds a proxy to cfg.Target.
func NewWorkflowProxy(cfg WorkflowConfig, verifier PrincipalVerifier, logger *slog.Logger) (*WorkflowProxy, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if targetURL.Scheme != "http" && targetURL.Scheme != "https" {
		return nil, fmt.Errorf("target must be an http(s) URL")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = targetURL.Host
		// X-Forwarded-For is appended by the reverse proxy itself.
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
	}

	p := &WorkflowProxy{
		target:   targetURL,
		proxy:    proxy,
		verifier: verifier,
		logger:   logger,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error("workflow proxy error",
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		writeJSONStatus(w, http.StatusBadGateway, errorBody{Error: "bad_gateway", Description: "summarization workflow unavailable"})
	}

	logger.Info("workflow proxy configured", "target", cfg.Target, "timeout", timeout)
	return p, nil
}

func (p *WorkflowProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := p.verifier.Verify(r.Context(), extractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		p.logger.Debug("workflow request rejected", "path", r.URL.Path, "error", err)
		w.Header().Set("Cache-Control", "no-store")
		writeJSONStatus(w, http.StatusUnauthorized, errorBody{Error: string(auth.KindAuthentication), Description: "invalid or missing credentials"})
		return
	}

	out := r.Clone(r.Context())
	out.Header.Del("Authorization")
	out.Header.Del("Cookie")
	for name := range out.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Principal-") {
			out.Header.Del(name)
		}
	}
	out.Header.Set(client.HeaderPrincipalID, principal.ID)
	out.Header.Set(client.HeaderPrincipalTier, principal.Tier)

	out.URL.Path = strings.TrimPrefix(out.URL.Path, workflowPrefix)
	if out.URL.Path == "" {
		out.URL.Path = "/"
	}
	out.URL.RawPath = ""

	p.logger.Debug("proxying workflow request",
		"principal_id", principal.ID,
		"path", out.URL.Path,
		"method", r.Method,
	)
	p.proxy.ServeHTTP(w, out)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
