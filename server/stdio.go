package server

import (
	"context"
	"io"
	"log/slog"
	"time"

	"briefgate/auth"
	"briefgate/session"
	"briefgate/tools"
)

// LocalIdentity returns the fixed identity used by the stdio transport.
func (c Config) LocalIdentity() auth.Principal {
	p := auth.Principal{
		ID:        c.LocalPrincipal.ID,
		Email:     c.LocalPrincipal.Email,
		Name:      c.LocalPrincipal.Name,
		Tier:      c.LocalPrincipal.Tier,
		Provider:  "local",
		CreatedAt: time.Now().UTC(),
	}
	if p.ID == "" {
		p.ID = session.LocalSessionID
	}
	if p.Tier == "" {
		p.Tier = c.Auth.DefaultTier
	}
	return p
}

// ServeStdio runs the tool protocol over in and out for the configured
// local principal. No OAuth flow is involved.
func ServeStdio(ctx context.Context, cfg Config, in io.Reader, out io.Writer, logger *slog.Logger, opts ...Option) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	briefings := o.briefings
	if briefings == nil {
		briefings = tools.NewMemoryBriefings(tools.DefaultCatalog)
	}
	protocol := tools.NewServer(briefings, Version, logger)
	return session.ServeLocal(ctx, session.NewLocalTransport(in, out), protocol, cfg.LocalIdentity(), logger)
}
