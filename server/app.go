package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"briefgate/auth"
	"briefgate/session"
	"briefgate/store"
	"briefgate/tools"
)

// Version is reported to tool protocol clients.
var Version = "dev"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config          Config
	Logger          *slog.Logger
	Store           store.Store
	Principals      auth.PrincipalStore
	Tokens          *auth.TokenIssuer
	Verifier        *auth.Verifier
	Pending         *auth.PendingCache
	Authorizer      *auth.Authorizer
	Clients         *ClientRegistry
	Providers       []auth.ConsentProvider
	DefaultProvider string
	Dev             *DevProvider
	Protocol        *mcpserver.MCPServer
	Sessions        *session.Table
	Mux             *session.Multiplexer
	Sweeper         *auth.Sweeper
	Metrics         *Metrics
	Limiter         *RateLimiter
	Workflow        *WorkflowProxy

	conns     sync.Map
	closeOnce sync.Once
}

type appOptions struct {
	store     store.Store
	briefings tools.BriefingService
}

// Option customizes NewApp.
type Option func(*appOptions)

// WithStore replaces the configured code and refresh token store.
func WithStore(s store.Store) Option {
	return func(o *appOptions) { o.store = s }
}

// WithBriefings replaces the in-memory briefing service.
func WithBriefings(svc tools.BriefingService) Option {
	return func(o *appOptions) { o.briefings = svc }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	secret := []byte(cfg.Auth.SigningSecret)
	if len(secret) == 0 {
		if !cfg.Server.DevMode {
			return nil, errors.New("auth.signing_secret is required in production")
		}
		secret = make([]byte, minSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		logger.Warn("no signing secret configured, using an ephemeral one; tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenIssuer(cfg.Issuer(), secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	st := o.store
	if st == nil {
		st, err = openStore(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	}

	clients, err := NewClientRegistry(cfg.Clients, cfg.Server.DevMode)
	if err != nil {
		return nil, err
	}

	upstream, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var (
		consent   []auth.ConsentProvider
		federated auth.FederatedChain
	)
	for _, p := range upstream {
		consent = append(consent, p)
		federated = append(federated, p)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Tokens:   tokens,
		Clients:  clients,
		Metrics:  NewMetrics(),
		Sessions: session.NewTable(),
	}

	if cfg.Server.DevMode {
		dev, err := NewDevProvider(cfg.Issuer(), logger)
		if err != nil {
			return nil, err
		}
		app.Dev = dev
		consent = append(consent, dev)
		federated = append(federated, dev)
	}

	app.DefaultProvider = cfg.Providers.Default
	if app.DefaultProvider == "" && len(consent) > 0 {
		app.DefaultProvider = consent[0].Name()
		if app.Dev != nil {
			app.DefaultProvider = devProviderName
		}
	}
	if app.DefaultProvider != "" && !hasProvider(consent, app.DefaultProvider) {
		if !cfg.Server.DevMode {
			return nil, fmt.Errorf("default provider %s not configured", app.DefaultProvider)
		}
		logger.Warn("default provider unavailable, falling back to dev consent", "provider", app.DefaultProvider)
		app.DefaultProvider = devProviderName
	}
	app.Providers = consent

	app.Principals = openPrincipals(st, cfg.Auth.DefaultTier)
	app.Verifier = auth.NewVerifier(tokens, app.Principals, federated, logger)
	app.Pending = auth.NewPendingCache(cfg.Auth.PendingTTL)
	app.Authorizer, err = auth.NewAuthorizer(auth.AuthorizerConfig{
		Pending:         app.Pending,
		Codes:           st,
		Refresh:         st,
		Tokens:          tokens,
		Verifier:        app.Verifier,
		Principals:      app.Principals,
		Providers:       consent,
		DefaultProvider: app.DefaultProvider,
		Redirects:       clients,
		CodeTTL:         cfg.Auth.CodeTTL,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init authorizer: %w", err)
	}

	briefings := o.briefings
	if briefings == nil {
		briefings = tools.NewMemoryBriefings(tools.DefaultCatalog)
	}
	app.Protocol = tools.NewServer(briefings, Version, logger)
	app.Mux = session.NewMultiplexer(app.Sessions, app.Verifier, app.Protocol, session.Options{
		IdleTTL:           cfg.Sessions.IdleTTL,
		CloseOnDisconnect: cfg.Sessions.CloseOnDisconnect,
		Observer:          app.Metrics,
		Logger:            logger,
	})

	if cfg.RateLimit.RequestsPerSecond > 0 {
		app.Limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if cfg.Workflow.Target != "" {
		app.Workflow, err = NewWorkflowProxy(cfg.Workflow, app.Verifier, logger)
		if err != nil {
			return nil, fmt.Errorf("init workflow proxy: %w", err)
		}
	}

	app.Sweeper = auth.NewSweeper(cfg.Auth.SweepInterval, logger)
	app.Sweeper.OnSweep = app.Metrics.ObserveSweep
	app.Sweeper.Add("pending", app.Pending)
	if task, ok := st.(auth.SweepTask); ok {
		app.Sweeper.Add("store", task)
	}
	app.Sweeper.Add("sessions", auth.SweepFunc(app.Mux.EvictIdle))
	if app.Dev != nil {
		app.Sweeper.Add("dev_grants", app.Dev)
	}
	if app.Limiter != nil {
		app.Sweeper.Add("rate_limit", app.Limiter)
	}

	logger.Info("app initialized",
		"issuer", cfg.Issuer(),
		"dev_mode", cfg.Server.DevMode,
		"storage", storageDriver(cfg.Storage),
		"providers", providerNames(consent),
		"default_provider", app.DefaultProvider,
	)
	return app, nil
}

func openStore(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (store.Store, error) {
	switch storageDriver(cfg) {
	case "redis":
		st, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}

// openPrincipals shares principals through st when it can persist them, so
// tokens stay valid across restarts and instances.
func openPrincipals(st store.Store, defaultTier string) auth.PrincipalStore {
	if records, ok := st.(store.PrincipalStore); ok {
		return auth.NewSharedPrincipals(records, defaultTier)
	}
	return auth.NewMemoryPrincipals(defaultTier)
}

func storageDriver(cfg StorageConfig) string {
	if cfg.Driver == "" {
		return "memory"
	}
	return cfg.Driver
}

func hasProvider(providers []auth.ConsentProvider, name string) bool {
	for _, p := range providers {
		if p.Name() == name {
			return true
		}
	}
	return false
}

func providerNames(providers []auth.ConsentProvider) []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	return names
}

// Start launches background work owned by the app.
func (a *App) Start(ctx context.Context) {
	a.Sweeper.Start(ctx)
}

// Shutdown refuses new sessions and drains the open ones within ctx. The
// store stays usable so HTTP servers can finish in-flight requests; call
// Close once they have.
func (a *App) Shutdown(ctx context.Context) error {
	return a.Mux.Shutdown(ctx)
}

// Close stops the sweeper and closes the store. It runs after every HTTP
// server using the app has shut down.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Sweeper.Stop()
		if cerr := a.Store.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	})
	return err
}

type connIDKey struct{}

// ConfigureServer installs connection tracking on srv so sessions can be
// tied to the connection that opened them.
func (a *App) ConfigureServer(srv *http.Server) {
	srv.ConnContext = a.connContext
	srv.ConnState = a.connState
}

func (a *App) connContext(ctx context.Context, c net.Conn) context.Context {
	id := uuid.NewString()
	a.conns.Store(c, id)
	return context.WithValue(ctx, connIDKey{}, id)
}

func (a *App) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		if id, ok := a.conns.LoadAndDelete(c); ok {
			a.Mux.ConnectionClosed(id.(string))
		}
	}
}

func connIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey{}).(string); ok {
		return v
	}
	return ""
}
