package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token, session and sweep defaults.
const (
	DefaultAccessTTL     = 7 * 24 * time.Hour
	DefaultRefreshTTL    = 30 * 24 * time.Hour
	DefaultCodeTTL       = 10 * time.Minute
	DefaultPendingTTL    = 15 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultIdleTTL       = 30 * time.Minute
	DefaultShutdownGrace = 10 * time.Second
	DefaultHSTSMaxAge    = 63072000

	minSecretLength = 32
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Providers      ProviderConfig       `yaml:"providers"`
	Clients        []ClientConfig       `yaml:"clients"`
	Storage        StorageConfig        `yaml:"storage"`
	Sessions       SessionsConfig       `yaml:"sessions"`
	LocalPrincipal LocalPrincipalConfig `yaml:"local_principal"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Workflow       WorkflowConfig       `yaml:"workflow"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	SecretsPath       string     `yaml:"secrets_path"`
	TLS               TLSConfig  `yaml:"tls"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	CORS              CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// CORSConfig lists browser origins allowed to call the API. Empty means
// origins are inferred from registered client redirect URIs.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig controls token issuance and cleanup.
type AuthConfig struct {
	// SigningSecret signs access tokens (HS256). At least 32 bytes.
	SigningSecret string        `yaml:"signing_secret"`
	AccessTTL     time.Duration `yaml:"access_token_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_token_ttl"`
	CodeTTL       time.Duration `yaml:"code_ttl"`
	PendingTTL    time.Duration `yaml:"pending_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Scopes        []string      `yaml:"scopes"`
	DefaultTier   string        `yaml:"default_tier"`
}

// ClientConfig registers a public OAuth client and its redirect URIs.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// ProviderConfig groups upstream providers.
type ProviderConfig struct {
	Default string                      `yaml:"default"`
	Auth0   UpstreamProvider            `yaml:"auth0"`
	Entra   UpstreamProvider            `yaml:"entra"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TenantID     string   `yaml:"tenant_id"`
	Scopes       []string `yaml:"scopes"`
}

// StorageConfig selects where codes and refresh tokens live.
type StorageConfig struct {
	// Driver is "memory" or "redis".
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig addresses the shared Redis instance.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SessionsConfig tunes the network session multiplexer.
type SessionsConfig struct {
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	CloseOnDisconnect bool          `yaml:"close_on_disconnect"`
}

// LocalPrincipalConfig is the fixed identity of the stdio transport.
type LocalPrincipalConfig struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
	Tier  string `yaml:"tier"`
}

// RateLimitConfig limits the authorization endpoints per client IP. A zero
// rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// WorkflowConfig points at the external summarization workflow.
type WorkflowConfig struct {
	Target  string        `yaml:"target"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				MinVersion: "1.2",
			},
		},
		Auth: AuthConfig{
			AccessTTL:     DefaultAccessTTL,
			RefreshTTL:    DefaultRefreshTTL,
			CodeTTL:       DefaultCodeTTL,
			PendingTTL:    DefaultPendingTTL,
			SweepInterval: DefaultSweepInterval,
			Scopes:        []string{"briefings"},
			DefaultTier:   "free",
		},
		Providers: ProviderConfig{
			Entra: UpstreamProvider{
				Issuer: "https://login.microsoftonline.com/common/v2.0",
			},
		},
		Storage: StorageConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "briefgate:",
			},
		},
		Sessions: SessionsConfig{
			IdleTTL:       DefaultIdleTTL,
			ShutdownGrace: DefaultShutdownGrace,
		},
		LocalPrincipal: LocalPrincipalConfig{
			ID:   "local",
			Name: "Local User",
			Tier: "free",
		},
		Workflow: WorkflowConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"BRIEFGATE_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"BRIEFGATE_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"BRIEFGATE_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"BRIEFGATE_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"BRIEFGATE_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BRIEFGATE_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BRIEFGATE_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"BRIEFGATE_SECRETS_PATH":         func(v string) { cfg.Server.SecretsPath = v },
		"BRIEFGATE_SIGNING_SECRET":       func(v string) { cfg.Auth.SigningSecret = v },
		"BRIEFGATE_ACCESS_TOKEN_TTL":     func(v string) { cfg.Auth.AccessTTL = parseDuration(v, cfg.Auth.AccessTTL) },
		"BRIEFGATE_REFRESH_TOKEN_TTL":    func(v string) { cfg.Auth.RefreshTTL = parseDuration(v, cfg.Auth.RefreshTTL) },
		"BRIEFGATE_STORAGE_DRIVER":       func(v string) { cfg.Storage.Driver = v },
		"BRIEFGATE_REDIS_ADDR":           func(v string) { cfg.Storage.Redis.Addr = v },
		"BRIEFGATE_REDIS_PASSWORD":       func(v string) { cfg.Storage.Redis.Password = v },
		"BRIEFGATE_REDIS_DB":             func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"BRIEFGATE_SESSION_IDLE_TTL":     func(v string) { cfg.Sessions.IdleTTL = parseDuration(v, cfg.Sessions.IdleTTL) },
		"BRIEFGATE_CLOSE_ON_DISCONNECT":  func(v string) { cfg.Sessions.CloseOnDisconnect = parseBool(v, cfg.Sessions.CloseOnDisconnect) },
		"BRIEFGATE_WORKFLOW_TARGET":      func(v string) { cfg.Workflow.Target = v },
		"BRIEFGATE_LOCAL_PRINCIPAL_ID":   func(v string) { cfg.LocalPrincipal.ID = v },
		"BRIEFGATE_LOCAL_PRINCIPAL_TIER": func(v string) { cfg.LocalPrincipal.Tier = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Issuer is the public URL without a trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	if err := c.Auth.validate(c.Server.DevMode); err != nil {
		return err
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("Client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !isSafeRedirectURI(uri) {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j)
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] is not a safe absolute http(s) URI: %s", i, client.ClientID, j, uri)
			}
		}
	}

	if !c.Server.DevMode && c.Providers.Default == "" {
		slog.Error("Missing required provider configuration", "field", "providers.default", "reason", "required in production mode")
		return errors.New("providers.default is required in production mode")
	}
	if c.Providers.Default != "" && c.Providers.Default != devProviderName {
		provider := c.getProvider(c.Providers.Default)
		if provider == nil {
			slog.Error("Default provider not found", "default_provider", c.Providers.Default)
			return fmt.Errorf("providers.default '%s' is not configured (check providers.auth0, providers.entra, or providers.extra)", c.Providers.Default)
		}
		if provider.Issuer == "" {
			return fmt.Errorf("providers.%s.issuer is required", c.Providers.Default)
		}
		if provider.ClientID == "" {
			return fmt.Errorf("providers.%s.client_id is required", c.Providers.Default)
		}
	}
	if c.Providers.Default == devProviderName && !c.Server.DevMode {
		return errors.New("providers.default 'dev' is only available in dev mode")
	}

	switch c.Storage.Driver {
	case "", "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "storage.redis.addr")
			return errors.New("storage.redis.addr is required when storage.driver is redis")
		}
	default:
		slog.Error("Invalid storage driver", "field", "storage.driver", "value", c.Storage.Driver)
		return fmt.Errorf("storage.driver must be 'memory' or 'redis', got: %s", c.Storage.Driver)
	}

	if c.Sessions.IdleTTL < 0 || c.Sessions.ShutdownGrace < 0 {
		return errors.New("sessions durations must not be negative")
	}
	if c.LocalPrincipal.ID == "" {
		return errors.New("local_principal.id is required")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return errors.New("rate_limit.burst must be positive when requests_per_second is set")
	}

	if c.Workflow.Target != "" {
		u, err := url.Parse(c.Workflow.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			slog.Error("Invalid workflow target URL", "target", c.Workflow.Target)
			return fmt.Errorf("workflow.target must be an http(s) URL, got: %s", c.Workflow.Target)
		}
	}

	return nil
}

func (a AuthConfig) validate(devMode bool) error {
	if a.SigningSecret == "" && !devMode {
		slog.Error("Missing required configuration for production mode", "field", "auth.signing_secret")
		return errors.New("auth.signing_secret is required in production")
	}
	if a.SigningSecret != "" && len(a.SigningSecret) < minSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d bytes", minSecretLength)
	}
	for field, d := range map[string]time.Duration{
		"access_token_ttl":  a.AccessTTL,
		"refresh_token_ttl": a.RefreshTTL,
		"code_ttl":          a.CodeTTL,
		"pending_ttl":       a.PendingTTL,
		"sweep_interval":    a.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("auth.%s must be positive", field)
		}
	}
	return nil
}

// getProvider retrieves a provider by name
func (c Config) getProvider(name string) *UpstreamProvider {
	switch name {
	case "auth0":
		return &c.Providers.Auth0
	case "entra":
		return &c.Providers.Entra
	default:
		if p, ok := c.Providers.Extra[name]; ok {
			return &p
		}
		return nil
	}
}

// UpstreamProviders returns every provider with both issuer and client id set.
func (c Config) UpstreamProviders() map[string]UpstreamProvider {
	out := make(map[string]UpstreamProvider)
	add := func(name string, p UpstreamProvider) {
		if p.Issuer != "" && p.ClientID != "" {
			out[name] = p
		}
	}
	add("auth0", c.Providers.Auth0)
	add("entra", c.Providers.Entra)
	for name, p := range c.Providers.Extra {
		add(name, p)
	}
	return out
}

// InferCORSOrigins returns the configured origins, or the origins of client
// redirect URIs when none are configured.
func (c Config) InferCORSOrigins() []string {
	if len(c.Server.CORS.AllowedOrigins) > 0 {
		return c.Server.CORS.AllowedOrigins
	}
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func extractOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// WriteTemplate writes cfg as YAML to path, refusing to overwrite.
func WriteTemplate(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# briefgate configuration. Environment variables prefixed BRIEFGATE_ override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
