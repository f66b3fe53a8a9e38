package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"briefgate/server"
)

const defaultConfigPath = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("BRIEFGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [serve|stdio|connect <provider>]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	// stdout carries protocol messages in stdio mode.
	logOut := os.Stdout
	if command == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigPath
		}
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
		return
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "stdio":
		err = server.ServeStdio(ctx, cfg, os.Stdin, os.Stdout, logger)
	case "connect":
		if len(args) == 0 {
			log.Fatalf("usage: %s [-config path] connect <provider>", os.Args[0])
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err = runConnect(connectCtx, cfg, logger, args[0], nil, nil)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	app.Start(ctx)

	handler := app.Routes()
	var servers []*http.Server
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		app.ConfigureServer(srv)
		servers = append(servers, srv)
		logger.Info("server listening", "mode", "dev", "addr", srv.Addr, "public_url", cfg.Issuer())
		g.Go(func() error { return serve(srv.ListenAndServe) })
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		app.ConfigureServer(httpsSrv)
		servers = append(servers, httpRedirect, httpsSrv)

		logger.Info("server listening", "mode", "prod", "addr", httpsSrv.Addr, "domains", cfg.Server.TLS.Domains)
		g.Go(func() error { return serve(httpRedirect.ListenAndServe) })
		g.Go(func() error { return serve(func() error { return httpsSrv.ListenAndServeTLS("", "") }) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "grace", cfg.Sessions.ShutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sessions.ShutdownGrace)
		defer cancel()

		// Sessions drain first so open streams release their requests, then
		// the servers finish in-flight requests, then the store closes.
		err := app.Shutdown(shutdownCtx)
		for _, srv := range servers {
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		if cerr := app.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("shutdown grace expired before everything drained", "error", err)
			return nil
		}
		return err
	})

	return g.Wait()
}

func serve(listen func() error) error {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// authURLBuilder is the part of an upstream provider runConnect needs.
type authURLBuilder interface {
	AuthCodeURL(state, scope, verifier string) string
}

// maxLoginHops bounds the redirect chain walked by runConnect.
const maxLoginHops = 10

// runConnect walks the provider's login redirect chain hop by hop and
// fails unless it ends on a page that renders.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerName string, provided map[string]authURLBuilder, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}

	providers := provided
	if providers == nil {
		built, err := server.BuildProviders(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build providers: %w", err)
		}
		providers = make(map[string]authURLBuilder, len(built))
		for _, p := range built {
			providers[p.Name()] = p
		}
	}
	provider, ok := providers[providerName]
	if !ok {
		return fmt.Errorf("provider %s not configured", providerName)
	}

	hc := &http.Client{
		Timeout:       30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	if httpClient != nil {
		hc.Transport = httpClient.Transport
		hc.Jar = httpClient.Jar
	}

	next, err := url.Parse(provider.AuthCodeURL(oauth2.GenerateVerifier(), strings.Join(cfg.Auth.Scopes, " "), oauth2.GenerateVerifier()))
	if err != nil {
		return fmt.Errorf("parse authorize url: %w", err)
	}
	logger.Info("connect.start", "provider", providerName, "auth_url", next.String())

	for hop := 1; hop <= maxLoginHops; hop++ {
		status, location, err := fetchHop(ctx, hc, next)
		if err != nil {
			return fmt.Errorf("hop %d: %w", hop, err)
		}
		logger.Info("connect.hop", "step", hop, "url", next.String(), "status", status)
		switch {
		case status >= 400:
			return fmt.Errorf("provider returned %d for %s", status, next)
		case status >= 300:
			if location == nil {
				return fmt.Errorf("redirect without location at %s", next)
			}
			next = next.ResolveReference(location)
		default:
			logger.Info("connect.success", "provider", providerName, "login_page", next.String())
			return nil
		}
	}
	return fmt.Errorf("too many redirects (%d)", maxLoginHops)
}

func fetchHop(ctx context.Context, hc *http.Client, target *url.URL) (int, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	loc, err := resp.Location()
	if err != nil {
		loc = nil
	}
	return resp.StatusCode, loc, nil
}

// loadConfig reads path. Without an explicit path a missing default file
// falls back to built-in development defaults.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		logger.Warn("no config file, using development defaults", "path", path)
		return server.LoadConfig("")
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	cfg := runSetup(bufio.NewReader(in), out)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := server.WriteTemplate(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration created", "path", path)
	_, err := server.LoadConfig(path)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("validating configuration URLs...")
	validateStartupURLs(ctx, cfg, logger)
	logger.Info("configuration validation complete")
	return nil
}

// validateStartupURLs checks upstream discovery documents and the workflow
// target. Failures are warnings only.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for name, provider := range cfg.UpstreamProviders() {
		wellKnownURL := strings.TrimSuffix(provider.Issuer, "/") + "/.well-known/openid-configuration"
		if err := validateURL(ctx, wellKnownURL); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", name,
				"url", wellKnownURL,
				"error", err,
				"note", "server will continue but sign-in with this provider may fail")
			continue
		}
		logger.Info("provider URL is accessible", "provider", name, "issuer", provider.Issuer)
	}

	if cfg.Workflow.Target != "" {
		if err := validateURL(ctx, cfg.Workflow.Target); err != nil {
			logger.Warn("workflow target may not be accessible", "target", cfg.Workflow.Target, "error", err)
		} else {
			logger.Debug("workflow target is accessible", "target", cfg.Workflow.Target)
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(in *bufio.Reader, out io.Writer) server.Config {
	p := prompter{in: in, out: out}
	fmt.Fprintln(out, "Starting guided setup for briefgate. Press Enter to accept defaults.")
	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.confirm("Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.text("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.required("Primary public domain (e.g. gateway.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
		cfg.Auth.SigningSecret = p.required("Access token signing secret (32+ bytes)")
	}

	const defaultRedirect = "http://127.0.0.1:3000/callback"
	cfg.Clients = []server.ClientConfig{{
		ClientID:     p.text("Client OAuth ID", "briefgate-cli"),
		RedirectURIs: splitList(p.text("Client redirect URIs (comma separated)", defaultRedirect), defaultRedirect),
	}}

	if !cfg.Server.DevMode || p.confirm("Configure Microsoft Entra ID sign-in?", false) {
		cfg.Providers.Default = "entra"
		cfg.Providers.Entra.TenantID = p.required("Microsoft Entra tenant ID (GUID)")
		cfg.Providers.Entra.ClientID = p.required("Gateway app registration client ID")
		cfg.Providers.Entra.ClientSecret = p.text("Gateway app registration client secret", "")
	}

	if p.confirm("Store codes and refresh tokens in Redis?", false) {
		cfg.Storage.Driver = "redis"
		cfg.Storage.Redis.Addr = p.text("Redis address", cfg.Storage.Redis.Addr)
	}
	return cfg
}

// prompter reads one answer per line. At end of input every question
// takes its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p prompter) line(label string) (string, bool) {
	fmt.Fprint(p.out, label)
	answer, err := p.in.ReadString('\n')
	return strings.TrimSpace(answer), err == nil
}

func (p prompter) text(question, def string) string {
	label := question + ": "
	if def != "" {
		label = fmt.Sprintf("%s [%s]: ", question, def)
	}
	if answer, _ := p.line(label); answer != "" {
		return answer
	}
	return def
}

func (p prompter) required(question string) string {
	for {
		answer, more := p.line(question + ": ")
		if answer != "" || !more {
			return answer
		}
		fmt.Fprintln(p.out, "A value is required.")
	}
}

func (p prompter) confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		answer, more := p.line(fmt.Sprintf("%s [%s]: ", question, hint))
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		case "":
			return def
		}
		if !more {
			return def
		}
		fmt.Fprintln(p.out, "Answer y or n.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

// splitList splits a comma separated answer, falling back to def when it
// holds no entries.
func splitList(input, def string) []string {
	items := strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ' ' })
	if len(items) == 0 {
		return []string{def}
	}
	return items
}
