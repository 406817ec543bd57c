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
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"altinndemo/authflow"
	"altinndemo/reqlog"
	"altinndemo/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	configPath := flag.String("config", os.Getenv("ALTINNDEMO_CONFIG"), "Path to YAML config (optional)")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", envOr("LOG_LEVEL", "info"), "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, closeLog := newLogger(cfg.Logging, level)
	defer closeLog()
	slog.SetDefault(logger)

	if args := flag.Args(); len(args) > 0 {
		if args[0] != "connect" {
			log.Fatalf("unknown command %q. Usage: %s [-config path] [connect]", args[0], os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "discovery_url", cfg.OAuth.DiscoveryURL, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "discovery_url", cfg.OAuth.DiscoveryURL)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	application.Flow.Discovery().Prewarm(ctx)

	logger.Info("configuration loaded",
		"base_url", cfg.Server.BaseURL,
		"redirect_url", cfg.RedirectURL(),
		"discovery_url", cfg.OAuth.DiscoveryURL,
		"scopes", strings.Join(cfg.OAuth.Scopes, " "),
		"rar", cfg.OAuth.AuthorizationDetails != "",
		"app_api", cfg.AppAPIURL(),
	)

	handler := application.Routes()
	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := newDevServer(cfg.Server.ListenAddr, handler)
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.ListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

// newDevServer builds the plain HTTP server. There is no write deadline: a
// callback chains discovery, token, key and userinfo calls, each bounded by
// the outbound client timeout, and cutting it short would drop the redirect
// after the code was already redeemed.
func newDevServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// newLogger builds the JSON logger, teeing into a rotated file when one is
// configured. The returned func closes the file.
func newLogger(cfg server.LoggingConfig, fallback slog.Level) (*slog.Logger, func()) {
	level := fallback
	if cfg.Level != "" {
		if l, err := parseLogLevel(cfg.Level); err == nil {
			level = l
		}
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn
}

// runConnect loads the discovery document, builds a real login URL and
// follows it until the provider's login page answers.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = reqlog.NewHTTPClient(nil, cfg.Server.HTTPTimeout)
	}

	discovery := authflow.NewDiscovery(cfg.OAuth.DiscoveryURL, client, logger, nil)
	doc, err := discovery.Get(ctx)
	if err != nil {
		return fmt.Errorf("load discovery: %w", err)
	}
	logger.Info("connect.discovery", "issuer", doc.Issuer, "authorization_endpoint", doc.AuthorizationEndpoint, "token_endpoint", doc.TokenEndpoint)

	flow := authflow.NewFlow(authflow.Config{
		ClientID:             cfg.OAuth.ClientID,
		ClientSecret:         cfg.OAuth.ClientSecret,
		RedirectURL:          cfg.RedirectURL(),
		Scopes:               cfg.OAuth.Scopes,
		AuthorizationDetails: authflow.ParseAuthorizationDetails(cfg.OAuth.AuthorizationDetails, logger),
		HTTPClient:           client,
	}, discovery, logger, nil)

	login, err := flow.InitiateLogin(ctx)
	if err != nil {
		return fmt.Errorf("build login url: %w", err)
	}
	logger.Info("connect.start", "auth_url", login.URL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", login.URL)

	probe := *client
	probe.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, login.URL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := probe.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found at %s: %w", path, err)
	}
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	client := reqlog.NewHTTPClient(nil, 5*time.Second)
	discovery := authflow.NewDiscovery(cfg.OAuth.DiscoveryURL, client, logger, nil)
	if _, err := discovery.Get(ctx); err != nil {
		logger.Error("discovery document not usable", "url", cfg.OAuth.DiscoveryURL, "error", err)
	} else {
		logger.Info("discovery document is usable", "url", cfg.OAuth.DiscoveryURL)
	}

	logger.Info("configuration validation complete")
	return nil
}

// runSetup asks for the client registration and writes a config file.
func runSetup(path string, reader *bufio.Reader, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for an ID-porten client. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.BaseURL = strings.TrimSuffix(ask(reader, "Public base URL", cfg.Server.BaseURL), "/")
		cfg.Server.ListenAddr = ask(reader, "Listen address", cfg.Server.ListenAddr)
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. demo.example.no)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.BaseURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.OAuth.DiscoveryURL = ask(reader, "Discovery URL", cfg.OAuth.DiscoveryURL)
	cfg.OAuth.ClientID = askRequired(reader, "Client ID")
	cfg.OAuth.ClientSecret = askRequired(reader, "Client secret")
	cfg.OAuth.Scopes = strings.Fields(ask(reader, "Scopes", strings.Join(cfg.OAuth.Scopes, " ")))

	cfg.Altinn.Org = ask(reader, "Altinn app owner (org), blank to skip", "")
	if cfg.Altinn.Org != "" {
		cfg.Altinn.AppName = askRequired(reader, "Altinn app name")
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter 'y' or 'n'.")
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

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
