package server

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Defaults used when neither the config file nor the environment sets a value.
const (
	DefaultClientID     = "demo-client-id"
	DefaultClientSecret = "demo-client-secret"
	DefaultBaseURL      = "http://localhost:3000"
	DefaultDiscoveryURL = "https://test.idporten.no/.well-known/openid-configuration"
	DefaultPlatformURL  = "https://platform.altinn.no"
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultMaxLogs      = 1000
)

// DefaultScopes is the scope set requested at login.
var DefaultScopes = []string{"openid", "profile", "altinn:instances.read"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Altinn  AltinnConfig  `yaml:"altinn"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls listener, TLS, cookie and outbound HTTP concerns.
type ServerConfig struct {
	BaseURL         string        `yaml:"base_url"`
	ListenAddr      string        `yaml:"listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	CookieDomain    string        `yaml:"cookie_domain"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	MaxLogs         int           `yaml:"max_logs"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OAuthConfig holds the client registration at the identity provider.
type OAuthConfig struct {
	ClientID             string   `yaml:"client_id"`
	ClientSecret         string   `yaml:"client_secret"`
	DiscoveryURL         string   `yaml:"discovery_url"`
	Scopes               []string `yaml:"scopes"`
	AuthorizationDetails string   `yaml:"authorization_details"`
	VerifyIDToken        bool     `yaml:"verify_id_token"`
}

// AltinnConfig locates the downstream Platform and App APIs.
type AltinnConfig struct {
	PlatformURL string `yaml:"platform_url"`
	Org         string `yaml:"org"`
	AppName     string `yaml:"app_name"`
}

// LoggingConfig controls the slog handler and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// RedirectURL is the callback registered with the identity provider.
func (c Config) RedirectURL() string {
	return strings.TrimSuffix(c.Server.BaseURL, "/") + "/auth/callback"
}

// AppAPIURL returns the Altinn app base URL, or "" when org or app is unset.
func (c Config) AppAPIURL() string {
	if c.Altinn.Org == "" || c.Altinn.AppName == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.apps.altinn.no/%s/%s", c.Altinn.Org, c.Altinn.Org, c.Altinn.AppName)
}

// LoadConfig reads the YAML config file and merges environment overrides. An
// empty path or a missing file leaves the defaults in place.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config file not found, using defaults and environment", "file", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := decodeConfig(b, &cfg); err != nil {
				slog.Error("Failed to parse configuration", "error", err, "file", path)
				return Config{}, err
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func decodeConfig(b []byte, cfg *Config) error {
	sanitized := stripYAMLComments(b)
	if len(bytes.TrimSpace(sanitized)) == 0 {
		return nil
	}

	// Strict decoding surfaces typos as unknown fields.
	decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:         DefaultBaseURL,
			ListenAddr:      ":3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			HTTPTimeout:     DefaultHTTPTimeout,
			MaxLogs:         DefaultMaxLogs,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				HSTSMaxAge: 31536000,
			},
		},
		OAuth: OAuthConfig{
			ClientID:     DefaultClientID,
			ClientSecret: DefaultClientSecret,
			DiscoveryURL: DefaultDiscoveryURL,
			Scopes:       append([]string(nil), DefaultScopes...),
		},
		Altinn: AltinnConfig{
			PlatformURL: DefaultPlatformURL,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"CLIENT_ID":                 func(v string) { cfg.OAuth.ClientID = v },
		"CLIENT_SECRET":             func(v string) { cfg.OAuth.ClientSecret = v },
		"IDPORTEN_DISCOVERY_URL":    func(v string) { cfg.OAuth.DiscoveryURL = v },
		"OAUTH_SCOPES":              func(v string) { cfg.OAuth.Scopes = strings.Fields(v) },
		"RAR_AUTHORIZATION_DETAILS": func(v string) { cfg.OAuth.AuthorizationDetails = v },
		"VERIFY_ID_TOKEN":           func(v string) { cfg.OAuth.VerifyIDToken = parseBool(v, cfg.OAuth.VerifyIDToken) },
		"BASE_URL":                  func(v string) { cfg.Server.BaseURL = v },
		"LISTEN_ADDR":               func(v string) { cfg.Server.ListenAddr = v },
		"HTTP_TIMEOUT":              func(v string) { cfg.Server.HTTPTimeout = parseDuration(v, cfg.Server.HTTPTimeout) },
		"MAX_LOGS":                  func(v string) { cfg.Server.MaxLogs = parseInt(v, cfg.Server.MaxLogs) },
		"COOKIE_DOMAIN":             func(v string) { cfg.Server.CookieDomain = v },
		"TLS_DOMAINS":               func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TLS_EMAIL":                 func(v string) { cfg.Server.TLS.Email = v },
		"TLS_CACHE_DIR":             func(v string) { cfg.Server.TLS.CacheDir = v },
		"ALTINN_PLATFORM_URL":       func(v string) { cfg.Altinn.PlatformURL = v },
		"ALTINN_ORG":                func(v string) { cfg.Altinn.Org = v },
		"ALTINN_APP_NAME":           func(v string) { cfg.Altinn.AppName = v },
		"LOG_LEVEL":                 func(v string) { cfg.Logging.Level = v },
		"LOG_FILE":                  func(v string) { cfg.Logging.File = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Applied after the map so the precedence is fixed: PORT only fills in
	// when LISTEN_ADDR is absent, and DEV_MODE beats NODE_ENV.
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		if _, set := os.LookupEnv("LISTEN_ADDR"); !set {
			cfg.Server.ListenAddr = ":" + strings.TrimPrefix(port, ":")
		}
	}
	if env, ok := os.LookupEnv("NODE_ENV"); ok {
		cfg.Server.DevMode = !strings.EqualFold(strings.TrimSpace(env), "production")
	}
	if v, ok := os.LookupEnv("DEV_MODE"); ok {
		cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode)
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
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

// Validate checks the config and reports every problem found.
func (c Config) Validate() error {
	var result *multierror.Error

	if err := requireHTTPURL("server.base_url", c.Server.BaseURL); err != nil {
		result = multierror.Append(result, err)
	}
	if err := requireHTTPURL("oauth.discovery_url", c.OAuth.DiscoveryURL); err != nil {
		result = multierror.Append(result, err)
	}
	if err := requireHTTPURL("altinn.platform_url", c.Altinn.PlatformURL); err != nil {
		result = multierror.Append(result, err)
	}
	if strings.TrimSpace(c.OAuth.ClientID) == "" {
		result = multierror.Append(result, errors.New("oauth.client_id is required"))
	}
	if len(c.OAuth.Scopes) == 0 {
		result = multierror.Append(result, errors.New("oauth.scopes must not be empty"))
	}
	if c.Server.ListenAddr == "" {
		result = multierror.Append(result, errors.New("server.listen_addr is required"))
	}
	if c.Server.HTTPTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("server.http_timeout must be positive, got %s", c.Server.HTTPTimeout))
	}
	if c.Server.MaxLogs <= 0 {
		result = multierror.Append(result, fmt.Errorf("server.max_logs must be positive, got %d", c.Server.MaxLogs))
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		result = multierror.Append(result, errors.New("server.tls.domains must be provided in production"))
	}
	if (c.Altinn.Org == "") != (c.Altinn.AppName == "") {
		result = multierror.Append(result, errors.New("altinn.org and altinn.app_name must be set together"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}

	if c.Server.CookieDomain != "" {
		if u, err := url.Parse(c.Server.BaseURL); err == nil {
			cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
			if !strings.HasSuffix(u.Hostname(), cookieDomain) {
				result = multierror.Append(result, fmt.Errorf("server.cookie_domain '%s' does not match server.base_url host '%s'", c.Server.CookieDomain, u.Hostname()))
			}
		}
	}

	return result.ErrorOrNil()
}

func requireHTTPURL(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got: %s", field, value)
	}
	return nil
}
