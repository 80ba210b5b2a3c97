package server

import (
	"bytes"
	"encoding/hex"
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

// Hardcoded OAuth defaults
const (
	DefaultCodeTTL            = 5 * time.Minute
	DefaultAccessTTL          = time.Hour
	DefaultAdminSessionTTL    = 8 * time.Hour
	DefaultScope              = "read write"
	DefaultRedirectDomain     = "claude.ai"
	DefaultRedirectURI        = "https://claude.ai/api/mcp/auth_callback"
	DefaultClientIDPrefix     = "claude-"
	DefaultRateLimitRequests  = 10
	DefaultRateLimitWindow    = time.Minute
	DefaultTokenRetention     = 30 * 24 * time.Hour
	RateLimitStrategyMemory   = "memory"
	RateLimitStrategyBucket   = "token_bucket"
	RateLimitStrategyDatabase = "database"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "Mcp-Session-Id"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	Purge     PurgeConfig     `yaml:"purge"`
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
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists extra origins beyond the redirect domains.
type CORSConfig struct {
	ExtraOrigins   []string `yaml:"extra_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	AllowedMethods []string `yaml:"allowed_methods"`
}

// OAuthConfig governs the authorization server.
type OAuthConfig struct {
	AllowedRedirectDomains   []string      `yaml:"allowed_redirect_domains"`
	DefaultRedirectURI       string        `yaml:"default_redirect_uri"`
	CodeTTL                  time.Duration `yaml:"code_ttl"`
	AccessTTL                time.Duration `yaml:"access_ttl"`
	ClientIDPrefix           string        `yaml:"client_id_prefix"`
	RequireRegisteredClients bool          `yaml:"require_registered_clients"`
}

// RateLimitConfig selects the limiter used on credential-accepting endpoints.
type RateLimitConfig struct {
	Strategy string        `yaml:"strategy"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig configures the admin console and superadmin seed.
type AdminConfig struct {
	SuperadminEmail           string        `yaml:"superadmin_email"`
	SuperadminInitialPassword string        `yaml:"superadmin_initial_password"`
	SessionTTL                time.Duration `yaml:"session_ttl"`
	FlashSecret               string        `yaml:"flash_secret"`
}

// PurgeConfig enables the background expiry sweep.
type PurgeConfig struct {
	Interval       time.Duration `yaml:"interval"`
	TokenRetention time.Duration `yaml:"token_retention"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
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
	cfg.Server.PublicURL = NormalizeBaseURL(cfg.Server.PublicURL)

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
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedHeaders: DefaultCORSAllowedHeaders,
				AllowedMethods: DefaultCORSAllowedMethods,
			},
		},
		OAuth: OAuthConfig{
			AllowedRedirectDomains: []string{DefaultRedirectDomain},
			DefaultRedirectURI:     DefaultRedirectURI,
			CodeTTL:                DefaultCodeTTL,
			AccessTTL:              DefaultAccessTTL,
			ClientIDPrefix:         DefaultClientIDPrefix,
		},
		RateLimit: RateLimitConfig{
			Strategy: RateLimitStrategyMemory,
			Requests: DefaultRateLimitRequests,
			Window:   DefaultRateLimitWindow,
		},
		Database: DatabaseConfig{
			Path: "data/taskmcp.db",
		},
		Admin: AdminConfig{
			SessionTTL: DefaultAdminSessionTTL,
		},
		Purge: PurgeConfig{
			TokenRetention: DefaultTokenRetention,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// NormalizeBaseURL prefixes https:// when no scheme is given and trims trailing slashes.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// BaseURL returns the normalized public URL of the service.
func (c Config) BaseURL() string {
	return NormalizeBaseURL(c.Server.PublicURL)
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL(), "https://")
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
		"TASKMCP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"BASE_URL":                         func(v string) { cfg.Server.PublicURL = v },
		"TASKMCP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TASKMCP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TASKMCP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TASKMCP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TASKMCP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TASKMCP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TASKMCP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"TASKMCP_TRUST_PROXY_HEADERS":      func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"ALLOWED_REDIRECT_DOMAINS":         func(v string) { cfg.OAuth.AllowedRedirectDomains = splitAndTrim(v) },
		"TASKMCP_OAUTH_DEFAULT_REDIRECT":   func(v string) { cfg.OAuth.DefaultRedirectURI = v },
		"TASKMCP_OAUTH_CODE_TTL":           func(v string) { cfg.OAuth.CodeTTL = parseDuration(v, cfg.OAuth.CodeTTL) },
		"TASKMCP_OAUTH_ACCESS_TTL":         func(v string) { cfg.OAuth.AccessTTL = parseDuration(v, cfg.OAuth.AccessTTL) },
		"TASKMCP_OAUTH_REQUIRE_REGISTERED": func(v string) { cfg.OAuth.RequireRegisteredClients = parseBool(v, cfg.OAuth.RequireRegisteredClients) },
		"TASKMCP_RATE_LIMIT_STRATEGY":      func(v string) { cfg.RateLimit.Strategy = strings.TrimSpace(v) },
		"TASKMCP_RATE_LIMIT_REQUESTS":      func(v string) { cfg.RateLimit.Requests = parseInt(v, cfg.RateLimit.Requests) },
		"TASKMCP_RATE_LIMIT_WINDOW":        func(v string) { cfg.RateLimit.Window = parseDuration(v, cfg.RateLimit.Window) },
		"DATABASE_PATH":                    func(v string) { cfg.Database.Path = v },
		"SUPERADMIN_EMAIL":                 func(v string) { cfg.Admin.SuperadminEmail = v },
		"SUPERADMIN_INITIAL_PASSWORD":      func(v string) { cfg.Admin.SuperadminInitialPassword = v },
		"FLASH_SECRET":                     func(v string) { cfg.Admin.FlashSecret = v },
		"TASKMCP_PURGE_INTERVAL":           func(v string) { cfg.Purge.Interval = parseDuration(v, cfg.Purge.Interval) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
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

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	base, err := url.Parse(c.BaseURL())
	if err != nil || base.Host == "" {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute URL")
		return fmt.Errorf("server.public_url must be an absolute URL, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if len(c.OAuth.AllowedRedirectDomains) == 0 {
		slog.Error("Missing required configuration", "field", "oauth.allowed_redirect_domains")
		return errors.New("oauth.allowed_redirect_domains must list at least one domain")
	}
	for i, d := range c.OAuth.AllowedRedirectDomains {
		if strings.TrimSpace(d) == "" || strings.Contains(d, "/") || strings.Contains(d, ":") {
			slog.Error("Invalid redirect domain", "index", i, "value", d, "reason", "must be a bare hostname")
			return fmt.Errorf("oauth.allowed_redirect_domains[%d] must be a bare hostname, got: %q", i, d)
		}
	}

	if c.OAuth.DefaultRedirectURI != "" {
		policy := NewRedirectPolicy(c.OAuth.AllowedRedirectDomains)
		if !policy.Allowed(c.OAuth.DefaultRedirectURI) {
			slog.Error("Default redirect URI rejected by allow-list", "field", "oauth.default_redirect_uri", "value", c.OAuth.DefaultRedirectURI)
			return fmt.Errorf("oauth.default_redirect_uri %q is not permitted by oauth.allowed_redirect_domains", c.OAuth.DefaultRedirectURI)
		}
	}

	if c.OAuth.CodeTTL <= 0 || c.OAuth.AccessTTL <= 0 {
		slog.Error("Invalid token lifetimes", "code_ttl", c.OAuth.CodeTTL, "access_ttl", c.OAuth.AccessTTL)
		return errors.New("oauth.code_ttl and oauth.access_ttl must be positive")
	}

	switch c.RateLimit.Strategy {
	case RateLimitStrategyMemory, RateLimitStrategyBucket, RateLimitStrategyDatabase:
	default:
		slog.Error("Invalid rate limit strategy", "field", "rate_limit.strategy", "value", c.RateLimit.Strategy)
		return fmt.Errorf("rate_limit.strategy must be one of memory, token_bucket, database, got: %q", c.RateLimit.Strategy)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		slog.Error("Invalid rate limit policy", "requests", c.RateLimit.Requests, "window", c.RateLimit.Window)
		return errors.New("rate_limit.requests and rate_limit.window must be positive")
	}

	if c.Database.Path == "" {
		slog.Error("Missing required configuration", "field", "database.path")
		return errors.New("database.path is required")
	}

	if c.Admin.SessionTTL <= 0 {
		slog.Error("Invalid admin session TTL", "field", "admin.session_ttl", "value", c.Admin.SessionTTL)
		return errors.New("admin.session_ttl must be positive")
	}

	if c.Admin.FlashSecret != "" {
		key, err := hex.DecodeString(c.Admin.FlashSecret)
		if err != nil || len(key) < 32 {
			slog.Error("Invalid flash secret", "field", "admin.flash_secret", "reason", "must be at least 32 hex-encoded bytes")
			return errors.New("admin.flash_secret must be at least 32 bytes, hex encoded")
		}
	}

	if c.Purge.Interval < 0 || c.Purge.TokenRetention < 0 {
		slog.Error("Invalid purge configuration", "interval", c.Purge.Interval, "token_retention", c.Purge.TokenRetention)
		return errors.New("purge.interval and purge.token_retention must not be negative")
	}

	return nil
}

// AllowedOrigins derives the CORS origin allow-list from the redirect domains.
func (c Config) AllowedOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	add := func(o string) {
		if o != "" && !seen[o] {
			seen[o] = true
			origins = append(origins, o)
		}
	}
	for _, d := range c.OAuth.AllowedRedirectDomains {
		add("https://" + d)
	}
	for _, o := range c.Server.CORS.ExtraOrigins {
		add(strings.TrimRight(o, "/"))
	}
	return origins
}
