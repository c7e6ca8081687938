package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded cache, session and IdP defaults
const (
	DefaultCacheTTL   = 600 * time.Second
	DefaultSessionTTL = 12 * time.Hour
	DefaultIdPTimeout = 10 * time.Second
	DefaultHSTSMaxAge = 31536000
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Global    GlobalConfig    `yaml:"global"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Auth      AuthConfig      `yaml:"auth"`
	Mappers   MappersConfig   `yaml:"mappers"`
	OIDC      OIDCConfig      `yaml:"oidc"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Session   SessionConfig   `yaml:"session"`
	Manager   ManagerConfig   `yaml:"manager"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SessionSecret   string     `yaml:"session_secret"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls which browser origins may call the gateway with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// GlobalConfig holds switches that apply to every request.
type GlobalConfig struct {
	DisableAuth bool `yaml:"disable_auth"`
}

// EndpointsConfig is the URL prefix map for the route groups.
type EndpointsConfig struct {
	Root         string `yaml:"root"`
	OIDC         string `yaml:"oidc"`
	Info         string `yaml:"info"`
	AccessDenied string `yaml:"access_denied"`
	Manager      string `yaml:"manager"`
}

// AuthConfig lists the redirect targets used by the auth and OIDC handlers.
type AuthConfig struct {
	LoginHandler              string   `yaml:"login_handler"`
	LogoutHandler             string   `yaml:"logout_handler"`
	TokenHandler              string   `yaml:"token_handler"`
	AuthRedirect              string   `yaml:"auth_redirect"`
	LoginDefaultRedirectURL   string   `yaml:"login_default_redirect_url"`
	LogoutDefaultRedirectURL  string   `yaml:"logout_default_redirect_url"`
	LogoutAllowedRedirectURLs []string `yaml:"logout_allowed_redirect_urls"`
}

// ScopeTable maps a scope name to output name -> path expression.
type ScopeTable map[string]map[string]string

// MappersConfig holds the per-scope tables for the header and json mappers.
type MappersConfig struct {
	Header ScopeTable `yaml:"header"`
	JSON   ScopeTable `yaml:"json"`
}

// OIDCConfig describes the upstream IdP and this gateway's client registration.
type OIDCConfig struct {
	Issuer       string           `yaml:"issuer"`
	Registration RegistrationInfo `yaml:"registration"`
	Debug        bool             `yaml:"debug"`
	Timeout      string           `yaml:"timeout"`
}

// RegistrationInfo is the client registration at the IdP.
type RegistrationInfo struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// RedisConfig locates the shared cache and session backend. An empty host selects in-process storage.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// CacheConfig controls the credential cache.
type CacheConfig struct {
	TTL    string `yaml:"ttl"`
	Prefix string `yaml:"prefix"`
}

// SessionConfig controls session lifetime and the storage key prefix.
type SessionConfig struct {
	TTL    string `yaml:"ttl"`
	Prefix string `yaml:"prefix"`
}

// ManagerConfig holds the IdP admin API locations and service credentials.
// user_url and group_url contain a {realm} placeholder.
type ManagerConfig struct {
	UserURL  string `yaml:"user_url"`
	GroupURL string `yaml:"group_url"`
	TokenURL string `yaml:"token_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
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
	cfg.applyDerivedDefaults()

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
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
			},
		},
		Endpoints: EndpointsConfig{
			Root:         "/forward-auth",
			OIDC:         "/forward-auth/oidc",
			Info:         "/forward-auth/info",
			AccessDenied: "/access-denied",
			Manager:      "/forward-auth/api/v1",
		},
		Auth: AuthConfig{
			LoginHandler:             "/forward-auth/oidc/login",
			LogoutHandler:            "/forward-auth/oidc/logout",
			TokenHandler:             "/forward-auth/oidc/token",
			LoginDefaultRedirectURL:  "/",
			LogoutDefaultRedirectURL: "/",
		},
		Mappers: MappersConfig{
			Header: ScopeTable{},
			JSON:   ScopeTable{},
		},
		OIDC: OIDCConfig{
			Timeout: DefaultIdPTimeout.String(),
		},
		Redis: RedisConfig{
			Port: 6379,
		},
		Cache: CacheConfig{
			TTL:    DefaultCacheTTL.String(),
			Prefix: "fwdauth:cache:",
		},
		Session: SessionConfig{
			TTL:    DefaultSessionTTL.String(),
			Prefix: "fwdauth:session:",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")
	if c.Auth.AuthRedirect == "" {
		c.Auth.AuthRedirect = c.Server.PublicURL + c.Endpoints.Root + "/login"
	}
	if len(c.OIDC.Registration.RedirectURIs) == 0 {
		c.OIDC.Registration.RedirectURIs = []string{c.Server.PublicURL + c.Endpoints.OIDC}
	}
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
		"FWDAUTH_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"FWDAUTH_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"FWDAUTH_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"FWDAUTH_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"FWDAUTH_SERVER_TLS_EMAIL":       func(v string) { cfg.Server.TLS.Email = v },
		"FWDAUTH_SERVER_SESSION_SECRET":  func(v string) { cfg.Server.SessionSecret = v },
		"FWDAUTH_SERVER_CORS_ORIGINS":    func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"FWDAUTH_GLOBAL_DISABLE_AUTH":    func(v string) { cfg.Global.DisableAuth = parseBool(v, cfg.Global.DisableAuth) },
		"FWDAUTH_OIDC_ISSUER":            func(v string) { cfg.OIDC.Issuer = v },
		"FWDAUTH_OIDC_CLIENT_ID":         func(v string) { cfg.OIDC.Registration.ClientID = v },
		"FWDAUTH_OIDC_CLIENT_SECRET":     func(v string) { cfg.OIDC.Registration.ClientSecret = v },
		"FWDAUTH_REDIS_HOST":             func(v string) { cfg.Redis.Host = v },
		"FWDAUTH_REDIS_PORT":             func(v string) { cfg.Redis.Port = parseInt(v, cfg.Redis.Port) },
		"FWDAUTH_REDIS_DB":               func(v string) { cfg.Redis.DB = parseInt(v, cfg.Redis.DB) },
		"FWDAUTH_REDIS_USER":             func(v string) { cfg.Redis.User = v },
		"FWDAUTH_REDIS_PASSWORD":         func(v string) { cfg.Redis.Password = v },
		"FWDAUTH_CACHE_TTL":              func(v string) { cfg.Cache.TTL = v },
		"FWDAUTH_MANAGER_USERNAME":       func(v string) { cfg.Manager.Username = v },
		"FWDAUTH_MANAGER_PASSWORD":       func(v string) { cfg.Manager.Password = v },
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

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
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

// CacheTTL returns the parsed credential cache TTL.
func (c Config) CacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, DefaultCacheTTL)
}

// SessionTTL returns the parsed session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, DefaultSessionTTL)
}

// IdPTimeout bounds every outbound call to the identity provider.
func (c Config) IdPTimeout() time.Duration {
	return parseDuration(c.OIDC.Timeout, DefaultIdPTimeout)
}

// RedisAddr returns host:port, or "" when Redis is not configured.
func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if !c.Server.DevMode && len(c.Server.SessionSecret) < 32 {
		slog.Error("Session secret too short", "field", "server.session_secret", "min_length", 32)
		return errors.New("server.session_secret must be at least 32 bytes in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	prefixes := map[string]string{
		"endpoints.root":    c.Endpoints.Root,
		"endpoints.oidc":    c.Endpoints.OIDC,
		"endpoints.info":    c.Endpoints.Info,
		"endpoints.manager": c.Endpoints.Manager,
	}
	for field, v := range prefixes {
		if v == "" && field != "endpoints.manager" {
			slog.Error("Missing required configuration", "field", field)
			return fmt.Errorf("%s is required", field)
		}
		if v != "" && !strings.HasPrefix(v, "/") {
			slog.Error("Invalid endpoint prefix", "field", field, "value", v, "reason", "must start with /")
			return fmt.Errorf("%s must start with /, got: %s", field, v)
		}
	}
	if c.Endpoints.Root == c.Endpoints.OIDC {
		slog.Error("Endpoint prefixes collide", "root", c.Endpoints.Root, "oidc", c.Endpoints.OIDC)
		return errors.New("endpoints.root and endpoints.oidc must differ")
	}

	if c.Endpoints.AccessDenied == "" {
		slog.Error("Missing required configuration", "field", "endpoints.access_denied")
		return errors.New("endpoints.access_denied is required")
	}
	if c.Auth.LoginHandler == "" {
		slog.Error("Missing required configuration", "field", "auth.login_handler")
		return errors.New("auth.login_handler is required")
	}

	for name, d := range map[string]string{"cache.ttl": c.Cache.TTL, "session.ttl": c.Session.TTL, "oidc.timeout": c.OIDC.Timeout} {
		if d == "" {
			continue
		}
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed <= 0 {
			slog.Error("Invalid duration", "field", name, "value", d)
			return fmt.Errorf("%s: invalid duration '%s'", name, d)
		}
	}

	if !c.Server.DevMode && c.OIDC.Issuer == "" {
		slog.Error("Missing required provider configuration", "field", "oidc.issuer", "reason", "required in production mode")
		return errors.New("oidc.issuer is required in production mode")
	}
	if c.OIDC.Issuer != "" {
		if !isHTTPURL(c.OIDC.Issuer) {
			slog.Error("Invalid issuer", "field", "oidc.issuer", "value", c.OIDC.Issuer)
			return fmt.Errorf("oidc.issuer must start with http:// or https://, got: %s", c.OIDC.Issuer)
		}
		if c.OIDC.Registration.ClientID == "" {
			slog.Error("Provider missing client_id", "field", "oidc.registration.client_id")
			return errors.New("oidc.registration.client_id is required")
		}
	}
	for j, uri := range c.OIDC.Registration.RedirectURIs {
		if !isHTTPURL(uri) {
			slog.Error("Invalid redirect URI", "redirect_uri", uri, "index", j, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("oidc.registration.redirect_uris[%d] must start with http:// or https://, got: %s", j, uri)
		}
	}

	for _, origin := range c.Server.CORS.AllowedOrigins {
		if origin == "*" {
			slog.Error("Wildcard CORS origin", "field", "server.cors.allowed_origins", "reason", "credentials are allowed")
			return errors.New("server.cors.allowed_origins must list explicit origins")
		}
	}

	for scope, table := range c.Mappers.Header {
		if len(table) == 0 {
			slog.Error("Empty mapper scope", "mapper", "header", "scope", scope)
			return fmt.Errorf("mappers.header.%s: at least one header is required", scope)
		}
	}

	if c.Manager.TokenURL != "" {
		for field, v := range map[string]string{"manager.user_url": c.Manager.UserURL, "manager.group_url": c.Manager.GroupURL} {
			if !strings.Contains(v, "{realm}") {
				slog.Error("Manager URL missing realm placeholder", "field", field, "value", v)
				return fmt.Errorf("%s must contain {realm}, got: %s", field, v)
			}
		}
	}

	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}
