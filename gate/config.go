package gate

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and discovery defaults
const (
	DefaultSessionTTL        = 12 * time.Hour
	DefaultDiscoveryAttempts = 10
	DefaultDiscoveryInterval = 500 * time.Millisecond
	DefaultLoginCooldown     = 2 * time.Second
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Payment    PaymentConfig    `yaml:"payment"`
	Logout     LogoutConfig     `yaml:"logout"`
	Storage    StorageConfig    `yaml:"storage"`
	Sessions   SessionConfig    `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ProviderConfig encapsulates the identity provider the gate fronts.
type ProviderConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// LogoutURL overrides the provider end-session endpoint. Empty means
	// issuer + "/v2/logout".
	LogoutURL string `yaml:"logout_url"`
	// Strategy selects how the gate talks to the provider: "redirect"
	// (full-page navigation code flow) or "silent" (refresh-token renewal
	// without navigation).
	Strategy          string        `yaml:"strategy"`
	DiscoveryAttempts int           `yaml:"discovery_attempts"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

// DownstreamConfig describes where authenticated sessions are handed off to.
type DownstreamConfig struct {
	AppURL string `yaml:"app_url"`
	// PlansURL is where unentitled users land. Empty means the gate's own
	// /plans page.
	PlansURL string `yaml:"plans_url"`
	// TestAccounts lists email addresses that bypass the entitlement check.
	TestAccounts []string `yaml:"test_accounts"`
}

// PaymentConfig holds the external payment-link URLs per plan.
type PaymentConfig struct {
	Links                 map[string]string `yaml:"links"`
	ClientReferencePrefix string            `yaml:"client_reference_prefix"`
}

// LogoutConfig controls what survives a logout.
type LogoutConfig struct {
	// PreserveSubject keeps the last provider subject across logout so the
	// next login can be classified as returning rather than new.
	PreserveSubject bool `yaml:"preserve_subject"`
}

// StorageConfig locates the credential store database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig controls gate session lifetime.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
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
		},
		Provider: ProviderConfig{
			Strategy:          StrategyRedirect,
			DiscoveryAttempts: DefaultDiscoveryAttempts,
			DiscoveryInterval: DefaultDiscoveryInterval,
		},
		Logout: LogoutConfig{
			PreserveSubject: true,
		},
		Storage: StorageConfig{
			Path: "authgate.db",
		},
		Sessions: SessionConfig{
			TTL: DefaultSessionTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_PUBLIC_URL":              func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_DEV_LISTEN_ADDR":         func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_HTTP_LISTEN_ADDR":        func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHGATE_HTTPS_LISTEN_ADDR":       func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHGATE_DEV_MODE":                func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_TLS_DOMAINS":             func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHGATE_TLS_EMAIL":               func(v string) { cfg.Server.TLS.Email = v },
		"AUTHGATE_PROVIDER_ISSUER":         func(v string) { cfg.Provider.Issuer = v },
		"AUTHGATE_PROVIDER_CLIENT_ID":      func(v string) { cfg.Provider.ClientID = v },
		"AUTHGATE_PROVIDER_CLIENT_SECRET":  func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHGATE_PROVIDER_STRATEGY":       func(v string) { cfg.Provider.Strategy = v },
		"AUTHGATE_DOWNSTREAM_APP_URL":      func(v string) { cfg.Downstream.AppURL = v },
		"AUTHGATE_TEST_ACCOUNTS":           func(v string) { cfg.Downstream.TestAccounts = splitAndTrim(v) },
		"AUTHGATE_STORAGE_PATH":            func(v string) { cfg.Storage.Path = v },
		"AUTHGATE_LOGOUT_PRESERVE_SUBJECT": func(v string) { cfg.Logout.PreserveSubject = parseBool(v, cfg.Logout.PreserveSubject) },
		"AUTHGATE_SESSION_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
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

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Provider.Strategy {
	case StrategyRedirect, StrategySilent:
	default:
		return fmt.Errorf("provider.strategy must be %q or %q, got: %s", StrategyRedirect, StrategySilent, c.Provider.Strategy)
	}

	if !c.Server.DevMode {
		if c.Provider.Issuer == "" {
			return errors.New("provider.issuer is required in production mode")
		}
		if c.Provider.ClientID == "" {
			return errors.New("provider.client_id is required in production mode")
		}
		if c.Downstream.AppURL == "" {
			return errors.New("downstream.app_url is required in production mode")
		}
	}

	if c.Provider.Issuer != "" {
		if _, err := url.Parse(c.Provider.Issuer); err != nil {
			return fmt.Errorf("provider.issuer is not a valid URL: %w", err)
		}
	}
	if c.Downstream.AppURL != "" {
		if !strings.HasPrefix(c.Downstream.AppURL, "http://") && !strings.HasPrefix(c.Downstream.AppURL, "https://") {
			return fmt.Errorf("downstream.app_url must start with http:// or https://, got: %s", c.Downstream.AppURL)
		}
	}

	for plan, link := range c.Payment.Links {
		if _, err := ParsePlan(plan); err != nil {
			return fmt.Errorf("payment.links: %w", err)
		}
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			return fmt.Errorf("payment.links.%s must be a valid HTTP(S) URL, got: %s", plan, link)
		}
	}

	if c.Server.CookieDomain != "" {
		host := c.Server.PublicURL
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		if idx := strings.IndexAny(host, ":/"); idx != -1 {
			host = host[:idx]
		}
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Provider.DiscoveryAttempts <= 0 {
		return errors.New("provider.discovery_attempts must be positive")
	}
	if c.Provider.DiscoveryInterval <= 0 {
		return errors.New("provider.discovery_interval must be positive")
	}

	return nil
}

// PlansURL returns the configured plan-selection page, defaulting to the
// gate's own /plans route.
func (c Config) PlansURL() string {
	if c.Downstream.PlansURL != "" {
		return c.Downstream.PlansURL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/plans"
}

// CallbackURL is the explicit return address registered with the provider.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}

// LogoutReturnURL is where the provider sends the browser after logout.
func (c Config) LogoutReturnURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/"
}
