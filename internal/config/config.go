// Package config loads the billing service configuration once at startup.
// The resulting *Config is passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/avolve/avolve-billing/pkg/entitlements"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	Env         string
	BindAddress string
	Port        int
	BaseURL     string
	DataDir     string
	DatabaseURL string // postgres:// DSN; empty selects SQLite under DataDir

	StripeAPIKey        string
	StripeWebhookSecret string

	SupabaseJWTSecret string
	SupabaseURL       string

	AdminKey      string
	PublicMetrics bool

	// TrustedProxies are the peers whose X-Forwarded-For header is honoured.
	TrustedProxies []netip.Prefix

	PostmarkServerToken string // optional; if empty, emails are logged
	EmailFrom           string

	LogLevel  string
	LogFormat string

	PriceTableFile string
	Prices         entitlements.PriceTable
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// SQLitePath returns the profile database path used when DatabaseURL is empty.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "profiles.db")
}

// UsesPostgres reports whether profiles live in Postgres.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// SupabaseIssuer is the expected "iss" claim of Supabase session tokens.
func (c *Config) SupabaseIssuer() string {
	return strings.TrimRight(c.SupabaseURL, "/") + "/auth/v1"
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PricingURL is where gated requests send users to upgrade.
func (c *Config) PricingURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/pricing"
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("AVOLVE_PORT", 8080)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("AVOLVE_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	trustedProxies, err := parseTrustedProxies(os.Getenv("AVOLVE_TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:                 envOrDefault("AVOLVE_ENV", "development"),
		BindAddress:         envOrDefault("AVOLVE_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("AVOLVE_BASE_URL")),
		DataDir:             envOrDefault("AVOLVE_DATA_DIR", "./data"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		SupabaseJWTSecret:   strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		SupabaseURL:         strings.TrimSpace(os.Getenv("SUPABASE_URL")),
		AdminKey:            strings.TrimSpace(os.Getenv("AVOLVE_ADMIN_KEY")),
		PublicMetrics:       publicMetrics,
		TrustedProxies:      trustedProxies,
		PostmarkServerToken: strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:           envOrDefault("AVOLVE_EMAIL_FROM", "billing@avolve.io"),
		LogLevel:            envOrDefault("AVOLVE_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("AVOLVE_LOG_FORMAT", "auto"),
		PriceTableFile:      strings.TrimSpace(os.Getenv("AVOLVE_PRICE_TABLE_FILE")),
	}

	prices, err := loadPrices(cfg.PriceTableFile)
	if err != nil {
		return nil, err
	}
	cfg.Prices = prices

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "AVOLVE_BASE_URL")
	}
	if c.AdminKey == "" {
		missing = append(missing, "AVOLVE_ADMIN_KEY")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.SupabaseJWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	if c.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	for _, pair := range c.Prices.Missing() {
		tier, interval, _ := strings.Cut(pair, "/")
		missing = append(missing, priceEnvKey(entitlements.Tier(tier), entitlements.Interval(interval)))
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if err := c.Prices.Validate(); err != nil {
		return err
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("AVOLVE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if err := requireHTTPURL("AVOLVE_BASE_URL", c.BaseURL); err != nil {
		return err
	}
	if err := requireHTTPURL("SUPABASE_URL", c.SupabaseURL); err != nil {
		return err
	}
	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return errors.New("DATABASE_URL must be a postgres:// connection string")
	}
	return nil
}

// parseTrustedProxies reads a comma-separated list of CIDRs or bare IPs.
func parseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("AVOLVE_TRUSTED_PROXIES: invalid CIDR %q: %w", field, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("AVOLVE_TRUSTED_PROXIES: invalid address %q: %w", field, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func requireHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
