// Package config loads the service configuration once at startup. Values
// come from an optional YAML file with environment-variable overrides and
// are treated as immutable for the process lifetime.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sharesies SharesiesConfig `mapstructure:"sharesies"`
	Ibkr      IbkrConfig      `mapstructure:"ibkr"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig is the HTTP listener setup.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// AuthConfig covers sessions, tokens and the optional audit database.
type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	SessionTTLHours int    `mapstructure:"session_ttl_hours"`
	DatabaseURL     string `mapstructure:"database_url"` // empty disables audit
}

// SharesiesConfig is the Sharesies API surface.
type SharesiesConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	PortfolioURL string `mapstructure:"portfolio_url"`
	DataURL      string `mapstructure:"data_url"`
	Origin       string `mapstructure:"origin"`
}

// IbkrConfig is the IBKR portal surface and browser automation bounds.
type IbkrConfig struct {
	PortalURL         string `mapstructure:"portal_url"`
	LoginURL          string `mapstructure:"login_url"`
	Headless          bool   `mapstructure:"headless"`
	QRWaitSeconds     int    `mapstructure:"qr_wait_seconds"`
	PollIntervalMs    int    `mapstructure:"poll_interval_ms"`
	PollBudget        int    `mapstructure:"poll_budget"`
	SessionExpirySecs int    `mapstructure:"session_expiry_seconds"`
}

// RateLimitConfig sets the per-minute fixed windows.
type RateLimitConfig struct {
	AuthPerMinute int `mapstructure:"auth_per_minute"`
	ReadPerMinute int `mapstructure:"read_per_minute"`
}

// Load reads the config file at path (missing file is fine) and applies
// PFAGG_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PFAGG")

	v.BindEnv("server.addr", "PFAGG_ADDR")
	v.BindEnv("auth.jwt_secret", "PFAGG_JWT_SECRET")
	v.BindEnv("auth.session_ttl_hours", "PFAGG_SESSION_TTL_HOURS")
	v.BindEnv("auth.database_url", "PFAGG_DATABASE_URL")
	v.BindEnv("sharesies.base_url", "PFAGG_SHARESIES_BASE_URL")
	v.BindEnv("sharesies.portfolio_url", "PFAGG_SHARESIES_PORTFOLIO_URL")
	v.BindEnv("sharesies.data_url", "PFAGG_SHARESIES_DATA_URL")
	v.BindEnv("sharesies.origin", "PFAGG_SHARESIES_ORIGIN")
	v.BindEnv("ibkr.portal_url", "PFAGG_IBKR_PORTAL_URL")
	v.BindEnv("ibkr.login_url", "PFAGG_IBKR_LOGIN_URL")
	v.BindEnv("ibkr.headless", "PFAGG_IBKR_HEADLESS")
	v.BindEnv("ibkr.qr_wait_seconds", "PFAGG_IBKR_QR_WAIT_SECONDS")
	v.BindEnv("ibkr.poll_interval_ms", "PFAGG_IBKR_POLL_INTERVAL_MS")
	v.BindEnv("ibkr.poll_budget", "PFAGG_IBKR_POLL_BUDGET")
	v.BindEnv("ibkr.session_expiry_seconds", "PFAGG_IBKR_SESSION_EXPIRY_SECONDS")
	v.BindEnv("rate_limit.auth_per_minute", "PFAGG_RATE_AUTH_PER_MINUTE")
	v.BindEnv("rate_limit.read_per_minute", "PFAGG_RATE_READ_PER_MINUTE")

	setDefaults(v)

	// A missing file is fine: defaults plus env vars carry the whole
	// configuration.
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8082")
	v.SetDefault("auth.jwt_secret", "dev-secret-32-bytes-length....!!")
	v.SetDefault("auth.session_ttl_hours", 24)
	v.SetDefault("auth.database_url", "")
	v.SetDefault("sharesies.base_url", "https://app.sharesies.com/api")
	v.SetDefault("sharesies.portfolio_url", "https://portfolio.sharesies.nz/api/v1")
	v.SetDefault("sharesies.data_url", "https://data.sharesies.nz/api/v1")
	v.SetDefault("sharesies.origin", "https://app.sharesies.com")
	v.SetDefault("ibkr.portal_url", "https://www.interactivebrokers.com.au/portal.proxy/v1/portal")
	v.SetDefault("ibkr.login_url", "https://ndcdyn.interactivebrokers.com/sso/Login?RL=1&locale=en_US")
	v.SetDefault("ibkr.headless", true)
	v.SetDefault("ibkr.qr_wait_seconds", 15)
	v.SetDefault("ibkr.poll_interval_ms", 1000)
	v.SetDefault("ibkr.poll_budget", 30)
	v.SetDefault("ibkr.session_expiry_seconds", 90)
	v.SetDefault("rate_limit.auth_per_minute", 5)
	v.SetDefault("rate_limit.read_per_minute", 60)
}
