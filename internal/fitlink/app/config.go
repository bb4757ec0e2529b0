package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aussiebroadwan/fitlink/pkg/connect"
	"github.com/aussiebroadwan/fitlink/pkg/httpx"
)

// Store drivers.
const (
	StoreMemory  = "memory"
	StoreSQLite  = "sqlite"
	StoreKeyring = "keyring"
)

type Config struct {
	Profile string `yaml:"profile"` // Account profile (default: default)

	Store     StoreConfig     `yaml:"store"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Consumer  ConsumerConfig  `yaml:"consumer"`

	Env       string `yaml:"env"`        // Environment (dev, prod) (default: prod)
	LogLevel  string `yaml:"log_level"`  // Log level (debug, info, warn, error) (default: info)
	LogFormat string `yaml:"log_format"` // Log format (json, text) (default: text)

	// LogOutput receives log records; nil means stderr.
	LogOutput io.Writer `yaml:"-"`

	HTTPTimeout  time.Duration   `yaml:"http_timeout"` // Per-request timeout (default: 30s)
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	SSOUserAgent string          `yaml:"sso_user_agent"`
	APIUserAgent string          `yaml:"api_user_agent"`

	RefreshTimeout time.Duration `yaml:"refresh_timeout"` // Bound on one bearer exchange (default: 30s)
	RefreshLeeway  time.Duration `yaml:"refresh_leeway"`  // Refresh this long before expiry (default: 0)

	KeepAlive KeepAliveConfig `yaml:"keep_alive"`

	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"` // (default: 10s)
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`        // memory, sqlite, keyring (default: sqlite)
	DatabaseFile string `yaml:"database_file"` // sqlite file (default: <config dir>/fitlink/fitlink.db)
	Dir          string `yaml:"dir"`           // keyring file fallback dir (default: <config dir>/fitlink)
	Passphrase   string `yaml:"passphrase"`    // Seals bundles at rest when set
	NoKeyring    bool   `yaml:"no_keyring"`    // Force the keyring driver's file fallback
}

type EndpointsConfig struct {
	Consumer      string `yaml:"consumer"`
	SSOEmbed      string `yaml:"sso_embed"`
	SSOSignin     string `yaml:"sso_signin"`
	Preauthorized string `yaml:"preauthorized"`
	Exchange      string `yaml:"exchange"`
	API           string `yaml:"api"`
}

// ConsumerConfig optionally pins the consumer credential, skipping the
// bootstrap fetch.
type ConsumerConfig struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"` // 0 disables pacing
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
}

type KeepAliveConfig struct {
	Interval  time.Duration `yaml:"interval"`  // How often to check the token (default: 5m)
	Lead      time.Duration `yaml:"lead"`      // Refresh when expiring within this (default: 10m)
	Retention time.Duration `yaml:"retention"` // Token history retention, 0 keeps all (default: 720h)
}

// DefaultConfig returns the configuration used when neither a file nor the
// environment says otherwise.
func DefaultConfig() Config {
	dir := defaultDataDir()
	ep := connect.DefaultEndpoints()

	return Config{
		Profile: "default",
		Store: StoreConfig{
			Driver:       StoreSQLite,
			DatabaseFile: filepath.Join(dir, "fitlink.db"),
			Dir:          dir,
		},
		Endpoints: EndpointsConfig{
			Consumer:      ep.Consumer,
			SSOEmbed:      ep.SSOEmbed,
			SSOSignin:     ep.SSOSignin,
			Preauthorized: ep.Preauthorized,
			Exchange:      ep.Exchange,
			API:           ep.API,
		},
		Env:       "prod",
		LogLevel:  "info",
		LogFormat: "text",

		HTTPTimeout: 30 * time.Second,
		RateLimit: RateLimitConfig{
			Requests: httpx.DefaultRateLimit.RequestsPerWindow,
			Window:   httpx.DefaultRateLimit.Window,
			Burst:    httpx.DefaultRateLimit.Burst,
		},
		SSOUserAgent: connect.DefaultSSOUserAgent,
		APIUserAgent: connect.DefaultAPIUserAgent,

		RefreshTimeout: connect.DefaultRefreshTimeout,

		KeepAlive: KeepAliveConfig{
			Interval:  5 * time.Minute,
			Lead:      10 * time.Minute,
			Retention: 30 * 24 * time.Hour,
		},

		ShutdownGracePeriod: 10 * time.Second,
	}
}

// LoadConfig layers defaults, the YAML file at path (or FITLINK_CONFIG when
// path is empty) and FITLINK_* environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("FITLINK_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Profile = getEnvOrDefault("FITLINK_PROFILE", cfg.Profile)

	cfg.Store.Driver = getEnvOrDefault("FITLINK_STORE", cfg.Store.Driver)
	cfg.Store.DatabaseFile = getEnvOrDefault("FITLINK_DATABASE_FILE", cfg.Store.DatabaseFile)
	cfg.Store.Dir = getEnvOrDefault("FITLINK_STORE_DIR", cfg.Store.Dir)
	cfg.Store.Passphrase = getEnvOrDefault("FITLINK_PASSPHRASE", cfg.Store.Passphrase)
	cfg.Store.NoKeyring = getEnvBoolOrDefault("FITLINK_NO_KEYRING", cfg.Store.NoKeyring)

	cfg.Endpoints.Consumer = getEnvOrDefault("FITLINK_CONSUMER_URL", cfg.Endpoints.Consumer)
	cfg.Endpoints.SSOEmbed = getEnvOrDefault("FITLINK_SSO_EMBED_URL", cfg.Endpoints.SSOEmbed)
	cfg.Endpoints.SSOSignin = getEnvOrDefault("FITLINK_SSO_SIGNIN_URL", cfg.Endpoints.SSOSignin)
	cfg.Endpoints.Preauthorized = getEnvOrDefault("FITLINK_PREAUTHORIZED_URL", cfg.Endpoints.Preauthorized)
	cfg.Endpoints.Exchange = getEnvOrDefault("FITLINK_EXCHANGE_URL", cfg.Endpoints.Exchange)
	cfg.Endpoints.API = getEnvOrDefault("FITLINK_API_URL", cfg.Endpoints.API)

	cfg.Consumer.Key = getEnvOrDefault("FITLINK_CONSUMER_KEY", cfg.Consumer.Key)
	cfg.Consumer.Secret = getEnvOrDefault("FITLINK_CONSUMER_SECRET", cfg.Consumer.Secret)

	cfg.Env = getEnvOrDefault("ENV", cfg.Env)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	cfg.HTTPTimeout = getEnvDurationOrDefault("FITLINK_HTTP_TIMEOUT", cfg.HTTPTimeout)
	limit := httpx.ParseRateLimitFromEnv("UPSTREAM", httpx.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.Requests,
		Window:            cfg.RateLimit.Window,
		Burst:             cfg.RateLimit.Burst,
	})
	cfg.RateLimit = RateLimitConfig{Requests: limit.RequestsPerWindow, Window: limit.Window, Burst: limit.Burst}
	cfg.SSOUserAgent = getEnvOrDefault("FITLINK_SSO_USER_AGENT", cfg.SSOUserAgent)
	cfg.APIUserAgent = getEnvOrDefault("FITLINK_API_USER_AGENT", cfg.APIUserAgent)

	cfg.RefreshTimeout = getEnvDurationOrDefault("FITLINK_REFRESH_TIMEOUT", cfg.RefreshTimeout)
	cfg.RefreshLeeway = getEnvDurationOrDefault("FITLINK_REFRESH_LEEWAY", cfg.RefreshLeeway)

	cfg.KeepAlive.Interval = getEnvDurationOrDefault("FITLINK_KEEPALIVE_INTERVAL", cfg.KeepAlive.Interval)
	cfg.KeepAlive.Lead = getEnvDurationOrDefault("FITLINK_KEEPALIVE_LEAD", cfg.KeepAlive.Lead)
	cfg.KeepAlive.Retention = getEnvDurationOrDefault("FITLINK_HISTORY_RETENTION", cfg.KeepAlive.Retention)

	cfg.ShutdownGracePeriod = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
}

// Validate rejects configurations the application cannot start with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Profile) == "" {
		errs = append(errs, errors.New("profile must not be empty"))
	}
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StoreKeyring:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q (want memory, sqlite or keyring)", c.Store.Driver))
	}
	if c.Store.Driver == StoreSQLite && c.Store.DatabaseFile == "" {
		errs = append(errs, errors.New("sqlite store requires a database file"))
	}
	if (c.Consumer.Key == "") != (c.Consumer.Secret == "") {
		errs = append(errs, errors.New("consumer key and secret must be set together"))
	}
	if c.KeepAlive.Interval <= 0 {
		errs = append(errs, errors.New("keep-alive interval must be positive"))
	}
	if c.RefreshLeeway < 0 || c.KeepAlive.Lead < 0 {
		errs = append(errs, errors.New("refresh leeway and keep-alive lead must not be negative"))
	}

	return errors.Join(errs...)
}

// ConnectEndpoints converts the endpoint settings for the SDK.
func (c Config) ConnectEndpoints() connect.Endpoints {
	return connect.Endpoints{
		Consumer:      c.Endpoints.Consumer,
		SSOEmbed:      c.Endpoints.SSOEmbed,
		SSOSignin:     c.Endpoints.SSOSignin,
		Preauthorized: c.Endpoints.Preauthorized,
		Exchange:      c.Endpoints.Exchange,
		API:           c.Endpoints.API,
	}
}

// HTTPRateLimit converts the rate limit settings for httpx.
func (c Config) HTTPRateLimit() httpx.RateLimitConfig {
	return httpx.RateLimitConfig{
		RequestsPerWindow: c.RateLimit.Requests,
		Window:            c.RateLimit.Window,
		Burst:             c.RateLimit.Burst,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fitlink")
	}
	return ".fitlink"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
