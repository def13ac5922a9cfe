// Package config loads and validates trafficpacer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// EnvPrefix is the environment variable prefix (TRAFFICPACER_ENGINE_OWNER_RPM, ...).
const EnvPrefix = "TRAFFICPACER"

// engineLimitKeys have no defaults; a snapshot without them is unusable.
var engineLimitKeys = []string{
	"engine.http_concurrency",
	"engine.browser_concurrency",
	"engine.max_steps_per_tick",
	"engine.owner_rpm",
	"engine.hourly_variance",
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Failure  FailureConfig  `mapstructure:"failure"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs planning, ticking and dispatch.
type EngineConfig struct {
	HTTPConcurrency    int           `mapstructure:"http_concurrency"`
	BrowserConcurrency int           `mapstructure:"browser_concurrency"`
	MaxStepsPerTick    int           `mapstructure:"max_steps_per_tick"`
	OwnerRPM           int           `mapstructure:"owner_rpm"`
	OwnerBurst         int           `mapstructure:"owner_burst"`
	HourlyVariance     float64       `mapstructure:"hourly_variance"`
	VisitTimeout       time.Duration `mapstructure:"visit_timeout"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	Timezone           string        `mapstructure:"timezone"`
	InstanceName       string        `mapstructure:"instance_name"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// FailureConfig sets the failure tracker thresholds.
type FailureConfig struct {
	HTTPThreshold         int           `mapstructure:"http_threshold"`
	BrowserThreshold      int           `mapstructure:"browser_threshold"`
	PreferBrowserCooldown time.Duration `mapstructure:"prefer_browser_cooldown"`
}

// SignatureConfig is an operator-supplied challenge signature.
type SignatureConfig struct {
	Name  string   `mapstructure:"name"`
	Title []string `mapstructure:"title"`
	Body  []string `mapstructure:"body"`
	Weak  []string `mapstructure:"weak"`
}

// BrowserConfig configures browser-mode execution.
type BrowserConfig struct {
	ExecutorURL         string            `mapstructure:"executor_url"`
	LocalEnabled        bool              `mapstructure:"local_enabled"`
	LocalHeadless       bool              `mapstructure:"local_headless"`
	WaitUntil           string            `mapstructure:"wait_until"`
	ChallengeBudget     time.Duration     `mapstructure:"challenge_budget"`
	ChallengePoll       time.Duration     `mapstructure:"challenge_poll"`
	ChallengeSignatures []SignatureConfig `mapstructure:"challenge_signatures"`
	ContinueSelectors   []string          `mapstructure:"continue_selectors"`
}

// ProxyConfig maps country codes to proxy endpoints.
type ProxyConfig struct {
	Countries    map[string]string `mapstructure:"countries"`
	ProbeURL     string            `mapstructure:"probe_url"`
	ProbeTimeout time.Duration     `mapstructure:"probe_timeout"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// StorageConfig selects the store backend and the screenshot archive.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// AlertsConfig configures the optional Pub/Sub alert fan-out.
type AlertsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %w", pacer.ErrConfiguration, err)
		}
	}
	return decode(v)
}

// Default returns the defaulted configuration with the engine limits left zero.
func Default() Config {
	var cfg Config
	_ = newViper().Unmarshal(&cfg)
	cfg.normalize()
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range engineLimitKeys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("browser.executor_url")
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var missing []string
	for _, key := range engineLimitKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: missing %s", pacer.ErrConfiguration, strings.Join(missing, ", "))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", pacer.ErrConfiguration, err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.owner_burst", 1)
	v.SetDefault("engine.visit_timeout", "45s")
	v.SetDefault("engine.lease_ttl", "2m")
	v.SetDefault("engine.tick_interval", "1m")
	v.SetDefault("engine.timezone", "UTC")
	v.SetDefault("engine.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("failure.http_threshold", 5)
	v.SetDefault("failure.browser_threshold", 5)
	v.SetDefault("failure.prefer_browser_cooldown", "6h")
	v.SetDefault("browser.local_enabled", false)
	v.SetDefault("browser.local_headless", true)
	v.SetDefault("browser.wait_until", "networkidle")
	v.SetDefault("browser.challenge_budget", "20s")
	v.SetDefault("browser.challenge_poll", "2s")
	v.SetDefault("proxy.probe_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_timeout", "10s")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "diagnostics")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

func (c *Config) normalize() {
	if c.Engine.InstanceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "trafficpacer"
		}
		c.Engine.InstanceName = host
	}
	countries := make(map[string]string, len(c.Proxy.Countries))
	for code, endpoint := range c.Proxy.Countries {
		countries[strings.ToUpper(strings.TrimSpace(code))] = strings.TrimSpace(endpoint)
	}
	c.Proxy.Countries = countries
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
}

// Validate enforces required values and reasonable limits. Engine errors wrap
// pacer.ErrConfiguration.
func (c Config) Validate() error {
	if err := c.validateEngine(); err != nil {
		return fmt.Errorf("%w: %w", pacer.ErrConfiguration, err)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("%w: server.port must be > 0", pacer.ErrConfiguration)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("%w: auth.api_key must be set when auth is enabled", pacer.ErrConfiguration)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for the postgres backend", pacer.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", pacer.ErrConfiguration, c.Storage.Backend)
	}
	return nil
}

func (c Config) validateEngine() error {
	e := c.Engine
	var errs []error
	if e.HTTPConcurrency <= 0 {
		errs = append(errs, errors.New("engine.http_concurrency must be > 0"))
	}
	if e.BrowserConcurrency < 0 {
		errs = append(errs, errors.New("engine.browser_concurrency must be >= 0"))
	}
	if e.MaxStepsPerTick <= 0 {
		errs = append(errs, errors.New("engine.max_steps_per_tick must be > 0"))
	}
	if e.OwnerRPM <= 0 {
		errs = append(errs, errors.New("engine.owner_rpm must be > 0"))
	}
	if e.OwnerBurst <= 0 {
		errs = append(errs, errors.New("engine.owner_burst must be > 0"))
	}
	if e.HourlyVariance < 0 || e.HourlyVariance > 0.9 {
		errs = append(errs, fmt.Errorf("engine.hourly_variance %.2f outside [0, 0.9]", e.HourlyVariance))
	}
	if e.VisitTimeout <= 0 {
		errs = append(errs, errors.New("engine.visit_timeout must be > 0"))
	}
	if e.LeaseTTL <= e.VisitTimeout {
		errs = append(errs, errors.New("engine.lease_ttl must exceed engine.visit_timeout"))
	}
	if e.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be > 0"))
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	if c.Failure.HTTPThreshold <= 0 || c.Failure.BrowserThreshold <= 0 {
		errs = append(errs, errors.New("failure thresholds must be > 0"))
	}
	if c.Failure.PreferBrowserCooldown <= 0 {
		errs = append(errs, errors.New("failure.prefer_browser_cooldown must be > 0"))
	}
	if c.Browser.ChallengeBudget <= 0 || c.Browser.ChallengePoll <= 0 {
		errs = append(errs, errors.New("browser challenge budget and poll must be > 0"))
	}
	for code, endpoint := range c.Proxy.Countries {
		if endpoint == "" {
			errs = append(errs, fmt.Errorf("proxy.countries.%s has no endpoint", code))
		}
	}
	return errors.Join(errs...)
}

// FailurePolicy converts the failure section into the tracker policy.
func (c Config) FailurePolicy() pacer.FailurePolicy {
	return pacer.FailurePolicy{
		HTTPThreshold:    c.Failure.HTTPThreshold,
		BrowserThreshold: c.Failure.BrowserThreshold,
		Cooldown:         c.Failure.PreferBrowserCooldown,
	}
}
