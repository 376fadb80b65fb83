package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pactstake/settlement/internal/ratelimit"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the settlement service
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Database       DatabaseConfig       `toml:"database"`
	Log            LogConfig            `toml:"log"`
	Pacts          PactsConfig          `toml:"pacts"`
	Commission     CommissionConfig     `toml:"commission"`
	Integrity      IntegrityConfig      `toml:"integrity"`
	RateLimits     RateLimitsConfig     `toml:"rate_limits"`
	RateLimitStore RateLimitStoreConfig `toml:"ratelimit_store"`
	Media          MediaConfig          `toml:"media"`
	Payments       ClientConfig         `toml:"payments"`
	Classifier     ClientConfig         `toml:"classifier"`
	ServiceKeys    map[string]string    `toml:"service_keys"`
	Notify         NotifyConfig         `toml:"notify"`
	JWTSecret      string               `toml:"-"`
	TelegramToken  string               `toml:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL      string `toml:"url"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
}

// LogConfig selects the zap level and an optional rotated log file.
type LogConfig struct {
	Level string `toml:"level"`
	Dev   bool   `toml:"dev"`
	File  string `toml:"file"`
}

// PactsConfig holds the platform rules for joining, proving and voting.
type PactsConfig struct {
	MaxStake              string `toml:"max_stake"`
	GracePeriodHours      int    `toml:"grace_period_hours"`
	LongPactHours         int    `toml:"long_pact_hours"`
	VoteWindowHours       int    `toml:"vote_window_hours"`
	GroupVoteThresholdPct int    `toml:"group_vote_threshold_pct"`
}

// CommissionConfig holds the commission rate per visibility tier.
type CommissionConfig struct {
	Public  string `toml:"public"`
	Friends string `toml:"friends"`
	Group   string `toml:"group"`
}

// IntegrityConfig holds the proof scoring floor and flag threshold.
type IntegrityConfig struct {
	RejectBelow int `toml:"reject_below"`
	FlagBelow   int `toml:"flag_below"`
}

// RateRule is one (max requests, window) pair.
type RateRule struct {
	Max           int `toml:"max"`
	WindowSeconds int `toml:"window_seconds"`
}

// Window returns the rule window as a duration.
func (r RateRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// RateLimitsConfig maps actions to their rules.
type RateLimitsConfig struct {
	Default RateRule            `toml:"default"`
	Actions map[string]RateRule `toml:"actions"`
}

// Rules converts the configured limits for the limiter: per-action rules and the fallback.
func (r RateLimitsConfig) Rules() (map[string]ratelimit.Rule, ratelimit.Rule) {
	rules := make(map[string]ratelimit.Rule, len(r.Actions))
	for action, rule := range r.Actions {
		rules[action] = ratelimit.Rule{Max: rule.Max, Window: rule.Window()}
	}
	return rules, ratelimit.Rule{Max: r.Default.Max, Window: r.Default.Window()}
}

func (r RateRule) validate(name string) error {
	if r.Max <= 0 {
		return fmt.Errorf("invalid %s.max %d: must be positive", name, r.Max)
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("invalid %s.window_seconds %d: must be positive", name, r.WindowSeconds)
	}
	return nil
}

// RateLimitStoreConfig selects the rate limiter backend.
type RateLimitStoreConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// MediaConfig holds proof media storage settings.
type MediaConfig struct {
	Dir          string `toml:"dir"`
	BaseURL      string `toml:"base_url"`
	MaxSizeBytes int64  `toml:"max_size_bytes"`
}

// ClientConfig describes an external HTTP collaborator.
type ClientConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the client timeout as a duration.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NotifyConfig toggles notification sinks.
type NotifyConfig struct {
	TelegramEnabled bool `toml:"telegram_enabled"`
	QueueSize       int  `toml:"queue_size"`
}

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyEnv()
	cfg.SetDefaults()
	return cfg
}

// LoadDotEnv reads a .env file into the process environment if one exists.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ApplyEnv copies secrets and overrides from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if os.Getenv("LOG_DEV") == "1" {
		c.Log.Dev = true
	}
}

// DatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) DatabaseURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Rate returns the commission rate for a visibility tier.
func (c *CommissionConfig) Rate(visibility string) decimal.Decimal {
	switch visibility {
	case "friends":
		return decimal.RequireFromString(c.Friends)
	case "group":
		return decimal.RequireFromString(c.Group)
	default:
		return decimal.RequireFromString(c.Public)
	}
}

// Validate rejects values that would make the settlement rules meaningless.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"pacts.max_stake":    c.Pacts.MaxStake,
		"commission.public":  c.Commission.Public,
		"commission.friends": c.Commission.Friends,
		"commission.group":   c.Commission.Group,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("invalid %s %q: must not be negative", name, v)
		}
		if name != "pacts.max_stake" && d.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("invalid %s %q: must not exceed 1", name, v)
		}
	}
	if c.Integrity.RejectBelow > c.Integrity.FlagBelow {
		return fmt.Errorf("integrity.reject_below (%d) must not exceed flag_below (%d)",
			c.Integrity.RejectBelow, c.Integrity.FlagBelow)
	}
	if err := c.RateLimits.Default.validate("rate_limits.default"); err != nil {
		return err
	}
	for action, rule := range c.RateLimits.Actions {
		if err := rule.validate("rate_limits.actions." + action); err != nil {
			return err
		}
	}
	switch c.RateLimitStore.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown ratelimit_store.backend %q", c.RateLimitStore.Backend)
	}
	return nil
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.Database == "" {
		c.Database.Database = "pacts"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Pacts.MaxStake == "" {
		c.Pacts.MaxStake = "1000"
	}
	if c.Pacts.GracePeriodHours == 0 {
		c.Pacts.GracePeriodHours = 24
	}
	if c.Pacts.LongPactHours == 0 {
		c.Pacts.LongPactHours = 24
	}
	if c.Pacts.VoteWindowHours == 0 {
		c.Pacts.VoteWindowHours = 72
	}
	if c.Pacts.GroupVoteThresholdPct == 0 {
		c.Pacts.GroupVoteThresholdPct = 50
	}
	if c.Commission.Public == "" {
		c.Commission.Public = "0.05"
	}
	if c.Commission.Friends == "" {
		c.Commission.Friends = "0.03"
	}
	if c.Commission.Group == "" {
		c.Commission.Group = "0.04"
	}
	if c.Integrity.RejectBelow == 0 {
		c.Integrity.RejectBelow = 30
	}
	if c.Integrity.FlagBelow == 0 {
		c.Integrity.FlagBelow = 60
	}
	if c.RateLimits.Default.Max == 0 {
		c.RateLimits.Default = RateRule{Max: 60, WindowSeconds: 60}
	}
	if c.RateLimits.Actions == nil {
		c.RateLimits.Actions = map[string]RateRule{}
	}
	for action, rule := range DefaultRateRules() {
		if _, ok := c.RateLimits.Actions[action]; !ok {
			c.RateLimits.Actions[action] = rule
		}
	}
	if c.RateLimitStore.Backend == "" {
		c.RateLimitStore.Backend = "memory"
	}
	if c.RateLimitStore.SQLitePath == "" {
		c.RateLimitStore.SQLitePath = "./data/ratelimit.db"
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "./data/media"
	}
	if c.Media.BaseURL == "" {
		c.Media.BaseURL = "/media"
	}
	if c.Media.MaxSizeBytes == 0 {
		c.Media.MaxSizeBytes = 20 * 1024 * 1024 // 20MB
	}
	if c.Payments.TimeoutSeconds == 0 {
		c.Payments.TimeoutSeconds = 15
	}
	if c.Classifier.TimeoutSeconds == 0 {
		c.Classifier.TimeoutSeconds = 5
	}
	if c.ServiceKeys == nil {
		c.ServiceKeys = map[string]string{}
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}
}

// DefaultRateRules returns the per-action limits, tightest for auth and payments.
func DefaultRateRules() map[string]RateRule {
	return map[string]RateRule{
		"auth":             {Max: 5, WindowSeconds: 60},
		"payment":          {Max: 5, WindowSeconds: 60},
		"join":             {Max: 10, WindowSeconds: 60},
		"proof_submit":     {Max: 5, WindowSeconds: 300},
		"vote":             {Max: 30, WindowSeconds: 60},
		"dispute":          {Max: 5, WindowSeconds: 3600},
		"challenge_create": {Max: 10, WindowSeconds: 3600},
	}
}
