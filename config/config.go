package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"aegis/core"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DataPaths holds data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (AEGIS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the database file (AEGIS_SQLITE_PATH, default: ${DataDir}/aegis.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// EngineConfig tunes playbook execution
type EngineConfig struct {
	MaxConcurrent             int           `mapstructure:"max_concurrent" validate:"gte=1,lte=1000"`
	DefaultStepTimeoutSeconds int           `mapstructure:"default_step_timeout_seconds" validate:"gte=1,lte=86400"`
	PersistProgress           bool          `mapstructure:"persist_progress"`
	RetryBaseDelay            time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	DestructiveActionsEnabled bool          `mapstructure:"destructive_actions_enabled"`
}

// RedisConfig enables cross-process event fan-out and run locks
type RedisConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	core.RedisConfig `mapstructure:",squash"`
	EventsChannel    string        `mapstructure:"events_channel"`
	LockTTL          time.Duration `mapstructure:"lock_ttl" validate:"gte=0"`
}

// ThreatIntelConfig configures the HTTP reputation feed
type ThreatIntelConfig struct {
	Enabled   bool                      `mapstructure:"enabled"`
	BaseURL   string                    `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey    string                    `mapstructure:"api_key"`
	Timeout   time.Duration             `mapstructure:"timeout"`
	RateLimit int                       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int                       `mapstructure:"burst" validate:"gte=0"`
	CacheSize int                       `mapstructure:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration             `mapstructure:"cache_ttl"`
	Breaker   core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// NotificationsConfig configures outbound notification delivery
type NotificationsConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	SlackWebhookURL string        `mapstructure:"slack_webhook_url" validate:"omitempty,url"`
	AllowedHosts    []string      `mapstructure:"allowed_hosts"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ScriptsConfig restricts run_script
type ScriptsConfig struct {
	Dir     string   `mapstructure:"dir"`
	Allowed []string `mapstructure:"allowed"`
}

// HTTPRequestConfig restricts the http_request action
type HTTPRequestConfig struct {
	AllowedHosts         []string `mapstructure:"allowed_hosts"`
	AllowHTTP            bool     `mapstructure:"allow_http"`
	AllowPrivateNetworks bool     `mapstructure:"allow_private_networks"`
}

// MetricsConfig configures the worker's HTTP surface
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// WorkerConfig configures the PENDING execution poller
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1,lte=1000"`
}

// Config holds all configuration for aegis
type Config struct {
	LogLevel      string              `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	DataPaths     DataPaths           `mapstructure:"data_paths"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Redis         RedisConfig         `mapstructure:"redis"`
	ThreatIntel   ThreatIntelConfig   `mapstructure:"threat_intel"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scripts       ScriptsConfig       `mapstructure:"scripts"`
	HTTPRequest   HTTPRequestConfig   `mapstructure:"http_request"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	v.SetDefault("engine.max_concurrent", 10)
	v.SetDefault("engine.default_step_timeout_seconds", 300)
	v.SetDefault("engine.persist_progress", true)
	v.SetDefault("engine.retry_base_delay", 5*time.Second)
	v.SetDefault("engine.destructive_actions_enabled", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", 5*time.Second)
	v.SetDefault("redis.events_channel", "aegis:playbook:events")
	v.SetDefault("redis.lock_ttl", 2*time.Hour)

	v.SetDefault("threat_intel.enabled", false)
	v.SetDefault("threat_intel.base_url", "https://www.virustotal.com/api/v3")
	v.SetDefault("threat_intel.api_key", "")
	v.SetDefault("threat_intel.timeout", 10*time.Second)
	v.SetDefault("threat_intel.rate_limit", 4) // requests per minute, public API tier
	v.SetDefault("threat_intel.burst", 1)
	v.SetDefault("threat_intel.cache_size", 10000)
	v.SetDefault("threat_intel.cache_ttl", time.Hour)
	v.SetDefault("threat_intel.circuit_breaker.max_failures", 5)
	v.SetDefault("threat_intel.circuit_breaker.timeout", time.Minute)
	v.SetDefault("threat_intel.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.slack_webhook_url", "")
	v.SetDefault("notifications.allowed_hosts", []string{})
	v.SetDefault("notifications.timeout", 10*time.Second)

	v.SetDefault("scripts.dir", "./scripts")
	v.SetDefault("scripts.allowed", []string{})

	v.SetDefault("http_request.allowed_hosts", []string{})
	v.SetDefault("http_request.allow_http", false)
	v.SetDefault("http_request.allow_private_networks", false)

	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.batch_size", 20)

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.path", "secret/aegis")
	v.SetDefault("secrets.aws.secret_id", "aegis/secrets")
	v.SetDefault("secrets.aws.region", "us-east-1")
}

// bindEnv maps the path settings whose env names do not follow the key layout
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"data_paths.data_dir":    "AEGIS_DATA_DIR",
		"data_paths.sqlite_path": "AEGIS_SQLITE_PATH",
		"scripts.dir":            "AEGIS_SCRIPTS_DIR",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// Load reads configuration from file, environment and defaults, in that
// order of precedence after env. configFile may be empty, in which case
// aegis.yaml is searched in . and ./config; a missing file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AEGIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("aegis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ResolveDataPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	if c.DataPaths.DataDir == "" {
		c.DataPaths.DataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(c.DataPaths.DataDir, "aegis.db")
	} else if c.DataPaths.SQLitePath != ":memory:" && !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
}

var structValidator = validator.New()

// Validate checks struct constraints and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.ThreatIntel.Enabled {
		if c.ThreatIntel.BaseURL == "" {
			return fmt.Errorf("threat_intel.base_url is required when threat intel is enabled")
		}
		if err := c.ThreatIntel.Breaker.Validate(); err != nil {
			return fmt.Errorf("threat_intel.circuit_breaker: %w", err)
		}
	}
	for _, list := range []struct {
		name    string
		entries []string
	}{
		{"notifications.allowed_hosts", c.Notifications.AllowedHosts},
		{"http_request.allowed_hosts", c.HTTPRequest.AllowedHosts},
	} {
		for _, entry := range list.entries {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if !isValidDomain(entry) && !isValidIPOrCIDR(entry) {
				return fmt.Errorf("invalid %s entry: %s (must be valid domain, IP, or CIDR)", list.name, entry)
			}
		}
	}
	for _, name := range c.Scripts.Allowed {
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("invalid scripts.allowed entry: %s (must be a bare file name)", name)
		}
	}
	return nil
}

// Redacted returns a copy safe to print: credentials are masked and
// credential-bearing URLs reduced to scheme and host
func (c *Config) Redacted() *Config {
	out := *c
	out.Redis.Password = mask(c.Redis.Password)
	out.ThreatIntel.APIKey = mask(c.ThreatIntel.APIKey)
	out.Notifications.WebhookURL = maskURL(c.Notifications.WebhookURL)
	out.Notifications.SlackWebhookURL = maskURL(c.Notifications.SlackWebhookURL)
	out.Secrets.Vault.Token = mask(c.Secrets.Vault.Token)
	out.Secrets.AWS.AccessKey = mask(c.Secrets.AWS.AccessKey)
	out.Secrets.AWS.SecretKey = mask(c.Secrets.AWS.SecretKey)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return mask(raw)
	}
	return u.Scheme + "://" + u.Host + "/********"
}

// isValidDomain checks if a string is a valid domain name
func isValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}
	for _, r := range domain {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-') {
			return false
		}
	}
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if len(part) == 0 || len(part) > 63 {
			return false
		}
	}
	return true
}

// isValidIPOrCIDR checks if a string is a valid IP address or CIDR
func isValidIPOrCIDR(ipStr string) bool {
	if ip := net.ParseIP(ipStr); ip != nil {
		return true
	}
	_, _, err := net.ParseCIDR(ipStr)
	return err == nil
}
