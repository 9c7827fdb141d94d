// Package config loads service configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fieldroute configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Auth      AuthConfig      `yaml:"auth"`
	Planner   PlannerConfig   `yaml:"planner"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port              int    `yaml:"port"`
	ReadHeaderTimeout string `yaml:"read_header_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
	DefaultTenant     string `yaml:"default_tenant"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type AuthConfig struct {
	Mode        string `yaml:"mode"` // dev, hmac, jwks
	HMACSecret  string `yaml:"hmac_secret"`
	JWKSURL     string `yaml:"jwks_url"`
	TenantClaim string `yaml:"tenant_claim"`
	RoleClaim   string `yaml:"role_claim"`
	UserClaim   string `yaml:"user_claim"`
}

type PlannerConfig struct {
	SpeedKph    float64 `yaml:"speed_kph"`
	MaxParallel int     `yaml:"max_parallel"`
}

type WebhooksConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MaxAttempts  int    `yaml:"max_attempts"`
	PollInterval string `yaml:"poll_interval"`
	BatchSize    int    `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"` // stdout, otlp
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: "5s",
			ShutdownTimeout:   "15s",
			DefaultTenant:     "t_demo",
		},
		Database: DatabaseConfig{Migrate: true},
		MQTT:     MQTTConfig{TopicPrefix: "fieldroute", QoS: 1},
		Auth: AuthConfig{
			Mode:        "dev",
			TenantClaim: "tenant",
			RoleClaim:   "role",
			UserClaim:   "sub",
		},
		Planner:  PlannerConfig{SpeedKph: 50, MaxParallel: 4},
		Webhooks: WebhooksConfig{Enabled: true, MaxAttempts: 10, PollInterval: "1s", BatchSize: 50},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Tracing:  TracingConfig{ServiceName: "fieldroute", Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// An empty path or a missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from well-known environment variables.
func (c *Config) ApplyEnv() {
	envInt("PORT", &c.Server.Port)
	envStr("DEFAULT_TENANT", &c.Server.DefaultTenant)
	envStr("DATABASE_URL", &c.Database.URL)
	envBool("DB_MIGRATE", &c.Database.Migrate)
	envStr("REDIS_URL", &c.Redis.URL)
	envStr("MQTT_BROKER_URL", &c.MQTT.BrokerURL)
	envStr("MQTT_USERNAME", &c.MQTT.Username)
	envStr("MQTT_PASSWORD", &c.MQTT.Password)
	envStr("AUTH_MODE", &c.Auth.Mode)
	envStr("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	envStr("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	envStr("AUTH_TENANT_CLAIM", &c.Auth.TenantClaim)
	envStr("AUTH_ROLE_CLAIM", &c.Auth.RoleClaim)
	envStr("AUTH_USER_CLAIM", &c.Auth.UserClaim)
	envFloat("PLANNER_SPEED_KPH", &c.Planner.SpeedKph)
	envInt("PLANNER_MAX_PARALLEL", &c.Planner.MaxParallel)
	envBool("WEBHOOKS_ENABLED", &c.Webhooks.Enabled)
	envInt("WEBHOOK_MAX_ATTEMPTS", &c.Webhooks.MaxAttempts)
	envStr("LOG_LEVEL", &c.Logging.Level)
	envStr("LOG_FORMAT", &c.Logging.Format)
	envBool("TRACING_ENABLED", &c.Tracing.Enabled)
	envStr("TRACING_EXPORTER", &c.Tracing.Exporter)
	envStr("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envFloat("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)
	envFloat("RATE_RPS", &c.RateLimit.RPS)
	envInt("RATE_BURST", &c.RateLimit.Burst)
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
}

// ValidAuthModes lists the supported token verification modes.
var ValidAuthModes = []string{"dev", "hmac", "jwks"}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	valid := false
	for _, m := range ValidAuthModes {
		if c.Auth.Mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid auth mode: %s (valid: %v)", c.Auth.Mode, ValidAuthModes)
	}
	if c.Auth.Mode == "hmac" && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth mode hmac requires AUTH_HMAC_SECRET")
	}
	if c.Auth.Mode == "jwks" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth mode jwks requires AUTH_JWKS_URL")
	}
	if c.Planner.SpeedKph <= 0 {
		return fmt.Errorf("planner speed_kph must be > 0")
	}
	if c.Planner.MaxParallel <= 0 {
		return fmt.Errorf("planner max_parallel must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be in [0,1]")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }

func (c *Config) GetReadHeaderTimeout() time.Duration {
	return durationOr(c.Server.ReadHeaderTimeout, 5*time.Second)
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return durationOr(c.Server.ShutdownTimeout, 15*time.Second)
}

func (c *Config) GetWebhookPollInterval() time.Duration {
	return durationOr(c.Webhooks.PollInterval, time.Second)
}

// Redacted returns a view safe to expose on debug endpoints.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"port":            c.Server.Port,
		"defaultTenant":   c.Server.DefaultTenant,
		"authMode":        c.Auth.Mode,
		"hasDatabaseURL":  c.Database.URL != "",
		"hasRedisURL":     c.Redis.URL != "",
		"hasMQTTBroker":   c.MQTT.BrokerURL != "",
		"plannerSpeedKph": c.Planner.SpeedKph,
		"plannerParallel": c.Planner.MaxParallel,
		"webhooksEnabled": c.Webhooks.Enabled,
		"webhookMaxTries": c.Webhooks.MaxAttempts,
		"rateRPS":         c.RateLimit.RPS,
		"rateBurst":       c.RateLimit.Burst,
		"tracingEnabled":  c.Tracing.Enabled,
		"tracingExporter": c.Tracing.Exporter,
		"logLevel":        c.Logging.Level,
	}
}

func durationOr(s string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func envStr(k string, dst *string) {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		*dst = v
	}
}

func envInt(k string, dst *int) {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(k string, dst *float64) {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(k string, dst *bool) {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
