package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Payload   PayloadConfig   `yaml:"payload"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"readTimeout" envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `yaml:"idleTimeout" envconfig:"IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig defines the durable backend connection.
type DatabaseConfig struct {
	URL          string `yaml:"url" envconfig:"DATABASE_URL" default:"postgres://localhost/scriptflow?sslmode=disable"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"DATABASE_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"DATABASE_MAX_IDLE_CONNS" default:"5"`
}

// CacheConfig defines the ephemeral cache connection.
type CacheConfig struct {
	URL          string        `yaml:"url" envconfig:"CACHE_URL" default:"redis://localhost:6379"`
	Password     string        `yaml:"password" envconfig:"CACHE_PASSWORD"`
	DB           int           `yaml:"db" envconfig:"CACHE_DB" default:"0"`
	DialTimeout  time.Duration `yaml:"dialTimeout" envconfig:"CACHE_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `yaml:"readTimeout" envconfig:"CACHE_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"CACHE_WRITE_TIMEOUT" default:"3s"`
	TTL          time.Duration `yaml:"ttl" envconfig:"CACHE_TTL" default:"5m"`
}

// AuthConfig defines execution token settings.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwtSecret" envconfig:"JWT_SECRET" required:"true"`
	TokenExpiration time.Duration `yaml:"tokenExpiration" envconfig:"TOKEN_EXPIRATION" default:"1h"`
}

// SchedulerConfig defines trigger-engine settings.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tickInterval" envconfig:"SCHEDULER_TICK_INTERVAL" default:"5s"`
	PollInterval time.Duration `yaml:"pollInterval" envconfig:"SCHEDULER_POLL_INTERVAL" default:"500ms"`
}

// PayloadConfig defines artifact storage settings.
type PayloadConfig struct {
	StorageDir     string `yaml:"storageDir" envconfig:"PAYLOAD_STORAGE_DIR" default:"/var/lib/scriptflow/payloads"`
	RetainPerEvent int    `yaml:"retainPerEvent" envconfig:"PAYLOAD_RETAIN_PER_EVENT" default:"3"`
}

// BridgeConfig defines runtime-bridge settings.
type BridgeConfig struct {
	PublicURL       string        `yaml:"publicUrl" envconfig:"BRIDGE_PUBLIC_URL" default:"http://localhost:8080"`
	CallTimeout     time.Duration `yaml:"callTimeout" envconfig:"BRIDGE_CALL_TIMEOUT" default:"10s"`
	RateLimitPerMin int           `yaml:"rateLimitPerMin" envconfig:"BRIDGE_RATE_LIMIT_PER_MIN" default:"600"`
}

// ToolsConfig defines the credential-aware tool dispatcher endpoint.
type ToolsConfig struct {
	DispatcherURL string        `yaml:"dispatcherUrl" envconfig:"TOOLS_DISPATCHER_URL"`
	Token         string        `yaml:"token" envconfig:"TOOLS_TOKEN"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TOOLS_TIMEOUT" default:"30s"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if data, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("SCRIPTFLOW", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for hard errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Payload.RetainPerEvent < 1 {
		return fmt.Errorf("payload retention must keep at least one artifact")
	}
	return nil
}
