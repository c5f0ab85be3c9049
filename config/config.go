// Package config handles loading and validation of the engine and simulator
// configuration from environment variables and optional YAML files.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/schoolconsole/notify-engine/logger"
	"github.com/spf13/viper"
)

// Environment represents the application's running environment (development or production).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"

	minJWTLength = 32
)

// PushConfig holds the push connection settings.
type PushConfig struct {
	Endpoint                string        `mapstructure:"ENDPOINT" yaml:"endpoint"`
	ReconnectDelay          time.Duration `mapstructure:"RECONNECT_DELAY" yaml:"reconnect_delay"`
	HandshakeTimeoutSeconds int           `mapstructure:"HANDSHAKE_TIMEOUT_SECONDS" yaml:"handshake_timeout_seconds"`
}

// APIConfig holds the REST notification API settings.
type APIConfig struct {
	BaseURL        string `mapstructure:"BASE_URL" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"TIMEOUT_SECONDS" yaml:"timeout_seconds"`
	PageSize       int    `mapstructure:"PAGE_SIZE" yaml:"page_size"`
}

// Timeout returns the REST request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthConfig holds the credential the console session runs with.
type AuthConfig struct {
	Token  string `mapstructure:"TOKEN" yaml:"token"`
	UserID int64  `mapstructure:"USER_ID" yaml:"user_id"`
}

// MetricsConfig holds the Prometheus exposition settings. An empty address
// disables the metrics listener.
type MetricsConfig struct {
	Address string `mapstructure:"ADDRESS" yaml:"address"`
}

// SimulatorConfig holds the development push simulator settings.
type SimulatorConfig struct {
	Port                  string   `mapstructure:"PORT" yaml:"port"`
	JwtSecretKey          string   `mapstructure:"JWT_SECRET_KEY" yaml:"jwt_secret_key"`
	TokenTTLMinutes       int      `mapstructure:"TOKEN_TTL_MINUTES" yaml:"token_ttl_minutes"`
	SecretRotationMinutes int      `mapstructure:"SECRET_ROTATION_MINUTES" yaml:"secret_rotation_minutes"`
	AllowedOrigins        []string `mapstructure:"ALLOWED_ORIGINS" yaml:"allowed_origins"`
	RedisAddress          string   `mapstructure:"REDIS_ADDRESS" yaml:"redis_address"`
	RedisPassword         string   `mapstructure:"REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB               int      `mapstructure:"REDIS_DB" yaml:"redis_db"`
	SeedFile              string   `mapstructure:"SEED_FILE" yaml:"seed_file"`
}

// TokenTTL returns the lifetime of simulator-issued tokens.
func (c SimulatorConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// SecretRotation returns how often the signing secret rotates. Zero keeps
// JWT_SECRET_KEY for the life of the process.
func (c SimulatorConfig) SecretRotation() time.Duration {
	return time.Duration(c.SecretRotationMinutes) * time.Minute
}

// Config aggregates all configuration sections.
type Config struct {
	Environment Environment     `mapstructure:"ENVIRONMENT" yaml:"environment"`
	LogLevel    string          `mapstructure:"LOG_LEVEL" yaml:"log_level"`
	Push        PushConfig      `mapstructure:"PUSH" yaml:"push"`
	API         APIConfig       `mapstructure:"API" yaml:"api"`
	Auth        AuthConfig      `mapstructure:"AUTH" yaml:"auth"`
	Metrics     MetricsConfig   `mapstructure:"METRICS" yaml:"metrics"`
	Simulator   SimulatorConfig `mapstructure:"SIMULATOR" yaml:"simulator"`
}

// IsDevelopment returns true if the application is running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if the application is running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// bindEnvVars binds multiple environment variables to config keys.
// Format: []{configKey, envVar}
func bindEnvVars(v *viper.Viper, bindings [][2]string) error {
	for _, b := range bindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b[0], err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", EnvDevelopment)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PUSH.ENDPOINT", "ws://localhost:8080/ws")
	v.SetDefault("PUSH.RECONNECT_DELAY", "3s")
	v.SetDefault("PUSH.HANDSHAKE_TIMEOUT_SECONDS", 10)
	v.SetDefault("API.BASE_URL", "http://localhost:8080")
	v.SetDefault("API.TIMEOUT_SECONDS", 10)
	v.SetDefault("API.PAGE_SIZE", 20)
	v.SetDefault("AUTH.TOKEN", "")
	v.SetDefault("AUTH.USER_ID", 0)
	v.SetDefault("METRICS.ADDRESS", "")
	v.SetDefault("SIMULATOR.PORT", "8080")
	v.SetDefault("SIMULATOR.JWT_SECRET_KEY", "")
	v.SetDefault("SIMULATOR.TOKEN_TTL_MINUTES", 60)
	v.SetDefault("SIMULATOR.SECRET_ROTATION_MINUTES", 0)
	v.SetDefault("SIMULATOR.ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("SIMULATOR.REDIS_ADDRESS", "")
	v.SetDefault("SIMULATOR.REDIS_PASSWORD", "")
	v.SetDefault("SIMULATOR.REDIS_DB", 0)
	v.SetDefault("SIMULATOR.SEED_FILE", "")
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envBindings := [][2]string{
		{"ENVIRONMENT", "SERVER_ENVIRONMENT"},
		// Console session
		{"PUSH.ENDPOINT", "PUSH_ENDPOINT"},
		{"PUSH.RECONNECT_DELAY", "PUSH_RECONNECT_DELAY"},
		{"API.BASE_URL", "API_BASE_URL"},
		{"API.TIMEOUT_SECONDS", "API_TIMEOUT_SECONDS"},
		{"API.PAGE_SIZE", "API_PAGE_SIZE"},
		{"AUTH.TOKEN", "NOTIFY_TOKEN"},
		{"AUTH.USER_ID", "NOTIFY_USER_ID"},
		{"METRICS.ADDRESS", "METRICS_ADDRESS"},
		// Simulator
		{"SIMULATOR.PORT", "PORT"},
		{"SIMULATOR.JWT_SECRET_KEY", "JWT_SECRET_KEY"},
		{"SIMULATOR.SECRET_ROTATION_MINUTES", "SECRET_ROTATION_MINUTES"},
		{"SIMULATOR.ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},
		{"SIMULATOR.REDIS_ADDRESS", "REDIS_ADDRESS"},
		{"SIMULATOR.REDIS_PASSWORD", "REDIS_PASSWORD"},
		{"SIMULATOR.SEED_FILE", "SEED_FILE"},
	}
	if err := bindEnvVars(v, envBindings); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadConfig loads configuration from environment variables using Viper,
// applies defaults and validates the result.
func LoadConfig() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return load(v)
}

// LoadConfigFromFile loads configuration from a YAML file. Environment
// variables still take precedence over file values.
func LoadConfigFromFile(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	log := logger.GetLogger()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal failed: %w", err)
	}

	log.Infow("Configuration loaded",
		"environment", cfg.Environment,
		"push_endpoint", cfg.Push.Endpoint,
		"api_base_url", cfg.API.BaseURL,
		"token", logger.MaskJWT(cfg.Auth.Token),
		"simulator_port", cfg.Simulator.Port,
		"redis_enabled", cfg.Simulator.RedisAddress != "",
	)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validateConfig checks the values shared by every command.
func validateConfig(cfg *Config) error {
	if cfg.Environment != EnvDevelopment && cfg.Environment != EnvProduction {
		return fmt.Errorf("unknown environment %q", cfg.Environment)
	}
	if cfg.Push.ReconnectDelay <= 0 {
		return fmt.Errorf("push reconnect delay must be positive")
	}
	if cfg.Push.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("push handshake timeout must be positive")
	}
	if cfg.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("API timeout must be positive")
	}
	if cfg.API.PageSize <= 0 {
		return fmt.Errorf("API page size must be positive")
	}
	if cfg.Simulator.TokenTTLMinutes <= 0 {
		return fmt.Errorf("simulator token TTL must be positive")
	}
	if cfg.Simulator.SecretRotationMinutes < 0 {
		return fmt.Errorf("simulator secret rotation must not be negative")
	}
	return nil
}

// ValidateClient checks the settings a console session needs.
func (c *Config) ValidateClient() error {
	u, err := url.Parse(c.Push.Endpoint)
	if err != nil || c.Push.Endpoint == "" {
		return fmt.Errorf("invalid push endpoint %q", c.Push.Endpoint)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported push endpoint scheme %q", u.Scheme)
	}
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("invalid API base URL: %w", err)
	}
	if c.Auth.Token == "" {
		return fmt.Errorf("auth token is required")
	}
	return nil
}

// ValidateSimulator checks the settings the push simulator needs.
func (c *Config) ValidateSimulator() error {
	if c.Simulator.Port == "" {
		return fmt.Errorf("simulator port is required")
	}
	if len(c.Simulator.JwtSecretKey) < minJWTLength {
		return fmt.Errorf("JWT secret key must be at least %d characters long", minJWTLength)
	}
	if !containsWildcard(c.Simulator.AllowedOrigins) {
		for _, origin := range c.Simulator.AllowedOrigins {
			if _, err := url.ParseRequestURI(origin); err != nil {
				return fmt.Errorf("invalid allowed origin '%s': %w", origin, err)
			}
		}
	}
	return nil
}

// containsWildcard checks if the list of allowed origins contains the wildcard "*".
func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
