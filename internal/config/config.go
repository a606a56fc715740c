// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Remote  RemoteConfig  `yaml:"remote"`
	Auth    AuthConfig    `yaml:"auth"`
	Advisor AdvisorConfig `yaml:"advisor"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

type CacheConfig struct {
	Path       string `yaml:"path" validate:"required_if=InMemory false"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type RemoteConfig struct {
	Driver         string        `yaml:"driver" validate:"oneof=sqlite dynamodb"`
	SQLitePath     string        `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	DynamoTable    string        `yaml:"dynamo_table" validate:"required_if=Driver dynamodb"`
	DynamoRegion   string        `yaml:"dynamo_region" validate:"required_if=Driver dynamodb"`
	DynamoEndpoint string        `yaml:"dynamo_endpoint" validate:"omitempty,url"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"min=0"`
}

type AuthConfig struct {
	// JWTSecret enables sign-in. Without it the service stays anonymous.
	JWTSecret string `yaml:"jwt_secret" validate:"omitempty,min=16"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	TokenFile string `yaml:"token_file"`
}

type AdvisorConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8011},
		Cache:  CacheConfig{Path: "/data/nutrition-cache"},
		Remote: RemoteConfig{
			Driver:       DriverSQLite,
			SQLitePath:   "/data/nutrition-log.db",
			PollInterval: 5 * time.Second,
		},
		Advisor: AdvisorConfig{Timeout: 60 * time.Second},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads defaults, then the YAML file at path (if path is set), then
// NUTRITION_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyEnv() error {
	c.Server.Host = getEnv("NUTRITION_HOST", c.Server.Host)
	c.Cache.Path = getEnv("NUTRITION_CACHE_PATH", c.Cache.Path)
	c.Remote.Driver = getEnv("NUTRITION_REMOTE_DRIVER", c.Remote.Driver)
	c.Remote.SQLitePath = getEnv("NUTRITION_SQLITE_PATH", c.Remote.SQLitePath)
	c.Remote.DynamoTable = getEnv("NUTRITION_DYNAMO_TABLE", c.Remote.DynamoTable)
	c.Remote.DynamoRegion = getEnv("NUTRITION_DYNAMO_REGION", c.Remote.DynamoRegion)
	c.Remote.DynamoEndpoint = getEnv("NUTRITION_DYNAMO_ENDPOINT", c.Remote.DynamoEndpoint)
	c.Auth.JWTSecret = getEnv("NUTRITION_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("NUTRITION_JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnv("NUTRITION_JWT_AUDIENCE", c.Auth.Audience)
	c.Auth.TokenFile = getEnv("NUTRITION_TOKEN_FILE", c.Auth.TokenFile)
	c.Advisor.BaseURL = getEnv("NUTRITION_ADVISOR_URL", c.Advisor.BaseURL)
	c.Advisor.APIKey = getEnv("NUTRITION_ADVISOR_API_KEY", getEnv("OPENAI_API_KEY", c.Advisor.APIKey))
	c.Advisor.Model = getEnv("NUTRITION_ADVISOR_MODEL", c.Advisor.Model)
	c.Log.Level = getEnv("NUTRITION_LOG_LEVEL", c.Log.Level)

	var err error
	if c.Server.Port, err = getEnvInt("NUTRITION_PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Cache.InMemory, err = getEnvBool("NUTRITION_CACHE_IN_MEMORY", c.Cache.InMemory); err != nil {
		return err
	}
	if c.Log.Development, err = getEnvBool("NUTRITION_LOG_DEVELOPMENT", c.Log.Development); err != nil {
		return err
	}
	if c.Remote.PollInterval, err = getEnvDuration("NUTRITION_POLL_INTERVAL", c.Remote.PollInterval); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
