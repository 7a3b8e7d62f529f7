// Package config loads and validates the broker configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the task broker.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Broker  BrokerConfig  `yaml:"broker"`
	Lock    LockConfig    `yaml:"lock"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the HTTP/WebSocket server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"TB_SERVER_ADDRESS"`
	BasePath     string        `yaml:"base_path" env:"TB_SERVER_BASE_PATH"`
	HealthPath   string        `yaml:"health_path" env:"TB_SERVER_HEALTH_PATH"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"TB_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"TB_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"TB_SERVER_ENABLE_CORS"`
}

// AuthConfig holds the shared-secret configuration for inbound connections.
type AuthConfig struct {
	Token string `yaml:"token" env:"TB_AUTH_TOKEN"`
}

// BrokerConfig holds the task dispatch configuration.
type BrokerConfig struct {
	OfferExpiry        time.Duration `yaml:"offer_expiry" env:"TB_BROKER_OFFER_EXPIRY"`
	MaxOfferRounds     int           `yaml:"max_offer_rounds" env:"TB_BROKER_MAX_OFFER_ROUNDS"`
	DefaultCapacity    int           `yaml:"default_capacity" env:"TB_BROKER_DEFAULT_CAPACITY"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"TB_BROKER_HEARTBEAT_INTERVAL"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" env:"TB_BROKER_HEARTBEAT_TIMEOUT"`
	ReapInterval       time.Duration `yaml:"reap_interval" env:"TB_BROKER_REAP_INTERVAL"`
	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout" env:"TB_BROKER_LOCK_ACQUIRE_TIMEOUT"`
}

// LockConfig holds the distributed lock coordinator configuration.
type LockConfig struct {
	// Backend selects the lock implementation: "memory" or "postgres".
	Backend string `yaml:"backend" env:"TB_LOCK_BACKEND"`
	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn" env:"TB_LOCK_POSTGRES_DSN"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"TB_LOG_LEVEL"`
	Format string `yaml:"format" env:"TB_LOG_FORMAT"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":5679",
			BasePath:     "/runners",
			HealthPath:   "/health",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   false,
		},
		Auth: AuthConfig{
			Token: "",
		},
		Broker: BrokerConfig{
			OfferExpiry:        5 * time.Second,
			MaxOfferRounds:     6,
			DefaultCapacity:    5,
			HeartbeatInterval:  10 * time.Second,
			HeartbeatTimeout:   30 * time.Second,
			ReapInterval:       time.Minute,
			LockAcquireTimeout: 10 * time.Second,
		},
		Lock: LockConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration with precedence defaults < YAML file < environment.
// A .env file in the working directory is read into the environment first, if
// present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides recursively applies env-tagged overrides to struct fields.
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnvOverrides(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldValue sets a reflect.Value from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}
	return nil
}

// normalizePath ensures a path starts with "/" and has no trailing slash.
func normalizePath(p string) string {
	if p == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}
