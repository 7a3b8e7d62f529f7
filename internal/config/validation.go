package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration and normalizes path values.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message})
	}

	if c.Server.Address == "" {
		add("server.address", "address is required")
	}

	c.Server.BasePath = normalizePath(c.Server.BasePath)
	if c.Server.BasePath == "" {
		add("server.base_path", "base path is required")
	}

	c.Server.HealthPath = normalizePath(c.Server.HealthPath)

	if c.Server.ReadTimeout < 0 {
		add("server.read_timeout", "must not be negative")
	}
	if c.Server.WriteTimeout < 0 {
		add("server.write_timeout", "must not be negative")
	}

	if c.Broker.OfferExpiry <= 0 {
		add("broker.offer_expiry", "must be positive")
	}
	if c.Broker.MaxOfferRounds <= 0 {
		add("broker.max_offer_rounds", "must be positive")
	}
	if c.Broker.DefaultCapacity <= 0 {
		add("broker.default_capacity", "must be positive")
	}
	if c.Broker.HeartbeatInterval <= 0 {
		add("broker.heartbeat_interval", "must be positive")
	}
	if c.Broker.HeartbeatTimeout <= c.Broker.HeartbeatInterval {
		add("broker.heartbeat_timeout", "must be greater than heartbeat_interval")
	}
	if c.Broker.ReapInterval <= 0 {
		add("broker.reap_interval", "must be positive")
	}
	if c.Broker.LockAcquireTimeout <= 0 {
		add("broker.lock_acquire_timeout", "must be positive")
	}

	switch c.Lock.Backend {
	case "memory":
	case "postgres":
		if c.Lock.PostgresDSN == "" {
			add("lock.postgres_dsn", "required when backend is postgres")
		}
	default:
		add("lock.backend", fmt.Sprintf("unknown backend %q, expected memory or postgres", c.Lock.Backend))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
