// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package config loads service configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Service modes. In "combined" the process runs the bus consumer, the
// scheduler, and the admin API; the other modes run a subset.
const (
	ModeCombined   = "combined"
	ModeAPIOnly    = "api-only"
	ModePubSubOnly = "pubsub-only"
)

// Config is the root configuration, read once at startup and treated as
// immutable afterwards.
type Config struct {
	Mode      string          `koanf:"mode" validate:"oneof=combined api-only pubsub-only"`
	Log       LogConfig       `koanf:"log"`
	Bus       BusConfig       `koanf:"bus" validate:"required"`
	Store     StoreConfig     `koanf:"store" validate:"required"`
	SMTP      SMTPConfig      `koanf:"smtp" validate:"required"`
	API       APIConfig       `koanf:"api"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
}

// LogConfig controls the zerolog backend.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// BusConfig configures the NATS JetStream consumer. With Embedded set the
// process runs its own single-node JetStream server, which keeps small
// deployments self-contained.
type BusConfig struct {
	URL              string        `koanf:"url" validate:"required"`
	Embedded         bool          `koanf:"embedded"`
	StoreDir         string        `koanf:"store_dir"`
	Topic            string        `koanf:"topic" validate:"required"`
	QueueGroup       string        `koanf:"queue_group"`
	DurableName      string        `koanf:"durable_name"`
	SubscribersCount int           `koanf:"subscribers_count" validate:"min=1"`
	MaxInFlight      int           `koanf:"max_in_flight" validate:"min=1"`
	AckWait          time.Duration `koanf:"ack_wait"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`
}

// StoreConfig configures the BadgerDB event store.
type StoreConfig struct {
	Path     string `koanf:"path" validate:"required"`
	InMemory bool   `koanf:"in_memory"`
}

// SMTPConfig configures the email delivery provider.
type SMTPConfig struct {
	Server        string `koanf:"server" validate:"required"`
	Port          int    `koanf:"port" validate:"min=1,max=65535"`
	User          string `koanf:"user"`
	Password      string `koanf:"password"`
	UseSSL        bool   `koanf:"use_ssl"`
	DefaultSender string `koanf:"default_sender" validate:"required,email"`
}

// APIConfig configures the administrative HTTP surface.
type APIConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
}

// SchedulerConfig configures the aggregation scheduler. DailyTime is the
// local wall-clock time ("HH:MM") for daily and weekly digests.
type SchedulerConfig struct {
	Enabled       bool          `koanf:"enabled"`
	CheckInterval time.Duration `koanf:"check_interval"`
	DailyTime     string        `koanf:"daily_time" validate:"omitempty,len=5"`
	Timezone      string        `koanf:"timezone"`
}

// DeliveryConfig tunes the delivery service.
type DeliveryConfig struct {
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`

	// BreakerEnabled wraps each provider in a circuit breaker so that a
	// persistently failing SMTP relay or webhook endpoint fails fast
	// instead of holding ingestion workers on network timeouts.
	BreakerEnabled     bool          `koanf:"breaker_enabled"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// defaultConfig returns a Config with all default values. These mirror the
// deployment defaults of the hosted service.
func defaultConfig() *Config {
	return &Config{
		Mode: ModeCombined,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Bus: BusConfig{
			URL:              "nats://127.0.0.1:4222",
			Embedded:         false,
			StoreDir:         "/data/nats/jetstream",
			Topic:            "notifications",
			QueueGroup:       "messaging",
			DurableName:      "messaging-consumer",
			SubscribersCount: 4,
			MaxInFlight:      100,
			AckWait:          30 * time.Second,
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
		},
		Store: StoreConfig{
			Path:     "/data/messaging",
			InMemory: false,
		},
		SMTP: SMTPConfig{
			Server:        "smtp-relay.gmail.com",
			Port:          465,
			User:          "smtp-relay@arxiv.org",
			Password:      "",
			UseSSL:        true,
			DefaultSender: "arxiv-messaging@arxiv.org",
		},
		API: APIConfig{
			Port:            8080,
			CORSOrigins:     nil,
			RateLimit:       100,
			RateLimitWindow: time.Minute,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			CheckInterval: time.Minute,
			DailyTime:     "09:00",
			Timezone:      "UTC",
		},
		Delivery: DeliveryConfig{
			WebhookTimeout:     30 * time.Second,
			BreakerEnabled:     false,
			BreakerMaxFailures: 10,
			BreakerTimeout:     time.Minute,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the loaded configuration for structural problems.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.Parse("15:04", c.Scheduler.DailyTime); c.Scheduler.DailyTime != "" && err != nil {
		return fmt.Errorf("invalid scheduler.daily_time %q: %w", c.Scheduler.DailyTime, err)
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
		}
	}
	return nil
}
