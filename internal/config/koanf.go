// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/arxiv-messaging/config.yaml",
	"/etc/arxiv-messaging/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envBindings maps flat environment variables onto koanf paths. These names
// are kept compatible with the previous deployment of the service.
var envBindings = map[string]string{
	"SERVICE_MODE": "mode",

	"LOG_LEVEL":  "log.level",
	"LOG_FORMAT": "log.format",

	"NATS_URL":                 "bus.url",
	"NATS_EMBEDDED":            "bus.embedded",
	"NATS_STORE_DIR":           "bus.store_dir",
	"PUBSUB_SUBSCRIPTION_NAME": "bus.topic",
	"BUS_TOPIC":                "bus.topic",
	"BUS_QUEUE_GROUP":          "bus.queue_group",
	"BUS_DURABLE_NAME":         "bus.durable_name",
	"BUS_MAX_IN_FLIGHT":        "bus.max_in_flight",

	"STORE_PATH": "store.path",

	"SMTP_SERVER":          "smtp.server",
	"SMTP_PORT":            "smtp.port",
	"SMTP_USER":            "smtp.user",
	"SMTP_PASSWORD":        "smtp.password",
	"SMTP_USE_SSL":         "smtp.use_ssl",
	"DEFAULT_EMAIL_SENDER": "smtp.default_sender",

	"API_PORT": "api.port",

	"SCHEDULER_ENABLED":    "scheduler.enabled",
	"SCHEDULER_DAILY_TIME": "scheduler.daily_time",
	"SCHEDULER_TIMEZONE":   "scheduler.timezone",
}

// Load builds the effective configuration: struct defaults, then the first
// config file found (if any), then environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Environment variables win. Unbound variables are ignored.
	envProvider := env.Provider("", ".", func(key string) string {
		return envBindings[key]
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
