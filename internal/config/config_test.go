// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Mode != ModeCombined {
		t.Errorf("Mode = %q, want combined", cfg.Mode)
	}
	if cfg.Bus.MaxInFlight != 100 || cfg.Bus.AckWait != 30*time.Second {
		t.Errorf("bus defaults = %+v", cfg.Bus)
	}
	if cfg.Scheduler.DailyTime != "09:00" || cfg.Scheduler.Timezone != "UTC" {
		t.Errorf("scheduler defaults = %+v", cfg.Scheduler)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "standalone" }},
		{"empty bus url", func(c *Config) { c.Bus.URL = "" }},
		{"empty topic", func(c *Config) { c.Bus.Topic = "" }},
		{"bad smtp port", func(c *Config) { c.SMTP.Port = 0 }},
		{"bad default sender", func(c *Config) { c.SMTP.DefaultSender = "not-an-email" }},
		{"bad daily time", func(c *Config) { c.Scheduler.DailyTime = "25:99" }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
mode: api-only
bus:
  topic: file-topic
smtp:
  server: smtp.file.example.org
api:
  port: 9999
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("BUS_TOPIC", "env-topic")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// File overrides defaults.
	if cfg.Mode != ModeAPIOnly {
		t.Errorf("Mode = %q, want api-only", cfg.Mode)
	}
	if cfg.SMTP.Server != "smtp.file.example.org" || cfg.API.Port != 9999 {
		t.Errorf("file values not applied: smtp=%q port=%d", cfg.SMTP.Server, cfg.API.Port)
	}
	// Environment overrides the file.
	if cfg.Bus.Topic != "env-topic" {
		t.Errorf("Bus.Topic = %q, want env-topic", cfg.Bus.Topic)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	// Untouched values keep their defaults.
	if cfg.Store.Path != "/data/messaging" {
		t.Errorf("Store.Path = %q, want default", cfg.Store.Path)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("mode: [broken"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	if _, err := Load(); err == nil {
		t.Error("Load() succeeded with malformed YAML, want error")
	}
}
