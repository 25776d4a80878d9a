// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	Env         string
	AdminToken  string
	AutoMigrate bool

	GovernanceBaseURL    string
	GovernanceToken      string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ContinuePolicy       string

	RetentionKeepCompleted int
	RetentionInterval      time.Duration
	TombstoneCapacity      int
	ArchiveMaxAge          time.Duration

	WebhookURL    string
	WebhookSecret string

	StartRateLimitPerMin int
}

var defaults = map[string]any{
	"HTTP_ADDR":                  ":8080",
	"DATABASE_URL":               "",
	"ENV":                        "dev",
	"ADMIN_TOKEN":                "",
	"AUTO_MIGRATE":               true,
	"GOVERNANCE_BASE_URL":        "http://localhost:9000/api",
	"GOVERNANCE_TOKEN":           "",
	"SSE_MAX_RECONNECT_ATTEMPTS": 5,
	"SSE_RECONNECT_INTERVAL":     "3s",
	"CONTINUE_POLICY":            "reject",
	"RETENTION_KEEP_COMPLETED":   50,
	"RETENTION_INTERVAL":         "1m",
	"TOMBSTONE_CAPACITY":         1024,
	"ARCHIVE_MAX_AGE":            "720h",
	"WEBHOOK_URL":                "",
	"WEBHOOK_SECRET":             "",
	"START_RATE_LIMIT_PER_MIN":   30,
}

// Load reads configuration from the environment, layered over an optional
// YAML file named by CONFIG_FILE. Environment values win.
func Load() Config {
	cfg, err := LoadWith(viper.New())
	if err != nil {
		// A broken config file is ignored; environment and defaults still apply.
		cfg, _ = LoadWith(newEnvOnly())
	}
	return cfg
}

func newEnvOnly() *viper.Viper {
	v := viper.New()
	v.Set("CONFIG_FILE", "")
	return v
}

// LoadWith fills a Config from v after registering defaults and env binding.
func LoadWith(v *viper.Viper) (Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file %s: %w", file, err)
			}
		}
	}

	return Config{
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		Env:         v.GetString("ENV"),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
		AutoMigrate: v.GetBool("AUTO_MIGRATE"),

		GovernanceBaseURL:    v.GetString("GOVERNANCE_BASE_URL"),
		GovernanceToken:      v.GetString("GOVERNANCE_TOKEN"),
		MaxReconnectAttempts: v.GetInt("SSE_MAX_RECONNECT_ATTEMPTS"),
		ReconnectInterval:    v.GetDuration("SSE_RECONNECT_INTERVAL"),
		ContinuePolicy:       v.GetString("CONTINUE_POLICY"),

		RetentionKeepCompleted: v.GetInt("RETENTION_KEEP_COMPLETED"),
		RetentionInterval:      v.GetDuration("RETENTION_INTERVAL"),
		TombstoneCapacity:      v.GetInt("TOMBSTONE_CAPACITY"),
		ArchiveMaxAge:          v.GetDuration("ARCHIVE_MAX_AGE"),

		WebhookURL:    v.GetString("WEBHOOK_URL"),
		WebhookSecret: v.GetString("WEBHOOK_SECRET"),

		StartRateLimitPerMin: v.GetInt("START_RATE_LIMIT_PER_MIN"),
	}, nil
}
