package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file: ./config.yaml. Absence is fine; a malformed
	// file is not.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables with the ENGINE_ prefix override file values,
	// e.g. ENGINE_SERVER_PORT, ENGINE_ENGINE_MAX_CONCURRENT_JOBS.
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the reference defaults for every tunable so a
// bare environment still produces a runnable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("engine.max_concurrent_jobs", 5)
	v.SetDefault("engine.pool_queue_size", 256)
	v.SetDefault("engine.event_buffer_size", 64)
	v.SetDefault("engine.base_retry_delay", 30*time.Second)
	v.SetDefault("engine.max_retry_delay", 30*time.Minute)
	v.SetDefault("engine.backoff_multiplier", 2.0)
	v.SetDefault("engine.jitter_factor", 0.2)
	v.SetDefault("engine.watchdog_timeout", 5*time.Minute)
	v.SetDefault("engine.cancel_grace_period", 10*time.Second)
	v.SetDefault("engine.completed_retention", 7*24*time.Hour)
	v.SetDefault("engine.retention_check_interval", time.Hour)

	v.SetDefault("analyzer.base_url", "")
	v.SetDefault("analyzer.request_timeout", 60*time.Second)
}
