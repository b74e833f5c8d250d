package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"   validate:"required"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
}

// ServerConfig contains the admin HTTP server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the persistence settings. An empty URL selects
// the embedded in-memory store instead of Postgres.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// EngineConfig contains the job engine tunables. The retry constants are
// the documented reference values; deployments override them through
// configuration, never by editing call sites.
type EngineConfig struct {
	// MaxConcurrentJobs bounds how many jobs may be running at once.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" validate:"required,gt=0"`

	// PoolQueueSize is the buffer for tasks accepted by the worker pool
	// but not yet picked up by a worker.
	PoolQueueSize int `mapstructure:"pool_queue_size" validate:"required,gt=0"`

	// EventBufferSize is the per-subscriber buffer on the event bus.
	EventBufferSize int `mapstructure:"event_buffer_size" validate:"required,gt=0"`

	// BaseRetryDelay is the delay before the first retry attempt.
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay" validate:"required,gt=0"`

	// MaxRetryDelay caps the exponential backoff growth.
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" validate:"required,gt=0"`

	// BackoffMultiplier is the exponential growth factor between attempts.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" validate:"required,gt=1"`

	// JitterFactor randomly perturbs each delay by up to this fraction in
	// either direction, to avoid synchronized retry storms.
	JitterFactor float64 `mapstructure:"jitter_factor" validate:"gte=0,lt=1"`

	// WatchdogTimeout force-fails a running job that has produced no
	// completion signal for this long. Zero disables the watchdog.
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout" validate:"gte=0"`

	// CancelGracePeriod is how long a cancelled running job may take to
	// acknowledge termination before it is force-marked failed.
	CancelGracePeriod time.Duration `mapstructure:"cancel_grace_period" validate:"required,gt=0"`

	// CompletedRetention is how long terminal jobs are kept before the
	// janitor removes them. Zero disables retention cleanup.
	CompletedRetention time.Duration `mapstructure:"completed_retention" validate:"gte=0"`

	// RetentionCheckInterval is how often the janitor runs.
	RetentionCheckInterval time.Duration `mapstructure:"retention_check_interval" validate:"required,gt=0"`
}

// AnalyzerConfig contains settings for the bundled HTTP analysis executor.
// An empty BaseURL leaves executor selection to the caller wiring the engine.
type AnalyzerConfig struct {
	BaseURL        string        `mapstructure:"base_url"        validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
}
