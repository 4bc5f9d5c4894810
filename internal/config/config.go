package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"    validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	LLM      LLMConfig      `mapstructure:"llm"`
}

// ServerConfig contains process-level settings for the worker.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains connection settings for the key-value store
// backing the rate-limit guards.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// QueueConfig contains settings for job processing: per-queue worker
// concurrency, the broker retry policy, and the token bucket guard
// used for admission control.
type QueueConfig struct {
	Concurrency   int           `mapstructure:"concurrency"    validate:"required,gt=0"`
	Attempts      int           `mapstructure:"attempts"       validate:"required,gt=0"`
	BackoffDelay  time.Duration `mapstructure:"backoff_delay"  validate:"required"`
	GuardCapacity float64       `mapstructure:"guard_capacity" validate:"required,gt=0"`
	GuardRate     float64       `mapstructure:"guard_rate"     validate:"required,gt=0"`
}

// UpstreamConfig contains settings for the source save tasks fetch
// content from.
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"  validate:"gte=0"`
}

// LLMConfig contains all LLM integration related settings.
// The ai_process task handler is only registered when an API key is set.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	ModelName    string `mapstructure:"model_name"`
}
