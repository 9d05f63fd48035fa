// Package config manages application configuration from config files,
// environment variables, and default values.
package config

import (
	"errors"
	"time"
)

// ErrConfiguration wraps every error returned while loading configuration.
var ErrConfiguration = errors.New("configuration error")

// Config holds the complete application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Messages  MessagesConfig  `mapstructure:"messages"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds Bot API credentials and delivery settings.
type TelegramConfig struct {
	Token       string `mapstructure:"token"         validate:"required"`
	AdminUserID int64  `mapstructure:"admin_user_id" validate:"required,gt=0"`
	// ForwardChannelID, when set, receives every ad that matches any active filter.
	ForwardChannelID int64         `mapstructure:"forward_channel_id"`
	SendTimeout      time.Duration `mapstructure:"send_timeout" validate:"min=1s,max=5m"`
}

// ModelPricing is the USD price per 1K tokens for one model.
type ModelPricing struct {
	Model  string  `mapstructure:"model"  validate:"required"`
	Input  float64 `mapstructure:"input"  validate:"min=0"`
	Output float64 `mapstructure:"output" validate:"min=0"`
}

// PriceFor returns the pricing entry for model, if any.
func (g GeminiConfig) PriceFor(model string) (ModelPricing, bool) {
	for _, p := range g.Pricing {
		if p.Model == model {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// GeminiConfig configures the classifier backend.
type GeminiConfig struct {
	APIKey            string         `mapstructure:"api_key"             validate:"required"`
	ModelName         string         `mapstructure:"model_name"          validate:"required"`
	Temperature       float32        `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int            `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int            `mapstructure:"retry_delay_seconds" validate:"min=0,max=60"`
	SystemInstruction string         `mapstructure:"system_instruction"`
	Pricing           []ModelPricing `mapstructure:"pricing"             validate:"dive"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// PipelineConfig tunes ingestion and processing.
type PipelineConfig struct {
	QueueSize       int           `mapstructure:"queue_size"       validate:"gt=0"`
	SettleWindow    time.Duration `mapstructure:"settle_window"    validate:"min=0,max=1m"`
	ClassifyTimeout time.Duration `mapstructure:"classify_timeout" validate:"min=1s,max=10m"`
	// FetchMultiplier is how many raw posts per requested group are loaded for reprocessing.
	FetchMultiplier int           `mapstructure:"fetch_multiplier" validate:"min=1,max=100"`
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout"    validate:"min=1s"`
	StuckAfter      time.Duration `mapstructure:"stuck_after"      validate:"min=1m"`
	StuckBatch      int           `mapstructure:"stuck_batch"      validate:"gt=0"`
	// UnknownFailsBounds makes an unknown room count or area fail a filter's bound.
	UnknownFailsBounds bool `mapstructure:"unknown_fails_bounds"`
}

// QuotaConfig configures the quota breaker.
type QuotaConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"min=1s"`
	// RequeueLimit bounds how many quota-failed messages are reprocessed after recovery.
	RequeueLimit int `mapstructure:"requeue_limit" validate:"gt=0"`
}

// FeedsConfig configures the RSS mirror source.
type FeedsConfig struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=1s"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// SchedulerConfig lists background tasks keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig enables a task and sets either a cron schedule or a fixed interval.
type TaskConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Interval time.Duration `mapstructure:"interval"`
}

// MessagesConfig holds operator-facing reply texts.
type MessagesConfig struct {
	Help             string `mapstructure:"help"              validate:"required"`
	Unauthorized     string `mapstructure:"unauthorized"      validate:"required"`
	ReprocessUsage   string `mapstructure:"reprocess_usage"   validate:"required"`
	RefilterUsage    string `mapstructure:"refilter_usage"    validate:"required"`
	OperationTimeout string `mapstructure:"operation_timeout" validate:"required"`
	OperationFailed  string `mapstructure:"operation_failed"  validate:"required"`
}
