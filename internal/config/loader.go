package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ESTATEBOT_TELEGRAM_TOKEN.
const EnvPrefix = "ESTATEBOT"

// keys without defaults that must still be reachable from the environment
var envOnlyKeys = []string{
	"telegram.token",
	"telegram.admin_user_id",
	"telegram.forward_channel_id",
	"gemini.api_key",
	"gemini.system_instruction",
}

// LoadConfig loads and validates configuration from, in increasing priority:
//  1. built-in defaults
//  2. the YAML file at path (optional)
//  3. a .env file next to the config file (optional)
//  4. ESTATEBOT_* environment variables
func LoadConfig(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("%w: bind env %s: %w", ErrConfiguration, key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: read %s: %w", ErrConfiguration, path, err)
		}
		slog.Info("Configuration file not found, using defaults and environment", "path", path)
	}
	// The probe job follows quota.probe_interval unless the task sets its own cadence.
	v.SetDefault("scheduler.tasks."+QuotaProbeTask+".interval", v.GetDuration("quota.probe_interval"))

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", ErrConfiguration, err)
	}
	if task, ok := cfg.Scheduler.Tasks[QuotaProbeTask]; ok && task.Schedule == "" && task.Interval > 0 {
		cfg.Quota.ProbeInterval = task.Interval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", DefaultLogJSON)

	v.SetDefault("telegram.send_timeout", DefaultTelegramSendTimeout)

	v.SetDefault("gemini.model_name", DefaultGeminiModel)
	v.SetDefault("gemini.temperature", DefaultGeminiTemperature)
	v.SetDefault("gemini.max_retries", DefaultGeminiMaxRetries)
	v.SetDefault("gemini.retry_delay_seconds", DefaultGeminiRetryDelaySeconds)
	v.SetDefault("gemini.pricing", DefaultPricing)

	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("pipeline.queue_size", DefaultQueueSize)
	v.SetDefault("pipeline.settle_window", DefaultSettleWindow)
	v.SetDefault("pipeline.classify_timeout", DefaultClassifyTimeout)
	v.SetDefault("pipeline.fetch_multiplier", DefaultFetchMultiplier)
	v.SetDefault("pipeline.claim_timeout", DefaultClaimTimeout)
	v.SetDefault("pipeline.stuck_after", DefaultStuckAfter)
	v.SetDefault("pipeline.stuck_batch", DefaultStuckBatch)
	v.SetDefault("pipeline.unknown_fails_bounds", false)

	v.SetDefault("quota.probe_interval", DefaultProbeInterval)
	v.SetDefault("quota.requeue_limit", DefaultRequeueLimit)

	v.SetDefault("feeds.poll_timeout", DefaultFeedPollTimeout)
	v.SetDefault("feeds.user_agent", DefaultFeedUserAgent)

	for name, task := range DefaultTasks {
		prefix := "scheduler.tasks." + name + "."
		v.SetDefault(prefix+"enabled", task.Enabled)
		v.SetDefault(prefix+"schedule", task.Schedule)
		v.SetDefault(prefix+"interval", task.Interval)
	}

	v.SetDefault("messages.help", DefaultMessages.Help)
	v.SetDefault("messages.unauthorized", DefaultMessages.Unauthorized)
	v.SetDefault("messages.reprocess_usage", DefaultMessages.ReprocessUsage)
	v.SetDefault("messages.refilter_usage", DefaultMessages.RefilterUsage)
	v.SetDefault("messages.operation_timeout", DefaultMessages.OperationTimeout)
	v.SetDefault("messages.operation_failed", DefaultMessages.OperationFailed)
}
