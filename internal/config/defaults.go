package config

import "time"

// Default values for optional configuration keys.
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = false

	DefaultTelegramSendTimeout = 30 * time.Second

	DefaultGeminiModel             = "gemini-2.0-flash"
	DefaultGeminiTemperature       = 0.1
	DefaultGeminiMaxRetries        = 2
	DefaultGeminiRetryDelaySeconds = 2

	DefaultDatabasePath = "estatebot.db"

	DefaultQueueSize       = 256
	DefaultSettleWindow    = 3 * time.Second
	DefaultClassifyTimeout = 90 * time.Second
	DefaultFetchMultiplier = 10
	DefaultClaimTimeout    = 2 * time.Minute
	DefaultStuckAfter      = 30 * time.Minute
	DefaultStuckBatch      = 50

	DefaultProbeInterval = 15 * time.Minute
	DefaultRequeueLimit  = 200

	DefaultFeedPollTimeout = 30 * time.Second
	DefaultFeedUserAgent   = "estatebot/1.0"
)

// DefaultPricing covers the models the classifier is usually run with.
var DefaultPricing = []ModelPricing{
	{Model: "gemini-2.0-flash", Input: 0.0001, Output: 0.0004},
	{Model: "gemini-2.0-flash-lite", Input: 0.000075, Output: 0.0003},
	{Model: "gemini-2.5-flash", Input: 0.0003, Output: 0.0025},
}

// QuotaProbeTask is the scheduler task that probes the classifier while the quota breaker is open.
const QuotaProbeTask = "quota_probe"

// DefaultTasks registers every background task with its default cadence.
var DefaultTasks = map[string]TaskConfig{
	QuotaProbeTask:    {Enabled: true, Interval: DefaultProbeInterval},
	"stuck_recovery":  {Enabled: true, Interval: 10 * time.Minute},
	"feed_poll":       {Enabled: true, Interval: 5 * time.Minute},
	"sql_maintenance": {Enabled: true, Schedule: "0 0 4 * * *"},
}

// DefaultMessages are the operator reply texts.
var DefaultMessages = MessagesConfig{
	Help: "Operator commands:\n" +
		"/reprocess <count> [force] - classify the most recent posts again\n" +
		"/refilter <count> [owner_id] - match recent ads against current filters\n" +
		"/quota - show the quota breaker state and recent spend\n" +
		"/balance - probe the provider now",
	Unauthorized:     "You are not authorized to use this command.",
	ReprocessUsage:   "Usage: /reprocess <count> [force]",
	RefilterUsage:    "Usage: /refilter <count> [owner_id]",
	OperationTimeout: "The operation timed out. Partial results may have been saved.",
	OperationFailed:  "The operation failed. Check the logs for details.",
}
