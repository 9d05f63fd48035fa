// Package logger builds the process-wide slog logger and the update logging
// middleware used by the Telegram bot.
package logger

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewLogger creates a new slog Logger with the specified level and format.
// If jsonOutput is true, logs will be formatted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Middleware logs every incoming update with its source chat and processing time.
// Channel posts are logged at debug level since monitored channels can be busy.
func Middleware(log *slog.Logger) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			startTime := time.Now()

			logEntry := log.With(
				"update_id", update.ID,
				"start_time", startTime.Format(time.RFC3339),
			)

			var updateType string
			var chatID int64
			var userID int64
			var text string
			level := slog.LevelInfo

			if update.ChannelPost != nil {
				updateType = "channel_post"
				level = slog.LevelDebug
				chatID = update.ChannelPost.Chat.ID
				text = update.ChannelPost.Text
				if text == "" {
					text = update.ChannelPost.Caption
				}
				logEntry = logEntry.With(
					"post_id", update.ChannelPost.ID,
					"chat_id", chatID,
					"media_group_id", update.ChannelPost.MediaGroupID,
					"text_preview", truncateString(text, 50),
				)
			} else if update.Message != nil {
				updateType = "message"
				chatID = update.Message.Chat.ID
				if update.Message.From != nil {
					userID = update.Message.From.ID
				}
				text = update.Message.Text
				logEntry = logEntry.With(
					"message_id", update.Message.ID,
					"chat_id", chatID,
					"user_id", userID,
					"text_preview", truncateString(text, 50),
				)
			} else if update.EditedChannelPost != nil {
				updateType = "edited_channel_post"
				level = slog.LevelDebug
				chatID = update.EditedChannelPost.Chat.ID
				logEntry = logEntry.With("post_id", update.EditedChannelPost.ID, "chat_id", chatID)
			} else {
				updateType = "other"
			}
			logEntry = logEntry.With("update_type", updateType)

			logEntry.Log(ctx, level, "Processing update")

			next(ctx, b, update)

			duration := time.Since(startTime)
			logEntry.Log(ctx, level, "Finished processing update", "duration", duration)
		}
	}
}

// truncateString shortens s to at most maxLen runes, marking the cut with "...".
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(runes[:maxLen-3]) + "..."
}
