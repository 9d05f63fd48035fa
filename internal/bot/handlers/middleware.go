// Package handlers contains the Telegram update handlers: operator commands,
// channel post ingestion, and the middleware that guards them.
package handlers

import (
	"context"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// AdminOnly stops any command not sent by the configured admin user and tells the sender.
func AdminOnly(deps HandlerDeps) tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, bot *tgbot.Bot, update *models.Update) {
			if update.Message == nil || update.Message.From == nil {
				deps.Logger.DebugContext(ctx, "Dropping command without sender", "update_id", update.ID)
				return
			}

			userID := update.Message.From.ID
			if !deps.Config.IsAdmin(userID) {
				chatID := update.Message.Chat.ID
				log := deps.Logger.With("middleware", "AdminOnly")
				log.WarnContext(ctx, "Unauthorized access attempt", "user_id", userID, "chat_id", chatID, "text", update.Message.Text)
				reply(ctx, bot, log, chatID, deps.Config.Messages.Unauthorized)
				return
			}

			next(ctx, bot, update)
		}
	}
}

// Audit records who ran which operator command and how long it took.
func Audit(deps HandlerDeps) tgbot.Middleware {
	log := deps.Logger.With("middleware", "Audit")
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, bot *tgbot.Bot, update *models.Update) {
			if update.Message == nil {
				next(ctx, bot, update)
				return
			}
			var userID int64
			if update.Message.From != nil {
				userID = update.Message.From.ID
			}
			start := time.Now()
			log.InfoContext(ctx, "Operator command received", "user_id", userID, "chat_id", update.Message.Chat.ID, "command", update.Message.Text)

			next(ctx, bot, update)

			log.InfoContext(ctx, "Operator command finished", "user_id", userID, "command", update.Message.Text, "duration", time.Since(start))
		}
	}
}
