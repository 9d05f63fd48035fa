package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/estatebot/internal/pipeline"
)

const (
	operationTimeout = 30 * time.Minute
	maxBatchCount    = 1000
)

var errUsage = errors.New("invalid arguments")

// NewReprocessHandler returns a handler for /reprocess <count> [force].
func NewReprocessHandler(deps HandlerDeps) bot.HandlerFunc {
	return reprocessHandler{deps}.Handle
}

type reprocessHandler struct {
	deps HandlerDeps
}

func (h reprocessHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "reprocess")
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	opts, err := parseReprocessArgs(update.Message.Text)
	if err != nil {
		reply(ctx, b, log, chatID, h.deps.Config.Messages.ReprocessUsage)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	stats, err := h.deps.Ops.ReprocessRecent(opCtx, opts)
	reply(ctx, b, log, chatID, h.deps.outcome(ctx, log, "Reprocess", stats, err))
}

// NewRefilterHandler returns a handler for /refilter <count> [owner_id].
func NewRefilterHandler(deps HandlerDeps) bot.HandlerFunc {
	return refilterHandler{deps}.Handle
}

type refilterHandler struct {
	deps HandlerDeps
}

func (h refilterHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "refilter")
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	count, ownerID, err := parseRefilterArgs(update.Message.Text)
	if err != nil {
		reply(ctx, b, log, chatID, h.deps.Config.Messages.RefilterUsage)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	stats, err := h.deps.Ops.RefilterExisting(opCtx, count, ownerID)
	reply(ctx, b, log, chatID, h.deps.outcome(ctx, log, "Refilter", stats, err))
}

// outcome renders the reply for a finished batch operation.
func (deps HandlerDeps) outcome(ctx context.Context, log *slog.Logger, op string, stats pipeline.Stats, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		log.WarnContext(ctx, "Operation timed out or was cancelled", stats.LogAttrs()...)
		return deps.Config.Messages.OperationTimeout + "\n" + formatStats(stats)
	case err != nil:
		log.ErrorContext(ctx, "Operation failed", "error", err)
		return deps.Config.Messages.OperationFailed + "\n" + formatStats(stats)
	}
	return op + " finished.\n" + formatStats(stats)
}

func formatStats(s pipeline.Stats) string {
	return fmt.Sprintf("Processed: %d\nSkipped: %d\nAds: %d\nNot ads: %d\nMedia only: %d\nMatched: %d\nForwarded: %d\nDelivery failures: %d\nErrors: %d",
		s.Processed, s.Skipped, s.Ads, s.NotAds, s.MediaOnly, s.Matched, s.Forwarded, s.DeliveryFailed, s.Errors)
}

// commandArgs returns the words following the command itself.
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	return fields[1:]
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > maxBatchCount {
		return 0, fmt.Errorf("%w: count must be between 1 and %d", errUsage, maxBatchCount)
	}
	return n, nil
}

func parseReprocessArgs(text string) (pipeline.ReprocessOptions, error) {
	args := commandArgs(text)
	if len(args) == 0 || len(args) > 2 {
		return pipeline.ReprocessOptions{}, errUsage
	}
	count, err := parseCount(args[0])
	if err != nil {
		return pipeline.ReprocessOptions{}, err
	}
	opts := pipeline.ReprocessOptions{Count: count}
	if len(args) == 2 {
		switch strings.ToLower(args[1]) {
		case "force", "true", "1":
			opts.Force = true
		case "false", "0":
		default:
			return pipeline.ReprocessOptions{}, errUsage
		}
	}
	return opts, nil
}

func parseRefilterArgs(text string) (int, *int64, error) {
	args := commandArgs(text)
	if len(args) == 0 || len(args) > 2 {
		return 0, nil, errUsage
	}
	count, err := parseCount(args[0])
	if err != nil {
		return 0, nil, err
	}
	if len(args) == 1 {
		return count, nil, nil
	}
	owner, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || owner == 0 {
		return 0, nil, errUsage
	}
	return count, &owner, nil
}
