package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/quota"
)

const balanceCheckTimeout = 30 * time.Second

// NewQuotaHandler returns a handler for /quota.
func NewQuotaHandler(deps HandlerDeps) bot.HandlerFunc {
	return quotaHandler{deps}.Handle
}

type quotaHandler struct {
	deps HandlerDeps
}

func (h quotaHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "quota")
	if update.Message == nil {
		return
	}

	text := formatQuota(h.deps.Ops.QuotaStatus())
	costs, err := h.deps.Ops.Costs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.ErrorContext(ctx, "Failed to load cost summary", "error", err)
	} else {
		text += "\n" + formatCosts(costs)
	}
	reply(ctx, b, log, update.Message.Chat.ID, text)
}

// NewBalanceHandler returns a handler for /balance, which probes the provider immediately.
func NewBalanceHandler(deps HandlerDeps) bot.HandlerFunc {
	return balanceHandler{deps}.Handle
}

type balanceHandler struct {
	deps HandlerDeps
}

func (h balanceHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "balance")
	if update.Message == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, balanceCheckTimeout)
	defer cancel()

	st, err := h.deps.Ops.CheckBalanceNow(probeCtx)
	text := formatQuota(st)
	if err != nil {
		log.WarnContext(ctx, "Balance check failed", "error", err)
		text = "Probe failed: " + err.Error() + "\n" + text
	} else {
		text = "Probe succeeded.\n" + text
	}
	reply(ctx, b, log, update.Message.Chat.ID, text)
}

func formatQuota(st quota.Status) string {
	var sb strings.Builder
	if st.Exceeded {
		sb.WriteString("Quota: exceeded, classification paused\n")
	} else {
		sb.WriteString("Quota: ok\n")
	}
	fmt.Fprintf(&sb, "Last quota error: %s\n", formatTime(st.LastErrorAt))
	fmt.Fprintf(&sb, "Last probe: %s\n", formatTime(st.LastProbeAt))
	fmt.Fprintf(&sb, "Probe interval: %s", st.ProbeInterval)
	return sb.String()
}

func formatCosts(c database.CostSummary) string {
	return fmt.Sprintf("Last 24h: %d calls, %d tokens, $%.4f", c.Calls, c.TotalTokens, c.CostUSD)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
