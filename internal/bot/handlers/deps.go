package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/grouper"
	"github.com/edgard/estatebot/internal/pipeline"
	"github.com/edgard/estatebot/internal/quota"
)

// Operations is the pipeline surface used by handlers. *pipeline.Pipeline implements it.
type Operations interface {
	Ingest(ctx context.Context, post grouper.Post) error
	ReprocessRecent(ctx context.Context, opts pipeline.ReprocessOptions) (pipeline.Stats, error)
	RefilterExisting(ctx context.Context, count int, ownerID *int64) (pipeline.Stats, error)
	QuotaStatus() quota.Status
	CheckBalanceNow(ctx context.Context) (quota.Status, error)
	Costs(ctx context.Context, since time.Time) (database.CostSummary, error)
}

// HandlerDeps provides dependencies for Telegram command handlers.
type HandlerDeps struct {
	Logger *slog.Logger
	Config *config.Config
	Store  database.Store
	Ops    Operations
}
