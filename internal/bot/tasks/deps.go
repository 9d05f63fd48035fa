// Package tasks implements the scheduled background jobs: quota probing,
// stuck message recovery, feed polling and database maintenance.
package tasks

import (
	"context"
	"log/slog"

	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/pipeline"
)

// Prober probes the classifier provider while the quota breaker is open.
type Prober interface {
	IsOpen() bool
	Probe(ctx context.Context) error
}

// Recoverer retries messages stuck mid-processing.
type Recoverer interface {
	RecoverStuck(ctx context.Context) (pipeline.Stats, error)
}

// FeedPoller runs one pass over the RSS mirrors.
type FeedPoller interface {
	Poll(ctx context.Context) (int, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger    *slog.Logger
	Store     database.Store
	Breaker   Prober
	Recoverer Recoverer
	Feeds     FeedPoller
	Config    *config.Config
}
