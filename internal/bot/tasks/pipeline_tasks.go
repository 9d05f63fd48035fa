package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgard/estatebot/internal/classifier"
)

// newQuotaProbeTask probes the provider while the breaker is open. A closing probe
// requeues the quota backlog through the breaker's recovery hook.
func newQuotaProbeTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "quota_probe")

	return func(ctx context.Context) error {
		if !deps.Breaker.IsOpen() {
			log.DebugContext(ctx, "Quota breaker closed, nothing to probe")
			return nil
		}
		err := deps.Breaker.Probe(ctx)
		if errors.Is(err, classifier.ErrQuotaExceeded) {
			// Still exhausted; the next tick tries again.
			return nil
		}
		if err != nil {
			return fmt.Errorf("quota probe failed: %w", err)
		}
		return nil
	}
}

// newStuckRecoveryTask retries messages left in processing or failed transiently.
func newStuckRecoveryTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "stuck_recovery")

	return func(ctx context.Context) error {
		stats, err := deps.Recoverer.RecoverStuck(ctx)
		if err != nil {
			return fmt.Errorf("stuck recovery failed: %w", err)
		}
		if stats.Processed > 0 || stats.Skipped > 0 {
			log.InfoContext(ctx, "Recovered stuck messages", stats.LogAttrs()...)
		}
		return nil
	}
}

// newFeedPollTask ingests new items from RSS mirrors.
func newFeedPollTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "feed_poll")

	return func(ctx context.Context) error {
		n, err := deps.Feeds.Poll(ctx)
		if n > 0 {
			log.InfoContext(ctx, "Ingested feed items", "count", n)
		}
		if err != nil {
			return fmt.Errorf("feed poll failed: %w", err)
		}
		return nil
	}
}
