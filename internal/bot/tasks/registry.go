package tasks

import (
	"context"

	"github.com/edgard/estatebot/internal/config"
)

// ScheduledTaskFunc is the signature of every scheduled task. It must honour ctx cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks returns every task keyed by the name used in the scheduler config.
// Tasks whose dependency is missing are left out.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := make(map[string]ScheduledTaskFunc)

	tasks["sql_maintenance"] = newSQLMaintenanceTask(deps)
	if deps.Breaker != nil {
		tasks[config.QuotaProbeTask] = newQuotaProbeTask(deps)
	}
	if deps.Recoverer != nil {
		tasks["stuck_recovery"] = newStuckRecoveryTask(deps)
	}
	if deps.Feeds != nil {
		tasks["feed_poll"] = newFeedPollTask(deps)
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
