// Package bot wires the long-running components together and owns their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbot "github.com/go-telegram/bot"
	"golang.org/x/sync/errgroup"
)

// Worker is the pipeline's consuming loop.
type Worker interface {
	Run(ctx context.Context) error
}

// Bot runs the Telegram listener, the pipeline worker and the scheduler until shutdown.
type Bot struct {
	logger    *slog.Logger
	tgBot     *tgbot.Bot
	worker    Worker
	scheduler *Scheduler
}

// NewBot creates the orchestrator. tgBot may be nil when no Telegram source is configured.
func NewBot(logger *slog.Logger, tgBot *tgbot.Bot, worker Worker, scheduler *Scheduler) *Bot {
	return &Bot{
		logger:    logger.With("component", "bot_orchestrator"),
		tgBot:     tgBot,
		worker:    worker,
		scheduler: scheduler,
	}
}

// Run blocks until ctx is cancelled or a component fails. The worker is started
// before the listener so ingested posts always have a consumer.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.worker.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline worker: %w", err)
		}
		if gCtx.Err() == nil {
			return fmt.Errorf("pipeline worker stopped unexpectedly")
		}
		return nil
	})

	if b.tgBot != nil {
		g.Go(func() error {
			b.logger.Info("Starting Telegram listener")
			b.tgBot.Start(gCtx)
			b.logger.Info("Telegram listener stopped")

			if gCtx.Err() == nil {
				return fmt.Errorf("telegram listener stopped unexpectedly")
			}
			return nil
		})
	}

	if b.scheduler != nil {
		g.Go(func() error {
			if err := b.scheduler.Start(gCtx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			<-gCtx.Done()
			b.logger.Info("Shutdown signal received, stopping scheduler")
			if err := b.scheduler.Stop(); err != nil {
				b.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully")
	return nil
}
