package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	tgbot "github.com/go-telegram/bot"
	"github.com/jmoiron/sqlx"

	"github.com/edgard/estatebot/internal/bot"
	"github.com/edgard/estatebot/internal/bot/handlers"
	"github.com/edgard/estatebot/internal/bot/tasks"
	"github.com/edgard/estatebot/internal/classifier"
	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/feeds"
	"github.com/edgard/estatebot/internal/forwarder"
	"github.com/edgard/estatebot/internal/logger"
	"github.com/edgard/estatebot/internal/matcher"
	"github.com/edgard/estatebot/internal/pipeline"
	"github.com/edgard/estatebot/internal/quota"
	"github.com/edgard/estatebot/internal/telegram"
)

// app is the composition root: every component is built here and handed its
// dependencies explicitly.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *sqlx.DB
	store    database.Store
	breaker  *quota.Breaker
	pipeline *pipeline.Pipeline
	tg       *tgbot.Bot
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	a := &app{cfg: cfg, log: log, db: db, store: database.NewStore(db, log)}

	cls, err := classifier.NewClassifier(ctx, cfg.Gemini, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}
	a.breaker = quota.NewBreaker(cls, cfg.Quota.ProbeInterval, log)

	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log,
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithSkipGetMe(),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.tg = tg

	sender := forwarder.NewTelegramSender(tg, cfg.Telegram.SendTimeout)
	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:            a.store,
		Breaker:          a.breaker,
		Matcher:          matcher.New(a.store, matcher.Options{UnknownFailsBounds: cfg.Pipeline.UnknownFailsBounds}, log),
		Forwarder:        forwarder.New(a.store, sender, cfg.Pipeline.ClaimTimeout, log),
		Config:           cfg.Pipeline,
		ForwardChannelID: cfg.Telegram.ForwardChannelID,
		RequeueLimit:     cfg.Quota.RequeueLimit,
		Logger:           log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// serve registers the update handlers and runs every long-lived component until ctx ends.
func (a *app) serve(ctx context.Context) error {
	me, err := a.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	a.log.Info("Retrieved bot info", "bot_id", me.ID, "bot_username", me.Username)

	hDeps := handlers.HandlerDeps{Logger: a.log, Config: a.cfg, Store: a.store, Ops: a.pipeline}
	if err := telegram.RegisterHandlers(a.tg, a.log, handlers.RegisterAllCommands(hDeps)); err != nil {
		return err
	}

	poller := feeds.New(a.store, a.pipeline.Ingest, &http.Client{Timeout: a.cfg.Feeds.PollTimeout},
		a.cfg.Feeds.PollTimeout, a.cfg.Feeds.UserAgent, a.log)
	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:    a.log,
		Store:     a.store,
		Breaker:   a.breaker,
		Recoverer: a.pipeline,
		Feeds:     poller,
		Config:    a.cfg,
	})
	sched, err := bot.NewScheduler(a.log, &a.cfg.Scheduler, taskMap)
	if err != nil {
		return err
	}

	return bot.NewBot(a.log, a.tg, a.pipeline, sched).Run(ctx)
}

func (a *app) close() {
	database.CloseDB(a.db)
}
