// Package main is the entry point of the real-estate ad pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/logger"
	"github.com/edgard/estatebot/internal/pipeline"
)

var (
	configPath string

	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "estatebot",
	Short:         "Classify real-estate channel posts and forward matching ads",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		log = logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
		log.Debug("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON, "command", cmd.Name())
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Ingest channel posts and run the pipeline until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		log.Info("Starting estatebot")
		if err := a.serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("estatebot stopped gracefully")
		return nil
	},
}

var (
	reprocessForce   bool
	reprocessOwner   int64
	reprocessChannel int64
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <count>",
	Short: "Regroup and classify the most recent stored posts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := parsePositive(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.pipeline.ReprocessRecent(cmd.Context(), pipeline.ReprocessOptions{
			Count:     count,
			Force:     reprocessForce,
			OwnerID:   optionalID(reprocessOwner),
			ChannelID: optionalID(reprocessChannel),
		})
		fmt.Fprintln(cmd.OutOrStdout(), stats)
		return err
	},
}

var refilterOwner int64

var refilterCmd = &cobra.Command{
	Use:   "refilter <count>",
	Short: "Match the most recent parsed ads against current filters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := parsePositive(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.pipeline.RefilterExisting(cmd.Context(), count, optionalID(refilterOwner))
		fmt.Fprintln(cmd.OutOrStdout(), stats)
		return err
	},
}

var checkBalanceCmd = &cobra.Command{
	Use:   "check-balance",
	Short: "Probe the classifier provider and report quota state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		st, err := a.pipeline.CheckBalanceNow(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "exceeded=%v last_error=%s last_probe=%s\n",
			st.Exceeded, st.LastErrorAt.Format(time.RFC3339), st.LastProbeAt.Format(time.RFC3339))
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			return err
		}
		database.CloseDB(db)
		return nil
	},
}

var (
	channelUsername string
	channelTitle    string
	channelFeedURL  string
	channelInactive bool
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage monitored channels",
}

var channelAddCmd = &cobra.Command{
	Use:   "add <channel_id>",
	Short: "Add or update a monitored channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		return withStore(func(store database.Store) error {
			return store.UpsertMonitoredChannel(cmd.Context(), &database.MonitoredChannel{
				ChannelID: id,
				Title:     channelTitle,
				Username:  channelUsername,
				FeedURL:   channelFeedURL,
				IsActive:  !channelInactive,
			})
		})
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored channels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store database.Store) error {
			channels, err := store.ListMonitoredChannels(cmd.Context(), false)
			if err != nil {
				return err
			}
			for _, ch := range channels {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\tactive=%v\tfeed=%s\n",
					ch.ChannelID, ch.Username, ch.Title, ch.IsActive, ch.FeedURL)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "path to configuration file")

	reprocessCmd.Flags().BoolVar(&reprocessForce, "force", false, "reprocess messages that were already handled")
	reprocessCmd.Flags().Int64Var(&reprocessOwner, "owner", 0, "only match and deliver for this owner")
	reprocessCmd.Flags().Int64Var(&reprocessChannel, "channel", 0, "only reprocess posts from this channel")
	refilterCmd.Flags().Int64Var(&refilterOwner, "owner", 0, "only match and deliver for this owner")

	channelAddCmd.Flags().StringVar(&channelUsername, "username", "", "public @username used for post links")
	channelAddCmd.Flags().StringVar(&channelTitle, "title", "", "display title")
	channelAddCmd.Flags().StringVar(&channelFeedURL, "feed-url", "", "RSS mirror of the channel")
	channelAddCmd.Flags().BoolVar(&channelInactive, "inactive", false, "register the channel without ingesting it")
	channelCmd.AddCommand(channelAddCmd, channelListCmd)

	rootCmd.AddCommand(serveCmd, reprocessCmd, refilterCmd, checkBalanceCmd, migrateCmd, channelCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func withStore(fn func(database.Store) error) error {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.CloseDB(db)
	return fn(database.NewStore(db, log))
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("count must be a positive integer, got %q", s)
	}
	return n, nil
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
