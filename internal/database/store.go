package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// SavePost archives a raw channel post. Duplicates are ignored.
	SavePost(ctx context.Context, post *ChannelPost) error
	// ListRecentPosts returns up to limit raw posts, newest first, optionally for one channel.
	ListRecentPosts(ctx context.Context, limit int, channelID *int64) ([]ChannelPost, error)
	// ListUnprocessedPosts returns raw posts archived before the cutoff for which neither the
	// post nor any part of its group has an incoming message, oldest first.
	ListUnprocessedPosts(ctx context.Context, before time.Time, limit int) ([]ChannelPost, error)

	// EnsureMessage inserts msg unless (channel_id, post_id) already exists and
	// returns the stored row. created reports whether a new row was inserted.
	EnsureMessage(ctx context.Context, msg *IncomingMessage) (stored *IncomingMessage, created bool, err error)
	GetMessage(ctx context.Context, channelID, postID int64) (*IncomingMessage, error)
	GetMessageByID(ctx context.Context, id int64) (*IncomingMessage, error)
	// UpdateMessageContent replaces the text of a message, e.g. after a group gained parts.
	UpdateMessageContent(ctx context.Context, id int64, text string, hasMedia bool) error
	// TransitionMessage moves a message through the state machine.
	TransitionMessage(ctx context.Context, id int64, to Status, opts TransitionOptions) error
	LinkMessageAd(ctx context.Context, messageID, adID int64) error
	// MarkMessageForwarded sets the forwarded flag and moves the message to StatusForwarded.
	MarkMessageForwarded(ctx context.Context, messageID int64) error
	// ListErroredMessages returns up to limit messages in StatusError with the given kind, oldest first.
	ListErroredMessages(ctx context.Context, kind ErrorKind, limit int) ([]IncomingMessage, error)
	// ListStuckMessages returns messages left in StatusProcessing, or failed transiently,
	// whose last update is older than before.
	ListStuckMessages(ctx context.Context, before time.Time, limit int) ([]IncomingMessage, error)

	// UpsertAd inserts or overwrites the ad keyed by (channel_id, post_id) and returns its id.
	UpsertAd(ctx context.Context, ad *RealEstateAd) (int64, error)
	GetAd(ctx context.Context, id int64) (*RealEstateAd, error)
	// ListRecentAds returns up to limit ads, newest first.
	ListRecentAds(ctx context.Context, limit int) ([]RealEstateAd, error)
	CountAds(ctx context.Context) (int, error)

	// ListActiveFilters returns active filters, optionally for one owner.
	ListActiveFilters(ctx context.Context, ownerID *int64) ([]Filter, error)
	// PriceRangesByFilter returns the active price ranges of the given filters keyed by filter id.
	PriceRangesByFilter(ctx context.Context, filterIDs []int64) (map[int64][]PriceRange, error)
	CreateFilter(ctx context.Context, f *Filter) (int64, error)
	AddPriceRange(ctx context.Context, r *PriceRange) (int64, error)
	SetFilterActive(ctx context.Context, filterID int64, active bool) error

	// CreateMatch records a match unless it already exists. created reports whether a row was inserted.
	CreateMatch(ctx context.Context, ownerID, filterID, adID int64) (created bool, err error)
	// ListPendingMatches returns matches for the ad that are not yet forwarded, optionally for one owner.
	ListPendingMatches(ctx context.Context, adID int64, ownerID *int64) ([]FilterMatch, error)
	ListMatches(ctx context.Context, adID int64) ([]FilterMatch, error)
	// ClaimMatch marks a match as being delivered. It fails to claim if the match is
	// already forwarded or claimed after staleBefore.
	ClaimMatch(ctx context.Context, matchID int64, staleBefore time.Time) (bool, error)
	// ReleaseMatch drops a claim after a failed delivery and records the reason.
	ReleaseMatch(ctx context.Context, matchID int64, deliveryErr string) error
	// MarkOwnerAdForwarded marks every match of the owner for the ad as forwarded.
	MarkOwnerAdForwarded(ctx context.Context, ownerID, adID int64) error

	SaveCost(ctx context.Context, cost *ClassificationCost) error
	CostSummary(ctx context.Context, since time.Time) (CostSummary, error)

	UpsertMonitoredChannel(ctx context.Context, ch *MonitoredChannel) error
	GetMonitoredChannel(ctx context.Context, channelID int64) (*MonitoredChannel, error)
	ListMonitoredChannels(ctx context.Context, activeOnly bool) ([]MonitoredChannel, error)
	// SelectChannel restricts an owner to receive ads from the channel (in addition to other selections).
	SelectChannel(ctx context.Context, ownerID, channelID int64) error
	// OwnersReceiving filters ownerIDs down to owners who receive ads from channelID.
	// Owners without any channel selection receive from every channel.
	OwnersReceiving(ctx context.Context, ownerIDs []int64, channelID int64) (map[int64]bool, error)
}

// TransitionOptions tunes a status change.
type TransitionOptions struct {
	// Force allows moving any status back to pending.
	Force bool
	// ErrorKind and Reason are recorded when moving to StatusError.
	ErrorKind ErrorKind
	Reason    string
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn in a transaction, committing on success and rolling back otherwise.
// The pool has a single connection, so fn must only use tx.
func (s *sqlxStore) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "op", op, "error", err)
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "op", op, "error", rollbackErr)
				}
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "op", op, "error", err)
		return fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
			return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
		}
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.WarnContext(ctx, "PRAGMA optimize failed", "error", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
