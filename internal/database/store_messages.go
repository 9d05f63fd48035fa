package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const messageColumns = `id, channel_id, topic_id, post_id, text, has_media, received_at,
	processing_status, error_kind, parsing_errors, forwarded, forwarded_at,
	real_estate_ad_id, created_at, updated_at`

// SavePost archives a raw channel post. Duplicates are ignored.
func (s *sqlxStore) SavePost(ctx context.Context, post *ChannelPost) error {
	if post == nil {
		return fmt.Errorf("cannot save nil post")
	}
	if post.ChannelID == 0 || post.PostID == 0 {
		return fmt.Errorf("post must have non-zero channel_id and post_id")
	}
	post.CreatedAt = nowUTC()
	if post.PostedAt.IsZero() {
		post.PostedAt = post.CreatedAt
	}
	post.PostedAt = post.PostedAt.UTC()

	query := `
        INSERT INTO channel_posts (channel_id, post_id, topic_id, group_key, text, has_media, posted_at, created_at)
        VALUES (:channel_id, :post_id, :topic_id, :group_key, :text, :has_media, :posted_at, :created_at)
        ON CONFLICT (channel_id, post_id) DO NOTHING;
    `
	if _, err := s.db.NamedExecContext(ctx, query, post); err != nil {
		s.logger.ErrorContext(ctx, "Error saving channel post", "channel_id", post.ChannelID, "post_id", post.PostID, "error", err)
		return fmt.Errorf("failed to save post (channel %d, post %d): %w", post.ChannelID, post.PostID, err)
	}
	return nil
}

// ListRecentPosts returns up to limit raw posts, newest first.
func (s *sqlxStore) ListRecentPosts(ctx context.Context, limit int, channelID *int64) ([]ChannelPost, error) {
	limit = clampLimit(limit, 100, 10000)

	var posts []ChannelPost
	var err error
	if channelID != nil {
		err = s.db.SelectContext(ctx, &posts, `
            SELECT id, channel_id, post_id, topic_id, group_key, text, has_media, posted_at, created_at
            FROM channel_posts WHERE channel_id = ?
            ORDER BY posted_at DESC, post_id DESC LIMIT ?;`, *channelID, limit)
	} else {
		err = s.db.SelectContext(ctx, &posts, `
            SELECT id, channel_id, post_id, topic_id, group_key, text, has_media, posted_at, created_at
            FROM channel_posts
            ORDER BY posted_at DESC, post_id DESC LIMIT ?;`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list recent posts: %w", err)
	}
	return posts, nil
}

// ListUnprocessedPosts returns archived posts that never reached the processing queue.
func (s *sqlxStore) ListUnprocessedPosts(ctx context.Context, before time.Time, limit int) ([]ChannelPost, error) {
	limit = clampLimit(limit, 100, 10000)
	var posts []ChannelPost
	err := s.db.SelectContext(ctx, &posts, `
        SELECT cp.id, cp.channel_id, cp.post_id, cp.topic_id, cp.group_key, cp.text, cp.has_media, cp.posted_at, cp.created_at
        FROM channel_posts cp
        WHERE cp.created_at < ?
          AND NOT EXISTS (
            SELECT 1 FROM incoming_messages m
            WHERE m.channel_id = cp.channel_id
              AND (m.post_id = cp.post_id OR (cp.group_key <> '' AND m.post_id IN (
                SELECT g.post_id FROM channel_posts g
                WHERE g.channel_id = cp.channel_id AND g.group_key = cp.group_key))))
        ORDER BY cp.posted_at ASC, cp.post_id ASC LIMIT ?;`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed posts: %w", err)
	}
	return posts, nil
}

// EnsureMessage inserts msg unless (channel_id, post_id) already exists and returns the stored row.
func (s *sqlxStore) EnsureMessage(ctx context.Context, msg *IncomingMessage) (*IncomingMessage, bool, error) {
	if msg == nil {
		return nil, false, fmt.Errorf("cannot save nil message")
	}
	if msg.ChannelID == 0 || msg.PostID == 0 {
		return nil, false, fmt.Errorf("message must have non-zero channel_id and post_id")
	}

	ts := nowUTC()
	msg.CreatedAt = ts
	msg.UpdatedAt = ts
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = ts
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	if msg.Status == "" {
		msg.Status = StatusPending
	}

	var stored IncomingMessage
	var created bool
	err := s.inTx(ctx, "ensure_message", func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
            INSERT INTO incoming_messages
                (channel_id, topic_id, post_id, text, has_media, received_at, processing_status,
                 error_kind, parsing_errors, forwarded, created_at, updated_at)
            VALUES
                (:channel_id, :topic_id, :post_id, :text, :has_media, :received_at, :processing_status,
                 :error_kind, :parsing_errors, :forwarded, :created_at, :updated_at)
            ON CONFLICT (channel_id, post_id) DO NOTHING;`, msg)
		if err != nil {
			return fmt.Errorf("failed to insert message (channel %d, post %d): %w", msg.ChannelID, msg.PostID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 1 {
			created = true
		}
		return tx.GetContext(ctx, &stored,
			`SELECT `+messageColumns+` FROM incoming_messages WHERE channel_id = ? AND post_id = ?;`,
			msg.ChannelID, msg.PostID)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring message", "channel_id", msg.ChannelID, "post_id", msg.PostID, "error", err)
		return nil, false, err
	}

	s.logger.DebugContext(ctx, "Message ensured", "channel_id", stored.ChannelID, "post_id", stored.PostID,
		"message_id", stored.ID, "created", created, "status", stored.Status)
	return &stored, created, nil
}

// GetMessage returns the message for (channelID, postID) or ErrNotFound.
func (s *sqlxStore) GetMessage(ctx context.Context, channelID, postID int64) (*IncomingMessage, error) {
	var msg IncomingMessage
	err := s.db.GetContext(ctx, &msg,
		`SELECT `+messageColumns+` FROM incoming_messages WHERE channel_id = ? AND post_id = ?;`, channelID, postID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message (channel %d, post %d): %w", channelID, postID, err)
	}
	return &msg, nil
}

// GetMessageByID returns the message with the given id or ErrNotFound.
func (s *sqlxStore) GetMessageByID(ctx context.Context, id int64) (*IncomingMessage, error) {
	var msg IncomingMessage
	err := s.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM incoming_messages WHERE id = ?;`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &msg, nil
}

// UpdateMessageContent replaces the stored text and media flag of a message.
func (s *sqlxStore) UpdateMessageContent(ctx context.Context, id int64, text string, hasMedia bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incoming_messages SET text = ?, has_media = ?, updated_at = ? WHERE id = ?;`,
		text, hasMedia, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update message %d content: %w", id, err)
	}
	return expectOneRow(res, id)
}

// TransitionMessage validates and applies a status change inside a transaction.
func (s *sqlxStore) TransitionMessage(ctx context.Context, id int64, to Status, opts TransitionOptions) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}

	return s.inTx(ctx, "transition_message", func(tx *sqlx.Tx) error {
		var current struct {
			Status Status     `db:"processing_status"`
			Errors StringList `db:"parsing_errors"`
		}
		err := tx.GetContext(ctx, &current,
			`SELECT processing_status, parsing_errors FROM incoming_messages WHERE id = ?;`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load message %d: %w", id, err)
		}

		if current.Status == to {
			return nil
		}
		if !CanTransition(current.Status, to, opts.Force) {
			return &TransitionError{MessageID: id, From: current.Status, To: to}
		}

		kind := ErrorKindNone
		errs := current.Errors
		if to == StatusError {
			kind = opts.ErrorKind
			if kind == ErrorKindNone {
				kind = ErrorKindInternal
			}
			reason := opts.Reason
			if reason == "" {
				reason = string(kind)
			}
			errs = append(errs, fmt.Sprintf("%s: %s", nowUTC().Format(time.RFC3339), reason))
		}

		_, err = tx.ExecContext(ctx, `
            UPDATE incoming_messages
            SET processing_status = ?, error_kind = ?, parsing_errors = ?, updated_at = ?
            WHERE id = ?;`, to, kind, errs, nowUTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update message %d status: %w", id, err)
		}

		s.logger.DebugContext(ctx, "Message status changed", "message_id", id, "from", current.Status, "to", to,
			"forced", opts.Force, "error_kind", kind)
		return nil
	})
}

// LinkMessageAd stores the parsed ad id on the message.
func (s *sqlxStore) LinkMessageAd(ctx context.Context, messageID, adID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incoming_messages SET real_estate_ad_id = ?, updated_at = ? WHERE id = ?;`, adID, nowUTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to link message %d to ad %d: %w", messageID, adID, err)
	}
	return expectOneRow(res, messageID)
}

// MarkMessageForwarded sets the forwarded flag and moves the message to StatusForwarded.
func (s *sqlxStore) MarkMessageForwarded(ctx context.Context, messageID int64) error {
	return s.inTx(ctx, "mark_message_forwarded", func(tx *sqlx.Tx) error {
		var status Status
		if err := tx.GetContext(ctx, &status,
			`SELECT processing_status FROM incoming_messages WHERE id = ?;`, messageID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load message %d: %w", messageID, err)
		}
		if !CanTransition(status, StatusForwarded, false) {
			return &TransitionError{MessageID: messageID, From: status, To: StatusForwarded}
		}

		ts := nowUTC()
		_, err := tx.ExecContext(ctx, `
            UPDATE incoming_messages
            SET processing_status = ?, forwarded = 1,
                forwarded_at = COALESCE(forwarded_at, ?), updated_at = ?
            WHERE id = ?;`, StatusForwarded, ts, ts, messageID)
		if err != nil {
			return fmt.Errorf("failed to mark message %d forwarded: %w", messageID, err)
		}
		return nil
	})
}

// ListErroredMessages returns messages in StatusError with the given kind, oldest first.
func (s *sqlxStore) ListErroredMessages(ctx context.Context, kind ErrorKind, limit int) ([]IncomingMessage, error) {
	limit = clampLimit(limit, 100, 10000)
	var msgs []IncomingMessage
	err := s.db.SelectContext(ctx, &msgs, `
        SELECT `+messageColumns+` FROM incoming_messages
        WHERE processing_status = ? AND error_kind = ?
        ORDER BY updated_at ASC LIMIT ?;`, StatusError, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list errored messages: %w", err)
	}
	return msgs, nil
}

// ListStuckMessages returns messages left in processing, or failed transiently, before the cutoff.
func (s *sqlxStore) ListStuckMessages(ctx context.Context, before time.Time, limit int) ([]IncomingMessage, error) {
	limit = clampLimit(limit, 50, 1000)
	var msgs []IncomingMessage
	err := s.db.SelectContext(ctx, &msgs, `
        SELECT `+messageColumns+` FROM incoming_messages
        WHERE (processing_status = ? OR (processing_status = ? AND error_kind = ?))
          AND updated_at < ?
        ORDER BY updated_at ASC LIMIT ?;`,
		StatusProcessing, StatusError, ErrorKindTransient, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck messages: %w", err)
	}
	return msgs, nil
}

func expectOneRow(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return fmt.Errorf("row %d: %w", id, ErrNotFound)
	}
	return nil
}
