// Package forwarder delivers matched ads to their owners at most once.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/estatebot/internal/database"
)

const (
	recordTimeout  = 10 * time.Second
	recordAttempts = 3
	recordBackoff  = 100 * time.Millisecond
)

// ErrDeliveryFailed wraps every failure to hand a notification to the recipient.
var ErrDeliveryFailed = errors.New("delivery failed")

// Sender delivers a text notification to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// TelegramSender sends notifications through the Bot API.
type TelegramSender struct {
	b       *bot.Bot
	timeout time.Duration
}

// NewTelegramSender creates a Sender backed by b. Each send is bounded by timeout.
func NewTelegramSender(b *bot.Bot, timeout time.Duration) *TelegramSender {
	return &TelegramSender{b: b, timeout: timeout}
}

// Send posts text to chatID with link previews disabled.
func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_, err := s.b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               text,
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: bot.True()},
	})
	return err
}

// Forwarder claims, sends and records deliveries.
type Forwarder struct {
	store        database.Store
	sender       Sender
	claimTimeout time.Duration
	log          *slog.Logger
}

// New creates a Forwarder. Claims older than claimTimeout are considered abandoned.
func New(store database.Store, sender Sender, claimTimeout time.Duration, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Forwarder{
		store:        store,
		sender:       sender,
		claimTimeout: claimTimeout,
		log:          log.With("component", "forwarder"),
	}
}

// Forward delivers ad to ownerID for the given match. It reports false without error
// when the match is already forwarded or claimed by a concurrent delivery.
// On send failure the claim is released, the reason recorded, and the message stays filtered.
func (f *Forwarder) Forward(ctx context.Context, ownerID int64, ad *database.RealEstateAd,
	msg *database.IncomingMessage, match database.FilterMatch,
) (bool, error) {
	claimed, err := f.store.ClaimMatch(ctx, match.ID, time.Now().Add(-f.claimTimeout))
	if err != nil {
		return false, fmt.Errorf("failed to claim match %d: %w", match.ID, err)
	}
	if !claimed {
		f.log.DebugContext(ctx, "Match already forwarded or claimed, skipping", "match_id", match.ID, "owner_id", ownerID)
		return false, nil
	}

	text := FormatAd(ad, f.linkFor(ctx, msg))
	if err := f.sender.Send(ctx, ownerID, text); err != nil {
		f.log.WarnContext(ctx, "Delivery failed", "owner_id", ownerID, "ad_id", ad.ID, "match_id", match.ID, "error", err)
		// Release on a fresh context so a cancelled caller does not leave the claim behind.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := f.store.ReleaseMatch(releaseCtx, match.ID, err.Error()); relErr != nil {
			f.log.ErrorContext(ctx, "Failed to release match claim", "match_id", match.ID, "error", relErr)
		}
		return false, fmt.Errorf("%w: owner %d, ad %d: %w", ErrDeliveryFailed, ownerID, ad.ID, err)
	}

	// The notification is out; the claim must turn into a forwarded mark even if the caller is gone.
	if err := f.record(ctx, func(rctx context.Context) error {
		return f.store.MarkOwnerAdForwarded(rctx, ownerID, ad.ID)
	}); err != nil {
		return true, fmt.Errorf("delivered but failed to record match %d: %w", match.ID, err)
	}
	if err := f.record(ctx, func(rctx context.Context) error {
		return f.store.MarkMessageForwarded(rctx, msg.ID)
	}); err != nil {
		return true, fmt.Errorf("delivered but failed to mark message %d forwarded: %w", msg.ID, err)
	}

	f.log.InfoContext(ctx, "Ad forwarded", "owner_id", ownerID, "ad_id", ad.ID, "channel_id", msg.ChannelID, "post_id", msg.PostID)
	return true, nil
}

// ForwardToChannel posts ad to a shared channel. The message's forwarded flag
// prevents a second delivery.
func (f *Forwarder) ForwardToChannel(ctx context.Context, chatID int64, ad *database.RealEstateAd, msg *database.IncomingMessage) (bool, error) {
	if msg.Forwarded {
		f.log.DebugContext(ctx, "Message already forwarded, skipping channel delivery", "message_id", msg.ID)
		return false, nil
	}

	if err := f.sender.Send(ctx, chatID, FormatAd(ad, f.linkFor(ctx, msg))); err != nil {
		f.log.WarnContext(ctx, "Channel delivery failed", "chat_id", chatID, "ad_id", ad.ID, "error", err)
		return false, fmt.Errorf("%w: channel %d, ad %d: %w", ErrDeliveryFailed, chatID, ad.ID, err)
	}
	if err := f.record(ctx, func(rctx context.Context) error {
		return f.store.MarkMessageForwarded(rctx, msg.ID)
	}); err != nil {
		return true, fmt.Errorf("delivered but failed to mark message %d forwarded: %w", msg.ID, err)
	}
	msg.Forwarded = true

	f.log.InfoContext(ctx, "Ad forwarded to channel", "chat_id", chatID, "ad_id", ad.ID)
	return true, nil
}

// record runs a post-delivery write on a context detached from the caller,
// retrying a few times before giving up.
func (f *Forwarder) record(ctx context.Context, write func(context.Context) error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = write(rctx); err == nil {
			return nil
		}
		f.log.WarnContext(ctx, "Failed to record delivery", "attempt", attempt, "error", err)
		if attempt == recordAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * recordBackoff):
		case <-rctx.Done():
			return err
		}
	}
	return err
}

func (f *Forwarder) linkFor(ctx context.Context, msg *database.IncomingMessage) string {
	var username string
	ch, err := f.store.GetMonitoredChannel(ctx, msg.ChannelID)
	switch {
	case err == nil:
		username = ch.Username
	case !errors.Is(err, database.ErrNotFound):
		f.log.DebugContext(ctx, "Could not load channel for link", "channel_id", msg.ChannelID, "error", err)
	}
	return MessageLink(msg.ChannelID, msg.TopicID, msg.PostID, username)
}
