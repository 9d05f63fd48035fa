package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/grouper"
	"github.com/edgard/estatebot/internal/pipeline"
)

const ingestTimeout = 5 * time.Second

type channelPostHandler struct {
	deps HandlerDeps
}

// IsChannelPost selects the updates handled by the channel post handler.
func IsChannelPost(update *models.Update) bool {
	return update.ChannelPost != nil
}

// NewChannelPostHandler returns a handler that feeds posts from active monitored
// channels into the pipeline and ignores every other update.
func NewChannelPostHandler(deps HandlerDeps) bot.HandlerFunc {
	return channelPostHandler{deps}.Handle
}

func (h channelPostHandler) Handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "channel_post")

	msg := update.ChannelPost
	if msg == nil {
		log.DebugContext(ctx, "Ignoring update without channel post", "update_id", update.ID)
		return
	}

	ch, err := h.deps.Store.GetMonitoredChannel(ctx, msg.Chat.ID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		log.DebugContext(ctx, "Post from unmonitored channel ignored", "chat_id", msg.Chat.ID, "title", msg.Chat.Title)
		return
	case err != nil:
		log.ErrorContext(ctx, "Failed to look up monitored channel", "chat_id", msg.Chat.ID, "error", err)
		return
	case !ch.IsActive:
		log.DebugContext(ctx, "Post from inactive channel ignored", "chat_id", msg.Chat.ID)
		return
	}

	ingestCtx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	post := postFromMessage(msg)
	err = h.deps.Ops.Ingest(ingestCtx, post)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		log.WarnContext(ctx, "Channel post archived but not queued, left for stuck recovery",
			"chat_id", post.ChannelID, "post_id", post.PostID)
	case err != nil:
		log.ErrorContext(ctx, "Failed to ingest channel post", "chat_id", post.ChannelID, "post_id", post.PostID, "error", err)
	}
}

// postFromMessage converts a Bot API channel post into a grouper.Post.
func postFromMessage(msg *models.Message) grouper.Post {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	post := grouper.Post{
		ChannelID: msg.Chat.ID,
		PostID:    int64(msg.ID),
		GroupKey:  msg.MediaGroupID,
		Text:      text,
		HasMedia: len(msg.Photo) > 0 || msg.Video != nil || msg.Document != nil ||
			msg.Animation != nil || msg.Audio != nil || msg.Voice != nil,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.MessageThreadID != 0 {
		topic := int64(msg.MessageThreadID)
		post.TopicID = &topic
	}
	if msg.Date == 0 {
		post.Timestamp = time.Now().UTC()
	}
	return post
}
