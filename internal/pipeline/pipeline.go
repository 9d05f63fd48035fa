// Package pipeline runs posts through deduplication, classification, matching
// and forwarding, and exposes the operator operations (reprocess, refilter,
// quota status and balance checks).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/edgard/estatebot/internal/classifier"
	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/forwarder"
	"github.com/edgard/estatebot/internal/grouper"
	"github.com/edgard/estatebot/internal/matcher"
	"github.com/edgard/estatebot/internal/quota"
)

// finalizeTimeout bounds the store writes that record an outcome after the caller's context ended.
const finalizeTimeout = 5 * time.Second

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     database.Store
	Breaker   *quota.Breaker
	Matcher   *matcher.Matcher
	Forwarder *forwarder.Forwarder
	Config    config.PipelineConfig
	// ForwardChannelID, when non-zero, receives every ad that matches any active filter.
	ForwardChannelID int64
	// RequeueLimit bounds the backlog reprocessed after the breaker closes.
	RequeueLimit int
	Logger       *slog.Logger
}

// Pipeline processes logical posts. It is safe for concurrent use.
type Pipeline struct {
	store     database.Store
	breaker   *quota.Breaker
	matcher   *matcher.Matcher
	forwarder *forwarder.Forwarder
	cfg       config.PipelineConfig
	channelID int64
	requeue   int
	queue     chan grouper.Post
	log       *slog.Logger
}

// New creates a Pipeline and registers backlog recovery on the breaker.
func New(deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Breaker == nil || deps.Matcher == nil || deps.Forwarder == nil {
		return nil, errors.New("pipeline requires store, breaker, matcher and forwarder")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	queueSize := deps.Config.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultQueueSize
	}
	if deps.Config.FetchMultiplier <= 0 {
		deps.Config.FetchMultiplier = config.DefaultFetchMultiplier
	}
	if deps.Config.ClassifyTimeout <= 0 {
		deps.Config.ClassifyTimeout = config.DefaultClassifyTimeout
	}
	if deps.RequeueLimit <= 0 {
		deps.RequeueLimit = config.DefaultRequeueLimit
	}

	p := &Pipeline{
		store:     deps.Store,
		breaker:   deps.Breaker,
		matcher:   deps.Matcher,
		forwarder: deps.Forwarder,
		cfg:       deps.Config,
		channelID: deps.ForwardChannelID,
		requeue:   deps.RequeueLimit,
		queue:     make(chan grouper.Post, queueSize),
		log:       deps.Logger.With("component", "pipeline"),
	}

	p.breaker.OnRecover(func(ctx context.Context) error {
		stats, err := p.RequeueQuotaErrors(ctx)
		if err != nil {
			return err
		}
		p.log.InfoContext(ctx, "Quota backlog requeued", stats.LogAttrs()...)
		return nil
	})
	return p, nil
}

// ProcessOptions tunes one Process call.
type ProcessOptions struct {
	// Force resets the message to pending whatever its state.
	Force bool
	// OwnerID restricts matching and delivery to one owner.
	OwnerID *int64
}

// Process runs one logical post through the state machine. Classifier failures are
// recorded on the message; only storage failures are returned.
func (p *Pipeline) Process(ctx context.Context, g grouper.Group, opts ProcessOptions) (Stats, error) {
	var stats Stats
	log := p.log.With("channel_id", g.ChannelID, "post_id", g.PostID)
	text := strings.TrimSpace(g.Text)

	msg, created, err := p.store.EnsureMessage(ctx, &database.IncomingMessage{
		ChannelID:  g.ChannelID,
		TopicID:    g.TopicID,
		PostID:     g.PostID,
		Text:       text,
		HasMedia:   g.HasMedia,
		ReceivedAt: g.ReceivedAt,
	})
	if err != nil {
		return stats, err
	}

	proceed, err := p.admit(ctx, msg, opts, log)
	if err != nil {
		return stats, err
	}
	if !proceed {
		stats.Skipped++
		return stats, nil
	}
	stats.Processed++

	if !created && (msg.Text != text || msg.HasMedia != g.HasMedia) {
		if err := p.store.UpdateMessageContent(ctx, msg.ID, text, g.HasMedia); err != nil {
			return stats, err
		}
		msg.Text, msg.HasMedia = text, g.HasMedia
	}

	if text == "" {
		if err := p.transition(ctx, msg, database.StatusMediaOnly, database.TransitionOptions{}); err != nil {
			return stats, err
		}
		log.DebugContext(ctx, "Post has no text, marked media only", "has_media", g.HasMedia)
		stats.MediaOnly++
		return stats, nil
	}

	if err := p.transition(ctx, msg, database.StatusProcessing, database.TransitionOptions{}); err != nil {
		return stats, err
	}

	if p.breaker.IsOpen() {
		log.InfoContext(ctx, "Quota breaker open, deferring classification")
		stats.Errors++
		return stats, p.fail(ctx, msg, database.ErrorKindQuota, quota.ErrOpen.Error())
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	res, err := p.breaker.Classify(cctx, text)
	cancel()
	if err != nil {
		kind := errorKind(err)
		log.WarnContext(ctx, "Classification failed", "error_kind", kind, "error", err)
		stats.Errors++
		return stats, p.fail(ctx, msg, kind, err.Error())
	}

	if err := p.store.SaveCost(ctx, &database.ClassificationCost{
		ChannelID:        msg.ChannelID,
		PostID:           msg.PostID,
		PromptTokens:     res.Cost.PromptTokens,
		CompletionTokens: res.Cost.CompletionTokens,
		TotalTokens:      res.Cost.TotalTokens,
		CostUSD:          res.Cost.USD,
		Model:            res.Cost.Model,
	}); err != nil {
		return stats, err
	}

	if !res.IsRealEstate {
		if err := p.transition(ctx, msg, database.StatusNotRealEstate, database.TransitionOptions{}); err != nil {
			return stats, err
		}
		log.DebugContext(ctx, "Post is not real estate", "notes", res.Notes)
		stats.NotAds++
		return stats, nil
	}

	ad := &database.RealEstateAd{
		IncomingMessageID: msg.ID,
		ChannelID:         msg.ChannelID,
		TopicID:           msg.TopicID,
		PostID:            msg.PostID,
		OriginalText:      text,
		Confidence:        res.Confidence,
		CostUSD:           res.Cost.USD,
		Notes:             res.Notes,
	}
	res.Ad.ToModel(ad)
	if _, err := p.store.UpsertAd(ctx, ad); err != nil {
		return stats, err
	}
	if err := p.store.LinkMessageAd(ctx, msg.ID, ad.ID); err != nil {
		return stats, err
	}
	if err := p.transition(ctx, msg, database.StatusParsed, database.TransitionOptions{}); err != nil {
		return stats, err
	}
	stats.Ads++
	log.InfoContext(ctx, "Ad parsed", "ad_id", ad.ID, "confidence", ad.Confidence, "cost_usd", ad.CostUSD)

	dispatched, err := p.dispatch(ctx, msg, ad, opts.OwnerID)
	stats.Add(dispatched)
	return stats, err
}

// admit decides whether msg is (re)processed and moves it to pending when it is.
func (p *Pipeline) admit(ctx context.Context, msg *database.IncomingMessage, opts ProcessOptions, log *slog.Logger) (bool, error) {
	switch {
	case opts.Force:
		log.DebugContext(ctx, "Forced reprocessing", "from", msg.Status)
		return true, p.transition(ctx, msg, database.StatusPending, database.TransitionOptions{Force: true})

	case msg.Status.IsTerminalSuccess():
		log.DebugContext(ctx, "Message already handled, skipping", "status", msg.Status)
		return false, nil

	case msg.Status == database.StatusError:
		if msg.ErrorKind == database.ErrorKindQuota && p.breaker.IsOpen() {
			log.DebugContext(ctx, "Quota error while breaker open, skipping")
			return false, nil
		}
		return true, p.transition(ctx, msg, database.StatusPending, database.TransitionOptions{})

	case msg.Status == database.StatusProcessing:
		// Left behind by an interrupted run.
		log.InfoContext(ctx, "Resetting message found in processing")
		return true, p.transition(ctx, msg, database.StatusPending, database.TransitionOptions{Force: true})
	}
	return true, nil
}

// dispatch matches a parsed ad against active filters and delivers the matches.
func (p *Pipeline) dispatch(ctx context.Context, msg *database.IncomingMessage, ad *database.RealEstateAd, ownerHint *int64) (Stats, error) {
	var stats Stats

	filters, err := p.store.ListActiveFilters(ctx, ownerHint)
	if err != nil {
		return stats, err
	}
	if len(filters) == 0 {
		return stats, p.restoreForwarded(ctx, msg, ad)
	}
	ids := make([]int64, 0, len(filters))
	var owners []int64
	for _, f := range filters {
		ids = append(ids, f.ID)
		if !slices.Contains(owners, f.OwnerID) {
			owners = append(owners, f.OwnerID)
		}
	}
	ranges, err := p.store.PriceRangesByFilter(ctx, ids)
	if err != nil {
		return stats, err
	}
	receiving, err := p.store.OwnersReceiving(ctx, owners, msg.ChannelID)
	if err != nil {
		return stats, err
	}

	var matchedOwners []int64
	for _, owner := range owners {
		if !receiving[owner] {
			continue
		}
		res, err := p.matcher.Match(ctx, ad, filters, ranges, &owner)
		if err != nil {
			return stats, err
		}
		if len(res.MatchedFilterIDs) > 0 {
			stats.Matched += len(res.MatchedFilterIDs)
			matchedOwners = append(matchedOwners, owner)
		}
	}

	globalMatch := false
	if p.channelID != 0 && ownerHint == nil {
		res, err := p.matcher.Match(ctx, ad, filters, ranges, nil)
		if err != nil {
			return stats, err
		}
		globalMatch = len(res.MatchedFilterIDs) > 0
	}

	if len(matchedOwners) == 0 && !globalMatch {
		return stats, p.restoreForwarded(ctx, msg, ad)
	}
	if msg.Status == database.StatusParsed {
		if err := p.transition(ctx, msg, database.StatusFiltered, database.TransitionOptions{}); err != nil {
			return stats, err
		}
	}

	for _, owner := range matchedOwners {
		pending, err := p.store.ListPendingMatches(ctx, ad.ID, &owner)
		if err != nil {
			return stats, err
		}
		if len(pending) == 0 {
			continue
		}
		delivered, err := p.forwarder.Forward(ctx, owner, ad, msg, pending[0])
		switch {
		case errors.Is(err, forwarder.ErrDeliveryFailed):
			stats.DeliveryFailed++
		case err != nil:
			return stats, err
		case delivered:
			stats.Forwarded++
			msg.Status = database.StatusForwarded
			msg.Forwarded = true
		}
	}

	if globalMatch {
		delivered, err := p.forwarder.ForwardToChannel(ctx, p.channelID, ad, msg)
		switch {
		case errors.Is(err, forwarder.ErrDeliveryFailed):
			stats.DeliveryFailed++
		case err != nil:
			return stats, err
		case delivered:
			stats.Forwarded++
			msg.Status = database.StatusForwarded
		}
	}
	return stats, p.restoreForwarded(ctx, msg, ad)
}

// restoreForwarded returns a message that was delivered before a forced reprocess
// to forwarded once none of its matches is still pending.
func (p *Pipeline) restoreForwarded(ctx context.Context, msg *database.IncomingMessage, ad *database.RealEstateAd) error {
	if !msg.Forwarded || msg.Status == database.StatusForwarded {
		return nil
	}
	pending, err := p.store.ListPendingMatches(ctx, ad.ID, nil)
	if err != nil || len(pending) > 0 {
		return err
	}
	if msg.Status == database.StatusParsed {
		if err := p.transition(ctx, msg, database.StatusFiltered, database.TransitionOptions{}); err != nil {
			return err
		}
	}
	if err := p.store.MarkMessageForwarded(ctx, msg.ID); err != nil {
		return fmt.Errorf("message %d: %w", msg.ID, err)
	}
	msg.Status = database.StatusForwarded
	return nil
}

// transition applies a status change and mirrors it on msg.
func (p *Pipeline) transition(ctx context.Context, msg *database.IncomingMessage, to database.Status, opts database.TransitionOptions) error {
	if err := p.store.TransitionMessage(ctx, msg.ID, to, opts); err != nil {
		return fmt.Errorf("message %d: %w", msg.ID, err)
	}
	msg.Status = to
	if to != database.StatusError {
		msg.ErrorKind = database.ErrorKindNone
	}
	return nil
}

// fail records a classification failure. The write outlives a cancelled caller so the
// message is not left in processing.
func (p *Pipeline) fail(ctx context.Context, msg *database.IncomingMessage, kind database.ErrorKind, reason string) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := p.transition(fctx, msg, database.StatusError, database.TransitionOptions{ErrorKind: kind, Reason: reason}); err != nil {
		return err
	}
	msg.ErrorKind = kind
	return nil
}

func errorKind(err error) database.ErrorKind {
	switch {
	case errors.Is(err, classifier.ErrQuotaExceeded):
		return database.ErrorKindQuota
	case errors.Is(err, classifier.ErrTransient):
		return database.ErrorKindTransient
	case errors.Is(err, classifier.ErrMalformedResponse):
		return database.ErrorKindMalformed
	default:
		return database.ErrorKindInternal
	}
}
