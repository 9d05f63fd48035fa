package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/grouper"
	"github.com/edgard/estatebot/internal/quota"
)

// ErrQueueFull is returned by Ingest when ctx ends before the processing queue accepts
// a post. The post stays archived and RecoverStuck picks it up.
var ErrQueueFull = errors.New("processing queue full")

// Ingest records a raw post and hands it to the live grouper, waiting for queue
// space until ctx ends.
func (p *Pipeline) Ingest(ctx context.Context, post grouper.Post) error {
	if post.Timestamp.IsZero() {
		post.Timestamp = time.Now().UTC()
	}
	if err := p.store.SavePost(ctx, &database.ChannelPost{
		ChannelID: post.ChannelID,
		PostID:    post.PostID,
		TopicID:   post.TopicID,
		GroupKey:  post.GroupKey,
		Text:      post.Text,
		HasMedia:  post.HasMedia,
		PostedAt:  post.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to save post %d/%d: %w", post.ChannelID, post.PostID, err)
	}

	select {
	case p.queue <- post:
		return nil
	case <-ctx.Done():
		p.log.WarnContext(ctx, "Processing queue full, post deferred to recovery",
			"channel_id", post.ChannelID, "post_id", post.PostID)
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

// Run groups queued posts and processes each group until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	groups := make(chan grouper.Group, cap(p.queue))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(groups)
		return grouper.New(p.cfg.SettleWindow, p.log).Run(gctx, p.queue, groups)
	})
	g.Go(func() error {
		// The breaker starts closed, so quota failures left by a previous run are retried now.
		if stats, err := p.RequeueQuotaErrors(gctx); err != nil {
			p.log.ErrorContext(gctx, "Failed to requeue quota errors on start", "error", err)
		} else if stats.Processed > 0 {
			p.log.InfoContext(gctx, "Requeued quota errors on start", stats.LogAttrs()...)
		}
		for grp := range groups {
			stats, err := p.Process(gctx, grp, ProcessOptions{})
			if err != nil {
				if gctx.Err() != nil {
					continue
				}
				p.log.ErrorContext(gctx, "Failed to process post",
					"channel_id", grp.ChannelID, "post_id", grp.PostID, "error", err)
				continue
			}
			p.log.DebugContext(gctx, "Post processed", stats.LogAttrs()...)
		}
		return nil
	})

	p.log.InfoContext(ctx, "Pipeline worker started", "settle_window", p.cfg.SettleWindow)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.log.InfoContext(ctx, "Pipeline worker stopped")
	return err
}

// ReprocessOptions selects the posts of a ReprocessRecent run.
type ReprocessOptions struct {
	// Count is the number of logical posts to process.
	Count     int
	Force     bool
	OwnerID   *int64
	ChannelID *int64
}

// ReprocessRecent regroups the most recent stored posts and processes the newest
// Count groups. Cancellation stops the run and returns the partial stats.
func (p *Pipeline) ReprocessRecent(ctx context.Context, opts ReprocessOptions) (Stats, error) {
	var stats Stats
	if opts.Count <= 0 {
		return stats, fmt.Errorf("count must be positive, got %d", opts.Count)
	}
	runID := uuid.NewString()
	log := p.log.With("run_id", runID, "operation", "reprocess")
	log.InfoContext(ctx, "Reprocessing recent posts", "count", opts.Count, "force", opts.Force)

	rows, err := p.store.ListRecentPosts(ctx, opts.Count*p.cfg.FetchMultiplier, opts.ChannelID)
	if err != nil {
		return stats, err
	}
	for _, grp := range grouper.Batch(toPosts(rows), opts.Count) {
		if err := ctx.Err(); err != nil {
			log.WarnContext(ctx, "Reprocessing interrupted", stats.LogAttrs()...)
			return stats, err
		}
		s, err := p.Process(ctx, grp, ProcessOptions{Force: opts.Force, OwnerID: opts.OwnerID})
		stats.Add(s)
		if err != nil {
			return stats, fmt.Errorf("post %d/%d: %w", grp.ChannelID, grp.PostID, err)
		}
	}

	log.InfoContext(ctx, "Reprocessing finished", stats.LogAttrs()...)
	return stats, nil
}

// RefilterExisting re-runs matching and delivery for the most recent parsed ads
// without classifying them again.
func (p *Pipeline) RefilterExisting(ctx context.Context, count int, ownerID *int64) (Stats, error) {
	var stats Stats
	if count <= 0 {
		return stats, fmt.Errorf("count must be positive, got %d", count)
	}
	log := p.log.With("run_id", uuid.NewString(), "operation", "refilter")

	ads, err := p.store.ListRecentAds(ctx, count)
	if err != nil {
		return stats, err
	}
	for i := range ads {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ad := &ads[i]
		msg, err := p.store.GetMessageByID(ctx, ad.IncomingMessageID)
		if errors.Is(err, database.ErrNotFound) {
			stats.Skipped++
			continue
		}
		if err != nil {
			return stats, err
		}
		switch msg.Status {
		case database.StatusParsed, database.StatusFiltered, database.StatusForwarded:
		default:
			stats.Skipped++
			continue
		}
		stats.Processed++
		s, err := p.dispatch(ctx, msg, ad, ownerID)
		stats.Add(s)
		if err != nil {
			return stats, fmt.Errorf("ad %d: %w", ad.ID, err)
		}
	}

	log.InfoContext(ctx, "Refilter finished", stats.LogAttrs()...)
	return stats, nil
}

// RequeueQuotaErrors reprocesses messages that failed on quota. It stops early
// when the breaker opens again.
func (p *Pipeline) RequeueQuotaErrors(ctx context.Context) (Stats, error) {
	msgs, err := p.store.ListErroredMessages(ctx, database.ErrorKindQuota, p.requeue)
	if err != nil {
		return Stats{}, err
	}
	return p.retry(ctx, msgs, "requeue_quota")
}

// RecoverStuck retries messages left in processing or failed transiently for longer
// than StuckAfter, quota failures while the breaker is closed, and archived posts
// that never reached the queue.
func (p *Pipeline) RecoverStuck(ctx context.Context) (Stats, error) {
	before := time.Now().Add(-p.cfg.StuckAfter)
	msgs, err := p.store.ListStuckMessages(ctx, before, p.cfg.StuckBatch)
	if err != nil {
		return Stats{}, err
	}
	if !p.breaker.IsOpen() {
		quotaMsgs, err := p.store.ListErroredMessages(ctx, database.ErrorKindQuota, p.cfg.StuckBatch)
		if err != nil {
			return Stats{}, err
		}
		msgs = append(msgs, quotaMsgs...)
	}
	stats, err := p.retry(ctx, msgs, "recover_stuck")
	if err != nil {
		return stats, err
	}

	s, err := p.recoverUnqueued(ctx, before)
	stats.Add(s)
	return stats, err
}

// recoverUnqueued processes archived posts that have no incoming message.
func (p *Pipeline) recoverUnqueued(ctx context.Context, before time.Time) (Stats, error) {
	var stats Stats
	rows, err := p.store.ListUnprocessedPosts(ctx, before, p.cfg.StuckBatch*p.cfg.FetchMultiplier)
	if err != nil || len(rows) == 0 {
		return stats, err
	}
	log := p.log.With("run_id", uuid.NewString(), "operation", "recover_unqueued")
	log.InfoContext(ctx, "Processing posts that missed the queue", "posts", len(rows))

	for _, grp := range grouper.Batch(toPosts(rows), 0) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if p.breaker.IsOpen() {
			log.InfoContext(ctx, "Quota breaker open, stopping recovery", stats.LogAttrs()...)
			break
		}
		s, err := p.Process(ctx, grp, ProcessOptions{})
		stats.Add(s)
		if err != nil {
			return stats, fmt.Errorf("post %d/%d: %w", grp.ChannelID, grp.PostID, err)
		}
	}
	return stats, nil
}

func toPosts(rows []database.ChannelPost) []grouper.Post {
	posts := make([]grouper.Post, 0, len(rows))
	for _, r := range rows {
		posts = append(posts, grouper.Post{
			ChannelID: r.ChannelID,
			PostID:    r.PostID,
			TopicID:   r.TopicID,
			GroupKey:  r.GroupKey,
			Text:      r.Text,
			HasMedia:  r.HasMedia,
			Timestamp: r.PostedAt,
		})
	}
	return posts
}

func (p *Pipeline) retry(ctx context.Context, msgs []database.IncomingMessage, op string) (Stats, error) {
	var stats Stats
	if len(msgs) == 0 {
		return stats, nil
	}
	log := p.log.With("run_id", uuid.NewString(), "operation", op)
	log.InfoContext(ctx, "Retrying messages", "count", len(msgs))

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if p.breaker.IsOpen() {
			log.InfoContext(ctx, "Quota breaker open, stopping retry", stats.LogAttrs()...)
			break
		}
		s, err := p.Process(ctx, grouper.Group{
			ChannelID:  m.ChannelID,
			PostID:     m.PostID,
			TopicID:    m.TopicID,
			Text:       m.Text,
			HasMedia:   m.HasMedia,
			ReceivedAt: m.ReceivedAt,
			LatestAt:   m.ReceivedAt,
			PartIDs:    []int64{m.PostID},
		}, ProcessOptions{})
		stats.Add(s)
		if err != nil {
			return stats, fmt.Errorf("message %d: %w", m.ID, err)
		}
	}

	log.InfoContext(ctx, "Retry finished", stats.LogAttrs()...)
	return stats, nil
}

// QuotaStatus reports the breaker state.
func (p *Pipeline) QuotaStatus() quota.Status {
	return p.breaker.Status()
}

// CheckBalanceNow probes the provider immediately and returns the resulting state.
// A successful probe on an open breaker closes it and requeues the backlog.
func (p *Pipeline) CheckBalanceNow(ctx context.Context) (quota.Status, error) {
	err := p.breaker.CheckNow(ctx)
	return p.breaker.Status(), err
}

// Costs summarizes classification spend since the given time.
func (p *Pipeline) Costs(ctx context.Context, since time.Time) (database.CostSummary, error) {
	return p.store.CostSummary(ctx, since)
}
