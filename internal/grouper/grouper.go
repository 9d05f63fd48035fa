// Package grouper merges channel posts that belong to one advertisement
// (a media album sharing one caption) into a single logical group.
package grouper

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Post is one raw channel post as delivered by a source.
type Post struct {
	ChannelID int64
	PostID    int64
	TopicID   *int64
	// GroupKey is shared by posts of one album. Empty means a standalone post.
	GroupKey  string
	Text      string
	HasMedia  bool
	Timestamp time.Time
}

// Group is one logical advertisement. Its identity is the earliest part.
type Group struct {
	ChannelID  int64
	PostID     int64
	TopicID    *int64
	Text       string
	HasMedia   bool
	ReceivedAt time.Time
	// LatestAt is the timestamp of the newest part.
	LatestAt time.Time
	PartIDs  []int64
}

type groupKey struct {
	channelID int64
	key       string
}

// merge builds a Group from parts of the same album, ordered by arrival.
func merge(parts []Post) Group {
	sorted := make([]Post, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].PostID < sorted[j].PostID
	})

	first := sorted[0]
	g := Group{
		ChannelID:  first.ChannelID,
		PostID:     first.PostID,
		TopicID:    first.TopicID,
		ReceivedAt: first.Timestamp,
		LatestAt:   first.Timestamp,
	}
	var texts []string
	for _, p := range sorted {
		g.PartIDs = append(g.PartIDs, p.PostID)
		g.HasMedia = g.HasMedia || p.HasMedia
		if g.TopicID == nil && p.TopicID != nil {
			g.TopicID = p.TopicID
		}
		if p.Timestamp.After(g.LatestAt) {
			g.LatestAt = p.Timestamp
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	g.Text = strings.Join(texts, "\n")
	return g
}

// Batch groups posts and returns groups newest first, truncated to limit when limit > 0.
// Recency is the newest part's timestamp, ties broken by the group's received time.
func Batch(posts []Post, limit int) []Group {
	keyed := make(map[groupKey][]Post)
	var order []groupKey
	var groups []Group

	for _, p := range posts {
		if p.GroupKey == "" {
			groups = append(groups, merge([]Post{p}))
			continue
		}
		k := groupKey{p.ChannelID, p.GroupKey}
		if _, ok := keyed[k]; !ok {
			order = append(order, k)
		}
		keyed[k] = append(keyed[k], p)
	}
	for _, k := range order {
		groups = append(groups, merge(keyed[k]))
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.LatestAt.Equal(b.LatestAt) {
			return a.LatestAt.After(b.LatestAt)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.After(b.ReceivedAt)
		}
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		return a.PostID > b.PostID
	})

	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups
}

// Grouper is the live mode: it buffers album parts for a settle window and
// emits each group once no new part has arrived for that long.
type Grouper struct {
	window time.Duration
	log    *slog.Logger
}

// New creates a live Grouper. A zero window emits album parts as soon as the
// next event or timer tick is handled.
func New(window time.Duration, log *slog.Logger) *Grouper {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if window < 0 {
		window = 0
	}
	return &Grouper{window: window, log: log.With("component", "grouper")}
}

type pendingGroup struct {
	key      groupKey
	parts    []Post
	deadline time.Time
}

// Run reads posts from in and writes groups to out until in is closed or ctx is done.
// Within a channel, groups are emitted in arrival order. Pending groups are flushed
// when in closes; on cancellation they are flushed only if out accepts them immediately.
func (g *Grouper) Run(ctx context.Context, in <-chan Post, out chan<- Group) error {
	var pending []*pendingGroup
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	emit := func(grp Group) bool {
		select {
		case out <- grp:
			g.log.DebugContext(ctx, "Group emitted", "channel_id", grp.ChannelID, "post_id", grp.PostID, "parts", len(grp.PartIDs))
			return true
		case <-ctx.Done():
			return false
		}
	}

	// flush emits the pending groups selected by the predicate, in arrival order.
	flush := func(selected func(p *pendingGroup) bool) bool {
		kept := pending[:0]
		var ready []*pendingGroup
		for _, p := range pending {
			if selected(p) {
				ready = append(ready, p)
			} else {
				kept = append(kept, p)
			}
		}
		pending = kept
		for _, p := range ready {
			if !emit(merge(p.parts)) {
				return false
			}
		}
		return true
	}

	rearm := func() {
		timer.Stop()
		if len(pending) == 0 {
			return
		}
		next := pending[0].deadline
		for _, p := range pending[1:] {
			if p.deadline.Before(next) {
				next = p.deadline
			}
		}
		timer.Reset(max(time.Until(next), 0))
	}

	for {
		select {
		case <-ctx.Done():
			g.drain(pending, out)
			return ctx.Err()

		case post, ok := <-in:
			if !ok {
				if !flush(func(*pendingGroup) bool { return true }) {
					return ctx.Err()
				}
				return nil
			}

			k := groupKey{post.ChannelID, post.GroupKey}
			// A different post on the same channel closes that channel's open albums.
			if !flush(func(p *pendingGroup) bool { return p.key.channelID == post.ChannelID && p.key != k }) {
				return ctx.Err()
			}

			if post.GroupKey == "" {
				if !emit(merge([]Post{post})) {
					return ctx.Err()
				}
				rearm()
				continue
			}

			var cur *pendingGroup
			for _, p := range pending {
				if p.key == k {
					cur = p
					break
				}
			}
			if cur == nil {
				cur = &pendingGroup{key: k}
				pending = append(pending, cur)
			}
			cur.parts = append(cur.parts, post)
			cur.deadline = time.Now().Add(g.window)
			rearm()

		case <-timer.C:
			now := time.Now()
			if !flush(func(p *pendingGroup) bool { return !p.deadline.After(now) }) {
				return ctx.Err()
			}
			rearm()
		}
	}
}

func (g *Grouper) drain(pending []*pendingGroup, out chan<- Group) {
	for _, p := range pending {
		grp := merge(p.parts)
		select {
		case out <- grp:
		default:
			g.log.Warn("Dropping pending group on shutdown", "channel_id", grp.ChannelID, "post_id", grp.PostID)
		}
	}
}
