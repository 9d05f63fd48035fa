// Package feeds polls RSS mirrors of monitored channels and feeds their items
// into the pipeline as channel posts.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/grouper"
)

const maxFeedSize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Store is the part of database.Store the poller needs.
type Store interface {
	ListMonitoredChannels(ctx context.Context, activeOnly bool) ([]database.MonitoredChannel, error)
	GetMessage(ctx context.Context, channelID, postID int64) (*database.IncomingMessage, error)
}

// IngestFunc hands one post to the pipeline.
type IngestFunc func(ctx context.Context, post grouper.Post) error

// Poller fetches every active channel's feed and ingests items not seen before.
type Poller struct {
	store     Store
	ingest    IngestFunc
	client    HTTPClient
	timeout   time.Duration
	userAgent string
	log       *slog.Logger
}

// New creates a Poller. Each feed request is bounded by timeout.
func New(store Store, ingest IngestFunc, client HTTPClient, timeout time.Duration, userAgent string, log *slog.Logger) *Poller {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		store:     store,
		ingest:    ingest,
		client:    client,
		timeout:   timeout,
		userAgent: userAgent,
		log:       log.With("component", "feed_poller"),
	}
}

// Poll runs one pass over all feeds and returns how many posts were ingested.
// A failing feed does not stop the others; their errors are joined.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	channels, err := p.store.ListMonitoredChannels(ctx, true)
	if err != nil {
		return 0, err
	}

	var total int
	var errs []error
	for _, ch := range channels {
		if ch.FeedURL == "" {
			continue
		}
		n, err := p.pollChannel(ctx, ch)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			p.log.WarnContext(ctx, "Feed poll failed", "channel_id", ch.ChannelID, "feed_url", ch.FeedURL, "error", err)
			errs = append(errs, fmt.Errorf("channel %d: %w", ch.ChannelID, err))
		}
	}
	return total, errors.Join(errs...)
}

func (p *Poller) pollChannel(ctx context.Context, ch database.MonitoredChannel) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	feed, err := p.Fetch(fetchCtx, ch.FeedURL)
	if err != nil {
		return 0, err
	}

	var ingested int
	for _, item := range feed.Items {
		post, ok := PostFromItem(ch.ChannelID, item)
		if !ok {
			p.log.DebugContext(ctx, "Feed item has no post id, skipping", "channel_id", ch.ChannelID, "link", item.Link)
			continue
		}
		_, err := p.store.GetMessage(ctx, post.ChannelID, post.PostID)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			return ingested, err
		}
		if err := p.ingest(ctx, post); err != nil {
			return ingested, fmt.Errorf("ingest post %d: %w", post.PostID, err)
		}
		ingested++
	}

	p.log.DebugContext(ctx, "Feed polled", "channel_id", ch.ChannelID, "items", len(feed.Items), "ingested", ingested)
	return ingested, nil
}

// Fetch downloads and parses a feed.
func (p *Poller) Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// PostFromItem converts a feed item into a post. The post id is the last numeric
// path segment of the item link (t.me/<channel>/<id>); items without one are rejected.
func PostFromItem(channelID int64, item *gofeed.Item) (grouper.Post, bool) {
	postID, ok := postIDFromLink(item.Link)
	if !ok {
		postID, ok = postIDFromLink(item.GUID)
	}
	if !ok {
		return grouper.Post{}, false
	}

	text, hasImage := htmlText(item.Description)
	if text == "" {
		text = strings.TrimSpace(item.Title)
	}
	post := grouper.Post{
		ChannelID: channelID,
		PostID:    postID,
		Text:      text,
		HasMedia:  hasImage || len(item.Enclosures) > 0 || item.Image != nil,
		Timestamp: time.Now().UTC(),
	}
	if item.PublishedParsed != nil {
		post.Timestamp = item.PublishedParsed.UTC()
	}
	return post, true
}

func postIDFromLink(link string) (int64, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Path == "" {
		return 0, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	id, err := strconv.ParseInt(segments[len(segments)-1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// htmlText returns the visible text of an HTML fragment, one line per block, and
// whether it embeds an image.
func htmlText(fragment string) (string, bool) {
	if strings.TrimSpace(fragment) == "" {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment), false
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), doc.Find("img").Length() > 0
}
