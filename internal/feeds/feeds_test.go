package feeds

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mmcdole/gofeed"

	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/grouper"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Yerevan Rent</title>
  <link>https://t.me/s/yerevan_rent</link>
  <item>
    <title>2-room apartment</title>
    <description><![CDATA[<p>2-room apartment, Kentron</p><p>450 000 AMD<br>+374 00 000000</p><img src="https://cdn/1.jpg">]]></description>
    <link>https://t.me/yerevan_rent/101</link>
    <pubDate>Mon, 06 Jan 2025 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Studio</title>
    <description>Studio near metro</description>
    <link>https://t.me/yerevan_rent/102</link>
    <pubDate>Mon, 06 Jan 2025 11:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Channel info</title>
    <description>About us</description>
    <link>https://t.me/yerevan_rent</link>
  </item>
</channel>
</rss>`

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

type fakeStore struct {
	channels []database.MonitoredChannel
	seen     map[int64]bool
}

func (f *fakeStore) ListMonitoredChannels(context.Context, bool) ([]database.MonitoredChannel, error) {
	return f.channels, nil
}

func (f *fakeStore) GetMessage(_ context.Context, _ int64, postID int64) (*database.IncomingMessage, error) {
	if f.seen[postID] {
		return &database.IncomingMessage{PostID: postID}, nil
	}
	return nil, database.ErrNotFound
}

func TestPollIngestsUnseenItems(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		channels: []database.MonitoredChannel{
			{ChannelID: -100777, FeedURL: "https://rss.example/yerevan_rent", IsActive: true},
			{ChannelID: -100888, IsActive: true},
		},
		seen: map[int64]bool{102: true},
	}
	var got []grouper.Post
	ingest := func(_ context.Context, p grouper.Post) error {
		got = append(got, p)
		return nil
	}
	p := New(store, ingest, &mockTransport{body: sampleFeed, statusCode: http.StatusOK}, time.Second, "estatebot-test", nil)

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Poll() ingested %d, want 1", n)
	}
	want := []grouper.Post{{
		ChannelID: -100777,
		PostID:    101,
		Text:      "2-room apartment, Kentron\n450 000 AMD\n+374 00 000000",
		HasMedia:  true,
		Timestamp: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ingested posts mismatch (-want +got):\n%s", diff)
	}
}

func TestPollReportsFeedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		transport *mockTransport
	}{
		{name: "http error status", transport: &mockTransport{body: "not found", statusCode: http.StatusNotFound}},
		{name: "network error", transport: &mockTransport{err: io.ErrUnexpectedEOF}},
		{name: "invalid xml", transport: &mockTransport{body: "not xml at all", statusCode: http.StatusOK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &fakeStore{channels: []database.MonitoredChannel{{ChannelID: 1, FeedURL: "https://rss.example/a", IsActive: true}}}
			p := New(store, func(context.Context, grouper.Post) error { return nil }, tt.transport, time.Second, "", nil)
			if _, err := p.Poll(context.Background()); err == nil {
				t.Error("Poll() succeeded, want error")
			}
		})
	}
}

func TestPostFromItem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		item   *gofeed.Item
		want   grouper.Post
		wantOK bool
	}{
		{
			name:   "link with post id",
			item:   &gofeed.Item{Link: "https://t.me/rent_am/55", Description: "Flat<br/>300$"},
			want:   grouper.Post{ChannelID: 9, PostID: 55, Text: "Flat\n300$"},
			wantOK: true,
		},
		{
			name:   "guid fallback and title text",
			item:   &gofeed.Item{Link: "https://t.me/rent_am", GUID: "https://t.me/rent_am/56", Title: "House in Dilijan"},
			want:   grouper.Post{ChannelID: 9, PostID: 56, Text: "House in Dilijan"},
			wantOK: true,
		},
		{
			name:   "enclosure counts as media",
			item:   &gofeed.Item{Link: "https://t.me/rent_am/57", Enclosures: []*gofeed.Enclosure{{URL: "https://cdn/v.mp4"}}},
			want:   grouper.Post{ChannelID: 9, PostID: 57, HasMedia: true},
			wantOK: true,
		},
		{name: "no id", item: &gofeed.Item{Link: "https://t.me/rent_am"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := PostFromItem(9, tt.item)
			if ok != tt.wantOK {
				t.Fatalf("PostFromItem() ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(grouper.Post{}, "Timestamp")); diff != "" {
				t.Errorf("PostFromItem() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
