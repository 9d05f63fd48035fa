package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/go-cmp/cmp"

	"github.com/edgard/estatebot/internal/config"
	"github.com/edgard/estatebot/internal/database"
	"github.com/edgard/estatebot/internal/grouper"
	"github.com/edgard/estatebot/internal/pipeline"
	"github.com/edgard/estatebot/internal/quota"
)

const adminID = 1001

type sentMessage struct {
	ChatID string
	Text   string
}

// apiRecorder is a stand-in Bot API server that records sendMessage calls.
type apiRecorder struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (a *apiRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/sendMessage") {
		_ = r.ParseMultipartForm(1 << 20)
		a.mu.Lock()
		a.sent = append(a.sent, sentMessage{ChatID: r.FormValue("chat_id"), Text: r.FormValue("text")})
		a.mu.Unlock()
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)
}

func (a *apiRecorder) messages() []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMessage(nil), a.sent...)
}

func newTestBot(t *testing.T) (*tgbot.Bot, *apiRecorder) {
	t.Helper()
	rec := &apiRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	b, err := tgbot.New("123456:test-token", tgbot.WithSkipGetMe(), tgbot.WithServerURL(srv.URL))
	if err != nil {
		t.Fatalf("bot.New() error = %v", err)
	}
	return b, rec
}

type fakeOps struct {
	mu        sync.Mutex
	ingested  []grouper.Post
	reprocess []pipeline.ReprocessOptions
	refilter  []int
	stats     pipeline.Stats
	err       error
	status    quota.Status
}

func (f *fakeOps) Ingest(_ context.Context, p grouper.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, p)
	return nil
}

func (f *fakeOps) ReprocessRecent(_ context.Context, opts pipeline.ReprocessOptions) (pipeline.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprocess = append(f.reprocess, opts)
	return f.stats, f.err
}

func (f *fakeOps) RefilterExisting(_ context.Context, count int, _ *int64) (pipeline.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refilter = append(f.refilter, count)
	return f.stats, f.err
}

func (f *fakeOps) QuotaStatus() quota.Status { return f.status }

func (f *fakeOps) CheckBalanceNow(context.Context) (quota.Status, error) { return f.status, f.err }

func (f *fakeOps) Costs(context.Context, time.Time) (database.CostSummary, error) {
	return database.CostSummary{Calls: 4, TotalTokens: 600, CostUSD: 0.0004}, nil
}

func testDeps(ops Operations, store database.Store) HandlerDeps {
	return HandlerDeps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: &config.Config{
			Telegram: config.TelegramConfig{AdminUserID: adminID},
			Messages: config.DefaultMessages,
		},
		Store: store,
		Ops:   ops,
	}
}

func command(userID int64, text string) *models.Update {
	return &models.Update{ID: 1, Message: &models.Message{
		ID:   10,
		Text: text,
		From: &models.User{ID: userID},
		Chat: models.Chat{ID: userID, Type: "private"},
	}}
}

// run dispatches update through the registered handler and its middleware.
func run(t *testing.T, deps HandlerDeps, name string, b *tgbot.Bot, update *models.Update) {
	t.Helper()
	reg, ok := RegisterAllCommands(deps)[name]
	if !ok {
		t.Fatalf("command %s not registered", name)
	}
	h := reg.Handler
	for i := len(reg.Middleware) - 1; i >= 0; i-- {
		h = reg.Middleware[i](h)
	}
	h(context.Background(), b, update)
}

func TestParseReprocessArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text    string
		want    pipeline.ReprocessOptions
		wantErr bool
	}{
		{text: "/reprocess 50", want: pipeline.ReprocessOptions{Count: 50}},
		{text: "/reprocess@estate_bot 5 force", want: pipeline.ReprocessOptions{Count: 5, Force: true}},
		{text: "/reprocess 5 FALSE", want: pipeline.ReprocessOptions{Count: 5}},
		{text: "/reprocess", wantErr: true},
		{text: "/reprocess 0", wantErr: true},
		{text: "/reprocess 5000", wantErr: true},
		{text: "/reprocess five", wantErr: true},
		{text: "/reprocess 5 maybe", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseReprocessArgs(tt.text)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseReprocessArgs(%q) error = %v, wantErr %v", tt.text, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseReprocessArgs(%q) mismatch (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestParseRefilterArgs(t *testing.T) {
	t.Parallel()

	count, owner, err := parseRefilterArgs("/refilter 20 42")
	if err != nil || count != 20 || owner == nil || *owner != 42 {
		t.Errorf("parseRefilterArgs() = %d, %v, %v", count, owner, err)
	}
	count, owner, err = parseRefilterArgs("/refilter 7")
	if err != nil || count != 7 || owner != nil {
		t.Errorf("parseRefilterArgs() = %d, %v, %v", count, owner, err)
	}
	for _, bad := range []string{"/refilter", "/refilter x", "/refilter 5 owner", "/refilter 5 0", "/refilter 1 2 3"} {
		if _, _, err := parseRefilterArgs(bad); err == nil {
			t.Errorf("parseRefilterArgs(%q) succeeded, want error", bad)
		}
	}
}

func TestAdminOnlyRejectsOtherUsers(t *testing.T) {
	t.Parallel()
	b, rec := newTestBot(t)
	ops := &fakeOps{}
	deps := testDeps(ops, nil)

	run(t, deps, "/reprocess", b, command(555, "/reprocess 10"))

	if len(ops.reprocess) != 0 {
		t.Errorf("reprocess ran for unauthorized user: %v", ops.reprocess)
	}
	want := []sentMessage{{ChatID: "555", Text: config.DefaultMessages.Unauthorized}}
	if diff := cmp.Diff(want, rec.messages()); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestReprocessCommand(t *testing.T) {
	t.Parallel()
	b, rec := newTestBot(t)
	ops := &fakeOps{stats: pipeline.Stats{Processed: 3, Ads: 2, NotAds: 1, Forwarded: 1}}
	deps := testDeps(ops, nil)

	run(t, deps, "/reprocess", b, command(adminID, "/reprocess 3 force"))
	run(t, deps, "/reprocess", b, command(adminID, "/reprocess"))

	if diff := cmp.Diff([]pipeline.ReprocessOptions{{Count: 3, Force: true}}, ops.reprocess); diff != "" {
		t.Errorf("reprocess calls mismatch (-want +got):\n%s", diff)
	}
	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("replies = %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Processed: 3") || !strings.Contains(msgs[0].Text, "Forwarded: 1") {
		t.Errorf("reprocess reply = %q", msgs[0].Text)
	}
	if msgs[1].Text != config.DefaultMessages.ReprocessUsage {
		t.Errorf("usage reply = %q", msgs[1].Text)
	}
}

func TestRefilterCommandReportsTimeout(t *testing.T) {
	t.Parallel()
	b, rec := newTestBot(t)
	ops := &fakeOps{stats: pipeline.Stats{Processed: 1}, err: context.DeadlineExceeded}

	run(t, testDeps(ops, nil), "/refilter", b, command(adminID, "/refilter 10"))

	msgs := rec.messages()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Text, config.DefaultMessages.OperationTimeout) {
		t.Errorf("refilter replies = %+v", msgs)
	}
}

func TestQuotaCommand(t *testing.T) {
	t.Parallel()
	b, rec := newTestBot(t)
	ops := &fakeOps{status: quota.Status{Exceeded: true, ProbeInterval: 15 * time.Minute}}

	run(t, testDeps(ops, nil), "/quota", b, command(adminID, "/quota"))

	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("replies = %d, want 1", len(msgs))
	}
	for _, want := range []string{"exceeded", "Last probe: never", "15m0s", "4 calls"} {
		if !strings.Contains(msgs[0].Text, want) {
			t.Errorf("quota reply missing %q:\n%s", want, msgs[0].Text)
		}
	}
}

func TestChannelPostHandlerIngestsMonitoredChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	store := database.NewStore(db, nil)
	if err := store.UpsertMonitoredChannel(ctx, &database.MonitoredChannel{ChannelID: -100500, IsActive: true}); err != nil {
		t.Fatalf("UpsertMonitoredChannel() error = %v", err)
	}

	ops := &fakeOps{}
	h := NewChannelPostHandler(testDeps(ops, store))
	h(ctx, nil, &models.Update{ChannelPost: &models.Message{ID: 7, Date: 1700000000, Text: "flat", Chat: models.Chat{ID: -100500}}})
	h(ctx, nil, &models.Update{ChannelPost: &models.Message{ID: 8, Text: "other", Chat: models.Chat{ID: -100999}}})
	h(ctx, nil, command(adminID, "hello"))

	if len(ops.ingested) != 1 || ops.ingested[0].PostID != 7 {
		t.Errorf("ingested = %+v, want only post 7", ops.ingested)
	}
}

func TestPostFromMessage(t *testing.T) {
	t.Parallel()

	msg := &models.Message{
		ID:              12,
		Date:            1700000000,
		Caption:         "2 rooms, Arabkir",
		MediaGroupID:    "album-1",
		MessageThreadID: 3,
		Photo:           []models.PhotoSize{{FileID: "p"}},
		Chat:            models.Chat{ID: -1001},
	}
	topic := int64(3)
	want := grouper.Post{
		ChannelID: -1001,
		PostID:    12,
		TopicID:   &topic,
		GroupKey:  "album-1",
		Text:      "2 rooms, Arabkir",
		HasMedia:  true,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	if diff := cmp.Diff(want, postFromMessage(msg)); diff != "" {
		t.Errorf("postFromMessage() mismatch (-want +got):\n%s", diff)
	}
}
