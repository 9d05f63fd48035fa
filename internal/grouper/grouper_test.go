package grouper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func TestBatchMergesAlbums(t *testing.T) {
	t.Parallel()

	posts := []Post{
		{ChannelID: 1, PostID: 11, GroupKey: "album", Text: "", HasMedia: true, Timestamp: at(2)},
		{ChannelID: 1, PostID: 10, GroupKey: "album", Text: "2-room apartment", HasMedia: true, Timestamp: at(1)},
		{ChannelID: 1, PostID: 12, GroupKey: "album", Text: "500,000 AMD", Timestamp: at(3)},
		{ChannelID: 1, PostID: 13, Text: "standalone", Timestamp: at(4)},
		// Same key on another channel is a different album.
		{ChannelID: 2, PostID: 10, GroupKey: "album", Text: "other channel", Timestamp: at(0)},
	}

	got := Batch(posts, 0)
	want := []Group{
		{ChannelID: 1, PostID: 13, Text: "standalone", ReceivedAt: at(4), LatestAt: at(4), PartIDs: []int64{13}},
		{
			ChannelID: 1, PostID: 10, Text: "2-room apartment\n500,000 AMD", HasMedia: true,
			ReceivedAt: at(1), LatestAt: at(3), PartIDs: []int64{10, 11, 12},
		},
		{ChannelID: 2, PostID: 10, Text: "other channel", ReceivedAt: at(0), LatestAt: at(0), PartIDs: []int64{10}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Batch() mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchLimitAndTies(t *testing.T) {
	t.Parallel()

	posts := []Post{
		{ChannelID: 1, PostID: 1, Text: "a", Timestamp: at(1)},
		{ChannelID: 1, PostID: 2, Text: "b", Timestamp: at(5)},
		{ChannelID: 1, PostID: 3, GroupKey: "g", Text: "c", Timestamp: at(2)},
		{ChannelID: 1, PostID: 4, GroupKey: "g", Text: "d", Timestamp: at(5)},
	}

	got := Batch(posts, 2)
	var ids []int64
	for _, g := range got {
		ids = append(ids, g.PostID)
	}
	// Post 2 and group 3 both end at t=5; post 2 was received later.
	if diff := cmp.Diff([]int64{2, 3}, ids); diff != "" {
		t.Errorf("Batch() ids mismatch (-want +got):\n%s", diff)
	}
	if got := Batch(nil, 5); len(got) != 0 {
		t.Errorf("Batch(nil) = %v, want empty", got)
	}
}

func collect(t *testing.T, out <-chan Group, n int, timeout time.Duration) []Group {
	t.Helper()
	var got []Group
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case g := <-out:
			got = append(got, g)
		case <-deadline:
			t.Fatalf("received %d groups, want %d", len(got), n)
		}
	}
	return got
}

var ignoreTimes = cmpopts.IgnoreFields(Group{}, "ReceivedAt", "LatestAt")

func TestRunSettleWindow(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Post)
	out := make(chan Group, 10)
	done := make(chan error, 1)
	go func() { done <- New(50*time.Millisecond, nil).Run(ctx, in, out) }()

	in <- Post{ChannelID: 1, PostID: 1, GroupKey: "a", Text: "caption", HasMedia: true, Timestamp: at(0)}
	in <- Post{ChannelID: 1, PostID: 2, GroupKey: "a", HasMedia: true, Timestamp: at(1)}
	// Other channels never flush channel 1's album.
	in <- Post{ChannelID: 2, PostID: 7, Text: "elsewhere", Timestamp: at(1)}

	got := collect(t, out, 2, 2*time.Second)
	want := []Group{
		{ChannelID: 2, PostID: 7, Text: "elsewhere", PartIDs: []int64{7}},
		{ChannelID: 1, PostID: 1, Text: "caption", HasMedia: true, PartIDs: []int64{1, 2}},
	}
	if diff := cmp.Diff(want, got, ignoreTimes); diff != "" {
		t.Errorf("Run() mismatch (-want +got):\n%s", diff)
	}

	close(in)
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRunPreservesChannelOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Post)
	out := make(chan Group, 10)
	done := make(chan error, 1)
	// A long window proves the flush comes from the next post, not the timer.
	go func() { done <- New(time.Hour, nil).Run(ctx, in, out) }()

	in <- Post{ChannelID: 1, PostID: 1, GroupKey: "a", Text: "first", Timestamp: at(0)}
	in <- Post{ChannelID: 1, PostID: 2, GroupKey: "a", Timestamp: at(0)}
	in <- Post{ChannelID: 1, PostID: 3, Text: "second", Timestamp: at(1)}
	in <- Post{ChannelID: 1, PostID: 4, GroupKey: "b", Text: "third", Timestamp: at(2)}
	close(in)

	got := collect(t, out, 3, 2*time.Second)
	var ids []int64
	for _, g := range got {
		ids = append(ids, g.PostID)
	}
	if diff := cmp.Diff([]int64{1, 3, 4}, ids); diff != "" {
		t.Errorf("emission order mismatch (-want +got):\n%s", diff)
	}
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan Post)
	out := make(chan Group, 1)
	done := make(chan error, 1)
	go func() { done <- New(time.Hour, nil).Run(ctx, in, out) }()

	in <- Post{ChannelID: 1, PostID: 1, GroupKey: "a", Text: "pending", Timestamp: at(0)}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	// The pending album is handed over on shutdown when out has room.
	select {
	case g := <-out:
		if g.PostID != 1 {
			t.Errorf("drained group post id = %d, want 1", g.PostID)
		}
	default:
		t.Error("pending group was not drained on shutdown")
	}
}
