package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/edgard/estatebot/internal/bot/tasks"
	"github.com/edgard/estatebot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type blockingWorker struct{}

func (blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingWorker struct{ err error }

func (w failingWorker) Run(context.Context) error { return w.err }

func TestRunStopsOnCancel(t *testing.T) {
	var runs atomic.Int32
	taskMap := map[string]tasks.ScheduledTaskFunc{
		"tick": func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"tick":     {Enabled: true, Interval: 10 * time.Millisecond},
		"disabled": {Enabled: false, Interval: time.Millisecond},
	}}
	sched, err := NewScheduler(discard(), cfg, taskMap)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBot(discard(), nil, blockingWorker{}, sched).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if runs.Load() == 0 {
		t.Error("scheduled task never ran")
	}
}

func TestRunReturnsWorkerFailure(t *testing.T) {
	boom := errors.New("queue closed")
	err := NewBot(discard(), nil, failingWorker{err: boom}, nil).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
}

func TestJobDefinition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		task     config.TaskConfig
		wantDesc string
		wantErr  bool
	}{
		{task: config.TaskConfig{Schedule: "0 0 4 * * *", Interval: time.Minute}, wantDesc: "0 0 4 * * *"},
		{task: config.TaskConfig{Interval: 5 * time.Minute}, wantDesc: "every 5m0s"},
		{task: config.TaskConfig{}, wantErr: true},
	}
	for _, tt := range tests {
		_, desc, err := jobDefinition(tt.task)
		if (err != nil) != tt.wantErr || desc != tt.wantDesc {
			t.Errorf("jobDefinition(%+v) = %q, %v; want %q, wantErr %v", tt.task, desc, err, tt.wantDesc, tt.wantErr)
		}
	}
}
