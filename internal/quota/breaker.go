// Package quota guards the classifier with a circuit breaker that opens when
// the provider reports quota exhaustion and closes after a successful probe.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgard/estatebot/internal/classifier"
)

// ErrOpen is returned by Classify while the breaker is open. It also matches
// classifier.ErrQuotaExceeded so callers can treat both the same way.
var ErrOpen = fmt.Errorf("quota breaker open: %w", classifier.ErrQuotaExceeded)

// RecoveryFunc runs after the breaker closes following a successful probe.
type RecoveryFunc func(ctx context.Context) error

// Status is a snapshot of the breaker state.
type Status struct {
	Exceeded      bool
	LastErrorAt   time.Time
	LastProbeAt   time.Time
	ProbeInterval time.Duration
}

// Breaker wraps a Classifier. It implements classifier.Classifier.
type Breaker struct {
	inner    classifier.Classifier
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	open atomic.Bool

	mu          sync.Mutex
	lastErrorAt time.Time
	lastProbeAt time.Time
	onRecover   RecoveryFunc
	probing     bool
}

// NewBreaker creates a closed breaker around inner.
func NewBreaker(inner classifier.Classifier, probeInterval time.Duration, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Breaker{
		inner:    inner,
		interval: probeInterval,
		log:      log.With("component", "quota_breaker"),
		now:      time.Now,
	}
}

// OnRecover sets the hook invoked after the breaker closes.
func (b *Breaker) OnRecover(fn RecoveryFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRecover = fn
}

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool {
	return b.open.Load()
}

// Classify forwards to the wrapped classifier unless the breaker is open.
// A quota error from the provider opens the breaker.
func (b *Breaker) Classify(ctx context.Context, text string) (*classifier.Result, error) {
	if b.open.Load() {
		return nil, ErrOpen
	}
	res, err := b.inner.Classify(ctx, text)
	if err != nil && errors.Is(err, classifier.ErrQuotaExceeded) {
		b.trip(ctx, err)
	}
	return res, err
}

// Probe checks the provider while the breaker is open. It is a no-op when closed.
func (b *Breaker) Probe(ctx context.Context) error {
	if !b.open.Load() {
		return nil
	}
	return b.probe(ctx)
}

// CheckNow probes the provider regardless of the breaker state.
func (b *Breaker) CheckNow(ctx context.Context) error {
	return b.probe(ctx)
}

// Status returns a snapshot of the breaker state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Exceeded:      b.open.Load(),
		LastErrorAt:   b.lastErrorAt,
		LastProbeAt:   b.lastProbeAt,
		ProbeInterval: b.interval,
	}
}

func (b *Breaker) trip(ctx context.Context, cause error) {
	b.mu.Lock()
	b.lastErrorAt = b.now()
	b.mu.Unlock()

	if b.open.CompareAndSwap(false, true) {
		b.log.WarnContext(ctx, "Quota exceeded, breaker opened", "probe_interval", b.interval, "error", cause)
	}
}

func (b *Breaker) probe(ctx context.Context) error {
	b.mu.Lock()
	if b.probing {
		b.mu.Unlock()
		b.log.DebugContext(ctx, "Probe already in flight, skipping")
		return nil
	}
	b.probing = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	}()

	err := b.inner.Probe(ctx)

	b.mu.Lock()
	b.lastProbeAt = b.now()
	if err != nil && errors.Is(err, classifier.ErrQuotaExceeded) {
		b.lastErrorAt = b.lastProbeAt
	}
	hook := b.onRecover
	b.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, classifier.ErrQuotaExceeded):
		if b.open.CompareAndSwap(false, true) {
			b.log.WarnContext(ctx, "Probe reported quota exceeded, breaker opened", "error", err)
		} else {
			b.log.InfoContext(ctx, "Probe still reports quota exceeded, breaker stays open")
		}
		return err
	default:
		// Ambiguous failures say nothing about quota; keep the current state.
		b.log.WarnContext(ctx, "Probe failed with non-quota error, breaker state unchanged", "open", b.open.Load(), "error", err)
		return err
	}

	if !b.open.CompareAndSwap(true, false) {
		b.log.InfoContext(ctx, "Probe succeeded, breaker already closed")
		return nil
	}
	b.log.InfoContext(ctx, "Probe succeeded, breaker closed")

	if hook != nil {
		if err := hook(ctx); err != nil {
			b.log.ErrorContext(ctx, "Backlog recovery after quota reset failed", "error", err)
			return fmt.Errorf("breaker closed but recovery failed: %w", err)
		}
	}
	return nil
}

var _ classifier.Classifier = (*Breaker)(nil)
