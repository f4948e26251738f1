package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer continuously drains the outbox.
type Timer struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a dispatcher timer.
func NewTimer(dispatcher *Dispatcher, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the dispatch loop. Call in a goroutine. Stopping halts
// scheduling of new sweeps; an in-flight sweep finishes its batch.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in webhook dispatch timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.dispatcher.Sweep(ctx); err != nil {
		t.logger.Warn("webhook dispatch sweep failed", "error", err)
	}
}
