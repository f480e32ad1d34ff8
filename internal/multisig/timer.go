package multisig

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically fails multisig setups that exceeded their wall-clock
// budget.
type Timer struct {
	orchestrator *Orchestrator
	timeout      time.Duration
	interval     time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

// NewTimer creates a setup-expiry timer.
func NewTimer(orchestrator *Orchestrator, timeout time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		orchestrator: orchestrator,
		timeout:      timeout,
		interval:     30 * time.Second,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpire(ctx)
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

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in setup expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	if n := t.orchestrator.ExpireOverdue(ctx, t.timeout); n > 0 {
		t.logger.Info("expired overdue multisig setups", "count", n)
	}
}
