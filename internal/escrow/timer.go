package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically refunds escrows that expired while OPEN or ACCEPTED.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new escrow expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
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
			t.safeHandleExpired(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once; the loop
// exits after any in-flight expiry sweep finishes.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeHandleExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.handleExpired(ctx)
}

func (t *Timer) handleExpired(ctx context.Context) {
	expired, err := t.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return
	}

	for _, record := range expired {
		if _, err := t.service.HandleExpired(ctx, record.ID); err != nil {
			t.logger.Warn("failed to expire escrow",
				"escrowId", record.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("expired escrow refunded",
			"escrowId", record.ID,
			"requester", record.RequesterAddress,
			"amount", record.TokenAmount,
		)
	}
}
