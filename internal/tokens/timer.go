package tokens

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically sweeps invalid credentials out of the cache.
type Timer struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a rotation sweep timer.
func NewTimer(manager *Manager, logger *slog.Logger) *Timer {
	return &Timer{
		manager:  manager,
		interval: SweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine; exits when ctx is done.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if evicted := t.manager.RotateExpired(); evicted > 0 {
				t.logger.Info("token rotation sweep", "evicted", evicted)
			}
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
