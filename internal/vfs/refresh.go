package vfs

import (
	"context"
	"time"

	"github.com/qbtfs/qbtfs/internal/events"
	"github.com/qbtfs/qbtfs/internal/logging"
)

// Pinger reports item source reachability.
type Pinger interface {
	Ping(ctx context.Context) error
	IsOnline() bool
}

func (f *FS) loopContext(ctx context.Context) context.Context {
	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.loopCancel == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		f.loopCancel = cancel
		f.loopCtx = ctx
	}
	return f.loopCtx
}

func (f *FS) spawn(ctx context.Context, fn func(ctx context.Context)) {
	ctx = f.loopContext(ctx)
	f.loops.Add(1)
	go func() {
		defer f.loops.Done()
		fn(ctx)
	}()
}

// StartRefreshLoop rebuilds the tree every RefreshInterval.
func (f *FS) StartRefreshLoop(ctx context.Context) {
	if f.cfg.RefreshInterval <= 0 {
		return
	}

	f.spawn(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(f.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Rebuild(ctx)
			case <-ctx.Done():
				return
			}
		}
	})

	logging.Info("periodic refresh enabled", logging.Duration("interval", f.cfg.RefreshInterval))
}

// Watch rebuilds the tree whenever changes delivers a value, until the
// channel closes or the loops stop.
func (f *FS) Watch(ctx context.Context, changes <-chan struct{}) {
	f.spawn(ctx, func(ctx context.Context) {
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
				f.publish(events.Event{Type: events.EventSourceChange})
				if _, err := f.Rebuild(ctx); err != nil {
					logging.Debug("change-triggered rebuild failed", logging.Err(err))
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

// StartHealthCheck pings the source every HealthCheckInterval and rebuilds
// when it comes back online.
func (f *FS) StartHealthCheck(ctx context.Context, p Pinger) {
	if f.cfg.HealthCheckInterval <= 0 || p == nil {
		return
	}

	f.spawn(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(f.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				wasOnline := p.IsOnline()
				err := p.Ping(ctx)
				if err == nil && !wasOnline {
					logging.Info("item source is back online, rebuilding")
					f.Rebuild(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	})

	logging.Info("health check enabled", logging.Duration("interval", f.cfg.HealthCheckInterval))
}

// Close stops all background loops and waits for them to exit.
func (f *FS) Close() {
	f.loopMu.Lock()
	cancel := f.loopCancel
	f.loopCancel = nil
	f.loopCtx = nil
	f.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.loops.Wait()
}
