package vfs

import (
	"context"
	"fmt"
	"time"

	"github.com/qbtfs/qbtfs/internal/events"
	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/metrics"
	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/tree"
)

// RebuildStats describes a completed rebuild.
type RebuildStats struct {
	Generation uint64
	BuildStats
	Duration time.Duration
}

// Rebuild fetches the item list from the configured source and swaps in a
// new generation. Concurrent calls share one fetch. On failure the current
// generation keeps being served.
func (f *FS) Rebuild(ctx context.Context) (RebuildStats, error) {
	v, err, shared := f.group.Do("rebuild", func() (interface{}, error) {
		return f.RebuildFrom(ctx, f.src, OriginAPI)
	})
	if shared {
		logging.Debug("rebuild coalesced with a concurrent caller")
	}
	if err != nil {
		return RebuildStats{}, err
	}
	return v.(RebuildStats), nil
}

// RebuildFrom is Rebuild with an explicit source. origin labels the
// generation (OriginAPI, OriginSnapshot).
func (f *FS) RebuildFrom(ctx context.Context, src ItemSource, origin string) (RebuildStats, error) {
	start := time.Now()

	items, err := src.FetchItems(ctx)
	if err != nil {
		err = &tree.Error{Op: "rebuild", Err: fmt.Errorf("%w: %w", tree.ErrSourceFetchFailed, err)}
		f.fail(start, err)
		return RebuildStats{}, err
	}

	t, bs, err := f.Build(items, start)
	if err != nil {
		err = &tree.Error{Op: "rebuild", Err: err}
		f.fail(start, err)
		return RebuildStats{}, err
	}

	next := &Generation{
		Tree:    t,
		Items:   items,
		Served:  bs.Items,
		Skipped: bs.SkippedTotal(),
		Origin:  origin,
		Built:   start,
	}
	prev := f.swap(next)

	elapsed := time.Since(start)
	f.stats.Rebuilds.Add(1)
	f.stats.SkippedEntries.Add(int64(next.Skipped))
	metrics.RecordRebuild(elapsed, true)
	for reason, n := range bs.Skipped {
		metrics.RecordSkipped(reason, n)
	}
	metrics.SetTree(next.Number, bs.Nodes, bs.Items)

	if prev.Served != next.Served || next.Skipped > 0 {
		logging.Info("tree rebuilt",
			logging.Uint64("generation", next.Number),
			logging.Int("items", bs.Items),
			logging.Int("previous_items", prev.Served),
			logging.Int("nodes", bs.Nodes),
			logging.Int("skipped", next.Skipped),
			logging.String("origin", origin),
			logging.Duration("duration", elapsed),
		)
	} else {
		logging.Debug("tree rebuilt (unchanged item count)",
			logging.Uint64("generation", next.Number),
			logging.Int("items", bs.Items),
			logging.Duration("duration", elapsed),
		)
	}

	f.publish(events.Event{
		Type:       events.EventRebuild,
		Generation: next.Number,
		Items:      bs.Items,
		Nodes:      bs.Nodes,
		Skipped:    next.Skipped,
	})
	f.runHooks(prev, next)

	return RebuildStats{Generation: next.Number, BuildStats: bs, Duration: elapsed}, nil
}

// LoadItems swaps in a generation built from items already in memory.
func (f *FS) LoadItems(ctx context.Context, items []models.Item, origin string) (RebuildStats, error) {
	return f.RebuildFrom(ctx, ItemSourceFunc(func(context.Context) ([]models.Item, error) {
		return items, nil
	}), origin)
}

func (f *FS) swap(next *Generation) *Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.gen
	next.Number = prev.Number + 1
	f.gen = next
	return prev
}

func (f *FS) fail(start time.Time, err error) {
	f.stats.FailedRebuilds.Add(1)
	metrics.RecordRebuild(time.Since(start), false)
	logging.Error("rebuild failed, keeping current tree",
		logging.Uint64("generation", f.Current().Number),
		logging.Err(err),
	)
	f.publish(events.Event{Type: events.EventRebuildFailed, Error: err.Error()})
}

func (f *FS) publish(e events.Event) {
	if f.events != nil {
		f.events.Publish(e)
	}
}

func (f *FS) runHooks(prev, next *Generation) {
	f.hooksMu.Lock()
	hooks := append([]SwapFunc(nil), f.hooks...)
	f.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(prev, next)
	}
}
