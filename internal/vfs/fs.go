// Package vfs serves the torrent list as an immutable, generation-swapped
// directory tree. It owns the rebuild path and the protocol operations
// (lookup, getattr, read, readdir, xattrs) that the FUSE bridge calls.
package vfs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/qbtfs/qbtfs/internal/events"
	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/tree"
)

// DefaultTTL is the attribute and entry cache window.
const DefaultTTL = time.Second

// ItemSource fetches the current item list. A failure must be reported as
// an error, never as an empty list.
type ItemSource interface {
	FetchItems(ctx context.Context) ([]models.Item, error)
}

// ItemSourceFunc adapts a function to ItemSource.
type ItemSourceFunc func(ctx context.Context) ([]models.Item, error)

// FetchItems implements ItemSource.
func (f ItemSourceFunc) FetchItems(ctx context.Context) ([]models.Item, error) {
	return f(ctx)
}

// Config holds filesystem configuration.
type Config struct {
	UID, GID uint32
	TTL      time.Duration

	// DataRoot is where payload files are read from. Empty disables
	// payload reads.
	DataRoot string
	// SavePathPrefix is the part of a torrent's save_path replaced by
	// DataRoot. Empty joins the whole save_path under DataRoot.
	SavePathPrefix string

	RefreshInterval     time.Duration
	HealthCheckInterval time.Duration
}

// Generation origins.
const (
	OriginEmpty    = "empty"
	OriginAPI      = "api"
	OriginSnapshot = "snapshot"
)

// Generation is one immutable version of the tree.
type Generation struct {
	Number  uint64
	Tree    *tree.Tree
	Items   []models.Item
	Served  int // top-level item directories
	Skipped int
	Origin  string
	Built   time.Time
}

// SwapFunc observes a generation swap. It runs after the swap on the
// rebuilding goroutine.
type SwapFunc func(prev, next *Generation)

// FS is the generation-swapped filesystem.
type FS struct {
	cfg    Config
	src    ItemSource
	events *events.Broadcaster

	mu  sync.RWMutex
	gen *Generation

	hooksMu sync.Mutex
	hooks   []SwapFunc

	group   singleflight.Group
	handles handleTable

	loopMu     sync.Mutex
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup

	stats Stats
}

// New returns a filesystem serving generation 0, which holds only the
// root directory. events may be nil.
func New(cfg Config, src ItemSource, bus *events.Broadcaster) *FS {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	now := time.Now()
	t := tree.New()
	t.Node(t.Root()).Mtime = now
	return &FS{
		cfg:    cfg,
		src:    src,
		events: bus,
		gen:    &Generation{Tree: t, Origin: OriginEmpty, Built: now},
	}
}

// Current returns the generation being served.
func (f *FS) Current() *Generation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gen
}

// OnSwap registers fn to run after every generation swap.
func (f *FS) OnSwap(fn SwapFunc) {
	f.hooksMu.Lock()
	f.hooks = append(f.hooks, fn)
	f.hooksMu.Unlock()
}

// TTL returns the advertised cache window.
func (f *FS) TTL() time.Duration {
	return f.cfg.TTL
}

// GetStats returns a snapshot of the operation counters.
func (f *FS) GetStats() StatsSnapshot {
	return f.stats.snapshot()
}
