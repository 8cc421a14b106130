package vfs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/tree"
)

// fakeSource serves a fixed item list. When gate is set, FetchItems
// signals started and waits for gate to close.
type fakeSource struct {
	mu      sync.Mutex
	items   []models.Item
	err     error
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func (s *fakeSource) FetchItems(ctx context.Context) ([]models.Item, error) {
	s.mu.Lock()
	s.calls++
	items, err, gate := s.items, s.err, s.gate
	if s.started != nil {
		close(s.started)
		s.started = nil
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return items, err
}

func (s *fakeSource) set(items []models.Item, err error) {
	s.mu.Lock()
	s.items, s.err = items, err
	s.mu.Unlock()
}

func (s *fakeSource) block() (started, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = make(chan struct{})
	s.gate = make(chan struct{})
	return s.started, s.gate
}

func (s *fakeSource) unblock() {
	s.mu.Lock()
	s.gate, s.started = nil, nil
	s.mu.Unlock()
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func named(names ...string) []models.Item {
	items := make([]models.Item, len(names))
	for i, n := range names {
		items[i] = models.Item{Info: models.TorrentInfo{Name: n, Hash: "hash-" + n}}
	}
	return items
}

func newTestFS(t *testing.T, cfg Config, items []models.Item) (*FS, *fakeSource) {
	t.Helper()
	src := &fakeSource{items: items}
	f := New(cfg, src, nil)
	if _, err := f.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	return f, src
}

func listAll(t *testing.T, f *FS, ino, off uint64) []Dirent {
	t.Helper()
	return listN(t, f, ino, off, -1)
}

// listN emits at most limit entries (all when limit < 0).
func listN(t *testing.T, f *FS, ino, off uint64, limit int) []Dirent {
	t.Helper()
	var out []Dirent
	err := f.ReadDir(ino, off, func(d Dirent) bool {
		if limit >= 0 && len(out) == limit {
			return false
		}
		out = append(out, d)
		return true
	})
	if err != nil {
		t.Fatalf("ReadDir(%d, %d): %v", ino, off, err)
	}
	return out
}

func direntNames(ds []Dirent) []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}

func lookupPath(t *testing.T, f *FS, path string) Entry {
	t.Helper()
	comps, err := tree.SplitPath(path)
	if err != nil {
		t.Fatalf("SplitPath(%q): %v", path, err)
	}
	var e Entry
	ino := tree.RootInode
	for _, c := range comps {
		e, err = f.Lookup(ino, c)
		if err != nil {
			t.Fatalf("Lookup(%q) at %q: %v", c, path, err)
		}
		ino = e.Ino
	}
	return e
}

func isNotFound(err error) bool {
	return errors.Is(err, tree.ErrNotFound)
}
