package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/metrics"
	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/vfs"
)

// Store keeps the snapshot file of one server.
type Store struct {
	path   string
	server string

	mu sync.Mutex
}

// NewStore returns a store writing to path for the Web UI at server.
func NewStore(path, server string) *Store {
	return &Store{path: path, server: server}
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Save writes items atomically: a temp file in the same directory is
// synced and renamed over the previous snapshot.
func (s *Store) Save(items []models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Encode(&Snapshot{SavedAt: time.Now(), Server: s.server, Items: items})
	if err != nil {
		metrics.RecordSnapshot("save", false)
		return err
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		metrics.RecordSnapshot("save", false)
		return fmt.Errorf("write snapshot: %w", err)
	}
	metrics.RecordSnapshot("save", true)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Chmod(tempPath, 0600); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// Load reads the snapshot. A missing file yields ErrNoSnapshot; a
// snapshot of another server is rejected.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		metrics.RecordSnapshot("load", false)
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		metrics.RecordSnapshot("load", false)
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if snap.Server != s.server {
		metrics.RecordSnapshot("load", false)
		return nil, fmt.Errorf("%s: snapshot was taken from %s, not %s", s.path, snap.Server, s.server)
	}
	metrics.RecordSnapshot("load", true)
	return snap, nil
}

// FetchItems serves the stored items, so a Store can stand in for the
// Web API as a vfs.ItemSource.
func (s *Store) FetchItems(ctx context.Context) ([]models.Item, error) {
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	logging.Info("serving items from snapshot",
		logging.String("path", s.path),
		logging.Int("items", len(snap.Items)),
		logging.String("saved_at", snap.SavedAt.Format(time.RFC3339)),
	)
	return snap.Items, nil
}

// OnSwap saves every generation fetched from the Web API. Register it
// with vfs.FS.OnSwap.
func (s *Store) OnSwap(prev, next *vfs.Generation) {
	if next.Origin != vfs.OriginAPI {
		return
	}
	if err := s.Save(next.Items); err != nil {
		logging.Warn("snapshot save failed",
			logging.String("path", s.path),
			logging.Err(err),
		)
		return
	}
	logging.Debug("snapshot saved",
		logging.String("path", s.path),
		logging.Uint64("generation", next.Number),
		logging.Int("items", len(next.Items)),
	)
}
