package vfs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/models"
	"github.com/qbtfs/qbtfs/internal/tree"
)

// Skip reasons reported in BuildStats and metrics.
const (
	SkipDuplicate = "duplicate"
	SkipInvalid   = "invalid"
	SkipConflict  = "conflict"
)

// BuildStats summarises one tree build.
type BuildStats struct {
	Items   int            // item directories created
	Nodes   int            // nodes in the new tree, root included
	Skipped map[string]int // skipped items and sub-items by reason
}

// SkippedTotal returns the number of skipped entries.
func (s BuildStats) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Build constructs a private tree from items. Rejected items and sub-items
// are skipped and counted; an error means the tree itself is inconsistent.
func (f *FS) Build(items []models.Item, now time.Time) (*tree.Tree, BuildStats, error) {
	t := tree.New()
	t.Node(t.Root()).Mtime = now
	stats := BuildStats{Skipped: make(map[string]int)}

	for i := range items {
		it := &items[i]
		dir, err := t.Mkdir(t.Root(), it.Name())
		if err != nil {
			reason, ok := skipReason(err)
			if !ok {
				return nil, stats, fmt.Errorf("add item %q: %w", it.Name(), err)
			}
			stats.Skipped[reason]++
			logging.Warn("skipping item",
				logging.String("name", it.Name()),
				logging.String("hash", it.Hash()),
				logging.String("reason", reason),
				logging.Err(err),
			)
			continue
		}
		if err := f.populateItem(t, dir, it, now, &stats); err != nil {
			return nil, stats, err
		}
		stats.Items++
	}

	if err := t.Check(); err != nil {
		return nil, stats, fmt.Errorf("tree invariant: %w", err)
	}
	stats.Nodes = t.Len()
	return t, stats, nil
}

func (f *FS) populateItem(t *tree.Tree, dir tree.Handle, it *models.Item, now time.Time, stats *BuildStats) error {
	info := &it.Info
	node := t.Node(dir)
	node.Mtime = unixOr(info.AddedOn, now)
	node.Xattrs = map[string]string{
		xattrPrefix + "hash":      info.Hash,
		xattrPrefix + "state":     string(info.State),
		xattrPrefix + "category":  info.Category,
		xattrPrefix + "tags":      info.Tags,
		xattrPrefix + "progress":  strconv.FormatFloat(float64(info.Progress), 'f', -1, 32),
		xattrPrefix + "save_path": info.SavePath,
		xattrPrefix + "tracker":   info.Tracker,
	}

	meta := FormatMetadata(it)
	mh, err := t.Mkfile(dir, MetadataFile, uint64(len(meta)), tree.Bytes(meta))
	if err != nil {
		return fmt.Errorf("add metadata for %q: %w", info.Name, err)
	}
	t.Node(mh).Mtime = unixOr(info.LastActivity, now)

	for j := range it.Files {
		sub := &it.Files[j]
		if err := f.addSubItem(t, dir, info.SavePath, sub, now); err != nil {
			reason, ok := skipReason(err)
			if !ok {
				return fmt.Errorf("add file %q of %q: %w", sub.Name, info.Name, err)
			}
			stats.Skipped[reason]++
			logging.Warn("skipping file",
				logging.String("item", info.Name),
				logging.String("file", sub.Name),
				logging.String("reason", reason),
				logging.Err(err),
			)
		}
	}
	return nil
}

func (f *FS) addSubItem(t *tree.Tree, dir tree.Handle, savePath string, sub *models.SubItem, now time.Time) error {
	if sub.Size < 0 {
		return &tree.Error{Op: "mkfile", Path: sub.Name, Err: tree.ErrInvalidPath}
	}
	comps, err := tree.SplitRelative(sub.Name)
	if err != nil {
		return &tree.Error{Op: "mkfile", Path: sub.Name, Err: err}
	}

	parent := dir
	for _, c := range comps[:len(comps)-1] {
		parent, err = t.EnsureDir(parent, c)
		if err != nil {
			return err
		}
		t.Node(parent).Mtime = now
	}

	h, err := t.Mkfile(parent, comps[len(comps)-1], uint64(sub.Size), payload{path: f.payloadPath(savePath, sub.Name)})
	if err != nil {
		return err
	}
	n := t.Node(h)
	n.Mtime = now
	n.Xattrs = map[string]string{
		xattrPrefix + "index":        strconv.FormatInt(sub.Index, 10),
		xattrPrefix + "progress":     strconv.FormatFloat(float64(sub.Progress), 'f', -1, 32),
		xattrPrefix + "priority":     sub.Priority.String(),
		xattrPrefix + "availability": strconv.FormatFloat(float64(sub.Availability), 'f', -1, 32),
	}
	return nil
}

func skipReason(err error) (string, bool) {
	switch {
	case errors.Is(err, tree.ErrAlreadyExists):
		return SkipDuplicate, true
	case errors.Is(err, tree.ErrInvalidPath):
		return SkipInvalid, true
	case errors.Is(err, tree.ErrNotDirectory):
		return SkipConflict, true
	default:
		return "", false
	}
}

func unixOr(sec int64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback
	}
	return time.Unix(sec, 0)
}
