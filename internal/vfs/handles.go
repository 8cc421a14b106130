package vfs

import (
	"errors"
	"sync"

	"github.com/qbtfs/qbtfs/internal/tree"
)

// ErrBadHandle reports an unknown or released file handle.
var ErrBadHandle = errors.New("bad file handle")

// openNode is what a handle was opened on: an inode and the path it had
// in the generation that resolved it.
type openNode struct {
	ino  uint64
	gen  uint64
	path string
	dir  bool
}

type handleTable struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*openNode
}

func (t *handleTable) add(n *openNode) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		t.open = make(map[uint64]*openNode)
	}
	t.next++
	t.open[t.next] = n
	return t.next
}

func (t *handleTable) remove(fh uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[fh]
	delete(t.open, fh)
	return ok
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// OpenHandle is Open returning a handle for ReadHandle. The handle stays
// bound to the node it was opened on: once a rebuild gives the inode to a
// different path, reads through it fail with ErrNotFound.
func (f *FS) OpenHandle(ino uint64, writable bool) (uint64, error) {
	g := f.Current()
	if err := f.open(g, ino, writable); err != nil {
		return 0, err
	}
	h, _ := g.Tree.ByInode(ino)
	return f.handles.add(&openNode{ino: ino, gen: g.Number, path: g.Tree.Path(h)}), nil
}

// OpenDirHandle returns a handle for ReadDirHandle on the directory ino.
func (f *FS) OpenDirHandle(ino uint64) (uint64, error) {
	g := f.Current()
	_, h, err := f.dirByInode(g, "opendir", ino)
	if err != nil {
		return 0, err
	}
	return f.handles.add(&openNode{ino: ino, gen: g.Number, path: g.Tree.Path(h), dir: true}), nil
}

// Release forgets fh.
func (f *FS) Release(fh uint64) error {
	if !f.handles.remove(fh) {
		return &tree.Error{Op: "release", Err: ErrBadHandle}
	}
	return nil
}

// OpenHandles returns the number of handles not yet released.
func (f *FS) OpenHandles() int {
	return f.handles.len()
}

// ReadHandle is Read through a handle from OpenHandle.
func (f *FS) ReadHandle(fh uint64, dest []byte, off int64) (int, error) {
	f.stats.Reads.Add(1)
	g, ino, err := f.resolveHandle("read", fh, false)
	if err != nil {
		return 0, err
	}
	return f.read(g, ino, dest, off)
}

// ReadDirHandle is ReadDir through a handle from OpenDirHandle.
func (f *FS) ReadDirHandle(fh, off uint64, emit func(Dirent) bool) error {
	f.stats.ReadDirs.Add(1)
	g, ino, err := f.resolveHandle("readdir", fh, true)
	if err != nil {
		return err
	}
	return f.readDir(g, "readdir", ino, off, func(d Dirent, _ *tree.Node, _ *Generation) bool {
		return emit(d)
	})
}

// ReadDirPlusHandle is ReadDirPlus through a handle from OpenDirHandle.
func (f *FS) ReadDirPlusHandle(fh, off uint64, emit func(Dirent, Entry) bool) error {
	f.stats.ReadDirs.Add(1)
	g, ino, err := f.resolveHandle("readdirplus", fh, true)
	if err != nil {
		return err
	}
	return f.readDir(g, "readdirplus", ino, off, f.plusEntry(emit))
}

// resolveHandle returns the current generation and the handle's inode.
// After a swap the inode must still name the same path and kind, or the
// handle is stale.
func (f *FS) resolveHandle(op string, fh uint64, dir bool) (*Generation, uint64, error) {
	g := f.Current()

	f.handles.mu.Lock()
	defer f.handles.mu.Unlock()
	n, ok := f.handles.open[fh]
	if !ok || n.dir != dir {
		return nil, 0, &tree.Error{Op: op, Err: ErrBadHandle}
	}
	if n.gen == g.Number {
		return g, n.ino, nil
	}
	h, ok := g.Tree.ByInode(n.ino)
	if !ok || g.Tree.Node(h).IsDir() != n.dir || g.Tree.Path(h) != n.path {
		f.stats.StaleInodes.Add(1)
		return nil, 0, &tree.Error{Op: op, Path: n.path, Err: tree.ErrNotFound}
	}
	n.gen = g.Number
	return g, n.ino, nil
}
