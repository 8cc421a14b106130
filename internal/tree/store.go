// Package tree implements the arena-backed node tree served by the
// filesystem: a node store addressed by handles, the inode allocator and
// index, and path resolution.
package tree

import (
	"io"
	"time"
)

// Handle addresses a node inside one Store. Handles are never shared
// between stores.
type Handle int

// NoHandle is the parent of the root.
const NoHandle Handle = -1

// Kind is either *Dir or *File.
type Kind interface {
	kind()
}

// Dir is a directory. Children keep their insertion order.
type Dir struct {
	names   []string
	entries map[string]Handle
}

// File is a regular file with a size fixed at creation.
type File struct {
	Size    uint64
	Content Content
}

func (*Dir) kind()  {}
func (*File) kind() {}

// NewDir returns an empty directory kind.
func NewDir() *Dir {
	return &Dir{entries: make(map[string]Handle)}
}

// Lookup returns the child registered under name.
func (d *Dir) Lookup(name string) (Handle, bool) {
	h, ok := d.entries[name]
	return h, ok
}

// Names returns child names in insertion order. The slice must not be
// modified.
func (d *Dir) Names() []string {
	return d.names
}

// Len returns the number of children.
func (d *Dir) Len() int {
	return len(d.names)
}

func (d *Dir) link(name string, h Handle) error {
	if _, ok := d.entries[name]; ok {
		return ErrAlreadyExists
	}
	d.entries[name] = h
	d.names = append(d.names, name)
	return nil
}

// Content produces the bytes of a file. Implementations must serve
// exactly the file's Size bytes; callers clip requests to Size.
type Content interface {
	ReadAt(dest []byte, off int64) (int, error)
}

// Bytes is pre-materialized file content.
type Bytes []byte

// ReadAt implements Content.
func (b Bytes) ReadAt(dest []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(dest, b[off:])
	if n < len(dest) {
		return n, io.EOF
	}
	return n, nil
}

// Node is one filesystem entry.
type Node struct {
	Inode  uint64
	Kind   Kind
	Mtime  time.Time
	Xattrs map[string]string

	parent Handle
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	_, ok := n.Kind.(*Dir)
	return ok
}

// Store is the node arena.
type Store struct {
	nodes []*Node
}

// New creates a parentless node and returns its handle.
func (s *Store) New(inode uint64, kind Kind) Handle {
	s.nodes = append(s.nodes, &Node{Inode: inode, Kind: kind, parent: NoHandle})
	return Handle(len(s.nodes) - 1)
}

// Get returns the node for h, or nil for an unknown handle.
func (s *Store) Get(h Handle) *Node {
	if h < 0 || int(h) >= len(s.nodes) {
		return nil
	}
	return s.nodes[h]
}

// Parent returns the parent of h. The root has none.
func (s *Store) Parent(h Handle) (Handle, bool) {
	n := s.Get(h)
	if n == nil || n.parent == NoHandle {
		return NoHandle, false
	}
	return n.parent, true
}

// AppendChild records child as owned by parent. It does not register a
// name; the caller links the name in the parent directory.
func (s *Store) AppendChild(parent, child Handle) error {
	p, c := s.Get(parent), s.Get(child)
	if p == nil || c == nil {
		return ErrNotFound
	}
	if _, ok := p.Kind.(*Dir); !ok {
		return ErrNotDirectory
	}
	if c.parent != NoHandle {
		return ErrAlreadyExists
	}
	for h := parent; h != NoHandle; h = s.nodes[h].parent {
		if h == child {
			return ErrInvalidPath
		}
	}
	c.parent = parent
	return nil
}

// Len returns the number of nodes in the store.
func (s *Store) Len() int {
	return len(s.nodes)
}
