package tree

import (
	"fmt"
	"strings"
)

// Tree is one generation of the filesystem: the node store, the inode
// allocator and the inode index. A Tree is built by a single goroutine and
// must not be mutated once it is published to readers.
type Tree struct {
	store  Store
	inodes Allocator
	index  map[uint64]Handle
	root   Handle
}

// New returns a tree holding only the root directory.
func New() *Tree {
	t := &Tree{
		inodes: NewAllocator(),
		index:  make(map[uint64]Handle),
	}
	t.root = t.store.New(RootInode, NewDir())
	t.index[RootInode] = t.root
	return t
}

// Root returns the root handle.
func (t *Tree) Root() Handle {
	return t.root
}

// Node returns the node for h, or nil.
func (t *Tree) Node(h Handle) *Node {
	return t.store.Get(h)
}

// Parent returns the parent handle of h. The root is its own parent.
func (t *Tree) Parent(h Handle) Handle {
	if p, ok := t.store.Parent(h); ok {
		return p
	}
	return h
}

// ByInode resolves an inode through the index.
func (t *Tree) ByInode(ino uint64) (Handle, bool) {
	h, ok := t.index[ino]
	return h, ok
}

// Len returns the number of nodes, root included.
func (t *Tree) Len() int {
	return t.store.Len()
}

// NextInode returns the allocator's next value.
func (t *Tree) NextInode() uint64 {
	return t.inodes.Next()
}

// Mkdir creates a directory named name under parent.
func (t *Tree) Mkdir(parent Handle, name string) (Handle, error) {
	return t.create("mkdir", parent, name, NewDir())
}

// Mkfile creates a file named name under parent.
func (t *Tree) Mkfile(parent Handle, name string, size uint64, content Content) (Handle, error) {
	if content == nil {
		content = Bytes(nil)
	}
	return t.create("mkfile", parent, name, &File{Size: size, Content: content})
}

// EnsureDir returns the directory named name under parent, creating it if
// it does not exist yet.
func (t *Tree) EnsureDir(parent Handle, name string) (Handle, error) {
	if p := t.Node(parent); p != nil {
		if d, ok := p.Kind.(*Dir); ok {
			if h, ok := d.Lookup(name); ok {
				if !t.Node(h).IsDir() {
					return NoHandle, newError("mkdir", t.Path(h), ErrNotDirectory)
				}
				return h, nil
			}
		}
	}
	return t.Mkdir(parent, name)
}

func (t *Tree) create(op string, parent Handle, name string, kind Kind) (Handle, error) {
	p := t.Node(parent)
	if p == nil {
		return NoHandle, newError(op, name, ErrNotFound)
	}
	dir, ok := p.Kind.(*Dir)
	if !ok {
		return NoHandle, newError(op, t.Path(parent), ErrNotDirectory)
	}
	if err := ValidName(name); err != nil {
		return NoHandle, newError(op, BuildChildPath(t.Path(parent), name), err)
	}
	if _, exists := dir.Lookup(name); exists {
		return NoHandle, newError(op, BuildChildPath(t.Path(parent), name), ErrAlreadyExists)
	}

	ino := t.inodes.Alloc()
	if _, dup := t.index[ino]; dup {
		return NoHandle, fmt.Errorf("%s: inode %d already indexed", op, ino)
	}
	h := t.store.New(ino, kind)
	if err := t.store.AppendChild(parent, h); err != nil {
		return NoHandle, newError(op, name, err)
	}
	if err := dir.link(name, h); err != nil {
		return NoHandle, newError(op, name, err)
	}
	t.index[ino] = h
	return h, nil
}

// Resolve walks an absolute path from the root. Components are matched
// exactly; "." and ".." have no special meaning.
func (t *Tree) Resolve(path string) (Handle, bool) {
	h, err := t.Walk(path)
	return h, err == nil
}

// Walk is Resolve with the failure reason.
func (t *Tree) Walk(path string) (Handle, error) {
	if path == "/" {
		return t.root, nil
	}
	comps, err := SplitPath(path)
	if err != nil {
		return NoHandle, newError("resolve", path, err)
	}
	h, err := t.walk(comps)
	if err != nil {
		return NoHandle, newError("resolve", path, err)
	}
	return h, nil
}

func (t *Tree) walk(comps []string) (Handle, error) {
	cur := t.root
	for _, name := range comps {
		dir, ok := t.Node(cur).Kind.(*Dir)
		if !ok {
			return NoHandle, ErrNotDirectory
		}
		next, ok := dir.Lookup(name)
		if !ok {
			return NoHandle, ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

// Path rebuilds the absolute path of h from parent links.
func (t *Tree) Path(h Handle) string {
	var comps []string
	for cur := h; cur != t.root; {
		p, ok := t.store.Parent(cur)
		if !ok {
			break
		}
		dir := t.Node(p).Kind.(*Dir)
		for _, name := range dir.names {
			if dir.entries[name] == cur {
				comps = append(comps, name)
				break
			}
		}
		cur = p
	}
	for i, j := 0, len(comps)-1; i < j; i, j = i+1, j-1 {
		comps[i], comps[j] = comps[j], comps[i]
	}
	return "/" + strings.Join(comps, "/")
}

// Check verifies the index and ownership invariants. A failure means the
// tree was built incorrectly and must not be published.
func (t *Tree) Check() error {
	if len(t.index) != t.store.Len() {
		return fmt.Errorf("index has %d entries for %d nodes", len(t.index), t.store.Len())
	}
	for ino, h := range t.index {
		n := t.Node(h)
		if n == nil {
			return fmt.Errorf("inode %d indexes missing handle %d", ino, h)
		}
		if n.Inode != ino {
			return fmt.Errorf("inode %d indexes node with inode %d", ino, n.Inode)
		}
		if ino >= t.inodes.Next() {
			return fmt.Errorf("inode %d not below allocator %d", ino, t.inodes.Next())
		}
		dir, ok := n.Kind.(*Dir)
		if !ok {
			continue
		}
		if len(dir.names) != len(dir.entries) {
			return fmt.Errorf("inode %d: %d names for %d entries", ino, len(dir.names), len(dir.entries))
		}
		for _, name := range dir.names {
			child := t.Node(dir.entries[name])
			if child == nil {
				return fmt.Errorf("inode %d: dangling entry %q", ino, name)
			}
			if child.parent != h {
				return fmt.Errorf("inode %d: entry %q owned by another parent", ino, name)
			}
		}
	}
	return nil
}
