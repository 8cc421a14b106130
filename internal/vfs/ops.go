package vfs

import (
	"errors"
	"io"
	"sort"
	"syscall"
	"time"

	"github.com/qbtfs/qbtfs/internal/metrics"
	"github.com/qbtfs/qbtfs/internal/tree"
)

const (
	xattrPrefix = "user.qbtfs."

	blockSize = 512
	dirMode   = syscall.S_IFDIR | 0755
	fileMode  = syscall.S_IFREG | 0644
)

var (
	// ErrReadOnly reports an attempt to open a file for writing.
	ErrReadOnly = errors.New("read-only filesystem")

	// ErrNoAttr reports a missing extended attribute.
	ErrNoAttr = errors.New("no such attribute")
)

// Attr is the attribute record of a node.
type Attr struct {
	Ino     uint64
	Size    uint64
	Blocks  uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Blksize uint32
	Mtime   time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// Entry is the answer to a lookup.
type Entry struct {
	Attr
	Generation uint64
	TTL        time.Duration
}

// Dirent is one directory listing entry. Off is the cookie that resumes
// the listing right after this entry.
type Dirent struct {
	Name string
	Ino  uint64
	Mode uint32
	Off  uint64
}

// Lookup finds name in the directory parent.
func (f *FS) Lookup(parent uint64, name string) (Entry, error) {
	f.stats.Lookups.Add(1)
	g := f.Current()
	dir, _, err := f.dirByInode(g, "lookup", parent)
	if err != nil {
		return Entry{}, err
	}
	h, ok := dir.Lookup(name)
	if !ok {
		return Entry{}, &tree.Error{Op: "lookup", Path: name, Err: tree.ErrNotFound}
	}
	return Entry{Attr: f.attr(g.Tree.Node(h)), Generation: g.Number, TTL: f.cfg.TTL}, nil
}

// GetAttr returns the attributes of ino.
func (f *FS) GetAttr(ino uint64) (Attr, error) {
	f.stats.GetAttrs.Add(1)
	g := f.Current()
	n, err := f.nodeByInode(g, "getattr", ino)
	if err != nil {
		return Attr{}, err
	}
	return f.attr(n), nil
}

// Open checks that ino is a readable file. Write access is refused.
func (f *FS) Open(ino uint64, writable bool) error {
	return f.open(f.Current(), ino, writable)
}

func (f *FS) open(g *Generation, ino uint64, writable bool) error {
	file, err := f.fileByInode(g, "open", ino)
	if err != nil {
		return err
	}
	if writable {
		return &tree.Error{Op: "open", Err: ErrReadOnly}
	}
	if a, ok := file.Content.(interface{ Available() error }); ok {
		if err := a.Available(); err != nil {
			return &tree.Error{Op: "open", Err: err}
		}
	}
	return nil
}

// Read fills dest with content of ino starting at off and returns the
// number of bytes. The result is clipped at the file size; reading at or
// past the end returns 0.
func (f *FS) Read(ino uint64, dest []byte, off int64) (int, error) {
	f.stats.Reads.Add(1)
	return f.read(f.Current(), ino, dest, off)
}

func (f *FS) read(g *Generation, ino uint64, dest []byte, off int64) (int, error) {
	file, err := f.fileByInode(g, "read", ino)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &tree.Error{Op: "read", Err: tree.ErrInvalidPath}
	}
	if uint64(off) >= file.Size {
		return 0, nil
	}
	if remain := file.Size - uint64(off); uint64(len(dest)) > remain {
		dest = dest[:remain]
	}
	n, err := file.Content.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return 0, &tree.Error{Op: "read", Err: err}
	}
	// Content shorter than the recorded size reads as zeros.
	clear(dest[n:])
	f.stats.BytesRead.Add(int64(len(dest)))
	metrics.RecordRead(contentKind(file), len(dest))
	return len(dest), nil
}

// ReadDir lists the directory ino starting at position off. Position 0 is
// ".", 1 is "..", then the children in insertion order; each entry carries
// cookie position+1. Listing stops when emit returns false, leaving the
// entry that did not fit for the next call.
func (f *FS) ReadDir(ino uint64, off uint64, emit func(Dirent) bool) error {
	f.stats.ReadDirs.Add(1)
	return f.readDir(f.Current(), "readdir", ino, off, func(d Dirent, _ *tree.Node, _ *Generation) bool {
		return emit(d)
	})
}

// ReadDirPlus is ReadDir with the lookup answer of each child, taken from
// the same generation as the listing. The entry is zero for "." and "..".
func (f *FS) ReadDirPlus(ino uint64, off uint64, emit func(Dirent, Entry) bool) error {
	f.stats.ReadDirs.Add(1)
	return f.readDir(f.Current(), "readdirplus", ino, off, f.plusEntry(emit))
}

func (f *FS) plusEntry(emit func(Dirent, Entry) bool) func(Dirent, *tree.Node, *Generation) bool {
	return func(d Dirent, n *tree.Node, g *Generation) bool {
		var e Entry
		if n != nil {
			e = Entry{Attr: f.attr(n), Generation: g.Number, TTL: f.cfg.TTL}
		}
		return emit(d, e)
	}
}

func (f *FS) readDir(g *Generation, op string, ino, off uint64, emit func(Dirent, *tree.Node, *Generation) bool) error {
	dir, h, err := f.dirByInode(g, op, ino)
	if err != nil {
		return err
	}

	names := dir.Names()
	total := uint64(len(names)) + 2
	for pos := off; pos < total; pos++ {
		var d Dirent
		var n *tree.Node
		switch pos {
		case 0:
			d = Dirent{Name: ".", Ino: ino, Mode: dirMode}
		case 1:
			parent := g.Tree.Node(g.Tree.Parent(h))
			d = Dirent{Name: "..", Ino: parent.Inode, Mode: dirMode}
		default:
			name := names[pos-2]
			child, _ := dir.Lookup(name)
			n = g.Tree.Node(child)
			d = Dirent{Name: name, Ino: n.Inode, Mode: modeOf(n)}
		}
		d.Off = pos + 1
		if !emit(d, n, g) {
			return nil
		}
	}
	return nil
}

// GetXAttr returns the value of an extended attribute.
func (f *FS) GetXAttr(ino uint64, name string) (string, error) {
	g := f.Current()
	n, err := f.nodeByInode(g, "getxattr", ino)
	if err != nil {
		return "", err
	}
	v, ok := n.Xattrs[name]
	if !ok {
		return "", &tree.Error{Op: "getxattr", Path: name, Err: ErrNoAttr}
	}
	return v, nil
}

// ListXAttr returns the extended attribute names of ino, sorted.
func (f *FS) ListXAttr(ino uint64) ([]string, error) {
	g := f.Current()
	n, err := f.nodeByInode(g, "listxattr", ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.Xattrs))
	for k := range n.Xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// FsStats describes the current generation for statfs.
type FsStats struct {
	Nodes     uint64
	NextInode uint64
	BlockSize uint32
}

// StatFs reports the size of the served tree.
func (f *FS) StatFs() FsStats {
	g := f.Current()
	return FsStats{
		Nodes:     uint64(g.Tree.Len()),
		NextInode: g.Tree.NextInode(),
		BlockSize: blockSize,
	}
}

func (f *FS) nodeByInode(g *Generation, op string, ino uint64) (*tree.Node, error) {
	h, ok := g.Tree.ByInode(ino)
	if !ok {
		f.stats.StaleInodes.Add(1)
		return nil, &tree.Error{Op: op, Err: tree.ErrNotFound}
	}
	return g.Tree.Node(h), nil
}

func (f *FS) dirByInode(g *Generation, op string, ino uint64) (*tree.Dir, tree.Handle, error) {
	h, ok := g.Tree.ByInode(ino)
	if !ok {
		f.stats.StaleInodes.Add(1)
		return nil, tree.NoHandle, &tree.Error{Op: op, Err: tree.ErrNotFound}
	}
	dir, ok := g.Tree.Node(h).Kind.(*tree.Dir)
	if !ok {
		return nil, tree.NoHandle, &tree.Error{Op: op, Err: tree.ErrNotFound}
	}
	return dir, h, nil
}

func (f *FS) fileByInode(g *Generation, op string, ino uint64) (*tree.File, error) {
	n, err := f.nodeByInode(g, op, ino)
	if err != nil {
		return nil, err
	}
	file, ok := n.Kind.(*tree.File)
	if !ok {
		return nil, &tree.Error{Op: op, Err: tree.ErrNotFound}
	}
	return file, nil
}

func (f *FS) attr(n *tree.Node) Attr {
	a := Attr{
		Ino:     n.Inode,
		UID:     f.cfg.UID,
		GID:     f.cfg.GID,
		Blksize: blockSize,
		Mtime:   n.Mtime,
	}
	switch k := n.Kind.(type) {
	case *tree.Dir:
		a.Mode = dirMode
		a.Nlink = 2
	case *tree.File:
		a.Mode = fileMode
		a.Nlink = 1
		a.Size = k.Size
		a.Blocks = (k.Size + blockSize - 1) / blockSize
	}
	return a
}

func modeOf(n *tree.Node) uint32 {
	if n.IsDir() {
		return dirMode
	}
	return fileMode
}

func contentKind(file *tree.File) string {
	if _, ok := file.Content.(payload); ok {
		return "payload"
	}
	return "metadata"
}
