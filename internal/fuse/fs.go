// Package fuse bridges the generation-swapped tree to the kernel through
// the go-fuse raw protocol API. Every request reads the current generation
// once; inode numbers are the tree's inode numbers.
package fuse

import (
	"sync/atomic"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/metrics"
	"github.com/qbtfs/qbtfs/internal/tree"
	"github.com/qbtfs/qbtfs/internal/vfs"
)

const nameMax = 255

// FS implements gofuse.RawFileSystem on top of a vfs.FS. Operations it
// does not override answer ENOSYS through the embedded default.
type FS struct {
	gofuse.RawFileSystem

	vfs    *vfs.FS
	server atomic.Pointer[gofuse.Server]
}

// New returns the bridge for v and registers kernel cache invalidation on
// every generation swap.
func New(v *vfs.FS) *FS {
	f := &FS{
		RawFileSystem: gofuse.NewDefaultRawFileSystem(),
		vfs:           v,
	}
	v.OnSwap(f.invalidate)
	return f
}

var _ gofuse.RawFileSystem = (*FS)(nil)

func (f *FS) String() string {
	return "qbtfs"
}

// Init is called by the server before it starts serving.
func (f *FS) Init(server *gofuse.Server) {
	f.server.Store(server)
}

func (f *FS) Lookup(cancel <-chan struct{}, header *gofuse.InHeader, name string, out *gofuse.EntryOut) gofuse.Status {
	e, err := f.vfs.Lookup(header.NodeId, name)
	if err != nil {
		return f.status("lookup", err)
	}
	fillEntry(out, e)
	return f.status("lookup", nil)
}

func (f *FS) GetAttr(cancel <-chan struct{}, input *gofuse.GetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	a, err := f.vfs.GetAttr(input.NodeId)
	if err != nil {
		return f.status("getattr", err)
	}
	fillAttr(&out.Attr, a)
	out.SetTimeout(f.vfs.TTL())
	return f.status("getattr", nil)
}

func (f *FS) Open(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	writable := input.Flags&syscall.O_ACCMODE != syscall.O_RDONLY || input.Flags&syscall.O_TRUNC != 0
	fh, err := f.vfs.OpenHandle(input.NodeId, writable)
	if err != nil {
		return f.status("open", err)
	}
	out.Fh = fh
	return f.status("open", nil)
}

// Read goes through the open handle, so a rebuild that hands the inode to
// another node fails the read instead of switching content.
func (f *FS) Read(cancel <-chan struct{}, input *gofuse.ReadIn, buf []byte) (gofuse.ReadResult, gofuse.Status) {
	if uint32(len(buf)) > input.Size {
		buf = buf[:input.Size]
	}
	n, err := f.vfs.ReadHandle(input.Fh, buf, int64(input.Offset))
	if err != nil {
		return nil, f.status("read", err)
	}
	return gofuse.ReadResultData(buf[:n]), f.status("read", nil)
}

func (f *FS) Release(cancel <-chan struct{}, input *gofuse.ReleaseIn) {
	if err := f.vfs.Release(input.Fh); err != nil {
		f.status("release", err)
	}
}

func (f *FS) OpenDir(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	a, err := f.vfs.GetAttr(input.NodeId)
	if err != nil {
		return f.status("opendir", err)
	}
	if !a.IsDir() {
		return f.status("opendir", tree.ErrNotDirectory)
	}
	fh, err := f.vfs.OpenDirHandle(input.NodeId)
	if err != nil {
		return f.status("opendir", err)
	}
	out.Fh = fh
	return f.status("opendir", nil)
}

func (f *FS) ReadDir(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	err := f.vfs.ReadDirHandle(input.Fh, input.Offset, func(d vfs.Dirent) bool {
		return out.AddDirEntry(dirEntry(d))
	})
	return f.status("readdir", err)
}

func (f *FS) ReadDirPlus(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	err := f.vfs.ReadDirPlusHandle(input.Fh, input.Offset, func(d vfs.Dirent, e vfs.Entry) bool {
		eo := out.AddDirLookupEntry(dirEntry(d))
		if eo == nil {
			return false
		}
		if e.Ino != 0 {
			fillEntry(eo, e)
		}
		return true
	})
	return f.status("readdirplus", err)
}

func (f *FS) ReleaseDir(input *gofuse.ReleaseIn) {
	if err := f.vfs.Release(input.Fh); err != nil {
		f.status("releasedir", err)
	}
}

func (f *FS) GetXAttr(cancel <-chan struct{}, header *gofuse.InHeader, attr string, dest []byte) (uint32, gofuse.Status) {
	value, err := f.vfs.GetXAttr(header.NodeId, attr)
	if err != nil {
		return 0, f.status("getxattr", err)
	}
	if len(dest) == 0 {
		return uint32(len(value)), gofuse.OK
	}
	if len(dest) < len(value) {
		return 0, gofuse.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), f.status("getxattr", nil)
}

func (f *FS) ListXAttr(cancel <-chan struct{}, header *gofuse.InHeader, dest []byte) (uint32, gofuse.Status) {
	names, err := f.vfs.ListXAttr(header.NodeId)
	if err != nil {
		return 0, f.status("listxattr", err)
	}

	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) == 0 {
		return uint32(total), gofuse.OK
	}
	if len(dest) < total {
		return 0, gofuse.ERANGE
	}

	offset := 0
	for _, name := range names {
		copy(dest[offset:], name)
		offset += len(name)
		dest[offset] = 0
		offset++
	}
	return uint32(total), f.status("listxattr", nil)
}

func (f *FS) StatFs(cancel <-chan struct{}, header *gofuse.InHeader, out *gofuse.StatfsOut) gofuse.Status {
	st := f.vfs.StatFs()
	out.Files = st.Nodes
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.NameLen = nameMax
	return gofuse.OK
}

// Mutating operations. The mount is read-only, these only answer callers
// that bypass the "ro" mount flag.

func (f *FS) SetAttr(cancel <-chan struct{}, input *gofuse.SetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	return f.readOnly("setattr")
}

func (f *FS) Mkdir(cancel <-chan struct{}, input *gofuse.MkdirIn, name string, out *gofuse.EntryOut) gofuse.Status {
	return f.readOnly("mkdir")
}

func (f *FS) Unlink(cancel <-chan struct{}, header *gofuse.InHeader, name string) gofuse.Status {
	return f.readOnly("unlink")
}

func (f *FS) Rmdir(cancel <-chan struct{}, header *gofuse.InHeader, name string) gofuse.Status {
	return f.readOnly("rmdir")
}

func (f *FS) Rename(cancel <-chan struct{}, input *gofuse.RenameIn, oldName string, newName string) gofuse.Status {
	return f.readOnly("rename")
}

func (f *FS) Create(cancel <-chan struct{}, input *gofuse.CreateIn, name string, out *gofuse.CreateOut) gofuse.Status {
	return f.readOnly("create")
}

func (f *FS) Write(cancel <-chan struct{}, input *gofuse.WriteIn, data []byte) (uint32, gofuse.Status) {
	return 0, f.readOnly("write")
}

func (f *FS) SetXAttr(cancel <-chan struct{}, input *gofuse.SetXAttrIn, attr string, data []byte) gofuse.Status {
	return f.readOnly("setxattr")
}

func (f *FS) RemoveXAttr(cancel <-chan struct{}, header *gofuse.InHeader, attr string) gofuse.Status {
	return f.readOnly("removexattr")
}

func (f *FS) readOnly(op string) gofuse.Status {
	return f.status(op, vfs.ErrReadOnly)
}

func (f *FS) status(op string, err error) gofuse.Status {
	errno := ToErrno(err)
	metrics.RecordFuseOp(op, int(errno))
	if err != nil && errno != syscall.ENOENT && errno != syscall.ENODATA {
		logging.Debug("fuse op failed",
			logging.String("op", op),
			logging.String("errno", errno.Error()),
			logging.Err(err),
		)
	}
	return gofuse.Status(errno)
}

// invalidate drops the kernel's cached names of the previous generation.
// Inode numbers are reused across generations, so a cached name could
// otherwise resolve to a different node.
func (f *FS) invalidate(prev, next *vfs.Generation) {
	server := f.server.Load()
	if server == nil {
		return
	}
	root, ok := prev.Tree.ByInode(tree.RootInode)
	if !ok {
		return
	}
	dir, ok := prev.Tree.Node(root).Kind.(*tree.Dir)
	if !ok {
		return
	}

	var failed int
	for _, name := range dir.Names() {
		if st := server.EntryNotify(tree.RootInode, name); st != gofuse.OK && st != gofuse.ENOENT {
			failed++
		}
	}
	server.InodeNotify(tree.RootInode, 0, 0)
	if failed > 0 {
		logging.Debug("entry invalidation incomplete",
			logging.Uint64("generation", next.Number),
			logging.Int("failed", failed),
		)
	}
}

func dirEntry(d vfs.Dirent) gofuse.DirEntry {
	return gofuse.DirEntry{Mode: d.Mode, Name: d.Name, Ino: d.Ino, Off: d.Off}
}

func fillEntry(out *gofuse.EntryOut, e vfs.Entry) {
	out.NodeId = e.Ino
	out.Generation = e.Generation
	fillAttr(&out.Attr, e.Attr)
	out.SetEntryTimeout(e.TTL)
	out.SetAttrTimeout(e.TTL)
}

func fillAttr(out *gofuse.Attr, a vfs.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	out.Blksize = a.Blksize
	out.SetTimes(&a.Mtime, &a.Mtime, &a.Mtime)
}
