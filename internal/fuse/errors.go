package fuse

import (
	"context"
	"errors"
	"syscall"

	"github.com/qbtfs/qbtfs/internal/tree"
	"github.com/qbtfs/qbtfs/internal/vfs"
)

// ToErrno converts a filesystem error to the errno reported to the kernel.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, tree.ErrNotFound),
		errors.Is(err, tree.ErrInvalidPath),
		errors.Is(err, tree.ErrNotFile):
		return syscall.ENOENT
	case errors.Is(err, tree.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, tree.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, tree.ErrNoPayload):
		return syscall.ENOTSUP
	case errors.Is(err, vfs.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, vfs.ErrNoAttr):
		return syscall.ENODATA
	case errors.Is(err, vfs.ErrBadHandle):
		return syscall.EBADF
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, tree.ErrSourceFetchFailed):
		return syscall.EIO
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
