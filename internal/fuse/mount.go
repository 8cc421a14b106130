package fuse

import (
	"errors"
	"fmt"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/qbtfs/qbtfs/internal/logging"
)

// MountOptions configures the kernel mount.
type MountOptions struct {
	Mountpoint string
	FsName     string
	AllowOther bool
	Debug      bool
}

// Mount mounts f read-only at opts.Mountpoint and starts serving. The
// caller unmounts with server.Unmount.
func Mount(f *FS, opts MountOptions) (*gofuse.Server, error) {
	if opts.FsName == "" {
		opts.FsName = "qbtfs"
	}
	if err := clearStaleMount(opts.Mountpoint); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	server, err := gofuse.NewServer(f, opts.Mountpoint, &gofuse.MountOptions{
		FsName:     opts.FsName,
		Name:       "qbtfs",
		AllowOther: opts.AllowOther,
		Debug:      opts.Debug,
		Options:    []string{"ro"},
	})
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		server.Unmount()
		return nil, fmt.Errorf("wait for mount: %w", err)
	}

	logging.Info("filesystem mounted",
		logging.String("mountpoint", opts.Mountpoint),
		logging.String("fsname", opts.FsName),
	)
	return server, nil
}

// Unmount unmounts the server, retrying while the mount is busy.
func Unmount(server *gofuse.Server, mountpoint string) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = server.Unmount(); err == nil {
			return nil
		}
		logging.Warn("unmount failed, retrying",
			logging.String("mountpoint", mountpoint),
			logging.Int("attempt", attempt+1),
			logging.Err(err),
		)
		time.Sleep(200 * time.Millisecond)
	}
	// Last resort: detach so the process can exit.
	if derr := unix.Unmount(mountpoint, unix.MNT_DETACH); derr != nil {
		return fmt.Errorf("unmount %s: %w", mountpoint, errors.Join(err, derr))
	}
	return nil
}

// clearStaleMount detaches a mount left behind by a crashed process. Such a
// mount point fails stat with ENOTCONN.
func clearStaleMount(mountpoint string) error {
	_, err := os.Stat(mountpoint)
	if err == nil || !errors.Is(err, unix.ENOTCONN) {
		return nil
	}
	logging.Warn("detaching stale mount", logging.String("mountpoint", mountpoint))
	if err := unix.Unmount(mountpoint, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach stale mount %s: %w", mountpoint, err)
	}
	return nil
}
