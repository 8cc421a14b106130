// qbtfs mounts a qBittorrent torrent list as a read-only filesystem.
//
// Sub-commands:
//
//	qbtfs mount [flags] [mountpoint]  Mount the filesystem (default)
//	qbtfs login [flags]               Log in and save the session
//	qbtfs logout [flags]              Revoke and delete the saved session
//	qbtfs info [flags]                Show server and transfer information
//	qbtfs list [-f] [flags]           List torrents, with -f their files
//
// Settings come from an optional YAML file (--config or QBTFS_CONFIG),
// QBTFS_* environment variables and flags, later sources winning.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/spf13/pflag"

	"github.com/qbtfs/qbtfs/internal/config"
	"github.com/qbtfs/qbtfs/internal/events"
	"github.com/qbtfs/qbtfs/internal/fuse"
	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/qbt"
	"github.com/qbtfs/qbtfs/internal/snapshot"
	"github.com/qbtfs/qbtfs/internal/status"
	"github.com/qbtfs/qbtfs/internal/vfs"
)

type command struct {
	run   func(args []string) error
	usage string
	extra func(*pflag.FlagSet)
}

var commands = map[string]command{
	"mount":  {run: cmdMount, usage: "mount [flags] [mountpoint]"},
	"login":  {run: cmdLogin, usage: "login [flags]"},
	"logout": {run: cmdLogout, usage: "logout [flags]"},
	"info":   {run: cmdInfo, usage: "info [flags]"},
	"list":   {run: cmdList, usage: "list [-f] [flags]", extra: listFlags},
}

func main() {
	name, args := "mount", os.Args[1:]
	if len(args) > 0 {
		if _, ok := commands[args[0]]; ok {
			name, args = args[0], args[1:]
		}
	}
	cmd := commands[name]

	if err := cmd.run(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Usage: qbtfs %s\n\n", cmd.usage)
			fmt.Fprint(os.Stderr, config.FlagSet(name, cmd.extra).FlagUsages())
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	})
}

// newClient creates a Web API client and installs the saved session when
// it belongs to the same server.
func newClient(cfg *config.Config) (*qbt.Client, error) {
	c, err := qbt.New(qbt.Config{
		URL:         cfg.URL,
		Username:    cfg.Username,
		Password:    cfg.Password,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		return nil, err
	}
	if s, err := qbt.LoadSession(); err == nil && c.SetSession(s) {
		logging.Debug("using saved session", logging.String("path", qbt.SessionFilePath()))
	}
	return c, nil
}

func cmdMount(args []string) error {
	cfg, rest, err := config.Load("mount", args, nil)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		cfg.MountPoint = rest[0]
	}
	if err := cfg.ValidateMount(); err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logging.Sync()

	if cfg.Gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			logging.Warn("could not start gops agent", logging.Err(err))
		}
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if client.Session() == nil && cfg.Password != "" {
		if err := client.Login(ctx); errors.Is(err, qbt.ErrBanned) || errors.Is(err, qbt.ErrInvalidCredentials) {
			return err
		} else if err != nil {
			logging.Warn("login failed", logging.Err(err))
		}
	}

	logging.Info("qbtfs starting",
		logging.String("server", client.URL()),
		logging.String("mountpoint", cfg.MountPoint),
		logging.String("data_root", cfg.DataRoot),
	)

	bus := events.NewBroadcaster()
	v := vfs.New(vfs.Config{
		UID:                 cfg.UID,
		GID:                 cfg.GID,
		DataRoot:            cfg.DataRoot,
		SavePathPrefix:      cfg.SavePathPrefix,
		RefreshInterval:     cfg.RefreshInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, qbt.NewSource(client, cfg.FetchConcurrency), bus)

	var store *snapshot.Store
	if cfg.SnapshotPath != "" {
		store = snapshot.NewStore(cfg.SnapshotPath, client.URL())
		v.OnSwap(store.OnSwap)
	}

	if _, err := v.Rebuild(ctx); err != nil {
		if store == nil {
			return fmt.Errorf("initial fetch: %w", err)
		}
		if _, serr := v.RebuildFrom(ctx, store, vfs.OriginSnapshot); serr != nil {
			return fmt.Errorf("initial fetch: %w (snapshot: %v)", err, serr)
		}
		logging.Warn("qBittorrent unreachable, serving the offline snapshot", logging.Err(err))
	}

	bridge := fuse.New(v)
	server, err := fuse.Mount(bridge, fuse.MountOptions{
		Mountpoint: cfg.MountPoint,
		FsName:     cfg.FsName,
		AllowOther: cfg.AllowOther,
	})
	if err != nil {
		return err
	}

	v.StartRefreshLoop(ctx)
	if cfg.SyncInterval > 0 {
		v.Watch(ctx, qbt.NewWatcher(client, cfg.SyncInterval).Watch(ctx))
	}
	v.StartHealthCheck(ctx, client)

	var statusServer *status.Server
	if cfg.StatusAddr != "" {
		statusServer = status.New(v, client, bus)
		if err := statusServer.Start(cfg.StatusAddr); err != nil {
			logging.Error("status server disabled", logging.Err(err))
			statusServer = nil
		}
	}

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	logging.Info("press Ctrl+C to unmount and exit")
wait:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("SIGHUP received, rebuilding")
				go v.Rebuild(ctx)
			case syscall.SIGUSR1:
				toggleDebug(cfg.LogLevel)
			default:
				logging.Info("unmounting", logging.String("signal", sig.String()))
				break wait
			}
		case <-unmounted:
			logging.Warn("filesystem was unmounted externally")
			break wait
		}
	}

	cancel()
	v.Close()
	if statusServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		statusServer.Shutdown(shutdownCtx)
		done()
	}
	select {
	case <-unmounted:
	default:
		if err := fuse.Unmount(server, cfg.MountPoint); err != nil {
			return err
		}
	}
	logging.Info("done")
	return nil
}

// toggleDebug switches between debug logging and the configured level.
func toggleDebug(configured string) {
	next := "debug"
	if logging.Level() == "debug" {
		next = configured
		if next == "debug" {
			next = "info"
		}
	}
	logging.SetLevel(next)
	logging.Info("log level changed", logging.String("level", next))
}
