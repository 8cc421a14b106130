package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/qbtfs/qbtfs/internal/config"
	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/qbt"
)

// loadCLI loads the configuration of a one-shot command.
func loadCLI(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, error) {
	cfg, _, err := config.Load(name, args, extra)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := initLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cmdLogin(args []string) error {
	cfg, err := loadCLI("login", args, nil)
	if err != nil {
		return err
	}
	defer logging.Sync()

	if cfg.Username == "" {
		fmt.Print("Username: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		cfg.Username = strings.TrimSpace(line)
	}
	if cfg.Password == "" {
		fmt.Printf("Password for %s: ", cfg.Username)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		cfg.Password = string(pw)
	}

	c, err := qbt.New(qbt.Config{
		URL:         cfg.URL,
		Username:    cfg.Username,
		Password:    cfg.Password,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Login(ctx); err != nil {
		return err
	}
	if err := qbt.SaveSession(c.Session()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Printf("Logged in to %s as %s. Session saved to %s\n", c.URL(), cfg.Username, qbt.SessionFilePath())
	return nil
}

func cmdLogout(args []string) error {
	cfg, err := loadCLI("logout", args, nil)
	if err != nil {
		return err
	}
	defer logging.Sync()

	s, err := qbt.LoadSession()
	if err != nil {
		return fmt.Errorf("no saved session: %w", err)
	}
	if s.URL != "" {
		cfg.URL = s.URL
	}
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Logout(ctx); err != nil {
		logging.Debug("server logout failed (session may already be gone)", logging.Err(err))
	}
	if err := qbt.DeleteSession(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

func cmdInfo(args []string) error {
	cfg, err := loadCLI("info", args, nil)
	if err != nil {
		return err
	}
	defer logging.Sync()

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, err := c.Version(ctx)
	if err != nil {
		return err
	}
	api, err := c.WebAPIVersion(ctx)
	if err != nil {
		return err
	}
	build, err := c.BuildInfo(ctx)
	if err != nil {
		return err
	}
	savePath, err := c.DefaultSavePath(ctx)
	if err != nil {
		return err
	}
	transfer, err := c.TransferInfo(ctx)
	if err != nil {
		return err
	}
	alt, err := c.SpeedLimitsMode(ctx)
	if err != nil {
		return err
	}
	dlLimit, err := c.DownloadLimit(ctx)
	if err != nil {
		return err
	}
	upLimit, err := c.UploadLimit(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Server:\t%s\n", c.URL())
	fmt.Fprintf(w, "Version:\t%s\n", version)
	fmt.Fprintf(w, "Web API:\t%s\n", api)
	fmt.Fprintf(w, "Build:\tQt %s, libtorrent %s, Boost %s, OpenSSL %s, %d-bit\n",
		build.Qt, build.Libtorrent, build.Boost, build.OpenSSL, build.Bitness)
	fmt.Fprintf(w, "Default save path:\t%s\n", savePath)
	fmt.Fprintf(w, "Connection:\t%s (%d DHT nodes)\n", transfer.ConnectionStatus, transfer.DHTNodes)
	fmt.Fprintf(w, "Download:\t%s/s, %s this session\n", formatBytes(transfer.DlInfoSpeed), formatBytes(transfer.DlInfoData))
	fmt.Fprintf(w, "Upload:\t%s/s, %s this session\n", formatBytes(transfer.UpInfoSpeed), formatBytes(transfer.UpInfoData))
	fmt.Fprintf(w, "Alternative limits:\t%v\n", alt)
	fmt.Fprintf(w, "Download limit:\t%s\n", formatLimit(dlLimit))
	fmt.Fprintf(w, "Upload limit:\t%s\n", formatLimit(upLimit))
	return w.Flush()
}

var listFiles bool

func listFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&listFiles, "files", "f", false, "also list the files of each torrent")
}

func cmdList(args []string) error {
	cfg, err := loadCLI("list", args, listFlags)
	if err != nil {
		return err
	}
	defer logging.Sync()

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	items, err := qbt.NewSource(c, cfg.FetchConcurrency).FetchItems(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tPROGRESS\tSTATE\tHASH")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\n",
			it.Name(), formatBytes(it.Info.Size), it.Info.Progress*100, it.Info.State, it.Hash())
		if !listFiles {
			continue
		}
		for _, f := range it.Files {
			fmt.Fprintf(w, "  %s\t%s\t%.1f%%\t%s\t\n",
				f.Name, formatBytes(f.Size), f.Progress*100, f.Priority)
		}
	}
	return w.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatLimit(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return formatBytes(n) + "/s"
}
