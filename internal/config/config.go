// Package config loads configuration from an optional YAML file,
// environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all qbtfs configuration.
type Config struct {
	// qBittorrent Web UI
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	InsecureTLS bool   `yaml:"insecure_tls"`

	// Mount
	MountPoint string `yaml:"mount_point"`
	AllowOther bool   `yaml:"allow_other"`
	FsName     string `yaml:"fs_name"`
	UID        uint32 `yaml:"uid"`
	GID        uint32 `yaml:"gid"`

	// Payload files are served from DataRoot. SavePathPrefix is the part of
	// qBittorrent's save_path that DataRoot stands for.
	DataRoot       string `yaml:"data_root"`
	SavePathPrefix string `yaml:"save_path_prefix"`

	// Refresh (0 disables a loop)
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	SyncInterval        time.Duration `yaml:"sync_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	FetchConcurrency    int           `yaml:"fetch_concurrency"`

	// Offline snapshot ("" disables it)
	SnapshotPath string `yaml:"snapshot_path"`

	// Status server ("" disables it)
	StatusAddr string `yaml:"status_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`

	Gops bool `yaml:"gops"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		URL:                 "http://localhost:8080",
		Username:            "admin",
		FsName:              "qbtfs",
		UID:                 uint32(os.Getuid()),
		GID:                 uint32(os.Getgid()),
		RefreshInterval:     30 * time.Second,
		SyncInterval:        2 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		FetchConcurrency:    8,
		SnapshotPath:        defaultSnapshotPath(),
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

func defaultSnapshotPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qbtfs", "items.snap")
}

// Load builds the configuration for a command. args are the command's
// arguments; extra registers command-specific flags and may be nil. The
// remaining positional arguments are returned.
func Load(name string, args []string, extra func(*pflag.FlagSet)) (*Config, []string, error) {
	// First pass: validate the command line and find --config.
	var path string
	first := newFlagSet(name, Default(), &path, extra)
	if err := first.Parse(args); err != nil {
		return nil, nil, err
	}
	if path == "" {
		path = os.Getenv("QBTFS_CONFIG")
	}

	cfg := Default()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, nil, err
		}
	}
	ApplyEnv(cfg)

	// Second pass: flags given on the command line win.
	fs := newFlagSet(name, cfg, &path, extra)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// FlagSet returns the flag set of a command, for usage output.
func FlagSet(name string, extra func(*pflag.FlagSet)) *pflag.FlagSet {
	var path string
	return newFlagSet(name, Default(), &path, extra)
}

func newFlagSet(name string, cfg *Config, path *string, extra func(*pflag.FlagSet)) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(path, "config", "c", "", "YAML config file (env QBTFS_CONFIG)")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "qBittorrent Web UI URL")
	fs.StringVarP(&cfg.Username, "username", "u", cfg.Username, "Web UI username")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Web UI password (prefer QBTFS_PASSWORD)")
	fs.BoolVar(&cfg.InsecureTLS, "insecure", cfg.InsecureTLS, "skip TLS certificate verification")
	fs.StringVarP(&cfg.MountPoint, "mountpoint", "m", cfg.MountPoint, "mount point")
	fs.BoolVar(&cfg.AllowOther, "allow-other", cfg.AllowOther, "allow other users to access the mount")
	fs.StringVar(&cfg.FsName, "fsname", cfg.FsName, "filesystem name shown by mount")
	fs.Uint32Var(&cfg.UID, "uid", cfg.UID, "owner uid of all entries")
	fs.Uint32Var(&cfg.GID, "gid", cfg.GID, "owner gid of all entries")
	fs.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "local directory holding the downloaded data")
	fs.StringVar(&cfg.SavePathPrefix, "save-path-prefix", cfg.SavePathPrefix, "save_path prefix that --data-root replaces")
	fs.DurationVar(&cfg.RefreshInterval, "refresh", cfg.RefreshInterval, "periodic rebuild interval (0 disables)")
	fs.DurationVar(&cfg.SyncInterval, "sync", cfg.SyncInterval, "change polling interval (0 disables)")
	fs.DurationVar(&cfg.HealthCheckInterval, "health-check", cfg.HealthCheckInterval, "reachability check interval (0 disables)")
	fs.IntVar(&cfg.FetchConcurrency, "fetch-concurrency", cfg.FetchConcurrency, "parallel per-torrent requests")
	fs.StringVar(&cfg.SnapshotPath, "snapshot", cfg.SnapshotPath, "offline snapshot file (empty disables)")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "status server listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or console")
	fs.StringVar(&cfg.LogOutput, "log-output", cfg.LogOutput, "stdout, stderr or a file path")
	fs.BoolVar(&cfg.Gops, "gops", cfg.Gops, "start the gops diagnostics agent")
	if extra != nil {
		extra(fs)
	}
	return fs
}

// LoadFile merges the YAML file at path into cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with the QBTFS_* environment variables that are
// set.
func ApplyEnv(cfg *Config) {
	cfg.URL = envOr("QBTFS_URL", cfg.URL)
	cfg.Username = envOr("QBTFS_USERNAME", cfg.Username)
	cfg.Password = envOr("QBTFS_PASSWORD", cfg.Password)
	cfg.InsecureTLS = envBool("QBTFS_INSECURE_TLS", cfg.InsecureTLS)
	cfg.MountPoint = envOr("QBTFS_MOUNTPOINT", cfg.MountPoint)
	cfg.AllowOther = envBool("QBTFS_ALLOW_OTHER", cfg.AllowOther)
	cfg.FsName = envOr("QBTFS_FSNAME", cfg.FsName)
	cfg.UID = uint32(envInt("QBTFS_UID", int(cfg.UID)))
	cfg.GID = uint32(envInt("QBTFS_GID", int(cfg.GID)))
	cfg.DataRoot = envOr("QBTFS_DATA_ROOT", cfg.DataRoot)
	cfg.SavePathPrefix = envOr("QBTFS_SAVE_PATH_PREFIX", cfg.SavePathPrefix)
	cfg.RefreshInterval = envDuration("QBTFS_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.SyncInterval = envDuration("QBTFS_SYNC_INTERVAL", cfg.SyncInterval)
	cfg.HealthCheckInterval = envDuration("QBTFS_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)
	cfg.FetchConcurrency = envInt("QBTFS_FETCH_CONCURRENCY", cfg.FetchConcurrency)
	cfg.SnapshotPath = envOr("QBTFS_SNAPSHOT", cfg.SnapshotPath)
	cfg.StatusAddr = envOr("QBTFS_STATUS_ADDR", cfg.StatusAddr)
	cfg.LogLevel = envOr("QBTFS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("QBTFS_LOG_FORMAT", cfg.LogFormat)
	cfg.LogOutput = envOr("QBTFS_LOG_OUTPUT", cfg.LogOutput)
	cfg.Gops = envBool("QBTFS_GOPS", cfg.Gops)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if c.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be an http(s) URL", c.URL)
	}
	for name, d := range map[string]time.Duration{
		"refresh":      c.RefreshInterval,
		"sync":         c.SyncInterval,
		"health-check": c.HealthCheckInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s interval must not be negative", name)
		}
	}
	if c.FetchConcurrency < 1 {
		return errors.New("fetch-concurrency must be at least 1")
	}
	return nil
}

// ValidateMount checks the settings of the mount command.
func (c *Config) ValidateMount() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.MountPoint == "" {
		return errors.New("mount point is required")
	}
	if c.SavePathPrefix != "" && c.DataRoot == "" {
		return errors.New("save-path-prefix needs data-root")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
