// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the mirror server's configuration from flags and
// environment variables, via viper. It reads no config file itself; Load
// sees one only if the caller has already loaded it into the viper
// instance.
package config

import (
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the mirror server needs to start serving.
type Config struct {
	// SourceDir is the host directory tree to mirror.
	SourceDir string `mapstructure:"source-dir"`
	// SocketPath is the vhost-user UNIX domain socket to listen on.
	SocketPath string `mapstructure:"socket-path"`
	// Threads is the number of poll threads (and async engines) to run.
	Threads int `mapstructure:"threads"`
	// Timeout is the entry/attribute cache validity, in seconds. Zero
	// disables caching and switches to eager unlink-before-release.
	Timeout float64 `mapstructure:"timeout"`
	// UID/GID are the credentials init switches to when the init header
	// carries none; zero/zero means "keep the process's real credentials".
	UID uint32 `mapstructure:"uid"`
	GID uint32 `mapstructure:"gid"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `mapstructure:"log-level"`
	// MetricsAddr, if non-empty, serves Prometheus metrics on this
	// address (e.g. ":9100").
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// BindFlags registers this Config's fields onto fs and binds them into
// v, so flags, an optional config file viper already loaded, and
// DPFS_-prefixed environment variables all resolve into the same keys.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("source-dir", "", "host directory to mirror (required)")
	fs.String("socket-path", "/tmp/dpfs-mirror.sock", "vhost-user UNIX domain socket path")
	fs.Int("threads", 4, "number of poll threads / async engines")
	fs.Float64("timeout", 1.0, "entry and attribute cache timeout, in seconds (0 disables caching)")
	fs.Uint32("uid", 0, "uid to run as when init supplies none (0: keep the process's real credentials)")
	fs.Uint32("gid", 0, "gid to run as when init supplies none (0: keep the process's real credentials)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")

	_ = v.BindPFlags(fs)
	v.SetEnvPrefix("dpfs")
	v.AutomaticEnv()
}

// Load unmarshals the bound viper state into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("config: source-dir is required")
	}
	info, err := os.Stat(c.SourceDir)
	if err != nil {
		return fmt.Errorf("config: source-dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: source-dir %q is not a directory", c.SourceDir)
	}
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket-path is required")
	}
	if c.Threads < 1 {
		return fmt.Errorf("config: threads must be at least 1, got %d", c.Threads)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must not be negative")
	}
	if err := rejectNetworkFilesystem(c.SourceDir); err != nil {
		return err
	}
	return nil
}

// rejectNetworkFilesystem refuses to mirror a network-backed tree: the
// registry's O_PATH anchors and openat2 RESOLVE_NO_SYMLINKS lookups
// assume local, stable inode numbers, which NFS does not reliably give.
func rejectNetworkFilesystem(dir string) error {
	infos, err := mountinfo.GetMounts(mountinfo.ParentsFilter(dir))
	if err != nil {
		// Best-effort: an unreadable mount table isn't fatal on its own.
		return nil
	}
	for _, info := range infos {
		if info.FSType == "nfs" || info.FSType == "nfs4" || info.FSType == "cifs" {
			return fmt.Errorf("config: source-dir %q is on a %s mount, which is not supported", dir, info.FSType)
		}
	}
	return nil
}
