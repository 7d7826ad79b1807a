// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dpfs-mirror serves a vhost-user virtio-fs-like device that
// mirrors a host directory tree, backed by the kernel-to-userspace
// protocol implemented in internal/mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/config"
	"github.com/stonet-research/dpfs-go/internal/dpfslog"
	"github.com/stonet-research/dpfs-go/internal/metrics"
	"github.com/stonet-research/dpfs-go/internal/mirror"
	"github.com/stonet-research/dpfs-go/vhostuser"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "dpfs-mirror",
		Short: "Serve a mirrored host directory tree over vhost-user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(root.Flags(), v)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dpfslog.Setup(cfg.LogLevel)

	rootFd, err := unix.Open(cfg.SourceDir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open source-dir: %w", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(rootFd, &st); err != nil {
		return fmt.Errorf("stat source-dir: %w", err)
	}

	reg := mirror.NewRegistry(rootFd, st.Ino, st.Dev)
	sess := mirror.NewSession(cfg.Timeout, st.Dev)
	dirs := mirror.NewDirHandleTable()
	handlers := mirror.NewHandlers(reg, sess, dirs)
	disp := mirror.NewDispatcher(handlers, cfg.Threads, cfg.UID, cfg.GID)

	logrus.WithFields(logrus.Fields{
		"source_dir":  cfg.SourceDir,
		"socket_path": cfg.SocketPath,
		"threads":     cfg.Threads,
	}).Info("dpfs-mirror starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return vhostuser.ServeMirror(gctx, cfg.SocketPath, disp)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr)
		})
	}

	err = g.Wait()
	logrus.Info("dpfs-mirror: shut down")
	_ = os.Remove(cfg.SocketPath)
	return err
}
