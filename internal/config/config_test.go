// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadRejectsMissingSourceDir(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse(nil))

	_, err := Load(v)
	require.Error(t, err)
}

func TestLoadAcceptsValidSourceDir(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse([]string{"--source-dir", t.TempDir()}))

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Threads)
	require.Equal(t, "/tmp/dpfs-mirror.sock", cfg.SocketPath)
}

func TestLoadRejectsZeroThreads(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	require.NoError(t, fs.Parse([]string{"--source-dir", t.TempDir(), "--threads", "0"}))

	_, err := Load(v)
	require.Error(t, err)
}
