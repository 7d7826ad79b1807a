// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	fd, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	return NewRegistry(fd, st.Ino, st.Dev)
}

func TestGetOrInsertDedupsByHostIno(t *testing.T) {
	r := newTestRegistry(t)
	n1, inserted1 := r.GetOrInsert(123, 1)
	require.True(t, inserted1)
	n2, inserted2 := r.GetOrInsert(123, 1)
	require.False(t, inserted2)
	require.Same(t, n1, n2)
}

func TestForgetErasesAtZeroAndKeepsEntryAboveZero(t *testing.T) {
	r := newTestRegistry(t)
	n, _ := r.GetOrInsert(123, 1)
	n.addLookup()
	n.addLookup()

	r.Forget(n, 1)
	_, ok := r.Resolve(n.ID())
	require.True(t, ok, "one remaining lookup ref should keep the entry alive")

	r.Forget(n, 1)
	_, ok = r.Resolve(n.ID())
	require.False(t, ok, "last lookup ref forgotten should erase the entry")
}

func TestUnlinkSentinelThenReadoptPreservesGeneration(t *testing.T) {
	r := newTestRegistry(t)
	n, _ := r.GetOrInsert(123, 1)
	n.adopt(10)
	n.addLookup()

	n.unlinkSentinel()
	_, live := n.Fd()
	require.False(t, live)
	gen := n.Generation()
	require.Equal(t, uint64(1), gen)

	n.adopt(11)
	require.Equal(t, gen, n.Generation(), "re-adoption must not bump generation again")
	fd, live := n.Fd()
	require.True(t, live)
	require.Equal(t, 11, fd)
}

func TestRootIsPinnedAndResolvable(t *testing.T) {
	r := newTestRegistry(t)
	root, ok := r.Resolve(RootID)
	require.True(t, ok)
	require.Same(t, r.Root(), root)
}
