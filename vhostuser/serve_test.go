// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenConcatenatesIovec(t *testing.T) {
	got := flatten([][]byte{{1, 2}, {3}, {4, 5, 6}})
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
}

func TestCopyOutScattersAcrossIovec(t *testing.T) {
	dst := [][]byte{make([]byte, 2), make([]byte, 2), make([]byte, 2)}
	n := copyOut(dst, []byte{1, 2, 3, 4, 5})
	require.Equal(t, 5, n)
	require.Equal(t, []byte{1, 2}, dst[0])
	require.Equal(t, []byte{3, 4}, dst[1])
	require.Equal(t, []byte{5, 0}, dst[2])
}

func TestLe32RoundTrip(t *testing.T) {
	buf := []byte{0x78, 0x56, 0x34, 0x12}
	require.Equal(t, uint32(0x12345678), le32(buf))
}
