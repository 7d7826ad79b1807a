// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRawDirentRecord(ino, off uint64, typ uint8, name string) []byte {
	reclen := direntAlign(direntHeaderLen + len(name) + 1)
	buf := make([]byte, reclen)
	binary.LittleEndian.PutUint64(buf[0:8], ino)
	binary.LittleEndian.PutUint64(buf[8:16], off)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(reclen))
	buf[18] = typ
	copy(buf[19:], name)
	return buf
}

func TestParseDirentSingleRecord(t *testing.T) {
	buf := buildRawDirentRecord(42, 100, 8, "file.txt")
	d, rest, ok := parseDirent(buf)
	require.True(t, ok)
	require.Empty(t, rest)
	require.Equal(t, uint64(42), d.Ino)
	require.Equal(t, uint64(100), d.Off)
	require.Equal(t, "file.txt", d.Name)
}

func TestParseDirentMultipleRecords(t *testing.T) {
	buf := append(buildRawDirentRecord(1, 10, 4, "a"), buildRawDirentRecord(2, 20, 8, "b")...)
	d1, rest, ok := parseDirent(buf)
	require.True(t, ok)
	require.Equal(t, "a", d1.Name)

	d2, rest2, ok := parseDirent(rest)
	require.True(t, ok)
	require.Empty(t, rest2)
	require.Equal(t, "b", d2.Name)
}

func TestParseDirentTruncatedBufferIsNotOk(t *testing.T) {
	_, _, ok := parseDirent([]byte{1, 2, 3})
	require.False(t, ok)
}
