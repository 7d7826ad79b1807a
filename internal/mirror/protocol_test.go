// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSplitTimeoutWholeAndFraction(t *testing.T) {
	sec, nsec := splitTimeout(1.5)
	require.Equal(t, uint64(1), sec)
	require.InDelta(t, uint32(5e8), nsec, 1)
}

func TestSplitTimeoutNegativeClampsToZero(t *testing.T) {
	sec, nsec := splitTimeout(-3)
	require.Equal(t, uint64(0), sec)
	require.Equal(t, uint32(0), nsec)
}

func TestToErrnoMapsSyscallErrno(t *testing.T) {
	require.Equal(t, Errno(-int32(unix.ENOENT)), ToErrno(unix.ENOENT))
	require.Equal(t, OK, ToErrno(nil))
}

func TestParseRequestRejectsShortBuffer(t *testing.T) {
	_, errno := ParseRequest([]byte{1, 2, 3})
	require.Equal(t, ToErrno(unix.EINVAL), errno)
}

func TestParseRequestSplitsTwoNamesForRename(t *testing.T) {
	h := InHeader{Opcode: uint32(OpRename), NodeID: RootID}
	buf := encodeStruct(&h)
	buf = append(buf, encodeStruct(&RenameIn{Newdir: 42})...)
	buf = append(buf, []byte("old.txt")...)
	buf = append(buf, 0)
	buf = append(buf, []byte("new.txt")...)
	buf = append(buf, 0)

	req, errno := ParseRequest(buf)
	require.Equal(t, OK, errno)
	require.Equal(t, []string{"old.txt", "new.txt"}, req.Names)
}

func TestDecodeBatchForgetRoundTrip(t *testing.T) {
	hdr := BatchForgetIn{Count: 2}
	body := encodeStruct(&hdr)
	extra := append(encodeStruct(&ForgetOne{NodeID: 5, Nlookup: 1}), encodeStruct(&ForgetOne{NodeID: 6, Nlookup: 2})...)

	forgets, ok := decodeBatchForget(body, extra)
	require.True(t, ok)
	require.Len(t, forgets, 2)
	require.Equal(t, uint64(5), forgets[0].NodeID)
	require.Equal(t, uint64(6), forgets[1].NodeID)
}
