// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

// replySuccess writes a success reply (header + body) into out and
// returns the total length written. The caller guarantees out is large
// enough; the transport passes every request a reply buffer of one
// fixed size (see vhostuser's replyBufSize).
func replySuccess(out []byte, unique uint64, body []byte) int {
	encodeOutHeader(out, unique, OK, len(body))
	copy(out[SizeOfOutHeader:], body)
	return SizeOfOutHeader + len(body)
}

// replyError writes a header-only error reply and returns its length.
func replyError(out []byte, unique uint64, errno Errno) int {
	encodeOutHeader(out, unique, errno, 0)
	return SizeOfOutHeader
}
