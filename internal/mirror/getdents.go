// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import "encoding/binary"

// linux_dirent64 layout, as filled in by getdents64(2):
//
//	uint64 d_ino
//	int64  d_off
//	uint16 d_reclen
//	uint8  d_type
//	char   d_name[]   (NUL-terminated, record padded to d_reclen)
const direntHeaderLen = 19

// parseDirent consumes one linux_dirent64 record from the front of buf and
// returns it plus the remaining bytes. ok is false if buf is too short to
// hold a full record (the caller should treat that as end of buffer).
func parseDirent(buf []byte) (d rawDirent, rest []byte, ok bool) {
	if len(buf) < direntHeaderLen {
		return rawDirent{}, nil, false
	}
	reclen := binary.LittleEndian.Uint16(buf[16:18])
	if int(reclen) > len(buf) || reclen < direntHeaderLen {
		return rawDirent{}, nil, false
	}

	ino := binary.LittleEndian.Uint64(buf[0:8])
	off := binary.LittleEndian.Uint64(buf[8:16])
	typ := buf[18]

	nameBytes := buf[direntHeaderLen:reclen]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}

	d = rawDirent{Ino: ino, Off: off, Type: typ, Name: string(nameBytes[:n])}
	return d, buf[reclen:], true
}
