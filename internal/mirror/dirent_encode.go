// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

// direntAlign pads a dirent record's total length to an 8 byte boundary,
// as the wire format requires so the following record starts aligned.
func direntAlign(n int) int {
	return (n + 7) &^ 7
}

// appendDirent appends one Dirent record (fixed header, name bytes, then
// NUL padding to the next 8 byte boundary) to dst, returning the grown
// slice and ok=false if it would not fit within limit bytes.
func appendDirent(dst []byte, limit int, d Dirent, name string) ([]byte, bool) {
	hdr := encodeStruct(&d)
	total := direntAlign(len(hdr) + len(name))
	if len(dst)+total > limit {
		return dst, false
	}
	dst = append(dst, hdr...)
	dst = append(dst, name...)
	for len(dst)%8 != 0 {
		dst = append(dst, 0)
	}
	return dst, true
}

// appendDirentPlus appends one DirEntryPlus record (EntryOut followed by
// the Dirent layout appendDirent uses) to dst.
func appendDirentPlus(dst []byte, limit int, entry EntryOut, d Dirent, name string) ([]byte, bool) {
	entryBytes := encodeStruct(&entry)
	directBytes := encodeStruct(&d)
	total := direntAlign(len(entryBytes) + len(directBytes) + len(name))
	if len(dst)+total > limit {
		return dst, false
	}
	dst = append(dst, entryBytes...)
	dst = append(dst, directBytes...)
	dst = append(dst, name...)
	for len(dst)%8 != 0 {
		dst = append(dst, 0)
	}
	return dst, true
}
