// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Errno is a request result: zero on success, otherwise a negative errno
// value exactly as it will be placed in the response header's error
// field. It also doubles as the "deferred" sentinel via IsDeferred.
type Errno int32

const errnoDeferred Errno = math.MinInt32

// OK is the zero-value success result.
const OK Errno = 0

// IsDeferred reports whether this result means "the handler submitted an
// async op; a later completion callback will supply the real result",
// i.e. the transport-facing EWOULDBLOCK sentinel from §6.
func (e Errno) IsDeferred() bool { return e == errnoDeferred }

// ToErrno converts a host syscall error into the wire representation
// (negative errno), or OK for a nil error.
func ToErrno(err error) Errno {
	if err == nil {
		return OK
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return Errno(-int32(errno))
	}
	return Errno(-int32(unix.EIO))
}

// inputSizes gives the minimum body length, beyond the fixed InHeader, that
// each opcode requires. Opcodes carrying a trailing NUL-terminated name
// (lookup, symlink, mknod, mkdir, create, unlink, rmdir, rename) are validated separately
// in ParseRequest because their minimum body size also depends on the name
// length.
var inputSizes = map[Opcode]int{
	OpForget:      int(unsafe.Sizeof(ForgetIn{})),
	OpBatchForget: int(unsafe.Sizeof(BatchForgetIn{})),
	OpGetattr:     int(unsafe.Sizeof(GetattrIn{})),
	OpSetattr:     int(unsafe.Sizeof(SetattrIn{})),
	OpMknod:       int(unsafe.Sizeof(MknodIn{})),
	OpMkdir:       int(unsafe.Sizeof(MkdirIn{})),
	OpRename:      int(unsafe.Sizeof(RenameIn{})),
	OpOpen:        int(unsafe.Sizeof(OpenIn{})),
	OpRead:        int(unsafe.Sizeof(ReadIn{})),
	OpWrite:       int(unsafe.Sizeof(WriteIn{})),
	OpRelease:     int(unsafe.Sizeof(ReleaseIn{})),
	OpFsync:       int(unsafe.Sizeof(FsyncIn{})),
	OpFsyncdir:    int(unsafe.Sizeof(FsyncIn{})),
	OpFlush:       int(unsafe.Sizeof(FlushIn{})),
	OpInit:        int(unsafe.Sizeof(InitIn{})),
	OpOpendir:     int(unsafe.Sizeof(OpenIn{})),
	OpReaddir:     int(unsafe.Sizeof(ReadIn{})),
	OpReaddirplus: int(unsafe.Sizeof(ReadIn{})),
	OpReleasedir:  int(unsafe.Sizeof(ReleaseIn{})),
	OpAccess:      int(unsafe.Sizeof(AccessIn{})),
	OpCreate:      int(unsafe.Sizeof(CreateIn{})),
	OpFallocate:   int(unsafe.Sizeof(FallocateIn{})),
	OpFlock:       int(unsafe.Sizeof(FlockIn{})),
}

// opcodesWithOneName are opcodes whose body is a fixed struct followed by
// exactly one NUL-terminated name.
var opcodesWithOneName = map[Opcode]bool{
	OpLookup: true, OpMknod: true, OpMkdir: true, OpCreate: true, OpSymlink: true,
	OpUnlink: true, OpRmdir: true,
}

// opcodesWithTwoNames is Rename: old name then new name, both NUL-terminated.
var opcodesWithTwoNames = map[Opcode]bool{OpRename: true}

// Request is a fully decoded incoming request: the header, the
// opcode-typed body (still as raw bytes; handlers cast via binary.Read or
// direct struct overlay), and any trailing name(s).
type Request struct {
	Header InHeader
	Opcode Opcode
	Body   []byte // fixed-size body, opcode-typed
	Names  []string
	Extra  []byte // trailing variable-length payload (write buffer, setxattr value, ...)
}

// ParseRequest validates and decodes a request from a single flattened
// input buffer (the caller has already concatenated the input iovec). It
// enforces: a well-formed InHeader, the opcode's minimum body length, and
// that trailing names are NUL-terminated. It does NOT resolve the inode id
// against a registry; callers do that afterward (root is always valid;
// anything else must come from Registry.Resolve).
func ParseRequest(buf []byte) (*Request, Errno) {
	if len(buf) < SizeOfInHeader {
		return nil, ToErrno(unix.EINVAL)
	}
	var h InHeader
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, ToErrno(unix.EINVAL)
	}
	op := Opcode(h.Opcode)
	rest := buf[SizeOfInHeader:]

	req := &Request{Header: h, Opcode: op}

	switch {
	case opcodesWithTwoNames[op]:
		minSize := inputSizeFor(op)
		if len(rest) < minSize {
			return nil, ToErrno(unix.EINVAL)
		}
		req.Body = rest[:minSize]
		names, ok := splitNulNames(rest[minSize:], 2)
		if !ok {
			return nil, ToErrno(unix.EINVAL)
		}
		req.Names = names
	case opcodesWithOneName[op]:
		minSize := inputSizeFor(op)
		if len(rest) < minSize {
			return nil, ToErrno(unix.EINVAL)
		}
		req.Body = rest[:minSize]
		names, ok := splitNulNames(rest[minSize:], 1)
		if !ok {
			return nil, ToErrno(unix.EINVAL)
		}
		req.Names = names
		req.Extra = rest[minSize+len(names[0])+1:]
	default:
		minSize := inputSizeFor(op)
		if len(rest) < minSize {
			return nil, ToErrno(unix.EINVAL)
		}
		req.Body = rest[:minSize]
		req.Extra = rest[minSize:]
	}

	return req, OK
}

func inputSizeFor(op Opcode) int {
	if n, ok := inputSizes[op]; ok {
		return n
	}
	return 0
}

// splitNulNames splits buf into exactly want NUL-terminated strings. It
// returns ok=false if fewer than want NUL bytes are found.
func splitNulNames(buf []byte, want int) ([]string, bool) {
	names := make([]string, 0, want)
	for i := 0; i < want; i++ {
		idx := bytes.IndexByte(buf, 0)
		if idx < 0 {
			return nil, false
		}
		names = append(names, string(buf[:idx]))
		buf = buf[idx+1:]
	}
	return names, true
}

// splitTimeout splits a floating point seconds value into whole seconds
// and a nanosecond remainder, losslessly for the sub-second part, as
// required by the EntryOut/AttrOut wire encoding.
func splitTimeout(timeout float64) (sec uint64, nsec uint32) {
	if timeout < 0 {
		timeout = 0
	}
	whole := math.Floor(timeout)
	frac := timeout - whole
	return uint64(whole), uint32(frac * 1e9)
}

// fillTimeouts stamps both the entry and attr cache timeouts on an
// EntryOut from a single session timeout value.
func fillTimeouts(e *EntryOut, timeout float64) {
	sec, nsec := splitTimeout(timeout)
	e.EntryValid, e.EntryValidNsec = sec, nsec
	e.AttrValid, e.AttrValidNsec = sec, nsec
}

func fillAttrTimeout(a *AttrOut, timeout float64) {
	sec, nsec := splitTimeout(timeout)
	a.AttrValid, a.AttrValidNsec = sec, nsec
}

// negativeEntry fills out a cacheable "no such entry" reply: ino 0, with
// the entry timeout set so the client may cache the miss. This is not an
// error: ENOENT on lookup is promoted to this reply, per §4.5.
func negativeEntry(timeout float64) EntryOut {
	var e EntryOut
	fillTimeouts(&e, timeout)
	return e
}

// attrFromStat fills Attr from a host stat_t.
func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     uint64(st.Atim.Sec),
		Mtime:     uint64(st.Mtim.Sec),
		Ctime:     uint64(st.Ctim.Sec),
		Atimensec: uint32(st.Atim.Nsec),
		Mtimensec: uint32(st.Mtim.Nsec),
		Ctimensec: uint32(st.Ctim.Nsec),
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Rdev:      uint32(st.Rdev),
		Blksize:   uint32(st.Blksize),
	}
}

// encodeOutHeader writes the fixed response header into dst[:SizeOfOutHeader].
func encodeOutHeader(dst []byte, unique uint64, status Errno, payloadLen int) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(SizeOfOutHeader+payloadLen))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(int32(status)))
	binary.LittleEndian.PutUint64(dst[8:16], unique)
}

// encodeStruct serializes a fixed-layout struct in little-endian wire
// order into a freshly allocated byte slice.
func encodeStruct(v interface{}) []byte {
	buf := new(bytes.Buffer)
	// binary.Write cannot fail for the fixed-size structs used here.
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// decodeStruct reads a fixed-layout struct out of a byte slice.
func decodeStruct(b []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// decodeBatchForget parses the fixed header plus trailing ForgetOne
// records carried in extra for a batch_forget request.
func decodeBatchForget(body, extra []byte) ([]ForgetOne, bool) {
	var hdr BatchForgetIn
	if err := decodeStruct(body, &hdr); err != nil {
		return nil, false
	}
	recSize := int(unsafe.Sizeof(ForgetOne{}))
	if len(extra) < int(hdr.Count)*recSize {
		return nil, false
	}
	forgets := make([]ForgetOne, hdr.Count)
	for i := range forgets {
		if err := decodeStruct(extra[i*recSize:(i+1)*recSize], &forgets[i]); err != nil {
			return nil, false
		}
	}
	return forgets, true
}
