// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import "unsafe"

// Opcode identifies a request type in the kernel-to-userspace filesystem
// protocol. Numeric values match the wire protocol and must not be
// renumbered.
type Opcode uint32

const (
	OpLookup      Opcode = 1
	OpForget      Opcode = 2
	OpGetattr     Opcode = 3
	OpSetattr     Opcode = 4
	OpReadlink    Opcode = 5
	OpSymlink     Opcode = 6
	OpMknod       Opcode = 8
	OpMkdir       Opcode = 9
	OpUnlink      Opcode = 10
	OpRmdir       Opcode = 11
	OpRename      Opcode = 12
	OpOpen        Opcode = 14
	OpRead        Opcode = 15
	OpWrite       Opcode = 16
	OpStatfs      Opcode = 17
	OpRelease     Opcode = 18
	OpFsync       Opcode = 20
	OpFlush       Opcode = 25
	OpInit        Opcode = 26
	OpOpendir     Opcode = 27
	OpReaddir     Opcode = 28
	OpReleasedir  Opcode = 29
	OpFsyncdir    Opcode = 30
	OpAccess      Opcode = 34
	OpCreate      Opcode = 35
	OpDestroy     Opcode = 38
	OpFallocate   Opcode = 43
	OpReaddirplus Opcode = 44
	OpFlock       Opcode = 48
	OpBatchForget Opcode = 42
)

// RootID is the reserved protocol inode id for the mirrored tree's root.
// A host inode that itself resolves to this numeric value is rejected, per
// the spec's FUSE_ROOT_ID collision invariant.
const RootID uint64 = 1

// Capability bits negotiated during init. Init builds its reply mask by
// selectively OR-ing in the bits below when the peer offers them (never by
// masking bits out of the offered flags), so the splice bits are named here
// for documentation and are never added to that mask: this transport has no
// splice path and always disables them.
const (
	CapExportSupport  uint64 = 1 << 4
	CapSpliceWrite    uint64 = 1 << 7
	CapSpliceMove     uint64 = 1 << 8
	CapSpliceRead     uint64 = 1 << 9
	CapFlockLocks     uint64 = 1 << 10
	CapWritebackCache uint64 = 1 << 16
)

// InHeader is the fixed-size header that begins every request.
type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

// OutHeader is the fixed-size header that begins every reply.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

var SizeOfOutHeader = int(unsafe.Sizeof(OutHeader{}))
var SizeOfInHeader = int(unsafe.Sizeof(InHeader{}))

// Attr mirrors the protocol's struct stat replacement.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

// EntryOut is the reply body for lookup/create/mkdir/mknod/symlink: an
// inode id, its generation, both cache timeouts (split into seconds plus
// nanosecond remainder), and the attributes.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

// AttrOut is the reply body for getattr/setattr.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Padding       uint32
	Attr          Attr
}

// KStatfs is the reply body for statfs.
type KStatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type ForgetIn struct {
	Nlookup uint64
}

type ForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

// BatchForgetIn is the fixed-size header preceding Count trailing
// ForgetOne records (parsed separately; a slice field here would not
// reflect the wire layout).
type BatchForgetIn struct {
	Count uint32
	Dummy uint32
}

type GetattrIn struct {
	Flags uint32
	Dummy uint32
	Fh    uint64
}

// SetAttr valid-bitmask bits, per the protocol.
const (
	SetattrMode      uint32 = 1 << 0
	SetattrUID       uint32 = 1 << 1
	SetattrGID       uint32 = 1 << 2
	SetattrSize      uint32 = 1 << 3
	SetattrAtime     uint32 = 1 << 4
	SetattrMtime     uint32 = 1 << 5
	SetattrFh        uint32 = 1 << 6
	SetattrAtimeNow  uint32 = 1 << 7
	SetattrMtimeNow  uint32 = 1 << 8
	SetattrLockOwner uint32 = 1 << 9
)

type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Unused2   uint64
	Atimensec uint32
	Mtimensec uint32
	Unused3   uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

type MknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
}

type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

type RenameIn struct {
	Newdir uint64
}

type OpenIn struct {
	Flags  uint32
	Unused uint32
}

const (
	OpenOutDirectIO   uint32 = 1 << 0
	OpenOutKeepCache  uint32 = 1 << 1
	OpenOutNonseekable uint32 = 1 << 2
)

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type CreateIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
}

type CreateOut struct {
	Entry EntryOut
	Open  OpenOut
}

type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

const ReleaseFlush uint32 = 1 << 0

type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

type WriteOut struct {
	Size    uint32
	Padding uint32
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

const FsyncFdatasync uint32 = 1 << 0

type AccessIn struct {
	Mask    uint32
	Padding uint32
}

type FallocateIn struct {
	Fh      uint64
	Offset  uint64
	Length  uint64
	Mode    uint32
	Padding uint32
}

type FlockIn struct {
	Fh        uint64
	LockOwner uint64
	Op        uint32
	Padding   uint32
}

// InitIn/InitOut negotiate the session's capability set at mount time.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	Padding             uint16
	Unused              [8]uint32
}

// Dirent is one readdir entry, as laid out on the wire (name bytes follow,
// NUL-padded to an 8 byte boundary; encoding is handled in dirent_encode.go).
type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

// DirEntryPlus is the readdir-plus reply element: a Dirent plus the full
// EntryOut a lookup of that name would have produced.
type DirEntryPlus struct {
	Entry  EntryOut
	Dirent Dirent
}
