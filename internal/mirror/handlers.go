// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/openat"
)

// Handlers is C5: the operation handlers, closed over the registry,
// session and directory handle table they share. One Handlers serves all
// poll threads; per-thread state (async engines) is passed in per call
// rather than stored here.
type Handlers struct {
	Reg  *Registry
	Sess *Session
	Dirs *DirHandleTable

	uidWarnOnce sync.Once
}

// NewHandlers builds the C5 handler set over an already-initialized
// registry, session and directory handle table.
func NewHandlers(reg *Registry, sess *Session, dirs *DirHandleTable) *Handlers {
	return &Handlers{Reg: reg, Sess: sess, Dirs: dirs}
}

// resolveLive fetches node's current fd, replying ENOENT if it has been
// unlinked past recovery (the registry entry exists -- nlookup pins it --
// but its host path is gone and no re-adoption has happened).
func resolveLive(n *Inode) (fd int, errno Errno) {
	fd, live := n.Fd()
	if !live {
		return 0, ToErrno(unix.ENOENT)
	}
	return fd, OK
}

// Init negotiates capabilities and switches the process credentials,
// mirroring fuser_mirror_init's one-time behavior: export support,
// flock passthrough and writeback caching are each enabled only when the
// peer actually offers them (writeback additionally requires a nonzero
// session timeout); splice is always disabled, since there is no splice
// transport here. If the init header carries a nonzero uid/gid, the
// process switches to those credentials; if it carries neither, and no
// administrator-configured rootUID/rootGID override is set either, the
// server keeps running as its real credentials and logs that fact
// exactly once rather than on every init.
func (h *Handlers) Init(req *Request, out []byte, rootUID, rootGID uint32) int {
	var in InitIn
	_ = decodeStruct(req.Body, &in)

	uid, gid := req.Header.UID, req.Header.GID
	if uid == 0 && gid == 0 {
		uid, gid = rootUID, rootGID
	}
	if uid == 0 && gid == 0 {
		h.uidWarnOnce.Do(func() {
			logrus.Warn("init: no uid/gid supplied, running as the process's real credentials")
		})
	} else {
		if err := unix.Setgid(int(gid)); err != nil {
			logrus.WithError(err).Error("init: setgid failed")
		}
		if err := unix.Setuid(int(uid)); err != nil {
			logrus.WithError(err).Error("init: setuid failed")
		}
	}

	var want uint64
	if uint64(in.Flags)&CapExportSupport != 0 {
		want |= CapExportSupport
	}
	if uint64(in.Flags)&CapFlockLocks != 0 {
		want |= CapFlockLocks
	}
	if h.Sess.Timeout > 0 && uint64(in.Flags)&CapWritebackCache != 0 {
		want |= CapWritebackCache
	}
	h.Sess.negotiate(want, uid, gid)

	o := InitOut{
		Major:               in.Major,
		Minor:               in.Minor,
		MaxReadahead:        in.MaxReadahead,
		Flags:               uint32(want),
		MaxBackground:       64,
		CongestionThreshold: 48,
		MaxWrite:            1 << 20,
		TimeGran:            1,
		MaxPages:            256,
	}
	return replySuccess(out, req.Header.Unique, encodeStruct(&o))
}

// Lookup resolves a name under parent to a registry entry, opening a
// path-only (O_PATH) anchor fd via the no-follow-symlink helper. ENOENT
// is promoted to a cacheable negative entry rather than an error, per
// §4.5. A host inode on a different device than the mirrored root is
// rejected with ENOTSUP, and one that collides with RootID with EIO,
// rather than silently aliased.
func (h *Handlers) Lookup(req *Request, parent *Inode, out []byte) int {
	name := req.Names[0]
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}

	fd, err := openat.OpenatNofollow(parentFd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		if err == unix.ENOENT {
			return replySuccess(out, req.Header.Unique, encodeStruct(negativeEntry(h.Sess.Timeout)))
		}
		return replyError(out, req.Header.Unique, ToErrno(err))
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return replyError(out, req.Header.Unique, ToErrno(err))
	}

	if st.Dev != h.Sess.RootDev() {
		logrus.WithFields(logrus.Fields{"name": name, "dev": st.Dev}).Warn("lookup: crossed device, rejecting")
		unix.Close(fd)
		return replyError(out, req.Header.Unique, ToErrno(unix.ENOTSUP))
	}
	if st.Ino == RootID {
		logrus.WithField("name", name).Error("lookup: host inode collides with the reserved root id")
		unix.Close(fd)
		return replyError(out, req.Header.Unique, ToErrno(unix.EIO))
	}

	node, inserted := h.Reg.GetOrInsert(st.Ino, st.Dev)
	if inserted {
		node.adopt(fd)
	} else if _, live := node.Fd(); !live {
		// unlinked sentinel: re-adopt without bumping generation.
		node.adopt(fd)
	} else {
		unix.Close(fd)
	}
	node.addLookup()

	entry := EntryOut{
		NodeID:     node.ID(),
		Generation: node.Generation(),
		Attr:       attrFromStat(&st),
	}
	fillTimeouts(&entry, h.Sess.Timeout)
	return replySuccess(out, req.Header.Unique, encodeStruct(&entry))
}

// Forget drops nlookup references for a single inode. It has no reply:
// the caller (dispatch) must not send a response for this opcode.
func (h *Handlers) Forget(req *Request, node *Inode) {
	var in ForgetIn
	_ = decodeStruct(req.Body, &in)
	h.Reg.Forget(node, in.Nlookup)
}

// BatchForget applies a list of (node, nlookup) drops in one request.
func (h *Handlers) BatchForget(req *Request) {
	forgets, ok := decodeBatchForget(req.Body, req.Extra)
	if !ok {
		return
	}
	for _, f := range forgets {
		if n, ok := h.Reg.Resolve(f.NodeID); ok {
			h.Reg.Forget(n, f.Nlookup)
		}
	}
}

// Getattr reports current attributes by stat'ing the node's anchor fd. A
// file handle carried in the request is not used.
func (h *Handlers) Getattr(req *Request, node *Inode, out []byte) int {
	fd, errno := resolveLive(node)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	var a AttrOut
	a.Attr = attrFromStat(&st)
	fillAttrTimeout(&a, h.Sess.Timeout)
	return replySuccess(out, req.Header.Unique, encodeStruct(&a))
}

// Setattr applies the bitmask-selected fields in in to node: mode,
// ownership, size (truncate), and either explicit or "now" timestamps.
// When SetattrFh is set, in.Fh already names an open regular-file
// descriptor and mode, ownership and size are applied directly to it
// (Fchmod, Fchown, Ftruncate), while timestamps are set through its
// /proc/self/fd path with UtimesNanoAt. Otherwise node's anchor is an O_PATH descriptor,
// which fchmod(2)/fchown(2)/ftruncate(2) reject with EBADF, so those
// changes instead go through /proc/self/fd/<anchor>: Chmod and Truncate
// operate on that resolved path, and ownership uses Fchownat with
// AT_EMPTY_PATH against the anchor fd directly (avoiding a second path
// resolution and any race with a concurrent rename). This mirrors
// mirror_impl.c's split between the fh-present and anchor-only cases.
func (h *Handlers) Setattr(req *Request, node *Inode, out []byte) int {
	var in SetattrIn
	_ = decodeStruct(req.Body, &in)

	fd, errno := resolveLive(node)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	byHandle := in.Valid&SetattrFh != 0

	if in.Valid&SetattrMode != 0 {
		var err error
		if byHandle {
			err = unix.Fchmod(int(in.Fh), in.Mode)
		} else {
			err = unix.Chmod(procFdPath(fd), in.Mode)
		}
		if err != nil {
			return replyError(out, req.Header.Unique, ToErrno(err))
		}
	}
	if in.Valid&(SetattrUID|SetattrGID) != 0 {
		uid, gid := -1, -1
		if in.Valid&SetattrUID != 0 {
			uid = int(in.UID)
		}
		if in.Valid&SetattrGID != 0 {
			gid = int(in.GID)
		}
		var err error
		if byHandle {
			err = unix.Fchown(int(in.Fh), uid, gid)
		} else {
			err = unix.Fchownat(fd, "", uid, gid, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW)
		}
		if err != nil {
			return replyError(out, req.Header.Unique, ToErrno(err))
		}
	}
	if in.Valid&SetattrSize != 0 {
		var err error
		if byHandle {
			err = unix.Ftruncate(int(in.Fh), int64(in.Size))
		} else {
			err = unix.Truncate(procFdPath(fd), int64(in.Size))
		}
		if err != nil {
			return replyError(out, req.Header.Unique, ToErrno(err))
		}
	}
	if in.Valid&(SetattrAtime|SetattrMtime|SetattrAtimeNow|SetattrMtimeNow) != 0 {
		ts := [2]unix.Timespec{{Sec: 0, Nsec: unix.UTIME_OMIT}, {Sec: 0, Nsec: unix.UTIME_OMIT}}
		if in.Valid&SetattrAtimeNow != 0 {
			ts[0].Nsec = unix.UTIME_NOW
		} else if in.Valid&SetattrAtime != 0 {
			ts[0] = unix.NsecToTimespec(int64(in.Atime)*1e9 + int64(in.Atimensec))
		}
		if in.Valid&SetattrMtimeNow != 0 {
			ts[1].Nsec = unix.UTIME_NOW
		} else if in.Valid&SetattrMtime != 0 {
			ts[1] = unix.NsecToTimespec(int64(in.Mtime)*1e9 + int64(in.Mtimensec))
		}
		targetFd := fd
		if byHandle {
			targetFd = int(in.Fh)
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, procFdPath(targetFd), ts[:], 0); err != nil {
			return replyError(out, req.Header.Unique, ToErrno(err))
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	var a AttrOut
	a.Attr = attrFromStat(&st)
	fillAttrTimeout(&a, h.Sess.Timeout)
	return replySuccess(out, req.Header.Unique, encodeStruct(&a))
}

// Statfs reports filesystem-level capacity/usage statistics for node's
// underlying mount.
func (h *Handlers) Statfs(req *Request, node *Inode, out []byte) int {
	fd, errno := resolveLive(node)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	k := KStatfs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		Namelen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}
	return replySuccess(out, req.Header.Unique, encodeStruct(&k))
}

// Access checks the requested permission mask against node's attributes
// using the credentials the server negotiated at init (this server runs
// single-user, so access is evaluated host-side via faccessat rather
// than per-request uid/gid checks).
func (h *Handlers) Access(req *Request, node *Inode, out []byte) int {
	var in AccessIn
	_ = decodeStruct(req.Body, &in)
	fd, errno := resolveLive(node)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	path := procFdPath(fd)
	if err := unix.Access(path, in.Mask); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

func procFdPath(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}
