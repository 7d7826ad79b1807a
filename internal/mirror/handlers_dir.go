// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/openat"
)

// Opendir opens a directory stream for node and hands back its handle.
func (h *Handlers) Opendir(req *Request, node *Inode, out []byte) int {
	fh, err := h.Dirs.Open(node)
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	o := OpenOut{Fh: fh}
	return replySuccess(out, req.Header.Unique, encodeStruct(&o))
}

// Releasedir closes a directory stream opened by Opendir.
func (h *Handlers) Releasedir(req *Request, out []byte) int {
	var in ReleaseIn
	_ = decodeStruct(req.Body, &in)
	h.Dirs.Release(in.Fh)
	return replySuccess(out, req.Header.Unique, nil)
}

// Fsyncdir flushes a directory stream's fd.
func (h *Handlers) Fsyncdir(req *Request, out []byte) int {
	var in FsyncIn
	_ = decodeStruct(req.Body, &in)
	dh, ok := h.Dirs.Lookup(in.Fh)
	if !ok {
		return replyError(out, req.Header.Unique, ToErrno(unix.EBADF))
	}
	var err error
	if in.FsyncFlags&FsyncFdatasync != 0 {
		err = unix.Fdatasync(dh.Fd())
	} else {
		err = unix.Fsync(dh.Fd())
	}
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Readdir fills out with as many plain directory entries as fit,
// starting at the client's last offset. Reaching end of stream without
// filling the buffer is success with a short reply, not an error.
func (h *Handlers) Readdir(req *Request, node *Inode, out []byte) int {
	var in ReadIn
	_ = decodeStruct(req.Body, &in)
	dh, ok := h.Dirs.Lookup(in.Fh)
	if !ok {
		return replyError(out, req.Header.Unique, ToErrno(unix.EBADF))
	}

	node.Lock()
	defer node.Unlock()

	payload := out[SizeOfOutHeader:]
	if uint32(len(payload)) > in.Size {
		payload = payload[:in.Size]
	}
	limit := len(payload)
	body := payload[:0]

	off := in.Offset
	for {
		de, ok, err := dh.next(off)
		if err != nil {
			if len(body) == 0 {
				return replyError(out, req.Header.Unique, ToErrno(err))
			}
			break // partial success: entries already collected stand.
		}
		if !ok {
			break
		}
		d := Dirent{Ino: de.Ino, Off: de.Off, Namelen: uint32(len(de.Name)), Type: uint32(de.Type)}
		var fits bool
		body, fits = appendDirent(body, limit, d, de.Name)
		if !fits {
			break
		}
		off = de.Off
	}
	return replySuccess(out, req.Header.Unique, body)
}

// Readdirplus is Readdir plus an implicit lookup per entry: each
// returned name gains a registry entry (or reuses the existing one) and
// an nlookup reference the client is expected to later forget. If an
// entry's encoded size would overflow the reply buffer after the
// registry lookup already happened, the just-inserted (never-before-
// seen) registry entry is rolled back via an immediate zero-count forget
// rather than leaking an unreferenced entry.
func (h *Handlers) Readdirplus(req *Request, node *Inode, out []byte) int {
	var in ReadIn
	_ = decodeStruct(req.Body, &in)
	dh, ok := h.Dirs.Lookup(in.Fh)
	if !ok {
		return replyError(out, req.Header.Unique, ToErrno(unix.EBADF))
	}

	dirFd, live := node.Fd()
	if !live {
		return replyError(out, req.Header.Unique, ToErrno(unix.ENOENT))
	}

	node.Lock()
	defer node.Unlock()

	payload := out[SizeOfOutHeader:]
	if uint32(len(payload)) > in.Size {
		payload = payload[:in.Size]
	}
	limit := len(payload)
	body := payload[:0]

	off := in.Offset
	for {
		de, ok, err := dh.next(off)
		if err != nil {
			if len(body) == 0 {
				return replyError(out, req.Header.Unique, ToErrno(err))
			}
			break
		}
		if !ok {
			break
		}

		entry, d, insertedNode, fitErr := h.entryForDirent(dirFd, de)
		if fitErr != nil {
			off = de.Off
			continue // unreadable entry (e.g. raced with removal): skip, keep going
		}

		var fits bool
		body, fits = appendDirentPlus(body, limit, entry, d, de.Name)
		if !fits {
			if insertedNode != nil {
				h.Reg.Forget(insertedNode, 0)
			}
			break
		}
		if n, ok2 := h.Reg.Resolve(entry.NodeID); ok2 {
			n.addLookup()
		}
		off = de.Off
	}
	return replySuccess(out, req.Header.Unique, body)
}

// entryForDirent stats one child by name under dirFd and returns its
// wire Dirent plus the EntryOut a lookup would produce, inserting a
// registry entry for it if one does not already exist. insertedNode is
// non-nil only when a brand new registry entry was created, so the
// caller can roll it back if the reply buffer turns out to be full.
func (h *Handlers) entryForDirent(dirFd int, de rawDirent) (EntryOut, Dirent, *Inode, error) {
	d := Dirent{Ino: de.Ino, Off: de.Off, Namelen: uint32(len(de.Name)), Type: uint32(de.Type)}

	fd, err := openat.OpenatNofollow(dirFd, de.Name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return EntryOut{}, d, nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return EntryOut{}, d, nil, err
	}
	if st.Dev != h.Sess.RootDev() {
		unix.Close(fd)
		return EntryOut{}, d, nil, unix.EXDEV
	}

	node, inserted := h.Reg.GetOrInsert(st.Ino, st.Dev)
	var insertedNode *Inode
	if inserted {
		node.adopt(fd)
		insertedNode = node
	} else if _, live := node.Fd(); !live {
		node.adopt(fd)
	} else {
		unix.Close(fd)
	}

	entry := EntryOut{NodeID: node.ID(), Generation: node.Generation(), Attr: attrFromStat(&st)}
	fillTimeouts(&entry, h.Sess.Timeout)
	return entry, d, insertedNode, nil
}

// Mkdir creates a directory under parent and looks it up to build the
// reply entry.
func (h *Handlers) Mkdir(req *Request, parent *Inode, out []byte) int {
	var in MkdirIn
	_ = decodeStruct(req.Body, &in)
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	name := req.Names[0]
	if err := unix.Mkdirat(parentFd, name, in.Mode&^in.Umask); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return h.Lookup(&Request{Header: req.Header, Names: []string{name}}, parent, out)
}

// Mknod creates a regular file, device node or FIFO under parent.
func (h *Handlers) Mknod(req *Request, parent *Inode, out []byte) int {
	var in MknodIn
	_ = decodeStruct(req.Body, &in)
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	name := req.Names[0]
	if err := unix.Mknodat(parentFd, name, in.Mode&^in.Umask, int(in.Rdev)); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return h.Lookup(&Request{Header: req.Header, Names: []string{name}}, parent, out)
}

// Create atomically creates and opens a regular file, replying with both
// the entry and an open file handle.
func (h *Handlers) Create(req *Request, parent *Inode, out []byte) int {
	var in CreateIn
	_ = decodeStruct(req.Body, &in)
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	name := req.Names[0]
	flags := int(in.Flags) | unix.O_CREAT | unix.O_CLOEXEC
	fd, err := unix.Openat(parentFd, name, flags, in.Mode&^in.Umask)
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	anchor, err := openat.OpenatNofollow(parentFd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		unix.Close(fd)
		return replyError(out, req.Header.Unique, ToErrno(err))
	}

	node, inserted := h.Reg.GetOrInsert(st.Ino, st.Dev)
	if inserted {
		node.adopt(anchor)
	} else {
		unix.Close(anchor)
	}
	node.addLookup()
	node.addOpen()

	var o CreateOut
	o.Entry.NodeID = node.ID()
	o.Entry.Generation = node.Generation()
	o.Entry.Attr = attrFromStat(&st)
	fillTimeouts(&o.Entry, h.Sess.Timeout)
	o.Open.Fh = uint64(fd)
	return replySuccess(out, req.Header.Unique, encodeStruct(&o))
}

// Symlink creates a symbolic link named Names[0] under parent pointing
// at the target carried in Extra.
func (h *Handlers) Symlink(req *Request, parent *Inode, out []byte) int {
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	name := req.Names[0]
	target := nulTerminatedString(req.Extra)
	if err := unix.Symlinkat(target, parentFd, name); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return h.Lookup(&Request{Header: req.Header, Names: []string{name}}, parent, out)
}

// Readlink returns the target of the symlink node points at.
func (h *Handlers) Readlink(req *Request, node *Inode, out []byte) int {
	fd, errno := resolveLive(node)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(fd, "", buf)
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, buf[:n])
}

// Unlink removes a (non-directory) directory entry. When the session
// timeout is zero, caching is disabled and the spec calls for eager
// unlink-eligible transition of the backing inode rather than waiting
// for the last close, but only when this was the last hardlink and
// nothing still has it open: st.Nlink == 1 (this unlink drops it to
// zero) and the registry entry has no open handles. Unlinking one of
// several hardlinks, or a file someone still has open, must leave the
// live registry entry alone -- otherwise the anchor fd is closed and
// generation is bumped out from under a host inode that is still very
// much alive, breaking the (src_ino, generation) recycled-detection
// invariant for it.
func (h *Handlers) Unlink(req *Request, parent *Inode, out []byte) int {
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	name := req.Names[0]

	var st unix.Stat_t
	hadStat := unix.Fstatat(parentFd, name, &st, unix.AT_SYMLINK_NOFOLLOW) == nil

	if err := unix.Unlinkat(parentFd, name, 0); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	if hadStat && h.Sess.Timeout == 0 && st.Nlink == 1 {
		if n, ok := h.Reg.ByHostIno(st.Ino); ok && n.OpenCount() == 0 {
			n.unlinkSentinel()
		}
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Rmdir removes an empty directory entry.
func (h *Handlers) Rmdir(req *Request, parent *Inode, out []byte) int {
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	if err := unix.Unlinkat(parentFd, req.Names[0], unix.AT_REMOVEDIR); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Rename moves Names[0] from parent to Names[1] under newParent.
func (h *Handlers) Rename(req *Request, parent, newParent *Inode, out []byte) int {
	parentFd, errno := resolveLive(parent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	newParentFd, errno := resolveLive(newParent)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}
	if err := unix.Renameat(parentFd, req.Names[0], newParentFd, req.Names[1]); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

func nulTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
