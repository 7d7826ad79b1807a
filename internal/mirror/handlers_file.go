// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/fallocate"
)

// Open opens a regular file handle against node's anchor via its
// /proc/self/fd path (the anchor itself is O_PATH and cannot be used for
// I/O directly). Under a negotiated writeback cache, O_APPEND is
// stripped and a write-only open is widened to read-write: the kernel's
// writeback path issues pwrite at client-tracked offsets and may need to
// read back a page it is merging, which a strictly write-only fd cannot
// satisfy.
func (h *Handlers) Open(req *Request, node *Inode, out []byte) int {
	var in OpenIn
	_ = decodeStruct(req.Body, &in)

	fd, errno := resolveLive(node)
	if errno != OK {
		return replyError(out, req.Header.Unique, errno)
	}

	flags := int(in.Flags)
	if h.Sess.WritebackCache() {
		flags &^= unix.O_APPEND
		if flags&unix.O_ACCMODE == unix.O_WRONLY {
			flags = flags&^unix.O_ACCMODE | unix.O_RDWR
		}
	}

	newFd, err := unix.Open(procFdPath(fd), flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	node.addOpen()

	o := OpenOut{Fh: uint64(newFd)}
	return replySuccess(out, req.Header.Unique, encodeStruct(&o))
}

// Release closes the regular file handle fh opened by Open and drops
// node's open-handle refcount. There is no reply payload.
func (h *Handlers) Release(req *Request, node *Inode, out []byte) int {
	var in ReleaseIn
	_ = decodeStruct(req.Body, &in)
	unix.Close(int(in.Fh))
	node.subOpen()
	return replySuccess(out, req.Header.Unique, nil)
}

// Flush runs on every close(2) of a client-side descriptor, possibly
// more than once per Open/Release pair. It closes a dup of fh rather
// than fh itself, which surfaces any error the final write-back of
// buffered data produced without actually releasing the handle.
func (h *Handlers) Flush(req *Request, out []byte) int {
	var in FlushIn
	_ = decodeStruct(req.Body, &in)
	dupFd, err := unix.Dup(int(in.Fh))
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	if err := unix.Close(dupFd); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Fsync flushes fh's data (and, unless FsyncFdatasync is set, its
// metadata) to the host storage backing it.
func (h *Handlers) Fsync(req *Request, out []byte) int {
	var in FsyncIn
	_ = decodeStruct(req.Body, &in)
	var err error
	if in.FsyncFlags&FsyncFdatasync != 0 {
		err = unix.Fdatasync(int(in.Fh))
	} else {
		err = unix.Fsync(int(in.Fh))
	}
	if err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Fallocate reserves or punches space in fh via the host fallocate(2).
func (h *Handlers) Fallocate(req *Request, out []byte) int {
	var in FallocateIn
	_ = decodeStruct(req.Body, &in)
	if err := fallocate.Fallocate(int(in.Fh), in.Mode, int64(in.Offset), int64(in.Length)); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Flock applies or releases a BSD file lock on fh, when the session
// negotiated flock support; otherwise it fails with ENOSYS so the client
// falls back to POSIX byte-range locks it tracks itself.
func (h *Handlers) Flock(req *Request, out []byte) int {
	if !h.Sess.FlockEnabled() {
		return replyError(out, req.Header.Unique, ToErrno(unix.ENOSYS))
	}
	var in FlockIn
	_ = decodeStruct(req.Body, &in)
	if err := unix.Flock(int(in.Fh), int(in.Op)); err != nil {
		return replyError(out, req.Header.Unique, ToErrno(err))
	}
	return replySuccess(out, req.Header.Unique, nil)
}

// Read submits an async read of Size bytes at Offset from fh. On
// submission success it returns errnoDeferred immediately; the engine's
// completion later fills out with the bytes actually read (short reads
// are not errors) and invokes completer. On submission failure it
// replies synchronously with the submission errno.
func (h *Handlers) Read(req *Request, out []byte, engine *AsyncEngine, completer Completer) Errno {
	var in ReadIn
	_ = decodeStruct(req.Body, &in)

	payload := out[SizeOfOutHeader:]
	if uint32(len(payload)) > in.Size {
		payload = payload[:in.Size]
	}

	unique := req.Header.Unique
	return engine.Submit(AsyncOp{
		Fh:      int(in.Fh),
		Offset:  int64(in.Offset),
		ReadBuf: payload,
		OnComplete: func(n int, err error) {
			if err != nil {
				replyError(out, unique, ToErrno(err))
				complete(completer, CompletionError)
				return
			}
			encodeOutHeader(out, unique, OK, n)
			complete(completer, CompletionSuccess)
		},
	})
}

// Write submits an async write of the request's trailing payload (Extra)
// to fh at Offset, following the same deferred-completion contract as
// Read.
func (h *Handlers) Write(req *Request, out []byte, engine *AsyncEngine, completer Completer) Errno {
	var in WriteIn
	_ = decodeStruct(req.Body, &in)

	unique := req.Header.Unique
	status := engine.Submit(AsyncOp{
		Fh:       int(in.Fh),
		Offset:   int64(in.Offset),
		IsWrite:  true,
		WriteBuf: req.Extra,
		OnComplete: func(n int, err error) {
			if err != nil {
				replyError(out, unique, ToErrno(err))
				complete(completer, CompletionError)
				return
			}
			o := WriteOut{Size: uint32(n)}
			replySuccess(out, unique, encodeStruct(&o))
			complete(completer, CompletionSuccess)
		},
	})
	return status
}
