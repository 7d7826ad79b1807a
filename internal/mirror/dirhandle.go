// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DirHandle wraps a host directory stream opened against "." under an
// inode's O_PATH anchor, plus the d_off of the last entry handed to the
// client. It is owned by exactly one opendir'd handle and destroyed on
// releasedir.
type DirHandle struct {
	owner *Inode
	fd    int

	buf    []byte
	todo   []byte
	offset uint64
}

// DirHandleTable hands out integer file-handle values for open directory
// streams and tracks them until released. The client echoes the handle
// value on readdir/releasedir/fsyncdir; the server trusts it.
type DirHandleTable struct {
	mu      sync.Mutex
	handles map[uint64]*DirHandle
	next    uint64
}

func NewDirHandleTable() *DirHandleTable {
	return &DirHandleTable{handles: make(map[uint64]*DirHandle)}
}

// Open opens a directory stream for owner (via openat(owner.fd, ".", ...))
// and registers it, returning the handle value to echo back to the
// client.
func (t *DirHandleTable) Open(owner *Inode) (uint64, error) {
	ownerFd, live := owner.Fd()
	if !live {
		return 0, unix.ENOENT
	}
	fd, err := unix.Openat(ownerFd, ".", unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	dh := &DirHandle{owner: owner, fd: fd, buf: make([]byte, 64*1024)}

	fh := atomic.AddUint64(&t.next, 1)
	t.mu.Lock()
	t.handles[fh] = dh
	t.mu.Unlock()
	return fh, nil
}

func (t *DirHandleTable) Lookup(fh uint64) (*DirHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dh, ok := t.handles[fh]
	return dh, ok
}

// Release closes the underlying fd and forgets the handle.
func (t *DirHandleTable) Release(fh uint64) {
	t.mu.Lock()
	dh, ok := t.handles[fh]
	delete(t.handles, fh)
	t.mu.Unlock()
	if ok {
		unix.Close(dh.fd)
	}
}

// Fd exposes the dir stream fd, e.g. for fsyncdir.
func (dh *DirHandle) Fd() int { return dh.fd }

// rawDirent is one raw getdents64 entry as consumed by seek/parse logic
// below; Name is NOT NUL-terminated. parseDirent returns "." and ".."
// like any other entry; next skips them.
type rawDirent struct {
	Ino  uint64
	Off  uint64
	Type uint8
	Name string
}

// next parses and returns the next directory entry from the stream,
// transparently refilling from the kernel and skipping "." and "..". It
// returns ok=false once the stream is exhausted.
//
// Must be called with dh.owner locked: it mutates dh.offset, which per
// §5 is protected by the owning inode's mutex, guarding the
// seek+load+advance sequence against concurrent readdir calls that share
// this handle (the protocol permits this even though it is unusual).
func (dh *DirHandle) next(clientOffset uint64) (rawDirent, bool, error) {
	if clientOffset != dh.offset {
		if _, err := unix.Seek(dh.fd, int64(clientOffset), 0 /* SEEK_SET */); err != nil {
			return rawDirent{}, false, err
		}
		dh.todo = nil
	}

	for len(dh.todo) == 0 {
		n, err := unix.Getdents(dh.fd, dh.buf)
		if err != nil {
			return rawDirent{}, false, err
		}
		if n == 0 {
			return rawDirent{}, false, nil
		}
		dh.todo = dh.buf[:n]
	}

	de, rest, ok := parseDirent(dh.todo)
	dh.todo = rest
	if !ok {
		return rawDirent{}, false, nil
	}
	dh.offset = de.Off
	if de.Name == "." || de.Name == ".." {
		return dh.next(dh.offset)
	}
	return de, true, nil
}
