// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/metrics"
)

// unlinkedFd is the sentinel fd value for an Inode whose backing path has
// been removed from the host tree but which the kernel-side client still
// holds lookup references to.
const unlinkedFd = -int(unix.ENOENT)

// Inode is the registry's unit: a protocol inode bound to a host file
// descriptor opened O_PATH (a stable anchor that survives rename and,
// via the unlinked sentinel, survives unlink too).
//
// Fields below mu are guarded by it; srcIno, srcDev and id are set
// once at construction and never change.
type Inode struct {
	id     uint64 // protocol inode id (the registry's indirection handle)
	srcIno uint64 // host inode number; stable key within the registry
	srcDev uint64 // host device id, checked against the session root's

	mu         sync.Mutex
	fd         int    // O_PATH fd, or unlinkedFd
	nlookup    uint64 // outstanding kernel lookup references
	nopen      uint64 // open regular-file handles derived from this inode
	generation uint64 // bumped each time fd transitions to unlinkedFd
}

// ID returns the protocol inode id a client should use to address this
// inode. The root inode's id is always RootID.
func (i *Inode) ID() uint64 { return i.id }

// Fd returns the current O_PATH anchor fd and whether it is live (not the
// unlinked sentinel). Callers must not close the returned fd; it is owned
// by the registry.
func (i *Inode) Fd() (fd int, live bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fd == unlinkedFd {
		return 0, false
	}
	return i.fd, true
}

// Generation returns the inode's current generation number.
func (i *Inode) Generation() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.generation
}

// Lock exposes the per-inode mutex to callers that must serialize a
// multi-step operation (e.g. readdir offset bookkeeping) under it. Data
// plane read/write never takes this lock.
func (i *Inode) Lock()   { i.mu.Lock() }
func (i *Inode) Unlock() { i.mu.Unlock() }

// addLookup increments nlookup by one. Must be called unlocked; it takes
// the lock itself.
func (i *Inode) addLookup() {
	i.mu.Lock()
	i.nlookup++
	i.mu.Unlock()
}

// addOpen/subOpen track open regular-file handles derived from this inode.
func (i *Inode) addOpen() {
	i.mu.Lock()
	i.nopen++
	i.mu.Unlock()
}

// OpenCount returns the number of currently open regular-file handles
// derived from this inode.
func (i *Inode) OpenCount() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.nopen
}

func (i *Inode) subOpen() (remaining uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.nopen == 0 {
		logrus.WithField("src_ino", i.srcIno).Error("nopen underflow on release")
		return 0
	}
	i.nopen--
	return i.nopen
}

// Registry maps protocol inode ids, and the host inode numbers they were
// derived from, to live Inode entries. The zero Registry is not usable;
// construct with NewRegistry.
//
// Lock order: an Inode's own mu is acquired before M (the registry-wide
// mutex), with the single documented exception of GetOrInsert, which holds
// M while constructing a brand new Inode that no other goroutine can yet
// observe.
type Registry struct {
	m sync.Mutex // "M" in the spec

	byHostIno map[uint64]*Inode // src_ino -> Inode, for get-or-insert dedup
	byID      map[uint64]*Inode // protocol inode id -> Inode, for resolution

	nextID uint64

	root *Inode
}

// NewRegistry creates a Registry with a pre-registered root Inode bound to
// rootFd (opened O_PATH on the mirrored tree's top directory).
func NewRegistry(rootFd int, rootIno, rootDev uint64) *Registry {
	root := &Inode{
		id:      RootID,
		srcIno:  rootIno,
		srcDev:  rootDev,
		fd:      rootFd,
		nlookup: 1, // pinned; never forgotten
	}
	return &Registry{
		byHostIno: map[uint64]*Inode{rootIno: root},
		byID:      map[uint64]*Inode{RootID: root},
		nextID:    RootID + 1,
		root:      root,
	}
}

// Root returns the pinned root Inode.
func (r *Registry) Root() *Inode { return r.root }

// Resolve maps a protocol inode id back to its Inode. The second return
// value is false if the id is unknown to the registry (the decoder must
// treat that as EINVAL, per §4.4).
func (r *Registry) Resolve(id uint64) (*Inode, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	n, ok := r.byID[id]
	return n, ok
}

// ByHostIno looks up a registry entry by host inode number, e.g. to find
// the entry for a name an operation just stat'd without going through a
// protocol inode id.
func (r *Registry) ByHostIno(ino uint64) (*Inode, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	n, ok := r.byHostIno[ino]
	return n, ok
}

// GetOrInsert returns the existing Inode for srcIno if present, else
// atomically inserts a new, fd-less entry for it and returns that. The
// caller is responsible for populating fd on a freshly inserted
// entry (its nlookup is left at zero; the caller must bump it) before any
// other goroutine can reasonably observe it, which holds because no id is
// handed out for a just-created entry until this call returns.
func (r *Registry) GetOrInsert(srcIno, srcDev uint64) (node *Inode, inserted bool) {
	r.m.Lock()
	defer r.m.Unlock()

	if n, ok := r.byHostIno[srcIno]; ok {
		return n, false
	}

	r.nextID++
	n := &Inode{
		id:     r.nextID,
		srcIno: srcIno,
		srcDev: srcDev,
	}
	r.byHostIno[srcIno] = n
	r.byID[n.id] = n
	metrics.RegistrySize.Set(float64(len(r.byID)))
	return n, true
}

// Forget decrements nlookup by n under the inode's own mutex and, if it
// reaches zero, erases the entry under both locks. n greater than the
// current nlookup is an internal invariant violation and is fatal, per
// §7: continued operation would desynchronize the client's lookup counts.
func (r *Registry) Forget(n *Inode, count uint64) {
	metrics.ForgetTotal.Add(float64(count))
	n.mu.Lock()
	if count > n.nlookup {
		n.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"src_ino": n.srcIno, "nlookup": n.nlookup, "n": count,
		}).Fatal("forget: count exceeds nlookup")
	}
	n.nlookup -= count
	reachedZero := n.nlookup == 0
	if !reachedZero {
		n.mu.Unlock()
		return
	}

	// Erase under both locks, inode mu first.
	r.m.Lock()
	fd := n.fd
	delete(r.byHostIno, n.srcIno)
	delete(r.byID, n.id)
	metrics.RegistrySize.Set(float64(len(r.byID)))
	r.m.Unlock()
	n.mu.Unlock()

	if fd > 0 {
		unix.Close(fd)
	}
}

// unlinkSentinel transitions n to the unlinked sentinel: closes its current fd,
// sets fd = -ENOENT and bumps generation. It is a no-op if n is already
// unlinked. Called with n unlocked.
func (n *Inode) unlinkSentinel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fd == unlinkedFd {
		return
	}
	if n.fd > 0 {
		unix.Close(n.fd)
	}
	n.fd = unlinkedFd
	n.generation++
}

// adopt re-associates a registry entry that was in the unlinked sentinel
// state with a freshly opened fd for the same host inode number (e.g. a
// lookup that resolves to a host inode DPFS still has a live reference
// to). Per the spec's open question, generation is deliberately NOT
// bumped here: it already advanced at unlink time, and client-side caches
// key on (ino, generation) pairs formed before the unlink, so re-adoption
// must preserve it.
func (n *Inode) adopt(fd int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fd = fd
}
