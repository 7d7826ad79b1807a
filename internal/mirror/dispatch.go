// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/metrics"
)

// Dispatcher is C6: it decodes one request, resolves its inode
// argument(s) against the registry, and routes to the matching C5
// handler. One Dispatcher is shared by every poll thread; per-thread
// async state is looked up by threadIdx.
type Dispatcher struct {
	Handlers *Handlers
	Registry *Registry
	Engines  []*AsyncEngine // indexed by poll thread id

	RootUID, RootGID uint32
}

// NewDispatcher builds a Dispatcher with one AsyncEngine per poll
// thread, numThreads of which are expected to call Dispatch concurrently
// (each with its own threadIdx).
func NewDispatcher(h *Handlers, numThreads int, rootUID, rootGID uint32) *Dispatcher {
	engines := make([]*AsyncEngine, numThreads)
	for i := range engines {
		engines[i] = NewAsyncEngine(i)
	}
	return &Dispatcher{Handlers: h, Registry: h.Reg, Engines: engines, RootUID: rootUID, RootGID: rootGID}
}

// Run starts every engine's completion reaper on its own goroutine. Call
// once at startup; Stop tears them down.
func (d *Dispatcher) Run() {
	for _, e := range d.Engines {
		go e.Run()
	}
}

// Stop terminates every engine's reaper.
func (d *Dispatcher) Stop() {
	for _, e := range d.Engines {
		e.Stop()
	}
}

// Dispatch decodes and serves one request read from in, writing the
// reply into out (which must be sized for the opcode's maximum possible
// reply) and returning how many bytes of out are valid.
//
// deferred is true when a read or write was hand off to the async
// engine: out is not yet valid, and completer will be invoked exactly
// once, later, by that engine's reaper, at which point out becomes
// valid and has length equal to what the completion callback wrote
// (callers needing that length should capture it themselves, e.g. via a
// closure around completer). forget/batch_forget have no reply at all;
// callers must check req.Opcode (or the returned n) before writing
// anything back to the transport.
func (d *Dispatcher) Dispatch(threadIdx int, in []byte, out []byte, completer Completer) (n int, deferred bool) {
	start := time.Now()
	opName := "malformed"
	if len(in) >= SizeOfInHeader {
		opName = opcodeName(Opcode(le32At(in, 4)))
	}

	n, deferred = d.dispatch(threadIdx, in, out, completer)

	metrics.OpDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
	if !deferred {
		outcome := "ok"
		if n >= 8 && int32(le32At(out, 4)) != 0 {
			outcome = "error"
		}
		metrics.OpsTotal.WithLabelValues(opName, outcome).Inc()
	}
	return n, deferred
}

func le32At(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// opcodeName is used for metric labels only; unrecognized opcodes fall
// back to their numeric value.
func opcodeName(op Opcode) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "opcode_" + strconv.Itoa(int(op))
}

var opcodeNames = map[Opcode]string{
	OpLookup: "lookup", OpForget: "forget", OpGetattr: "getattr", OpSetattr: "setattr",
	OpReadlink: "readlink", OpSymlink: "symlink", OpMknod: "mknod", OpMkdir: "mkdir",
	OpUnlink: "unlink", OpRmdir: "rmdir", OpRename: "rename", OpOpen: "open",
	OpRead: "read", OpWrite: "write", OpStatfs: "statfs", OpRelease: "release",
	OpFsync: "fsync", OpFlush: "flush", OpInit: "init", OpOpendir: "opendir",
	OpReaddir: "readdir", OpReleasedir: "releasedir", OpFsyncdir: "fsyncdir",
	OpAccess: "access", OpCreate: "create", OpDestroy: "destroy",
	OpFallocate: "fallocate", OpReaddirplus: "readdirplus", OpFlock: "flock",
	OpBatchForget: "batch_forget",
}

// dispatch is Dispatch's undecorated body.
func (d *Dispatcher) dispatch(threadIdx int, in []byte, out []byte, completer Completer) (n int, deferred bool) {
	req, errno := ParseRequest(in)
	if errno != OK {
		return replyError(out, pseudoUnique(in), errno), false
	}
	unique := req.Header.Unique

	if req.Opcode == OpInit {
		return d.Handlers.Init(req, out, d.RootUID, d.RootGID), false
	}
	// batch_forget names its inodes in the body, not in the header.
	if req.Opcode == OpBatchForget {
		d.Handlers.BatchForget(req)
		return 0, false
	}

	node, ok := d.resolveNode(req.Header.NodeID)
	if !ok {
		return replyError(out, unique, ToErrno(unix.EINVAL)), false
	}

	switch req.Opcode {
	case OpLookup:
		return d.Handlers.Lookup(req, node, out), false
	case OpForget:
		d.Handlers.Forget(req, node)
		return 0, false
	case OpGetattr:
		return d.Handlers.Getattr(req, node, out), false
	case OpSetattr:
		return d.Handlers.Setattr(req, node, out), false
	case OpStatfs:
		return d.Handlers.Statfs(req, node, out), false
	case OpAccess:
		return d.Handlers.Access(req, node, out), false
	case OpReadlink:
		return d.Handlers.Readlink(req, node, out), false

	case OpOpen:
		return d.Handlers.Open(req, node, out), false
	case OpRelease:
		return d.Handlers.Release(req, node, out), false
	case OpFlush:
		return d.Handlers.Flush(req, out), false
	case OpFsync:
		return d.Handlers.Fsync(req, out), false
	case OpFallocate:
		return d.Handlers.Fallocate(req, out), false
	case OpFlock:
		return d.Handlers.Flock(req, out), false

	case OpRead:
		status := d.Handlers.Read(req, out, d.engine(threadIdx), completer)
		if status.IsDeferred() {
			return 0, true
		}
		return replyError(out, unique, status), false
	case OpWrite:
		status := d.Handlers.Write(req, out, d.engine(threadIdx), completer)
		if status.IsDeferred() {
			return 0, true
		}
		return replyError(out, unique, status), false

	case OpOpendir:
		return d.Handlers.Opendir(req, node, out), false
	case OpReleasedir:
		return d.Handlers.Releasedir(req, out), false
	case OpFsyncdir:
		return d.Handlers.Fsyncdir(req, out), false
	case OpReaddir:
		return d.Handlers.Readdir(req, node, out), false
	case OpReaddirplus:
		return d.Handlers.Readdirplus(req, node, out), false

	case OpMkdir:
		return d.Handlers.Mkdir(req, node, out), false
	case OpMknod:
		return d.Handlers.Mknod(req, node, out), false
	case OpCreate:
		return d.Handlers.Create(req, node, out), false
	case OpSymlink:
		return d.Handlers.Symlink(req, node, out), false
	case OpUnlink:
		return d.Handlers.Unlink(req, node, out), false
	case OpRmdir:
		return d.Handlers.Rmdir(req, node, out), false
	case OpRename:
		var in RenameIn
		_ = decodeStruct(req.Body, &in)
		newParent, ok := d.resolveNode(in.Newdir)
		if !ok {
			return replyError(out, unique, ToErrno(unix.EINVAL)), false
		}
		return d.Handlers.Rename(req, node, newParent, out), false

	case OpDestroy:
		return replySuccess(out, unique, nil), false

	default:
		logrus.WithField("opcode", req.Opcode).Warn("dispatch: unhandled opcode")
		return replyError(out, unique, ToErrno(unix.ENOSYS)), false
	}
}

func (d *Dispatcher) resolveNode(id uint64) (*Inode, bool) {
	if id == RootID {
		return d.Registry.Root(), true
	}
	return d.Registry.Resolve(id)
}

func (d *Dispatcher) engine(threadIdx int) *AsyncEngine {
	if threadIdx < 0 || threadIdx >= len(d.Engines) {
		threadIdx = 0
	}
	return d.Engines[threadIdx]
}

// pseudoUnique best-effort recovers the request's unique id for an error
// reply even when the header itself failed validation (e.g. too short):
// if we cannot even read that much, 0 is used and the transport is
// expected to drop or log the malformed request.
func pseudoUnique(in []byte) uint64 {
	if len(in) >= 16 {
		return uint64(in[8]) | uint64(in[9])<<8 | uint64(in[10])<<16 | uint64(in[11])<<24 |
			uint64(in[12])<<32 | uint64(in[13])<<40 | uint64(in[14])<<48 | uint64(in[15])<<56
	}
	return 0
}
