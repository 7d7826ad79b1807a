// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stonet-research/dpfs-go/internal/metrics"
)

// maxInFlightPerEngine bounds the number of concurrently submitted async
// ops per poll thread. Exceeding it is a synchronous submission failure
// (ENFILE), never a deferred "would block" -- the spec requires
// submission errors to be immediate.
const maxInFlightPerEngine = 256

// AsyncOp is one submitted read or write: the parameters needed to
// perform it, and what to do with the result.
type AsyncOp struct {
	Fh      int
	Offset  int64
	IsWrite bool

	// ReadBuf is filled in place for a read; WriteBuf is the exact
	// payload for a write. Exactly one is set, matching IsWrite.
	ReadBuf  []byte
	WriteBuf []byte

	// OnComplete runs on the engine's reaper goroutine with the
	// syscall result. For a read, n is bytes read (ReadBuf[:n] is
	// valid); for a write, n is bytes written.
	OnComplete func(n int, err error)
}

// AsyncEngine is C3's thread-confined async context: one per poll thread,
// per §5 "no cross-thread submission". Submission hands the syscall to a
// dedicated goroutine (standing in for a kernel async engine such as
// io_uring, which this repo has no Go binding for -- see DESIGN.md); the
// reaper drains completions and invokes the completion adapter.
type AsyncEngine struct {
	threadIdx   int
	inFlight    int32
	completions chan func()
	done        chan struct{}
}

// NewAsyncEngine creates an engine for poll thread threadIdx. Run must be
// called (typically from the same poll thread) to drain completions.
func NewAsyncEngine(threadIdx int) *AsyncEngine {
	return &AsyncEngine{
		threadIdx:   threadIdx,
		completions: make(chan func(), maxInFlightPerEngine),
		done:        make(chan struct{}),
	}
}

// Submit hands op to the async engine. It never blocks the calling poll
// thread: on success the op runs on its own goroutine and OnComplete runs
// later, from Run; on failure (too many in-flight ops) it returns a
// synchronous errno immediately and OnComplete is never called -- the
// caller must reply with that errno directly rather than deferring.
func (e *AsyncEngine) Submit(op AsyncOp) Errno {
	if atomic.AddInt32(&e.inFlight, 1) > maxInFlightPerEngine {
		atomic.AddInt32(&e.inFlight, -1)
		logrus.WithField("thread", e.threadIdx).Warn("async submitter: too many in-flight ops")
		return ToErrno(unix.ENFILE)
	}

	metrics.AsyncInFlight.WithLabelValues(strconv.Itoa(e.threadIdx)).Inc()
	go func() {
		var n int
		var err error
		if op.IsWrite {
			n, err = unix.Pwrite(op.Fh, op.WriteBuf, op.Offset)
		} else {
			n, err = unix.Pread(op.Fh, op.ReadBuf, op.Offset)
		}
		e.completions <- func() {
			atomic.AddInt32(&e.inFlight, -1)
			metrics.AsyncInFlight.WithLabelValues(strconv.Itoa(e.threadIdx)).Dec()
			op.OnComplete(n, err)
		}
	}()
	return errnoDeferred
}

// Run drains completions until Stop is called. It is meant to be driven
// by the owning poll thread's loop (e.g. once per iteration, non-
// blockingly) or as a dedicated goroutine when the transport's poll loop
// cannot be interleaved with it; both are valid realizations of "a
// separate completion reaper... driven by the transport's poll loop
// ticking the async engine" from §4.3.
func (e *AsyncEngine) Run() {
	for {
		select {
		case fn := <-e.completions:
			fn()
		case <-e.done:
			return
		}
	}
}

// Reap drains at most one pending completion without blocking. Returns
// false if none was pending. Used when the poll loop wants to tick the
// async engine inline instead of running Run in its own goroutine.
func (e *AsyncEngine) Reap() bool {
	select {
	case fn := <-e.completions:
		fn()
		return true
	default:
		return false
	}
}

// Stop terminates Run. In-flight goroutines still deliver their
// completion into the channel, which is left to be garbage collected
// once unread; shutdown is expected to happen after requests drain per
// §5 "Cancellation / timeouts: none".
func (e *AsyncEngine) Stop() {
	close(e.done)
}
