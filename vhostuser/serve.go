// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stonet-research/dpfs-go/internal/mirror"
)

// replyBufSize bounds a single reply: header plus the largest payload
// any opcode can produce. 1MiB plus one page covers a MaxWrite-sized
// (1MiB) read reply and a full readdir-plus buffer's worth of entries.
const replyBufSize = 1<<20 + 4096

// queueCompleter bridges one deferred request back into the synchronous
// per-queue handle callback vhost-user's Device expects: it blocks the
// calling goroutine (which belongs to this queue's dedicated poll
// goroutine, not the OS thread the actual I/O runs on) until the async
// engine reports a result, then lets the blocked call return the
// completed length to the driver.
type queueCompleter struct {
	done chan mirror.CompletionStatus
}

func (c *queueCompleter) Complete(status mirror.CompletionStatus) {
	c.done <- status
}

// ServeMirror accepts vhost-user connections on sockpath and serves each
// one against a shared mirror.Dispatcher: the flattened read iovec is
// decoded, dispatched, and (for async read/write) the calling queue
// goroutine blocks on the dispatcher's completer until the deferred op
// finishes, so the driver-facing protocol stays request/response even
// though the op itself ran on a separate goroutine.
//
// ServeMirror returns when ctx is canceled (after closing the listener)
// or when accepting a connection fails for any other reason.
func ServeMirror(ctx context.Context, sockpath string, disp *mirror.Dispatcher) error {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockpath, Net: "unix"})
	if err != nil {
		return err
	}
	disp.Run()
	defer disp.Stop()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var nextConn int32
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		threadIdx := int(atomic.AddInt32(&nextConn, 1) - 1)
		go serveConn(conn, disp, threadIdx%len(disp.Engines))
	}
}

func serveConn(conn *net.UnixConn, disp *mirror.Dispatcher, threadIdx int) {
	connID := uuid.New().String()
	log := logrus.WithField("conn", connID)
	log.Info("vhost-user: connection accepted")
	defer log.Info("vhost-user: connection closed")

	dev := NewDevice(func(vqe *VirtqElem) int {
		in := flatten(vqe.Read)
		out := make([]byte, replyBufSize)

		completer := &queueCompleter{done: make(chan mirror.CompletionStatus, 1)}
		n, deferred := disp.Dispatch(threadIdx, in, out, completer)
		if deferred {
			<-completer.done
			// The completion callback already wrote out's header and
			// payload directly; n is recomputed from what it wrote by
			// reading the header's own length field.
			n = int(le32(out[0:4]))
		}
		return copyOut(vqe.Write, out[:n])
	})
	srv := NewServer(conn, dev)
	if err := srv.Serve(); err != nil {
		log.WithError(err).Warn("vhost-user connection serve loop exited")
	}
}

func flatten(iov [][]byte) []byte {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	buf := make([]byte, 0, total)
	for _, b := range iov {
		buf = append(buf, b...)
	}
	return buf
}

// copyOut scatters src across the write iovec and returns the total
// bytes copied, which is the length NewDevice's handle callback
// returns to the driver.
func copyOut(iov [][]byte, src []byte) int {
	total := 0
	for _, dst := range iov {
		if len(src) == 0 {
			break
		}
		n := copy(dst, src)
		src = src[n:]
		total += n
	}
	return total
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
