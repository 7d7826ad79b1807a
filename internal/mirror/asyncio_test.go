// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAsyncEngineWriteThenRead(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "async")
	require.NoError(t, err)
	defer f.Close()

	e := NewAsyncEngine(0)
	go e.Run()
	t.Cleanup(e.Stop)

	payload := []byte("hello async world")
	writeDone := make(chan int, 1)
	status := e.Submit(AsyncOp{
		Fh:       int(f.Fd()),
		IsWrite:  true,
		WriteBuf: payload,
		OnComplete: func(n int, err error) {
			require.NoError(t, err)
			writeDone <- n
		},
	})
	require.Equal(t, errnoDeferred, status)
	require.Equal(t, len(payload), <-writeDone)

	buf := make([]byte, len(payload))
	readDone := make(chan int, 1)
	status = e.Submit(AsyncOp{
		Fh:      int(f.Fd()),
		ReadBuf: buf,
		OnComplete: func(n int, err error) {
			require.NoError(t, err)
			readDone <- n
		},
	})
	require.Equal(t, errnoDeferred, status)
	require.Equal(t, len(payload), <-readDone)
	require.Equal(t, payload, buf)
}

func TestAsyncEngineSubmissionFailsWhenFull(t *testing.T) {
	e := &AsyncEngine{completions: make(chan func(), 1), done: make(chan struct{})}
	e.inFlight = maxInFlightPerEngine

	status := e.Submit(AsyncOp{Fh: -1, ReadBuf: make([]byte, 1), OnComplete: func(int, error) {}})
	require.Equal(t, ToErrno(unix.ENFILE), status)
}
