// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

// CompletionStatus is the coarse result the completion adapter hands to
// the transport: either the deferred op succeeded (the reply bytes it
// already wrote are valid) or it failed (the transport should surface the
// errno already stamped into the response header).
type CompletionStatus int

const (
	CompletionSuccess CompletionStatus = iota
	CompletionError
)

// Completer is the transport's per-request callback contract from §6
// (outbound): "complete(completion_ctx, {SUCCESS|ERROR}) may be invoked
// from any thread, exactly once per deferred request." The dispatcher
// gives each deferred request one Completer; calling it more than once,
// or not at all, is a bug in the caller.
type Completer interface {
	Complete(status CompletionStatus)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(status CompletionStatus)

func (f CompleterFunc) Complete(status CompletionStatus) { f(status) }

// complete is C8: the single entry point through which any
// thread -- most commonly an asyncio worker -- reports the outcome of a
// deferred handler back to whatever is waiting on it (the transport, or
// in tests, a channel). It does no locking itself: Completer
// implementations must already be safe for concurrent/single-shot use,
// which every Completer constructed in this package is.
func complete(c Completer, status CompletionStatus) {
	if c == nil {
		return
	}
	c.Complete(status)
}
