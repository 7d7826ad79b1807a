// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mirror

import "sync"

// Session holds the singleton, per-device state negotiated at init: the
// attribute/entry cache timeout, the negotiated capability mask, the root
// device id used for the cross-device invariant, and the effective
// credentials init chose to run as. It is written once during init and
// read-only thereafter.
type Session struct {
	// Timeout is the attribute/entry cache validity, in seconds. Zero
	// disables caching and enables eager unlink-before-last-close.
	Timeout float64

	mu          sync.Mutex
	initialized bool
	caps        uint64
	rootDev     uint64
	uid, gid    uint32
}

// NewSession creates a Session with the configured timeout and the host
// device id of the mirrored root (used to reject cross-device entries).
func NewSession(timeout float64, rootDev uint64) *Session {
	return &Session{Timeout: timeout, rootDev: rootDev}
}

// RootDev is the host device id of the mirrored tree's root.
func (s *Session) RootDev() uint64 { return s.rootDev }

// WritebackCache reports whether writeback caching was negotiated at init.
func (s *Session) WritebackCache() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps&CapWritebackCache != 0
}

// FlockEnabled reports whether flock passthrough was negotiated at init.
func (s *Session) FlockEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps&CapFlockLocks != 0
}

// Credentials returns the effective uid/gid the server should run as,
// chosen once at init.
func (s *Session) Credentials() (uid, gid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid, s.gid
}

// negotiate is called exactly once, by the init handler, to record the
// capability mask and effective credentials decided during init.
func (s *Session) negotiate(caps uint64, uid, gid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
	s.uid, s.gid = uid, gid
	s.initialized = true
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}
