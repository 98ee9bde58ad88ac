// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"runtime"
	"sync/atomic"
)

// SafepointPollHandler recognizes the two kinds of deliberately induced
// faults the runtime uses to rendezvous threads: polls of the safepoint
// page, and writes to the memory serialization page during a
// cross-thread state broadcast.
//
// Both page addresses are fixed at startup. Only the serialization
// page's writability changes afterward, through a single atomic word.
type SafepointPollHandler struct {
	pollBase Address
	pollSize uintptr

	serializeBase Address
	serializeSize uintptr

	// serializeWritable is cleared while a cooperating thread has
	// revoked the page and is guaranteed to be set again promptly.
	serializeWritable atomic.Bool
}

// NewSafepointPollHandler returns a handler with no pages configured.
// Faults never match an unconfigured page.
func NewSafepointPollHandler() *SafepointPollHandler {
	h := &SafepointPollHandler{}
	h.serializeWritable.Store(true)
	return h
}

// SetPollRange fixes the safepoint polling page. Startup only.
func (h *SafepointPollHandler) SetPollRange(base Address, size uintptr) {
	h.pollBase = base
	h.pollSize = size
}

// IsPollAddress reports whether addr lies on the safepoint polling
// page. A hit means the runtime has revoked the page to ask running
// threads to reach a safepoint.
func (h *SafepointPollHandler) IsPollAddress(addr Address) bool {
	return h.pollSize != 0 && addr >= h.pollBase && uintptr(addr) < uintptr(h.pollBase)+h.pollSize
}

// SetSerializeRange fixes the memory serialization page. Startup only.
func (h *SafepointPollHandler) SetSerializeRange(base Address, size uintptr) {
	h.serializeBase = base
	h.serializeSize = size
}

// IsSerializeAddress reports whether addr lies on the memory
// serialization page.
func (h *SafepointPollHandler) IsSerializeAddress(addr Address) bool {
	return h.serializeSize != 0 && addr >= h.serializeBase && uintptr(addr) < uintptr(h.serializeBase)+h.serializeSize
}

// RevokeSerializePage marks the serialization page unwritable. Called
// by the broadcasting thread immediately before it write-protects the
// page; it must call RestoreSerializePage right after unprotecting.
func (h *SafepointPollHandler) RevokeSerializePage() {
	h.serializeWritable.Store(false)
}

// RestoreSerializePage marks the page writable again and releases any
// threads spinning in BlockOnSerializeTrap.
func (h *SafepointPollHandler) RestoreSerializePage() {
	h.serializeWritable.Store(true)
}

// BlockOnSerializeTrap waits for the serialization page's protection to
// be restored. This is the one place the dispatcher is allowed to
// block: the broadcasting thread re-enables the page immediately after
// protecting it, so the wait is brief and needs no timeout.
func (h *SafepointPollHandler) BlockOnSerializeTrap() {
	for !h.serializeWritable.Load() {
		runtime.Gosched()
	}
}
