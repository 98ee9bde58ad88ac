// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrRegistrySealed is returned when a safe fetch range is registered
	// after the registry has been sealed.
	ErrRegistrySealed = errors.New("safe fetch registry is sealed")

	// ErrBadSafeFetchRange is returned for a registration with a zero
	// fault or resume PC.
	ErrBadSafeFetchRange = errors.New("safe fetch range has a zero address")
)

type safeFetchEntry struct {
	faultPC  Address
	resumePC Address
}

// SafeFetchRegistry maps the program counters of probe-and-recover read
// routines to their recovery continuations. A memory fault at a
// registered PC is an expected probe failure: the thread is redirected
// to the matching resume PC instead of being classified any further.
//
// Registration happens during single-threaded startup, before any fault
// can occur. The registry is sealed at handler installation and is
// read-only from then on, so lookups need no synchronization.
type SafeFetchRegistry struct {
	entries []safeFetchEntry
	sealed  atomic.Bool
}

// NewSafeFetchRegistry returns an empty, unsealed registry.
func NewSafeFetchRegistry() *SafeFetchRegistry {
	return &SafeFetchRegistry{}
}

// Register adds a (faultPC, resumePC) pair. Startup only.
func (r *SafeFetchRegistry) Register(faultPC, resumePC Address) error {
	if r.sealed.Load() {
		return errors.Wrapf(ErrRegistrySealed, "fault pc %#x", uintptr(faultPC))
	}
	if faultPC == 0 || resumePC == 0 {
		return ErrBadSafeFetchRange
	}
	r.entries = append(r.entries, safeFetchEntry{faultPC: faultPC, resumePC: resumePC})
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *SafeFetchRegistry) Seal() {
	r.sealed.Store(true)
}

// Lookup returns the resume PC registered for pc. The table holds a
// handful of probe routines, so a linear scan is cheaper than anything
// that would need allocation or hashing at fault time.
func (r *SafeFetchRegistry) Lookup(pc Address) (Address, bool) {
	for i := range r.entries {
		if r.entries[i].faultPC == pc {
			return r.entries[i].resumePC, true
		}
	}
	return 0, false
}
