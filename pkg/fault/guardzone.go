// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ZoneClass is the result of testing a fault address against a thread's
// guard zones.
type ZoneClass int

const (
	// ZoneNone means the address is outside every guard zone.
	ZoneNone ZoneClass = iota

	// ZoneRed is the innermost zone: a hit is an unrecoverable overflow.
	ZoneRed

	// ZoneYellow is the soft warning band above the red zone.
	ZoneYellow

	// ZoneReserved is the opt-in headroom band above the yellow zone,
	// usable only by methods annotated with a reserved-stack guarantee.
	ZoneReserved
)

// String implements fmt.Stringer.
func (z ZoneClass) String() string {
	switch z {
	case ZoneRed:
		return "red"
	case ZoneYellow:
		return "yellow"
	case ZoneReserved:
		return "reserved"
	}
	return "none"
}

// MemoryProtector removes guard protection from pages. Disabling a zone
// must unprotect its pages so a second fault in the same region cannot
// recur at the same address; continued growth instead degrades to the
// next zone inward.
type MemoryProtector interface {
	Unguard(addr Address, length uintptr) error
}

// mprotectProtector is the real protector: it flips the zone's pages
// back to read/write.
type mprotectProtector struct{}

// NewMprotectProtector returns the mprotect-backed MemoryProtector used
// in production.
func NewMprotectProtector() MemoryProtector {
	return mprotectProtector{}
}

func (mprotectProtector) Unguard(addr Address, length uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// ZoneGeometry fixes the size of the three concentric guard zones above
// a thread's stack lower bound. The zones sit, lowest address first:
// red, yellow, reserved. Process-wide, set once at startup.
type ZoneGeometry struct {
	PageSize      uintptr
	RedPages      uintptr
	YellowPages   uintptr
	ReservedPages uintptr
}

// DefaultZoneGeometry mirrors the zone sizes the runtime reserves when
// it creates thread stacks.
func DefaultZoneGeometry() ZoneGeometry {
	return ZoneGeometry{
		PageSize:      4096,
		RedPages:      1,
		YellowPages:   2,
		ReservedPages: 1,
	}
}

func (g ZoneGeometry) redSize() uintptr      { return g.RedPages * g.PageSize }
func (g ZoneGeometry) yellowSize() uintptr   { return g.YellowPages * g.PageSize }
func (g ZoneGeometry) reservedSize() uintptr { return g.ReservedPages * g.PageSize }

// GuardZoneManager classifies fault addresses against a thread's guard
// zones and performs the one-way zone disables. It owns no per-thread
// state: the zone state word lives on the Thread so that re-entrant
// faults on the same thread contend only on one atomic.
type GuardZoneManager struct {
	geom ZoneGeometry
	prot MemoryProtector

	// notify, when set, is invoked after a zone transition so the
	// runtime's unwind path knows which zones to re-enable later.
	notify func(*Thread, GuardZoneState)
}

// NewGuardZoneManager builds a manager over the given geometry. A nil
// protector defaults to the mprotect-backed one.
func NewGuardZoneManager(geom ZoneGeometry, prot MemoryProtector) *GuardZoneManager {
	if prot == nil {
		prot = NewMprotectProtector()
	}
	return &GuardZoneManager{geom: geom, prot: prot}
}

// SetNotify registers the guard-zone-disabled observer. Startup only.
func (m *GuardZoneManager) SetNotify(fn func(*Thread, GuardZoneState)) {
	m.notify = fn
}

// Geometry returns the process-wide zone geometry.
func (m *GuardZoneManager) Geometry() ZoneGeometry {
	return m.geom
}

// Classify performs the pure address-range test of addr against t's
// guard zones. Zones whose guard has already been consumed in this
// growth episode still classify by address; callers decide what a
// repeat hit means.
func (m *GuardZoneManager) Classify(addr Address, t *Thread) ZoneClass {
	if !t.OnLocalStack(addr) {
		return ZoneNone
	}
	off := uintptr(addr) - uintptr(t.StackLow())
	switch {
	case off < m.geom.redSize():
		return ZoneRed
	case off < m.geom.redSize()+m.geom.yellowSize():
		return ZoneYellow
	case off < m.geom.redSize()+m.geom.yellowSize()+m.geom.reservedSize():
		return ZoneReserved
	}
	return ZoneNone
}

// DisableYellow removes the yellow guard. Idempotent; a no-op if the
// thread has already progressed past the yellow state.
func (m *GuardZoneManager) DisableYellow(t *Thread) {
	if !t.advanceZoneState(ZonesYellowDisabled) {
		return
	}
	base := Address(uintptr(t.StackLow()) + m.geom.redSize())
	m.unguard(t, base, m.geom.yellowSize(), ZonesYellowDisabled)
}

// DisableReserved removes the reserved guard, and the yellow one with
// it: once reserved headroom is in use the yellow warning has been
// spent for this growth episode.
func (m *GuardZoneManager) DisableReserved(t *Thread) {
	if !t.advanceZoneState(ZonesReservedDisabled) {
		return
	}
	base := Address(uintptr(t.StackLow()) + m.geom.redSize())
	m.unguard(t, base, m.geom.yellowSize()+m.geom.reservedSize(), ZonesReservedDisabled)
}

// DisableRed removes the red guard so the fatal path can run its
// report on the remaining stack.
func (m *GuardZoneManager) DisableRed(t *Thread) {
	if !t.advanceZoneState(ZonesRedDisabled) {
		return
	}
	m.unguard(t, t.StackLow(), m.geom.redSize(), ZonesRedDisabled)
}

func (m *GuardZoneManager) unguard(t *Thread, base Address, length uintptr, state GuardZoneState) {
	if err := m.prot.Unguard(base, length); err != nil {
		faultLog.WithError(err).WithField("thread", t.ID).Error("cannot unguard stack zone")
	}
	if m.notify != nil {
		m.notify(t, state)
	}
}
