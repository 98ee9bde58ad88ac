// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import "sync/atomic"

// ExecMode describes what kind of code a thread was executing when a
// fault was delivered. The runtime publishes it on every state
// transition; the dispatcher only reads it.
type ExecMode int32

const (
	// ModeNative means the thread was executing foreign code outside the
	// runtime's control.
	ModeNative ExecMode = iota

	// ModeRuntime means the thread was inside the runtime itself.
	ModeRuntime

	// ModeManaged means the thread was executing managed code, compiled
	// or interpreted.
	ModeManaged
)

// String implements fmt.Stringer.
func (m ExecMode) String() string {
	switch m {
	case ModeRuntime:
		return "runtime"
	case ModeManaged:
		return "managed"
	}
	return "native"
}

// GuardZoneState tracks how far a thread's stack guard has been
// consumed within one stack growth episode. Transitions are monotonic:
// the state only ever moves toward ZonesRedDisabled while the stack
// grows. Re-enabling happens during unwinding, outside this package.
type GuardZoneState uint32

const (
	ZonesNormal GuardZoneState = iota
	ZonesYellowDisabled
	ZonesReservedDisabled
	ZonesRedDisabled
)

// String implements fmt.Stringer.
func (s GuardZoneState) String() string {
	switch s {
	case ZonesYellowDisabled:
		return "yellow-disabled"
	case ZonesReservedDisabled:
		return "reserved-disabled"
	case ZonesRedDisabled:
		return "red-disabled"
	}
	return "normal"
}

// CrashProtection is a per-thread protected region. While installed,
// any fault on the thread transfers control straight back to ResumePC
// without running recovery logic or unwind cleanup.
type CrashProtection struct {
	ResumePC Address
}

// Thread is the dispatcher's view of one OS-level thread: its stack
// extent, guard zone state and the few flags the classifier consults.
// The runtime owns the rest of the thread's state.
type Thread struct {
	// ID is the OS thread identifier, for diagnostics only.
	ID int64

	stackLow  Address
	stackHigh Address

	mode         atomic.Int32
	zones        atomic.Uint32
	unsafeAccess atomic.Bool

	reservedActivation atomic.Uintptr
	savedExceptionPC   atomic.Uintptr

	crashProtection atomic.Pointer[CrashProtection]
	handlerDepth    atomic.Int32
}

// NewThread registers the stack extent [stackLow, stackHigh) for a
// thread. Called once when the runtime creates the thread's stack.
func NewThread(id int64, stackLow, stackHigh Address) *Thread {
	t := &Thread{
		ID:        id,
		stackLow:  stackLow,
		stackHigh: stackHigh,
	}
	t.mode.Store(int32(ModeNative))
	return t
}

// Mode returns the thread's current execution mode.
func (t *Thread) Mode() ExecMode {
	return ExecMode(t.mode.Load())
}

// SetMode publishes a new execution mode. Called by the runtime on
// every managed/runtime/native transition.
func (t *Thread) SetMode(m ExecMode) {
	t.mode.Store(int32(m))
}

// StackLow returns the lowest address of the thread's stack extent.
func (t *Thread) StackLow() Address { return t.stackLow }

// StackHigh returns the address one past the thread's stack extent.
func (t *Thread) StackHigh() Address { return t.stackHigh }

// OnLocalStack reports whether addr falls inside the thread's stack
// extent.
func (t *Thread) OnLocalStack(addr Address) bool {
	return addr >= t.stackLow && addr < t.stackHigh
}

// ZoneState returns the thread's current guard zone state.
func (t *Thread) ZoneState() GuardZoneState {
	return GuardZoneState(t.zones.Load())
}

// advanceZoneState moves the guard zone state forward to target.
// Transitions are one-way and idempotent: a concurrent or re-entrant
// second application of the same transition is a no-op, and the state
// never moves backward. Reports whether this call performed the
// transition.
func (t *Thread) advanceZoneState(target GuardZoneState) bool {
	for {
		cur := t.zones.Load()
		if cur >= uint32(target) {
			return false
		}
		if t.zones.CompareAndSwap(cur, uint32(target)) {
			return true
		}
	}
}

// SetDoingUnsafeAccess flags that the thread is inside a memory
// operation known to tolerate bus faults (a mapped file access). Set
// and cleared by the runtime around such operations.
func (t *Thread) SetDoingUnsafeAccess(v bool) {
	t.unsafeAccess.Store(v)
}

// DoingUnsafeAccess reports whether the thread is inside a flagged
// unsafe memory operation.
func (t *Thread) DoingUnsafeAccess() bool {
	return t.unsafeAccess.Load()
}

// ReservedActivation returns the activation point recorded when the
// reserved zone was disabled, or 0 if none is pending. The runtime's
// exception propagation path consumes it while unwinding.
func (t *Thread) ReservedActivation() Address {
	return Address(t.reservedActivation.Load())
}

// setReservedActivation records where reserved-stack cleanup code must
// resume once normal headroom is restored.
func (t *Thread) setReservedActivation(a Address) {
	t.reservedActivation.Store(uintptr(a))
}

// ClearReservedActivation is called by the runtime after it has
// unwound to the activation point.
func (t *Thread) ClearReservedActivation() {
	t.reservedActivation.Store(0)
}

// SavedExceptionPC returns the program counter captured at the last
// stub redirect, so the stub can reconstruct the faulting site.
func (t *Thread) SavedExceptionPC() Address {
	return Address(t.savedExceptionPC.Load())
}

func (t *Thread) setSavedExceptionPC(pc Address) {
	t.savedExceptionPC.Store(uintptr(pc))
}

// InstallCrashProtection arms a protected region. Faults delivered
// while it is armed transfer control to resumePC immediately.
func (t *Thread) InstallCrashProtection(resumePC Address) {
	t.crashProtection.Store(&CrashProtection{ResumePC: resumePC})
}

// ClearCrashProtection disarms the protected region.
func (t *Thread) ClearCrashProtection() {
	t.crashProtection.Store(nil)
}

func (t *Thread) crashProtectionRegion() *CrashProtection {
	return t.crashProtection.Load()
}

// enterHandler and leaveHandler bracket one signal delivery so nested
// deliveries can be detected on the fatal path.
func (t *Thread) enterHandler() int32 { return t.handlerDepth.Add(1) }
func (t *Thread) leaveHandler()       { t.handlerDepth.Add(-1) }

// HandlerDepth returns the current signal handler nesting depth.
func (t *Thread) HandlerDepth() int32 { return t.handlerDepth.Load() }
