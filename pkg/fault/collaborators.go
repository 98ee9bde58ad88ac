// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"syscall"
	"unsafe"
)

// CodeIndex answers the dispatcher's questions about generated code.
// Implemented by the runtime's code cache. All methods are queried at
// fault time and must be allocation and lock free.
type CodeIndex interface {
	// IsCompiledMethod reports whether pc lies inside a compiled managed
	// method.
	IsCompiledMethod(pc Address) bool

	// HasUnsafeAccess reports whether the compiled method containing pc
	// is marked as tolerating faults on externally mapped memory.
	HasUnsafeAccess(pc Address) bool

	// IsFrameCompleteAt reports whether the frame of the method
	// containing pc is fully built at that pc. Stack banging in compiled
	// code happens before the frame is complete.
	IsFrameCompleteAt(pc Address) bool

	// IsNotEntrantTrap reports whether pc is a patched call site whose
	// target was overwritten to signal that the method is no longer
	// valid.
	IsNotEntrantTrap(pc Address) bool

	// SlowCasePC returns the slow-path re-entry point for a fast-path
	// accessor stub interrupted mid-flight by a concurrent heap change,
	// if pc belongs to one.
	SlowCasePC(pc Address) (Address, bool)
}

// InterpreterRange answers whether a pc lies in the interpreter's
// generated code, and walks interpreter frames whose fixed header is in
// place.
type InterpreterRange interface {
	Contains(pc Address) bool

	// Sender returns the managed caller of an interpreter frame. The
	// interpreter bangs the stack after building its fixed frame header,
	// so the logical frame affected by a guard hit is the caller of the
	// frame the context describes.
	Sender(fr Frame) (Frame, bool)
}

// StubProvider hands out the runtime-generated continuation stubs the
// dispatcher redirects faulting threads into.
type StubProvider interface {
	// ContinuationForImplicitException returns the stub that raises the
	// managed exception of the given kind for a fault at pc, or 0 if the
	// runtime cannot map pc to an exception site.
	ContinuationForImplicitException(t *Thread, pc Address, kind ImplicitKind) Address

	// PollStub returns the safepoint rendezvous stub for a poll fault at
	// pc.
	PollStub(pc Address) Address

	// WrongMethodStub returns the stub that re-resolves a call to a
	// method that is no longer valid.
	WrongMethodStub() Address

	// UnsafeAccessContinuation returns the continuation for a tolerated
	// bus fault, given the address of the instruction after the faulting
	// one.
	UnsafeAccessContinuation(t *Thread, nextPC Address) Address
}

// ReservedStackLookup finds the nearest enclosing call frame, starting
// at fr, that belongs to a method annotated with a reserved-stack
// guarantee. On success it returns the activation point the runtime
// must later unwind to: the frame's unextended stack pointer for
// compiled frames, or the equivalent interior slot for interpreter
// frames.
type ReservedStackLookup interface {
	FindActivation(t *Thread, fr Frame) (Address, bool)
}

// ChainedHandler forwards a signal to the handler that was installed
// before the dispatcher's. Reports whether that handler claimed the
// signal.
type ChainedHandler interface {
	Handle(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer) bool
}

// FatalReporter is the terminal path: dump diagnostics and terminate
// the process. Implementations never return.
type FatalReporter interface {
	ReportAndTerminate(t *Thread, sig syscall.Signal, ctx *FaultContext, reason string)
}

// StackGapHook optionally compensates for kernel-imposed extra guard
// pages below the stack: some kernels move the faulting address of a
// guard hit outside the extent the runtime reserved. The hook may shift
// the perceived fault address before zone classification. The default
// is the identity; platform-specific heuristics are plugged in at
// configuration time.
type StackGapHook func(t *Thread, addr Address) Address
