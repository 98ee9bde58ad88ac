// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"syscall"
	"unsafe"
)

// Siginfo mirrors the head of the kernel's siginfo_t on 64-bit Linux:
// signal number, errno, code, then the fault address as the first union
// member for the hardware fault signals.
type Siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uintptr
}

// Signal codes the classifier inspects, as delivered in Siginfo.Code.
const (
	// CodeFPEIntDiv and CodeFPEFltDiv are the SIGFPE codes for integer
	// and floating division by zero.
	CodeFPEIntDiv = 1
	CodeFPEFltDiv = 3
)

// FaultContext is the architecture-neutral snapshot of one signal
// delivery. It is captured once per fault and discarded when handling
// completes; only the program counter is ever written back, through
// ContextAccessor.SetPC.
type FaultContext struct {
	PC Address
	SP Address
	FP Address

	// LR is the captured link register. Zero on architectures that keep
	// the return address on the stack instead; frame reconstruction then
	// reports "no frame" and guard handling proceeds without frame-based
	// recovery.
	LR Address

	FaultAddr Address
	Signal    syscall.Signal
	Code      int32
}

// ContextAccessor translates between the opaque, architecture- and
// OS-specific execution context blob the kernel hands the signal
// handler and the neutral FaultContext. One implementation exists per
// (architecture, OS) pair, selected at build time; nothing else in the
// package inspects the raw blob.
type ContextAccessor interface {
	// Read captures a FaultContext from the raw blob. It must not
	// allocate and must touch no memory other than info and rawCtx.
	Read(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer) FaultContext

	// SetPC rewrites the program counter in the raw blob, leaving every
	// other register untouched, so that returning from the handler
	// resumes the thread at pc with an otherwise intact machine state.
	SetPC(rawCtx unsafe.Pointer, pc Address)
}
