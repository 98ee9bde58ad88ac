// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux && amd64

package fault

import (
	"syscall"
	"unsafe"
)

// callInstructionWidth is the width of the call instruction the code
// generator emits for stub calls on this architecture. Used to compute
// the continuation after a tolerated fault and the logical PC at a
// stack banging point.
const callInstructionWidth = 5

type sigaltstack struct {
	Sp    uintptr
	Flags int32
	_     int32
	Size  uintptr
}

// sigcontextAmd64 mirrors struct sigcontext_64 from the Linux kernel
// ABI (arch/x86/include/uapi/asm/sigcontext.h).
type sigcontextAmd64 struct {
	R8      uint64
	R9      uint64
	R10     uint64
	R11     uint64
	R12     uint64
	R13     uint64
	R14     uint64
	R15     uint64
	Rdi     uint64
	Rsi     uint64
	Rbp     uint64
	Rbx     uint64
	Rdx     uint64
	Rax     uint64
	Rcx     uint64
	Rsp     uint64
	Rip     uint64
	Eflags  uint64
	Cs      uint16
	Gs      uint16
	Fs      uint16
	Ss      uint16
	Err     uint64
	Trapno  uint64
	Oldmask uint64
	Cr2     uint64
	Fpstate uintptr
	_       [8]uint64
}

type ucontextAmd64 struct {
	Flags    uint64
	Link     uintptr
	Stack    sigaltstack
	Mcontext sigcontextAmd64
	Sigmask  uint64
}

// linuxAmd64Accessor reads and writes the raw ucontext_t the kernel
// passes to the signal handler on linux/amd64.
type linuxAmd64Accessor struct{}

// NewContextAccessor returns the accessor for the build target.
func NewContextAccessor() ContextAccessor {
	return linuxAmd64Accessor{}
}

func (linuxAmd64Accessor) Read(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer) FaultContext {
	uc := (*ucontextAmd64)(rawCtx)
	mc := &uc.Mcontext
	fc := FaultContext{
		PC:     Address(mc.Rip),
		SP:     Address(mc.Rsp),
		FP:     Address(mc.Rbp),
		Signal: sig,
	}
	// The return address lives on the stack on x86; the link register
	// stays zero and banging-point reconstruction falls back to the
	// frameless path.
	if info != nil {
		fc.FaultAddr = Address(info.Addr)
		fc.Code = info.Code
	}
	return fc
}

func (linuxAmd64Accessor) SetPC(rawCtx unsafe.Pointer, pc Address) {
	uc := (*ucontextAmd64)(rawCtx)
	uc.Mcontext.Rip = uint64(pc)
}
