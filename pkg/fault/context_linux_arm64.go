// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux && arm64

package fault

import (
	"syscall"
	"unsafe"
)

// callInstructionWidth is the width of every instruction on aarch64.
const callInstructionWidth = 4

type sigaltstack struct {
	Sp    uintptr
	Flags int32
	_     int32
	Size  uintptr
}

// sigcontextArm64 mirrors struct sigcontext from the Linux kernel ABI
// (arch/arm64/include/uapi/asm/sigcontext.h). The trailing reserved
// area holds the FP/SIMD state; the accessor never touches it.
type sigcontextArm64 struct {
	FaultAddress uint64
	Regs         [31]uint64
	Sp           uint64
	Pc           uint64
	Pstate       uint64
	_            [8]byte
	Reserved     [4096]byte
}

type ucontextArm64 struct {
	Flags    uint64
	Link     uintptr
	Stack    sigaltstack
	Sigmask  uint64
	_        [(1024 - 64) / 8]byte
	_        [8]byte
	Mcontext sigcontextArm64
}

const (
	arm64RegFP = 29
	arm64RegLR = 30
)

// linuxArm64Accessor reads and writes the raw ucontext_t the kernel
// passes to the signal handler on linux/arm64.
type linuxArm64Accessor struct{}

// NewContextAccessor returns the accessor for the build target.
func NewContextAccessor() ContextAccessor {
	return linuxArm64Accessor{}
}

func (linuxArm64Accessor) Read(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer) FaultContext {
	uc := (*ucontextArm64)(rawCtx)
	mc := &uc.Mcontext
	fc := FaultContext{
		PC:     Address(mc.Pc),
		SP:     Address(mc.Sp),
		FP:     Address(mc.Regs[arm64RegFP]),
		LR:     Address(mc.Regs[arm64RegLR]),
		Signal: sig,
	}
	if info != nil {
		fc.FaultAddr = Address(info.Addr)
		fc.Code = info.Code
	}
	return fc
}

func (linuxArm64Accessor) SetPC(rawCtx unsafe.Pointer, pc Address) {
	uc := (*ucontextArm64)(rawCtx)
	uc.Mcontext.Pc = uint64(pc)
}
