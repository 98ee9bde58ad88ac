// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux && amd64

package fault

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestLinuxAmd64AccessorRead(t *testing.T) {
	assert := assert.New(t)

	uc := &ucontextAmd64{}
	uc.Mcontext.Rip = 0x7f1000004000
	uc.Mcontext.Rsp = 0x7f0000108000
	uc.Mcontext.Rbp = 0x7f0000108040
	uc.Mcontext.Rax = 0xdeadbeef

	info := &Siginfo{
		Signo: int32(syscall.SIGSEGV),
		Code:  1,
		Addr:  0x10,
	}

	acc := NewContextAccessor()
	fc := acc.Read(syscall.SIGSEGV, info, unsafe.Pointer(uc))

	assert.Equal(Address(0x7f1000004000), fc.PC)
	assert.Equal(Address(0x7f0000108000), fc.SP)
	assert.Equal(Address(0x7f0000108040), fc.FP)
	assert.Equal(Address(0), fc.LR, "x86 keeps the return address on the stack")
	assert.Equal(Address(0x10), fc.FaultAddr)
	assert.Equal(int32(1), fc.Code)
	assert.Equal(syscall.SIGSEGV, fc.Signal)
}

func TestLinuxAmd64AccessorSetPC(t *testing.T) {
	assert := assert.New(t)

	uc := &ucontextAmd64{}
	uc.Mcontext.Rip = 0x7f1000004000
	uc.Mcontext.Rsp = 0x7f0000108000
	uc.Mcontext.Rax = 0xdeadbeef

	acc := NewContextAccessor()
	acc.SetPC(unsafe.Pointer(uc), 0xa0001)

	// Only the program counter moves; every other register is intact.
	assert.Equal(uint64(0xa0001), uc.Mcontext.Rip)
	assert.Equal(uint64(0x7f0000108000), uc.Mcontext.Rsp)
	assert.Equal(uint64(0xdeadbeef), uc.Mcontext.Rax)
}

func TestLinuxAmd64AccessorNilInfo(t *testing.T) {
	assert := assert.New(t)

	uc := &ucontextAmd64{}
	uc.Mcontext.Rip = 0x1000

	acc := NewContextAccessor()
	fc := acc.Read(syscall.SIGILL, nil, unsafe.Pointer(uc))

	assert.Equal(Address(0x1000), fc.PC)
	assert.Equal(Address(0), fc.FaultAddr)
}
