// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build linux && arm64

package fault

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestLinuxArm64AccessorRead(t *testing.T) {
	assert := assert.New(t)

	uc := &ucontextArm64{}
	uc.Mcontext.Pc = 0x7f1000004000
	uc.Mcontext.Sp = 0x7f0000108000
	uc.Mcontext.Regs[arm64RegFP] = 0x7f0000108040
	uc.Mcontext.Regs[arm64RegLR] = 0x7f1000008004

	info := &Siginfo{
		Signo: int32(syscall.SIGBUS),
		Code:  2,
		Addr:  0x20,
	}

	acc := NewContextAccessor()
	fc := acc.Read(syscall.SIGBUS, info, unsafe.Pointer(uc))

	assert.Equal(Address(0x7f1000004000), fc.PC)
	assert.Equal(Address(0x7f0000108000), fc.SP)
	assert.Equal(Address(0x7f0000108040), fc.FP)
	assert.Equal(Address(0x7f1000008004), fc.LR)
	assert.Equal(Address(0x20), fc.FaultAddr)
	assert.Equal(int32(2), fc.Code)
}

func TestLinuxArm64AccessorSetPC(t *testing.T) {
	assert := assert.New(t)

	uc := &ucontextArm64{}
	uc.Mcontext.Pc = 0x7f1000004000
	uc.Mcontext.Sp = 0x7f0000108000
	uc.Mcontext.Regs[0] = 0xdeadbeef

	acc := NewContextAccessor()
	acc.SetPC(unsafe.Pointer(uc), 0xa0004)

	assert.Equal(uint64(0xa0004), uc.Mcontext.Pc)
	assert.Equal(uint64(0x7f0000108000), uc.Mcontext.Sp)
	assert.Equal(uint64(0xdeadbeef), uc.Mcontext.Regs[0])
}
