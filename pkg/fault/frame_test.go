// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBangingPointInterpreterUsesSender(t *testing.T) {
	assert := assert.New(t)

	code := newFakeCode()
	interp := &fakeInterp{lo: testInterpPC, hi: testInterpPC + 0x1000}
	sender := Frame{SP: 0x9000, FP: 0x9040, PC: testInterpPC + 0x200}
	interp.sender = sender
	interp.senderOK = true

	ctx := segv(syscall.SIGSEGV, testInterpPC, testReservedAddr)
	fr, ok := frameAtBangingPoint(ctx, code, interp, 4)
	assert.True(ok)
	assert.Equal(sender, fr)
}

func TestBangingPointInterpreterUnwalkableSender(t *testing.T) {
	assert := assert.New(t)

	code := newFakeCode()
	interp := &fakeInterp{lo: testInterpPC, hi: testInterpPC + 0x1000}
	interp.senderOK = false

	ctx := segv(syscall.SIGSEGV, testInterpPC, testReservedAddr)
	_, ok := frameAtBangingPoint(ctx, code, interp, 4)
	assert.False(ok)
}

func TestBangingPointSenderMustBeManaged(t *testing.T) {
	assert := assert.New(t)

	code := newFakeCode()
	interp := &fakeInterp{lo: testInterpPC, hi: testInterpPC + 0x1000}
	// Sender pc is neither interpreter nor compiled code.
	interp.sender = Frame{SP: 0x9000, FP: 0x9040, PC: 0xbad0000}
	interp.senderOK = true

	ctx := segv(syscall.SIGSEGV, testInterpPC, testReservedAddr)
	_, ok := frameAtBangingPoint(ctx, code, interp, 4)
	assert.False(ok)
}

func TestBangingPointCompiledWithoutLinkRegister(t *testing.T) {
	assert := assert.New(t)

	code := newFakeCode()
	code.compiled[testCompiledPC] = true
	interp := &fakeInterp{lo: testInterpPC, hi: testInterpPC + 0x1000}

	ctx := segv(syscall.SIGSEGV, testCompiledPC, testReservedAddr)
	ctx.LR = 0

	// No captured return address: fall back to frameless handling.
	_, ok := frameAtBangingPoint(ctx, code, interp, 4)
	assert.False(ok)
}

func TestBangingPointUnknownPC(t *testing.T) {
	assert := assert.New(t)

	code := newFakeCode()
	interp := &fakeInterp{lo: testInterpPC, hi: testInterpPC + 0x1000}

	// Neither interpreter nor compiled code: not sure where the pc
	// points, so no frame.
	ctx := segv(syscall.SIGSEGV, 0xbad0000, testReservedAddr)
	ctx.LR = 0xbad1000
	_, ok := frameAtBangingPoint(ctx, code, interp, 4)
	assert.False(ok)
}
