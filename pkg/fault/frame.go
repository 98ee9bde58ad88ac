// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

// Frame is one logical call frame: stack pointer, frame pointer and the
// program counter of the code executing in it.
type Frame struct {
	SP Address
	FP Address
	PC Address
}

// frameAtBangingPoint reconstructs the managed frame whose stack bang
// triggered a guard zone fault.
//
// The interpreter bangs the stack after its fixed frame header has been
// built, so the logical frame affected is the caller of the frame the
// context describes. Compiled code bangs before the frame is built: the
// return address is still live in the link register (the faulting call
// has not pushed it), so the logical PC is LR minus one instruction
// width, and the context's stack and frame pointers already belong to
// the caller.
//
// Both paths validate that the reconstructed frame is managed code
// before trusting it. On any doubt it reports false and the caller
// proceeds without frame-based recovery.
func frameAtBangingPoint(ctx *FaultContext, code CodeIndex, interp InterpreterRange, instrWidth uintptr) (Frame, bool) {
	if interp.Contains(ctx.PC) {
		cur := Frame{SP: ctx.SP, FP: ctx.FP, PC: ctx.PC}
		sender, ok := interp.Sender(cur)
		if !ok {
			return Frame{}, false
		}
		if !isManagedPC(sender.PC, code, interp) {
			return Frame{}, false
		}
		return sender, true
	}

	if !code.IsCompiledMethod(ctx.PC) || code.IsFrameCompleteAt(ctx.PC) {
		// Not sure where the pc points; fall back to default guard zone
		// handling.
		return Frame{}, false
	}
	if ctx.LR == 0 {
		// No link register captured on this target.
		return Frame{}, false
	}
	fr := Frame{
		SP: ctx.SP,
		FP: ctx.FP,
		PC: Address(uintptr(ctx.LR) - instrWidth),
	}
	if !isManagedPC(fr.PC, code, interp) {
		return Frame{}, false
	}
	return fr, true
}

func isManagedPC(pc Address, code CodeIndex, interp InterpreterRange) bool {
	return interp.Contains(pc) || code.IsCompiledMethod(pc)
}
