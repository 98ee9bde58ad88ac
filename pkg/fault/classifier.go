// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"syscall"
	"unsafe"
)

// classifyEnv carries one fault through the rule pipeline. ctx and
// thread may be nil: signals can arrive with junk siginfo or on threads
// the runtime never registered, and the early rules must still work.
type classifyEnv struct {
	d      *Dispatcher
	sig    syscall.Signal
	info   *Siginfo
	rawCtx unsafe.Pointer
	ctx    *FaultContext
	thread *Thread
}

// rule is one predicate-and-action pair of the fixed-priority pipeline.
// eval returns ActionUnhandled when the rule does not match.
type rule struct {
	name string
	eval func(*classifyEnv) Classification
}

// buildPipeline assembles the ordered rule table. Built once at
// dispatcher construction and read-only afterward. First match wins;
// the order is load-bearing and mirrors the recovery priority:
// expected probe faults outrank stack overflow, which outranks every
// per-instruction recovery, which outranks chaining and the fatal path.
func buildPipeline(d *Dispatcher) []rule {
	return []rule{
		{name: "ignorable-signal", eval: d.evalIgnorable},
		{name: "assert-poison", eval: d.evalAssertPoison},
		{name: "safefetch", eval: d.evalSafeFetch},
		{name: "stack-guard", eval: d.evalStackGuard},
		{name: "not-entrant-trap", eval: d.evalNotEntrant},
		{name: "safepoint-poll", eval: d.evalSafepointPoll},
		{name: "unsafe-mapped-access", eval: d.evalUnsafeMappedAccess},
		{name: "divide-by-zero", eval: d.evalDivideByZero},
		{name: "implicit-null", eval: d.evalImplicitNull},
		{name: "native-unsafe-access", eval: d.evalNativeUnsafeAccess},
		{name: "slow-case-reentry", eval: d.evalSlowCase},
		{name: "serialize-page", eval: d.evalSerializePage},
	}
}

// Classify runs ctx through the rule pipeline for thread t and returns
// the first classification a rule produces, or an unhandled result when
// no rule matches. It is the pure core of Handle: no signal machinery,
// no context rewriting, usable offline on captured fault records.
func (d *Dispatcher) Classify(ctx *FaultContext, t *Thread) Classification {
	env := classifyEnv{d: d, sig: ctx.Signal, ctx: ctx, thread: t}
	return d.classify(&env)
}

func (d *Dispatcher) classify(env *classifyEnv) Classification {
	for i := range d.pipeline {
		if c := d.pipeline[i].eval(env); c.Action != ActionUnhandled {
			return c
		}
	}
	return unhandled()
}

// Ignorable signals carry no recoverable state: a broken pipe or a file
// size limit hit by runtime I/O is swallowed. A chained handler gets
// first refusal, but the outcome is Resume either way, and neither the
// thread nor the context is ever inspected (the siginfo may be junk
// when foreign code installed and restored handlers around us).
func (d *Dispatcher) evalIgnorable(env *classifyEnv) Classification {
	if env.sig != syscall.SIGPIPE && env.sig != syscall.SIGXFSZ {
		return unhandled()
	}
	if d.Chain != nil {
		// First refusal only; the signal is swallowed whether or not
		// the chained handler claims it.
		d.Chain.Handle(env.sig, env.info, env.rawCtx)
	}
	return resume("ignorable-signal")
}

// evalAssertPoison recognizes a fault on the assertion poison page, a
// debugging aid where an assert writes to a poisoned address so the
// full machine context is available in the report. Optional hook.
func (d *Dispatcher) evalAssertPoison(env *classifyEnv) Classification {
	if d.PoisonAddr == 0 || d.PoisonHandler == nil {
		return unhandled()
	}
	if !isMemoryFault(env.sig) || env.ctx == nil || env.ctx.FaultAddr != d.PoisonAddr {
		return unhandled()
	}
	if d.PoisonHandler(env.ctx) {
		return resume("assert-poison")
	}
	return unhandled()
}

// evalSafeFetch gives registered probe reads absolute priority over
// every other memory-fault rule: a probe address can masquerade as a
// null dereference or a stack fault and must never be misclassified.
func (d *Dispatcher) evalSafeFetch(env *classifyEnv) Classification {
	if !isMemoryFault(env.sig) || env.ctx == nil {
		return unhandled()
	}
	if resumePC, ok := d.SafeFetch.Lookup(env.ctx.PC); ok {
		return redirect("safefetch", resumePC)
	}
	return unhandled()
}

// evalStackGuard handles every stack overflow variation: a memory fault
// whose address lies inside the faulting thread's stack extent.
func (d *Dispatcher) evalStackGuard(env *classifyEnv) Classification {
	if !isMemoryFault(env.sig) || env.ctx == nil || env.thread == nil {
		return unhandled()
	}
	t := env.thread
	addr := env.ctx.FaultAddr
	if d.StackGap != nil {
		addr = d.StackGap(t, addr)
	}
	if !t.OnLocalStack(addr) {
		return unhandled()
	}

	switch d.Guard.Classify(addr, t) {
	case ZoneReserved, ZoneYellow:
		zone := d.Guard.Classify(addr, t)
		if t.Mode() == ModeManaged {
			if zone == ZoneReserved {
				if fr, ok := frameAtBangingPoint(env.ctx, d.Code, d.Interp, d.instrWidth); ok {
					if act, found := d.Reserved.FindActivation(t, fr); found {
						// An annotated method gets to run its cleanup in
						// the reserved headroom instead of unwinding with
						// a stack overflow. The runtime unwinds precisely
						// to the recorded activation point later.
						d.Guard.DisableReserved(t)
						t.setReservedActivation(act)
						return resume("reserved-stack")
					}
				}
				d.Guard.DisableReserved(t)
			} else {
				d.Guard.DisableYellow(t)
			}
			// Throw a managed stack overflow. Guard pages are re-enabled
			// while the stack unwinds, outside this package.
			stub := d.Stubs.ContinuationForImplicitException(t, env.ctx.PC, ImplicitStackOverflow)
			if stub == 0 {
				return unhandled()
			}
			return redirect("stack-overflow", stub)
		}
		// Thread was in the runtime or in native code. Disable the guard
		// and retry: the current operation is trusted to finish within
		// the remaining headroom.
		if zone == ZoneReserved {
			d.Guard.DisableReserved(t)
		} else {
			d.Guard.DisableYellow(t)
		}
		return resume("stack-guard-retry")

	case ZoneRed:
		// Double fault: the thread grew through the yellow band without
		// unwinding. Nothing can be thrown from here; unguard the red
		// pages so the report itself has stack to run on, then die.
		d.Guard.DisableRed(t)
		return fatal("red-zone", "irrecoverable stack overflow")
	}
	return unhandled()
}

func inManagedCode(env *classifyEnv) bool {
	return env.ctx != nil && env.thread != nil && env.thread.Mode() == ModeManaged
}

// evalNotEntrant recognizes the trap left at the verified entry of a
// method that was made not entrant: the patched call site must be
// re-resolved instead of executed. The patch raises SIGILL or SIGTRAP
// depending on which instruction the target patches with.
func (d *Dispatcher) evalNotEntrant(env *classifyEnv) Classification {
	if (env.sig != syscall.SIGILL && env.sig != syscall.SIGTRAP) || !inManagedCode(env) {
		return unhandled()
	}
	if !d.Code.IsNotEntrantTrap(env.ctx.PC) {
		return unhandled()
	}
	return redirect("not-entrant-trap", d.Stubs.WrongMethodStub())
}

// evalSafepointPoll recognizes a poll of the revoked safepoint page and
// diverts the thread into the rendezvous stub. Evaluated only for
// managed code, after safefetch, before the null-check and
// unsafe-access rules.
func (d *Dispatcher) evalSafepointPoll(env *classifyEnv) Classification {
	if !isMemoryFault(env.sig) || !inManagedCode(env) {
		return unhandled()
	}
	if !d.Polls.IsPollAddress(env.ctx.FaultAddr) {
		return unhandled()
	}
	return redirect("safepoint-poll", d.Stubs.PollStub(env.ctx.PC))
}

// evalUnsafeMappedAccess recovers a bus error raised by compiled code
// reading an externally mapped region, typically a mapped file that was
// truncated underneath the runtime. Only methods flagged as tolerating
// such faults are resumed, at the instruction after the faulting call.
func (d *Dispatcher) evalUnsafeMappedAccess(env *classifyEnv) Classification {
	if env.sig != syscall.SIGBUS || !inManagedCode(env) {
		return unhandled()
	}
	pc := env.ctx.PC
	if !d.Code.IsCompiledMethod(pc) || !d.Code.HasUnsafeAccess(pc) {
		return unhandled()
	}
	nextPC := Address(uintptr(pc) + d.instrWidth)
	return redirect("unsafe-mapped-access", d.Stubs.UnsafeAccessContinuation(env.thread, nextPC))
}

func (d *Dispatcher) evalDivideByZero(env *classifyEnv) Classification {
	if env.sig != syscall.SIGFPE || !inManagedCode(env) {
		return unhandled()
	}
	if env.ctx.Code != CodeFPEIntDiv && env.ctx.Code != CodeFPEFltDiv {
		return unhandled()
	}
	stub := d.Stubs.ContinuationForImplicitException(env.thread, env.ctx.PC, ImplicitDivideByZero)
	if stub == 0 {
		return unhandled()
	}
	return redirect("divide-by-zero", stub)
}

// evalImplicitNull classifies a memory fault at an address low enough
// that the access pattern itself proves a null base pointer: no managed
// object can live inside the first page, so no explicit null check was
// compiled in and the fault is the check.
func (d *Dispatcher) evalImplicitNull(env *classifyEnv) Classification {
	if !isMemoryFault(env.sig) || !inManagedCode(env) {
		return unhandled()
	}
	if env.ctx.FaultAddr >= d.NullCheckLimit {
		return unhandled()
	}
	stub := d.Stubs.ContinuationForImplicitException(env.thread, env.ctx.PC, ImplicitNull)
	if stub == 0 {
		return unhandled()
	}
	return redirect("implicit-null", stub)
}

// evalNativeUnsafeAccess is the runtime/native counterpart of the
// mapped-access rule: the thread flagged the operation itself instead
// of the code cache carrying the mark.
func (d *Dispatcher) evalNativeUnsafeAccess(env *classifyEnv) Classification {
	if env.sig != syscall.SIGBUS || env.ctx == nil || env.thread == nil {
		return unhandled()
	}
	mode := env.thread.Mode()
	if mode != ModeRuntime && mode != ModeNative {
		return unhandled()
	}
	if !env.thread.DoingUnsafeAccess() {
		return unhandled()
	}
	nextPC := Address(uintptr(env.ctx.PC) + d.instrWidth)
	return redirect("native-unsafe-access", d.Stubs.UnsafeAccessContinuation(env.thread, nextPC))
}

// evalSlowCase re-routes the handful of fast-path accessor stubs that
// may be interrupted by a concurrent heap change into their slow-path
// re-entry points.
func (d *Dispatcher) evalSlowCase(env *classifyEnv) Classification {
	if !isMemoryFault(env.sig) || env.ctx == nil || env.thread == nil {
		return unhandled()
	}
	if slow, ok := d.Code.SlowCasePC(env.ctx.PC); ok {
		return redirect("slow-case-reentry", slow)
	}
	return unhandled()
}

// evalSerializePage catches a write caught mid-flight while a
// cooperating thread write-protects the memory serialization page for a
// cross-thread broadcast. The page is restored promptly; block until it
// is, then retry the write.
func (d *Dispatcher) evalSerializePage(env *classifyEnv) Classification {
	if env.sig != syscall.SIGSEGV || env.ctx == nil || env.thread == nil {
		return unhandled()
	}
	if !d.Polls.IsSerializeAddress(env.ctx.FaultAddr) {
		return unhandled()
	}
	d.Polls.BlockOnSerializeTrap()
	return resume("serialize-page")
}
