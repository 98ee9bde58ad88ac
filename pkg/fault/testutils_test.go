// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"syscall"
	"unsafe"
)

// Test doubles for the runtime collaborators. Everything is keyed on
// explicit addresses so tests read as small scenarios.

const (
	testStackLow  = Address(0x7f0000100000)
	testStackHigh = Address(0x7f0000200000)
	testPageSize  = uintptr(0x1000)

	// Zone layout with the default 1/2/1 page geometry.
	testRedAddr      = testStackLow + 0x10
	testYellowAddr   = testStackLow + Address(testPageSize) + 0x10
	testReservedAddr = testStackLow + 3*Address(testPageSize) + 0x10

	testCompiledPC = Address(0x7f1000004000)
	testInterpPC   = Address(0x7f2000000100)

	stubStackOverflow = Address(0xa0001)
	stubDivideByZero  = Address(0xa0002)
	stubImplicitNull  = Address(0xa0003)
	stubPoll          = Address(0xa0004)
	stubWrongMethod   = Address(0xa0005)
	stubUnsafeAccess  = Address(0xa0006)
)

type fakeCode struct {
	compiled      map[Address]bool
	unsafeAccess  map[Address]bool
	frameComplete map[Address]bool
	notEntrant    map[Address]bool
	slowCase      map[Address]Address
}

func newFakeCode() *fakeCode {
	return &fakeCode{
		compiled:      map[Address]bool{},
		unsafeAccess:  map[Address]bool{},
		frameComplete: map[Address]bool{},
		notEntrant:    map[Address]bool{},
		slowCase:      map[Address]Address{},
	}
}

func (c *fakeCode) IsCompiledMethod(pc Address) bool { return c.compiled[pc] }
func (c *fakeCode) HasUnsafeAccess(pc Address) bool  { return c.unsafeAccess[pc] }
func (c *fakeCode) IsFrameCompleteAt(pc Address) bool {
	return c.frameComplete[pc]
}
func (c *fakeCode) IsNotEntrantTrap(pc Address) bool { return c.notEntrant[pc] }
func (c *fakeCode) SlowCasePC(pc Address) (Address, bool) {
	slow, ok := c.slowCase[pc]
	return slow, ok
}

type fakeInterp struct {
	lo, hi   Address
	sender   Frame
	senderOK bool
}

func (i *fakeInterp) Contains(pc Address) bool {
	return pc >= i.lo && pc < i.hi
}

func (i *fakeInterp) Sender(fr Frame) (Frame, bool) {
	return i.sender, i.senderOK
}

type fakeStubs struct {
	implicitCalls   []ImplicitKind
	lastNextPC      Address
	noStackOverflow bool
}

func (s *fakeStubs) ContinuationForImplicitException(t *Thread, pc Address, kind ImplicitKind) Address {
	s.implicitCalls = append(s.implicitCalls, kind)
	switch kind {
	case ImplicitNull:
		return stubImplicitNull
	case ImplicitDivideByZero:
		return stubDivideByZero
	case ImplicitStackOverflow:
		if s.noStackOverflow {
			return 0
		}
		return stubStackOverflow
	}
	return 0
}

func (s *fakeStubs) PollStub(pc Address) Address { return stubPoll }
func (s *fakeStubs) WrongMethodStub() Address    { return stubWrongMethod }
func (s *fakeStubs) UnsafeAccessContinuation(t *Thread, nextPC Address) Address {
	s.lastNextPC = nextPC
	return stubUnsafeAccess
}

type fakeReserved struct {
	activation Address
	found      bool
	calls      int
	gotFrame   Frame
}

func (r *fakeReserved) FindActivation(t *Thread, fr Frame) (Address, bool) {
	r.calls++
	r.gotFrame = fr
	return r.activation, r.found
}

type fakeChain struct {
	claim   bool
	calls   int
	lastSig syscall.Signal
}

func (c *fakeChain) Handle(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer) bool {
	c.calls++
	c.lastSig = sig
	return c.claim
}

type fakeFatal struct {
	calls  int
	reason string
	sig    syscall.Signal
}

func (f *fakeFatal) ReportAndTerminate(t *Thread, sig syscall.Signal, ctx *FaultContext, reason string) {
	f.calls++
	f.sig = sig
	f.reason = reason
}

type unguardCall struct {
	addr   Address
	length uintptr
}

type fakeProtector struct {
	calls []unguardCall
}

func (p *fakeProtector) Unguard(addr Address, length uintptr) error {
	p.calls = append(p.calls, unguardCall{addr: addr, length: length})
	return nil
}

// synthContext lets Handle-level tests run without a kernel ucontext.
type synthContext struct {
	fc FaultContext
}

type synthAccessor struct{}

func (synthAccessor) Read(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer) FaultContext {
	fc := (*synthContext)(rawCtx).fc
	fc.Signal = sig
	if info != nil {
		fc.FaultAddr = Address(info.Addr)
		fc.Code = info.Code
	}
	return fc
}

func (synthAccessor) SetPC(rawCtx unsafe.Pointer, pc Address) {
	(*synthContext)(rawCtx).fc.PC = pc
}

// testHarness bundles a dispatcher with its fakes.
type testHarness struct {
	d        *Dispatcher
	thread   *Thread
	code     *fakeCode
	interp   *fakeInterp
	stubs    *fakeStubs
	reserved *fakeReserved
	chain    *fakeChain
	fatal    *fakeFatal
	prot     *fakeProtector
}

func newHarness() *testHarness {
	h := &testHarness{
		code:     newFakeCode(),
		interp:   &fakeInterp{lo: testInterpPC, hi: testInterpPC + 0x1000},
		stubs:    &fakeStubs{},
		reserved: &fakeReserved{},
		chain:    &fakeChain{},
		fatal:    &fakeFatal{},
		prot:     &fakeProtector{},
	}
	h.thread = NewThread(42, testStackLow, testStackHigh)
	h.thread.SetMode(ModeManaged)

	sf := NewSafeFetchRegistry()
	polls := NewSafepointPollHandler()
	guard := NewGuardZoneManager(DefaultZoneGeometry(), h.prot)

	d, err := New(Config{
		Accessor:         synthAccessor{},
		SafeFetch:        sf,
		Guard:            guard,
		Polls:            polls,
		Code:             h.code,
		Interp:           h.interp,
		Stubs:            h.stubs,
		Reserved:         h.reserved,
		Fatal:            h.fatal,
		Chain:            h.chain,
		CurrentThread:    func() *Thread { return h.thread },
		InstructionWidth: 4,
	})
	if err != nil {
		panic(err)
	}
	h.d = d
	return h
}

// segv builds a memory fault context for the harness thread.
func segv(sig syscall.Signal, pc, addr Address) *FaultContext {
	return &FaultContext{
		PC:        pc,
		SP:        testStackLow + 0x8000,
		FP:        testStackLow + 0x8040,
		FaultAddr: addr,
		Signal:    sig,
	}
}
