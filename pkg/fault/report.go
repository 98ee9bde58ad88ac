// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kestrel-vm/runtime/pkg/signals"
)

// unblockSignal removes sig from the thread's signal mask. The kernel
// blocks a signal while its handler runs; the fatal path unmasks it so
// that re-raising it after the report produces the default disposition
// (a core dump) instead of a deadlock.
func unblockSignal(sig syscall.Signal) {
	var set unix.Sigset_t
	bit := uint(sig) - 1
	set.Val[bit/64] |= 1 << (bit % 64)
	// Best effort: a failure here only costs the core dump.
	_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
}

// logReporter is the default FatalReporter: it dumps the captured
// machine state and a full backtrace through the signals package, then
// terminates the process.
type logReporter struct{}

// NewLogReporter returns the default terminal reporter.
func NewLogReporter() FatalReporter {
	return logReporter{}
}

func (logReporter) ReportAndTerminate(t *Thread, sig syscall.Signal, ctx *FaultContext, reason string) {
	entry := faultLog.WithField("reason", reason).WithField("signal", sig.String())
	if ctx != nil {
		entry = entry.WithField("pc", uintptr(ctx.PC)).
			WithField("sp", uintptr(ctx.SP)).
			WithField("fp", uintptr(ctx.FP)).
			WithField("fault-address", uintptr(ctx.FaultAddr)).
			WithField("code", ctx.Code)
	}
	if t != nil {
		entry = entry.WithField("thread", t.ID).
			WithField("mode", t.Mode().String()).
			WithField("zones", t.ZoneState().String()).
			WithField("stack-low", uintptr(t.StackLow())).
			WithField("stack-high", uintptr(t.StackHigh()))
	}
	entry.Error("fatal fault report")

	signals.Die(func() {})
}
