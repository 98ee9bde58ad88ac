// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package fault translates synchronous hardware exceptions (SIGSEGV,
// SIGBUS, SIGILL, SIGTRAP, SIGFPE and friends) delivered to a faulting
// thread into managed-runtime recovery actions: resuming the faulting
// instruction, redirecting the thread into a runtime-generated stub,
// forwarding the signal to a previously installed handler, or
// terminating the process with a diagnostic report.
//
// The package runs in signal-handler context on the faulting thread. It
// performs no heap allocation and acquires no locks while classifying a
// fault; the only shared state it mutates is the per-thread guard zone
// word, via one-way idempotent compare-and-swap transitions.
package fault

import (
	"syscall"

	"github.com/sirupsen/logrus"
)

// faultLog is the logger used by the package. Classification itself
// never logs; only the install, forward and fatal paths do.
var faultLog = logrus.WithField("source", "fault")

// SetLogger sets the custom logger to be used by this package. If not
// called, the package will create its own logger.
func SetLogger(logger *logrus.Entry) {
	faultLog = logger.WithField("source", "fault")
}

// Address is a raw machine address as captured from the faulting
// thread's execution context.
type Address uintptr

// Action is the resolution a classified fault demands.
type Action int

const (
	// ActionUnhandled means no rule matched; the caller may retry a
	// different resolution path or escalate.
	ActionUnhandled Action = iota

	// ActionResume retries the faulting instruction in place, with the
	// captured machine state unchanged.
	ActionResume

	// ActionRedirect rewrites the program counter to Classification.Target
	// and resumes the thread there.
	ActionRedirect

	// ActionForward hands the untouched signal to the handler that was
	// installed before ours.
	ActionForward

	// ActionFatal produces a diagnostic report and terminates the
	// process. It is terminal and unconditional.
	ActionFatal
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionRedirect:
		return "redirect"
	case ActionForward:
		return "forward"
	case ActionFatal:
		return "fatal"
	}
	return "unhandled"
}

// Classification is the outcome of running one fault through the rule
// pipeline.
type Classification struct {
	Action Action

	// Target is the redirect destination. Valid only for ActionRedirect.
	Target Address

	// Rule names the pipeline rule that produced this classification,
	// for diagnostics and metrics. Empty for ActionUnhandled.
	Rule string

	// Reason carries the human-readable cause for ActionFatal.
	Reason string
}

func unhandled() Classification {
	return Classification{Action: ActionUnhandled}
}

func resume(rule string) Classification {
	return Classification{Action: ActionResume, Rule: rule}
}

func redirect(rule string, target Address) Classification {
	return Classification{Action: ActionRedirect, Target: target, Rule: rule}
}

func forward(rule string) Classification {
	return Classification{Action: ActionForward, Rule: rule}
}

func fatal(rule, reason string) Classification {
	return Classification{Action: ActionFatal, Rule: rule, Reason: reason}
}

// ImplicitKind identifies which implicit-exception continuation stub the
// runtime should supply for a recoverable fault.
type ImplicitKind int

const (
	// ImplicitNull is a null pointer dereference proven by the access
	// pattern itself.
	ImplicitNull ImplicitKind = iota

	// ImplicitDivideByZero is an integer or floating divide by zero.
	ImplicitDivideByZero

	// ImplicitStackOverflow is a yellow guard zone hit that should raise
	// a managed stack overflow.
	ImplicitStackOverflow
)

// String implements fmt.Stringer.
func (k ImplicitKind) String() string {
	switch k {
	case ImplicitNull:
		return "null-pointer"
	case ImplicitDivideByZero:
		return "divide-by-zero"
	case ImplicitStackOverflow:
		return "stack-overflow"
	}
	return "unknown"
}

// isMemoryFault reports whether sig is one of the two signal kinds the
// kernel uses for bad memory accesses. Several pipeline rules apply to
// both: the platforms we run on do not agree on which of the two a
// given access pattern raises.
func isMemoryFault(sig syscall.Signal) bool {
	return sig == syscall.SIGSEGV || sig == syscall.SIGBUS
}
