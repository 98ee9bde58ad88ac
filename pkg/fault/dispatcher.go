// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrAlreadyInstalled is returned when a second dispatcher is
	// installed.
	ErrAlreadyInstalled = errors.New("fault dispatcher already installed")

	// ErrMissingCollaborator is wrapped for every required collaborator
	// absent from the dispatcher configuration.
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// Config wires the dispatcher to its collaborators. All fields except
// Chain, StackGap, Poison* and MetricsRegistry are required.
type Config struct {
	Accessor  ContextAccessor
	SafeFetch *SafeFetchRegistry
	Guard     *GuardZoneManager
	Polls     *SafepointPollHandler

	Code     CodeIndex
	Interp   InterpreterRange
	Stubs    StubProvider
	Reserved ReservedStackLookup
	Fatal    FatalReporter

	// CurrentThread resolves the faulting OS thread to its registered
	// Thread, or nil for threads the runtime never attached. Backed by
	// thread-local state in the runtime; must not allocate or lock.
	CurrentThread func() *Thread

	// Chain is the handler that was installed before ours, if any.
	Chain ChainedHandler

	// StackGap optionally compensates for kernel-imposed guard pages
	// (see StackGapHook).
	StackGap StackGapHook

	// PoisonAddr/PoisonHandler arm the assertion poison page hook.
	PoisonAddr    Address
	PoisonHandler func(*FaultContext) bool

	// NullCheckLimit is the exclusive upper bound of addresses whose
	// access proves a null base pointer. Zero selects one page.
	NullCheckLimit Address

	// InstructionWidth overrides the target's call instruction width.
	// Zero selects the build target's value.
	InstructionWidth uintptr

	// MetricsRegistry, when set, receives classification counters.
	MetricsRegistry prometheus.Registerer
}

func (c *Config) validate() error {
	var result *multierror.Error
	required := []struct {
		name string
		ok   bool
	}{
		{"context accessor", c.Accessor != nil},
		{"safe fetch registry", c.SafeFetch != nil},
		{"guard zone manager", c.Guard != nil},
		{"safepoint poll handler", c.Polls != nil},
		{"code index", c.Code != nil},
		{"interpreter range", c.Interp != nil},
		{"stub provider", c.Stubs != nil},
		{"reserved stack lookup", c.Reserved != nil},
		{"fatal reporter", c.Fatal != nil},
		{"current thread resolver", c.CurrentThread != nil},
	}
	for _, r := range required {
		if !r.ok {
			result = multierror.Append(result, errors.Wrap(ErrMissingCollaborator, r.name))
		}
	}
	return result.ErrorOrNil()
}

// Dispatcher is the process-wide fault dispatch engine. Constructed and
// installed once during single-threaded startup; everything it holds is
// read-only at fault time except per-thread state.
type Dispatcher struct {
	Accessor  ContextAccessor
	SafeFetch *SafeFetchRegistry
	Guard     *GuardZoneManager
	Polls     *SafepointPollHandler

	Code     CodeIndex
	Interp   InterpreterRange
	Stubs    StubProvider
	Reserved ReservedStackLookup
	Chain    ChainedHandler
	Fatal    FatalReporter

	CurrentThread func() *Thread
	StackGap      StackGapHook
	PoisonAddr    Address
	PoisonHandler func(*FaultContext) bool

	NullCheckLimit Address

	instrWidth uintptr
	pipeline   []rule
	metrics    *pipelineMetrics
}

// New builds a dispatcher from cfg. The rule pipeline is assembled here
// and never changes afterward.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		Accessor:       cfg.Accessor,
		SafeFetch:      cfg.SafeFetch,
		Guard:          cfg.Guard,
		Polls:          cfg.Polls,
		Code:           cfg.Code,
		Interp:         cfg.Interp,
		Stubs:          cfg.Stubs,
		Reserved:       cfg.Reserved,
		Chain:          cfg.Chain,
		Fatal:          cfg.Fatal,
		CurrentThread:  cfg.CurrentThread,
		StackGap:       cfg.StackGap,
		PoisonAddr:     cfg.PoisonAddr,
		PoisonHandler:  cfg.PoisonHandler,
		NullCheckLimit: cfg.NullCheckLimit,
		instrWidth:     cfg.InstructionWidth,
	}
	if d.NullCheckLimit == 0 {
		d.NullCheckLimit = Address(cfg.Guard.Geometry().PageSize)
	}
	if d.instrWidth == 0 {
		d.instrWidth = callInstructionWidth
	}
	d.pipeline = buildPipeline(d)
	if cfg.MetricsRegistry != nil {
		d.metrics = newPipelineMetrics(cfg.MetricsRegistry, d.pipeline)
	}
	return d, nil
}

// installedDispatcher is the process-wide handler registration:
// populated exactly once during startup, read-only afterward.
var installedDispatcher atomic.Pointer[Dispatcher]

// Install publishes d as the process dispatcher and seals the safe
// fetch registry: from here on faults may arrive at any moment and the
// registry must be immutable.
func Install(d *Dispatcher) error {
	if !installedDispatcher.CompareAndSwap(nil, d) {
		return ErrAlreadyInstalled
	}
	d.SafeFetch.Seal()
	faultLog.WithField("rules", len(d.pipeline)).Info("fault dispatcher installed")
	return nil
}

// Installed returns the process dispatcher, or nil before Install.
func Installed() *Dispatcher {
	return installedDispatcher.Load()
}

// HandledSignals lists the signals the dispatcher must be registered
// for.
func HandledSignals() []syscall.Signal {
	return []syscall.Signal{
		syscall.SIGSEGV,
		syscall.SIGBUS,
		syscall.SIGILL,
		syscall.SIGTRAP,
		syscall.SIGFPE,
		syscall.SIGPIPE,
		syscall.SIGXFSZ,
	}
}

// isCrashSignal reports whether sig is one of the synchronous hardware
// fault signals a crash protection region expects.
func isCrashSignal(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL, syscall.SIGFPE, syscall.SIGTRAP:
		return true
	}
	return false
}

// Handle is the top-level signal entry point, invoked on the faulting
// thread with the kernel's raw siginfo and ucontext. It returns true
// when the signal was resolved and delivery may resume transparently;
// false means the caller asked to probe further (abortIfUnrecognized
// unset) and may retry another resolution path.
func (d *Dispatcher) Handle(sig syscall.Signal, info *Siginfo, rawCtx unsafe.Pointer, abortIfUnrecognized bool) bool {
	t := d.CurrentThread()

	// Crash protection first: if the thread armed a protected region it
	// expects this fault, and control transfers straight back to the
	// saved point. No recovery logic, no unwind cleanup.
	if t != nil && isCrashSignal(sig) {
		if cp := t.crashProtectionRegion(); cp != nil {
			if rawCtx != nil {
				d.Accessor.SetPC(rawCtx, cp.ResumePC)
			}
			return true
		}
	}

	if t != nil {
		t.enterHandler()
		defer t.leaveHandler()
	}

	env := classifyEnv{d: d, sig: sig, info: info, rawCtx: rawCtx, thread: t}
	var fc FaultContext
	if rawCtx != nil {
		fc = d.Accessor.Read(sig, info, rawCtx)
		env.ctx = &fc
	}

	c := d.classify(&env)
	d.metrics.observe(c)

	switch c.Action {
	case ActionResume:
		return true

	case ActionRedirect:
		// Save the faulting pc so the stub can reconstruct the site,
		// then divert the thread.
		if t != nil && env.ctx != nil {
			t.setSavedExceptionPC(env.ctx.PC)
		}
		if rawCtx != nil {
			d.Accessor.SetPC(rawCtx, c.Target)
		}
		return true

	case ActionFatal:
		d.reportFatal(t, sig, env.ctx, c.Reason)
		return true
	}

	// No rule matched: give a previously installed handler its chance.
	if d.Chain != nil && d.Chain.Handle(sig, info, rawCtx) {
		d.metrics.observe(forward("chained-handler"))
		return true
	}

	if !abortIfUnrecognized {
		// Caller wants another chance.
		return false
	}

	d.reportFatal(t, sig, env.ctx, "unrecognized signal")
	return true
}

func (d *Dispatcher) reportFatal(t *Thread, sig syscall.Signal, ctx *FaultContext, reason string) {
	// The fatal signal is typically blocked while its handler runs;
	// unmask it so the report can re-raise it for a proper core dump.
	unblockSignal(sig)
	d.metrics.observeFatal()

	entry := faultLog.WithField("signal", sig.String()).WithField("reason", reason)
	if t != nil {
		entry = entry.WithField("thread", t.ID).
			WithField("zones", t.ZoneState().String()).
			WithField("nested", t.HandlerDepth() > 1)
	}
	if ctx != nil {
		entry = entry.WithField("pc", uintptr(ctx.PC)).
			WithField("fault-address", uintptr(ctx.FaultAddr))
	}
	entry.Error("unrecoverable fault")

	d.Fatal.ReportAndTerminate(t, sig, ctx, reason)
}
