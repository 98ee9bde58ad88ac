// Copyright (c) 2024 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"unsafe"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/kestrel-vm/runtime/pkg/fault"
	"github.com/kestrel-vm/runtime/pkg/faultconfig"
)

// Symbolic stub addresses used by the offline pipeline, so replay
// output names the continuation instead of printing a meaningless
// number.
const (
	replayStubStackOverflow = fault.Address(0xfa0001)
	replayStubDivideByZero  = fault.Address(0xfa0002)
	replayStubImplicitNull  = fault.Address(0xfa0003)
	replayStubPoll          = fault.Address(0xfa0004)
	replayStubWrongMethod   = fault.Address(0xfa0005)
	replayStubUnsafeAccess  = fault.Address(0xfa0006)
)

var replayStubNames = map[fault.Address]string{
	replayStubStackOverflow: "stack-overflow-stub",
	replayStubDivideByZero:  "divide-by-zero-stub",
	replayStubImplicitNull:  "implicit-null-stub",
	replayStubPoll:          "safepoint-poll-stub",
	replayStubWrongMethod:   "wrong-method-stub",
	replayStubUnsafeAccess:  "unsafe-access-stub",
}

var signalsByName = map[string]syscall.Signal{
	"SIGSEGV": syscall.SIGSEGV,
	"SIGBUS":  syscall.SIGBUS,
	"SIGILL":  syscall.SIGILL,
	"SIGTRAP": syscall.SIGTRAP,
	"SIGFPE":  syscall.SIGFPE,
	"SIGPIPE": syscall.SIGPIPE,
	"SIGXFSZ": syscall.SIGXFSZ,
}

// journal is a recorded fault session: the thread's layout, the code
// map the classifier needs, and the faults to push through the
// pipeline.
type journal struct {
	Thread struct {
		ID        int64  `toml:"id"`
		StackLow  uint64 `toml:"stack_low"`
		StackHigh uint64 `toml:"stack_high"`
		Mode      string `toml:"mode"`
	} `toml:"thread"`

	Interpreter struct {
		Low  uint64 `toml:"low"`
		High uint64 `toml:"high"`
	} `toml:"interpreter"`

	Compiled []struct {
		Low           uint64 `toml:"low"`
		High          uint64 `toml:"high"`
		UnsafeAccess  bool   `toml:"unsafe_access"`
		FrameComplete bool   `toml:"frame_complete"`
	} `toml:"compiled"`

	NotEntrantPCs []uint64 `toml:"not_entrant_pcs"`

	SafeFetch []struct {
		FaultPC  uint64 `toml:"fault_pc"`
		ResumePC uint64 `toml:"resume_pc"`
	} `toml:"safefetch"`

	SlowCase []struct {
		FastPC uint64 `toml:"fast_pc"`
		SlowPC uint64 `toml:"slow_pc"`
	} `toml:"slowcase"`

	Safepoint struct {
		PollBase uint64 `toml:"poll_base"`
		PollSize uint64 `toml:"poll_size"`
	} `toml:"safepoint"`

	Faults []struct {
		Signal string `toml:"signal"`
		PC     uint64 `toml:"pc"`
		SP     uint64 `toml:"sp"`
		FP     uint64 `toml:"fp"`
		LR     uint64 `toml:"lr"`
		Addr   uint64 `toml:"addr"`
		Code   int32  `toml:"code"`
	} `toml:"faults"`
}

func loadJournal(path string) (*journal, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read journal %q", path)
	}
	var j journal
	if err := toml.Unmarshal(blob, &j); err != nil {
		return nil, errors.Wrapf(err, "cannot parse journal %q", path)
	}
	return &j, nil
}

func (j *journal) mode() (fault.ExecMode, error) {
	switch j.Thread.Mode {
	case "managed":
		return fault.ModeManaged, nil
	case "runtime":
		return fault.ModeRuntime, nil
	case "", "native":
		return fault.ModeNative, nil
	}
	return 0, errors.Errorf("unknown thread mode %q", j.Thread.Mode)
}

// journalCode serves CodeIndex queries from the journal's code map.
type journalCode struct {
	j *journal
}

func (c journalCode) find(pc fault.Address) (int, bool) {
	for i, blob := range c.j.Compiled {
		if uint64(pc) >= blob.Low && uint64(pc) < blob.High {
			return i, true
		}
	}
	return 0, false
}

func (c journalCode) IsCompiledMethod(pc fault.Address) bool {
	_, ok := c.find(pc)
	return ok
}

func (c journalCode) HasUnsafeAccess(pc fault.Address) bool {
	i, ok := c.find(pc)
	return ok && c.j.Compiled[i].UnsafeAccess
}

func (c journalCode) IsFrameCompleteAt(pc fault.Address) bool {
	i, ok := c.find(pc)
	return ok && c.j.Compiled[i].FrameComplete
}

func (c journalCode) IsNotEntrantTrap(pc fault.Address) bool {
	for _, p := range c.j.NotEntrantPCs {
		if fault.Address(p) == pc {
			return true
		}
	}
	return false
}

func (c journalCode) SlowCasePC(pc fault.Address) (fault.Address, bool) {
	for _, sc := range c.j.SlowCase {
		if fault.Address(sc.FastPC) == pc {
			return fault.Address(sc.SlowPC), true
		}
	}
	return 0, false
}

type journalInterp struct {
	j *journal
}

func (i journalInterp) Contains(pc fault.Address) bool {
	return i.j.Interpreter.High != 0 &&
		uint64(pc) >= i.j.Interpreter.Low && uint64(pc) < i.j.Interpreter.High
}

// Sender cannot walk frames offline: the journal has no stack memory.
func (i journalInterp) Sender(fr fault.Frame) (fault.Frame, bool) {
	return fault.Frame{}, false
}

type replayStubs struct{}

func (replayStubs) ContinuationForImplicitException(t *fault.Thread, pc fault.Address, kind fault.ImplicitKind) fault.Address {
	switch kind {
	case fault.ImplicitNull:
		return replayStubImplicitNull
	case fault.ImplicitDivideByZero:
		return replayStubDivideByZero
	case fault.ImplicitStackOverflow:
		return replayStubStackOverflow
	}
	return 0
}

func (replayStubs) PollStub(pc fault.Address) fault.Address { return replayStubPoll }
func (replayStubs) WrongMethodStub() fault.Address          { return replayStubWrongMethod }
func (replayStubs) UnsafeAccessContinuation(t *fault.Thread, nextPC fault.Address) fault.Address {
	return replayStubUnsafeAccess
}

// replayReserved never finds an annotated frame: reserved-stack
// recovery needs live stack memory the journal cannot carry.
type replayReserved struct{}

func (replayReserved) FindActivation(t *fault.Thread, fr fault.Frame) (fault.Address, bool) {
	return 0, false
}

// replayFatal records instead of terminating: the tool is inspecting a
// journal, not dying on its behalf.
type replayFatal struct{}

func (replayFatal) ReportAndTerminate(t *fault.Thread, sig syscall.Signal, ctx *fault.FaultContext, reason string) {
}

// noUnguard leaves page protection alone: the journal's addresses are
// not this process's memory.
type noUnguard struct{}

func (noUnguard) Unguard(addr fault.Address, length uintptr) error { return nil }

// replayAccessor satisfies the dispatcher's required accessor slot.
// Replay never sees a raw kernel context, so neither method can be
// reached.
type replayAccessor struct{}

func (replayAccessor) Read(sig syscall.Signal, info *fault.Siginfo, rawCtx unsafe.Pointer) fault.FaultContext {
	return fault.FaultContext{Signal: sig}
}

func (replayAccessor) SetPC(rawCtx unsafe.Pointer, pc fault.Address) {}

// buildReplayDispatcher assembles an offline dispatcher over the
// journal's code map with the given configuration.
func buildReplayDispatcher(cfg faultconfig.Config, j *journal) (*fault.Dispatcher, *fault.Thread, error) {
	mode, err := j.mode()
	if err != nil {
		return nil, nil, err
	}
	thread := fault.NewThread(j.Thread.ID, fault.Address(j.Thread.StackLow), fault.Address(j.Thread.StackHigh))
	thread.SetMode(mode)

	sf := fault.NewSafeFetchRegistry()
	for _, e := range j.SafeFetch {
		if err := sf.Register(fault.Address(e.FaultPC), fault.Address(e.ResumePC)); err != nil {
			return nil, nil, err
		}
	}

	polls := fault.NewSafepointPollHandler()
	if j.Safepoint.PollSize != 0 {
		polls.SetPollRange(fault.Address(j.Safepoint.PollBase), uintptr(j.Safepoint.PollSize))
	}

	d, err := fault.New(fault.Config{
		Accessor:         replayAccessor{},
		SafeFetch:        sf,
		Guard:            fault.NewGuardZoneManager(cfg.Geometry(), noUnguard{}),
		Polls:            polls,
		Code:             journalCode{j: j},
		Interp:           journalInterp{j: j},
		Stubs:            replayStubs{},
		Reserved:         replayReserved{},
		Fatal:            replayFatal{},
		CurrentThread:    func() *fault.Thread { return thread },
		StackGap:         cfg.StackGapHook(),
		NullCheckLimit:   fault.Address(cfg.Dispatcher.NullCheckLimit),
		InstructionWidth: uintptr(cfg.Dispatcher.InstructionWidth),
	})
	if err != nil {
		return nil, nil, err
	}
	return d, thread, nil
}

func describeTarget(target fault.Address) string {
	if name, ok := replayStubNames[target]; ok {
		return name
	}
	return fmt.Sprintf("%#x", uintptr(target))
}

func replayJournal(w io.Writer, cfg faultconfig.Config, j *journal) error {
	d, thread, err := buildReplayDispatcher(cfg, j)
	if err != nil {
		return err
	}

	for i, f := range j.Faults {
		sig, ok := signalsByName[f.Signal]
		if !ok {
			return errors.Errorf("fault %d: unknown signal %q", i, f.Signal)
		}
		ctx := &fault.FaultContext{
			PC:        fault.Address(f.PC),
			SP:        fault.Address(f.SP),
			FP:        fault.Address(f.FP),
			LR:        fault.Address(f.LR),
			FaultAddr: fault.Address(f.Addr),
			Signal:    sig,
			Code:      f.Code,
		}

		c := d.Classify(ctx, thread)
		switch c.Action {
		case fault.ActionRedirect:
			fmt.Fprintf(w, "fault %d: %s pc=%#x addr=%#x -> redirect to %s (%s)\n",
				i, f.Signal, f.PC, f.Addr, describeTarget(c.Target), c.Rule)
		case fault.ActionResume:
			fmt.Fprintf(w, "fault %d: %s pc=%#x addr=%#x -> resume (%s)\n",
				i, f.Signal, f.PC, f.Addr, c.Rule)
		case fault.ActionFatal:
			fmt.Fprintf(w, "fault %d: %s pc=%#x addr=%#x -> fatal: %s\n",
				i, f.Signal, f.PC, f.Addr, c.Reason)
		default:
			fmt.Fprintf(w, "fault %d: %s pc=%#x addr=%#x -> unhandled (would forward or abort)\n",
				i, f.Signal, f.PC, f.Addr)
		}
		fmt.Fprintf(w, "  thread: mode=%s zones=%s\n", thread.Mode(), thread.ZoneState())
	}
	return nil
}

var replayCLICommand = cli.Command{
	Name:      "replay",
	Usage:     "replay a recorded fault journal through the classifier pipeline",
	ArgsUsage: "<journal.toml>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "fault configuration to replay under (defaults apply if unset)",
		},
	},
	Action: func(context *cli.Context) error {
		if context.NArg() != 1 {
			return errors.New("expected exactly one journal file")
		}

		cfg := faultconfig.Default()
		if path := context.String("config"); path != "" {
			var err error
			cfg, err = faultconfig.LoadConfiguration(path)
			if err != nil {
				return err
			}
		}

		j, err := loadJournal(context.Args().First())
		if err != nil {
			return err
		}
		return replayJournal(defaultOutputFile, cfg, j)
	},
}
