// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package signals owns the terminal path of the runtime: the table of
// signals the fault dispatcher installs on, panic trapping and the
// backtrace-then-die sequence the fatal reporter runs after an
// unrecoverable fault.
package signals

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

var signalLog = logrus.WithField("source", "signals")

// CrashOnError causes a coredump to be produced when an unrecoverable
// fault or internal error occurs.
var CrashOnError = false

// DieCb is run as the first step of Die(), before the backtrace, so the
// caller can flush whatever diagnostics it still holds.
type DieCb func()

// SetLogger sets the custom logger to be used by this package. If not
// called, the package will create its own logger.
func SetLogger(logger *logrus.Entry) {
	signalLog = logger.WithField("source", "signals")
}

// HandlePanic writes a message to the logger and then calls Die().
func HandlePanic(dieCb DieCb) {
	r := recover()

	if r != nil {
		msg := fmt.Sprintf("%s", r)
		signalLog.WithField("panic", msg).Error("fatal error")

		Die(dieCb)
	}
}

// Backtrace writes a multi-line backtrace to the logger.
func Backtrace() {
	profiles := pprof.Profiles()

	buf := &bytes.Buffer{}

	for _, p := range profiles {
		// The magic number requests a full stacktrace. See
		// https://golang.org/pkg/runtime/pprof/#Profile.WriteTo.
		pprof.Lookup(p.Name()).WriteTo(buf, 2)
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		signalLog.Error(line)
	}
}

// FatalSignal returns true if the specified signal must terminate the
// process when the dispatcher cannot otherwise resolve it.
func FatalSignal(sig syscall.Signal) bool {
	s, exists := handledSignalsMap[sig]
	if !exists {
		return false
	}

	return s
}

// NonFatalSignal returns true if the specified signal is swallowed even
// when the dispatcher cannot resolve it.
func NonFatalSignal(sig syscall.Signal) bool {
	s, exists := handledSignalsMap[sig]
	if !exists {
		return false
	}

	return !s
}

// HandledSignals returns the list of signals the dispatcher installs
// handlers for.
func HandledSignals() []syscall.Signal {
	var signals []syscall.Signal

	for sig := range handledSignalsMap {
		signals = append(signals, sig)
	}

	return signals
}

// Die causes a backtrace to be produced. If CrashOnError is set a
// coredump will be produced, else the program will exit.
func Die(dieCb DieCb) {
	dieCb()

	Backtrace()

	if CrashOnError {
		signal.Reset(syscall.SIGABRT)
		syscall.Kill(0, syscall.SIGABRT)
	}

	os.Exit(1)
}
