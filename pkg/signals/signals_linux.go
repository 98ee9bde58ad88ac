// Copyright (c) 2023 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package signals

import "syscall"

// List of signals the fault dispatcher installs on.
//
// The value is true if the signal is fatal when no pipeline rule and no
// chained handler resolves it. SIGPIPE and SIGXFSZ are always swallowed
// (runtime I/O can trigger both harmlessly).
var handledSignalsMap = map[syscall.Signal]bool{
	syscall.SIGSEGV: true,
	syscall.SIGBUS:  true,
	syscall.SIGILL:  true,
	syscall.SIGTRAP: true,
	syscall.SIGFPE:  true,
	syscall.SIGPIPE: false,
	syscall.SIGXFSZ: false,
}
