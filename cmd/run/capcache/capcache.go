// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package capcache memoizes probes for optional kernel capabilities the
// interception pipeline depends on. There's no dynamic symbol table to
// resolve against here (the supervisor issues real syscalls directly), but
// the shape of the problem is the same one a libc symbol resolver solves:
// look something up once, cache it, and treat its absence as either a
// silent degrade or a fatal misconfiguration depending on which capability
// it is.
package capcache

import (
	"fmt"
	"os"
	"sync"

	"unixify.dev/cmd/run/kernel"
)

type probe struct {
	once sync.Once
	ok   bool
}

var (
	addFDFlagSend    probe
	waitKillableRecv probe
	pidfdGetfd       probe
)

// AddFDFlagSend reports whether SECCOMP_ADDFD_FLAG_SEND is available
// (kernel 5.14+). Its absence degrades the engine to the two-step
// ADDFD-then-SEND sequence instead of aborting.
func AddFDFlagSend() bool {
	addFDFlagSend.once.Do(func() {
		_, _, err := kernel.CheckVersion("5.14", true)
		addFDFlagSend.ok = err == nil
	})
	return addFDFlagSend.ok
}

// WaitKillableRecv reports whether SECCOMP_FILTER_FLAG_WAIT_KILLABLE_RECV is
// available (kernel 5.19+).
func WaitKillableRecv() bool {
	waitKillableRecv.once.Do(func() {
		_, _, err := kernel.CheckVersion("5.19", false)
		waitKillableRecv.ok = err == nil
	})
	return waitKillableRecv.ok
}

// PidfdGetfd reports whether the pidfd_getfd(2) syscall is implemented by
// the running kernel (5.6+). This one is mandatory: without it the
// supervisor has no way to pull the tracee's own listening descriptor back
// into its own process for the fork/exec handoff in run.go, so its absence
// is fatal via Require, not a silent degrade.
func PidfdGetfd() bool {
	pidfdGetfd.once.Do(func() {
		_, _, err := kernel.CheckVersion("5.6", true)
		pidfdGetfd.ok = err == nil
	})
	return pidfdGetfd.ok
}

// Require aborts the process with a diagnostic on standard error if the
// named capability, identified by its probe function, is absent. This is
// the direct counterpart of "[symbol] resolution failure is fatal": a
// capability this layer cannot function without is exactly as fatal as a
// libc symbol that can't be resolved.
func Require(name string, have bool) {
	if have {
		return
	}
	fmt.Fprintf(os.Stderr, "unixify: error: required kernel capability %q is not available on this system\n", name)
	os.Exit(1)
}
