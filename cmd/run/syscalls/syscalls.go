// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package syscalls maps syscall numbers back to their mnemonic names, for
// logging and crash reports. The table covers the syscalls the engine traps
// and a few related ones.
package syscalls

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var names = map[string]int{
	"socket":       unix.SYS_SOCKET,
	"setsockopt":   unix.SYS_SETSOCKOPT,
	"getsockopt":   unix.SYS_GETSOCKOPT,
	"bind":         unix.SYS_BIND,
	"connect":      unix.SYS_CONNECT,
	"listen":       unix.SYS_LISTEN,
	"accept":       unix.SYS_ACCEPT,
	"accept4":      unix.SYS_ACCEPT4,
	"getpeername":  unix.SYS_GETPEERNAME,
	"getsockname":  unix.SYS_GETSOCKNAME,
	"close":        unix.SYS_CLOSE,
	"dup":          unix.SYS_DUP,
	"dup2":         unix.SYS_DUP2,
	"dup3":         unix.SYS_DUP3,
	"fcntl":        unix.SYS_FCNTL,
	"execve":       unix.SYS_EXECVE,
	"exit":         unix.SYS_EXIT,
	"exit_group":   unix.SYS_EXIT_GROUP,
}

// GetName returns the mnemonic name of the syscall with number nr, or a
// "SYS_0x..." placeholder if nr isn't in the table.
func GetName(nr int) string {
	for name := range names {
		if nr == names[name] {
			return name
		}
	}
	return fmt.Sprintf("SYS_0x%X", nr)
}

// GetNumber returns the syscall number for a mnemonic name known to the
// engine, and false if the name isn't recognized.
func GetNumber(name string) (int, bool) {
	nr, ok := names[name]
	return nr, ok
}
