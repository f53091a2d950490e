// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package convert creates the replacement AF_UNIX socket that a matched
// bind/connect substitutes for a tracee's original AF_INET/AF_INET6 one.
//
// The supervisor is the only process that can issue socket(2) without going
// through the interception path it installed on itself; everything this
// package does happens entirely on the supervisor's side, in its own
// process, using real syscalls against a throwaway descriptor. The caller
// is responsible for installing the returned descriptor into the tracee
// (with seccomp.Notif.AddFDAt) and for closing it if that installation
// fails.
package convert

import (
	"fmt"

	"golang.org/x/sys/unix"
	"unixify.dev/cmd/run/fd"
	"unixify.dev/cmd/run/socket"
)

// InPlace builds a new AF_UNIX socket that preserves rec's descriptor flags,
// status flags, and cached generic socket options, ready to be installed in
// place of the original descriptor. Calling InPlace on an already-converted
// record is a no-op success that returns rec.FD with an extra reference.
//
// The caller must still perform the real bind/connect against the returned
// descriptor; InPlace only gets the socket itself (and its carried-over
// state) ready, it does not bind or connect it.
func InPlace(rec *socket.Record) (*fd.FD, error) {
	if rec.Converted {
		if !rec.FD.IncRef() {
			return nil, fmt.Errorf("convert: record marked converted but its descriptor is already closed")
		}
		return rec.FD, nil
	}

	if !rec.FD.IncRef() {
		return nil, fmt.Errorf("convert: original descriptor is closed")
	}
	defer rec.FD.DecRef()
	origFD := rec.FD.FD()

	descFlags, err := unix.FcntlInt(uintptr(origFD), unix.F_GETFD, 0)
	if err != nil {
		return nil, fmt.Errorf("convert: fcntl F_GETFD: %w", err)
	}
	statusFlags, err := unix.FcntlInt(uintptr(origFD), unix.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("convert: fcntl F_GETFL: %w", err)
	}

	sockType := unix.SOCK_STREAM
	if rec.Type == socket.TypeDatagram {
		sockType = unix.SOCK_DGRAM
	}
	// CLOEXEC/NONBLOCK can be requested atomically at creation time; doing
	// so here avoids a window where a concurrent fork in the supervisor
	// could leak the transient descriptor to a child of its own.
	if descFlags&unix.FD_CLOEXEC != 0 {
		sockType |= unix.SOCK_CLOEXEC
	}
	if statusFlags&unix.O_NONBLOCK != 0 {
		sockType |= unix.SOCK_NONBLOCK
	}

	newRaw, err := unix.Socket(unix.AF_UNIX, sockType, 0)
	if err != nil {
		return nil, fmt.Errorf("convert: socket(AF_UNIX): %w", err)
	}
	newFD := fd.NewFD(newRaw)

	fail := func(err error) (*fd.FD, error) {
		newFD.ClosingIncRef()
		newFD.Lock()
		unix.Close(newRaw)
		newFD.DecRef()
		return nil, err
	}

	// SOCK_CLOEXEC/SOCK_NONBLOCK above already cover the two flag bits the
	// platform lets us request at creation time; any other descriptor flag
	// bits (there currently are none defined beyond FD_CLOEXEC) or status
	// flag bits not already applied are reconciled explicitly so behavior
	// doesn't depend on which bits SOCK_CLOEXEC/SOCK_NONBLOCK happen to
	// cover on a given kernel.
	if _, err := unix.FcntlInt(uintptr(newRaw), unix.F_SETFD, descFlags); err != nil {
		return fail(fmt.Errorf("convert: fcntl F_SETFD: %w", err))
	}
	if _, err := unix.FcntlInt(uintptr(newRaw), unix.F_SETFL, statusFlags); err != nil {
		return fail(fmt.Errorf("convert: fcntl F_SETFL: %w", err))
	}

	for _, opt := range rec.DrainOptions() {
		if err := unix.SetsockoptString(newRaw, unix.SOL_SOCKET, opt.Name, string(opt.Value)); err != nil {
			return fail(fmt.Errorf("convert: replay setsockopt(SOL_SOCKET, %d): %w", opt.Name, err))
		}
	}

	return newFD, nil
}
