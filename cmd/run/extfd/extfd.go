// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package extfd assigns pre-opened descriptors handed to the supervisor via
// systemd-style socket activation (LISTEN_FDS/LISTEN_FDNAMES) to rules that
// request external-fd activation instead of a converted path socket.
package extfd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"unixify.dev/cmd/run/fd"
)

const listenFDsStart = 3

var (
	once    sync.Once
	named   map[string]*fd.FD
	fifo    []*fd.FD
	fdCount int
)

func initLocked() {
	raw := os.Getenv("LISTEN_FDS")
	if raw == "" {
		fmt.Fprintf(os.Stderr, "unixify: error: a rule requires external-fd activation, but LISTEN_FDS is not set\n")
		os.Exit(1)
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "unixify: error: invalid LISTEN_FDS value %q\n", raw)
		os.Exit(1)
	}
	fdCount = n

	named = make(map[string]*fd.FD)
	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")

	for i := 0; i < n; i++ {
		f := fd.NewFD(listenFDsStart + i)
		name := ""
		if i < len(names) {
			name = names[i]
		}
		if name != "" && !isAnonymousName(name) {
			named[name] = f
			slog.Debug("found named systemd socket", "name", name, "fd", listenFDsStart+i)
		} else {
			fifo = append(fifo, f)
		}
	}

	slog.Debug("initialized external-fd assigner", "count", fdCount)
}

// isAnonymousName reports whether a LISTEN_FDNAMES entry is systemd's
// placeholder for "no name given" rather than an actual name. systemd emits
// "unknown" when a socket unit doesn't set FileDescriptorName, and "stored"
// for descriptors passed through by storage daemons; ip2unix treats both the
// same as an empty entry when matching anonymous fd activation.
func isAnonymousName(name string) bool {
	return name == "unknown" || name == "stored"
}

// AssignForRule returns the descriptor that a rule with the given
// external-fd name should use. An empty name requests the next unnamed
// descriptor in LISTEN_FDS order; this fails fatally if no such descriptor
// exists, or if a named request doesn't match any LISTEN_FDNAMES entry,
// exactly as the supervisor's startup-time socket inventory is fixed and
// can't grow at runtime.
func AssignForRule(name string) *fd.FD {
	once.Do(initLocked)

	if name != "" {
		f, ok := named[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "unixify: error: no systemd socket named %q in LISTEN_FDNAMES\n", name)
			os.Exit(1)
		}
		return f
	}

	if len(fifo) == 0 {
		fmt.Fprintf(os.Stderr, "unixify: error: no unnamed systemd sockets left to assign\n")
		os.Exit(1)
	}
	f := fifo[0]
	fifo = fifo[1:]
	return f
}
