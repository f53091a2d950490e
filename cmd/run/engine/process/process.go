// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
	"unixify.dev/cmd/run/engine/seccomp"
	"unixify.dev/cmd/run/fd"
	"unixify.dev/cmd/run/ruleset"
	"unixify.dev/cmd/run/socket"
)

// Process tracks one tracee: its pidfd (for exit notification) and the
// socket table mapping its tracked descriptors to owner/child records.
type Process struct {
	PID    int
	Exited chan struct{}

	store *ruleset.Store
	table *socket.Table

	pidfd *fd.FD
	mu    sync.Mutex
}

// New creates a new process with the given PID, sharing store (the
// supervisor's single rule-file-backed rule list) across every process it
// tracks — rule matching never depends on which tracee is asking.
func New(pid int, store *ruleset.Store) (*Process, error) {
	ret, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(pid), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("pidfd_open %d: %w", pid, errno)
	}
	pidfd := fd.NewFD(int(ret))
	defer pidfd.DecRef()

	return &Process{
		PID:    pid,
		Exited: make(chan struct{}),

		store: store,
		table: socket.NewTable(),
		pidfd: pidfd,
	}, nil
}

func (p *Process) LogValue() slog.Value {
	select {
	case <-p.Exited:
		return slog.GroupValue(slog.Int("pid", p.PID), slog.Bool("exited", true))
	default:
		return slog.GroupValue(slog.Int("pid", p.PID), slog.Bool("exited", false))
	}
}

// installOwner completes a seccomp notification by atomically installing
// target's descriptor into the tracee's file table (at whatever number the
// kernel picks) and registering rec as that number's owner entry. Used by
// the socket(2) handler, which creates a brand-new descriptor rather than
// reusing a number the tracee already has.
//
// The caller must be holding p.table's lock.
func (p *Process) installOwner(n *seccomp.Notif, target *fd.FD, flags int, rec *socket.Record) error {
	if !target.IncRef() {
		return unix.EBADF
	}
	defer target.DecRef()

	newFD, err := n.AddFD(target, flags)
	if err != nil {
		return fmt.Errorf("addfd: %w", err)
	}

	// Syscall processing is synchronous and the table lock is already held,
	// so no other handler can observe newFD before this InsertOwner runs.
	p.table.InsertOwner(newFD, rec)
	slog.Debug("registered owner socket", "proc", p, "fd", newFD)
	return nil
}

// installChild is installOwner's counterpart for descriptors produced by
// accept/accept4: the new entry is a child of parent rather than an owner
// of its own record.
func (p *Process) installChild(n *seccomp.Notif, target *fd.FD, flags int, parent *socket.Record) error {
	if !target.IncRef() {
		return unix.EBADF
	}
	defer target.DecRef()

	newFD, err := n.AddFD(target, flags)
	if err != nil {
		return fmt.Errorf("addfd: %w", err)
	}

	p.table.InsertChild(newFD, parent)
	slog.Debug("registered child socket", "proc", p, "fd", newFD)
	return nil
}

// convertInPlace installs replacement in place of the tracee's existing
// descriptor origFD, pinning the descriptor number with AddFDAt. The caller
// must be holding p.table's lock and must only call this once replacement is
// fully prepared (flags applied, options replayed).
func (p *Process) convertInPlace(n *seccomp.Notif, origFD int, replacement *fd.FD) error {
	if !replacement.IncRef() {
		return unix.EBADF
	}
	defer replacement.DecRef()

	if _, err := n.AddFDAt(replacement, 0, origFD); err != nil {
		return fmt.Errorf("addfd at %d: %w", origFD, err)
	}
	return nil
}

func (p *Process) poll() (exited bool, _ error) {
	if !p.pidfd.IncRef() {
		return false, fmt.Errorf("pidfd: file closed")
	}
	defer p.pidfd.DecRef()

	fds := []unix.PollFd{{Fd: int32(p.pidfd.FD()), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, -1)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return fds[0].Revents&unix.POLLIN != 0, nil
}

// Wait waits for the process to exit and cleans up resources in the end.
func (p *Process) Wait() error {
	for {
		// We use a poll on the pidfd because the usual wait4(2) way doesn't let us
		// wait on non-children processes (see https://stackoverflow.com/a/1157739).
		exited, err := p.poll()
		if err != nil {
			if errors.Is(err, unix.EBADF) {
				select {
				case <-p.Exited:
					return nil
				default:
				}
			}
			return fmt.Errorf("poll: %w", err)
		}
		if exited {
			break
		}
	}

	if p.markAsExited() {
		// If a process exits with exit(2) or exit_group(2), handleExit is
		// responsible for the cleanup. We call cleanup only for processes that
		// do not exit cleanly (ex: SIGTERM, SIGKILL).
		go p.cleanup()
	}
	return nil
}

// markAsExited marks the process as exited. If the process has already been
// marked as exited by someone else, it returns false, otherwise true.
func (p *Process) markAsExited() (marked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.Exited:
		// markAsExited may be called by the pidfd poll (see Wait above) and/or the
		// SYS_EXIT handler. If SYS_EXIT happens before Wait, the SYS_EXIT call
		// should get preference. This function must still be called Wait to free
		// allocated resources because a call from SYS_EXIT isn't guaranteed since
		// processes may not necessarily exit cleanly every time (ex: SIGKILL).
		return false
	default:
		close(p.Exited)
		return true
	}
}

func (p *Process) cleanup() {
	<-p.Exited

	p.table.Lock()
	p.table.CloseAll()
	p.table.Unlock()

	if !p.pidfd.ClosingIncRef() {
		slog.Error("failed to clean up process", "err", fmt.Errorf("pidfd: already closed"))
		return
	}
	defer p.pidfd.DecRef()
	p.pidfd.Lock()
	if err := unix.Close(p.pidfd.FD()); err != nil {
		slog.Error("failed to clean up process", "err", fmt.Errorf("pidfd: close: %w", err))
	}
}

func htons(x uint16) uint16 { return (x&0xff)<<8 | (x >> 8) }
