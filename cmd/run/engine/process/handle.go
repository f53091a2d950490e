// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package process

import (
	"fmt"
	"log/slog"
	"net/netip"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"unixify.dev/cmd/run/convert"
	"unixify.dev/cmd/run/engine/seccomp"
	"unixify.dev/cmd/run/extfd"
	"unixify.dev/cmd/run/fd"
	"unixify.dev/cmd/run/pathfmt"
	"unixify.dev/cmd/run/rules"
	"unixify.dev/cmd/run/socket"
)

// syntheticPeer is the fixed AF_INET endpoint every accepted/tracked
// descriptor reports as its peer, regardless of who actually connected.
var syntheticPeer = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 65530)

// handleExit handles the exit(2) syscall.
func (p *Process) handleExit(n *seccomp.Notif, code int) error {
	if n.PID != p.PID { // we only care about the main thread exiting
		return n.Skip()
	}

	slog.Debug("process main thread is exiting", "proc", p, "code", code)
	if p.markAsExited() {
		go p.cleanup()
	}
	return n.Skip()
}

// handleExitGroup handles the exit_group(2) syscall.
func (p *Process) handleExitGroup(n *seccomp.Notif, code int) error {
	slog.Debug("process thread group is exiting", "proc", p, "code", code)
	if p.markAsExited() {
		go p.cleanup()
	}
	return n.Skip()
}

// closeFD closes an *fd.FD that no one else references, used to tear down a
// socket this package created but never successfully installed anywhere
// (failed AddFD/AddFDAt) or that a conversion orphaned.
func closeFD(f *fd.FD) {
	if !f.ClosingIncRef() {
		return
	}
	f.Lock()
	unix.Close(f.FD())
	f.DecRef()
}

// socketTypeOf maps a socket(2) type argument (which may carry SOCK_CLOEXEC
// or SOCK_NONBLOCK in its upper bits) onto the stream/datagram distinction
// the rule matcher cares about. The second return value is false for types
// this layer doesn't track (e.g. SOCK_RAW).
func socketTypeOf(typ int) (socket.Type, bool) {
	switch typ &^ (unix.SOCK_CLOEXEC | unix.SOCK_NONBLOCK) {
	case unix.SOCK_STREAM:
		return socket.TypeStream, true
	case unix.SOCK_DGRAM:
		return socket.TypeDatagram, true
	default:
		return 0, false
	}
}

// handleSocket handles the socket(2) syscall. Because seccomp user
// notification traps the call before it runs, there is no "let the real
// socket(2) happen and inspect the result" option the original LD_PRELOAD
// shim had; the supervisor instead creates the real socket itself (of
// exactly the domain/type/protocol the caller asked for) and installs it
// into the tracee's file table. Everything the caller does with it
// afterwards — reads, writes, further intercepted calls — runs directly
// against that descriptor.
func (p *Process) handleSocket(n *seccomp.Notif, domain, typ, protocol int) error {
	if domain != unix.AF_INET && domain != unix.AF_INET6 {
		return n.Skip()
	}
	st, ok := socketTypeOf(typ)
	if !ok {
		return n.Skip()
	}

	raw, err := unix.Socket(domain, typ, protocol)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return n.Return(0, errno)
		}
		return fmt.Errorf("socket: %w", err)
	}
	newFD := fd.NewFD(raw)

	rec := &socket.Record{ID: uuid.New(), FD: newFD, Type: st, Protocol: int32(protocol)}

	p.table.Lock()
	defer p.table.Unlock()
	if err := p.installOwner(n, newFD, typ&unix.SOCK_CLOEXEC, rec); err != nil {
		closeFD(newFD)
		return fmt.Errorf("install: %w", err)
	}
	slog.Debug("tracked new socket", "proc", p, "id", rec.ID, "fd", newFD)
	return nil
}

// handleSetsockopt handles the setsockopt(2) syscall.
func (p *Process) handleSetsockopt(n *seccomp.Notif, fdnum, level, name int, valPtr uintptr, valLen int) error {
	p.table.Lock()
	defer p.table.Unlock()

	rec, isChild, tracked := p.table.Lookup(fdnum)
	if !tracked || isChild || level != unix.SOL_SOCKET {
		return n.Skip()
	}

	value, errno, err := p.vmReadBytes(n, valPtr, valLen)
	if err != nil {
		return fmt.Errorf("read optval: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	if !rec.FD.IncRef() {
		return n.Return(0, unix.EBADF)
	}
	sockErr := unix.SetsockoptString(rec.FD.FD(), level, name, string(value))
	rec.FD.DecRef()
	if sockErr != nil {
		if errno, ok := sockErr.(syscall.Errno); ok {
			return n.Return(0, errno)
		}
		return fmt.Errorf("setsockopt: %w", sockErr)
	}

	rec.AppendOption(name, value)
	return n.Return(0, 0)
}

// handleBindConnect is the shared bind(2)/connect(2) handler, parameterized
// by direction exactly as the matcher expects.
func (p *Process) handleBindConnect(n *seccomp.Notif, fdnum int, addrPtr uintptr, addrLen int, dir rules.Direction) error {
	p.table.Lock()
	defer p.table.Unlock()

	rec, isChild, tracked := p.table.Lookup(fdnum)
	if !tracked || isChild {
		return n.Skip()
	}

	famBytes, errno, err := p.vmReadBytes(n, addrPtr, 2)
	if err != nil {
		return fmt.Errorf("peek sockaddr family: %w", err)
	}
	if errno != 0 || len(famBytes) < 2 {
		return n.Skip()
	}
	family := arch.Uint16(famBytes)
	if family != unix.AF_INET && family != unix.AF_INET6 {
		return n.Skip()
	}

	addr, errno, err := p.vmReadSockaddr(n, addrPtr, addrLen)
	if err != nil {
		return fmt.Errorf("read sockaddr: %w", err)
	}
	if errno != 0 {
		return n.Return(0, errno)
	}

	p.store.EnsureInitialized()
	typ := rec.Type.RuleType()
	rulesList := p.store.Rules()

	start := 0
	for {
		m, idx, ok := rules.Match(rulesList[start:], dir, addr.Addr(), addr.Port(), typ)
		if !ok {
			return n.Skip()
		}
		realIdx := start + idx

		switch {
		case m.ExternalFD:
			acted, errno, err := p.applyExternalFD(n, fdnum, rec, m)
			if err != nil {
				return err
			}
			if !acted {
				start = realIdx + 1
				continue
			}
			rec.LocalAddr = addr.Addr()
			rec.LocalPort = addr.Port()
			return n.Return(0, errno)

		case m.SocketPath != "":
			acted, errno, err := p.applyPathConvert(n, fdnum, rec, m, addr, typ, dir)
			if err != nil {
				return err
			}
			if !acted {
				start = realIdx + 1
				continue
			}
			return n.Return(0, errno)

		default:
			// Matched, but has neither a path nor external-fd activation:
			// nothing to do for it. Keep looking.
			start = realIdx + 1
			continue
		}
	}
}

func (p *Process) handleBind(n *seccomp.Notif, fdnum int, addrPtr uintptr, addrLen int) error {
	return p.handleBindConnect(n, fdnum, addrPtr, addrLen, rules.DirectionIncoming)
}

func (p *Process) handleConnect(n *seccomp.Notif, fdnum int, addrPtr uintptr, addrLen int) error {
	return p.handleBindConnect(n, fdnum, addrPtr, addrLen, rules.DirectionOutgoing)
}

// applyExternalFD carries out a matched external-fd-activation rule: replay
// the record's cached options onto the supervisor-passed descriptor, then
// substitute it in place of fdnum. acted is false when the option replay
// failed (a recoverable match skip: the matcher should keep looking), true
// once the substitution has actually happened.
func (p *Process) applyExternalFD(n *seccomp.Notif, fdnum int, rec *socket.Record, m *rules.Rule) (acted bool, errno syscall.Errno, err error) {
	target := extfd.AssignForRule(m.ExternalFDName) // fatal internally if none exists

	if !target.IncRef() {
		return false, 0, nil
	}
	for _, opt := range rec.DrainOptions() {
		if sockErr := unix.SetsockoptString(target.FD(), unix.SOL_SOCKET, opt.Name, string(opt.Value)); sockErr != nil {
			target.DecRef()
			slog.Debug("option replay onto external fd failed, skipping rule", "id", rec.ID, "rule", m, "err", sockErr)
			return false, 0, nil
		}
	}
	target.DecRef()

	if err := p.convertInPlace(n, fdnum, target); err != nil {
		return false, 0, fmt.Errorf("install external fd: %w", err)
	}

	old := rec.FD
	rec.FD = target
	rec.ExternalFD = true
	rec.Converted = true
	rec.Rule = m
	closeFD(old)

	return true, 0, nil
}

// unixSockaddr builds a SockaddrUnix for path, truncated to the platform's
// sun_path limit.
func unixSockaddr(path string) *unix.SockaddrUnix {
	maxLen := unix.SizeofSockaddrUnix - 3 // family (2 bytes) + terminating NUL
	if len(path) > maxLen {
		path = path[:maxLen]
	}
	return &unix.SockaddrUnix{Name: path}
}

// applyPathConvert carries out a matched socket-path rule: convert the
// socket in place, format the path, and perform the real bind/connect.
// acted is false only when the conversion itself (creating the replacement
// AF_UNIX socket, applying flags, replaying options) failed — a recoverable
// match skip. Once the kernel-level substitution has happened, acted is
// true even if the subsequent bind/connect against the formatted path
// fails; the socket is irreversibly converted by then (the converted flag
// is monotone) and the failure is passed through to the caller like any
// other bind/connect error.
func (p *Process) applyPathConvert(n *seccomp.Notif, fdnum int, rec *socket.Record, m *rules.Rule, addr netip.AddrPort, typ rules.SocketType, dir rules.Direction) (acted bool, errno syscall.Errno, err error) {
	newFD, cerr := convert.InPlace(rec)
	if cerr != nil {
		slog.Debug("socket conversion failed, skipping rule", "id", rec.ID, "rule", m, "err", cerr)
		return false, 0, nil
	}

	if err := p.convertInPlace(n, fdnum, newFD); err != nil {
		closeFD(newFD)
		return false, 0, fmt.Errorf("install converted socket: %w", err)
	}

	old := rec.FD
	rec.FD = newFD
	rec.Converted = true
	rec.Rule = m
	closeFD(old)

	transport := "unknown"
	switch typ {
	case rules.SocketStream:
		transport = "tcp"
	case rules.SocketDatagram:
		transport = "udp"
	}
	path := pathfmt.Format(m.SocketPath, addr.Addr().String(), addr.Port(), transport)
	sa := unixSockaddr(path)

	if !newFD.IncRef() {
		return true, unix.EBADF, nil
	}
	var sysErr error
	if dir == rules.DirectionIncoming {
		sysErr = unix.Bind(newFD.FD(), sa)
	} else {
		sysErr = unix.Connect(newFD.FD(), sa)
	}
	newFD.DecRef()

	if sysErr != nil {
		if errno, ok := sysErr.(syscall.Errno); ok {
			return true, errno, nil
		}
		return true, 0, fmt.Errorf("bind/connect converted socket: %w", sysErr)
	}

	rec.LocalAddr = addr.Addr()
	rec.LocalPort = addr.Port()
	if dir == rules.DirectionIncoming {
		rec.BoundPath = path
	}
	return true, 0, nil
}

// handleListen handles the listen(2) syscall. It's only ever a no-op for
// external-fd-activation matches (the supervisor that passed the fd has
// already listened on it); every other tracked or untracked descriptor
// forwards to the real implementation.
func (p *Process) handleListen(n *seccomp.Notif, fdnum, backlog int) error {
	p.table.Lock()
	rec, isChild, tracked := p.table.Lookup(fdnum)
	p.table.Unlock()
	if !tracked || isChild {
		return n.Skip()
	}
	if rec.Rule != nil && rec.Rule.ExternalFD {
		return n.Return(0, 0)
	}
	return n.Skip()
}

// handleAccept handles the accept(2) and accept4(2) syscalls.
func (p *Process) handleAccept(n *seccomp.Notif, fdnum int, addrPtr, addrSizePtr uintptr, flags int) error {
	p.table.Lock()
	rec, isChild, tracked := p.table.Lookup(fdnum)
	p.table.Unlock()
	if !tracked || isChild {
		return n.Skip()
	}

	if !rec.FD.IncRef() {
		return n.Return(0, unix.EBADF)
	}
	raw, _, errno := unix.Syscall6(unix.SYS_ACCEPT4, uintptr(rec.FD.FD()), 0, 0, uintptr(flags), 0, 0)
	rec.FD.DecRef()
	if errno != 0 {
		return n.Return(0, errno)
	}
	newFD := fd.NewFD(int(raw))

	if addrPtr != 0 && addrSizePtr != 0 {
		werrno, err := p.vmWriteSockaddr(n, syntheticPeer, addrPtr, addrSizePtr)
		if err != nil {
			closeFD(newFD)
			return fmt.Errorf("write peer addr: %w", err)
		}
		if werrno != 0 {
			closeFD(newFD)
			return n.Return(0, werrno)
		}
	}

	p.table.Lock()
	defer p.table.Unlock()
	if err := p.installChild(n, newFD, flags&unix.SOCK_CLOEXEC, rec); err != nil {
		closeFD(newFD)
		return fmt.Errorf("install child: %w", err)
	}
	return nil
}

// handleGetsockname handles the getsockname(2) syscall, answering purely
// from the record's cached bookkeeping (never querying the real socket).
func (p *Process) handleGetsockname(n *seccomp.Notif, fdnum int, addrPtr, addrSizePtr uintptr) error {
	p.table.Lock()
	rec, isChild, tracked := p.table.Lookup(fdnum)
	p.table.Unlock()
	if !tracked || isChild {
		return n.Skip()
	}

	if addrPtr == 0 || addrSizePtr == 0 {
		return n.Return(0, unix.EFAULT)
	}

	// Before a successful matched bind/connect, answer with the same zeroed
	// IPv4 sockaddr (0.0.0.0:0) an unbound socket reports for real.
	bind := netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	if rec.LocalAddr.IsValid() {
		bind = netip.AddrPortFrom(rec.LocalAddr, rec.LocalPort)
	}
	errno, err := p.vmWriteSockaddr(n, bind, addrPtr, addrSizePtr)
	if err != nil {
		return fmt.Errorf("write bind addr: %w", err)
	}
	return n.Return(0, errno)
}

// handleGetpeername handles the getpeername(2) syscall, always answering
// with the fixed synthetic peer for any tracked descriptor (owner or
// child).
func (p *Process) handleGetpeername(n *seccomp.Notif, fdnum int, addrPtr, addrSizePtr uintptr) error {
	p.table.Lock()
	_, _, tracked := p.table.Lookup(fdnum)
	p.table.Unlock()
	if !tracked {
		return n.Skip()
	}

	if addrPtr == 0 || addrSizePtr == 0 {
		return n.Return(0, unix.EFAULT)
	}
	errno, err := p.vmWriteSockaddr(n, syntheticPeer, addrPtr, addrSizePtr)
	if err != nil {
		return fmt.Errorf("write peer addr: %w", err)
	}
	return n.Return(0, errno)
}

// handleClose handles the close(2) syscall.
func (p *Process) handleClose(n *seccomp.Notif, fdnum int) error {
	p.table.Lock()
	defer p.table.Unlock()

	rec, isChild, tracked := p.table.Lookup(fdnum)
	if !tracked || isChild {
		return n.Skip()
	}
	p.table.Erase(fdnum)

	if rec.ExternalFD {
		// The supervisor retains the fd; the real close(2) is never issued
		// on it, matching ip2unix's documented behavior for externally
		// passed sockets.
		return n.Return(0, 0)
	}

	closeFD(rec.FD)

	if rec.BoundPath != "" {
		unix.Unlink(rec.BoundPath) // best-effort; incoming-only by construction
	}

	// Let the tracee's own close(2) proceed so its file descriptor table
	// entry is actually freed; our closeFD above only released the
	// supervisor's separate reference to the same underlying socket.
	return n.Skip()
}

var Handlers [1024]func(*Process, *seccomp.Notif) error

func init() {
	Handlers[unix.SYS_EXIT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleExit(n, int(n.Args[0]))
	}
	Handlers[unix.SYS_EXIT_GROUP] = func(p *Process, n *seccomp.Notif) error {
		return p.handleExitGroup(n, int(n.Args[0]))
	}

	Handlers[unix.SYS_SOCKET] = func(p *Process, n *seccomp.Notif) error {
		return p.handleSocket(n, int(n.Args[0]), int(n.Args[1]), int(n.Args[2]))
	}

	Handlers[unix.SYS_SETSOCKOPT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleSetsockopt(n, int(int32(n.Args[0])), int(n.Args[1]), int(n.Args[2]), uintptr(n.Args[3]), int(n.Args[4]))
	}

	Handlers[unix.SYS_BIND] = func(p *Process, n *seccomp.Notif) error {
		return p.handleBind(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]))
	}

	Handlers[unix.SYS_CONNECT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleConnect(n, int(int32(n.Args[0])), uintptr(n.Args[1]), int(n.Args[2]))
	}

	Handlers[unix.SYS_LISTEN] = func(p *Process, n *seccomp.Notif) error {
		return p.handleListen(n, int(int32(n.Args[0])), int(n.Args[1]))
	}

	Handlers[unix.SYS_ACCEPT] = func(p *Process, n *seccomp.Notif) error {
		return p.handleAccept(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]), 0)
	}
	Handlers[unix.SYS_ACCEPT4] = func(p *Process, n *seccomp.Notif) error {
		return p.handleAccept(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]), int(n.Args[3]))
	}

	Handlers[unix.SYS_GETSOCKNAME] = func(p *Process, n *seccomp.Notif) error {
		return p.handleGetsockname(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]))
	}

	Handlers[unix.SYS_GETPEERNAME] = func(p *Process, n *seccomp.Notif) error {
		return p.handleGetpeername(n, int(int32(n.Args[0])), uintptr(n.Args[1]), uintptr(n.Args[2]))
	}

	Handlers[unix.SYS_CLOSE] = func(p *Process, n *seccomp.Notif) error {
		return p.handleClose(n, int(int32(n.Args[0])))
	}
}
