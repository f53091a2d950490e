// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package socket holds the per-descriptor bookkeeping the interposition
// handlers consult: the table mapping a tracee's file descriptor to either
// an owner socket record or a back-reference to one, and the record itself
// (cached local address, matched rule, and the generic-option replay
// queue).
package socket

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"unixify.dev/cmd/run/fd"
	"unixify.dev/cmd/run/rules"
)

// Type is the stream/datagram bits captured at creation time.
type Type int

const (
	TypeStream Type = iota
	TypeDatagram
)

// RuleType maps Type onto the matcher's transport classification.
func (t Type) RuleType() rules.SocketType {
	if t == TypeDatagram {
		return rules.SocketDatagram
	}
	return rules.SocketStream
}

// Option is one successfully applied SOL_SOCKET-level option, cached in
// application order for replay onto a converted or externally-assigned
// descriptor.
type Option struct {
	Name  int
	Value []byte
}

// Record is the per-parent-socket state: everything needed to answer
// getsockname/getpeername, replay options onto a converted descriptor, and
// decide what close(2) should do. A Record is shared by at most one owner
// entry and any number of child entries. Child entries hold only a pointer
// to the Record and take no reference on FD: the supervisor-side descriptor
// is closed when the owner entry is closed (or by CloseAll), while the Record
// itself stays reachable for as long as any child entry still references it
// (the "cyclic back-reference" design note).
type Record struct {
	// ID correlates every debug log line touching this socket, from
	// creation through conversion to close.
	ID uuid.UUID

	FD       *fd.FD
	Type     Type
	Protocol int32

	// LocalAddr/LocalPort are zero until a matched bind/connect succeeds.
	LocalAddr netip.Addr
	LocalPort uint16

	// Converted is monotone: once true it never returns to false.
	Converted bool

	// Rule is a back-reference into the rule store's immutable slice,
	// unset until a bind/connect matches. Storing the index rather than a
	// pointer would work too (see DESIGN.md); the store's immutability
	// makes either choice stable for the process lifetime.
	Rule *rules.Rule

	// BoundPath is set only when an incoming bind matched a socket-path
	// rule. close(2) unlinks it on a best-effort basis.
	BoundPath string

	// ExternalFD is true once a matched external-fd rule has substituted
	// the supervisor-provided descriptor in place of FD. close(2) must not
	// call the real close for such a record; the supervisor retains it.
	ExternalFD bool

	options []Option
}

// AppendOption records a successfully applied option for later replay. The
// caller must only call this after the real setsockopt already returned
// success, and only for SOL_SOCKET-level calls: the queue never holds
// protocol-specific options, since those are only valid on the original
// transport.
func (r *Record) AppendOption(name int, value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	r.options = append(r.options, Option{Name: name, Value: buf})
}

// DrainOptions returns the queued options in application order and empties
// the queue. Conversion and external-fd assignment must each call this at
// most once.
func (r *Record) DrainOptions() []Option {
	out := r.options
	r.options = nil
	return out
}

type entry struct {
	owner  *Record // non-nil for an owner entry
	parent *Record // non-nil for a child entry
}

// Table maps tracee file descriptors to socket records. Every operation
// must run with the caller holding Lock/Unlock around it; bind, connect,
// and close hold the lock across the real underlying syscall too, so that
// conversion appears atomic with the operation it enables to any other
// goroutine observing the table.
type Table struct {
	mu      sync.Mutex
	entries map[int]entry
}

func NewTable() *Table {
	return &Table{entries: make(map[int]entry)}
}

func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// InsertOwner tracks fd as an owner of rec, created directly by socket(2).
// A previous entry at fd, if any, is silently replaced: descriptor numbers
// are reused by the kernel once closed.
func (t *Table) InsertOwner(fd int, rec *Record) {
	t.entries[fd] = entry{owner: rec}
}

// InsertChild tracks fd as a child of parent, produced by accept/accept4 on
// a tracked listening descriptor.
func (t *Table) InsertChild(fd int, parent *Record) {
	t.entries[fd] = entry{parent: parent}
}

// Erase removes fd's entry, if any.
func (t *Table) Erase(fd int) {
	delete(t.entries, fd)
}

// Lookup returns the record relevant to fd (the record itself for an owner,
// the parent record for a child), whether fd is a child entry, and whether
// fd is tracked at all.
func (t *Table) Lookup(fd int) (rec *Record, isChild bool, ok bool) {
	e, tracked := t.entries[fd]
	if !tracked {
		return nil, false, false
	}
	if e.owner != nil {
		return e.owner, false, true
	}
	return e.parent, true, true
}

// CloseAll releases the supervisor-side descriptor backing every owner
// record still in the table, skipping external-fd records (the supervisor
// never owned those, a matched systemd-passed fd belongs to it forever).
// Called once, when the tracee process that held these descriptors exits
// and will never issue a matching close(2) of its own.
func (t *Table) CloseAll() {
	seen := make(map[*Record]bool)
	for _, e := range t.entries {
		if e.owner == nil || e.owner.ExternalFD || seen[e.owner] {
			continue
		}
		seen[e.owner] = true
		rec := e.owner
		if !rec.FD.ClosingIncRef() {
			continue
		}
		rec.FD.Lock()
		unix.Close(rec.FD.FD())
		rec.FD.DecRef()
	}
	t.entries = make(map[int]entry)
}
