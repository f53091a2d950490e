// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package rules holds the rule type that drives socket interposition
// decisions and the pure matcher that picks a rule for a given socket
// operation.
package rules

import (
	"fmt"
	"net/netip"
)

// Direction is the side of a connection a rule applies to.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Transport restricts a rule to a socket type. The zero value matches both.
type Transport string

const (
	TransportAny Transport = ""
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Rule is a single entry from the rule file. A zero-valued Address or Port
// (Address.IsValid() == false, Port == 0) means "any" for that field.
type Rule struct {
	Direction Direction
	Transport Transport
	Address   netip.Addr
	Port      uint16

	// SocketPath is the formatted-path template for path-based rules. It is
	// empty for external-fd rules.
	SocketPath string

	// ExternalFD marks a rule that activates via a pre-opened descriptor
	// (systemd-style socket activation) instead of a filesystem path.
	ExternalFD     bool
	ExternalFDName string
}

func (r Rule) String() string {
	target := r.SocketPath
	if r.ExternalFD {
		name := r.ExternalFDName
		if name == "" {
			name = "<unnamed>"
		}
		target = fmt.Sprintf("fd:%s", name)
	}
	return fmt.Sprintf("rule{dir=%s,transport=%s,addr=%s,port=%d,target=%s}",
		r.Direction, transportLabel(r.Transport), r.Address, r.Port, target)
}

func transportLabel(t Transport) string {
	if t == TransportAny {
		return "any"
	}
	return string(t)
}

// SocketType abstracts the SOCK_STREAM/SOCK_DGRAM distinction away from the
// syscall-level constants so that the matcher doesn't need to import unix.
type SocketType int

const (
	SocketStream SocketType = iota
	SocketDatagram
)

func (t SocketType) transport() Transport {
	if t == SocketDatagram {
		return TransportUDP
	}
	return TransportTCP
}

// Match returns the first rule in rs that applies to a socket with the given
// direction, peer/bind address, port, and transport. It implements the
// matcher's first-match-wins semantics: a rule matches when every field it
// constrains (direction always constrains; address, port, and transport
// optionally constrain) agrees with the call, and wildcard fields (zero
// Address, zero Port, TransportAny) always agree.
func Match(rs []Rule, dir Direction, addr netip.Addr, port uint16, typ SocketType) (*Rule, int, bool) {
	for i := range rs {
		r := &rs[i]
		if r.Direction != dir {
			continue
		}
		if r.Transport != TransportAny && r.Transport != typ.transport() {
			continue
		}
		if r.Address.IsValid() && r.Address != addr {
			continue
		}
		if r.Port != 0 && r.Port != port {
			continue
		}
		return r, i, true
	}
	return nil, -1, false
}
