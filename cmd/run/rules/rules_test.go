// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package rules

import (
	"net/netip"
	"testing"
)

func TestMatchWildcardFields(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionOutgoing, SocketPath: "/tmp/any.sock"},
	}
	m, idx, ok := Match(rs, DirectionOutgoing, netip.MustParseAddr("10.0.0.1"), 443, SocketStream)
	if !ok || idx != 0 || m.SocketPath != "/tmp/any.sock" {
		t.Fatalf("got m=%v idx=%d ok=%v", m, idx, ok)
	}
}

func TestMatchAddressConstraint(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionOutgoing, Address: netip.MustParseAddr("127.0.0.1"), SocketPath: "/tmp/loopback.sock"},
	}
	if _, _, ok := Match(rs, DirectionOutgoing, netip.MustParseAddr("10.0.0.1"), 443, SocketStream); ok {
		t.Fatal("expected no match for non-matching address")
	}
	if _, _, ok := Match(rs, DirectionOutgoing, netip.MustParseAddr("127.0.0.1"), 443, SocketStream); !ok {
		t.Fatal("expected match for matching address")
	}
}

func TestMatchPortConstraint(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionIncoming, Port: 8080, SocketPath: "/tmp/web.sock"},
	}
	if _, _, ok := Match(rs, DirectionIncoming, netip.Addr{}, 9090, SocketStream); ok {
		t.Fatal("expected no match for non-matching port")
	}
	if _, _, ok := Match(rs, DirectionIncoming, netip.Addr{}, 8080, SocketStream); !ok {
		t.Fatal("expected match for matching port")
	}
}

func TestMatchTransportConstraint(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionOutgoing, Transport: TransportUDP, SocketPath: "/tmp/dns.sock"},
	}
	if _, _, ok := Match(rs, DirectionOutgoing, netip.Addr{}, 53, SocketStream); ok {
		t.Fatal("expected no match for TCP against a UDP-only rule")
	}
	if _, _, ok := Match(rs, DirectionOutgoing, netip.Addr{}, 53, SocketDatagram); !ok {
		t.Fatal("expected match for UDP against a UDP-only rule")
	}
}

func TestMatchDirectionNeverWildcards(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionIncoming, SocketPath: "/tmp/server.sock"},
	}
	if _, _, ok := Match(rs, DirectionOutgoing, netip.Addr{}, 0, SocketStream); ok {
		t.Fatal("expected direction to never match across incoming/outgoing")
	}
}

func TestMatchFirstMatchWins(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionOutgoing, Port: 80, SocketPath: "/tmp/first.sock"},
		{Direction: DirectionOutgoing, SocketPath: "/tmp/second.sock"},
	}
	m, idx, ok := Match(rs, DirectionOutgoing, netip.MustParseAddr("1.2.3.4"), 80, SocketStream)
	if !ok || idx != 0 || m.SocketPath != "/tmp/first.sock" {
		t.Fatalf("got m=%v idx=%d ok=%v", m, idx, ok)
	}
}

func TestMatchSkipsToLaterRule(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionOutgoing, Port: 80, SocketPath: "/tmp/first.sock"},
		{Direction: DirectionOutgoing, SocketPath: "/tmp/second.sock"},
	}
	// Simulate the supervisor's "recoverable match skip" loop: after
	// rejecting the first match it re-searches starting after it.
	m, idx, ok := Match(rs[1:], DirectionOutgoing, netip.MustParseAddr("1.2.3.4"), 80, SocketStream)
	if !ok || idx != 0 || m.SocketPath != "/tmp/second.sock" {
		t.Fatalf("got m=%v idx=%d ok=%v", m, idx, ok)
	}
}

func TestMatchExternalFDRule(t *testing.T) {
	rs := []Rule{
		{Direction: DirectionIncoming, Port: 8080, ExternalFD: true, ExternalFDName: "http"},
	}
	m, _, ok := Match(rs, DirectionIncoming, netip.Addr{}, 8080, SocketStream)
	if !ok || !m.ExternalFD || m.ExternalFDName != "http" {
		t.Fatalf("got m=%v ok=%v", m, ok)
	}
}

func TestMatchNoRules(t *testing.T) {
	if _, _, ok := Match(nil, DirectionOutgoing, netip.Addr{}, 0, SocketStream); ok {
		t.Fatal("expected no match against an empty rule list")
	}
}
