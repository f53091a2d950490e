// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package convert

import (
	"testing"

	"golang.org/x/sys/unix"
	"unixify.dev/cmd/run/fd"
	"unixify.dev/cmd/run/socket"
)

func newTestRecord(t *testing.T, typ socket.Type) *socket.Record {
	t.Helper()
	sockType := unix.SOCK_STREAM
	if typ == socket.TypeDatagram {
		sockType = unix.SOCK_DGRAM
	}
	raw, err := unix.Socket(unix.AF_INET, sockType, 0)
	if err != nil {
		t.Skipf("socket(AF_INET): %v", err)
	}
	rec := &socket.Record{FD: fd.NewFD(raw), Type: typ}
	t.Cleanup(func() { unix.Close(raw) })
	return rec
}

func TestInPlaceCreatesUnixSocket(t *testing.T) {
	rec := newTestRecord(t, socket.TypeStream)

	newFD, err := InPlace(rec)
	if err != nil {
		t.Fatalf("InPlace: %v", err)
	}
	defer unix.Close(newFD.FD())

	sa, err := unix.Getsockname(newFD.FD())
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	if _, ok := sa.(*unix.SockaddrUnix); !ok {
		t.Fatalf("got sockaddr type %T, want *unix.SockaddrUnix", sa)
	}
}

func TestInPlaceReplaysOptions(t *testing.T) {
	rec := newTestRecord(t, socket.TypeStream)
	rec.AppendOption(unix.SO_REUSEADDR, []byte{1, 0, 0, 0})

	newFD, err := InPlace(rec)
	if err != nil {
		t.Fatalf("InPlace: %v", err)
	}
	defer unix.Close(newFD.FD())

	if got := rec.DrainOptions(); len(got) != 0 {
		t.Fatalf("expected options queue to be drained by InPlace, got %v", got)
	}

	v, err := unix.GetsockoptInt(newFD.FD(), unix.SOL_SOCKET, unix.SO_REUSEADDR)
	if err != nil {
		t.Fatalf("getsockopt: %v", err)
	}
	if v == 0 {
		t.Fatal("expected SO_REUSEADDR to be set on the converted socket")
	}
}

func TestInPlaceIdempotent(t *testing.T) {
	rec := newTestRecord(t, socket.TypeStream)

	first, err := InPlace(rec)
	if err != nil {
		t.Fatalf("InPlace: %v", err)
	}
	defer unix.Close(first.FD())

	rec.FD = first
	rec.Converted = true

	second, err := InPlace(rec)
	if err != nil {
		t.Fatalf("InPlace on converted record: %v", err)
	}
	defer second.DecRef()

	if second.FD() != first.FD() {
		t.Fatalf("expected InPlace on a converted record to return the same descriptor, got %d and %d", first.FD(), second.FD())
	}
}

func TestInPlaceDatagram(t *testing.T) {
	rec := newTestRecord(t, socket.TypeDatagram)

	newFD, err := InPlace(rec)
	if err != nil {
		t.Fatalf("InPlace: %v", err)
	}
	defer unix.Close(newFD.FD())

	typ, err := unix.GetsockoptInt(newFD.FD(), unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		t.Fatalf("getsockopt SO_TYPE: %v", err)
	}
	if typ != unix.SOCK_DGRAM {
		t.Fatalf("got socket type %d, want SOCK_DGRAM", typ)
	}
}
