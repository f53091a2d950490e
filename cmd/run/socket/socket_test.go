// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import "testing"

func TestTableOwnerAndChild(t *testing.T) {
	tab := NewTable()
	rec := &Record{Type: TypeStream}

	tab.InsertOwner(3, rec)
	got, isChild, ok := tab.Lookup(3)
	if !ok || isChild || got != rec {
		t.Fatalf("Lookup(3) = %v, %v, %v, want %v, false, true", got, isChild, ok, rec)
	}

	tab.InsertChild(4, rec)
	got, isChild, ok = tab.Lookup(4)
	if !ok || !isChild || got != rec {
		t.Fatalf("Lookup(4) = %v, %v, %v, want %v, true, true", got, isChild, ok, rec)
	}

	if _, _, ok := tab.Lookup(5); ok {
		t.Fatalf("Lookup(5) on untracked fd returned ok=true")
	}

	tab.Erase(3)
	if _, _, ok := tab.Lookup(3); ok {
		t.Fatalf("Lookup(3) after Erase returned ok=true")
	}
}

func TestTableReusedDescriptor(t *testing.T) {
	tab := NewTable()
	first := &Record{Type: TypeStream}
	tab.InsertOwner(3, first)
	tab.Erase(3)

	second := &Record{Type: TypeDatagram}
	tab.InsertOwner(3, second)
	got, _, ok := tab.Lookup(3)
	if !ok || got != second {
		t.Fatalf("Lookup(3) after reuse = %v, %v, want %v, true", got, ok, second)
	}
}

func TestOptionQueueOrderAndDrain(t *testing.T) {
	rec := &Record{}
	rec.AppendOption(2 /* SO_REUSEADDR */, []byte{1, 0, 0, 0})
	rec.AppendOption(9 /* SO_KEEPALIVE */, []byte{1, 0, 0, 0})

	got := rec.DrainOptions()
	if len(got) != 2 || got[0].Name != 2 || got[1].Name != 9 {
		t.Fatalf("DrainOptions() = %+v, want order [2, 9]", got)
	}
	if rest := rec.DrainOptions(); len(rest) != 0 {
		t.Fatalf("DrainOptions() after drain = %+v, want empty", rest)
	}
}
