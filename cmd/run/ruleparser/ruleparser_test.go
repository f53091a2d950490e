// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package ruleparser

import (
	"testing"

	"unixify.dev/cmd/run/rules"
)

func TestParseSocketPathRule(t *testing.T) {
	out, err := Parse([]byte(`
- direction: outgoing
  type: tcp
  address: 127.0.0.1
  port: 5432
  socketPath: /run/postgresql/.s.PGSQL.5432
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d rules, want 1", len(out))
	}
	r := out[0]
	if r.Direction != rules.DirectionOutgoing || r.Transport != rules.TransportTCP {
		t.Fatalf("got %+v", r)
	}
	if r.Port != 5432 || r.SocketPath != "/run/postgresql/.s.PGSQL.5432" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseExternalFDRule(t *testing.T) {
	out, err := Parse([]byte(`
- direction: incoming
  port: 8080
  fdName: http
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 1 || !out[0].ExternalFD || out[0].ExternalFDName != "http" {
		t.Fatalf("got %+v", out)
	}
}

func TestParseAnonymousSocketActivationRule(t *testing.T) {
	out, err := Parse([]byte(`
- direction: incoming
  port: 80
  socketActivation: true
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 1 || !out[0].ExternalFD || out[0].ExternalFDName != "" {
		t.Fatalf("got %+v", out)
	}
}

func TestParsePreservesOrder(t *testing.T) {
	out, err := Parse([]byte(`
- direction: outgoing
  socketPath: /tmp/first.sock
- direction: outgoing
  socketPath: /tmp/second.sock
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 2 || out[0].SocketPath != "/tmp/first.sock" || out[1].SocketPath != "/tmp/second.sock" {
		t.Fatalf("got %+v", out)
	}
}

func TestParseRejectsBadDirection(t *testing.T) {
	if _, err := Parse([]byte(`
- direction: sideways
  socketPath: /tmp/x.sock
`)); err == nil {
		t.Fatal("expected error for invalid direction")
	}
}

func TestParseRejectsBothTargets(t *testing.T) {
	if _, err := Parse([]byte(`
- direction: outgoing
  socketPath: /tmp/x.sock
  fdName: x
`)); err == nil {
		t.Fatal("expected error when both fdName and socketPath are set")
	}
}

func TestParseRejectsNoTarget(t *testing.T) {
	if _, err := Parse([]byte(`
- direction: outgoing
`)); err == nil {
		t.Fatal("expected error when neither fdName nor socketPath is set")
	}
}

func TestParseRejectsRelativeSocketPath(t *testing.T) {
	if _, err := Parse([]byte(`
- direction: outgoing
  socketPath: relative/path.sock
`)); err == nil {
		t.Fatal("expected error for non-absolute socketPath")
	}
}

func TestParseRejectsInvalidPort(t *testing.T) {
	if _, err := Parse([]byte(`
- direction: outgoing
  port: 99999
  socketPath: /tmp/x.sock
`)); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestParseFileMissing(t *testing.T) {
	if _, err := ParseFile("/nonexistent/rules.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
