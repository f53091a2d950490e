// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package extfd

import (
	"os"
	"testing"
)

// AssignForRule's lazy init runs exactly once per process via a package
// level sync.Once, so this single test exercises both the named and FIFO
// paths against one LISTEN_FDS/LISTEN_FDNAMES setup rather than splitting
// into independent test functions that would race on reinitialization.
func TestAssignForRule(t *testing.T) {
	os.Setenv("LISTEN_FDS", "3")
	os.Setenv("LISTEN_FDNAMES", "http::metrics")
	defer os.Unsetenv("LISTEN_FDS")
	defer os.Unsetenv("LISTEN_FDNAMES")

	http := AssignForRule("http")
	if http.FD() != listenFDsStart {
		t.Fatalf("named fd http: got %d, want %d", http.FD(), listenFDsStart)
	}

	metrics := AssignForRule("metrics")
	if metrics.FD() != listenFDsStart+2 {
		t.Fatalf("named fd metrics: got %d, want %d", metrics.FD(), listenFDsStart+2)
	}

	unnamed := AssignForRule("")
	if unnamed.FD() != listenFDsStart+1 {
		t.Fatalf("fifo fd: got %d, want %d", unnamed.FD(), listenFDsStart+1)
	}
}
