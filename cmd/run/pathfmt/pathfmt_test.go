// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package pathfmt

import "testing"

func TestFormat(t *testing.T) {
	cases := []struct {
		name      string
		template  string
		addr      string
		port      uint16
		transport string
		want      string
	}{
		{"literal", "/tmp/sock", "10.0.0.7", 1234, "tcp", "/tmp/sock"},
		{"all-escapes", "/tmp/%t-%a-%p.sock", "10.0.0.7", 1234, "udp", "/tmp/udp-10.0.0.7-1234.sock"},
		{"percent-literal", "/tmp/100%%.sock", "10.0.0.7", 1234, "tcp", "/tmp/100%.sock"},
		{"unrecognized-escape", "/tmp/%q.sock", "10.0.0.7", 1234, "tcp", "/tmp/%q.sock"},
		{"dangling-percent", "/tmp/foo%", "10.0.0.7", 1234, "tcp", "/tmp/foo%"},
		{"unknown-transport", "/tmp/%t.sock", "10.0.0.7", 1234, "unknown", "/tmp/unknown.sock"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Format(tc.template, tc.addr, tc.port, tc.transport)
			if got != tc.want {
				t.Errorf("Format(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}
