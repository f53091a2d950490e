// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package pathfmt expands the %a/%p/%t/%% placeholders that a rule's
// socketPath may contain into the concrete filesystem path a converted
// socket should bind or connect to.
package pathfmt

import (
	"strconv"
	"strings"
)

// Format expands template using the given address text, decimal port, and
// transport symbol ("tcp", "udp", or "unknown"). Recognized escapes are %%,
// %a, %p, and %t. An unrecognized %x is reproduced verbatim, and so is an
// unterminated % at the end of the string.
func Format(template, addr string, port uint16, transport string) string {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(template) {
			b.WriteByte('%')
			break
		}

		switch template[i+1] {
		case '%':
			b.WriteByte('%')
		case 'a':
			b.WriteString(addr)
		case 'p':
			b.WriteString(strconv.Itoa(int(port)))
		case 't':
			b.WriteString(transport)
		default:
			b.WriteByte('%')
			b.WriteByte(template[i+1])
		}
		i++
	}

	return b.String()
}
