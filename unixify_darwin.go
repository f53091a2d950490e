// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"github.com/peterbourgon/ff/v3/ffcli"
	"unixify.dev/cmd/validate"
	"unixify.dev/cmd/version"
)

var subcommands = []*ffcli.Command{
	validate.NewCommand(),
	version.NewCommand(),
}
