// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package validate

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"unixify.dev/cmd/run/ruleparser"
)

type Command struct {
	flags struct {
		file string
	}
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "validate"
	c.ShortUsage = "unixify validate [flags]"
	c.ShortHelp = "validate a rule file without running anything"
	c.LongHelp = `
The validate command parses a rule file and reports any errors, without
forking or tracing a command. It accepts a path either via the -file flag
or the IP2UNIX_RULE_FILE environment variable.

Examples:
  # Validate the file named by IP2UNIX_RULE_FILE
  export IP2UNIX_RULE_FILE="rules.yaml"
  unixify validate

  # Validate a file given directly
  unixify validate -file="rules.yaml"
`

	c.FlagSet = flag.NewFlagSet("validate", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.file, "file", "", "rule file to validate (defaults to IP2UNIX_RULE_FILE env var)")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("UNIXIFY")}
	c.Exec = c.exec
	return &c.Command
}

func (c *Command) exec(ctx context.Context, args []string) error {
	path := c.flags.file
	if path == "" {
		path = os.Getenv("IP2UNIX_RULE_FILE")
	}
	if path == "" {
		return fmt.Errorf("no rule file provided via -file flag or IP2UNIX_RULE_FILE environment variable")
	}

	list, err := ruleparser.ParseFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Printf("%s: ok, %d rule(s)\n", path, len(list))
	return nil
}
