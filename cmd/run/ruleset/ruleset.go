// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package ruleset owns the process-wide rule store: the parsed contents of
// the file named by IP2UNIX_RULE_FILE, loaded lazily on first use and held
// for the lifetime of the supervisor.
package ruleset

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"unixify.dev/cmd/run/ruleparser"
	"unixify.dev/cmd/run/rules"
)

// Store is a lazily initialized, read-only-after-init collection of rules.
type Store struct {
	once sync.Once
	mu   sync.Mutex
	list []rules.Rule
}

// EnsureInitialized loads the rule file the first time it's called. Every
// call after the first is a no-op. Parse failures are fatal: a supervisor
// that can't load its rules can't safely intercept anything.
func (s *Store) EnsureInitialized() {
	s.once.Do(func() {
		path := os.Getenv("IP2UNIX_RULE_FILE")
		if path == "" {
			fmt.Fprintf(os.Stderr, "unixify: error: IP2UNIX_RULE_FILE is not set\n")
			os.Exit(1)
		}

		list, err := ruleparser.ParseFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unixify: error: load rule file %s: %v\n", path, err)
			os.Exit(1)
		}

		s.mu.Lock()
		s.list = list
		s.mu.Unlock()
		slog.Debug("loaded rule file", "path", path, "rules", len(list))
	})
}

// Rules returns the currently loaded rules. EnsureInitialized must have been
// called at least once before this is meaningful.
func (s *Store) Rules() []rules.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}
