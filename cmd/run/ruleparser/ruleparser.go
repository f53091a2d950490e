// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package ruleparser parses the rule file pointed to by IP2UNIX_RULE_FILE
// into a slice of rules.Rule. The on-disk format is YAML, field-compatible
// with the original ip2unix rule file schema.
package ruleparser

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
	"unixify.dev/cmd/run/rules"
)

type rawRule struct {
	Direction  string `yaml:"direction"`
	Type       string `yaml:"type"`
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	SocketPath string `yaml:"socketPath"`

	// SocketActivation requests external-fd activation without naming a
	// specific descriptor (the next unnamed LISTEN_FDS entry is assigned).
	// FDName alone also implies external-fd activation, for a named
	// descriptor; the two fields are independent so a rule can request
	// activation with no name at all.
	SocketActivation bool   `yaml:"socketActivation"`
	FDName           string `yaml:"fdName"`
}

// ParseFile reads and parses the YAML rule file at path.
func ParseFile(path string) ([]rules.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse parses raw YAML rule-file bytes into a slice of rules.Rule,
// preserving file order (the matcher evaluates rules in this order).
func Parse(b []byte) ([]rules.Rule, error) {
	var raw []rawRule
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	out := make([]rules.Rule, 0, len(raw))
	for i, rr := range raw {
		r, err := convert(rr)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func convert(rr rawRule) (rules.Rule, error) {
	var r rules.Rule

	switch rr.Direction {
	case "incoming":
		r.Direction = rules.DirectionIncoming
	case "outgoing":
		r.Direction = rules.DirectionOutgoing
	default:
		return r, fmt.Errorf("invalid direction %q: must be \"incoming\" or \"outgoing\"", rr.Direction)
	}

	switch rr.Type {
	case "", "any":
		r.Transport = rules.TransportAny
	case "tcp":
		r.Transport = rules.TransportTCP
	case "udp":
		r.Transport = rules.TransportUDP
	default:
		return r, fmt.Errorf("invalid type %q: must be \"tcp\" or \"udp\"", rr.Type)
	}

	if rr.Address != "" {
		addr, err := netip.ParseAddr(rr.Address)
		if err != nil {
			return r, fmt.Errorf("invalid address %q: %w", rr.Address, err)
		}
		r.Address = addr
	}

	if rr.Port != 0 {
		if rr.Port < 1 || rr.Port > 65535 {
			return r, fmt.Errorf("invalid port %d: must be between 1 and 65535", rr.Port)
		}
		r.Port = uint16(rr.Port)
	}

	activation := rr.SocketActivation || rr.FDName != ""

	switch {
	case activation && rr.SocketPath != "":
		return r, fmt.Errorf("rule has both external-fd activation (socketActivation/fdName) and socketPath, pick one")
	case activation:
		r.ExternalFD = true
		r.ExternalFDName = rr.FDName
	case rr.SocketPath != "":
		if rr.SocketPath[0] != '/' {
			return r, fmt.Errorf("socketPath %q must be an absolute path", rr.SocketPath)
		}
		r.SocketPath = rr.SocketPath
	default:
		return r, fmt.Errorf("rule has neither external-fd activation (socketActivation/fdName) nor socketPath")
	}

	return r, nil
}
