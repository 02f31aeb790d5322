// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/rules"
)

func rulesCommand(env *environment) *command {
	return &command{
		Name:        "rules",
		Summary:     "Work with call routing rules",
		Subcommands: []*command{rulesCheckCommand(env)},
	}
}

func rulesCheckCommand(env *environment) *command {
	var configPath string
	var sets []string
	return &command{
		Name:    "check",
		Summary: "Validate a rules file and optionally evaluate it against sample fields",
		Usage:   "switchboard rules check [path] [--set field=value]...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringArrayVar(&sets, "set", nil, "field=value to evaluate (repeatable), e.g. service=tow")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("at most one rules file may be given")
			}
			data, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := env.loadConfig(configPath)
				if err != nil {
					return err
				}
				path = cfg.Rules.Path
			}

			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(env.stdout, "%s: no rules file; every call routes to %s\n", path, rules.ActionTransfer)
			}
			set, err := rules.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "%s: %d rules, default action %s\n", path, set.Len(), set.DefaultAction())
			for _, reason := range set.Skipped {
				fmt.Fprintf(env.stdout, "  skipped: %s\n", reason)
			}

			if len(data) > 0 {
				for _, stage := range []string{rules.StageEmergency, rules.StageSpam, rules.StageRouting} {
					action, matched := set.Evaluate(data, stage)
					if !matched {
						action = "(no match)"
					}
					fmt.Fprintf(env.stdout, "  %s: %s\n", stage, action)
				}
			}
			if len(set.Skipped) > 0 {
				return &exitError{Code: 1}
			}
			return nil
		},
	}
}

func parseAssignments(assignments []string) (map[string]string, error) {
	data := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		field, value, ok := strings.Cut(assignment, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("--set %q: want field=value", assignment)
		}
		data[strings.TrimSpace(field)] = value
	}
	return data, nil
}
