// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/handoff"
	"github.com/bureau-foundation/switchboard/lib/lease"
)

func registerCommand(env *environment) *command {
	var configPath, room, address string
	var ttl time.Duration
	return &command{
		Name:    "register",
		Summary: "Register an operator's SIP address for a room's pending handoff",
		Usage:   "switchboard register --room <room> --address <ip:port:ext>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("register", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringVar(&room, "room", "", "room awaiting an operator (required)")
			flagSet.StringVar(&address, "address", "", "operator address as ip:port:extension (required)")
			flagSet.DurationVar(&ttl, "ttl", defaultMailboxTTL, "how long the registration stays readable")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			if room == "" || address == "" {
				return fmt.Errorf("--room and --address are required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			parsed, err := handoff.ParseAddress(address)
			if err != nil {
				return err
			}
			return env.withStore(configPath, func(_ *config.Config, store lease.Store) error {
				if err := store.Put(env.ctx, lease.MailboxKey(room), parsed.String(), ttl); err != nil {
					return fmt.Errorf("writing registration: %w", err)
				}
				fmt.Fprintf(env.stdout, "registered %s for room %s (expires in %v)\n", parsed, room, ttl)
				return nil
			})
		},
	}
}
