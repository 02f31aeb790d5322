// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lease"
)

// leaseKinds maps the names accepted by --kind to key builders.
var leaseKinds = map[string]func(room string) string{
	"owner":     lease.OwnerKey,
	"speaker":   lease.SpeakerKey,
	"speaking":  lease.SpeakingKey,
	"launch":    lease.LaunchKey,
	"mailbox":   lease.MailboxKey,
	"delivered": lease.DeliveredKey,
}

func leaseKindNames() string {
	names := make([]string, 0, len(leaseKinds))
	for name := range leaseKinds {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

func leaseCommand(env *environment) *command {
	return &command{
		Name:        "lease",
		Summary:     "Inspect lease store keys",
		Subcommands: []*command{leaseGetCommand(env)},
	}
}

func leaseGetCommand(env *environment) *command {
	var configPath, room string
	var kinds []string
	return &command{
		Name:    "get",
		Summary: "Show who holds the leases of a room, or the value of one key",
		Usage:   "switchboard lease get (--room <room> [--kind <kind>]... | <key>)",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringVar(&room, "room", "", "room whose leases to show")
			flagSet.StringSliceVar(&kinds, "kind", nil, "lease kinds to show ("+leaseKindNames()+"); default all")
			return flagSet
		},
		Run: func(args []string) error {
			keys, err := leaseKeys(room, kinds, args)
			if err != nil {
				return err
			}
			return env.withStore(configPath, func(_ *config.Config, store lease.Store) error {
				tw := tabwriter.NewWriter(env.stdout, 2, 0, 2, ' ', 0)
				held := 0
				for _, key := range keys {
					value, found, err := store.Read(env.ctx, key)
					if err != nil {
						return err
					}
					if !found {
						fmt.Fprintf(tw, "%s\t(free)\n", key)
						continue
					}
					held++
					fmt.Fprintf(tw, "%s\t%s\t%s\n", key, value, env.describeHolder(value))
				}
				tw.Flush()
				if held == 0 {
					return &exitError{Code: 1}
				}
				return nil
			})
		},
	}
}

func leaseKeys(room string, kinds, args []string) ([]string, error) {
	switch {
	case room != "" && len(args) > 0:
		return nil, fmt.Errorf("give either --room or a key, not both")
	case room == "" && len(args) != 1:
		return nil, fmt.Errorf("exactly one key is required without --room")
	case room == "":
		return args, nil
	}
	if len(kinds) == 0 {
		kinds = []string{"owner", "speaker", "speaking", "launch", "mailbox", "delivered"}
	}
	keys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		build, ok := leaseKinds[kind]
		if !ok {
			return nil, fmt.Errorf("unknown lease kind %q (want one of %s)", kind, leaseKindNames())
		}
		keys = append(keys, build(room))
	}
	return keys, nil
}

// describeHolder explains an owner token: which process holds the key
// and, on this host, whether it is still running.
func (env *environment) describeHolder(value string) string {
	holder, _, _ := strings.Cut(value, "/")
	token, err := lease.ParseToken(holder)
	if err != nil {
		return ""
	}
	state := "other host"
	if token.Host == env.hostname {
		state = "dead"
		if env.alive(token.PID) {
			state = "alive"
		}
	}
	return fmt.Sprintf("pid %d on %s since %s (%s)", token.PID, token.Host,
		token.Started.UTC().Format(time.RFC3339), state)
}
