// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/switchboard/lib/handoff"
)

func sendMessageCommand(env *environment) *command {
	var configPath, to string
	return &command{
		Name:    "send-message",
		Summary: "Send a text message to a SIP endpoint",
		Usage:   "switchboard send-message --to <ip:port:ext> <text>...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send-message", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringVar(&to, "to", "", "recipient as ip:port:extension (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if to == "" {
				return fmt.Errorf("--to is required")
			}
			address, err := handoff.ParseAddress(to)
			if err != nil {
				return err
			}
			body := strings.Join(args, " ")
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("message text is required")
			}
			cfg, err := env.loadConfig(configPath)
			if err != nil {
				return err
			}
			sender, err := env.newSender(cfg.SIP)
			if err != nil {
				return err
			}
			defer sender.Close()
			if err := sender.Send(env.ctx, address.IP, address.Port, address.Extension, body); err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "sent %d bytes to %s\n", len(body), address)
			return nil
		},
	}
}
