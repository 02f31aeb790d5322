// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command switchboard is the operator's tool for a running deployment.
//
//	switchboard lease get --room room1-abc       who owns, speaks for and launches the room
//	switchboard register --room room1-abc --address 10.0.0.7:5060:4000
//	switchboard send-message --to 10.0.0.7:5060:4000 test message
//	switchboard rules check rules.jsonc --set service=tow
//
// register writes the room's operator mailbox, the same key the handoff
// protocol polls, so a transfer can be driven by hand when the operator
// side cannot register itself. Commands that touch the lease store or
// SIP read switchboard.yaml from --config or $SWITCHBOARD_CONFIG.
package main
