// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Switchboard-worker answers the calls of one room.
//
// It first claims the room's owner lease and exits cleanly if another
// worker already holds it. It then stands for speaker election, joins
// the room through the voice pipeline and feeds caller transcripts into
// evaluation cycles that steer the conversation until the call reaches
// a terminal outcome.
//
// On a transfer the worker silences the agent, keeping it listening for
// wake phrases only, and runs the handoff protocol. A delivered handoff
// leaves the call up for the operator. Every other terminal path hangs
// up. Losing the owner lease or the room stops the worker without a
// hangup. Leases are released on exit.
//
// The room comes from --room or SWITCHBOARD_ROOM; the supervisor sets
// the latter.
package main
