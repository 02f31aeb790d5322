// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handoff connects a caller to a human operator and delivers
// the collected call summary to them exactly once.
//
// [Protocol.Run] announces the transfer, dials the operator extension
// (at most once per Protocol, however often Run is entered), then polls
// the room_member:<room> mailbox in the lease store for the address the
// operator side registers as ip:port:extension. Rotating hold messages
// are spoken while it waits. Once an address appears the call record
// is updated, the protocol lets the operator leg settle, and the
// summary is sent with bounded retries.
//
// A successful delivery writes delivered:<room> with the BLAKE3 digest
// of the summary. A protocol entered again for the same summary finds
// the marker and reports delivery without sending twice.
//
// Every run ends in one [Record] whose Outcome is delivered,
// delivery_failed, no_operator or dial_failed (or cancelled when the
// worker is shutting down). The caller is told the outcome before Run
// returns.
package handoff
