// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package speaker decides which worker in a room may talk to the
// caller.
//
// Two leases cooperate. The speaker lease (speaker:<room>) is taken
// once at startup by [Coordinator.Elect] and renewed by
// [Coordinator.Run]; a worker that does not win it is a follower and
// never speaks. A holder whose token names a dead process on this host
// is treated as absent: its key is removed with compare-and-delete and
// the election retried once.
//
// Every utterance additionally takes the short speaking lock
// (speaking:<room>), re-validates the speaker lease and only then
// reaches the [Output]. The lock is released as soon as the utterance
// returns, and its TTL bounds how long a crash mid-utterance can wedge
// the room.
//
// After a transfer begins the coordinator is put in silent mode:
// ordinary utterances are withheld unless the caller's latest words
// contain a wake phrase. [Announcement] marks closing statements and
// handoff messages, which bypass the wake check but never the locks.
package speaker
