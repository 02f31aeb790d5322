// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Switchboard-supervisor keeps one switchboard-worker running per
// active room.
//
// Every poll it lists the live rooms with the managed prefix and
// launches a worker for each room that has none, under the room's
// launch lock so that supervisors on several hosts never launch the
// same room at once. Before launching it kills any stray worker still
// tagged with the room. Workers of rooms that stay absent for the
// removal grace period are terminated along with their process group.
// A separate scan kills worker processes that carry no room tag, left
// behind by an earlier crash.
//
// Workers are tagged with SWITCHBOARD_ROOM in their environment and
// run in their own process group.
package main
