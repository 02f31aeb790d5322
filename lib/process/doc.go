// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process manages the worker processes the supervisor runs.
//
// Each worker is started in its own process group with the room it
// serves in its environment (RoomEnv). The group lets Terminate reach
// everything the worker spawned, and the environment tag lets a later
// supervisor find workers left behind by a crashed predecessor by
// scanning /proc. A worker started by hand with --room counts as tagged,
// and one whose environment cannot be read is never reaped.
//
// Fatal is the entrypoint error handler used by every binary before
// the structured logger exists.
package process
