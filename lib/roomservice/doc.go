// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomservice talks to the LiveKit server API: listing the
// rooms the supervisor manages and dialing the operator into a room
// through a SIP outbound trunk.
//
// The outbound trunk is resolved lazily by a [TrunkResolver] that the
// owning process creates and passes to its [Dialer]. The first dial
// lists the server's outbound trunks and reuses the one whose address
// matches the configuration, creating one otherwise; later dials reuse
// the resolved id.
package roomservice
