// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package callsession holds the state of one telephone call and the
// evaluation loop that moves it from gathering caller details to a
// single terminal decision.
//
// A [Session] starts in [StateGathering]. Each [Engine.Cycle] absorbs
// the utterances observed since the previous cycle, merges a fresh
// field extraction (the first value of a field wins unless the caller
// corrects it), and then, in order:
//
//   - confirms an explicit "ready" signal from the caller,
//   - runs the emergency check, which transfers immediately on a
//     confirmed hit or when the classifier fails,
//   - runs the spam check, which ends the call,
//   - prompts for the first missing field, once,
//   - applies the escalating silence policy,
//   - routes a complete call through the routing rules.
//
// A transfer is claimed through [Session.BeginTransfer], which succeeds
// at most once. A routed transfer waits for the ready signal or for the
// ready fallback to pass since the fields became complete, whichever is
// observed first; both are evaluated in the same cycle and the ready
// signal is reported when both hold.
//
// Event handlers only call [Session.ObserveUtterance]. Every other
// method belongs to the goroutine running the engine, so cycles are
// strictly sequential.
package callsession
