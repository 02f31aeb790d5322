// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small assertions shared by switchboard tests.
// The helpers bound every channel wait so a broken test fails with a
// message instead of hanging until the package timeout.
package testutil
