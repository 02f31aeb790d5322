// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var sequence atomic.Uint64

// UniqueID returns prefix-N with N increasing across the test binary.
// Tests sharing a lease store use it for room names so parallel cases
// never collide on keys.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, sequence.Add(1))
}
