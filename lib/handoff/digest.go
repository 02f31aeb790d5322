// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handoff

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// summaryDomainKey separates delivery digests from any other BLAKE3 use
// of the same bytes. ASCII, zero-padded to 32 bytes.
var summaryDomainKey = [32]byte{
	's', 'w', 'i', 't', 'c', 'h', 'b', 'o', 'a', 'r', 'd', '.',
	'h', 'a', 'n', 'd', 'o', 'f', 'f', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest identifies a summary in the delivered marker.
func Digest(summary string) string {
	hasher, err := blake3.NewKeyed(summaryDomainKey[:])
	if err != nil {
		panic("handoff: BLAKE3 keyed hasher: " + err.Error())
	}
	hasher.Write([]byte(summary))
	return hex.EncodeToString(hasher.Sum(nil))
}
