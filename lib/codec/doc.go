// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is switchboard's CBOR configuration.
//
// JSON is used wherever a human or an outside service reads the data:
// rules files, the voice bridge protocol, model requests, the transcript
// documents sent to MongoDB. CBOR is used for what switchboard writes
// for itself, currently the local transcript spool. Encoding is Core
// Deterministic (RFC 8949 §4.2), so the same record always produces the
// same bytes.
//
// Types that only ever go to the spool use `cbor` tags. Types that are
// also sent as JSON use `json` tags alone; the decoder falls back to
// them when no `cbor` tag is present.
package codec
