// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript stores the per-call transcript document.
//
// A document is keyed by conversation id and built up from partial
// [Update] values: every field an update leaves empty keeps its stored
// value. [MongoStore] writes to the analytics collection, [Spool] keeps
// an encrypted local copy that survives database outages, and [Fanout]
// writes to several stores at once.
package transcript
