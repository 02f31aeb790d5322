// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads switchboard's YAML configuration.
//
// Configuration comes from a single file named by the SWITCHBOARD_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no discovery and no fallback file.
//
// [Default] carries every timing constant the supervisor and worker
// use, so a minimal file only names the external services. Durations
// are written as Go duration strings ("4s", "500ms").
//
// Credential and address fields accept ${VAR} and ${VAR:-default}, which
// are expanded from the process environment after loading so secrets
// need not live in the file. No other environment variable overrides a
// configured value.
//
// An environment section (development, staging, production) may
// override logging and the lease store for that environment.
//
// This package depends on no other switchboard packages.
package config
