// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rules evaluates the operator-maintained call rules file.
//
// The file is JSONC (JSON with comments and trailing commas):
//
//	{
//	  // Business-to-business sales calls.
//	  "rules": [
//	    {"stage": "spam_check", "field": "full_transcript",
//	     "operator": "contains_any", "value": ["loan", "marketing"],
//	     "action": "spam"},
//	  ],
//	  "default_action": "transfer"
//	}
//
// Rules are checked in file order and the first match for a stage wins.
// A rule that is incomplete, uses an unknown operator, or has a value
// of the wrong shape is skipped when the file is parsed. Only the
// routing stage falls back to default_action when nothing matches.
package rules
