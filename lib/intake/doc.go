// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package intake implements the language-model collaborators of a call
// session: the field extractor, the call summarizer, and the emergency
// and spam classifiers. Each wraps an [llm.Completer] and satisfies the
// matching interface in package callsession.
package intake
