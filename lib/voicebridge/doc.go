// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package voicebridge links a worker to the speech pipeline serving its
// room over a WebSocket.
//
// The pipeline owns audio: it transcribes the caller, runs the
// conversational model and speaks. The bridge receives finished
// transcript items from it and sends back speech requests, retrieval
// context, silent mode and the hangup. Messages are JSON objects with a
// "type" field:
//
//	worker -> pipeline: hello {room}, say {id, text}, context {text}, silent {wake}, hangup
//	pipeline -> worker: transcript {role, text}, said {id, error}, closed {reason}
//
// A say request completes when the pipeline reports it said with the
// same id. After silent the pipeline's model answers only caller
// utterances containing a wake phrase; the call itself stays up.
// Closing the bridge without a hangup leaves the call to the pipeline.
package voicebridge
