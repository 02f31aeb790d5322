// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm is a client for OpenAI-compatible chat completion APIs
// (OpenAI, Groq, OpenRouter, vLLM, Ollama and the like).
//
// Messages are a tagged variant: a [Role] that is one of system, user
// or assistant, and plain text content. [Client.Complete] sends a
// blocking request; a [ResponseFormat] built by [SchemaFormat] asks the
// model for JSON matching a Go type.
//
// Requests travel through an otelhttp transport and each call is
// wrapped in a span, so model latency shows up in traces when an
// OpenTelemetry SDK is installed.
package llm
