// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intake

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bureau-foundation/switchboard/lib/callsession"
	"github.com/bureau-foundation/switchboard/lib/llm"
)

// extractionWindow is how much of the conversation, in bytes, the
// extractor sees.
const extractionWindow = 32000

// extractionReply is the structured output of the extractor.
type extractionReply struct {
	Name     string `json:"name" jsonschema:"description=The caller's name, never the agent's"`
	Phone    string `json:"phone" jsonschema:"description=Ten-digit callback number or empty"`
	Location string `json:"location"`
	Service  string `json:"service" jsonschema:"description=Core service type such as lockout, jump, tire, fuel, tow"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Color    string `json:"color"`
	Year     string `json:"year"`

	Corrected []string `json:"corrected" jsonschema:"description=Fields the caller explicitly corrected"`
}

// Extractor pulls the caller's details out of the conversation.
type Extractor struct {
	completer llm.Completer
	agentName string
}

// NewExtractor returns an Extractor. agentName is the name the agent
// introduces itself with, which must not be taken for the caller's.
func NewExtractor(completer llm.Completer, agentName string) *Extractor {
	return &Extractor{completer: completer, agentName: agentName}
}

func (e *Extractor) prompt() string {
	return "Extract the caller's information from the conversation: their name, phone number, address or location, and the specific service they need. " +
		"Also extract vehicle make, model, color, and year if mentioned. " +
		fmt.Sprintf("The AI agent introduces itself as %s; do not extract this as the caller's name. ", capitalize(e.agentName)) +
		"Phone must be 10 digits or an empty string. " +
		"For the service field, extract the core service type (e.g., 'lockout', 'jump', 'tire', 'fuel'), not full phrases like 'lockout service'. " +
		"If a field is not mentioned, return an empty string. Never return null. " +
		"List in 'corrected' the names of any fields whose earlier value the caller explicitly corrected."
}

// Extract implements callsession.Extractor.
func (e *Extractor) Extract(ctx context.Context, history []llm.Message) (callsession.Extraction, error) {
	lines := make([]string, 0, len(history))
	for _, message := range history {
		if message.Role == llm.RoleSystem {
			continue
		}
		lines = append(lines, message.Content)
	}
	conversation := tail(strings.Join(lines, "\n"), extractionWindow)

	reply, err := llm.CompleteJSON[extractionReply](ctx, e.completer, llm.Request{
		Messages:    []llm.Message{llm.System(e.prompt()), llm.User(conversation)},
		Temperature: zero(),
	})
	if err != nil {
		return callsession.Extraction{}, fmt.Errorf("extracting fields: %w", err)
	}

	extraction := callsession.Extraction{Fields: callsession.Fields{
		Name:     reply.Name,
		Phone:    reply.Phone,
		Service:  reply.Service,
		Location: reply.Location,
		Make:     reply.Make,
		Model:    reply.Model,
		Color:    reply.Color,
		Year:     reply.Year,
	}}
	for _, name := range reply.Corrected {
		field := callsession.Field(strings.ToLower(strings.TrimSpace(name)))
		if extraction.Fields.Get(field) != "" {
			extraction.Corrected = append(extraction.Corrected, field)
		}
	}
	return extraction, nil
}

func capitalize(name string) string {
	first, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return "the agent"
	}
	return string(unicode.ToUpper(first)) + name[size:]
}

// tail returns at most the last n bytes of text, starting on a rune
// boundary.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := len(text) - n
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return text[cut:]
}

func zero() *float64 {
	var t float64
	return &t
}
