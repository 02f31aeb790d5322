// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package callsession

import (
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/switchboard/lib/llm"
	"github.com/bureau-foundation/switchboard/lib/transcript"
)

// Transcript renders the conversation as "User: ..." and "AI: ..."
// lines. System messages are omitted.
func (s *Session) Transcript() string {
	var b strings.Builder
	for _, message := range s.history {
		var prefix string
		switch message.Role {
		case llm.RoleUser:
			prefix = "User: "
		case llm.RoleAssistant:
			prefix = "AI: "
		default:
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(prefix)
		b.WriteString(message.Content)
	}
	return b.String()
}

// OperatorSummary is the message delivered to the operator who takes
// the call.
func (s *Session) OperatorSummary() string {
	f := s.fields
	var b strings.Builder
	for _, line := range [][2]string{
		{"Caller", f.Name},
		{"Phone", f.Phone},
		{"Location", f.Location},
		{"Service", f.Service},
		{"Make", f.Make},
		{"Model", f.Model},
		{"Color", f.Color},
		{"Year", f.Year},
	} {
		b.WriteString(line[0])
		b.WriteString(": ")
		b.WriteString(line[1])
		b.WriteByte('\n')
	}
	b.WriteString("\nSummary:\n")
	b.WriteString(s.summary)
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(s.Transcript())
	return b.String()
}

// Record returns the transcript document for the session's current
// state.
func (s *Session) Record() transcript.Update {
	f := s.fields
	return transcript.Update{
		AgentName:      s.agentName,
		CallerName:     f.Name,
		CallerPhone:    f.Phone,
		Location:       f.Location,
		Service:        f.Service,
		VehicleMake:    f.Make,
		VehicleModel:   f.Model,
		VehicleColor:   f.Color,
		VehicleYear:    f.Year,
		Summary:        s.summary,
		FullTranscript: s.Transcript(),
		BasicInfo:      transcript.Bool(f.BasicInfo()),
	}
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
