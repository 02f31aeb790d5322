// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/switchboard/lib/llm"
)

const (
	emergencyPrompt = "You are an emergency detection system for a towing company. " +
		"Analyze the user's message. An emergency is a situation requiring immediate human intervention for safety. " +
		"Examples: car accidents, injuries, fire, being in a dangerous location. " +
		"A simple breakdown is NOT an emergency. " +
		"Respond with 'EMERGENCY' for a critical emergency, or 'ROUTINE' otherwise. Only use these exact words."

	spamPrompt = "You are a spam detection expert. Analyze the following conversation transcript. " +
		"The user is calling a towing company. " +
		"If the user is trying to sell something (like marketing, business loans) or it's clearly an unwanted call, it is spam. " +
		"If the user is asking for towing services, asking about payment methods, or has a legitimate-sounding query, it is NOT spam. " +
		"Respond with 'SPAM' if it is spam, and 'NOT SPAM' otherwise. Only respond with those exact words."

	summaryPrompt = "Summarize the following call in 2-3 sentences."
)

// Classifier asks the model a yes/no question about a text. The reply
// is trimmed and upper-cased, then compared with one exact label:
// when failPositive is set, anything but the negative label counts as
// positive; otherwise only the positive label does.
type Classifier struct {
	completer    llm.Completer
	prompt       string
	positive     string
	negative     string
	failPositive bool
}

// EmergencyClassifier confirms a suspected emergency from the caller's
// latest utterance. Only a plain ROUTINE reply rules the emergency out.
func EmergencyClassifier(completer llm.Completer) *Classifier {
	return &Classifier{
		completer:    completer,
		prompt:       emergencyPrompt,
		positive:     "EMERGENCY",
		negative:     "ROUTINE",
		failPositive: true,
	}
}

// SpamClassifier confirms a suspected spam call from the tail of the
// transcript. Only a plain SPAM reply confirms it.
func SpamClassifier(completer llm.Completer) *Classifier {
	return &Classifier{completer: completer, prompt: spamPrompt, positive: "SPAM"}
}

// Classify implements callsession.Classifier.
func (c *Classifier) Classify(ctx context.Context, text string) (bool, error) {
	response, err := c.completer.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.System(c.prompt), llm.User(text)},
		MaxTokens:   8,
		Temperature: zero(),
	})
	if err != nil {
		return false, fmt.Errorf("classifying %s: %w", strings.ToLower(c.positive), err)
	}
	answer := strings.ToUpper(strings.Trim(strings.TrimSpace(response.Content), ".'\"`"))
	if c.failPositive {
		return answer != c.negative, nil
	}
	return answer == c.positive, nil
}

// Summarizer writes the short call summary delivered to operators.
type Summarizer struct {
	completer llm.Completer
}

func NewSummarizer(completer llm.Completer) *Summarizer {
	return &Summarizer{completer: completer}
}

// Summarize implements callsession.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, conversation string) (string, error) {
	response, err := s.completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{llm.System(summaryPrompt), llm.User(conversation)},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing call: %w", err)
	}
	return strings.TrimSpace(response.Content), nil
}
