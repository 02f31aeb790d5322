// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// Stages.
const (
	StageSpam      = "spam_check"
	StageEmergency = "emergency_check"
	StageRouting   = "routing"
)

// Actions a rule may return.
const (
	ActionTransfer = "transfer"
	ActionEndCall  = "end_call"
	ActionSpam     = "spam"
	ActionNone     = "no_action"
)

// Operators.
const (
	OperatorContainsAny = "contains_any"
	OperatorEquals      = "equals"
)

// Rule is one entry of the rules file as written.
type Rule struct {
	Stage    string          `json:"stage"`
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
	Action   string          `json:"action"`
}

type file struct {
	Rules         []Rule `json:"rules"`
	DefaultAction string `json:"default_action"`
}

type compiled struct {
	stage    string
	field    string
	operator string
	values   []string // lower-cased
	action   string
}

// Set is a parsed rules file.
type Set struct {
	rules         []compiled
	defaultAction string

	// Skipped describes each malformed rule that was dropped, by index.
	Skipped []string
}

// Empty is the rule set used when no file exists: nothing matches and
// routing transfers.
func Empty() *Set {
	return &Set{defaultAction: ActionTransfer}
}

// Parse decodes a JSONC rules document. A syntax error fails the whole
// document; a malformed rule only drops that rule.
func Parse(data []byte) (*Set, error) {
	var raw file
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	set := &Set{defaultAction: raw.DefaultAction}
	if set.defaultAction == "" {
		set.defaultAction = ActionTransfer
	}
	for i, rule := range raw.Rules {
		rule, err := compile(rule)
		if err != nil {
			set.Skipped = append(set.Skipped, fmt.Sprintf("rule %d: %v", i, err))
			continue
		}
		set.rules = append(set.rules, rule)
	}
	return set, nil
}

func compile(rule Rule) (compiled, error) {
	if rule.Stage == "" || rule.Field == "" || rule.Operator == "" || rule.Action == "" || len(rule.Value) == 0 {
		return compiled{}, errors.New("stage, field, operator, value and action are all required")
	}
	result := compiled{stage: rule.Stage, field: rule.Field, operator: rule.Operator, action: rule.Action}

	switch rule.Operator {
	case OperatorContainsAny:
		var values []any
		if err := json.Unmarshal(rule.Value, &values); err != nil {
			return compiled{}, errors.New("contains_any expects a list value")
		}
		for _, value := range values {
			text := strings.ToLower(fmt.Sprint(value))
			if text != "" {
				result.values = append(result.values, text)
			}
		}
		if len(result.values) == 0 {
			return compiled{}, errors.New("contains_any list is empty")
		}
	case OperatorEquals:
		var value string
		if err := json.Unmarshal(rule.Value, &value); err != nil {
			return compiled{}, errors.New("equals expects a string value")
		}
		if value == "" {
			return compiled{}, errors.New("equals value is empty")
		}
		result.values = []string{strings.ToLower(value)}
	default:
		return compiled{}, fmt.Errorf("unsupported operator %q", rule.Operator)
	}
	return result, nil
}

// Load reads and parses path. A missing file is not an error and yields
// Empty.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Len is the number of usable rules.
func (s *Set) Len() int { return len(s.rules) }

// DefaultAction is the routing fallback.
func (s *Set) DefaultAction() string { return s.defaultAction }

// Evaluate returns the action of the first rule for stage that matches
// data. Field values are compared case-insensitively and empty fields
// never match. When nothing matches, the routing stage reports the
// default action and every other stage reports no match.
func (s *Set) Evaluate(data map[string]string, stage string) (string, bool) {
	for _, rule := range s.rules {
		if rule.stage != stage {
			continue
		}
		text := strings.ToLower(data[rule.field])
		if text == "" {
			continue
		}
		if rule.matches(text) {
			return rule.action, true
		}
	}
	if stage == StageRouting {
		return s.defaultAction, true
	}
	return "", false
}

func (r compiled) matches(text string) bool {
	switch r.operator {
	case OperatorContainsAny:
		for _, value := range r.values {
			if strings.Contains(text, value) {
				return true
			}
		}
	case OperatorEquals:
		return text == r.values[0]
	}
	return false
}

// logSkipped reports dropped rules once per load.
func (s *Set) logSkipped(logger *slog.Logger, path string) {
	for _, reason := range s.Skipped {
		logger.Warn("skipping malformed rule", "path", path, "reason", reason)
	}
}
