// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package callsession

import "strings"

// Field names a piece of caller information.
type Field string

const (
	FieldName     Field = "name"
	FieldPhone    Field = "phone"
	FieldService  Field = "service"
	FieldLocation Field = "location"
	FieldYear     Field = "year"
	FieldMake     Field = "make"
	FieldModel    Field = "model"
	FieldColor    Field = "color"

	// FieldMakeOrModel is satisfied by either make or model. It only
	// appears in RequiredOrder and as a waiting marker.
	FieldMakeOrModel Field = "make_or_model"
)

// Requirement is one step of the prompting order.
type Requirement struct {
	Field    Field
	Prompt   string
	Optional bool
}

// RequiredOrder is the order callers are asked for information. Only
// the first unmet requirement is prompted for in a cycle.
var RequiredOrder = []Requirement{
	{Field: FieldName, Prompt: "May I have your name, please?"},
	{Field: FieldPhone, Prompt: "Could I get a 10-digit callback number?"},
	{Field: FieldService, Prompt: "What service do you need? (e.g., lockout, jump, tow, tire, fuel)"},
	{Field: FieldLocation, Prompt: "Where is your vehicle located?"},
	{Field: FieldYear, Prompt: "What is the year of your vehicle? (e.g., 2018)"},
	{Field: FieldMakeOrModel, Prompt: "What is the make of your vehicle? (e.g., Toyota, Ford, BMW)"},
	{Field: FieldColor, Prompt: "What is the color of your vehicle?", Optional: true},
}

// Fields is the information collected from the caller. An empty string
// means not yet known.
type Fields struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Service  string `json:"service"`
	Location string `json:"location"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Color    string `json:"color"`
	Year     string `json:"year"`
}

// mergeOrder lists the concrete fields in the order Merge reports them.
var mergeOrder = []Field{FieldName, FieldPhone, FieldService, FieldLocation, FieldMake, FieldModel, FieldColor, FieldYear}

func (f *Fields) slot(field Field) *string {
	switch field {
	case FieldName:
		return &f.Name
	case FieldPhone:
		return &f.Phone
	case FieldService:
		return &f.Service
	case FieldLocation:
		return &f.Location
	case FieldMake:
		return &f.Make
	case FieldModel:
		return &f.Model
	case FieldColor:
		return &f.Color
	case FieldYear:
		return &f.Year
	}
	return nil
}

// Get returns the value of field, or "" for unknown names.
func (f Fields) Get(field Field) string {
	if slot := f.slot(field); slot != nil {
		return *slot
	}
	return ""
}

// Filled reports whether field has a value. FieldMakeOrModel is filled
// by either of its parts.
func (f Fields) Filled(field Field) bool {
	if field == FieldMakeOrModel {
		return f.Make != "" || f.Model != ""
	}
	return f.Get(field) != ""
}

// Complete reports whether every non-optional requirement is met.
func (f Fields) Complete() bool {
	for _, requirement := range RequiredOrder {
		if !requirement.Optional && !f.Filled(requirement.Field) {
			return false
		}
	}
	return true
}

// Missing returns the first unmet requirement, including optional ones.
func (f Fields) Missing() (Requirement, bool) {
	for _, requirement := range RequiredOrder {
		if !f.Filled(requirement.Field) {
			return requirement, true
		}
	}
	return Requirement{}, false
}

// basicServices are the service keywords that make a record count as
// basic_info.
var basicServices = []string{
	"lockout", "jump", "jump start", "tire", "fuel", "battery", "key",
	"ignition", "roadside", "tow", "towing", "accident", "recovery",
	"winch", "heavy duty", "commercial", "big rig", "semi", "bus",
	"truck", "trailer", "container", "flatbed", "motorhome", "rv",
}

// BasicInfo reports whether name, phone and a recognised service are
// known.
func (f Fields) BasicInfo() bool {
	if f.Name == "" || f.Phone == "" || f.Service == "" {
		return false
	}
	service := strings.ToLower(f.Service)
	for _, keyword := range basicServices {
		if strings.Contains(service, keyword) {
			return true
		}
	}
	return false
}

// Extraction is one pass of the field extractor over the conversation.
type Extraction struct {
	Fields Fields

	// Corrected lists fields the caller explicitly corrected. Their new
	// values replace earlier ones; every other field keeps its first
	// value.
	Corrected []Field
}

// normalizeValue maps the extractor's spellings of "unknown" to "".
func normalizeValue(value string) string {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "null", "none", "unknown", "n/a":
		return ""
	}
	return value
}

// Merge applies an extraction and returns the fields whose value
// changed, in a stable order.
func (f *Fields) Merge(extraction Extraction) []Field {
	corrected := make(map[Field]bool, len(extraction.Corrected))
	for _, field := range extraction.Corrected {
		corrected[field] = true
	}
	var changed []Field
	for _, field := range mergeOrder {
		value := normalizeValue(extraction.Fields.Get(field))
		if value == "" {
			continue
		}
		slot := f.slot(field)
		if *slot == value {
			continue
		}
		if *slot != "" && !corrected[field] {
			continue
		}
		*slot = value
		changed = append(changed, field)
	}
	return changed
}

// RuleData is the map rule conditions are evaluated against.
func (f Fields) RuleData(summary, transcript string) map[string]string {
	return map[string]string{
		"name":            f.Name,
		"phone":           f.Phone,
		"service":         f.Service,
		"location":        f.Location,
		"make":            f.Make,
		"model":           f.Model,
		"color":           f.Color,
		"year":            f.Year,
		"summary":         summary,
		"full_transcript": transcript,
	}
}
