// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"time"
)

// TimestampFormat is the layout of Update.Timestamp, always UTC.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Call actions recorded in Update.CallAction.
const (
	ActionNone     = "no_action"
	ActionTransfer = "transfer"
	ActionEndCall  = "end_call"
	ActionSpam     = "spam"
)

// Update is a partial transcript document. Empty strings and nil
// pointers are left unchanged in the stored document, so a caller only
// sets what it knows.
type Update struct {
	AgentName      string `bson:"ai_agent_name,omitempty" json:"ai_agent_name,omitempty"`
	CallerName     string `bson:"caller_name,omitempty" json:"caller_name,omitempty"`
	CallerPhone    string `bson:"caller_phone,omitempty" json:"caller_phone,omitempty"`
	Location       string `bson:"location,omitempty" json:"location,omitempty"`
	Service        string `bson:"service,omitempty" json:"service,omitempty"`
	VehicleMake    string `bson:"vehicle_make,omitempty" json:"vehicle_make,omitempty"`
	VehicleModel   string `bson:"vehicle_model,omitempty" json:"vehicle_model,omitempty"`
	VehicleColor   string `bson:"vehicle_color,omitempty" json:"vehicle_color,omitempty"`
	VehicleYear    string `bson:"vehicle_year,omitempty" json:"vehicle_year,omitempty"`
	Summary        string `bson:"summary,omitempty" json:"summary,omitempty"`
	FullTranscript string `bson:"full_transcript,omitempty" json:"full_transcript,omitempty"`
	BasicInfo      *bool  `bson:"basic_info,omitempty" json:"basic_info,omitempty"`
	CallAction     string `bson:"call_action,omitempty" json:"call_action,omitempty"`
	// The misspelling is the established column name.
	Transfered     *bool    `bson:"transfered,omitempty" json:"transfered,omitempty"`
	SIPInfo        *SIPInfo `bson:"sip_info,omitempty" json:"sip_info,omitempty"`
	HandoffOutcome string   `bson:"handoff_outcome,omitempty" json:"handoff_outcome,omitempty"`
	Timestamp      string   `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
}

// SIPInfo is the operator address a call was handed to.
type SIPInfo struct {
	IP        string `bson:"ip" json:"ip"`
	Port      int    `bson:"port" json:"port"`
	Extension string `bson:"extension" json:"extension"`
}

// Bool returns a pointer to b, for the optional flags of Update.
func Bool(b bool) *bool { return &b }

// Merge overlays the set fields of u onto base.
func (u Update) Merge(base Update) Update {
	merged := base
	setString := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	setString(&merged.AgentName, u.AgentName)
	setString(&merged.CallerName, u.CallerName)
	setString(&merged.CallerPhone, u.CallerPhone)
	setString(&merged.Location, u.Location)
	setString(&merged.Service, u.Service)
	setString(&merged.VehicleMake, u.VehicleMake)
	setString(&merged.VehicleModel, u.VehicleModel)
	setString(&merged.VehicleColor, u.VehicleColor)
	setString(&merged.VehicleYear, u.VehicleYear)
	setString(&merged.Summary, u.Summary)
	setString(&merged.FullTranscript, u.FullTranscript)
	setString(&merged.CallAction, u.CallAction)
	setString(&merged.HandoffOutcome, u.HandoffOutcome)
	setString(&merged.Timestamp, u.Timestamp)
	if u.BasicInfo != nil {
		merged.BasicInfo = Bool(*u.BasicInfo)
	}
	if u.Transfered != nil {
		merged.Transfered = Bool(*u.Transfered)
	}
	if u.SIPInfo != nil {
		info := *u.SIPInfo
		merged.SIPInfo = &info
	}
	return merged
}

// Stamp sets Timestamp from now.
func (u Update) Stamp(now time.Time) Update {
	u.Timestamp = now.UTC().Format(TimestampFormat)
	return u
}

// Store persists transcript documents keyed by conversation id.
type Store interface {
	// Upsert applies update to the document for id, creating it when
	// absent.
	Upsert(ctx context.Context, id string, update Update) error
}
