// Package dedup collapses bursts of violation candidates into single
// open incidents and emits state transitions instead of duplicates.
package dedup

import (
	"math"
	"time"

	"sitewatch/internal/pipeline"
)

// IncidentStatus is the investigation lifecycle of an incident. The
// pipeline only ever creates incidents and bumps last-seen; everything
// else is driven by the external investigation workflow.
type IncidentStatus string

const (
	StatusNew           IncidentStatus = "new"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusFalsePositive IncidentStatus = "false_positive"
)

// IsOpen reports whether the status still blocks creation of a second
// incident for the same (camera, type) pair.
func (s IncidentStatus) IsOpen() bool {
	return s == StatusNew || s == StatusInvestigating
}

// Incident is the durable unit: one deduplicated record of an ongoing
// or resolved safety violation.
type Incident struct {
	ID           string                 `json:"id"`
	CameraID     string                 `json:"camera_id"`
	Location     string                 `json:"location"`
	Type         pipeline.ViolationType `json:"type"`
	Severity     pipeline.Severity      `json:"severity"`
	Status       IncidentStatus         `json:"status"`
	Confidence   int                    `json:"confidence"` // percent, 0-100
	Description  string                 `json:"description"`
	EvidenceURL  string                 `json:"evidence_url,omitempty"`
	FirstSeen    time.Time              `json:"first_seen"`
	LastSeen     time.Time              `json:"last_seen"`
	Investigator string                 `json:"investigator,omitempty"`
	ResolvedAt   *time.Time             `json:"resolved_at,omitempty"`
	Notes        string                 `json:"notes,omitempty"`
}

// Event names published alongside incidents.
const (
	EventViolationNew       = "violation:new"
	EventViolationEscalated = "violation:escalated"
)

// ToPercent converts an internal [0,1] confidence to the 0-100 scale
// incidents are persisted with. This is the only place the scale
// changes.
func ToPercent(c float32) int {
	p := int(math.Round(float64(c) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
