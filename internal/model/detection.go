package model

import (
	"fmt"
	"time"
)

// DetectionType discriminates the two DetectedEvent kinds.
type DetectionType string

const (
	SecurityAlert       DetectionType = "security_alert"
	ComplianceViolation DetectionType = "compliance_violation"
)

// Severity of a DetectedEvent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity converts a raw string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// DetectionDetails is the structured evidence attached by the rule that fired.
// Unused fields are omitted from the persisted JSON.
type DetectionDetails struct {
	Action        string `json:"action,omitempty"`
	Resource      string `json:"resource,omitempty"`
	Count         int    `json:"count,omitempty"`
	Threshold     int    `json:"threshold,omitempty"`
	WindowMinutes int    `json:"windowMinutes,omitempty"`
	Hour          *int   `json:"hour,omitempty"`
	IsWeekend     *bool  `json:"isWeekend,omitempty"`
	IsOffHours    *bool  `json:"isOffHours,omitempty"`
	OriginIP      string `json:"originIp,omitempty"`
}

// DetectedEvent is a security alert or compliance violation raised by a rule.
type DetectedEvent struct {
	ID            string           `json:"id"`
	Type          DetectionType    `json:"type"`
	Severity      Severity         `json:"severity"`
	ActorID       string           `json:"actorId"`
	Description   string           `json:"description"`
	Details       DetectionDetails `json:"details"`
	Rule          string           `json:"rule"`
	SourceEventID string           `json:"sourceEventId"`
	Resolved      bool             `json:"resolved"`
	ResolvedAt    *time.Time       `json:"resolvedAt,omitempty"`
	RetainUntil   time.Time        `json:"retainUntil"`
	CreatedAt     time.Time        `json:"createdAt"`
}
