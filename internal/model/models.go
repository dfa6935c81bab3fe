// Package model defines the records shared by the discovery and sentinel
// services. These shapes are persisted as-is by the store package.
package model

import (
	"fmt"
	"time"
)

// CandidateStatus mirrors the candidate_status enum in PostgreSQL.
type CandidateStatus string

const (
	CandidateActive    CandidateStatus = "active"
	CandidateExpired   CandidateStatus = "expired"
	CandidateAwarded   CandidateStatus = "awarded"
	CandidateCancelled CandidateStatus = "cancelled"
)

// ParseCandidateStatus converts a raw string to a CandidateStatus.
func ParseCandidateStatus(s string) (CandidateStatus, error) {
	st := CandidateStatus(s)
	switch st {
	case CandidateActive, CandidateExpired, CandidateAwarded, CandidateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown candidate status %q", s)
}

// Candidate is a normalised contract notice. ExternalID is unique per source.
type Candidate struct {
	ExternalID   string          `json:"externalId"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Category     string          `json:"category"` // industry classification code
	Issuer       string          `json:"issuer"`   // issuing agency identifier
	SetAside     string          `json:"setAside,omitempty"`
	Deadline     time.Time       `json:"deadline"`
	Requirements []string        `json:"requirements"`
	Keywords     []string        `json:"keywords"`
	Status       CandidateStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NotificationPrefs is carried along with a profile; this pipeline only reads it.
type NotificationPrefs struct {
	Channels  []string `json:"channels,omitempty"`
	Frequency string   `json:"frequency,omitempty"`
}

// RecipientProfile is a stored preference profile. Managed outside bidwatch.
type RecipientProfile struct {
	ID               string            `json:"id"`
	Categories       []string          `json:"categories"`
	Keywords         []string          `json:"keywords"`
	PreferredIssuers []string          `json:"preferredIssuers"`
	Qualifications   []string          `json:"qualifications"`
	Notifications    NotificationPrefs `json:"notifications"`
}

// MatchRecord links one recipient to one candidate. At most one record exists
// per (RecipientID, CandidateID).
type MatchRecord struct {
	RecipientID string    `json:"recipientId"`
	CandidateID string    `json:"candidateId"`
	Score       int       `json:"score"`
	Reasons     []string  `json:"reasons"`
	Dispatched  bool      `json:"dispatched"`
	CreatedAt   time.Time `json:"createdAt"`
}
