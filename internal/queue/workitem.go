package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkType names a follow-on work item.
type WorkType string

const (
	TypeCandidateIngested    WorkType = "candidate_ingested"
	TypeStatusUpdate         WorkType = "status_update"
	TypeGenerateResponse     WorkType = "generate_response"
	TypeAuditEvent           WorkType = "audit_event"
	TypeGenerateDailySummary WorkType = "generate_daily_summary"
)

// WorkItem is the queue message. Data carries identifiers only; consumers
// re-fetch full records from the store.
type WorkItem struct {
	Type      WorkType        `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// CandidateIngested is the payload of TypeCandidateIngested.
type CandidateIngested struct {
	CandidateID string `json:"candidateId"`
}

// StatusUpdate is the payload of TypeStatusUpdate.
type StatusUpdate struct {
	CandidateID string `json:"candidateId"`
	Status      string `json:"status"`
}

// GenerateResponse is the payload of TypeGenerateResponse.
type GenerateResponse struct {
	RecipientID string `json:"recipientId"`
	CandidateID string `json:"candidateId"`
	Score       int    `json:"score"`
}

// AuditEvent is the payload of TypeAuditEvent.
type AuditEvent struct {
	DetectedEventID string `json:"detectedEventId"`
	Type            string `json:"type"`
	Severity        string `json:"severity"`
	ActorID         string `json:"actorId"`
}

// GenerateDailySummary is the payload of TypeGenerateDailySummary.
type GenerateDailySummary struct {
	SubjectID string `json:"subjectId"`
	Date      string `json:"date"`
}

// NewWorkItem marshals data into a WorkItem of type t.
func NewWorkItem(t WorkType, data any, now time.Time) (WorkItem, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return WorkItem{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return WorkItem{Type: t, Data: raw, Timestamp: now.UTC()}, nil
}

// Decode unmarshals the item's data into v.
func (w WorkItem) Decode(v any) error {
	if err := json.Unmarshal(w.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	return nil
}
