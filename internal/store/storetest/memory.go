// Package storetest provides Memory, an in-process store with the same
// uniqueness and status-guard semantics as store.Postgres, plus hooks for
// simulating outages in tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"bidwatch/internal/model"
	"bidwatch/internal/store"
)

type matchKey struct{ recipient, candidate string }

type summaryKey struct{ subject, date string }

// Memory implements the store operations in memory. Every method takes the
// lock for its whole body, which plays the role of the single-statement
// atomicity the SQL version relies on.
type Memory struct {
	mu          sync.Mutex
	unavailable bool

	candidates map[string]model.Candidate
	profiles   []model.RecipientProfile
	matches    map[matchKey]model.MatchRecord
	activity   map[string]model.ActivityEvent
	detections map[string]model.DetectedEvent
	summaries  map[summaryKey]model.DailySummary

	// CountErr, when set, is returned by CountActivity.
	CountErr error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		candidates: make(map[string]model.Candidate),
		matches:    make(map[matchKey]model.MatchRecord),
		activity:   make(map[string]model.ActivityEvent),
		detections: make(map[string]model.DetectedEvent),
		summaries:  make(map[summaryKey]model.DailySummary),
	}
}

// SetUnavailable makes Ping fail with store.ErrUnavailable.
func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// Ping reports store.ErrUnavailable when SetUnavailable(true) was called.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return store.ErrUnavailable
	}
	return nil
}

// SetProfiles replaces the recipient profiles.
func (m *Memory) SetProfiles(profiles ...model.RecipientProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = append([]model.RecipientProfile(nil), profiles...)
}

func (m *Memory) CandidateExists(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.candidates[externalID]
	return ok, nil
}

func (m *Memory) UpsertCandidate(_ context.Context, c model.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.candidates[c.ExternalID]; ok {
		c.Status = prev.Status
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = c.UpdatedAt
	}
	m.candidates[c.ExternalID] = c
	return nil
}

func (m *Memory) GetCandidate(_ context.Context, externalID string) (model.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[externalID]
	if !ok {
		return model.Candidate{}, store.ErrNotFound
	}
	return c, nil
}

// CandidateCount returns the number of stored candidates.
func (m *Memory) CandidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

func (m *Memory) ListActivePastDeadline(_ context.Context, now time.Time) ([]model.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Candidate
	for _, c := range m.candidates {
		if c.Status == model.CandidateActive && c.Deadline.Before(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (m *Memory) TransitionCandidate(_ context.Context, externalID string, from, to model.CandidateStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[externalID]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = now
	m.candidates[externalID] = c
	return true, nil
}

func (m *Memory) ListProfiles(context.Context) ([]model.RecipientProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RecipientProfile(nil), m.profiles...), nil
}

func (m *Memory) InsertMatch(_ context.Context, rec model.MatchRecord) (model.MatchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := matchKey{rec.RecipientID, rec.CandidateID}
	if prev, ok := m.matches[k]; ok {
		return prev, false, nil
	}
	rec.Dispatched = false
	m.matches[k] = rec
	return rec, true, nil
}

func (m *Memory) MarkMatchDispatched(_ context.Context, recipientID, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := matchKey{recipientID, candidateID}
	rec, ok := m.matches[k]
	if !ok {
		return store.ErrNotFound
	}
	rec.Dispatched = true
	m.matches[k] = rec
	return nil
}

func (m *Memory) ListUndispatchedMatches(_ context.Context, createdBefore time.Time) ([]model.MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MatchRecord
	for _, rec := range m.matches {
		if !rec.Dispatched && !rec.CreatedAt.After(createdBefore) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out, nil
}

// Matches returns all match records ordered by recipient then candidate.
func (m *Memory) Matches() []model.MatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MatchRecord, 0, len(m.matches))
	for _, rec := range m.matches {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}

func (m *Memory) AppendActivity(_ context.Context, e model.ActivityEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activity[e.ID]; ok {
		return false, nil
	}
	m.activity[e.ID] = e
	return true, nil
}

func (m *Memory) CountActivity(_ context.Context, actorID, action string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	n := 0
	for _, e := range m.activity {
		if e.ActorID == actorID && e.Action == action && !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListActivity(_ context.Context, subjectID string, from, to time.Time) ([]model.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ActivityEvent
	for _, e := range m.activity {
		if subjectID != model.SystemSubject && e.ActorID != subjectID {
			continue
		}
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sortActivity(out)
	return out, nil
}

func (m *Memory) ListActiveActors(_ context.Context, from, to time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range m.activity {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			seen[e.ActorID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) InsertDetection(_ context.Context, d model.DetectedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.detections[d.ID]; ok {
		return false, nil
	}
	m.detections[d.ID] = d
	return true, nil
}

func (m *Memory) GetDetection(_ context.Context, id string) (model.DetectedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detections[id]
	if !ok {
		return model.DetectedEvent{}, store.ErrNotFound
	}
	return d, nil
}

// Detections returns every stored detected event ordered by id.
func (m *Memory) Detections() []model.DetectedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DetectedEvent, 0, len(m.detections))
	for _, d := range m.detections {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ResolveDetection(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detections[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if d.Resolved {
		return false, nil
	}
	d.Resolved = true
	d.ResolvedAt = &at
	m.detections[id] = d
	return true, nil
}

func (m *Memory) UpsertSummary(_ context.Context, s model.DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[summaryKey{s.SubjectID, s.Date}] = s
	return nil
}

func (m *Memory) GetSummary(_ context.Context, subjectID, date string) (model.DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[summaryKey{subjectID, date}]
	if !ok {
		return model.DailySummary{}, store.ErrNotFound
	}
	return s, nil
}

func sortActivity(events []model.ActivityEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}
