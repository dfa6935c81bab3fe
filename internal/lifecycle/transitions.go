// Package lifecycle moves records through their status graphs.
//
// Candidate status graph:
//
//	active ──► expired
//	   │
//	   ├─────► awarded
//	   │
//	   └─────► cancelled
//
// Detected events:
//
//	open ──► resolved
//
// expired, awarded, cancelled and resolved are terminal.
package lifecycle

import (
	"errors"
	"slices"

	"bidwatch/internal/model"
)

// ErrTransitionNotAllowed is returned when the graph rejects a move.
var ErrTransitionNotAllowed = errors.New("transition not allowed")

var candidateTransitions = map[model.CandidateStatus][]model.CandidateStatus{
	model.CandidateActive: {model.CandidateExpired, model.CandidateAwarded, model.CandidateCancelled},
}

// CanTransitionCandidate reports whether from → to is in the graph.
func CanTransitionCandidate(from, to model.CandidateStatus) bool {
	return slices.Contains(candidateTransitions[from], to)
}

// DetectionState is the review state of a detected event.
type DetectionState string

const (
	DetectionOpen     DetectionState = "open"
	DetectionResolved DetectionState = "resolved"
)

// StateOf derives the review state from the resolved flag.
func StateOf(d model.DetectedEvent) DetectionState {
	if d.Resolved {
		return DetectionResolved
	}
	return DetectionOpen
}

// CanTransitionDetection reports whether from → to is allowed.
func CanTransitionDetection(from, to DetectionState) bool {
	return from == DetectionOpen && to == DetectionResolved
}
