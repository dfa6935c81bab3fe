// Package report collects per-run counters and error messages so batch runs
// always end with a summary, even under partial failure.
package report

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bidwatch/internal/logger"
)

// maxErrors bounds the retained messages; Failed keeps counting past it.
const maxErrors = 100

// Run is the report of one task run. Safe for concurrent use.
type Run struct {
	mu        sync.Mutex
	name      string
	startedAt time.Time
	endedAt   time.Time
	counts    map[string]int
	errors    []string
	failed    int
}

// Snapshot is the JSON-friendly view of a finished Run.
type Snapshot struct {
	Name       string         `json:"name"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMS int64          `json:"durationMs"`
	Counts     map[string]int `json:"counts"`
	Errors     []string       `json:"errors"`
	ErrorCount int            `json:"errorCount"`
}

// New starts a report for the named run.
func New(name string, now time.Time) *Run {
	return &Run{name: name, startedAt: now, counts: make(map[string]int)}
}

// Add increments counter key by n.
func (r *Run) Add(key string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] += n
}

// Inc increments counter key by one.
func (r *Run) Inc(key string) { r.Add(key, 1) }

// Errorf records a failure message.
func (r *Run) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	if len(r.errors) < maxErrors {
		r.errors = append(r.errors, msg)
	}
}

// Count returns the current value of a counter.
func (r *Run) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// Errors returns a copy of the recorded messages.
func (r *Run) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

// Finish stamps the end time and returns the snapshot.
func (r *Run) Finish(now time.Time) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endedAt = now
	counts := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	return Snapshot{
		Name:       r.name,
		StartedAt:  r.startedAt,
		DurationMS: r.endedAt.Sub(r.startedAt).Milliseconds(),
		Counts:     counts,
		Errors:     append([]string{}, r.errors...),
		ErrorCount: r.failed,
	}
}

// Log writes the snapshot as one structured entry.
func (s Snapshot) Log(log logger.Logger) {
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := []logger.Field{
		logger.String("run", s.Name),
		logger.Int("duration_ms", int(s.DurationMS)),
		logger.Int("error_count", s.ErrorCount),
	}
	for _, k := range keys {
		fields = append(fields, logger.Int(k, s.Counts[k]))
	}
	if s.ErrorCount > 0 {
		log.Warn("Run finished with errors", append(fields, logger.Strings("errors", s.Errors))...)
		return
	}
	log.Info("Run finished", fields...)
}
