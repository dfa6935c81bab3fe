// Package rules evaluates activity events against a fixed catalog of
// detection rules.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bidwatch/internal/logger"
	"bidwatch/internal/metrics"
	"bidwatch/internal/model"
)

// detectionSpace namespaces deterministic detected-event ids.
var detectionSpace = uuid.MustParse("0b7d3c52-5d8e-4f1a-8c2b-7a9e61f4d210")

// Config holds the rule thresholds and evaluation limits.
type Config struct {
	FailedLoginThreshold int
	BulkListThreshold    int
	BulkExportThreshold  int
	Disabled             []string
	HistoryQueryTimeout  time.Duration
	Location             *time.Location
	SecurityRetention    time.Duration
	ComplianceRetention  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FailedLoginThreshold: 5,
		BulkListThreshold:    100,
		BulkExportThreshold:  10000,
		HistoryQueryTimeout:  5 * time.Second,
		Location:             time.UTC,
		SecurityRetention:    90 * 24 * time.Hour,
		ComplianceRetention:  365 * 24 * time.Hour,
	}
}

// RuleError is a failed evaluation of one rule.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string { return fmt.Sprintf("rule %s: %v", e.Rule, e.Err) }

func (e *RuleError) Unwrap() error { return e.Err }

// Engine evaluates the enabled rules of the catalog.
type Engine struct {
	rules []Rule
	cfg   Config
	log   logger.Logger
	now   func() time.Time
}

// NewEngine builds the catalog over history and drops disabled rules.
func NewEngine(history History, cfg Config, log logger.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	catalog := []Rule{
		failedLogins{history: history, threshold: cfg.FailedLoginThreshold},
		offHours{loc: cfg.Location},
		bulkAccess{listThreshold: cfg.BulkListThreshold, exportThreshold: cfg.BulkExportThreshold},
	}
	return newEngine(catalog, cfg, log)
}

func newEngine(catalog []Rule, cfg Config, log logger.Logger) *Engine {
	disabled := make(map[string]struct{}, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[strings.TrimSpace(name)] = struct{}{}
	}
	enabled := make([]Rule, 0, len(catalog))
	for _, r := range catalog {
		if _, off := disabled[r.Name()]; !off {
			enabled = append(enabled, r)
		}
	}
	return &Engine{
		rules: enabled,
		cfg:   cfg,
		log:   log.With(logger.String("component", "rules")),
		now:   time.Now,
	}
}

// Enabled returns the names of the rules that will be evaluated.
func (e *Engine) Enabled() []string {
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Name())
	}
	return out
}

// Evaluate runs every enabled rule concurrently against ev. Each rule gets
// its own timeout; a failing rule is logged and reported without affecting
// the others. Detections come back in catalog order.
func (e *Engine) Evaluate(ctx context.Context, ev model.ActivityEvent) ([]model.DetectedEvent, []error) {
	findings := make([]*Finding, len(e.rules))
	errs := make([]error, len(e.rules))

	var g errgroup.Group
	for i, r := range e.rules {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, e.cfg.timeout())
			defer cancel()

			f, err := r.Evaluate(rctx, ev)
			if err != nil {
				metrics.RuleFailures.WithLabelValues(r.Name()).Inc()
				e.log.Error("Rule evaluation failed",
					logger.String("rule", r.Name()),
					logger.String("event_id", ev.ID),
					logger.Error(err),
				)
				errs[i] = &RuleError{Rule: r.Name(), Err: err}
				return nil
			}
			findings[i] = f
			return nil
		})
	}
	_ = g.Wait()

	now := e.now().UTC()
	var detections []model.DetectedEvent
	var failures []error
	for i, r := range e.rules {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		if findings[i] != nil {
			detections = append(detections, e.detection(r.Name(), ev, *findings[i], now))
		}
	}
	return detections, failures
}

func (e *Engine) detection(rule string, ev model.ActivityEvent, f Finding, now time.Time) model.DetectedEvent {
	retention := e.cfg.SecurityRetention
	if f.Type == model.ComplianceViolation {
		retention = e.cfg.ComplianceRetention
	}
	return model.DetectedEvent{
		ID:            DetectionID(ev.ID, rule),
		Type:          f.Type,
		Severity:      f.Severity,
		ActorID:       ev.ActorID,
		Description:   f.Description,
		Details:       f.Details,
		Rule:          rule,
		SourceEventID: ev.ID,
		RetainUntil:   now.Add(retention),
		CreatedAt:     now,
	}
}

// DetectionID derives the id of the detection rule raised for eventID.
func DetectionID(eventID, rule string) string {
	return uuid.NewSHA1(detectionSpace, []byte(eventID+"/"+rule)).String()
}

func (c Config) timeout() time.Duration {
	if c.HistoryQueryTimeout <= 0 {
		return 5 * time.Second
	}
	return c.HistoryQueryTimeout
}
