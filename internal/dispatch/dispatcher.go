// Package dispatch fans derived records out: persist, enqueue, publish, alert.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"bidwatch/internal/alert"
	"bidwatch/internal/bus"
	"bidwatch/internal/logger"
	"bidwatch/internal/metrics"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
)

// Fan-out step names, used for metrics and logs.
const (
	StepEnqueue = "enqueue"
	StepPublish = "publish"
	StepAlert   = "alert"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	InsertMatch(ctx context.Context, m model.MatchRecord) (model.MatchRecord, bool, error)
	MarkMatchDispatched(ctx context.Context, recipientID, candidateID string) error
	InsertDetection(ctx context.Context, d model.DetectedEvent) (bool, error)
}

// Enqueuer appends work items to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.WorkItem) (string, error)
}

// Config holds dispatcher thresholds.
type Config struct {
	Source        string         // domain event source
	AlertScore    int            // matches at or above alert
	AlertSeverity model.Severity // detections at or above alert
	Retry         RetryConfig
}

// Outcome reports which fan-out steps ran for one record.
type Outcome struct {
	Created   bool // record was newly persisted
	Skipped   bool // record already fanned out earlier
	Enqueued  bool
	Published bool
	Alerted   bool
}

// Dispatcher runs the four fan-out steps in order with no global
// transaction. Only a persist failure is returned; later step failures are
// retried, logged and counted.
type Dispatcher struct {
	store  Store
	queue  Enqueuer
	bus    bus.Publisher
	alerts alert.Notifier
	cfg    Config
	log    logger.Logger
	now    func() time.Time
}

// New builds a Dispatcher.
func New(store Store, q Enqueuer, pub bus.Publisher, alerts alert.Notifier, cfg Config, log logger.Logger) *Dispatcher {
	if cfg.AlertSeverity == "" {
		cfg.AlertSeverity = model.SeverityHigh
	}
	return &Dispatcher{
		store:  store,
		queue:  q,
		bus:    pub,
		alerts: alerts,
		cfg:    cfg,
		log:    log.With(logger.String("component", "dispatcher")),
		now:    time.Now,
	}
}

// DispatchMatch persists m and fans it out unless the stored record was
// already dispatched. The dispatched flag is set once the work item is
// enqueued, so a record whose enqueue failed is fanned out again next time
// it is seen.
func (d *Dispatcher) DispatchMatch(ctx context.Context, m model.MatchRecord) (Outcome, error) {
	if m.Reasons == nil {
		m.Reasons = []string{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now().UTC()
	}

	stored, created, err := d.store.InsertMatch(ctx, m)
	if err != nil {
		return Outcome{}, fmt.Errorf("persist match %s/%s: %w", m.RecipientID, m.CandidateID, err)
	}
	out := Outcome{Created: created}
	if created {
		metrics.MatchesCreated.Inc()
	}
	if stored.Dispatched {
		out.Skipped = true
		return out, nil
	}

	log := d.log.With(
		logger.String("recipient_id", stored.RecipientID),
		logger.String("candidate_id", stored.CandidateID),
		logger.Int("score", stored.Score),
	)
	now := d.now()

	item, err := queue.NewWorkItem(queue.TypeGenerateResponse, queue.GenerateResponse{
		RecipientID: stored.RecipientID,
		CandidateID: stored.CandidateID,
		Score:       stored.Score,
	}, now)
	if err == nil {
		out.Enqueued = d.step(ctx, log, StepEnqueue, func(ctx context.Context) error {
			_, err := d.queue.Enqueue(ctx, item)
			return err
		})
	}
	if out.Enqueued {
		if err := d.store.MarkMatchDispatched(ctx, stored.RecipientID, stored.CandidateID); err != nil {
			log.Warn("Marking match dispatched failed", logger.Error(err))
		}
	}

	ev, err := bus.NewDomainEvent(d.cfg.Source, bus.TypeMatchCreated, stored, now)
	if err == nil {
		out.Published = d.step(ctx, log, StepPublish, func(ctx context.Context) error {
			return d.bus.Publish(ctx, ev)
		})
	}

	if stored.Score >= d.cfg.AlertScore {
		a := alert.Alert{
			Subject: fmt.Sprintf("New match scored %d for recipient %s", stored.Score, stored.RecipientID),
			Body: alert.Body{
				RecordType:  "match",
				RecipientID: stored.RecipientID,
				CandidateID: stored.CandidateID,
				Score:       stored.Score,
				Timestamp:   now.UTC(),
			},
		}
		out.Alerted = d.step(ctx, log, StepAlert, func(ctx context.Context) error {
			return d.alerts.Notify(ctx, a)
		})
	}

	return out, nil
}

// DispatchDetection persists ev and fans it out only when it was newly
// created. Detection IDs are deterministic per source event and rule.
func (d *Dispatcher) DispatchDetection(ctx context.Context, ev model.DetectedEvent) (Outcome, error) {
	created, err := d.store.InsertDetection(ctx, ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("persist detection %s: %w", ev.ID, err)
	}
	if !created {
		return Outcome{Skipped: true}, nil
	}
	metrics.DetectionsCreated.WithLabelValues(ev.Rule, string(ev.Severity)).Inc()

	out := Outcome{Created: true}
	log := d.log.With(
		logger.String("detection_id", ev.ID),
		logger.String("rule", ev.Rule),
		logger.String("actor_id", ev.ActorID),
	)
	now := d.now()

	item, err := queue.NewWorkItem(queue.TypeAuditEvent, queue.AuditEvent{
		DetectedEventID: ev.ID,
		Type:            string(ev.Type),
		Severity:        string(ev.Severity),
		ActorID:         ev.ActorID,
	}, now)
	if err == nil {
		out.Enqueued = d.step(ctx, log, StepEnqueue, func(ctx context.Context) error {
			_, err := d.queue.Enqueue(ctx, item)
			return err
		})
	}

	de, err := bus.NewDomainEvent(d.cfg.Source, bus.TypeDetectionCreated, ev, now)
	if err == nil {
		out.Published = d.step(ctx, log, StepPublish, func(ctx context.Context) error {
			return d.bus.Publish(ctx, de)
		})
	}

	if ev.Severity.AtLeast(d.cfg.AlertSeverity) {
		a := alert.Alert{
			Subject: fmt.Sprintf("%s %s: %s", ev.Severity, ev.Type, ev.Description),
			Body: alert.Body{
				RecordType: "detection",
				RecordID:   ev.ID,
				ActorID:    ev.ActorID,
				Severity:   string(ev.Severity),
				Timestamp:  now.UTC(),
			},
		}
		out.Alerted = d.step(ctx, log, StepAlert, func(ctx context.Context) error {
			return d.alerts.Notify(ctx, a)
		})
	}

	return out, nil
}

func (d *Dispatcher) step(ctx context.Context, log logger.Logger, name string, fn func(context.Context) error) bool {
	if err := Retry(ctx, d.cfg.Retry, fn); err != nil {
		metrics.DispatchFailures.WithLabelValues(name).Inc()
		log.Error("Fan-out step failed", logger.String("step", name), logger.Error(err))
		return false
	}
	return true
}
