package lifecycle

import (
	"context"
	"time"

	"bidwatch/internal/dispatch"
	"bidwatch/internal/logger"
	"bidwatch/internal/metrics"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
	"bidwatch/internal/report"
)

// Report counter keys for the expiry sweep.
const (
	CountDue     = "due"
	CountExpired = "expired"
	CountSkipped = "skipped"
)

// SweepStore is the persistence the sweep needs.
type SweepStore interface {
	Ping(ctx context.Context) error
	ListActivePastDeadline(ctx context.Context, now time.Time) ([]model.Candidate, error)
	TransitionCandidate(ctx context.Context, externalID string, from, to model.CandidateStatus, now time.Time) (bool, error)
}

// Enqueuer appends work items to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.WorkItem) (string, error)
}

// Sweeper expires active candidates whose deadline has passed.
type Sweeper struct {
	store SweepStore
	queue Enqueuer
	retry dispatch.RetryConfig
	log   logger.Logger
	now   func() time.Time
}

// NewSweeper builds a Sweeper.
func NewSweeper(store SweepStore, q Enqueuer, log logger.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		queue: q,
		retry: dispatch.DefaultRetryConfig(),
		log:   log.With(logger.String("component", "sweeper")),
		now:   time.Now,
	}
}

// Run performs one sweep. Each write is guarded by the current status, so a
// candidate already expired by a concurrent sweep is skipped and produces no
// status update.
func (s *Sweeper) Run(ctx context.Context) (report.Snapshot, error) {
	now := s.now().UTC()
	rep := report.New("lifecycle", now)

	if err := s.store.Ping(ctx); err != nil {
		rep.Errorf("store ping: %v", err)
		return rep.Finish(s.now()), err
	}

	due, err := s.store.ListActivePastDeadline(ctx, now)
	if err != nil {
		rep.Errorf("list due candidates: %v", err)
		snap := rep.Finish(s.now())
		snap.Log(s.log)
		return snap, nil
	}
	rep.Add(CountDue, len(due))

	for _, c := range due {
		if ctx.Err() != nil {
			rep.Errorf("sweep cancelled: %v", ctx.Err())
			break
		}
		if !CanTransitionCandidate(c.Status, model.CandidateExpired) {
			rep.Inc(CountSkipped)
			continue
		}

		changed, err := s.store.TransitionCandidate(ctx, c.ExternalID, model.CandidateActive, model.CandidateExpired, now)
		if err != nil {
			rep.Errorf("expire %s: %v", c.ExternalID, err)
			continue
		}
		if !changed {
			rep.Inc(CountSkipped)
			continue
		}
		rep.Inc(CountExpired)
		metrics.CandidatesExpired.Inc()

		if err := s.enqueueStatus(ctx, c.ExternalID, model.CandidateExpired, now); err != nil {
			rep.Errorf("enqueue status_update %s: %v", c.ExternalID, err)
		}
	}

	snap := rep.Finish(s.now())
	snap.Log(s.log)
	return snap, nil
}

func (s *Sweeper) enqueueStatus(ctx context.Context, id string, status model.CandidateStatus, now time.Time) error {
	item, err := queue.NewWorkItem(queue.TypeStatusUpdate, queue.StatusUpdate{
		CandidateID: id,
		Status:      string(status),
	}, now)
	if err != nil {
		return err
	}
	return dispatch.Retry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.queue.Enqueue(ctx, item)
		return err
	})
}
