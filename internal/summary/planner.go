package summary

import (
	"context"
	"time"

	"bidwatch/internal/dispatch"
	"bidwatch/internal/logger"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
	"bidwatch/internal/report"
)

// CountRequested is the report key for enqueued summary requests.
const CountRequested = "requested"

// ActorLister finds the actors with activity in a window.
type ActorLister interface {
	Ping(ctx context.Context) error
	ListActiveActors(ctx context.Context, from, to time.Time) ([]string, error)
}

// Enqueuer appends work items to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.WorkItem) (string, error)
}

// Planner enqueues one summary request per actor active on the previous
// local day, plus one for the system subject.
type Planner struct {
	store ActorLister
	queue Enqueuer
	loc   *time.Location
	log   logger.Logger
	now   func() time.Time
}

// NewPlanner builds a Planner.
func NewPlanner(store ActorLister, q Enqueuer, loc *time.Location, log logger.Logger) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{
		store: store,
		queue: q,
		loc:   loc,
		log:   log.With(logger.String("component", "summary-planner")),
		now:   time.Now,
	}
}

// PreviousDay returns yesterday's date in loc relative to now.
func PreviousDay(now time.Time, loc *time.Location) string {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return today.AddDate(0, 0, -1).Format(DateLayout)
}

// Run enqueues the requests for the previous day.
func (p *Planner) Run(ctx context.Context) (report.Snapshot, error) {
	rep := report.New("summary", p.now())

	if err := p.store.Ping(ctx); err != nil {
		rep.Errorf("store ping: %v", err)
		return rep.Finish(p.now()), err
	}

	date := PreviousDay(p.now(), p.loc)
	from, to, err := Window(date, p.loc)
	if err != nil {
		rep.Errorf("%v", err)
		return rep.Finish(p.now()), nil
	}

	actors, err := p.store.ListActiveActors(ctx, from, to)
	if err != nil {
		rep.Errorf("list active actors: %v", err)
	}

	subjects := make([]string, 0, len(actors)+1)
	for _, a := range actors {
		if a != model.SystemSubject {
			subjects = append(subjects, a)
		}
	}
	subjects = append(subjects, model.SystemSubject)

	for _, subject := range subjects {
		item, err := queue.NewWorkItem(queue.TypeGenerateDailySummary, queue.GenerateDailySummary{
			SubjectID: subject,
			Date:      date,
		}, p.now())
		if err != nil {
			rep.Errorf("%v", err)
			continue
		}
		err = dispatch.Retry(ctx, dispatch.DefaultRetryConfig(), func(ctx context.Context) error {
			_, err := p.queue.Enqueue(ctx, item)
			return err
		})
		if err != nil {
			rep.Errorf("enqueue summary %s/%s: %v", subject, date, err)
			continue
		}
		rep.Inc(CountRequested)
	}

	snap := rep.Finish(p.now())
	snap.Log(p.log)
	return snap, nil
}
