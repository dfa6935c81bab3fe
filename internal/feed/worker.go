package feed

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"bidwatch/internal/dispatch"
	"bidwatch/internal/logger"
	"bidwatch/internal/matching"
	"bidwatch/internal/metrics"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
	"bidwatch/internal/report"
)

// Report counter keys for the poll run.
const (
	CountPolled       = "polled"
	CountIngested     = "ingested"
	CountDuplicates   = "duplicates"
	CountMatches      = "matches"
	CountPageFailures = "page_failures"
	CountMalformed    = "malformed"
	CountRedriven     = "redriven"
)

const defaultWorkers = 8

// CandidateStore is the persistence the ingest run needs.
type CandidateStore interface {
	CandidateLookup
	Ping(ctx context.Context) error
	UpsertCandidate(ctx context.Context, c model.Candidate) error
	ListProfiles(ctx context.Context) ([]model.RecipientProfile, error)
	ListUndispatchedMatches(ctx context.Context, createdBefore time.Time) ([]model.MatchRecord, error)
}

// MatchDispatcher fans out one match record.
type MatchDispatcher interface {
	DispatchMatch(ctx context.Context, m model.MatchRecord) (dispatch.Outcome, error)
}

// Enqueuer appends work items to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.WorkItem) (string, error)
}

// WorkerConfig sizes the ingest run.
type WorkerConfig struct {
	PageSize int
	Workers  int // bounded pool for candidates and, separately, per-recipient matching
}

// Worker runs one poll cycle: every fetched page is processed before the
// next page is requested, candidates within a page in a bounded pool.
type Worker struct {
	poller     *Poller
	gate       *Gate
	store      CandidateStore
	engine     *matching.Engine
	dispatcher MatchDispatcher
	queue      Enqueuer
	cfg        WorkerConfig
	log        logger.Logger
	now        func() time.Time
}

// NewWorker constructs a Worker.
func NewWorker(
	poller *Poller,
	gate *Gate,
	store CandidateStore,
	engine *matching.Engine,
	dispatcher MatchDispatcher,
	q Enqueuer,
	cfg WorkerConfig,
	log logger.Logger,
) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	return &Worker{
		poller:     poller,
		gate:       gate,
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		queue:      q,
		cfg:        cfg,
		log:        log.With(logger.String("component", "ingest")),
		now:        time.Now,
	}
}

// Run executes one poll cycle and returns its report. Page and candidate
// failures are recorded in the report; the returned error is non-nil only
// when the store cannot be reached at all.
func (w *Worker) Run(ctx context.Context) (report.Snapshot, error) {
	rep := report.New("poll", w.now())

	if err := w.store.Ping(ctx); err != nil {
		rep.Errorf("store ping: %v", err)
		return rep.Finish(w.now()), err
	}

	profiles, err := w.store.ListProfiles(ctx)
	if err != nil {
		rep.Errorf("load profiles: %v", err)
		snap := rep.Finish(w.now())
		snap.Log(w.log)
		return snap, nil
	}
	w.log.Info("Poll run started", logger.Int("profiles", len(profiles)))

	w.redrive(ctx, rep)

	pageErrs := w.poller.Walk(ctx, w.cfg.PageSize, func(ctx context.Context, page Page) {
		w.processPage(ctx, page, profiles, rep)
	})
	for _, err := range pageErrs {
		rep.Inc(CountPageFailures)
		rep.Errorf("%v", err)
	}

	snap := rep.Finish(w.now())
	snap.Log(w.log)
	return snap, nil
}

// redrive fans out again every match record created before this run whose
// work item was never enqueued. The gate skips candidates it has seen, so
// this is the only path that finishes an earlier failed fan-out.
func (w *Worker) redrive(ctx context.Context, rep *report.Run) {
	pending, err := w.store.ListUndispatchedMatches(ctx, w.now().UTC())
	if err != nil {
		rep.Errorf("list undispatched matches: %v", err)
		return
	}
	for _, m := range pending {
		out, err := w.dispatcher.DispatchMatch(ctx, m)
		if err != nil {
			rep.Errorf("redrive %s/%s: %v", m.RecipientID, m.CandidateID, err)
			continue
		}
		if out.Enqueued {
			rep.Inc(CountRedriven)
			metrics.MatchesRedriven.Inc()
		}
	}
	if len(pending) > 0 {
		w.log.Info("Redrove undispatched matches",
			logger.Int("pending", len(pending)),
			logger.Int("redriven", rep.Count(CountRedriven)),
		)
	}
}

func (w *Worker) processPage(ctx context.Context, page Page, profiles []model.RecipientProfile, rep *report.Run) {
	if page.Malformed > 0 {
		rep.Add(CountMalformed, page.Malformed)
	}
	var g errgroup.Group
	g.SetLimit(w.cfg.Workers)
	for _, raw := range page.Notices {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			w.processNotice(ctx, raw, profiles, rep)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) processNotice(ctx context.Context, raw RawNotice, profiles []model.RecipientProfile, rep *report.Run) {
	rep.Inc(CountPolled)
	c := Normalize(raw, w.now().UTC())

	seen, err := w.gate.Exists(ctx, c.ExternalID)
	if err != nil {
		rep.Errorf("candidate %s: %v", c.ExternalID, err)
		return
	}
	if seen {
		rep.Inc(CountDuplicates)
		metrics.CandidatesDuplicate.Inc()
		return
	}

	if err := w.store.UpsertCandidate(ctx, c); err != nil {
		rep.Errorf("store candidate %s: %v", c.ExternalID, err)
		return
	}
	w.gate.Remember(ctx, c.ExternalID)
	rep.Inc(CountIngested)
	metrics.CandidatesIngested.Inc()

	if err := w.enqueueIngested(ctx, c.ExternalID); err != nil {
		rep.Errorf("enqueue candidate_ingested %s: %v", c.ExternalID, err)
	}

	if c.Status != model.CandidateActive {
		return
	}
	rep.Add(CountMatches, w.matchCandidate(ctx, c, profiles, rep))
}

func (w *Worker) enqueueIngested(ctx context.Context, externalID string) error {
	item, err := queue.NewWorkItem(queue.TypeCandidateIngested, queue.CandidateIngested{CandidateID: externalID}, w.now())
	if err != nil {
		return err
	}
	return dispatch.Retry(ctx, dispatch.DefaultRetryConfig(), func(ctx context.Context) error {
		_, err := w.queue.Enqueue(ctx, item)
		return err
	})
}

// matchCandidate scores c against every profile in parallel and dispatches
// the records that pass the threshold. It returns the number of newly
// created match records.
func (w *Worker) matchCandidate(ctx context.Context, c model.Candidate, profiles []model.RecipientProfile, rep *report.Run) int {
	now := w.now().UTC()
	created := make([]bool, len(profiles))

	var g errgroup.Group
	g.SetLimit(w.cfg.Workers)
	for i, p := range profiles {
		g.Go(func() error {
			rec, ok := w.engine.Match(c, p, now)
			if !ok {
				return nil
			}
			out, err := w.dispatcher.DispatchMatch(ctx, rec)
			if err != nil {
				rep.Errorf("dispatch: %v", err)
				return nil
			}
			created[i] = out.Created
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range created {
		if ok {
			n++
		}
	}
	return n
}
