// Package scheduler wires the periodic runs onto robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bidwatch/internal/alert"
	"bidwatch/internal/logger"
	"bidwatch/internal/metrics"
	"bidwatch/internal/report"
	"bidwatch/internal/store"
)

// ErrUnknownJob is returned by RunNow for unregistered names.
var ErrUnknownJob = errors.New("unknown job")

// RunFunc is one run-to-completion task.
type RunFunc func(ctx context.Context) (report.Snapshot, error)

// Job is a named, cron-scheduled run.
type Job struct {
	Name string
	Spec string // cron spec, e.g. "@every 6h"
	Run  RunFunc
}

// HealthSetter is flipped to not serving when a run cannot reach the store.
type HealthSetter interface {
	SetServing(serving bool)
}

// Scheduler wraps robfig/cron. Overlapping runs of the same job are not
// prevented; the store's uniqueness guarantees make them safe.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]Job
	order  []string
	alerts alert.Notifier
	health HealthSetter
	log    logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. alerts and health may be nil.
func New(alerts alert.Notifier, health HealthSetter, log logger.Logger) *Scheduler {
	l := log.With(logger.String("component", "scheduler"))
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{l})),
		jobs:   make(map[string]Job),
		alerts: alerts,
		health: health,
		log:    l,
		now:    time.Now,
	}
}

// Register adds a job. Call before Start.
func (s *Scheduler) Register(j Job) error {
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	if _, err := cron.ParseStandard(j.Spec); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", j.Name, j.Spec, err)
	}
	s.jobs[j.Name] = j
	s.order = append(s.order, j.Name)
	return nil
}

// Start registers every job with cron and starts it. Each job also runs
// once immediately so results do not wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	for _, name := range s.order {
		j := s.jobs[name]
		if _, err := s.cron.AddFunc(j.Spec, func() { s.execute(runCtx, j) }); err != nil {
			return fmt.Errorf("cron.AddFunc %s: %w", j.Name, err)
		}
	}
	s.cron.Start()
	s.log.Info("Cron started", logger.Strings("jobs", s.order))

	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(runCtx, j)
		}()
	}
	return nil
}

// Stop stops scheduling, cancels in-flight runs and waits for them.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
	s.wg.Wait()
	s.log.Info("Cron stopped")
}

// RunNow runs a registered job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (report.Snapshot, error) {
	j, ok := s.jobs[name]
	if !ok {
		return report.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j Job) (report.Snapshot, error) {
	start := s.now()
	snap, err := j.Run(ctx)
	metrics.RunDuration.WithLabelValues(j.Name).Observe(s.now().Sub(start).Seconds())

	switch {
	case err == nil:
		if s.health != nil {
			s.health.SetServing(true)
		}
	case errors.Is(err, store.ErrUnavailable):
		s.log.Error("Run aborted: store unavailable", logger.String("job", j.Name), logger.Error(err))
		if s.health != nil {
			s.health.SetServing(false)
		}
		s.notifyOperator(ctx, j.Name, err)
	default:
		s.log.Error("Run failed", logger.String("job", j.Name), logger.Error(err))
	}
	return snap, err
}

func (s *Scheduler) notifyOperator(ctx context.Context, job string, cause error) {
	if s.alerts == nil {
		return
	}
	a := alert.Alert{
		Subject: fmt.Sprintf("bidwatch %s run cannot reach the store", job),
		Body: alert.Body{
			RecordType: "run",
			RecordID:   job,
			Severity:   "critical",
			Message:    cause.Error(),
			Timestamp:  s.now().UTC(),
		},
	}
	// Sent even when the run context is already cancelled.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.alerts.NotifyOperator(actx, a); err != nil {
		s.log.Error("Operator alert failed", logger.String("job", job), logger.Error(err))
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct{ log logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
