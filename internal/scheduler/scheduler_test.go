package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/alert"
	"bidwatch/internal/logger"
	"bidwatch/internal/report"
	"bidwatch/internal/scheduler"
	"bidwatch/internal/store"
)

type operatorSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (o *operatorSink) Notify(context.Context, alert.Alert) error { return nil }

func (o *operatorSink) NotifyOperator(_ context.Context, a alert.Alert) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alerts = append(o.alerts, a)
	return nil
}

type health struct {
	mu      sync.Mutex
	serving []bool
}

func (h *health) SetServing(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving = append(h.serving, v)
}

func (h *health) last() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving[len(h.serving)-1]
}

func TestRegister_RejectsBadSpecAndDuplicates(t *testing.T) {
	s := scheduler.New(nil, nil, logger.NewNop())
	noop := func(context.Context) (report.Snapshot, error) { return report.Snapshot{}, nil }

	require.NoError(t, s.Register(scheduler.Job{Name: "poll", Spec: "@every 6h", Run: noop}))
	assert.Error(t, s.Register(scheduler.Job{Name: "poll", Spec: "@every 1h", Run: noop}))
	assert.Error(t, s.Register(scheduler.Job{Name: "bad", Spec: "every tuesday", Run: noop}))
}

func TestRunNow_StoreUnavailableAlertsOperator(t *testing.T) {
	ops := &operatorSink{}
	h := &health{}
	s := scheduler.New(ops, h, logger.NewNop())

	fail := true
	require.NoError(t, s.Register(scheduler.Job{
		Name: "lifecycle",
		Spec: "@every 1h",
		Run: func(context.Context) (report.Snapshot, error) {
			if fail {
				return report.Snapshot{Name: "lifecycle"}, fmt.Errorf("ping: %w", store.ErrUnavailable)
			}
			return report.Snapshot{Name: "lifecycle"}, nil
		},
	}))

	_, err := s.RunNow(context.Background(), "lifecycle")
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.Len(t, ops.alerts, 1)
	assert.Equal(t, "critical", ops.alerts[0].Body.Severity)
	assert.Equal(t, "lifecycle", ops.alerts[0].Body.RecordID)
	assert.False(t, h.last())

	fail = false
	snap, err := s.RunNow(context.Background(), "lifecycle")
	require.NoError(t, err)
	assert.Equal(t, "lifecycle", snap.Name)
	assert.True(t, h.last())
	assert.Len(t, ops.alerts, 1)
}

func TestRunNow_UnknownJob(t *testing.T) {
	_, err := scheduler.New(nil, nil, logger.NewNop()).RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, scheduler.ErrUnknownJob)
}

func TestStart_RunsEachJobImmediately(t *testing.T) {
	s := scheduler.New(nil, nil, logger.NewNop())
	ran := make(chan string, 2)
	for _, name := range []string{"poll", "lifecycle"} {
		require.NoError(t, s.Register(scheduler.Job{
			Name: name,
			Spec: "@every 24h",
			Run: func(context.Context) (report.Snapshot, error) {
				ran <- name
				return report.Snapshot{}, nil
			},
		}))
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-ran:
			got[name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("job did not run on start")
		}
	}
	assert.Equal(t, map[string]bool{"poll": true, "lifecycle": true}, got)
}
