package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/alert"
	"bidwatch/internal/bus"
	"bidwatch/internal/dispatch"
	"bidwatch/internal/logger"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
	"bidwatch/internal/store/storetest"
)

type recorder struct {
	mu         sync.Mutex
	items      []queue.WorkItem
	events     []bus.DomainEvent
	alerts     []alert.Alert
	enqueueErr error
}

func (r *recorder) Enqueue(_ context.Context, item queue.WorkItem) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enqueueErr != nil {
		return "", r.enqueueErr
	}
	r.items = append(r.items, item)
	return "1-0", nil
}

func (r *recorder) Publish(_ context.Context, ev bus.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Notify(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) NotifyOperator(context.Context, alert.Alert) error { return nil }

type failingStore struct{ *storetest.Memory }

func (failingStore) InsertMatch(context.Context, model.MatchRecord) (model.MatchRecord, bool, error) {
	return model.MatchRecord{}, false, errors.New("db down")
}

func fastRetry() dispatch.RetryConfig {
	return dispatch.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newDispatcher(s dispatch.Store, r *recorder) *dispatch.Dispatcher {
	return dispatch.New(s, r, r, r, dispatch.Config{
		Source:     bus.SourceDiscovery,
		AlertScore: 80,
		Retry:      fastRetry(),
	}, logger.NewNop())
}

func TestDispatchMatch_FanOutOnce(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	rec := &recorder{}
	d := newDispatcher(mem, rec)

	m := model.MatchRecord{RecipientID: "r1", CandidateID: "N-1", Score: 80, Reasons: []string{"category match"}}
	out, err := d.DispatchMatch(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Outcome{Created: true, Enqueued: true, Published: true, Alerted: true}, out)

	out, err = d.DispatchMatch(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Outcome{Skipped: true}, out)

	require.Len(t, rec.items, 1)
	assert.Equal(t, queue.TypeGenerateResponse, rec.items[0].Type)
	assert.JSONEq(t, `{"recipientId":"r1","candidateId":"N-1","score":80}`, string(rec.items[0].Data))
	assert.Len(t, rec.events, 1)
	assert.Len(t, rec.alerts, 1)
	assert.True(t, mem.Matches()[0].Dispatched)
}

func TestDispatchMatch_BelowAlertScore(t *testing.T) {
	rec := &recorder{}
	out, err := newDispatcher(storetest.NewMemory(), rec).DispatchMatch(context.Background(),
		model.MatchRecord{RecipientID: "r1", CandidateID: "N-2", Score: 45})
	require.NoError(t, err)
	assert.False(t, out.Alerted)
	assert.Empty(t, rec.alerts)
}

func TestDispatchMatch_EnqueueFailureRetriedOnNextSight(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	rec := &recorder{enqueueErr: errors.New("redis down")}
	d := newDispatcher(mem, rec)
	m := model.MatchRecord{RecipientID: "r1", CandidateID: "N-3", Score: 50}

	out, err := d.DispatchMatch(ctx, m)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.False(t, out.Enqueued)
	assert.True(t, out.Published)
	assert.False(t, mem.Matches()[0].Dispatched)

	rec.enqueueErr = nil
	out, err = d.DispatchMatch(ctx, m)
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.True(t, out.Enqueued)
	assert.True(t, mem.Matches()[0].Dispatched)
	assert.Len(t, mem.Matches(), 1)
}

func TestDispatchMatch_PersistFailureAborts(t *testing.T) {
	rec := &recorder{}
	_, err := newDispatcher(failingStore{storetest.NewMemory()}, rec).DispatchMatch(context.Background(),
		model.MatchRecord{RecipientID: "r1", CandidateID: "N-4", Score: 99})
	require.Error(t, err)
	assert.Empty(t, rec.items)
	assert.Empty(t, rec.events)
	assert.Empty(t, rec.alerts)
}

func TestDispatchDetection(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	rec := &recorder{}
	d := newDispatcher(mem, rec)

	ev := model.DetectedEvent{
		ID: "d1", Type: model.ComplianceViolation, Severity: model.SeverityHigh,
		ActorID: "u1", Rule: "excessive_failed_logins", Description: "5 failed logins",
	}
	out, err := d.DispatchDetection(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Outcome{Created: true, Enqueued: true, Published: true, Alerted: true}, out)
	assert.Equal(t, queue.TypeAuditEvent, rec.items[0].Type)
	assert.Equal(t, bus.TypeDetectionCreated, rec.events[0].Type)

	out, err = d.DispatchDetection(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Len(t, rec.items, 1)

	medium := model.DetectedEvent{ID: "d2", Type: model.SecurityAlert, Severity: model.SeverityMedium, Rule: "bulk_data_access"}
	out, err = d.DispatchDetection(ctx, medium)
	require.NoError(t, err)
	assert.False(t, out.Alerted)
	assert.Len(t, rec.alerts, 1)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := dispatch.Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = dispatch.Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	require.ErrorIs(t, err, dispatch.ErrMaxAttemptsExceeded)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = dispatch.Retry(ctx, fastRetry(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
