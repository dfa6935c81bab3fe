package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/bus"
	"bidwatch/internal/lifecycle"
	"bidwatch/internal/logger"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
	"bidwatch/internal/store"
	"bidwatch/internal/store/storetest"
)

type workSink struct {
	mu    sync.Mutex
	items []queue.WorkItem
}

func (w *workSink) Enqueue(_ context.Context, item queue.WorkItem) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, item)
	return "1-0", nil
}

type eventSink struct{ events []bus.DomainEvent }

func (e *eventSink) Publish(_ context.Context, ev bus.DomainEvent) error {
	e.events = append(e.events, ev)
	return nil
}

func seed(t *testing.T, mem *storetest.Memory, id string, status model.CandidateStatus, deadline time.Time) {
	t.Helper()
	require.NoError(t, mem.UpsertCandidate(context.Background(), model.Candidate{
		ExternalID: id, Status: status, Deadline: deadline,
	}))
}

func TestSweeper_ExpiresOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	mem := storetest.NewMemory()
	seed(t, mem, "past", model.CandidateActive, now.Add(-time.Hour))
	seed(t, mem, "future", model.CandidateActive, now.Add(time.Hour))
	seed(t, mem, "awarded", model.CandidateAwarded, now.Add(-time.Hour))

	q := &workSink{}
	s := lifecycle.NewSweeper(mem, q, logger.NewNop())

	snap, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Counts[lifecycle.CountExpired])

	snap, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Counts[lifecycle.CountExpired])

	got, err := mem.GetCandidate(ctx, "past")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateExpired, got.Status)

	got, err = mem.GetCandidate(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateActive, got.Status)

	require.Len(t, q.items, 1)
	assert.Equal(t, queue.TypeStatusUpdate, q.items[0].Type)
	assert.JSONEq(t, `{"candidateId":"past","status":"expired"}`, string(q.items[0].Data))
}

func TestSweeper_ExpiredNeverReturnsToActive(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	seed(t, mem, "c1", model.CandidateActive, time.Now().Add(-time.Minute))

	_, err := lifecycle.NewSweeper(mem, &workSink{}, logger.NewNop()).Run(ctx)
	require.NoError(t, err)

	// Re-ingesting the same notice with status active must not revive it.
	seed(t, mem, "c1", model.CandidateActive, time.Now().Add(time.Hour))
	got, err := mem.GetCandidate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateExpired, got.Status)
}

func TestSweeper_StoreUnavailable(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SetUnavailable(true)
	_, err := lifecycle.NewSweeper(mem, &workSink{}, logger.NewNop()).Run(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	_, err := mem.InsertDetection(ctx, model.DetectedEvent{ID: "d1", Severity: model.SeverityHigh})
	require.NoError(t, err)

	events := &eventSink{}
	r := lifecycle.NewResolver(mem, events, bus.SourceSentinel, logger.NewNop())

	_, err = r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	d, err := r.Resolve(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	require.NotNil(t, d.ResolvedAt)
	require.Len(t, events.events, 1)
	assert.Equal(t, bus.TypeDetectionResolved, events.events[0].Type)

	_, err = r.Resolve(ctx, "d1")
	assert.ErrorIs(t, err, lifecycle.ErrTransitionNotAllowed)
	assert.Len(t, events.events, 1)
}
