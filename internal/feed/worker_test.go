package feed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/alert"
	"bidwatch/internal/bus"
	"bidwatch/internal/dispatch"
	"bidwatch/internal/feed"
	"bidwatch/internal/logger"
	"bidwatch/internal/matching"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
	"bidwatch/internal/store"
	"bidwatch/internal/store/storetest"
)

type sink struct {
	mu     sync.Mutex
	items  []queue.WorkItem
	reject queue.WorkType
}

func (s *sink) Enqueue(_ context.Context, item queue.WorkItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Type == s.reject {
		return "", errors.New("stream unavailable")
	}
	s.items = append(s.items, item)
	return "0-1", nil
}

func (s *sink) rejectType(t queue.WorkType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = t
}

func (s *sink) Publish(context.Context, bus.DomainEvent) error    { return nil }
func (s *sink) Notify(context.Context, alert.Alert) error         { return nil }
func (s *sink) NotifyOperator(context.Context, alert.Alert) error { return nil }

func (s *sink) count(t queue.WorkType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.Type == t {
			n++
		}
	}
	return n
}

func newWorker(t *testing.T, url string, mem *storetest.Memory, q *sink) *feed.Worker {
	t.Helper()
	log := logger.NewNop()
	d := dispatch.New(mem, q, q, q, dispatch.Config{
		Source:     bus.SourceDiscovery,
		AlertScore: 80,
		Retry:      dispatch.RetryConfig{MaxAttempts: 1},
	}, log)
	return feed.NewWorker(
		newPoller(url),
		feed.NewGate(mem, nil, log),
		mem,
		matching.NewEngine(matching.DefaultMinimumScore),
		d,
		q,
		feed.WorkerConfig{PageSize: 2, Workers: 4},
		log,
	)
}

func TestWorker_IngestsAndMatches(t *testing.T) {
	srv := httptest.NewServer(newListing(5))
	defer srv.Close()

	mem := storetest.NewMemory()
	mem.SetProfiles(
		model.RecipientProfile{ID: "r-cloud", Categories: []string{"541511"}},
		model.RecipientProfile{ID: "r-other", Categories: []string{"236220"}},
	)
	q := &sink{}

	snap, err := newWorker(t, srv.URL, mem, q).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, snap.Counts[feed.CountPolled])
	assert.Equal(t, 5, snap.Counts[feed.CountIngested])
	assert.Equal(t, 5, snap.Counts[feed.CountMatches])
	assert.Zero(t, snap.ErrorCount)

	assert.Equal(t, 5, mem.CandidateCount())
	assert.Len(t, mem.Matches(), 5)
	for _, m := range mem.Matches() {
		assert.Equal(t, "r-cloud", m.RecipientID)
		assert.True(t, m.Dispatched)
	}
	assert.Equal(t, 5, q.count(queue.TypeCandidateIngested))
	assert.Equal(t, 5, q.count(queue.TypeGenerateResponse))
}

func TestWorker_ReingestIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(newListing(4))
	defer srv.Close()

	mem := storetest.NewMemory()
	mem.SetProfiles(model.RecipientProfile{ID: "r1", Categories: []string{"541511"}})
	q := &sink{}
	w := newWorker(t, srv.URL, mem, q)

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	snap, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Counts[feed.CountDuplicates])
	assert.Zero(t, snap.Counts[feed.CountIngested])
	assert.Equal(t, 4, mem.CandidateCount())
	assert.Len(t, mem.Matches(), 4)
	assert.Equal(t, 4, q.count(queue.TypeGenerateResponse))
}

func TestWorker_PartialRunKeepsEarlierPages(t *testing.T) {
	l := newListing(10)
	l.failOffset = 4
	srv := httptest.NewServer(l)
	defer srv.Close()

	mem := storetest.NewMemory()
	snap, err := newWorker(t, srv.URL, mem, &sink{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, mem.CandidateCount())
	assert.Equal(t, 1, snap.Counts[feed.CountPageFailures])
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "page 3")
}

func TestWorker_StoreUnavailable(t *testing.T) {
	srv := httptest.NewServer(newListing(2))
	defer srv.Close()

	mem := storetest.NewMemory()
	mem.SetUnavailable(true)
	_, err := newWorker(t, srv.URL, mem, &sink{}).Run(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestWorker_MalformedRecordIsCountedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(mixedPage))
	}))
	defer srv.Close()

	mem := storetest.NewMemory()
	snap, err := newWorker(t, srv.URL, mem, &sink{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.Counts[feed.CountMalformed])
	assert.Equal(t, 2, snap.Counts[feed.CountIngested])
	assert.Zero(t, snap.Counts[feed.CountPageFailures])
	assert.Zero(t, snap.ErrorCount)
	assert.Equal(t, 2, mem.CandidateCount())
}

func TestWorker_UndispatchedMatchRetriedNextRun(t *testing.T) {
	srv := httptest.NewServer(newListing(1))
	defer srv.Close()

	mem := storetest.NewMemory()
	mem.SetProfiles(model.RecipientProfile{ID: "r1", Categories: []string{"541511"}})
	q := &sink{}
	q.rejectType(queue.TypeGenerateResponse)
	w := newWorker(t, srv.URL, mem, q)

	first, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Counts[feed.CountMatches])
	require.Len(t, mem.Matches(), 1)
	assert.False(t, mem.Matches()[0].Dispatched)
	assert.Zero(t, q.count(queue.TypeGenerateResponse))

	q.rejectType("")
	second, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Counts[feed.CountRedriven])
	assert.Equal(t, 1, second.Counts[feed.CountDuplicates])
	assert.Zero(t, second.ErrorCount)
	require.Len(t, mem.Matches(), 1)
	assert.True(t, mem.Matches()[0].Dispatched)
	assert.Equal(t, 1, q.count(queue.TypeGenerateResponse))

	third, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, third.Counts[feed.CountRedriven])
	assert.Equal(t, 1, q.count(queue.TypeGenerateResponse))
}
