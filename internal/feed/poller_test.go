package feed_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidwatch/internal/feed"
	"bidwatch/internal/logger"
)

// listing serves total notices in pages and fails the page at failOffset.
type listing struct {
	mu         sync.Mutex
	total      int
	failOffset int
	hideTotal  bool
	offsets    []int
	params     []map[string]string
}

func newListing(total int) *listing {
	return &listing{total: total, failOffset: -1}
}

func (l *listing) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	l.mu.Lock()
	l.offsets = append(l.offsets, offset)
	l.params = append(l.params, map[string]string{
		"api_key": q.Get("api_key"),
		"active":  q.Get("active"),
		"ptype":   q.Get("ptype"),
	})
	fail := offset == l.failOffset
	total := l.total
	reported := total
	if l.hideTotal {
		reported = 0
	}
	l.mu.Unlock()

	if fail {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
		return
	}

	notices := make([]map[string]string, 0, limit)
	for i := offset; i < offset+limit && i < total; i++ {
		notices = append(notices, map[string]string{
			"noticeId":  fmt.Sprintf("N-%03d", i),
			"title":     fmt.Sprintf("Cloud migration support %d", i),
			"naicsCode": "541511",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"totalRecords":      reported,
		"opportunitiesData": notices,
	})
}

func (l *listing) requested() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.offsets...)
}

func newPoller(url string) *feed.Poller {
	return feed.NewPoller(feed.PollerConfig{
		BaseURL:      url,
		APIKey:       "test-key",
		NoticeTypes:  []string{"o", "k"},
		PageInterval: time.Millisecond,
		PageTimeout:  time.Second,
	}, logger.NewNop())
}

func TestPollAll_WalksEveryPage(t *testing.T) {
	l := newListing(10)
	srv := httptest.NewServer(l)
	defer srv.Close()

	res := newPoller(srv.URL).PollAll(context.Background(), 2)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Notices, 10)
	assert.Equal(t, []int{0, 2, 4, 6, 8}, l.requested())
	assert.Equal(t, map[string]string{"api_key": "test-key", "active": "Yes", "ptype": "o,k"}, l.params[0])
}

func TestPollAll_StopsOnShortPage(t *testing.T) {
	l := newListing(5)
	l.hideTotal = true
	srv := httptest.NewServer(l)
	defer srv.Close()

	res := newPoller(srv.URL).PollAll(context.Background(), 2)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Notices, 5)
	assert.Equal(t, []int{0, 2, 4}, l.requested())
}

func TestPollAll_PageThreeOfFiveFails(t *testing.T) {
	l := newListing(10)
	l.failOffset = 4
	srv := httptest.NewServer(l)
	defer srv.Close()

	res := newPoller(srv.URL).PollAll(context.Background(), 2)

	require.Len(t, res.Notices, 4)
	assert.Equal(t, "N-000", res.Notices[0].NoticeID)
	assert.Equal(t, "N-003", res.Notices[3].NoticeID)

	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], feed.ErrPageFetch)
	assert.Contains(t, res.Errors[0].Error(), "page 3")
	assert.Contains(t, res.Errors[0].Error(), "502")

	assert.Equal(t, []int{0, 2, 4}, l.requested())
}

func TestPollAll_MalformedJSONIsPageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"opportunitiesData": [`))
	}))
	defer srv.Close()

	res := newPoller(srv.URL).PollAll(context.Background(), 2)
	assert.Empty(t, res.Notices)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "page 1")
}

func TestPollAll_PageTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := feed.NewPoller(feed.PollerConfig{
		BaseURL: srv.URL, APIKey: "k", PageInterval: time.Millisecond, PageTimeout: 20 * time.Millisecond,
	}, logger.NewNop())

	res := p.PollAll(context.Background(), 2)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], feed.ErrPageFetch)
}

func TestPollAll_NoAPIKeySkips(t *testing.T) {
	l := newListing(4)
	srv := httptest.NewServer(l)
	defer srv.Close()

	p := feed.NewPoller(feed.PollerConfig{BaseURL: srv.URL}, logger.NewNop())
	res := p.PollAll(context.Background(), 2)
	assert.Empty(t, res.Notices)
	assert.Empty(t, res.Errors)
	assert.Empty(t, l.requested())
}

const mixedPage = `{"totalRecords":3,"opportunitiesData":[
	{"noticeId":"A","naicsCode":"541511"},
	{"noticeId":"B","naicsCode":541511,"title":{"en":"x"},"keywords":["cloud",7],"active":true},
	"garbage"
]}`

func TestWalk_BadRecordDoesNotFailPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(mixedPage))
	}))
	defer srv.Close()

	var pages []feed.Page
	errs := newPoller(srv.URL).Walk(context.Background(), 10, func(_ context.Context, p feed.Page) {
		pages = append(pages, p)
	})
	require.Empty(t, errs)
	require.Len(t, pages, 1)

	page := pages[0]
	assert.Equal(t, 1, page.Malformed)
	require.Len(t, page.Notices, 2)
	assert.Equal(t, "541511", page.Notices[0].NAICSCode)

	b := page.Notices[1]
	assert.Equal(t, "B", b.NoticeID)
	assert.Equal(t, "541511", b.NAICSCode)
	assert.Empty(t, b.Title)
	assert.Equal(t, []string{"cloud", "7"}, b.Keywords)
	assert.Equal(t, "true", b.Active)
}

func TestRawNotice_LooseLists(t *testing.T) {
	var n feed.RawNotice
	require.NoError(t, json.Unmarshal([]byte(`{"requirements":"SAM registration, FedRAMP ","keywords":null}`), &n))
	assert.Equal(t, []string{"SAM registration", "FedRAMP"}, n.Requirements)
	assert.Nil(t, n.Keywords)

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &n))
}
