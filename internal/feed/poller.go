package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bidwatch/internal/logger"
	"bidwatch/internal/metrics"
)

const (
	postedWindow   = 30 * 24 * time.Hour
	postedLayout   = "01/02/2006"
	maxErrorBody   = 512
	defaultTimeout = 15 * time.Second
)

// ErrPageFetch wraps every single-page failure.
var ErrPageFetch = errors.New("fetch page")

// PollerConfig configures a Poller.
type PollerConfig struct {
	BaseURL      string
	APIKey       string
	NoticeTypes  []string
	PageInterval time.Duration // fixed delay between page requests
	PageTimeout  time.Duration // per-page request timeout
}

// Page is one successfully fetched listing page. Number is 1-based.
// Malformed counts records that were dropped because they were not objects.
type Page struct {
	Number    int
	Offset    int
	Notices   []RawNotice
	Malformed int
}

// PollResult is everything one PollAll run collected.
type PollResult struct {
	Notices []RawNotice
	Errors  []error
}

// Poller walks the paginated listing sequentially. Pages are never fetched
// in parallel; the limiter enforces the fixed delay between requests.
type Poller struct {
	cfg     PollerConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger
	now     func() time.Time
}

// NewPoller constructs a Poller with its own HTTP client.
func NewPoller(cfg PollerConfig, log logger.Logger) *Poller {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.PageInterval > 0 {
		limit = rate.Every(cfg.PageInterval)
	}
	return &Poller{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With(logger.String("component", "poller")),
		now:     time.Now,
	}
}

// PollAll fetches every page and returns the collected notices together with
// the page errors. Candidates from pages before a failure are always returned.
func (p *Poller) PollAll(ctx context.Context, pageSize int) PollResult {
	var res PollResult
	res.Errors = p.Walk(ctx, pageSize, func(_ context.Context, page Page) {
		res.Notices = append(res.Notices, page.Notices...)
	})
	return res
}

// Walk requests pages of up to pageSize records from offset 0, handing each
// page to fn before the next is requested. It stops at the first short page,
// when the reported total is reached, or at the first failed page; a failed
// page is recorded and no later page is attempted in this run.
func (p *Poller) Walk(ctx context.Context, pageSize int, fn func(context.Context, Page)) []error {
	if p.cfg.APIKey == "" {
		p.log.Warn("FEED_API_KEY not set, skipping poll")
		return nil
	}
	if pageSize < 1 {
		return []error{fmt.Errorf("page size must be positive, got %d", pageSize)}
	}

	offset := 0
	for number := 1; ; number++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return []error{fmt.Errorf("%w %d (offset %d): %v", ErrPageFetch, number, offset, err)}
		}

		notices, total, malformed, err := p.fetchPage(ctx, offset, pageSize)
		if err != nil {
			metrics.PageFailures.Inc()
			p.log.Error("Listing page failed, stopping run",
				logger.Int("page", number),
				logger.Int("offset", offset),
				logger.Error(err),
			)
			return []error{fmt.Errorf("%w %d (offset %d): %v", ErrPageFetch, number, offset, err)}
		}

		metrics.CandidatesPolled.Add(float64(len(notices)))
		p.log.Debug("Listing page fetched",
			logger.Int("page", number),
			logger.Int("offset", offset),
			logger.Int("records", len(notices)),
			logger.Int("malformed", malformed),
			logger.Int("total", total),
		)

		if len(notices) > 0 || malformed > 0 {
			fn(ctx, Page{Number: number, Offset: offset, Notices: notices, Malformed: malformed})
		}

		received := len(notices) + malformed
		offset += received
		if received < pageSize {
			return nil // last page
		}
		if total > 0 && offset >= total {
			return nil
		}
	}
}

// fetchPage returns the decodable notices of one page, the reported total
// and the number of records dropped as malformed.
func (p *Poller) fetchPage(ctx context.Context, offset, limit int) ([]RawNotice, int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PageTimeout)
	defer cancel()

	now := p.now().UTC()
	params := url.Values{}
	params.Set("api_key", p.cfg.APIKey)
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("active", "Yes")
	params.Set("sortBy", "-modifiedDate")
	params.Set("postedFrom", now.Add(-postedWindow).Format(postedLayout))
	params.Set("postedTo", now.Format(postedLayout))
	if len(p.cfg.NoticeTypes) > 0 {
		params.Set("ptype", strings.Join(p.cfg.NoticeTypes, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("http GET: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, 0, 0, fmt.Errorf("listing returned %d: %s", resp.StatusCode, string(body))
	}

	var listing listingResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, 0, 0, fmt.Errorf("json unmarshal: %w", err)
	}

	notices := make([]RawNotice, 0, len(listing.OpportunitiesData))
	malformed := 0
	for i, rec := range listing.OpportunitiesData {
		var n RawNotice
		if err := json.Unmarshal(rec, &n); err != nil {
			malformed++
			metrics.NoticesMalformed.Inc()
			p.log.Warn("Dropping malformed listing record",
				logger.Int("offset", offset+i),
				logger.Error(err),
			)
			continue
		}
		notices = append(notices, n)
	}
	return notices, listing.TotalRecords, malformed, nil
}
