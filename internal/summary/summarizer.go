// Package summary builds the daily per-subject activity rollups.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bidwatch/internal/logger"
	"bidwatch/internal/model"
	"bidwatch/internal/queue"
)

// DateLayout is the summary date format.
const DateLayout = "2006-01-02"

const (
	maxAnomalies = 10

	baseScore          = 100
	adminPenalty       = 10
	adminLimit         = 10
	anomalyPenalty     = 20
	anomalyLimit       = 5
	dataAccessPenalty  = 15
	dataAccessLimit    = 1000
	businessHoursStart = 6
	businessHoursEnd   = 22
)

// ErrInvalidDate is returned for dates not in DateLayout.
var ErrInvalidDate = errors.New("invalid summary date")

// categoryMarkers maps each category to the action substrings that select
// it. Categories are checked independently, so one action may count in
// several.
var categoryMarkers = []struct {
	category model.Category
	markers  []string
}{
	{model.CategoryLogin, []string{"login", "signin"}},
	{model.CategoryLogout, []string{"logout", "signout"}},
	{model.CategoryDataAccess, []string{"read", "view", "list", "query", "search", "export", "download"}},
	{model.CategoryDataModification, []string{"create", "update", "delete", "modify", "insert", "import", "edit"}},
	{model.CategoryAdminAction, []string{"admin", "grant", "revoke", "role", "permission"}},
	{model.CategorySecurityEvent, []string{"fail", "denied", "unauthorized", "security", "lockout", "mfa"}},
}

// Store is the persistence the summarizer needs.
type Store interface {
	ListActivity(ctx context.Context, subjectID string, from, to time.Time) ([]model.ActivityEvent, error)
	UpsertSummary(ctx context.Context, s model.DailySummary) error
}

// Summarizer computes and stores daily summaries.
type Summarizer struct {
	store Store
	loc   *time.Location
	log   logger.Logger
}

// NewSummarizer builds a Summarizer; days and hours are taken in loc.
func NewSummarizer(store Store, loc *time.Location, log logger.Logger) *Summarizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Summarizer{store: store, loc: loc, log: log.With(logger.String("component", "summarizer"))}
}

// Window returns the [from, to) bounds of date in loc.
func Window(date string, loc *time.Location) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w %q", ErrInvalidDate, date)
	}
	return day, day.AddDate(0, 0, 1), nil
}

// Compute rescans the subject's events for date and overwrites the stored
// summary. Identical events always yield an identical summary.
func (s *Summarizer) Compute(ctx context.Context, subjectID, date string) (model.DailySummary, error) {
	from, to, err := Window(date, s.loc)
	if err != nil {
		return model.DailySummary{}, err
	}
	events, err := s.store.ListActivity(ctx, subjectID, from, to)
	if err != nil {
		return model.DailySummary{}, fmt.Errorf("list activity for %s on %s: %w", subjectID, date, err)
	}

	sum := Build(subjectID, date, events, s.loc)
	if err := s.store.UpsertSummary(ctx, sum); err != nil {
		return model.DailySummary{}, fmt.Errorf("store summary %s/%s: %w", subjectID, date, err)
	}
	s.log.Info("Daily summary computed",
		logger.String("subject_id", subjectID),
		logger.String("date", date),
		logger.Int("events", sum.EventCount),
		logger.Int("score", sum.Score),
	)
	return sum, nil
}

// Build is the pure rollup of events into a summary.
func Build(subjectID, date string, events []model.ActivityEvent, loc *time.Location) model.DailySummary {
	sorted := append([]model.ActivityEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	sum := model.DailySummary{
		SubjectID:  subjectID,
		Date:       date,
		Anomalies:  []string{},
		EventCount: len(sorted),
	}
	for _, ev := range sorted {
		action := strings.ToLower(ev.Action)
		for _, cm := range categoryMarkers {
			if containsAny(action, cm.markers) {
				sum.Counts.Inc(cm.category)
			}
		}

		local := ev.Timestamp.In(loc)
		if h := local.Hour(); h < businessHoursStart || h > businessHoursEnd {
			sum.AnomalyCount++
			if len(sum.Anomalies) < maxAnomalies {
				sum.Anomalies = append(sum.Anomalies,
					fmt.Sprintf("%s performed %s at %s", ev.ActorID, ev.Action, local.Format("15:04")))
			}
		}
	}
	sum.Score = score(sum)
	return sum
}

func score(s model.DailySummary) int {
	v := baseScore
	if s.Counts.AdminAction > adminLimit {
		v -= adminPenalty
	}
	if s.AnomalyCount > anomalyLimit {
		v -= anomalyPenalty
	}
	if s.Counts.DataAccess > dataAccessLimit {
		v -= dataAccessPenalty
	}
	return max(v, 0)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// HandleMessage consumes generate_daily_summary work items. Other work
// types belong to other consumers and are acknowledged untouched.
func (s *Summarizer) HandleMessage(ctx context.Context, msg queue.Message) error {
	var item queue.WorkItem
	if err := json.Unmarshal(msg.Payload, &item); err != nil {
		s.log.Warn("Dropping undecodable work item", logger.String("message_id", msg.ID), logger.Error(err))
		return nil
	}
	if item.Type != queue.TypeGenerateDailySummary {
		return nil
	}

	var req queue.GenerateDailySummary
	if err := item.Decode(&req); err != nil {
		s.log.Warn("Dropping malformed summary request", logger.String("message_id", msg.ID), logger.Error(err))
		return nil
	}
	_, err := s.Compute(ctx, req.SubjectID, req.Date)
	if errors.Is(err, ErrInvalidDate) {
		s.log.Warn("Dropping summary request", logger.String("message_id", msg.ID), logger.Error(err))
		return nil
	}
	return err
}
