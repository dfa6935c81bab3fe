package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bidwatch/internal/model"
)

// Rule names. RULES_DISABLED takes a comma list of these.
const (
	RuleFailedLogins = "excessive_failed_logins"
	RuleOffHours     = "off_hours_privileged_action"
	RuleBulkAccess   = "bulk_data_access"
)

// Names lists the catalog in evaluation order.
var Names = []string{RuleFailedLogins, RuleOffHours, RuleBulkAccess}

const failedLoginWindow = time.Hour

var (
	privilegedMarkers = []string{"admin", "delete", "destroy", "purge", "drop", "grant", "revoke"}
	listingMarkers    = []string{"list", "query", "search", "export"}
)

// Finding is what a rule reports when it fires.
type Finding struct {
	Type        model.DetectionType
	Severity    model.Severity
	Description string
	Details     model.DetectionDetails
}

// Rule evaluates one event. A nil Finding means the rule did not fire.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, ev model.ActivityEvent) (*Finding, error)
}

// History is the count-only query over the append-only activity store.
type History interface {
	CountActivity(ctx context.Context, actorID, action string, from, to time.Time) (int, error)
}

// failedLogins fires when an actor's failed authentication attempts inside
// the trailing hour, this event included, reach the threshold.
type failedLogins struct {
	history   History
	threshold int
}

func (r failedLogins) Name() string { return RuleFailedLogins }

func (r failedLogins) Evaluate(ctx context.Context, ev model.ActivityEvent) (*Finding, error) {
	if !isFailedAuth(ev.Action) {
		return nil, nil
	}
	count, err := r.history.CountActivity(ctx, ev.ActorID, ev.Action, ev.Timestamp.Add(-failedLoginWindow), ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("count %s for %s: %w", ev.Action, ev.ActorID, err)
	}
	if count < r.threshold {
		return nil, nil
	}
	return &Finding{
		Type:     model.ComplianceViolation,
		Severity: model.SeverityHigh,
		Description: fmt.Sprintf("%d failed authentication attempts by %s within %d minutes",
			count, ev.ActorID, int(failedLoginWindow.Minutes())),
		Details: model.DetectionDetails{
			Action:        ev.Action,
			Count:         count,
			Threshold:     r.threshold,
			WindowMinutes: int(failedLoginWindow.Minutes()),
			OriginIP:      ev.OriginIP,
		},
	}, nil
}

func isFailedAuth(action string) bool {
	a := strings.ToLower(action)
	if !strings.Contains(a, "fail") {
		return false
	}
	return strings.Contains(a, "login") || strings.Contains(a, "auth") || strings.Contains(a, "signin")
}

// offHours fires for privileged actions before 06:00, after 22:59 or on a
// weekend, in the configured local time zone.
type offHours struct {
	loc *time.Location
}

func (r offHours) Name() string { return RuleOffHours }

func (r offHours) Evaluate(_ context.Context, ev model.ActivityEvent) (*Finding, error) {
	if !containsAny(strings.ToLower(ev.Action), privilegedMarkers) {
		return nil, nil
	}
	local := ev.Timestamp.In(r.loc)
	hour := local.Hour()
	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	outside := hour < 6 || hour > 22
	if !outside && !weekend {
		return nil, nil
	}

	desc := fmt.Sprintf("Privileged action %s by %s at %02d:%02d local time", ev.Action, ev.ActorID, hour, local.Minute())
	if weekend {
		desc += " on a weekend"
	}
	return &Finding{
		Type:        model.SecurityAlert,
		Severity:    model.SeverityHigh,
		Description: desc,
		Details: model.DetectionDetails{
			Action:     ev.Action,
			Resource:   ev.Resource,
			Hour:       &hour,
			IsWeekend:  &weekend,
			IsOffHours: &outside,
			OriginIP:   ev.OriginIP,
		},
	}, nil
}

// bulkAccess fires when a listing or export requests more records than its
// threshold. Exports are compliance violations, other listings security alerts.
type bulkAccess struct {
	listThreshold   int
	exportThreshold int
}

func (r bulkAccess) Name() string { return RuleBulkAccess }

func (r bulkAccess) Evaluate(_ context.Context, ev model.ActivityEvent) (*Finding, error) {
	action := strings.ToLower(ev.Action)
	if !containsAny(action, listingMarkers) {
		return nil, nil
	}
	volume, ok := ev.Detail.RequestedVolume()
	if !ok {
		return nil, nil
	}

	f := &Finding{Type: model.SecurityAlert, Severity: model.SeverityMedium}
	threshold := r.listThreshold
	if strings.Contains(action, "export") {
		f.Type, f.Severity = model.ComplianceViolation, model.SeverityHigh
		threshold = r.exportThreshold
	}
	if volume <= threshold {
		return nil, nil
	}

	f.Description = fmt.Sprintf("%s by %s requested %d records (threshold %d)", ev.Action, ev.ActorID, volume, threshold)
	f.Details = model.DetectionDetails{
		Action:    ev.Action,
		Resource:  ev.Resource,
		Count:     volume,
		Threshold: threshold,
		OriginIP:  ev.OriginIP,
	}
	return f, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
