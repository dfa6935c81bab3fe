package model

// SystemSubject is the summary subject that aggregates every actor.
const SystemSubject = "system"

// Category is one of the six fixed activity buckets of a DailySummary.
type Category string

const (
	CategoryLogin            Category = "login"
	CategoryLogout           Category = "logout"
	CategoryDataAccess       Category = "data_access"
	CategoryDataModification Category = "data_modification"
	CategoryAdminAction      Category = "admin_action"
	CategorySecurityEvent    Category = "security_event"
)

// CategoryCounts holds one counter per fixed category.
type CategoryCounts struct {
	Login            int `json:"login"`
	Logout           int `json:"logout"`
	DataAccess       int `json:"dataAccess"`
	DataModification int `json:"dataModification"`
	AdminAction      int `json:"adminAction"`
	SecurityEvent    int `json:"securityEvent"`
}

// Inc increments the counter for c. Unknown categories are ignored.
func (cc *CategoryCounts) Inc(c Category) {
	switch c {
	case CategoryLogin:
		cc.Login++
	case CategoryLogout:
		cc.Logout++
	case CategoryDataAccess:
		cc.DataAccess++
	case CategoryDataModification:
		cc.DataModification++
	case CategoryAdminAction:
		cc.AdminAction++
	case CategorySecurityEvent:
		cc.SecurityEvent++
	}
}

// DailySummary is the per-subject, per-day rollup. Recomputing it overwrites
// the stored row for (SubjectID, Date).
type DailySummary struct {
	SubjectID    string         `json:"subjectId"`
	Date         string         `json:"date"` // YYYY-MM-DD in the configured location
	Counts       CategoryCounts `json:"counts"`
	Anomalies    []string       `json:"anomalies"`
	AnomalyCount int            `json:"anomalyCount"`
	EventCount   int            `json:"eventCount"`
	Score        int            `json:"score"`
}
