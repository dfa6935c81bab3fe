// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, Load returns an
// error and the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bidwatch/internal/model"
)

// Config holds all runtime configuration shared by the discovery and sentinel
// services. Each service only reads the fields it needs.
type Config struct {
	HTTPPort    string
	GRPCPort    string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	Feed     FeedConfig
	Schedule ScheduleConfig
	Match    MatchConfig
	Rules    RulesConfig

	IngestWorkers int
	Location      *time.Location

	KafkaBrokers []string
	KafkaTopic   string
}

// FeedConfig configures the external notice listing.
type FeedConfig struct {
	BaseURL      string
	APIKey       string
	NoticeTypes  []string
	PageSize     int
	PageInterval time.Duration
	PageTimeout  time.Duration
}

// ScheduleConfig holds the cron specs of the periodic runs.
type ScheduleConfig struct {
	Poll      string
	Lifecycle string
	Summary   string
}

// MatchConfig holds the Matching Engine thresholds.
type MatchConfig struct {
	MinScore   int
	AlertScore int
}

// RulesConfig holds the Rule Engine thresholds and switches.
type RulesConfig struct {
	FailedLoginThreshold    int
	BulkListThreshold       int
	BulkExportThreshold     int
	Disabled                []string
	HistoryQueryTimeout     time.Duration
	SecurityRetentionDays   int
	ComplianceRetentionDays int
	AlertSeverity           model.Severity // detections at or above this page an operator
}

// Ports are the per-service defaults applied when HTTP_PORT / GRPC_PORT are unset.
type Ports struct {
	HTTP string
	GRPC string
}

// Load reads environment variables (after an optional .env file) and returns
// a validated Config.
func Load(defaults Ports) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	var errs []string
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	cfg := &Config{
		HTTPPort:    envString("HTTP_PORT", defaults.HTTP),
		GRPCPort:    envString("GRPC_PORT", defaults.GRPC),
		DatabaseURL: dbURL,
		RedisURL:    redisURL,
		LogLevel:    envString("LOG_LEVEL", "info"),
		Feed: FeedConfig{
			BaseURL:      envString("FEED_BASE_URL", "https://api.sam.gov/opportunities/v2/search"),
			APIKey:       os.Getenv("FEED_API_KEY"),
			NoticeTypes:  envList("FEED_NOTICE_TYPES", []string{"o", "k", "p"}),
			PageSize:     intVar("FEED_PAGE_SIZE", 100),
			PageInterval: durVar("FEED_PAGE_INTERVAL", time.Second),
			PageTimeout:  durVar("FEED_PAGE_TIMEOUT", 15*time.Second),
		},
		Schedule: ScheduleConfig{
			Poll:      envString("POLL_SCHEDULE", "@every 6h"),
			Lifecycle: envString("LIFECYCLE_SCHEDULE", "@every 1h"),
			Summary:   envString("SUMMARY_SCHEDULE", "10 0 * * *"),
		},
		Match: MatchConfig{
			MinScore:   intVar("MATCH_MIN_SCORE", 30),
			AlertScore: intVar("MATCH_ALERT_SCORE", 80),
		},
		Rules: RulesConfig{
			FailedLoginThreshold:    intVar("RULE_FAILED_LOGIN_THRESHOLD", 5),
			BulkListThreshold:       intVar("RULE_BULK_LIST_THRESHOLD", 100),
			BulkExportThreshold:     intVar("RULE_BULK_EXPORT_THRESHOLD", 10000),
			Disabled:                envList("RULES_DISABLED", nil),
			HistoryQueryTimeout:     durVar("HISTORY_QUERY_TIMEOUT", 5*time.Second),
			SecurityRetentionDays:   intVar("SECURITY_RETENTION_DAYS", 90),
			ComplianceRetentionDays: intVar("COMPLIANCE_RETENTION_DAYS", 365),
		},
		IngestWorkers: intVar("INGEST_WORKERS", 8),
		KafkaBrokers:  envList("KAFKA_BROKERS", nil),
		KafkaTopic:    envString("KAFKA_TOPIC", "bidwatch.domain-events"),
	}

	tz := envString("LOCAL_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Sprintf("LOCAL_TIMEZONE %q: %v", tz, err))
	}
	cfg.Location = loc

	sevRaw := envString("DETECTION_ALERT_SEVERITY", string(model.SeverityHigh))
	sev, err := model.ParseSeverity(strings.ToLower(strings.TrimSpace(sevRaw)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("DETECTION_ALERT_SEVERITY: %v", err))
	}
	cfg.Rules.AlertSeverity = sev

	if cfg.Feed.PageSize < 1 {
		errs = append(errs, "FEED_PAGE_SIZE must be a positive integer")
	}
	if cfg.IngestWorkers < 1 {
		errs = append(errs, "INGEST_WORKERS must be a positive integer")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def, fmt.Errorf("%s must be a non-negative integer, got %q", key, s)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return def, fmt.Errorf("%s must be a positive duration, got %q", key, s)
	}
	return v, nil
}

func envList(key string, def []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
