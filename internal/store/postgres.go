package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bidwatch/internal/model"
)

// Postgres implements every store operation on a pgx connection pool.
// Each write is a single statement, so a record is never half-written.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. The pool lifecycle belongs to the caller.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ─── Candidates ──────────────────────────────────────────────────────────────

const candidateColumns = `external_id, title, description, category, issuer, set_aside,
	deadline, requirements, keywords, status, created_at, updated_at`

// CandidateExists is the idempotency gate's point lookup.
func (p *Postgres) CandidateExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM candidates WHERE external_id = $1)`,
		externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("candidate exists: %w", err)
	}
	return exists, nil
}

// UpsertCandidate overwrites by external ID. An existing row keeps its status
// and created_at so a racing re-insert cannot move the lifecycle backwards.
func (p *Postgres) UpsertCandidate(ctx context.Context, c model.Candidate) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO candidates (`+candidateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::candidate_status, $11, $11)
		 ON CONFLICT (external_id) DO UPDATE
		 SET title        = EXCLUDED.title,
		     description  = EXCLUDED.description,
		     category     = EXCLUDED.category,
		     issuer       = EXCLUDED.issuer,
		     set_aside    = EXCLUDED.set_aside,
		     deadline     = EXCLUDED.deadline,
		     requirements = EXCLUDED.requirements,
		     keywords     = EXCLUDED.keywords,
		     updated_at   = EXCLUDED.updated_at`,
		c.ExternalID, c.Title, c.Description, c.Category, c.Issuer, c.SetAside,
		c.Deadline, c.Requirements, c.Keywords, string(c.Status), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert candidate %s: %w", c.ExternalID, err)
	}
	return nil
}

// GetCandidate returns one candidate or ErrNotFound.
func (p *Postgres) GetCandidate(ctx context.Context, externalID string) (model.Candidate, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE external_id = $1`, externalID)
	c, err := scanCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Candidate{}, ErrNotFound
	}
	if err != nil {
		return model.Candidate{}, fmt.Errorf("get candidate %s: %w", externalID, err)
	}
	return c, nil
}

// ListActivePastDeadline returns active candidates whose deadline is before now.
func (p *Postgres) ListActivePastDeadline(ctx context.Context, now time.Time) ([]model.Candidate, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+candidateColumns+`
		 FROM candidates
		 WHERE status = 'active' AND deadline < $1
		 ORDER BY deadline`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCandidate moves a candidate from one status to another. The
// WHERE clause is the guard: it returns false when the row is not in `from`.
func (p *Postgres) TransitionCandidate(ctx context.Context, externalID string, from, to model.CandidateStatus, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE candidates
		 SET status = $1::candidate_status, updated_at = $2
		 WHERE external_id = $3 AND status = $4::candidate_status`,
		string(to), now, externalID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition candidate %s: %w", externalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanCandidate(row pgx.Row) (model.Candidate, error) {
	var c model.Candidate
	var status string
	err := row.Scan(
		&c.ExternalID, &c.Title, &c.Description, &c.Category, &c.Issuer, &c.SetAside,
		&c.Deadline, &c.Requirements, &c.Keywords, &status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Status, err = model.ParseCandidateStatus(status)
	return c, err
}

// ─── Recipient profiles ──────────────────────────────────────────────────────

// ListProfiles returns every recipient profile.
func (p *Postgres) ListProfiles(ctx context.Context) ([]model.RecipientProfile, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, categories, keywords, preferred_issuers, qualifications, notifications
		 FROM recipient_profiles
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query recipient_profiles: %w", err)
	}
	defer rows.Close()

	var out []model.RecipientProfile
	for rows.Next() {
		var rp model.RecipientProfile
		if err := rows.Scan(
			&rp.ID, &rp.Categories, &rp.Keywords, &rp.PreferredIssuers,
			&rp.Qualifications, &rp.Notifications,
		); err != nil {
			return nil, fmt.Errorf("scan recipient profile: %w", err)
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// ─── Match records ───────────────────────────────────────────────────────────

const (
	matchColumns = `recipient_id, candidate_id, score, reasons, dispatched, created_at`
	redriveBatch = 500
)

// InsertMatch creates the record if absent and returns the stored row either
// way; created is false when the pair already existed.
func (p *Postgres) InsertMatch(ctx context.Context, m model.MatchRecord) (model.MatchRecord, bool, error) {
	var stored model.MatchRecord
	var created bool
	err := p.pool.QueryRow(ctx,
		`WITH ins AS (
		   INSERT INTO match_records (`+matchColumns+`)
		   VALUES ($1, $2, $3, $4, false, $5)
		   ON CONFLICT (recipient_id, candidate_id) DO NOTHING
		   RETURNING `+matchColumns+`, true AS created
		 )
		 SELECT * FROM ins
		 UNION ALL
		 SELECT `+matchColumns+`, false
		 FROM match_records
		 WHERE recipient_id = $1 AND candidate_id = $2 AND NOT EXISTS (SELECT 1 FROM ins)`,
		m.RecipientID, m.CandidateID, m.Score, m.Reasons, m.CreatedAt,
	).Scan(
		&stored.RecipientID, &stored.CandidateID, &stored.Score, &stored.Reasons,
		&stored.Dispatched, &stored.CreatedAt, &created,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent transaction inserted the pair after this statement's
		// snapshot was taken; a fresh statement sees the committed row.
		stored, err = p.getMatch(ctx, m.RecipientID, m.CandidateID)
		created = false
	}
	if err != nil {
		return model.MatchRecord{}, false, fmt.Errorf("insert match %s/%s: %w", m.RecipientID, m.CandidateID, err)
	}
	return stored, created, nil
}

func (p *Postgres) getMatch(ctx context.Context, recipientID, candidateID string) (model.MatchRecord, error) {
	var m model.MatchRecord
	err := p.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM match_records WHERE recipient_id = $1 AND candidate_id = $2`,
		recipientID, candidateID,
	).Scan(&m.RecipientID, &m.CandidateID, &m.Score, &m.Reasons, &m.Dispatched, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MatchRecord{}, ErrNotFound
	}
	return m, err
}

// ListUndispatchedMatches returns match records created at or before
// createdBefore whose work item was never enqueued, oldest first.
func (p *Postgres) ListUndispatchedMatches(ctx context.Context, createdBefore time.Time) ([]model.MatchRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+matchColumns+`
		 FROM match_records
		 WHERE dispatched = false AND created_at <= $1
		 ORDER BY created_at, recipient_id, candidate_id
		 LIMIT $2`,
		createdBefore, redriveBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("list undispatched matches: %w", err)
	}
	defer rows.Close()

	var out []model.MatchRecord
	for rows.Next() {
		var m model.MatchRecord
		if err := rows.Scan(&m.RecipientID, &m.CandidateID, &m.Score, &m.Reasons, &m.Dispatched, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMatchDispatched sets the dispatched flag once the work item is enqueued.
func (p *Postgres) MarkMatchDispatched(ctx context.Context, recipientID, candidateID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE match_records SET dispatched = true
		 WHERE recipient_id = $1 AND candidate_id = $2`,
		recipientID, candidateID,
	)
	if err != nil {
		return fmt.Errorf("mark match dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Activity events ─────────────────────────────────────────────────────────

// AppendActivity inserts an event; redelivery of the same id is a no-op.
func (p *Postgres) AppendActivity(ctx context.Context, e model.ActivityEvent) (bool, error) {
	detail := json.RawMessage(e.Detail.Raw)
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO activity_events (id, actor_id, action, resource, detail, occurred_at, origin_ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.ActorID, e.Action, e.Resource, detail, e.Timestamp, e.OriginIP, e.UserAgent,
	)
	if err != nil {
		return false, fmt.Errorf("append activity %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountActivity counts events by actor and action with from <= ts <= to.
func (p *Postgres) CountActivity(ctx context.Context, actorID, action string, from, to time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM activity_events
		 WHERE actor_id = $1 AND action = $2 AND occurred_at >= $3 AND occurred_at <= $4`,
		actorID, action, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activity: %w", err)
	}
	return n, nil
}

// ListActivity returns events with from <= ts < to ordered by time then id.
// The system subject lists every actor.
func (p *Postgres) ListActivity(ctx context.Context, subjectID string, from, to time.Time) ([]model.ActivityEvent, error) {
	const base = `SELECT id, actor_id, action, resource, detail, occurred_at, origin_ip, user_agent
		FROM activity_events
		WHERE occurred_at >= $1 AND occurred_at < $2`

	var (
		rows pgx.Rows
		err  error
	)
	if subjectID == model.SystemSubject {
		rows, err = p.pool.Query(ctx, base+` ORDER BY occurred_at, id`, from, to)
	} else {
		rows, err = p.pool.Query(ctx, base+` AND actor_id = $3 ORDER BY occurred_at, id`, from, to, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityEvent
	for rows.Next() {
		var e model.ActivityEvent
		var detail []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Resource, &detail,
			&e.Timestamp, &e.OriginIP, &e.UserAgent); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		// A stored payload that no longer parses still counts as an event.
		e.Detail, _ = model.ParseActivityDetail(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListActiveActors returns the distinct actors with events in [from, to).
func (p *Postgres) ListActiveActors(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT actor_id FROM activity_events
		 WHERE occurred_at >= $1 AND occurred_at < $2
		 ORDER BY actor_id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("list active actors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ─── Detected events ─────────────────────────────────────────────────────────

const detectionColumns = `id, type, severity, actor_id, description, details, rule,
	source_event_id, resolved, resolved_at, retain_until, created_at`

// InsertDetection creates the record if its id is new.
func (p *Postgres) InsertDetection(ctx context.Context, d model.DetectedEvent) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO detected_events (`+detectionColumns+`)
		 VALUES ($1, $2::detection_type, $3::severity, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, string(d.Type), string(d.Severity), d.ActorID, d.Description, d.Details, d.Rule,
		d.SourceEventID, d.Resolved, d.ResolvedAt, d.RetainUntil, d.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert detection %s: %w", d.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDetection returns one detected event or ErrNotFound.
func (p *Postgres) GetDetection(ctx context.Context, id string) (model.DetectedEvent, error) {
	var d model.DetectedEvent
	var typ, sev string
	err := p.pool.QueryRow(ctx,
		`SELECT `+detectionColumns+` FROM detected_events WHERE id = $1`, id,
	).Scan(
		&d.ID, &typ, &sev, &d.ActorID, &d.Description, &d.Details, &d.Rule,
		&d.SourceEventID, &d.Resolved, &d.ResolvedAt, &d.RetainUntil, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DetectedEvent{}, ErrNotFound
	}
	if err != nil {
		return model.DetectedEvent{}, fmt.Errorf("get detection %s: %w", id, err)
	}
	d.Type = model.DetectionType(typ)
	d.Severity = model.Severity(sev)
	return d, nil
}

// ResolveDetection flips resolved from false to true. It returns false when
// the event was already resolved and ErrNotFound when it does not exist.
func (p *Postgres) ResolveDetection(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE detected_events SET resolved = true, resolved_at = $1
		 WHERE id = $2 AND resolved = false`,
		at, id,
	)
	if err != nil {
		return false, fmt.Errorf("resolve detection %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.GetDetection(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ─── Daily summaries ─────────────────────────────────────────────────────────

// UpsertSummary overwrites the summary for (subject, date).
func (p *Postgres) UpsertSummary(ctx context.Context, s model.DailySummary) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO daily_summaries (subject_id, day, counts, anomalies, anomaly_count, event_count, score)
		 VALUES ($1, $2::date, $3, $4, $5, $6, $7)
		 ON CONFLICT (subject_id, day) DO UPDATE
		 SET counts        = EXCLUDED.counts,
		     anomalies     = EXCLUDED.anomalies,
		     anomaly_count = EXCLUDED.anomaly_count,
		     event_count   = EXCLUDED.event_count,
		     score         = EXCLUDED.score`,
		s.SubjectID, s.Date, s.Counts, s.Anomalies, s.AnomalyCount, s.EventCount, s.Score,
	)
	if err != nil {
		return fmt.Errorf("upsert summary %s/%s: %w", s.SubjectID, s.Date, err)
	}
	return nil
}

// GetSummary returns the stored summary or ErrNotFound.
func (p *Postgres) GetSummary(ctx context.Context, subjectID, date string) (model.DailySummary, error) {
	s := model.DailySummary{SubjectID: subjectID, Date: date}
	err := p.pool.QueryRow(ctx,
		`SELECT counts, anomalies, anomaly_count, event_count, score
		 FROM daily_summaries WHERE subject_id = $1 AND day = $2::date`,
		subjectID, date,
	).Scan(&s.Counts, &s.Anomalies, &s.AnomalyCount, &s.EventCount, &s.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DailySummary{}, ErrNotFound
	}
	if err != nil {
		return model.DailySummary{}, fmt.Errorf("get summary %s/%s: %w", subjectID, date, err)
	}
	return s, nil
}
