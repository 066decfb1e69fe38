// Package storage persists engine state in SQLite.
//
// Layout:
// ~/.local/share/predictd/
// └── predict.db     # insights, feedback, action rates, knowledge facts
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// DBName is the database file inside the data directory.
const DBName = "predict.db"

// schemaVersion is written with every insight row.
const schemaVersion = 2

// Store is the SQLite implementation of insights.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ insights.Store = (*Store)(nil)

// New opens (creating if needed) the database under baseDir.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	dbPath := filepath.Join(baseDir, DBName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// OpenReadOnly opens an existing database without writing to it.
func OpenReadOnly(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, DBName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	if err := s.createBaseSchema(); err != nil {
		return err
	}
	return s.migrateSchema()
}

func (s *Store) createBaseSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		insight_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		urgency TEXT NOT NULL,
		urgency_score REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		actionable INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME,
		generated_at DATETIME NOT NULL,
		state TEXT NOT NULL,
		delivery_channel TEXT,
		delivered_at DATETIME,
		session_id TEXT,
		metadata JSON,
		schema_version INTEGER DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_insights_state ON insights(state);
	CREATE INDEX IF NOT EXISTS idx_insights_pair ON insights(source_id, insight_type);
	CREATE INDEX IF NOT EXISTS idx_insights_delivered ON insights(delivered_at);

	CREATE TABLE IF NOT EXISTS insight_feedback (
		id TEXT PRIMARY KEY,
		insight_id TEXT NOT NULL,
		insight_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		urgency_at_delivery TEXT NOT NULL,
		delivered_at DATETIME NOT NULL,
		channel TEXT,
		acted_on INTEGER NOT NULL DEFAULT 0,
		action_type TEXT NOT NULL,
		latency_ms INTEGER,
		session_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_pair ON insight_feedback(source_id, insight_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_feedback_insight ON insight_feedback(insight_id);

	CREATE TABLE IF NOT EXISTS predict_action_rates (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		insight_type TEXT NOT NULL,
		action_rate REAL NOT NULL DEFAULT 0,
		observation_count INTEGER NOT NULL DEFAULT 0,
		rate_halved INTEGER NOT NULL DEFAULT 0,
		last_updated DATETIME NOT NULL,
		UNIQUE(source_id, insight_type)
	);

	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		relationship TEXT NOT NULL,
		object TEXT NOT NULL,
		confidence REAL NOT NULL,
		provenance TEXT NOT NULL,
		source_id TEXT,
		insight_type TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(subject);
	CREATE INDEX IF NOT EXISTS idx_facts_provenance ON facts(provenance);
	`

	_, err := s.db.Exec(schema)
	return err
}

// migrateSchema upgrades databases created by older builds.
func (s *Store) migrateSchema() error {
	migrations := []string{
		// v2: session tagging
		`ALTER TABLE insights ADD COLUMN session_id TEXT`,
		`ALTER TABLE insight_feedback ADD COLUMN session_id TEXT`,
	}
	for _, migration := range migrations {
		// Fails when the column already exists, which is fine.
		_, _ = s.db.Exec(migration)
	}
	return nil
}

// insightMeta holds the fields without a dedicated column.
type insightMeta struct {
	Condition    string   `json:"condition,omitempty"`
	Category     string   `json:"category,omitempty"`
	Metric       *float64 `json:"metric,omitempty"`
	Impact       float64  `json:"impact"`
	Keywords     []string `json:"keywords,omitempty"`
	SupersededBy string   `json:"superseded_by,omitempty"`
}

// UpsertInsight inserts or updates an insight by id. Once a row has a
// delivered_at only its state changes.
func (s *Store) UpsertInsight(ctx context.Context, ins insights.Insight) error {
	meta, err := json.Marshal(insightMeta{
		Condition:    ins.Condition,
		Category:     ins.Category,
		Metric:       ins.Metric,
		Impact:       ins.Impact,
		Keywords:     ins.Keywords,
		SupersededBy: ins.SupersededBy,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	var channel sql.NullString
	if ins.DeliveryChannel != nil {
		channel = sql.NullString{String: string(*ins.DeliveryChannel), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights
		(id, insight_type, source_id, title, body, urgency, urgency_score, confidence,
		 actionable, expires_at, generated_at, state, delivery_channel, delivered_at,
		 session_id, metadata, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			urgency = CASE WHEN insights.delivered_at IS NULL THEN excluded.urgency ELSE insights.urgency END,
			urgency_score = CASE WHEN insights.delivered_at IS NULL THEN excluded.urgency_score ELSE insights.urgency_score END,
			state = excluded.state,
			delivery_channel = CASE WHEN insights.delivered_at IS NULL THEN excluded.delivery_channel ELSE insights.delivery_channel END,
			metadata = CASE WHEN insights.delivered_at IS NULL THEN excluded.metadata ELSE insights.metadata END,
			delivered_at = COALESCE(insights.delivered_at, excluded.delivered_at)
	`, ins.ID, string(ins.Type), ins.SourceID, ins.Title, ins.Body, string(ins.Urgency),
		ins.UrgencyScore, ins.Confidence, ins.Actionable, nullTime(ins.ExpiresAt),
		ins.GeneratedAt.UTC(), string(ins.State), channel, nullTime(ins.DeliveredAt),
		ins.SessionID, string(meta), schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert insight %s: %w", ins.ID, err)
	}
	return nil
}

const insightColumns = `id, insight_type, source_id, title, body, urgency, urgency_score,
	confidence, actionable, expires_at, generated_at, state, delivery_channel,
	delivered_at, session_id, metadata`

// LoadActive returns every insight not in a terminal state.
func (s *Store) LoadActive(ctx context.Context) ([]insights.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+insightColumns+`
		FROM insights
		WHERE state NOT IN (?, ?, ?, ?)
		ORDER BY generated_at ASC
	`, string(insights.StateActedOn), string(insights.StateIgnored),
		string(insights.StateExpired), string(insights.StateSuperseded))
	if err != nil {
		return nil, fmt.Errorf("failed to load active insights: %w", err)
	}
	defer rows.Close()
	return scanInsights(rows)
}

// GetInsight returns one insight by id.
func (s *Store) GetInsight(ctx context.Context, id string) (*insights.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanInsights(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, sql.ErrNoRows
	}
	return &list[0], nil
}

// RecentDelivered returns the most recently delivered insights.
func (s *Store) RecentDelivered(ctx context.Context, limit int) ([]insights.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+insightColumns+`
		FROM insights
		WHERE delivered_at IS NOT NULL
		ORDER BY delivered_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInsights(rows)
}

// CountByState returns the number of insights in each state.
func (s *Store) CountByState(ctx context.Context) (map[insights.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM insights GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[insights.State]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[insights.State(state)] = n
	}
	return counts, rows.Err()
}

func scanInsights(rows *sql.Rows) ([]insights.Insight, error) {
	var out []insights.Insight
	for rows.Next() {
		var (
			ins                     insights.Insight
			typ, urgency, state     string
			expiresAt, deliveredAt  sql.NullTime
			channel, session, metas sql.NullString
		)
		err := rows.Scan(&ins.ID, &typ, &ins.SourceID, &ins.Title, &ins.Body, &urgency,
			&ins.UrgencyScore, &ins.Confidence, &ins.Actionable, &expiresAt,
			&ins.GeneratedAt, &state, &channel, &deliveredAt, &session, &metas)
		if err != nil {
			return nil, err
		}
		ins.Type = insights.InsightType(typ)
		ins.Urgency = insights.Tier(urgency)
		ins.State = insights.State(state)
		ins.SessionID = session.String
		if expiresAt.Valid {
			t := expiresAt.Time
			ins.ExpiresAt = &t
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			ins.DeliveredAt = &t
		}
		if channel.Valid && channel.String != "" {
			k := insights.ChannelKind(channel.String)
			ins.DeliveryChannel = &k
		}
		if metas.Valid && metas.String != "" {
			var meta insightMeta
			if err := json.Unmarshal([]byte(metas.String), &meta); err != nil {
				return nil, fmt.Errorf("insight %s: bad metadata: %w", ins.ID, err)
			}
			ins.Condition = meta.Condition
			ins.Category = meta.Category
			ins.Metric = meta.Metric
			ins.Impact = meta.Impact
			ins.Keywords = meta.Keywords
			ins.SupersededBy = meta.SupersededBy
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// AppendFeedback writes one immutable feedback record.
func (s *Store) AppendFeedback(ctx context.Context, fb insights.Feedback) error {
	var latency sql.NullInt64
	if fb.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *fb.LatencyMs, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insight_feedback
		(id, insight_id, insight_type, source_id, urgency_at_delivery, delivered_at,
		 channel, acted_on, action_type, latency_ms, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, fb.ID, fb.InsightID, string(fb.InsightType), fb.SourceID, string(fb.UrgencyAtDelivery),
		fb.DeliveredAt.UTC(), string(fb.Channel), fb.ActedOn, string(fb.ActionType),
		latency, fb.SessionID, fb.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert feedback %s: %w", fb.ID, err)
	}
	return nil
}

// FeedbackHistory returns feedback for a pair created at or after since.
func (s *Store) FeedbackHistory(ctx context.Context, sourceID string, typ insights.InsightType, since time.Time) ([]insights.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, insight_id, insight_type, source_id, urgency_at_delivery, delivered_at,
		       channel, acted_on, action_type, latency_ms, session_id, created_at
		FROM insight_feedback
		WHERE source_id = ? AND insight_type = ? AND created_at >= ?
		ORDER BY created_at ASC
	`, sourceID, string(typ), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []insights.Feedback
	for rows.Next() {
		var (
			fb                   insights.Feedback
			typ, urgency, action string
			channel, session     sql.NullString
			latency              sql.NullInt64
		)
		err := rows.Scan(&fb.ID, &fb.InsightID, &typ, &fb.SourceID, &urgency, &fb.DeliveredAt,
			&channel, &fb.ActedOn, &action, &latency, &session, &fb.CreatedAt)
		if err != nil {
			return nil, err
		}
		fb.InsightType = insights.InsightType(typ)
		fb.UrgencyAtDelivery = insights.Tier(urgency)
		fb.ActionType = insights.ActionType(action)
		fb.Channel = insights.ChannelKind(channel.String)
		fb.SessionID = session.String
		if latency.Valid {
			v := latency.Int64
			fb.LatencyMs = &v
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

// UpsertActionRate writes the rate record keyed "source::type". rate_halved
// never goes back to false.
func (s *Store) UpsertActionRate(ctx context.Context, rec insights.ActionRateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predict_action_rates
		(id, source_id, insight_type, action_rate, observation_count, rate_halved, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			action_rate = excluded.action_rate,
			observation_count = excluded.observation_count,
			rate_halved = MAX(predict_action_rates.rate_halved, excluded.rate_halved),
			last_updated = excluded.last_updated
	`, rec.Key().String(), rec.SourceID, string(rec.InsightType), rec.ActionRate,
		rec.ObservationCount, rec.RateHalved, rec.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert action rate %s: %w", rec.Key(), err)
	}
	return nil
}

// ActionRates returns every rate record.
func (s *Store) ActionRates(ctx context.Context) ([]insights.ActionRateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, insight_type, action_rate, observation_count, rate_halved, last_updated
		FROM predict_action_rates
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query action rates: %w", err)
	}
	defer rows.Close()

	var out []insights.ActionRateRecord
	for rows.Next() {
		var r insights.ActionRateRecord
		var typ string
		if err := rows.Scan(&r.SourceID, &typ, &r.ActionRate, &r.ObservationCount, &r.RateHalved, &r.LastUpdated); err != nil {
			return nil, err
		}
		r.InsightType = insights.InsightType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertFact writes a knowledge fact.
func (s *Store) InsertFact(ctx context.Context, f insights.Fact) error {
	if err := f.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts
		(id, subject, relationship, object, confidence, provenance, source_id, insight_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Subject, f.Relationship, f.Object, f.Confidence, f.Provenance,
		f.SourceID, string(f.InsightType), f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert fact %s: %w", f.ID, err)
	}
	return nil
}

// FactsBySubject returns every fact about subject.
func (s *Store) FactsBySubject(ctx context.Context, subject string) ([]insights.Fact, error) {
	return s.queryFacts(ctx, `WHERE subject = ?`, subject)
}

// LearnedFacts returns every machine-derived fact.
func (s *Store) LearnedFacts(ctx context.Context) ([]insights.Fact, error) {
	return s.queryFacts(ctx, `WHERE provenance = ?`, insights.ProvenanceLearned)
}

// CuratedFacts returns every fact not written by the learner.
func (s *Store) CuratedFacts(ctx context.Context) ([]insights.Fact, error) {
	return s.queryFacts(ctx, `WHERE provenance != ?`, insights.ProvenanceLearned)
}

func (s *Store) queryFacts(ctx context.Context, where string, args ...any) ([]insights.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, relationship, object, confidence, provenance, source_id, insight_type, created_at
		FROM facts `+where+`
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var out []insights.Fact
	for rows.Next() {
		var f insights.Fact
		var sourceID, typ sql.NullString
		if err := rows.Scan(&f.ID, &f.Subject, &f.Relationship, &f.Object, &f.Confidence,
			&f.Provenance, &sourceID, &typ, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.SourceID = sourceID.String
		f.InsightType = insights.InsightType(typ.String)
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
