package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. The full event is kept
// as a JSON document; the query keys are mirrored into indexed columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		ts DATETIME NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		mission_id TEXT NOT NULL DEFAULT '',
		plan_id TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		attempt_id TEXT NOT NULL DEFAULT '',
		document JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_events(job_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_mission ON audit_events(mission_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit event %q not serializable: %w", e.EventID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, ts, category, severity, mission_id, plan_id, job_id, attempt_id, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Timestamp, string(e.Category), string(e.Severity),
		e.MissionID, e.PlanID, e.JobID, e.AttemptID, string(doc))
	return err
}

func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]*Event, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if q.MissionID != "" {
		add("mission_id = ?", q.MissionID)
	}
	if q.PlanID != "" {
		add("plan_id = ?", q.PlanID)
	}
	if q.JobID != "" {
		add("job_id = ?", q.JobID)
	}
	if q.AttemptID != "" {
		add("attempt_id = ?", q.AttemptID)
	}
	if q.Category != "" {
		add("category = ?", string(q.Category))
	}
	if q.Severity != "" {
		add("severity = ?", string(q.Severity))
	}
	if !q.From.IsZero() {
		add("ts >= ?", q.From)
	}
	if !q.To.IsZero() {
		add("ts <= ?", q.To)
	}

	query := "SELECT document FROM audit_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("stored audit event not decodable: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
