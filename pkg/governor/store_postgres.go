package governor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// PostgresDecisionStore implements DecisionStore on Postgres. The decision
// document is stored as JSONB; the job ID and shadow flag are mirrored into
// columns for the hot-path lookup.
type PostgresDecisionStore struct {
	db    *sql.DB
	clock Clock
}

// NewPostgresDecisionStore creates the store and runs migrations.
func NewPostgresDecisionStore(db *sql.DB, clock Clock) (*PostgresDecisionStore, error) {
	if clock == nil {
		clock = wallClock{}
	}
	s := &PostgresDecisionStore{db: db, clock: clock}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresDecisionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS governor_decisions (
		decision_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		shadow_mode BOOLEAN NOT NULL DEFAULT FALSE,
		persisted_at TIMESTAMPTZ NOT NULL,
		document JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_job ON governor_decisions(job_id, persisted_at DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresDecisionStore) Save(ctx context.Context, d *GovernorDecision) error {
	d.PersistedAt = s.clock.Now()
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decision %q not serializable: %w", d.DecisionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governor_decisions (decision_id, job_id, shadow_mode, persisted_at, document)
		VALUES ($1, $2, $3, $4, $5)`,
		d.DecisionID, d.JobID, d.ShadowMode, d.PersistedAt, doc)
	return err
}

func (s *PostgresDecisionStore) ByJob(ctx context.Context, jobID string) (*GovernorDecision, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM governor_decisions
		WHERE job_id = $1 AND shadow_mode = FALSE
		ORDER BY persisted_at DESC LIMIT 1`, jobID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.CodeMissingTraceContext, "no decision persisted for job %q", jobID)
	}
	if err != nil {
		return nil, err
	}
	var d GovernorDecision
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("stored decision not decodable: %w", err)
	}
	return &d, nil
}

func (s *PostgresDecisionStore) List(ctx context.Context, limit int) ([]*GovernorDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM governor_decisions
		ORDER BY persisted_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GovernorDecision
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d GovernorDecision
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("stored decision not decodable: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
