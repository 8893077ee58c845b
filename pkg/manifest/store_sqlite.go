package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. The full manifest is
// stored as a JSON document; lifecycle flags are mirrored into columns so
// the active/shadow queries stay indexable.
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
	CREATE TABLE IF NOT EXISTS manifests (
		version TEXT PRIMARY KEY,
		manifest_id TEXT NOT NULL,
		hash_self TEXT NOT NULL,
		hash_prev TEXT NOT NULL DEFAULT '',
		shadow_mode INTEGER NOT NULL DEFAULT 0,
		effective_at DATETIME,
		created_at DATETIME NOT NULL,
		document JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_manifests_hash_self ON manifests(hash_self);
	CREATE INDEX IF NOT EXISTS idx_manifests_created_at ON manifests(created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest %q not serializable: %w", m.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifests (version, manifest_id, hash_self, hash_prev, shadow_mode, effective_at, created_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Version, m.ManifestID, m.HashSelf, m.HashPrev, boolToInt(m.ShadowMode), m.EffectiveAt, m.CreatedAt, string(doc))
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, version string) (*Manifest, error) {
	return s.queryOne(ctx, `SELECT document FROM manifests WHERE version = ?`, version)
}

func (s *SQLiteStore) ByHash(ctx context.Context, hashSelf string) (*Manifest, error) {
	return s.queryOne(ctx, `SELECT document FROM manifests WHERE hash_self = ? LIMIT 1`, hashSelf)
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Manifest, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM manifests ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManifests(rows)
}

func (s *SQLiteStore) Update(ctx context.Context, m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest %q not serializable: %w", m.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE manifests SET shadow_mode = ?, effective_at = ?, document = ?
		WHERE version = ?`,
		boolToInt(m.ShadowMode), m.EffectiveAt, string(doc), m.Version)
	return err
}

func (s *SQLiteStore) Active(ctx context.Context) (*Manifest, error) {
	return s.queryOne(ctx,
		`SELECT document FROM manifests WHERE shadow_mode = 0 AND effective_at IS NOT NULL LIMIT 1`)
}

func (s *SQLiteStore) Shadows(ctx context.Context) ([]*Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM manifests WHERE shadow_mode = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManifests(rows)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*Manifest, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("stored manifest not decodable: %w", err)
	}
	m.SortRules()
	return &m, nil
}

func scanManifests(rows *sql.Rows) ([]*Manifest, error) {
	var out []*Manifest
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, fmt.Errorf("stored manifest not decodable: %w", err)
		}
		m.SortRules()
		out = append(out, &m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
