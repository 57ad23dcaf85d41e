package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// SQLitePatternStore is a PatternStore backed by SQLite.
type SQLitePatternStore struct {
	db *sql.DB
}

var _ PatternStore = (*SQLitePatternStore)(nil)

// NewSQLitePatternStore initializes the schema and returns a new store.
func NewSQLitePatternStore(db *sql.DB) (*SQLitePatternStore, error) {
	s := &SQLitePatternStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLitePatternStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mapping_patterns (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			engagement_id TEXT NOT NULL DEFAULT '',
			source_pattern TEXT NOT NULL,
			target_field TEXT NOT NULL,
			confidence REAL NOT NULL,
			usage INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			examples TEXT NOT NULL DEFAULT '',
			last_used INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_visibility ON mapping_patterns(scope, client_id, engagement_id);
	`)
	return err
}

func (s *SQLitePatternStore) SavePattern(ctx context.Context, p *api.MappingPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mapping_patterns (id, scope, client_id, engagement_id, source_pattern,
			target_field, confidence, usage, successes, failures, examples, last_used, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Scope), p.ClientID, p.EngagementID, p.SourcePattern,
		p.TargetField, p.Confidence, p.Usage, p.Successes, p.Failures,
		strings.Join(p.Examples, "\n"), p.LastUsed.UnixNano(), boolInt(p.Active))
	return err
}

func (s *SQLitePatternStore) UpdatePattern(ctx context.Context, p *api.MappingPattern) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mapping_patterns
		SET scope = ?, client_id = ?, engagement_id = ?, source_pattern = ?, target_field = ?,
			confidence = ?, usage = ?, successes = ?, failures = ?, examples = ?, last_used = ?, active = ?
		WHERE id = ?`,
		string(p.Scope), p.ClientID, p.EngagementID, p.SourcePattern, p.TargetField,
		p.Confidence, p.Usage, p.Successes, p.Failures,
		strings.Join(p.Examples, "\n"), p.LastUsed.UnixNano(), boolInt(p.Active),
		p.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPatternNotFound
	}
	return nil
}

const patternColumns = `id, scope, client_id, engagement_id, source_pattern, target_field,
	confidence, usage, successes, failures, examples, last_used, active`

func scanPattern(row rowScanner) (*api.MappingPattern, error) {
	var (
		p         api.MappingPattern
		scope     string
		examples  string
		lastUsedN int64
		active    int
	)
	if err := row.Scan(&p.ID, &scope, &p.ClientID, &p.EngagementID, &p.SourcePattern, &p.TargetField,
		&p.Confidence, &p.Usage, &p.Successes, &p.Failures, &examples, &lastUsedN, &active); err != nil {
		return nil, err
	}
	p.Scope = api.PatternScope(scope)
	if examples != "" {
		p.Examples = strings.Split(examples, "\n")
	}
	p.LastUsed = time.Unix(0, lastUsedN)
	p.Active = active != 0
	return &p, nil
}

func (s *SQLitePatternStore) GetPattern(ctx context.Context, id string) (*api.MappingPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM mapping_patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPatternNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLitePatternStore) ListVisible(ctx context.Context, scope api.TenantScope) ([]*api.MappingPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+patternColumns+` FROM mapping_patterns
		WHERE scope = ?
			OR (scope = ? AND client_id = ?)
			OR (scope = ? AND client_id = ? AND engagement_id = ?)`,
		string(api.ScopeGlobal),
		string(api.ScopeTenant), scope.ClientID,
		string(api.ScopeEngagement), scope.ClientID, scope.EngagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.MappingPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLitePatternStore) FindPattern(ctx context.Context, scope api.TenantScope, level api.PatternScope, sourcePattern, targetField string) (*api.MappingPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM mapping_patterns
		WHERE scope = ? AND source_pattern = ? AND target_field = ?`
	args := []any{string(level), sourcePattern, targetField}

	switch level {
	case api.ScopeTenant:
		query += ` AND client_id = ?`
		args = append(args, scope.ClientID)
	case api.ScopeEngagement:
		query += ` AND client_id = ? AND engagement_id = ?`
		args = append(args, scope.ClientID, scope.EngagementID)
	}
	query += ` LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPatternNotFound
		}
		return nil, err
	}
	return p, nil
}
