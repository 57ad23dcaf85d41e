package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// SQLiteConflictStore is a ConflictStore backed by SQLite.
type SQLiteConflictStore struct {
	db *sql.DB
}

var _ ConflictStore = (*SQLiteConflictStore)(nil)

// NewSQLiteConflictStore initializes the schema and returns a new store.
func NewSQLiteConflictStore(db *sql.DB) (*SQLiteConflictStore, error) {
	s := &SQLiteConflictStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteConflictStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL,
			flow_id TEXT NOT NULL DEFAULT '',
			attribute TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			severity_rank INTEGER NOT NULL,
			existing_value BLOB,
			existing_source TEXT NOT NULL DEFAULT '',
			incoming_value BLOB,
			incoming_source TEXT NOT NULL DEFAULT '',
			resolved INTEGER NOT NULL DEFAULT 0,
			resolution_kind TEXT,
			resolution_value BLOB,
			resolution_actor TEXT,
			resolved_at INTEGER,
			detected_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(client_id, engagement_id, resolved, severity_rank, detected_at);
	`)
	return err
}

func (s *SQLiteConflictStore) SaveConflict(ctx context.Context, c *api.ConflictRecord) error {
	existing, err := EncodeValue(c.Existing.Value)
	if err != nil {
		return err
	}
	incoming, err := EncodeValue(c.Incoming.Value)
	if err != nil {
		return err
	}

	var (
		resKind, resActor sql.NullString
		resValue          []byte
		resolvedAt        sql.NullInt64
	)
	if c.Resolution != nil {
		resKind = sql.NullString{String: string(c.Resolution.Kind), Valid: true}
		resActor = sql.NullString{String: c.Resolution.Actor, Valid: true}
		resolvedAt = sql.NullInt64{Int64: c.Resolution.At.UnixNano(), Valid: true}
		resValue, err = EncodeValue(c.Resolution.ChosenValue)
		if err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, asset_id, client_id, engagement_id, flow_id, attribute,
			type, severity, severity_rank, existing_value, existing_source,
			incoming_value, incoming_source, resolved, resolution_kind, resolution_value,
			resolution_actor, resolved_at, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AssetID, c.Scope.ClientID, c.Scope.EngagementID, c.FlowID, c.Attribute,
		string(c.Type), string(c.Severity), c.Severity.Rank(), existing, c.Existing.SourceID,
		incoming, c.Incoming.SourceID, boolInt(c.Resolved), resKind, resValue,
		resActor, resolvedAt, c.DetectedAt.UnixNano(),
	)
	return err
}

const conflictColumns = `id, asset_id, client_id, engagement_id, flow_id, attribute,
	type, severity, existing_value, existing_source, incoming_value, incoming_source,
	resolved, resolution_kind, resolution_value, resolution_actor, resolved_at, detected_at`

func scanConflict(row rowScanner) (*api.ConflictRecord, error) {
	var (
		c                  api.ConflictRecord
		typ, severity      string
		existing, incoming []byte
		resolved           int
		resKind, resActor  sql.NullString
		resValue           []byte
		resolvedAt         sql.NullInt64
		detectedN          int64
	)
	if err := row.Scan(&c.ID, &c.AssetID, &c.Scope.ClientID, &c.Scope.EngagementID, &c.FlowID, &c.Attribute,
		&typ, &severity, &existing, &c.Existing.SourceID, &incoming, &c.Incoming.SourceID,
		&resolved, &resKind, &resValue, &resActor, &resolvedAt, &detectedN); err != nil {
		return nil, err
	}

	c.Type = api.ConflictType(typ)
	c.Severity = api.Severity(severity)
	c.Resolved = resolved != 0
	c.DetectedAt = time.Unix(0, detectedN)

	var err error
	if c.Existing.Value, err = DecodeAny(existing); err != nil {
		return nil, err
	}
	if c.Incoming.Value, err = DecodeAny(incoming); err != nil {
		return nil, err
	}
	if resKind.Valid {
		chosen, err := DecodeAny(resValue)
		if err != nil {
			return nil, err
		}
		c.Resolution = &api.ResolutionDetail{
			Kind:        api.ResolutionKind(resKind.String),
			ChosenValue: chosen,
			Actor:       resActor.String,
			At:          time.Unix(0, resolvedAt.Int64),
		}
	}
	return &c, nil
}

func (s *SQLiteConflictStore) GetConflict(ctx context.Context, id string) (*api.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *SQLiteConflictStore) ListOpenConflicts(ctx context.Context, scope api.TenantScope, flowID string) ([]*api.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts
		WHERE client_id = ? AND engagement_id = ? AND resolved = 0`
	args := []any{scope.ClientID, scope.EngagementID}
	if flowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY severity_rank DESC, detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteConflictStore) ResolveConflict(ctx context.Context, id string, detail api.ResolutionDetail) error {
	chosen, err := EncodeValue(detail.ChosenValue)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET resolved = 1, resolution_kind = ?, resolution_value = ?, resolution_actor = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		string(detail.Kind), chosen, detail.Actor, detail.At.UnixNano(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrConflictNotFound
		}
		return ErrConflictResolved
	}
	return nil
}

// SQLiteSourceStore is a SourceStore backed by SQLite.
type SQLiteSourceStore struct {
	db *sql.DB
}

var _ SourceStore = (*SQLiteSourceStore)(nil)

// NewSQLiteSourceStore initializes the schema and returns a new store.
func NewSQLiteSourceStore(db *sql.DB) (*SQLiteSourceStore, error) {
	s := &SQLiteSourceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSourceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS data_sources (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			reliability REAL NOT NULL,
			authoritative_for TEXT NOT NULL DEFAULT '',
			ingests INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0,
			overridden INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *SQLiteSourceStore) SaveSource(ctx context.Context, src *api.DataSource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, type, reliability, authoritative_for, ingests, accepted, overridden)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Type, src.Reliability, strings.Join(src.AuthoritativeFor, ","),
		src.Ingests, src.Accepted, src.Overridden)
	return err
}

func (s *SQLiteSourceStore) GetSource(ctx context.Context, id string) (*api.DataSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, reliability, authoritative_for, ingests, accepted, overridden
		FROM data_sources WHERE id = ?`, id)

	var (
		src   api.DataSource
		authf string
	)
	if err := row.Scan(&src.ID, &src.Type, &src.Reliability, &authf, &src.Ingests, &src.Accepted, &src.Overridden); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	if authf != "" {
		src.AuthoritativeFor = strings.Split(authf, ",")
	}
	return &src, nil
}

func (s *SQLiteSourceStore) UpdateSource(ctx context.Context, src *api.DataSource) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_sources
		SET type = ?, reliability = ?, authoritative_for = ?, ingests = ?, accepted = ?, overridden = ?
		WHERE id = ?`,
		src.Type, src.Reliability, strings.Join(src.AuthoritativeFor, ","),
		src.Ingests, src.Accepted, src.Overridden, src.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSourceNotFound
	}
	return nil
}
