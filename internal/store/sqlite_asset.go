package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// SQLiteAssetStore is an AssetStore backed by SQLite.
//
// CommitMerge runs the asset update and the version insert in one
// transaction and guards version monotonicity with the WHERE version clause.
type SQLiteAssetStore struct {
	db *sql.DB
}

// Ensure SQLiteAssetStore implements AssetStore.
var _ AssetStore = (*SQLiteAssetStore)(nil)

// NewSQLiteAssetStore initializes the required schema in the given database
// and returns a new SQLiteAssetStore.
func NewSQLiteAssetStore(db *sql.DB) (*SQLiteAssetStore, error) {
	s := &SQLiteAssetStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAssetStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL,
			asset_type TEXT NOT NULL,
			identifier TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			attributes BLOB,
			confidence REAL NOT NULL,
			version INTEGER NOT NULL,
			lifecycle TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_assets_tenant ON assets(client_id, engagement_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_identifier
			ON assets(client_id, engagement_id, identifier) WHERE identifier != '';
		CREATE TABLE IF NOT EXISTS asset_versions (
			asset_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			changes BLOB,
			source_id TEXT NOT NULL DEFAULT '',
			import_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			PRIMARY KEY (asset_id, version)
		);
	`)
	return err
}

func (s *SQLiteAssetStore) CreateAsset(ctx context.Context, a *api.Asset, v api.AssetVersion) error {
	attrs, err := EncodeConcrete(a.Attributes)
	if err != nil {
		return err
	}
	changes, err := EncodeConcrete(v.Changes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The unique identifier index enforces this; the explicit check maps
	// the violation to a stable sentinel instead of a driver error.
	if a.Identifier != "" {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM assets
			WHERE client_id = ? AND engagement_id = ? AND identifier = ?`,
			a.Scope.ClientID, a.Scope.EngagementID, a.Identifier).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateAsset
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO assets (id, client_id, engagement_id, asset_type, identifier, name,
			attributes, confidence, version, lifecycle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Scope.ClientID, a.Scope.EngagementID, a.Type, a.Identifier, a.Name,
		attrs, a.Confidence, a.Version, string(a.Lifecycle),
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO asset_versions (asset_id, version, changes, source_id, import_id, actor, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.AssetID, v.Version, changes, v.SourceID, v.ImportID, v.Actor, v.At.UnixNano(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteAssetStore) CommitMerge(ctx context.Context, a *api.Asset, v api.AssetVersion) error {
	attrs, err := EncodeConcrete(a.Attributes)
	if err != nil {
		return err
	}
	changes, err := EncodeConcrete(v.Changes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE assets
		SET asset_type = ?, identifier = ?, name = ?, attributes = ?, confidence = ?,
			version = ?, lifecycle = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.Type, a.Identifier, a.Name, attrs, a.Confidence,
		a.Version, string(a.Lifecycle), a.UpdatedAt.UnixNano(),
		a.ID, v.Version-1,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the asset is gone or someone else committed first.
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets WHERE id = ?`, a.ID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrAssetNotFound
		}
		return ErrStaleVersion
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO asset_versions (asset_id, version, changes, source_id, import_id, actor, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.AssetID, v.Version, changes, v.SourceID, v.ImportID, v.Actor, v.At.UnixNano(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

const assetColumns = `id, client_id, engagement_id, asset_type, identifier, name,
	attributes, confidence, version, lifecycle, created_at, updated_at`

func scanAsset(row rowScanner) (*api.Asset, error) {
	var (
		a                  api.Asset
		attrs              []byte
		lifecycle          string
		createdN, updatedN int64
	)
	if err := row.Scan(&a.ID, &a.Scope.ClientID, &a.Scope.EngagementID, &a.Type, &a.Identifier, &a.Name,
		&attrs, &a.Confidence, &a.Version, &lifecycle, &createdN, &updatedN); err != nil {
		return nil, err
	}

	attributes, err := DecodeConcrete[map[string]api.Attribute](attrs)
	if err != nil {
		return nil, err
	}
	if attributes == nil {
		attributes = make(map[string]api.Attribute)
	}
	a.Attributes = attributes
	a.Lifecycle = api.AssetLifecycle(lifecycle)
	a.CreatedAt = time.Unix(0, createdN)
	a.UpdatedAt = time.Unix(0, updatedN)
	return &a, nil
}

func (s *SQLiteAssetStore) GetAsset(ctx context.Context, scope api.TenantScope, id string) (*api.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE id = ? AND client_id = ? AND engagement_id = ?`,
		id, scope.ClientID, scope.EngagementID)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *SQLiteAssetStore) FindByIdentifier(ctx context.Context, scope api.TenantScope, identifier string) (*api.Asset, error) {
	if identifier == "" {
		return nil, ErrAssetNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE client_id = ? AND engagement_id = ? AND identifier = ?
		LIMIT 1`,
		scope.ClientID, scope.EngagementID, identifier)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *SQLiteAssetStore) FindByNameType(ctx context.Context, scope api.TenantScope, name, assetType string) (*api.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE client_id = ? AND engagement_id = ? AND name = ? AND asset_type = ?
		LIMIT 1`,
		scope.ClientID, scope.EngagementID, name, assetType)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *SQLiteAssetStore) ListAssets(ctx context.Context, scope api.TenantScope) ([]*api.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE client_id = ? AND engagement_id = ?`,
		scope.ClientID, scope.EngagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*api.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *SQLiteAssetStore) ListVersions(ctx context.Context, assetID string) ([]api.AssetVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, version, changes, source_id, import_id, actor, at
		FROM asset_versions
		WHERE asset_id = ?
		ORDER BY version ASC`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.AssetVersion
	for rows.Next() {
		var (
			v       api.AssetVersion
			changes []byte
			atN     int64
		)
		if err := rows.Scan(&v.AssetID, &v.Version, &changes, &v.SourceID, &v.ImportID, &v.Actor, &atN); err != nil {
			return nil, err
		}
		decoded, err := DecodeConcrete[[]api.FieldChange](changes)
		if err != nil {
			return nil, err
		}
		v.Changes = decoded
		v.At = time.Unix(0, atN)
		out = append(out, v)
	}
	return out, rows.Err()
}
