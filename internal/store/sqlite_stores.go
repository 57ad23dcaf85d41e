package store

import (
	"database/sql"
)

// NewSQLiteStores initializes every SQLite-backed store on the given
// database and returns the assembled bundle.
func NewSQLiteStores(db *sql.DB) (Stores, error) {
	flows, err := NewSQLiteFlowStore(db)
	if err != nil {
		return Stores{}, err
	}
	assets, err := NewSQLiteAssetStore(db)
	if err != nil {
		return Stores{}, err
	}
	conflicts, err := NewSQLiteConflictStore(db)
	if err != nil {
		return Stores{}, err
	}
	sources, err := NewSQLiteSourceStore(db)
	if err != nil {
		return Stores{}, err
	}
	patterns, err := NewSQLitePatternStore(db)
	if err != nil {
		return Stores{}, err
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		return Stores{}, err
	}
	return Stores{
		Flows:     flows,
		Assets:    assets,
		Conflicts: conflicts,
		Sources:   sources,
		Patterns:  patterns,
		Events:    events,
	}, nil
}
