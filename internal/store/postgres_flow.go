package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// PostgresFlowStore is a FlowStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib"); the OpenPostgres helper in the root
// package wires that up from a DSN.
type PostgresFlowStore struct {
	db *sql.DB
}

// Ensure PostgresFlowStore implements FlowStore.
var _ FlowStore = (*PostgresFlowStore)(nil)

// NewPostgresFlowStore initializes the required schema in the given database
// and returns a new PostgresFlowStore.
func NewPostgresFlowStore(db *sql.DB) (*PostgresFlowStore, error) {
	s := &PostgresFlowStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresFlowStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL,
			flow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_phase INTEGER NOT NULL,
			completed TEXT NOT NULL,
			progress DOUBLE PRECISION NOT NULL,
			approved BOOLEAN NOT NULL DEFAULT FALSE,
			pause_requested BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			stale BOOLEAN NOT NULL DEFAULT FALSE,
			state BYTEA,
			error_phase TEXT,
			error_message TEXT,
			error_detail BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS phase_executions (
			id BIGSERIAL PRIMARY KEY,
			flow_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_phase_executions_flow_id ON phase_executions(flow_id, id);
	`)
	return err
}

func (s *PostgresFlowStore) SaveFlow(ctx context.Context, f *api.FlowInstance) error {
	state, errDetail, err := encodeFlowBlobs(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, client_id, engagement_id, flow_type, status, current_phase,
			completed, progress, approved, pause_requested, cancel_requested, stale,
			state, error_phase, error_message, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		f.ID, f.Scope.ClientID, f.Scope.EngagementID, f.FlowType, string(f.Status), f.CurrentPhase,
		completedFlags(f.Completed), f.Progress, f.Approved, f.PauseRequested, f.CancelRequested, f.Stale,
		state, errPhase(f), errMessage(f), errDetail,
		f.CreatedAt.UnixNano(), f.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresFlowStore) UpdateFlow(ctx context.Context, f *api.FlowInstance) error {
	return s.updateFlowTx(ctx, s.db, f)
}

func (s *PostgresFlowStore) updateFlowTx(ctx context.Context, db execer, f *api.FlowInstance) error {
	state, errDetail, err := encodeFlowBlobs(f)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE flows
		SET status = $1, current_phase = $2, completed = $3, progress = $4, approved = $5,
			pause_requested = $6, cancel_requested = $7, stale = $8, state = $9,
			error_phase = $10, error_message = $11, error_detail = $12, updated_at = $13
		WHERE id = $14`,
		string(f.Status), f.CurrentPhase, completedFlags(f.Completed), f.Progress, f.Approved,
		f.PauseRequested, f.CancelRequested, f.Stale, state,
		errPhase(f), errMessage(f), errDetail, f.UpdatedAt.UnixNano(),
		f.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *PostgresFlowStore) CommitTransition(ctx context.Context, f *api.FlowInstance, rec api.PhaseExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateFlowTx(ctx, tx, f); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO phase_executions (flow_id, phase, attempt, outcome, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.FlowID, rec.Phase, rec.Attempt, string(rec.Outcome), rec.Error,
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresFlowStore) AppendPhaseExecution(ctx context.Context, rec api.PhaseExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_executions (flow_id, phase, attempt, outcome, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.FlowID, rec.Phase, rec.Attempt, string(rec.Outcome), rec.Error,
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
	)
	return err
}

func (s *PostgresFlowStore) ListPhaseExecutions(ctx context.Context, flowID string) ([]api.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, phase, attempt, outcome, error, started_at, finished_at
		FROM phase_executions
		WHERE flow_id = $1
		ORDER BY id ASC`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.PhaseExecution
	for rows.Next() {
		var (
			rec             api.PhaseExecution
			outcome         string
			startN, finishN int64
		)
		if err := rows.Scan(&rec.FlowID, &rec.Phase, &rec.Attempt, &outcome, &rec.Error, &startN, &finishN); err != nil {
			return nil, err
		}
		rec.Outcome = api.PhaseOutcome(outcome)
		rec.StartedAt = time.Unix(0, startN)
		rec.FinishedAt = time.Unix(0, finishN)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresFlowStore) GetFlow(ctx context.Context, id string) (*api.FlowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
	f, err := scanPostgresFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *PostgresFlowStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*api.FlowInstance, error) {
	query := `SELECT ` + flowColumns + ` FROM flows`
	var args []any
	var clauses []string

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.EngagementID != "" {
		add("engagement_id = $%d", filter.EngagementID)
	}
	if filter.FlowType != "" {
		add("flow_type = $%d", filter.FlowType)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore.UnixNano())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*api.FlowInstance
	for rows.Next() {
		f, err := scanPostgresFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// scanPostgresFlow differs from scanFlow only in boolean handling: the
// Postgres driver returns bool, SQLite returns 0/1 integers.
func scanPostgresFlow(row rowScanner) (*api.FlowInstance, error) {
	var (
		f                                 api.FlowInstance
		status, completed                 string
		approved, paused, canceled, stale bool
		state, errDetail                  []byte
		errPhase, errMsg                  sql.NullString
		createdN, updatedN                int64
	)
	if err := row.Scan(&f.ID, &f.Scope.ClientID, &f.Scope.EngagementID, &f.FlowType, &status, &f.CurrentPhase,
		&completed, &f.Progress, &approved, &paused, &canceled, &stale,
		&state, &errPhase, &errMsg, &errDetail, &createdN, &updatedN); err != nil {
		return nil, err
	}

	f.Status = api.FlowStatus(status)
	f.Completed = parseCompletedFlags(completed)
	f.Approved = approved
	f.Stale = stale
	f.PauseRequested = paused
	f.CancelRequested = canceled
	f.CreatedAt = time.Unix(0, createdN)
	f.UpdatedAt = time.Unix(0, updatedN)

	stateVal, err := DecodeAny(state)
	if err != nil {
		return nil, err
	}
	f.State = stateVal

	if errMsg.Valid && errMsg.String != "" {
		detail, err := DecodeConcrete[map[string]any](errDetail)
		if err != nil {
			return nil, err
		}
		f.LastError = &api.ErrorState{
			Phase:   errPhase.String,
			Message: errMsg.String,
			Detail:  detail,
		}
	}
	return &f, nil
}
