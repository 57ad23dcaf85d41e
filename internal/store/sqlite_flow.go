package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

// SQLiteFlowStore is a FlowStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteFlowStore struct {
	db *sql.DB
}

// Ensure SQLiteFlowStore implements FlowStore.
var _ FlowStore = (*SQLiteFlowStore)(nil)

// NewSQLiteFlowStore initializes the required schema in the given database
// and returns a new SQLiteFlowStore.
func NewSQLiteFlowStore(db *sql.DB) (*SQLiteFlowStore, error) {
	s := &SQLiteFlowStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFlowStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL,
			flow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_phase INTEGER NOT NULL,
			completed TEXT NOT NULL,
			progress REAL NOT NULL,
			approved INTEGER NOT NULL DEFAULT 0,
			pause_requested INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			stale INTEGER NOT NULL DEFAULT 0,
			state BLOB,
			error_phase TEXT,
			error_message TEXT,
			error_detail BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS phase_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_phase_executions_flow_id ON phase_executions(flow_id, id);
	`)
	return err
}

// completedFlags encodes the per-phase flags as a string of '0'/'1'.
func completedFlags(flags []bool) string {
	var b strings.Builder
	for _, f := range flags {
		if f {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func parseCompletedFlags(s string) []bool {
	flags := make([]bool, len(s))
	for i := range s {
		flags[i] = s[i] == '1'
	}
	return flags
}

func (s *SQLiteFlowStore) SaveFlow(ctx context.Context, f *api.FlowInstance) error {
	state, errDetail, err := encodeFlowBlobs(f)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, client_id, engagement_id, flow_type, status, current_phase,
			completed, progress, approved, pause_requested, cancel_requested, stale,
			state, error_phase, error_message, error_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Scope.ClientID, f.Scope.EngagementID, f.FlowType, string(f.Status), f.CurrentPhase,
		completedFlags(f.Completed), f.Progress, boolInt(f.Approved), boolInt(f.PauseRequested), boolInt(f.CancelRequested), boolInt(f.Stale),
		state, errPhase(f), errMessage(f), errDetail,
		f.CreatedAt.UnixNano(), f.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteFlowStore) UpdateFlow(ctx context.Context, f *api.FlowInstance) error {
	return s.updateFlowTx(ctx, s.db, f)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteFlowStore) updateFlowTx(ctx context.Context, db execer, f *api.FlowInstance) error {
	state, errDetail, err := encodeFlowBlobs(f)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE flows
		SET status = ?, current_phase = ?, completed = ?, progress = ?, approved = ?,
			pause_requested = ?, cancel_requested = ?, stale = ?, state = ?,
			error_phase = ?, error_message = ?, error_detail = ?, updated_at = ?
		WHERE id = ?`,
		string(f.Status), f.CurrentPhase, completedFlags(f.Completed), f.Progress, boolInt(f.Approved),
		boolInt(f.PauseRequested), boolInt(f.CancelRequested), boolInt(f.Stale), state,
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

func (s *SQLiteFlowStore) CommitTransition(ctx context.Context, f *api.FlowInstance, rec api.PhaseExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateFlowTx(ctx, tx, f); err != nil {
		return err
	}
	if err := appendExecutionTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func appendExecutionTx(ctx context.Context, db execer, rec api.PhaseExecution) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO phase_executions (flow_id, phase, attempt, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.FlowID, rec.Phase, rec.Attempt, string(rec.Outcome), rec.Error,
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteFlowStore) AppendPhaseExecution(ctx context.Context, rec api.PhaseExecution) error {
	return appendExecutionTx(ctx, s.db, rec)
}

func (s *SQLiteFlowStore) ListPhaseExecutions(ctx context.Context, flowID string) ([]api.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, phase, attempt, outcome, error, started_at, finished_at
		FROM phase_executions
		WHERE flow_id = ?
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

const flowColumns = `id, client_id, engagement_id, flow_type, status, current_phase,
	completed, progress, approved, pause_requested, cancel_requested, stale,
	state, error_phase, error_message, error_detail, created_at, updated_at`

func (s *SQLiteFlowStore) GetFlow(ctx context.Context, id string) (*api.FlowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *SQLiteFlowStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*api.FlowInstance, error) {
	query := `SELECT ` + flowColumns + ` FROM flows`
	var args []any
	var clauses []string

	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.EngagementID != "" {
		clauses = append(clauses, "engagement_id = ?")
		args = append(args, filter.EngagementID)
	}
	if filter.FlowType != "" {
		clauses = append(clauses, "flow_type = ?")
		args = append(args, filter.FlowType)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixNano())
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
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*api.FlowInstance, error) {
	var (
		f                                 api.FlowInstance
		status, completed                 string
		approved, paused, canceled, stale int
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
	f.Approved = approved != 0
	f.PauseRequested = paused != 0
	f.CancelRequested = canceled != 0
	f.Stale = stale != 0
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

func encodeFlowBlobs(f *api.FlowInstance) (state, errDetail []byte, err error) {
	state, err = EncodeValue(f.State)
	if err != nil {
		return nil, nil, err
	}
	if f.LastError != nil && f.LastError.Detail != nil {
		errDetail, err = EncodeConcrete(f.LastError.Detail)
		if err != nil {
			return nil, nil, err
		}
	}
	return state, errDetail, nil
}

func errPhase(f *api.FlowInstance) string {
	if f.LastError == nil {
		return ""
	}
	return f.LastError.Phase
}

func errMessage(f *api.FlowInstance) string {
	if f.LastError == nil {
		return ""
	}
	return f.LastError.Message
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
