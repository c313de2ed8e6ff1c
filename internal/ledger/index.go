package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/optimization"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	status      TEXT NOT NULL,
	stage       TEXT,
	reason      TEXT,
	kge_loss    REAL NOT NULL,
	logkge_loss REAL NOT NULL,
	fdc_rmse    REAL NOT NULL,
	parameters  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_status ON runs(status);
`

// Status values stored in the index.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Objective selects the column Best orders by.
type Objective int

const (
	ObjectiveKGE Objective = iota
	ObjectiveLogKGE
	ObjectiveFDCRMSE
)

var objectiveColumn = map[Objective]string{
	ObjectiveKGE:     "kge_loss",
	ObjectiveLogKGE:  "logkge_loss",
	ObjectiveFDCRMSE: "fdc_rmse",
}

// ParseObjective maps "kge", "logkge" or "rmse" to an Objective.
func ParseObjective(s string) (Objective, error) {
	switch s {
	case "kge", "1-KGE":
		return ObjectiveKGE, nil
	case "logkge", "1-LogKGE":
		return ObjectiveLogKGE, nil
	case "rmse", "fdc", "RMSE":
		return ObjectiveFDCRMSE, nil
	}
	return 0, fmt.Errorf("unknown objective %q (want kge, logkge or rmse)", s)
}

// Index is a queryable SQLite mirror of the ledger.
type Index struct {
	db *sql.DB
}

// OpenIndex opens the database at path (":memory:" works) and creates the
// schema.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "ledger", "OpenIndex", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, apperr.E(apperr.KindConfiguration, "ledger", "OpenIndex", err)
		}
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Insert stores one record. Re-inserting a run id replaces it, so importing
// a ledger twice is harmless.
func (x *Index) Insert(ctx context.Context, rec RunRecord) error {
	if len(rec.Objectives) != optimization.NumObjectives {
		return apperr.E(apperr.KindLedger, "ledger", "Insert",
			fmt.Errorf("record has %d objectives", len(rec.Objectives)))
	}
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return apperr.E(apperr.KindLedger, "ledger", "Insert", err)
	}

	status := StatusOK
	if rec.Failed {
		status = StatusFailed
	}

	_, err = x.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, created_at, status, stage, reason, kge_loss, logkge_loss, fdc_rmse, parameters)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   created_at = excluded.created_at, status = excluded.status, stage = excluded.stage,
		   reason = excluded.reason, kge_loss = excluded.kge_loss, logkge_loss = excluded.logkge_loss,
		   fdc_rmse = excluded.fdc_rmse, parameters = excluded.parameters`,
		rec.RunID, rec.Timestamp.UTC().Format(time.RFC3339Nano), status, rec.Stage, rec.Reason,
		rec.Objectives[0], rec.Objectives[1], rec.Objectives[2], string(params),
	)
	if err != nil {
		return apperr.E(apperr.KindLedger, "ledger", "Insert", err)
	}
	return nil
}

// Import inserts records in one transaction. Run ids already indexed are
// kept as they are: records read back from the CSV ledger carry no failure
// stage or reason, so they must not overwrite rows written by Insert.
func (x *Index) Import(ctx context.Context, records []RunRecord) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.E(apperr.KindLedger, "ledger", "Import", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO runs (run_id, created_at, status, stage, reason, kge_loss, logkge_loss, fdc_rmse, parameters)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`)
	if err != nil {
		return apperr.E(apperr.KindLedger, "ledger", "Import", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		params, err := json.Marshal(rec.Parameters)
		if err != nil {
			return apperr.E(apperr.KindLedger, "ledger", "Import", err)
		}
		status := StatusOK
		if rec.Failed {
			status = StatusFailed
		}
		if _, err := stmt.ExecContext(ctx, rec.RunID, rec.Timestamp.UTC().Format(time.RFC3339Nano), status,
			rec.Stage, rec.Reason, rec.Objectives[0], rec.Objectives[1], rec.Objectives[2], string(params)); err != nil {
			return apperr.E(apperr.KindLedger, "ledger", "Import", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.E(apperr.KindLedger, "ledger", "Import", err)
	}
	return nil
}

// Counts returns the number of indexed runs and how many failed.
func (x *Index) Counts(ctx context.Context) (total, failed int, err error) {
	err = x.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM runs`,
		StatusFailed).Scan(&total, &failed)
	if err != nil {
		return 0, 0, apperr.E(apperr.KindLedger, "ledger", "Counts", err)
	}
	return total, failed, nil
}

// Best returns up to limit successful runs ordered by the chosen objective,
// best first. Ties are broken by run id.
func (x *Index) Best(ctx context.Context, obj Objective, limit int) ([]RunRecord, error) {
	col, ok := objectiveColumn[obj]
	if !ok {
		return nil, fmt.Errorf("unknown objective %d", obj)
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT run_id, created_at, status, stage, reason, kge_loss, logkge_loss, fdc_rmse, parameters
		 FROM runs WHERE status = ? ORDER BY `+col+` ASC, run_id ASC LIMIT ?`,
		StatusOK, limit)
	if err != nil {
		return nil, apperr.E(apperr.KindLedger, "ledger", "Best", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec            RunRecord
			created        string
			status         string
			stage, reason  sql.NullString
			k, lk, rmse    float64
			parametersJSON string
		)
		if err := rows.Scan(&rec.RunID, &created, &status, &stage, &reason, &k, &lk, &rmse, &parametersJSON); err != nil {
			return nil, apperr.E(apperr.KindLedger, "ledger", "Best", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, apperr.E(apperr.KindLedger, "ledger", "Best", err)
		}
		if err := json.Unmarshal([]byte(parametersJSON), &rec.Parameters); err != nil {
			return nil, apperr.E(apperr.KindLedger, "ledger", "Best", err)
		}
		rec.Failed = status == StatusFailed
		rec.Stage, rec.Reason = stage.String, reason.String
		rec.Objectives = optimization.ObjectiveVector{k, lk, rmse}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.KindLedger, "ledger", "Best", err)
	}
	return out, nil
}
