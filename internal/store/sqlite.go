package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/instrument-index/internal/db"
	"github.com/sells-group/instrument-index/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Embeddings are
// stored as JSON arrays.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer avoids SQLITE_BUSY between batch workers.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS instruments (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name_source   TEXT NOT NULL,
	name_variant  TEXT NOT NULL DEFAULT '',
	name_target   TEXT NOT NULL DEFAULT '',
	enriched_text TEXT NOT NULL DEFAULT '',
	embedding     TEXT,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS instrument_history (
	history_id     TEXT PRIMARY KEY,
	instrument_id  INTEGER NOT NULL,
	history_type   TEXT NOT NULL,
	changed_fields TEXT NOT NULL,
	name_target    TEXT NOT NULL,
	enriched_text  TEXT NOT NULL,
	has_embedding  BOOLEAN NOT NULL,
	history_date   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_instrument_history_instrument ON instrument_history(instrument_id);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	params     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	state      TEXT NOT NULL DEFAULT '',
	summary    TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) QueryInstruments(ctx context.Context, f Filter) ([]model.Instrument, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instruments`
	if pred := selectionSQL(f); pred != "" {
		query += ` WHERE ` + pred
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query instruments")
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanSQLiteInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: query instruments iterate")
	}
	return filterIdentity(f, out), nil
}

func (s *SQLiteStore) CountInstruments(ctx context.Context, f Filter) (int, error) {
	if f.Name != nil || f.Variant != nil {
		insts, err := s.QueryInstruments(ctx, f)
		return len(insts), err
	}
	query := `SELECT count(*) FROM instruments`
	if pred := selectionSQL(f); pred != "" {
		query += ` WHERE ` + pred
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count instruments")
	}
	return n, nil
}

func (s *SQLiteStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = ?`, id)
	inst, err := scanSQLiteInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "instrument %d", id)
	}
	return inst, err
}

func (s *SQLiteStore) CreateInstrument(ctx context.Context, inst model.Instrument) (*model.Instrument, error) {
	emb, err := encodeEmbedding(inst.Embedding)
	if err != nil {
		return nil, err
	}
	created := inst
	created.UpdatedAt = time.Now().UTC()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO instruments (name_source, name_variant, name_target, enriched_text, embedding, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			inst.NameSource, inst.NameVariant, inst.NameTarget, inst.EnrichedText, emb, created.UpdatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert instrument")
		}
		if created.ID, err = res.LastInsertId(); err != nil {
			return eris.Wrap(err, "sqlite: last insert id")
		}
		return insertSQLiteHistory(ctx, tx, created, historyCreated, fieldColumns(model.DerivedFields), created.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// BulkWrite implements InstrumentStore.
func (s *SQLiteStore) BulkWrite(ctx context.Context, instruments []model.Instrument, fields []model.Field) error {
	return s.WriteChanges(ctx, uniformChanges(instruments, fields))
}

// WriteChanges implements InstrumentStore.
func (s *SQLiteStore) WriteChanges(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		if err := validateFields(c.Fields); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range changes {
			inst := c.Instrument
			cols := append(fieldColumns(c.Fields), "updated_at")
			args := make([]any, 0, len(cols)+1)
			for _, f := range c.Fields {
				switch f {
				case model.FieldNameTarget:
					args = append(args, inst.NameTarget)
				case model.FieldEnrichedText:
					args = append(args, inst.EnrichedText)
				case model.FieldEmbedding:
					emb, err := encodeEmbedding(inst.Embedding)
					if err != nil {
						return err
					}
					args = append(args, emb)
				}
			}
			query := db.BuildUpdate("instruments", "id", cols, db.Question)
			res, err := tx.ExecContext(ctx, query, append(args, now, inst.ID)...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: bulk write instrument %d", inst.ID)
			}
			if err := checkRowsAffected(res, "instrument", inst.ID); err != nil {
				return err
			}
			if err := insertSQLiteHistory(ctx, tx, inst, historyChanged, fieldColumns(c.Fields), now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func insertSQLiteHistory(ctx context.Context, tx *sql.Tx, inst model.Instrument, kind string, changed []string, at time.Time) error {
	changedJSON, err := json.Marshal(changed)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal changed fields")
	}
	row := historyRow(inst, kind, changed, at)
	row[3] = string(changedJSON)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO instrument_history (`+strings.Join(historyColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row...,
	)
	return eris.Wrapf(err, "sqlite: insert history for instrument %d", inst.ID)
}

// HistoryCount returns the number of audit rows recorded for an instrument.
func (s *SQLiteStore) HistoryCount(ctx context.Context, instrumentID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM instrument_history WHERE instrument_id = ?`, instrumentID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count history")
}

func encodeEmbedding(v []float32) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal embedding")
	}
	return string(b), nil
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, params, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(paramsJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Params:    params,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, state model.JobState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run state %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, summary *model.Summary, runErr string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	status := model.RunStatusComplete
	if runErr != "" {
		status = model.RunStatusFailed
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(status), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "get run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected[K any](res sql.Result, entity string, id K) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %v", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteInstrument(row scannable) (*model.Instrument, error) {
	var inst model.Instrument
	var emb sql.NullString
	err := row.Scan(&inst.ID, &inst.NameSource, &inst.NameVariant, &inst.NameTarget, &inst.EnrichedText, &emb, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan instrument")
	}
	if emb.Valid {
		if err := json.Unmarshal([]byte(emb.String), &inst.Embedding); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal embedding for instrument %d", inst.ID)
		}
	}
	return &inst, nil
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var paramsJSON, state string
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &paramsJSON, &r.Status, &state, &summaryJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.State = model.JobState(state)

	if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal params")
	}
	if summaryJSON.Valid {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}
