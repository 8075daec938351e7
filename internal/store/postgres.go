package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/db"
	"github.com/sells-group/instrument-index/internal/model"
)

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. Every new
// connection ensures the vector extension exists and registers its codec.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return eris.Wrap(err, "postgres: create vector extension")
		}
		return eris.Wrap(pgxvec.RegisterTypes(ctx, conn), "postgres: register vector types")
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS instruments (
	id            BIGSERIAL PRIMARY KEY,
	name_source   TEXT NOT NULL,
	name_variant  TEXT NOT NULL DEFAULT '',
	name_target   TEXT NOT NULL DEFAULT '',
	enriched_text TEXT NOT NULL DEFAULT '',
	embedding     vector,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_instruments_identity
	ON instruments (lower(btrim(name_source)), lower(btrim(name_variant)));

CREATE TABLE IF NOT EXISTS instrument_history (
	history_id     TEXT PRIMARY KEY,
	instrument_id  BIGINT NOT NULL,
	history_type   TEXT NOT NULL,
	changed_fields TEXT[] NOT NULL,
	name_target    TEXT NOT NULL,
	enriched_text  TEXT NOT NULL,
	has_embedding  BOOLEAN NOT NULL,
	history_date   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_instrument_history_instrument ON instrument_history(instrument_id);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	params     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	state      TEXT NOT NULL DEFAULT '',
	summary    JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const instrumentColumns = `id, name_source, name_variant, name_target, enriched_text, embedding, updated_at`

func (s *PostgresStore) where(f Filter) (string, []any) {
	var conds []string
	var args []any
	if pred := selectionSQL(f); pred != "" {
		conds = append(conds, pred)
	}
	// Narrow in SQL; exact normalization happens in filterIdentity.
	if f.Name != nil {
		args = append(args, strings.TrimSpace(*f.Name))
		conds = append(conds, fmt.Sprintf("lower(btrim(name_source)) = lower($%d)", len(args)))
	}
	if f.Variant != nil {
		args = append(args, strings.TrimSpace(*f.Variant))
		conds = append(conds, fmt.Sprintf("lower(btrim(name_variant)) = lower($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) QueryInstruments(ctx context.Context, f Filter) ([]model.Instrument, error) {
	where, args := s.where(f)
	rows, err := s.pool.Query(ctx, `SELECT `+instrumentColumns+` FROM instruments`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query instruments")
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanPostgresInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: query instruments iterate")
	}
	return filterIdentity(f, out), nil
}

func (s *PostgresStore) CountInstruments(ctx context.Context, f Filter) (int, error) {
	if f.Name != nil || f.Variant != nil {
		insts, err := s.QueryInstruments(ctx, f)
		return len(insts), err
	}
	where, args := s.where(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM instruments`+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count instruments")
	}
	return n, nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id)
	inst, err := scanPostgresInstrument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "instrument %d", id)
	}
	return inst, err
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst model.Instrument) (*model.Instrument, error) {
	created := inst
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO instruments (name_source, name_variant, name_target, enriched_text, embedding, updated_at)
			 VALUES ($1, $2, $3, $4, $5, now()) RETURNING id, updated_at`,
			inst.NameSource, inst.NameVariant, inst.NameTarget, inst.EnrichedText, toVector(inst.Embedding),
		).Scan(&created.ID, &created.UpdatedAt)
		if err != nil {
			return eris.Wrap(err, "postgres: insert instrument")
		}
		_, err = db.CopyFrom(ctx, tx, "instrument_history", historyColumns,
			[][]any{historyRow(created, historyCreated, fieldColumns(model.DerivedFields), created.UpdatedAt)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// BulkWrite implements InstrumentStore.
func (s *PostgresStore) BulkWrite(ctx context.Context, instruments []model.Instrument, fields []model.Field) error {
	return s.WriteChanges(ctx, uniformChanges(instruments, fields))
}

// WriteChanges implements InstrumentStore. Row updates run one statement
// per record; history rows go in with a single COPY.
func (s *PostgresStore) WriteChanges(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		if err := validateFields(c.Fields); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	updates := make([]db.RowUpdate, len(changes))
	history := make([][]any, len(changes))
	for i, c := range changes {
		inst := c.Instrument
		values := make([]any, 0, len(c.Fields)+1)
		for _, f := range c.Fields {
			switch f {
			case model.FieldNameTarget:
				values = append(values, inst.NameTarget)
			case model.FieldEnrichedText:
				values = append(values, inst.EnrichedText)
			case model.FieldEmbedding:
				values = append(values, toVector(inst.Embedding))
			}
		}
		updates[i] = db.RowUpdate{Key: inst.ID, Columns: append(fieldColumns(c.Fields), "updated_at"), Values: append(values, now)}
		history[i] = historyRow(inst, historyChanged, fieldColumns(c.Fields), now)
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := db.UpdateRows(ctx, tx, "instruments", "id", updates); err != nil {
			return eris.Wrap(err, "postgres: bulk write")
		}
		if _, err := db.CopyFrom(ctx, tx, "instrument_history", historyColumns, history); err != nil {
			return eris.Wrap(err, "postgres: bulk write history")
		}
		return nil
	})
}

func toVector(v []float32) *pgvector.Vector {
	if v == nil {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func scanPostgresInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var emb *pgvector.Vector
	err := row.Scan(&inst.ID, &inst.NameSource, &inst.NameVariant, &inst.NameTarget, &inst.EnrichedText, &emb, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan instrument")
	}
	if emb != nil {
		inst.Embedding = emb.Slice()
	}
	return &inst, nil
}

const (
	historyCreated = "+"
	historyChanged = "~"
)

var historyColumns = []string{
	"history_id", "instrument_id", "history_type", "changed_fields",
	"name_target", "enriched_text", "has_embedding", "history_date",
}

func historyRow(inst model.Instrument, kind string, changed []string, at time.Time) []any {
	return []any{
		uuid.New().String(), inst.ID, kind, changed,
		inst.NameTarget, inst.EnrichedText, inst.HasEmbedding(), at,
	}
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal params")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, params, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, paramsJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Params:    params,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunState(ctx context.Context, runID string, state model.JobState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run state %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, summary *model.Summary, runErr string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	status := model.RunStatusComplete
	if runErr != "" {
		status = model.RunStatusFailed
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET summary = $1, status = $2, error = $3, updated_at = $4 WHERE id = $5`,
		summaryJSON, string(status), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const runColumns = `id, params, status, state, summary, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var paramsJSON []byte
	var summaryJSON *[]byte
	var state string

	if err := row.Scan(&r.ID, &paramsJSON, &r.Status, &state, &summaryJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = model.JobState(state)
	if err := json.Unmarshal(paramsJSON, &r.Params); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal params")
	}
	if summaryJSON != nil {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal(*summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
