package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Dollar renders Postgres placeholders ($1, $2, ...).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders SQLite placeholders.
func Question(int) string { return "?" }

// RowUpdate sets Columns to Values on the row whose key column equals Key.
type RowUpdate struct {
	Key     any
	Columns []string
	Values  []any
}

// BuildUpdate renders an UPDATE touching only cols. The key is bound last.
func BuildUpdate(table, keyColumn string, cols []string, ph Placeholder) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", pgx.Identifier{c}.Sanitize(), ph(i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		identifier(table).Sanitize(),
		strings.Join(sets, ", "),
		pgx.Identifier{keyColumn}.Sanitize(),
		ph(len(cols)+1),
	)
}

// UpdateRows applies each update on q, usually a transaction. A row that no
// longer exists is an error so the caller's transaction can roll back.
func UpdateRows(ctx context.Context, q Querier, table, keyColumn string, updates []RowUpdate) (int64, error) {
	var total int64
	for _, u := range updates {
		if len(u.Columns) == 0 {
			continue
		}
		if len(u.Columns) != len(u.Values) {
			return total, eris.Errorf("db: update %s: %d columns but %d values", table, len(u.Columns), len(u.Values))
		}

		args := append(append(make([]any, 0, len(u.Values)+1), u.Values...), u.Key)
		tag, err := q.Exec(ctx, BuildUpdate(table, keyColumn, u.Columns, Dollar), args...)
		if err != nil {
			return total, eris.Wrapf(err, "db: update %s %v", table, u.Key)
		}
		if tag.RowsAffected() == 0 {
			return total, eris.Errorf("db: update %s: no row with %s = %v", table, keyColumn, u.Key)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
