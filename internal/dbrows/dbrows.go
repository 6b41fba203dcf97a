// Package dbrows defines the minimal server-side query surface the
// snapshot, incremental, and time-based strategies scan rows through. It
// exists so each strategy package can depend on an interface rather than
// *pgx.Rows directly, the way internal/coerce depends on RoundTripper --
// letting tests drive an in-memory fake table instead of a live database.
package dbrows

import "context"

// Rows iterates a server-side result set. Satisfied by a thin adapter over
// pgx.Rows (see internal/orchestrator), matching the teacher's
// source-postgres/backfill.go pattern of pulling FieldDescriptions() plus
// Values() per row.
type Rows interface {
	Next() bool
	Values() ([]interface{}, error)
	FieldNames() []string
	Err() error
	Close()
}

// Querier executes a parameterized SELECT and returns an iterable Rows.
type Querier interface {
	QueryRows(ctx context.Context, sql string, args ...interface{}) (Rows, error)
}

// QueryScalar runs sql and returns the first column of the first row,
// for the single-value lookups (MIN/MAX/CAST ... + INTERVAL) the
// incremental strategies need.
func QueryScalar(ctx context.Context, q Querier, sql string, args ...interface{}) (interface{}, error) {
	rows, err := q.QueryRows(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals[0], nil
}
