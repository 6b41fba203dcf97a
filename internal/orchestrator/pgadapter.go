// Package orchestrator wires the strategy packages to a live PostgreSQL
// connection and dispatches each selected stream to the strategy its
// replication-method metadata names, batching every LOG_BASED stream into a
// single replication session. Grounded on the teacher's RunCapture in
// source-postgres/capture.go for the "open connections, dispatch, close on
// every exit path" shape.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/dbrows"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/incremental"
)

// pgxRows adapts pgx.Rows to dbrows.Rows, the way backfill.go pulls
// FieldDescriptions()+Values() per row, translated to FieldNames().
type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool { return r.rows.Next() }

func (r *pgxRows) Values() ([]interface{}, error) { return r.rows.Values() }

func (r *pgxRows) FieldNames() []string {
	descs := r.rows.FieldDescriptions()
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = string(d.Name)
	}
	return out
}

func (r *pgxRows) Err() error { return r.rows.Err() }

func (r *pgxRows) Close() { r.rows.Close() }

// pgxQuerier adapts a *pgx.Conn to dbrows.Querier, used for both the
// snapshot and incremental strategies (dbrows.Querier is their shared
// server-side query surface).
type pgxQuerier struct {
	conn *pgx.Conn
}

// NewQuerier builds the shared row-scanning Querier every FULL_TABLE and
// INCREMENTAL strategy run reads through.
func NewQuerier(conn *pgx.Conn) dbrows.Querier {
	return &pgxQuerier{conn: conn}
}

func (q *pgxQuerier) QueryRows(ctx context.Context, sql string, args ...interface{}) (dbrows.Rows, error) {
	rows, err := q.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return &pgxRows{rows: rows}, nil
}

// windowQuerier adapts a *pgx.Conn to incremental.WindowQuerier, the extra
// min/max/next-boundary lookups TIME_BASED needs beyond plain row scanning.
type windowQuerier struct {
	conn *pgx.Conn
	rows dbrows.Querier
}

// NewWindowQuerier builds the TIME_BASED strategy's server-side query
// surface over conn.
func NewWindowQuerier(conn *pgx.Conn) incremental.WindowQuerier {
	return &windowQuerier{conn: conn, rows: NewQuerier(conn)}
}

func (w *windowQuerier) MinReplicationKey(ctx context.Context, schemaName, tableName, key string) (time.Time, error) {
	return w.scalarTime(ctx, fmt.Sprintf(`SELECT min(%s) FROM %s.%s`, quoteIdent(key), quoteIdent(schemaName), quoteIdent(tableName)))
}

func (w *windowQuerier) MaxReplicationKey(ctx context.Context, schemaName, tableName, key string) (time.Time, error) {
	return w.scalarTime(ctx, fmt.Sprintf(`SELECT max(%s) FROM %s.%s`, quoteIdent(key), quoteIdent(schemaName), quoteIdent(tableName)))
}

// NextReplicationKey asks the server to advance current by interval in its
// own clock arithmetic, matching fetch_next_replication_key's
// `SELECT $1::TYPE + INTERVAL $2` round trip rather than reimplementing
// calendar math client-side.
func (w *windowQuerier) NextReplicationKey(ctx context.Context, current time.Time, sqlType, interval string) (time.Time, error) {
	sql := fmt.Sprintf(`SELECT $1::%s + INTERVAL %s`, sqlType, quoteLiteral(interval))
	return w.scalarTimeArgs(ctx, sql, current)
}

// QueryWindow reads the half-open window [low, high) -- the upper bound is
// exclusive so that a row whose key lands exactly on a boundary is read by
// exactly one window, matching sync_table's own half-open iteration and
// NextReplicationKey's bound becoming the following window's low.
func (w *windowQuerier) QueryWindow(ctx context.Context, schemaName, tableName string, columns []string, key string, low, high time.Time) (incremental.Rows, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s.%s WHERE %s >= $1 AND %s < $2 ORDER BY %s ASC`,
		joinQuoted(columns), quoteIdent(schemaName), quoteIdent(tableName), quoteIdent(key), quoteIdent(key), quoteIdent(key))
	return w.rows.QueryRows(ctx, sql, low, high)
}

func (w *windowQuerier) scalarTime(ctx context.Context, sql string) (time.Time, error) {
	return w.scalarTimeArgs(ctx, sql)
}

func (w *windowQuerier) scalarTimeArgs(ctx context.Context, sql string, args ...interface{}) (time.Time, error) {
	var t time.Time
	if err := w.conn.QueryRow(ctx, sql, args...).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("executing %q: %w", sql, err)
	}
	return t, nil
}

// roundTripper adapts a *pgx.Conn to coerce.RoundTripper: the array-literal
// cast, hstore expansion, and fallback text cast every coercion the client
// can't do purely in Go funnels through, grounded on create_array_elem and
// create_hstore_elem in logical_replication.py.
type roundTripper struct {
	conn *pgx.Conn
}

// NewRoundTripper builds the coercer's server-side round-trip collaborator.
func NewRoundTripper(conn *pgx.Conn) *roundTripper {
	return &roundTripper{conn: conn}
}

func (rt *roundTripper) CastArrayLiteral(ctx context.Context, literal, castType string) (interface{}, error) {
	var out interface{}
	sql := fmt.Sprintf(`SELECT %s::%s`, quoteLiteral(literal), castType)
	if err := rt.conn.QueryRow(ctx, sql).Scan(&out); err != nil {
		return nil, fmt.Errorf("casting array literal to %s: %w", castType, err)
	}
	return out, nil
}

func (rt *roundTripper) HstoreToArray(ctx context.Context, literal string) ([]string, error) {
	var out []string
	sql := fmt.Sprintf(`SELECT hstore_to_array(%s::hstore)`, quoteLiteral(literal))
	if err := rt.conn.QueryRow(ctx, sql).Scan(&out); err != nil {
		return nil, fmt.Errorf("expanding hstore literal: %w", err)
	}
	return out, nil
}

func (rt *roundTripper) CastToText(ctx context.Context, literal string) (string, error) {
	var out string
	sql := fmt.Sprintf(`SELECT %s::text`, quoteLiteral(literal))
	if err := rt.conn.QueryRow(ctx, sql).Scan(&out); err != nil {
		return "", fmt.Errorf("casting literal to text: %w", err)
	}
	return out, nil
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}

func joinQuoted(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += quoteIdent(n)
	}
	return out
}

// quoteLiteral escapes a string for interpolation into a SQL literal by
// doubling every single quote. The round trips here quote source column
// values as read (array/hstore text and values of unrecognized types) and
// the catalog's time interval.
func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
