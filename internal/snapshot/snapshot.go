// Package snapshot implements the FULL_TABLE replication strategy: a single
// scan ordered by xmin::text::bigint, resumable via an xmin bookmark.
// Grounded on spec.md §4.3 and on the teacher's source-postgres/backfill.go
// for the "server-side query -> FieldDescriptions() -> column map" shape,
// adapted from a primary-key cursor to xmin ordering.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/dbrows"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

// Rows and Querier alias the shared dbrows interfaces so existing callers
// and tests in this package can keep referring to snapshot.Rows/Querier.
type Rows = dbrows.Rows
type Querier = dbrows.Querier

// stateInterval is how many records pass between interim STATE messages,
// per spec.md §4.3 ("every N records (N = 10,000)"). A var, not a const, so
// tests can shrink it the way the teacher's backfillChunkSize is a var for
// the same reason.
var stateInterval = 10000

// Strategy runs FULL_TABLE snapshots.
type Strategy struct {
	Query   Querier
	Coerce  *coerce.Coercer
	Emit    wire.Emitter
	Store   *bookmark.Store
	Now     func() time.Time
}

// New builds a Strategy, defaulting Now to time.Now.
func New(q Querier, c *coerce.Coercer, emit wire.Emitter, store *bookmark.Store) *Strategy {
	return &Strategy{Query: q, Coerce: c, Emit: emit, Store: store, Now: time.Now}
}

// Run performs one FULL_TABLE pass over stream, per spec.md §4.3's begin/per
// row/end sequence. It resumes from the stream's existing xmin bookmark, if
// any, and reuses the existing version, if any.
func (s *Strategy) Run(ctx context.Context, stream *catalog.Stream) error {
	streamID := stream.TapStreamID
	md := stream.Meta()
	columns := stream.SelectedColumns()

	version, isNewVersion := s.ensureVersion(streamID)

	if err := s.Emit.EmitSchema(wire.SchemaMessage{
		Stream:        streamID,
		Schema:        stream.JSONSchema,
		KeyProperties: md.TableKeyProperties(),
	}); err != nil {
		return err
	}
	s.Store.SetCurrentlySyncing(&streamID)
	if err := s.Store.Emit(s.Emit); err != nil {
		return err
	}
	// ACTIVATE_VERSION announces a version only once, the first time it is
	// assigned; a resumed run reuses the same version the downstream was
	// already told to activate.
	if isNewVersion {
		if err := s.Emit.EmitActivateVersion(wire.ActivateVersionMessage{
			Stream:  streamID,
			Version: version,
		}); err != nil {
			return err
		}
	}

	query, args := s.buildQuery(md.SchemaName(), stream.TableName, columns, streamID)
	rows, err := s.Query.QueryRows(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("snapshotting %q: %w", streamID, err)
	}
	defer rows.Close()

	processed := 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("reading row for %q: %w", streamID, err)
		}
		fieldNames := rows.FieldNames()

		record := make(map[string]interface{}, len(columns))
		var xminRaw interface{}
		for i, name := range fieldNames {
			if name == "xmin" {
				xminRaw = vals[i]
				continue
			}
			coerced, err := s.Coerce.Coerce(ctx, vals[i], md.SQLDatatype(name))
			if err != nil {
				return fmt.Errorf("coercing %q.%s: %w", streamID, name, err)
			}
			record[name] = coerced
		}

		if err := s.Emit.EmitRecord(wire.RecordMessage{
			Stream:        streamID,
			Record:        record,
			Version:       &version,
			TimeExtracted: wire.TimeExtractedNow(),
		}); err != nil {
			return err
		}

		xmin, err := toInt64(xminRaw)
		if err != nil {
			return fmt.Errorf("parsing xmin for %q: %w", streamID, err)
		}
		s.Store.Set(streamID, bookmark.KeyXmin, xmin)

		processed++
		if processed%stateInterval == 0 {
			logrus.WithFields(logrus.Fields{"stream": streamID, "processed": processed}).Debug("emitting interim snapshot state")
			if err := s.Store.Emit(s.Emit); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("snapshotting %q: %w", streamID, err)
	}

	s.Store.Delete(streamID, bookmark.KeyXmin)
	if err := s.Emit.EmitActivateVersion(wire.ActivateVersionMessage{
		Stream:  streamID,
		Version: version,
	}); err != nil {
		return err
	}
	s.Store.SetCurrentlySyncing(nil)
	return s.Store.Emit(s.Emit)
}

// ensureVersion returns the stream's recorded version and whether it was
// just freshly assigned (epoch-milliseconds) as opposed to reused from a
// prior run's bookmark.
func (s *Strategy) ensureVersion(streamID string) (int64, bool) {
	if v, ok := s.Store.Get(streamID, bookmark.KeyVersion).(int64); ok {
		return v, false
	}
	version := s.Now().UnixNano() / int64(time.Millisecond)
	s.Store.Set(streamID, bookmark.KeyVersion, version)
	return version, true
}

// buildQuery constructs the xmin-ordered SELECT, resuming from an existing
// xmin bookmark with `>=` (per spec.md §4.3, reprocessing the interrupted
// row rather than skipping past it).
func (s *Strategy) buildQuery(schemaName, tableName string, columns []string, streamID string) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT xmin::text::bigint AS xmin, %s FROM %s.%s",
		strings.Join(quoteIdents(columns), ", "), quoteIdent(schemaName), quoteIdent(tableName))

	var args []interface{}
	if xmin := s.Store.Get(streamID, bookmark.KeyXmin); xmin != nil {
		b.WriteString(" WHERE xmin::text::bigint >= $1")
		args = append(args, xmin)
	}
	b.WriteString(" ORDER BY xmin::text::bigint ASC")
	return b.String(), args
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// toInt64 accepts the handful of Go types a driver might hand back for the
// xmin::text::bigint projection (int64 directly, or a string if scanned as
// text) and normalizes to int64.
func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected xmin value type %T", v)
	}
}
