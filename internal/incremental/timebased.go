package incremental

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

// WindowQuerier is the server-side query surface the TIME_BASED strategy
// needs beyond plain row scanning: the min/max/next replication-key lookups
// grounded on fetch_min_replication_key / fetch_max_replication_key /
// fetch_next_replication_key in time_based.py. TIME_BASED is scoped, per
// spec.md, to a timestamp replication key, so every boundary value is a
// time.Time.
type WindowQuerier interface {
	MinReplicationKey(ctx context.Context, schemaName, tableName, key string) (time.Time, error)
	MaxReplicationKey(ctx context.Context, schemaName, tableName, key string) (time.Time, error)
	NextReplicationKey(ctx context.Context, current time.Time, sqlType, interval string) (time.Time, error)
	QueryWindow(ctx context.Context, schemaName, tableName string, columns []string, key string, low, high time.Time) (Rows, error)
}

// TimeBasedStrategy runs the TIME_BASED replication method: a sliding,
// fixed-width window over a timestamp replication key, from the bookmarked
// (or minimum) value up to and including the table's current maximum.
type TimeBasedStrategy struct {
	Window WindowQuerier
	Coerce *coerce.Coercer
	Emit   wire.Emitter
	Store  *bookmark.Store
	Now    func() time.Time
}

// NewTimeBased builds a TIME_BASED Strategy, defaulting Now to time.Now.
func NewTimeBased(w WindowQuerier, c *coerce.Coercer, emit wire.Emitter, store *bookmark.Store) *TimeBasedStrategy {
	return &TimeBasedStrategy{Window: w, Coerce: c, Emit: emit, Store: store, Now: time.Now}
}

// timeBookmarkLayouts are the formats fetchBookmarkTime tries, in order,
// covering the +00:00-suffixed ISO 8601 text this engine's own coercer
// produces (see internal/coerce's timestamp handling) plus plain RFC3339.
var timeBookmarkLayouts = []string{
	"2006-01-02T15:04:05.999999+00:00",
	"2006-01-02T15:04:05+00:00",
	time.RFC3339Nano,
	time.RFC3339,
}

func fetchBookmarkTime(store *bookmark.Store, streamID string) (time.Time, bool, error) {
	raw := store.Get(streamID, bookmark.KeyReplicationKeyValue)
	if raw == nil {
		return time.Time{}, false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("replication_key_value bookmark is %T, want string", raw)
	}
	var lastErr error
	for _, layout := range timeBookmarkLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, false, fmt.Errorf("parsing replication_key_value bookmark %q: %w", s, lastErr)
}

// Run performs one TIME_BASED pass over stream: SCHEMA, STATE,
// ACTIVATE_VERSION, then windows of width replication-time-interval from the
// starting key value through the table's current maximum.
func (s *TimeBasedStrategy) Run(ctx context.Context, stream *catalog.Stream) error {
	streamID := stream.TapStreamID
	md := stream.Meta()
	columns := stream.SelectedColumns()
	replKey := md.ReplicationKey()
	interval := md.ReplicationTimeInterval()
	sqlType := md.SQLDatatype(replKey)
	schemaName := md.SchemaName()

	version := ensureVersion(s.Store, streamID, s.Now)

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
	if err := s.Emit.EmitActivateVersion(wire.ActivateVersionMessage{Stream: streamID, Version: version}); err != nil {
		return err
	}

	low, hasBookmark, err := fetchBookmarkTime(s.Store, streamID)
	if err != nil {
		return err
	}
	if !hasBookmark {
		low, err = s.Window.MinReplicationKey(ctx, schemaName, stream.TableName, replKey)
		if err != nil {
			return fmt.Errorf("fetching min replication key for %q: %w", streamID, err)
		}
	}
	max, err := s.Window.MaxReplicationKey(ctx, schemaName, stream.TableName, replKey)
	if err != nil {
		return fmt.Errorf("fetching max replication key for %q: %w", streamID, err)
	}

	logrus.WithFields(logrus.Fields{"stream": streamID, "low": low, "max": max, "interval": interval}).
		Info("beginning time-based replication window scan")

	processed := 0
	for {
		lastIteration := low.After(max)

		high, err := s.Window.NextReplicationKey(ctx, low, sqlType, interval)
		if err != nil {
			return fmt.Errorf("computing next window bound for %q: %w", streamID, err)
		}

		rows, err := s.Window.QueryWindow(ctx, schemaName, stream.TableName, columns, replKey, low, high)
		if err != nil {
			return fmt.Errorf("scanning %q window [%s, %s): %w", streamID, low, high, err)
		}

		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return fmt.Errorf("reading row for %q: %w", streamID, err)
			}
			fieldNames := rows.FieldNames()

			record := make(map[string]interface{}, len(columns))
			var replKeyCoerced interface{}
			for i, name := range fieldNames {
				coerced, err := s.Coerce.Coerce(ctx, vals[i], md.SQLDatatype(name))
				if err != nil {
					rows.Close()
					return fmt.Errorf("coercing %q.%s: %w", streamID, name, err)
				}
				record[name] = coerced
				if name == replKey {
					replKeyCoerced = coerced
				}
			}

			if err := s.Emit.EmitRecord(wire.RecordMessage{
				Stream:        streamID,
				Record:        record,
				Version:       &version,
				TimeExtracted: wire.TimeExtractedNow(),
			}); err != nil {
				rows.Close()
				return err
			}

			s.Store.Set(streamID, bookmark.KeyReplicationKeyValue, replKeyCoerced)

			processed++
			if processed%stateInterval == 0 {
				if err := s.Store.Emit(s.Emit); err != nil {
					rows.Close()
					return err
				}
			}
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return fmt.Errorf("scanning %q window: %w", streamID, rowsErr)
		}

		if lastIteration {
			break
		}
		low = high
	}

	s.Store.SetCurrentlySyncing(nil)
	return s.Store.Emit(s.Emit)
}
