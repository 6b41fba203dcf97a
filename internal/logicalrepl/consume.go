package logicalrepl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

// walChange is one wal2json change object. With the `write-in-chunks: 1`
// option (spec.md §4.5's stream-start options), the server emits one of
// these per WAL message rather than batching a transaction's changes into a
// single "change" array, so a replication message's payload decodes
// directly into this shape rather than a wrapper.
type walChange struct {
	Kind         string        `json:"kind"`
	Schema       string        `json:"schema"`
	Table        string        `json:"table"`
	ColumnNames  []string      `json:"columnnames"`
	ColumnTypes  []string      `json:"columntypes"`
	ColumnValues []interface{} `json:"columnvalues"`
	OldKeys      *oldKeys      `json:"oldkeys"`
}

type oldKeys struct {
	KeyNames  []string      `json:"keynames"`
	KeyTypes  []string      `json:"keytypes"`
	KeyValues []interface{} `json:"keyvalues"`
}

// Consumer applies consume()'s five steps to a stream of wal2json payloads,
// grounded on consume_message in logical_replication.py.
type Consumer struct {
	Catalog  *catalog.Catalog
	Store    *bookmark.Store
	Coerce   *coerce.Coercer
	Emit     wire.Emitter
	Refresh  SchemaRefresher
	DebugLSN bool
	Now      func() time.Time
}

// NewConsumer builds a Consumer, defaulting Now to time.Now.
func NewConsumer(cat *catalog.Catalog, store *bookmark.Store, c *coerce.Coercer, emit wire.Emitter, refresh SchemaRefresher, debugLSN bool) *Consumer {
	return &Consumer{Catalog: cat, Store: store, Coerce: c, Emit: emit, Refresh: refresh, DebugLSN: debugLSN, Now: time.Now}
}

// Consume processes one replication message's payload at the given LSN.
// Per spec.md §4.5/§7, a malformed-JSON payload (a wal2json chunk
// continuation) and a payload naming a stream the catalog does not know
// about are both tolerated silently; only an unrecognized `kind` is an
// error.
func (c *Consumer) Consume(ctx context.Context, payload []byte, lsn int64, timeExtracted time.Time) error {
	trimmed := bytes.TrimLeft(payload, " \t\r\n,")
	if len(trimmed) == 0 {
		return nil
	}

	var change walChange
	if err := json.Unmarshal(trimmed, &change); err != nil {
		return nil
	}

	stream := c.Catalog.ByTableName(change.Schema, change.Table)
	if stream == nil {
		return nil
	}

	switch change.Kind {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("%w: %q (stream %s)", ErrUnsupportedPayloadKind, change.Kind, stream.TapStreamID)
	}

	if change.Kind != "delete" && hasNewColumns(stream, change.ColumnNames) {
		if err := c.Refresh.RefreshStreamsSchema(ctx, stream); err != nil {
			return fmt.Errorf("refreshing schema for %q after drift: %w", stream.TapStreamID, err)
		}
		if err := c.Emit.EmitSchema(wire.SchemaMessage{
			Stream:        stream.TapStreamID,
			Schema:        stream.JSONSchema,
			KeyProperties: stream.Meta().TableKeyProperties(),
		}); err != nil {
			return err
		}
	}

	md := stream.Meta()

	// names and values are built through one helper in every branch so they
	// stay positionally aligned regardless of kind or debug_lsn -- the
	// column-name/column-value alignment bug spec.md §9 flags in the
	// original source.
	names := make([]string, 0, len(change.ColumnNames)+2)
	values := make([]interface{}, 0, len(change.ColumnValues)+2)

	switch change.Kind {
	case "insert", "update":
		for i, name := range change.ColumnNames {
			if !md.ColumnSelected(name) {
				continue
			}
			var v interface{}
			if i < len(change.ColumnValues) {
				v = change.ColumnValues[i]
			}
			names, values = appendColumn(names, values, name, v)
		}
	case "delete":
		if change.OldKeys != nil {
			for i, name := range change.OldKeys.KeyNames {
				if !md.ColumnSelected(name) {
					continue
				}
				var v interface{}
				if i < len(change.OldKeys.KeyValues) {
					v = change.OldKeys.KeyValues[i]
				}
				names, values = appendColumn(names, values, name, v)
			}
		}
	}

	var deletedAt interface{}
	if change.Kind == "delete" {
		deletedAt = timeExtracted.UTC().Format(time.RFC3339Nano)
	}
	names, values = appendColumn(names, values, "_sdc_deleted_at", deletedAt)
	if c.DebugLSN {
		names, values = appendColumn(names, values, "_sdc_lsn", strconv.FormatInt(lsn, 10))
	}

	record := make(map[string]interface{}, len(names))
	for i, name := range names {
		if name == "_sdc_deleted_at" || name == "_sdc_lsn" {
			record[name] = values[i]
			continue
		}
		coerced, err := c.Coerce.Coerce(ctx, values[i], md.SQLDatatype(name))
		if err != nil {
			return fmt.Errorf("coercing %q.%s: %w", stream.TapStreamID, name, err)
		}
		record[name] = coerced
	}

	version := c.ensureVersion(stream.TapStreamID)
	if err := c.Emit.EmitRecord(wire.RecordMessage{
		Stream:        stream.TapStreamID,
		Record:        record,
		Version:       &version,
		TimeExtracted: timeExtracted.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	c.Store.Set(stream.TapStreamID, bookmark.KeyLSN, lsn)
	return nil
}

// appendColumn keeps names and values growing in lockstep.
func appendColumn(names []string, values []interface{}, name string, value interface{}) ([]string, []interface{}) {
	return append(names, name), append(values, value)
}

// hasNewColumns reports whether any of columnNames is absent from stream's
// currently known properties.
func hasNewColumns(stream *catalog.Stream, columnNames []string) bool {
	props, _ := stream.JSONSchema["properties"].(map[string]interface{})
	for _, name := range columnNames {
		if _, ok := props[name]; !ok {
			return true
		}
	}
	return false
}

func (c *Consumer) ensureVersion(streamID string) int64 {
	if v, ok := c.Store.Get(streamID, bookmark.KeyVersion).(int64); ok {
		return v
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	version := now().UnixNano() / int64(time.Millisecond)
	c.Store.Set(streamID, bookmark.KeyVersion, version)
	return version
}
