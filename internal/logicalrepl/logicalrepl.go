// Package logicalrepl implements the LOG_BASED replication strategy: a
// single wal2json replication session multiplexed across every LOG_BASED
// stream, plus the snapshot-then-switch-to-WAL bootstrap a stream without an
// `lsn` bookmark goes through first. Grounded on
// original_source/tap_postgres/sync_strategies/logical_replication.py in its
// entirety.
package logicalrepl

import (
	"context"
	"errors"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
)

// ErrUnsupportedPayloadKind is raised when a wal2json change object's `kind`
// is anything other than insert/update/delete -- most notably `truncate`,
// which wal2json emits but this engine does not translate into a RECORD.
var ErrUnsupportedPayloadKind = errors.New("unsupported wal2json payload kind")

// SchemaRefresher re-discovers a stream's schema when a wal2json payload
// references a column the engine does not yet know about, mutating the
// stream's JSONSchema/Metadata in place. Grounded on the external
// refresh_streams_schema collaborator spec.md §4.5 calls out by name; its
// implementation (a catalog re-discovery against the source database) is out
// of this package's scope.
type SchemaRefresher interface {
	RefreshStreamsSchema(ctx context.Context, stream *catalog.Stream) error
}

// ApplyAutomaticProperties adds the two columns every LOG_BASED stream's
// schema carries beyond what discovery reports: `_sdc_deleted_at` always,
// and `_sdc_lsn` when debugLSN is set. Grounded on add_automatic_properties
// in logical_replication.py. Safe to call more than once; a column already
// present is left untouched.
func ApplyAutomaticProperties(stream *catalog.Stream, debugLSN bool) {
	addAutomaticColumn(stream, "_sdc_deleted_at", map[string]interface{}{
		"type":   []interface{}{"null", "string"},
		"format": "date-time",
	})
	if debugLSN {
		addAutomaticColumn(stream, "_sdc_lsn", map[string]interface{}{
			"type": []interface{}{"null", "string"},
		})
	}
}

func addAutomaticColumn(stream *catalog.Stream, name string, schema map[string]interface{}) {
	props, _ := stream.JSONSchema["properties"].(map[string]interface{})
	if props == nil {
		props = make(map[string]interface{})
		stream.JSONSchema["properties"] = props
	}
	if _, exists := props[name]; exists {
		return
	}
	props[name] = schema

	order, _ := stream.JSONSchema["property_order"].([]string)
	stream.JSONSchema["property_order"] = append(order, name)

	stream.Metadata = append(stream.Metadata, catalog.RawMetadataEntry{
		Breadcrumb: []string{"properties", name},
		Metadata: map[string]interface{}{
			"inclusion": string(catalog.InclusionAutomatic),
			"selected":  true,
		},
	})
	stream.ResetMeta()
}
