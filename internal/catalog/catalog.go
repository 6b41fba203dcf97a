// Package catalog defines the stream descriptors and metadata shapes that
// the replication engine consumes. Catalog construction (discovery) is out
// of scope for this module -- a catalog is read from JSON produced by that
// collaborator and treated as an immutable-per-run input.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ReplicationMethod is one of the four per-stream strategies an operator
// may select.
type ReplicationMethod string

const (
	FullTable   ReplicationMethod = "FULL_TABLE"
	Incremental ReplicationMethod = "INCREMENTAL"
	LogBased    ReplicationMethod = "LOG_BASED"
	TimeBased   ReplicationMethod = "TIME_BASED"
)

// Inclusion describes whether discovery considers a column syncable.
type Inclusion string

const (
	InclusionAutomatic   Inclusion = "automatic"
	InclusionAvailable   Inclusion = "available"
	InclusionUnsupported Inclusion = "unsupported"
)

// Breadcrumb identifies a node in a stream's metadata tree: the empty
// breadcrumb refers to the table itself, and {"properties", col} refers to
// a single column.
type Breadcrumb [2]string

// TableBreadcrumb is the breadcrumb for table-level metadata.
var TableBreadcrumb = Breadcrumb{}

// ColumnBreadcrumb builds the breadcrumb for a column's metadata.
func ColumnBreadcrumb(column string) Breadcrumb {
	return Breadcrumb{"properties", column}
}

// MarshalText renders a breadcrumb the way the original tap's metadata.json
// does: ["properties","col"] or [] for the table node. Used only for
// debug/log output -- Metadata itself is keyed by the Breadcrumb directly.
func (b Breadcrumb) MarshalText() ([]byte, error) {
	if b == TableBreadcrumb {
		return []byte("[]"), nil
	}
	return []byte(fmt.Sprintf("[%q,%q]", b[0], b[1])), nil
}

// Metadata maps a breadcrumb to its key/value properties.
type Metadata map[Breadcrumb]map[string]interface{}

// Table returns the table-level metadata map (possibly nil).
func (m Metadata) Table() map[string]interface{} {
	return m[TableBreadcrumb]
}

// Column returns the metadata map for a single column (possibly nil).
func (m Metadata) Column(name string) map[string]interface{} {
	return m[ColumnBreadcrumb(name)]
}

// ReplicationMethod returns the table-level replication-method metadata key.
func (m Metadata) ReplicationMethod() ReplicationMethod {
	v, _ := m.Table()["replication-method"].(string)
	return ReplicationMethod(v)
}

// ReplicationKey returns the table-level replication-key metadata key.
func (m Metadata) ReplicationKey() string {
	v, _ := m.Table()["replication-key"].(string)
	return v
}

// ReplicationTimeInterval returns the TIME_BASED window width, e.g. "15 MINUTES".
func (m Metadata) ReplicationTimeInterval() string {
	v, _ := m.Table()["replication-time-interval"].(string)
	return v
}

// TableKeyProperties returns the table's primary key column names.
func (m Metadata) TableKeyProperties() []string {
	raw, ok := m.Table()["table-key-properties"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SchemaName returns the table-level schema-name metadata key.
func (m Metadata) SchemaName() string {
	v, _ := m.Table()["schema-name"].(string)
	return v
}

// IsSelected reports whether the table is selected for sync.
func (m Metadata) IsSelected() bool {
	v, _ := m.Table()["selected"].(bool)
	return v
}

// SQLDatatype returns a column's underlying PostgreSQL type, as reported by
// discovery (e.g. "timestamp with time zone", "numeric(10,2)", "integer[]").
func (m Metadata) SQLDatatype(column string) string {
	v, _ := m.Column(column)["sql-datatype"].(string)
	return v
}

// ColumnInclusion returns a column's inclusion classification.
func (m Metadata) ColumnInclusion(column string) Inclusion {
	v, _ := m.Column(column)["inclusion"].(string)
	return Inclusion(v)
}

// ColumnSelected reports whether a column is selected, either explicitly or
// because it is automatic (primary keys and replication keys are always
// synced regardless of the `selected` flag).
func (m Metadata) ColumnSelected(column string) bool {
	if m.ColumnInclusion(column) == InclusionAutomatic {
		return true
	}
	colMD := m.Column(column)
	if v, ok := colMD["selected"].(bool); ok {
		return v
	}
	v, _ := colMD["selected-by-default"].(bool)
	return v
}

// Stream is an immutable-per-run descriptor for one table.
type Stream struct {
	TapStreamID  string                 `json:"tap_stream_id"`
	TableName    string                 `json:"table_name"`
	SchemaName   string                 `json:"schema_name"`
	DatabaseName string                 `json:"database_name"`
	JSONSchema   map[string]interface{} `json:"schema"`
	Metadata     []RawMetadataEntry     `json:"metadata"`

	md Metadata // lazily built, see Meta()
}

// RawMetadataEntry is the wire shape of one metadata tree node, matching
// singer's `{"breadcrumb": [...], "metadata": {...}}` list-of-maps encoding.
type RawMetadataEntry struct {
	Breadcrumb []string               `json:"breadcrumb"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// ResetMeta clears the cached metadata tree, forcing the next Meta() call to
// rebuild it from Stream.Metadata. Needed after an external collaborator
// (e.g. a schema-drift refresh) mutates Metadata or JSONSchema in place.
func (s *Stream) ResetMeta() {
	s.md = nil
}

// Meta parses the wire-format metadata list into a breadcrumb-keyed map,
// caching the result on the Stream.
func (s *Stream) Meta() Metadata {
	if s.md != nil {
		return s.md
	}
	out := make(Metadata, len(s.Metadata))
	for _, entry := range s.Metadata {
		var bc Breadcrumb
		switch len(entry.Breadcrumb) {
		case 0:
			bc = TableBreadcrumb
		case 2:
			bc = Breadcrumb{entry.Breadcrumb[0], entry.Breadcrumb[1]}
		default:
			continue
		}
		out[bc] = entry.Metadata
	}
	s.md = out
	return out
}

// SelectedColumns returns the column names the engine should read and emit,
// in the schema's declared property order.
func (s *Stream) SelectedColumns() []string {
	md := s.Meta()
	props, _ := s.JSONSchema["properties"].(map[string]interface{})
	order, _ := s.JSONSchema["property_order"].([]string)
	if order == nil {
		// Every catalog writer in this tree sets property_order; this is
		// only reached for a hand-authored catalog that omits it, but
		// RECORD field order must still be deterministic across runs.
		for name := range props {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	var out []string
	for _, name := range order {
		if md.ColumnSelected(name) {
			out = append(out, name)
		}
	}
	return out
}

// ComputeTapStreamID builds the canonical "{schema}-{table}" stream
// identifier, matching post_db.compute_tap_stream_id in the original tap.
func ComputeTapStreamID(schema, table string) string {
	return fmt.Sprintf("%s-%s", schema, table)
}

// SplitTapStreamID reverses ComputeTapStreamID for the common case where
// neither schema nor table contains a literal "-" boundary ambiguity; callers
// that already know schema/table should prefer looking them up directly.
func SplitTapStreamID(id string) (schema, table string, ok bool) {
	idx := strings.Index(id, "-")
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// Catalog is the `{"streams": [...]}` envelope read from/written to disk.
type Catalog struct {
	Streams []*Stream `json:"streams"`
}

// LoadCatalog parses a catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for _, s := range c.Streams {
		if raw, ok := s.JSONSchema["property_order"].([]interface{}); ok {
			order := make([]string, 0, len(raw))
			for _, v := range raw {
				if name, ok := v.(string); ok {
					order = append(order, name)
				}
			}
			s.JSONSchema["property_order"] = order
		}
	}
	return &c, nil
}

// SelectedStreams returns the streams marked selected at the table level.
func (c *Catalog) SelectedStreams() []*Stream {
	var out []*Stream
	for _, s := range c.Streams {
		if s.Meta().IsSelected() {
			out = append(out, s)
		}
	}
	return out
}

// ByTableName looks up a selected stream by (schema, table), as used when
// demultiplexing wal2json payloads.
func (c *Catalog) ByTableName(schema, table string) *Stream {
	id := ComputeTapStreamID(schema, table)
	for _, s := range c.Streams {
		if s.TapStreamID == id && s.Meta().IsSelected() {
			return s
		}
	}
	return nil
}
