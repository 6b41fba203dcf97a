package pgutil

import "strings"

// TableRef is a (schema, table) pair to pass to wal2json's add-tables option.
type TableRef struct {
	Schema string
	Table  string
}

// EncodeWal2JSONFilter builds the comma-separated "add-tables" option value
// for wal2json: each entry is "{schema}.{table}", with space, comma, and
// single-quote characters backslash-escaped within each identifier.
// Grounded on spec.md §4.5's table-filter encoding rule; the original tap
// (logical_replication.py's ','.join(selected_tables)) does not escape at
// all, which this generalizes to handle identifiers containing those
// characters.
func EncodeWal2JSONFilter(tables []TableRef) string {
	entries := make([]string, len(tables))
	for i, t := range tables {
		entries[i] = escapeWal2JSONIdentifier(t.Schema) + "." + escapeWal2JSONIdentifier(t.Table)
	}
	return strings.Join(entries, ",")
}

var wal2jsonEscaper = strings.NewReplacer(
	`\`, `\\`,
	" ", `\ `,
	",", `\,`,
	"'", `\'`,
)

func escapeWal2JSONIdentifier(s string) string {
	return wal2jsonEscaper.Replace(s)
}

// DecodeWal2JSONFilter reverses EncodeWal2JSONFilter, for round-trip
// testing: it splits on unescaped commas, then unescapes each
// "schema.table" entry on its unescaped dot.
func DecodeWal2JSONFilter(encoded string) []TableRef {
	if encoded == "" {
		return nil
	}
	var out []TableRef
	for _, entry := range splitUnescaped(encoded, ',') {
		parts := splitUnescaped(entry, '.')
		if len(parts) != 2 {
			continue
		}
		out = append(out, TableRef{
			Schema: unescapeWal2JSONIdentifier(parts[0]),
			Table:  unescapeWal2JSONIdentifier(parts[1]),
		})
	}
	return out
}

// splitUnescaped splits s on sep, treating any sep or backslash immediately
// preceded by a backslash as a literal character rather than a delimiter.
func splitUnescaped(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == sep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

func unescapeWal2JSONIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
