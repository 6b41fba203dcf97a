// Package coerce implements the value-coercion layer every replication
// strategy funnels through: coerce(value, sql_datatype) -> json_value. It is
// total over all (value, type) pairs a conforming PostgreSQL source can
// produce, per spec.md §4.1.
package coerce

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgtype"
	"github.com/shopspring/decimal"
)

// RoundTripper performs the two server-side round trips the coercer cannot
// do purely client-side: casting an array literal through a safe
// text-preserving type so its elements can be re-parsed, and expanding an
// hstore literal via hstore_to_array(). Grounded on create_array_elem and
// create_hstore_elem in the original tap's logical_replication.py.
type RoundTripper interface {
	// CastArrayLiteral executes `SELECT $literal$::castType` and returns the
	// parsed array (nested []interface{} for multi-dimensional arrays,
	// scalars at the leaves).
	CastArrayLiteral(ctx context.Context, literal, castType string) (interface{}, error)
	// HstoreToArray executes `SELECT hstore_to_array($literal$)` and returns
	// the flat key/value sequence.
	HstoreToArray(ctx context.Context, literal string) ([]string, error)
	// CastToText executes `SELECT $literal$::text` for any type the coercer
	// does not otherwise recognize.
	CastToText(ctx context.Context, literal string) (string, error)
}

// Coercer applies the coercion rules of spec.md §4.1.
type Coercer struct {
	RoundTrip RoundTripper
}

// New builds a Coercer backed by the given RoundTripper.
func New(rt RoundTripper) *Coercer {
	return &Coercer{RoundTrip: rt}
}

// arrayCastType maps an array sql_datatype to the safe text-preserving cast
// type used to re-parse its literal, grounded on the datatype table in
// create_array_elem (logical_replication.py).
var arrayCastType = map[string]string{
	"bit[]":                       "boolean[]",
	"boolean[]":                   "boolean[]",
	"character varying[]":        "character varying[]",
	"cidr[]":                      "cidr[]",
	"citext[]":                    "text[]",
	"date[]":                      "text[]",
	"double precision[]":          "double precision[]",
	"hstore[]":                    "text[]",
	"integer[]":                   "integer[]",
	"inet[]":                      "inet[]",
	"json[]":                      "text[]",
	"jsonb[]":                     "text[]",
	"macaddr[]":                   "macaddr[]",
	"money[]":                     "text[]",
	"numeric[]":                   "text[]",
	"real[]":                      "real[]",
	"smallint[]":                  "smallint[]",
	"text[]":                      "text[]",
	"time without time zone[]":    "text[]",
	"time with time zone[]":       "text[]",
	"timestamp with time zone[]":  "text[]",
	"timestamp without time zone[]": "text[]",
	"uuid[]":                      "text[]",
}

// Coerce maps a PostgreSQL-typed value to its canonical wire-JSON
// representation. value is nil for SQL NULL.
func (c *Coercer) Coerce(ctx context.Context, value interface{}, sqlDatatype string) (interface{}, error) {
	if strings.Contains(sqlDatatype, "[]") {
		return c.coerceArray(ctx, value, sqlDatatype)
	}
	return c.coerceScalar(ctx, value, sqlDatatype)
}

// coerceArray re-parses the element via a server round trip, then maps the
// scalar rule over elements, preserving nested list structure. Grounded on
// selected_value_to_singer_value / selected_array_to_singer_value.
func (c *Coercer) coerceArray(ctx context.Context, value interface{}, sqlDatatype string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	literal, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("coerce %s: expected array literal as string, got %T", sqlDatatype, value)
	}
	castType, ok := arrayCastType[sqlDatatype]
	if !ok {
		castType = "text[]"
	}
	parsed, err := c.RoundTrip.CastArrayLiteral(ctx, literal, castType)
	if err != nil {
		return nil, fmt.Errorf("casting array literal for %s: %w", sqlDatatype, err)
	}
	return c.coerceArrayElement(ctx, parsed, sqlDatatype)
}

func (c *Coercer) coerceArrayElement(ctx context.Context, elem interface{}, sqlDatatype string) (interface{}, error) {
	if list, ok := elem.([]interface{}); ok {
		out := make([]interface{}, len(list))
		for i, e := range list {
			v, err := c.coerceArrayElement(ctx, e, sqlDatatype)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return c.coerceScalar(ctx, elem, strings.TrimSuffix(sqlDatatype, "[]"))
}

// coerceScalar implements the non-array rules of the spec.md §4.1 table,
// grounded on selected_value_to_singer_value_impl.
func (c *Coercer) coerceScalar(ctx context.Context, value interface{}, sqlDatatype string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	base := strings.TrimSuffix(sqlDatatype, "[]")

	switch {
	case base == "json" || base == "jsonb":
		return coerceJSON(value)
	case base == "timestamp without time zone":
		return coerceTimestampWithoutTZ(value)
	case base == "timestamp with time zone":
		return coerceTimestampWithTZ(value)
	case base == "date":
		return coerceDate(value)
	case base == "time with time zone":
		return coerceTimeWithTZ(value)
	case base == "time without time zone":
		return coerceTimeWithoutTZ(value)
	case base == "bit":
		return coerceBit(value), nil
	case base == "boolean":
		return value, nil
	case base == "hstore":
		return c.coerceHstore(ctx, value)
	case strings.Contains(base, "numeric"):
		return coerceNumeric(value)
	}

	switch value.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return value, nil
	case float32, float64:
		return value, nil
	case string:
		return value, nil
	}

	// Anything else is rendered as text via a server-side cast, per the
	// "any other" row of spec.md §4.1's table.
	literal := fmt.Sprintf("%v", value)
	text, err := c.RoundTrip.CastToText(ctx, literal)
	if err != nil {
		return nil, fmt.Errorf("casting %s value to text: %w", sqlDatatype, err)
	}
	return text, nil
}

func coerceJSON(value interface{}) (interface{}, error) {
	var raw []byte
	switch v := value.(type) {
	case pgtype.JSON:
		if v.Status != pgtype.Present {
			return nil, nil
		}
		raw = v.Bytes
	case pgtype.JSONB:
		if v.Status != pgtype.Present {
			return nil, nil
		}
		raw = v.Bytes
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return value, nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing json/jsonb value: %w", err)
	}
	return out, nil
}

func coerceBit(value interface{}) bool {
	switch v := value.(type) {
	case string:
		return v == "1"
	case bool:
		return v
	default:
		return false
	}
}

func coerceNumeric(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case pgtype.Numeric:
		return coerceNumericFromPgtype(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parsing numeric value %q: %w", v, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return nil, fmt.Errorf("coercing numeric value: unsupported type %T", value)
	}
}

// coerceNumericFromPgtype decodes pgx's native numeric representation
// directly off its Int/Exp pair (value = Int * 10^Exp) rather than
// round-tripping through its text encoding, the way CastArrayLiteral/
// CastToText do for types pgx can't decode natively.
func coerceNumericFromPgtype(v pgtype.Numeric) (interface{}, error) {
	switch v.Status {
	case pgtype.Null:
		return nil, nil
	case pgtype.Undefined:
		return nil, fmt.Errorf("coercing numeric value: undefined pgtype status")
	}
	if v.NaN {
		return nil, fmt.Errorf("coercing numeric value: NaN is not representable")
	}
	if v.InfinityModifier != pgtype.None {
		return nil, fmt.Errorf("coercing numeric value: infinite values are not representable")
	}
	return decimal.NewFromBigInt(v.Int, v.Exp), nil
}

func (c *Coercer) coerceHstore(ctx context.Context, value interface{}) (interface{}, error) {
	literal, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("coercing hstore value: expected string literal, got %T", value)
	}
	flat, err := c.RoundTrip.HstoreToArray(ctx, literal)
	if err != nil {
		return nil, fmt.Errorf("expanding hstore via hstore_to_array: %w", err)
	}
	out := make(map[string]interface{}, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out, nil
}
