package incremental

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

type fakeRoundTripper struct{}

func (fakeRoundTripper) CastArrayLiteral(ctx context.Context, literal, castType string) (interface{}, error) {
	return nil, errors.New("not implemented")
}
func (fakeRoundTripper) HstoreToArray(ctx context.Context, literal string) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (fakeRoundTripper) CastToText(ctx context.Context, literal string) (string, error) {
	return "", errors.New("not implemented")
}

type fakeRows struct {
	fields []string
	data   [][]interface{}
	idx    int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.data)
}
func (r *fakeRows) Values() ([]interface{}, error) { return r.data[r.idx-1], nil }
func (r *fakeRows) FieldNames() []string           { return r.fields }
func (r *fakeRows) Err() error                      { return nil }
func (r *fakeRows) Close()                          {}

// fakeQuerier simulates a 4-row table keyed by "id" = 1..4, honoring a
// `WHERE "id" >= $1` filter when one arg is supplied.
type fakeQuerier struct {
	lastQuery string
	lastArgs  []interface{}
}

func (q *fakeQuerier) QueryRows(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	q.lastQuery = sql
	q.lastArgs = args

	all := [][]interface{}{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}}
	var threshold int64 = -1
	if len(args) == 1 {
		threshold = args[0].(int64)
	}
	var data [][]interface{}
	for _, row := range all {
		if threshold < 0 || row[0].(int64) >= threshold {
			data = append(data, row)
		}
	}
	return &fakeRows{fields: []string{"id"}, data: data}, nil
}

func buildIncrementalStream() *catalog.Stream {
	return &catalog.Stream{
		TapStreamID: "public-events",
		TableName:   "events",
		SchemaName:  "public",
		JSONSchema: map[string]interface{}{
			"properties":     map[string]interface{}{"id": map[string]interface{}{"type": "integer"}},
			"property_order": []string{"id"},
		},
		Metadata: []catalog.RawMetadataEntry{
			{Breadcrumb: []string{}, Metadata: map[string]interface{}{
				"schema-name":      "public",
				"selected":         true,
				"replication-key":  "id",
			}},
			{Breadcrumb: []string{"properties", "id"}, Metadata: map[string]interface{}{
				"sql-datatype": "integer",
				"inclusion":    "automatic",
				"selected":     true,
			}},
		},
	}
}

type recordingEmitter struct{ msgs []interface{} }

func (e *recordingEmitter) EmitSchema(msg wire.SchemaMessage) error {
	e.msgs = append(e.msgs, msg)
	return nil
}
func (e *recordingEmitter) EmitRecord(msg wire.RecordMessage) error {
	e.msgs = append(e.msgs, msg)
	return nil
}
func (e *recordingEmitter) EmitState(msg wire.StateMessage) error {
	e.msgs = append(e.msgs, msg)
	return nil
}
func (e *recordingEmitter) EmitActivateVersion(msg wire.ActivateVersionMessage) error {
	e.msgs = append(e.msgs, msg)
	return nil
}

func TestIncrementalFreshRunScansEverything(t *testing.T) {
	stream := buildIncrementalStream()
	store := bookmark.NewStore()
	q := &fakeQuerier{}
	coercer := coerce.New(fakeRoundTripper{})
	emit := &recordingEmitter{}

	strat := New(q, coercer, emit, store)
	require.NoError(t, strat.Run(context.Background(), stream))

	var ids []int64
	for _, m := range emit.msgs {
		if rec, ok := m.(wire.RecordMessage); ok {
			ids = append(ids, rec.Record["id"].(int64))
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)
	assert.EqualValues(t, 4, store.Get("public-events", bookmark.KeyReplicationKeyValue))
	assert.NotContains(t, q.lastQuery, "WHERE")
}

func TestIncrementalResumesFromBookmarkInclusive(t *testing.T) {
	stream := buildIncrementalStream()
	store := bookmark.NewStore()
	store.Set("public-events", bookmark.KeyReplicationKeyValue, int64(2))
	q := &fakeQuerier{}
	coercer := coerce.New(fakeRoundTripper{})
	emit := &recordingEmitter{}

	strat := New(q, coercer, emit, store)
	require.NoError(t, strat.Run(context.Background(), stream))

	var ids []int64
	for _, m := range emit.msgs {
		if rec, ok := m.(wire.RecordMessage); ok {
			ids = append(ids, rec.Record["id"].(int64))
		}
	}
	assert.Equal(t, []int64{2, 3, 4}, ids)
	assert.Contains(t, q.lastQuery, "WHERE \"id\" >= $1")
}

func TestIncrementalAlwaysActivatesVersionEveryRun(t *testing.T) {
	stream := buildIncrementalStream()
	store := bookmark.NewStore()
	q := &fakeQuerier{}
	coercer := coerce.New(fakeRoundTripper{})
	emit := &recordingEmitter{}

	// Unlike FULL_TABLE, INCREMENTAL has no notion of a snapshot "completing",
	// so every run re-announces the (possibly reused) version.
	require.NoError(t, New(q, coercer, emit, store).Run(context.Background(), stream))
	require.NoError(t, New(q, coercer, emit, store).Run(context.Background(), stream))

	activations := 0
	var versions []int64
	for _, m := range emit.msgs {
		if av, ok := m.(wire.ActivateVersionMessage); ok {
			activations++
			versions = append(versions, av.Version)
		}
	}
	assert.Equal(t, 2, activations)
	assert.Equal(t, versions[0], versions[1])
}
