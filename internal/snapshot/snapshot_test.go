package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

// fakeRoundTripper is never exercised by these tests (no array/hstore/
// unknown-type columns), but Coerce requires a non-nil RoundTripper.
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

// fakeRows iterates a fixed in-memory row set.
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

// fakeQuerier simulates the xmin-ordered table {xmin: 10,20,30; id: 1,2,3},
// honoring a `WHERE xmin::text::bigint >= $1` filter when one arg is given.
type fakeQuerier struct {
	lastQuery string
	lastArgs  []interface{}
}

func (q *fakeQuerier) QueryRows(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	q.lastQuery = sql
	q.lastArgs = args

	all := [][]interface{}{
		{int64(10), int64(1)},
		{int64(20), int64(2)},
		{int64(30), int64(3)},
	}
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
	return &fakeRows{fields: []string{"xmin", "id"}, data: data}, nil
}

func buildStream() *catalog.Stream {
	s := &catalog.Stream{
		TapStreamID: "public-widgets",
		TableName:   "widgets",
		SchemaName:  "public",
		JSONSchema: map[string]interface{}{
			"properties":     map[string]interface{}{"id": map[string]interface{}{"type": "integer"}},
			"property_order": []string{"id"},
		},
		Metadata: []catalog.RawMetadataEntry{
			{Breadcrumb: []string{}, Metadata: map[string]interface{}{
				"schema-name":          "public",
				"selected":             true,
				"table-key-properties": []interface{}{"id"},
			}},
			{Breadcrumb: []string{"properties", "id"}, Metadata: map[string]interface{}{
				"sql-datatype": "integer",
				"inclusion":    "automatic",
				"selected":     true,
			}},
		},
	}
	return s
}

// recordingEmitter captures every emitted message in order and can be told
// to fail on a specific 1-indexed call number, simulating a downstream
// writer that throws mid-stream.
type recordingEmitter struct {
	msgs   []interface{}
	failAt int
	calls  int
}

func (e *recordingEmitter) checkFail() error {
	e.calls++
	if e.failAt > 0 && e.calls == e.failAt {
		return errors.New("injected writer failure")
	}
	return nil
}

func (e *recordingEmitter) EmitSchema(msg wire.SchemaMessage) error {
	if err := e.checkFail(); err != nil {
		return err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}
func (e *recordingEmitter) EmitRecord(msg wire.RecordMessage) error {
	if err := e.checkFail(); err != nil {
		return err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}
func (e *recordingEmitter) EmitState(msg wire.StateMessage) error {
	if err := e.checkFail(); err != nil {
		return err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}
func (e *recordingEmitter) EmitActivateVersion(msg wire.ActivateVersionMessage) error {
	if err := e.checkFail(); err != nil {
		return err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}

func TestFullTableInterruptAndResume(t *testing.T) {
	orig := stateInterval
	stateInterval = 1
	defer func() { stateInterval = orig }()

	stream := buildStream()
	store := bookmark.NewStore()
	q := &fakeQuerier{}
	coercer := coerce.New(fakeRoundTripper{})
	fixedNow := func() time.Time { return time.Unix(1700000000, 0) }

	// First run: fails right after RECORD#2 (call #7: schema, state, activate,
	// record1, state, record2, <state fails here>).
	emit1 := &recordingEmitter{failAt: 7}
	strat1 := New(q, coercer, emit1, store)
	strat1.Now = fixedNow

	err := strat1.Run(context.Background(), stream)
	require.Error(t, err)
	require.Len(t, emit1.msgs, 6)

	_, isSchema := emit1.msgs[0].(wire.SchemaMessage)
	assert.True(t, isSchema)

	firstState := emit1.msgs[1].(wire.StateMessage)
	assert.Nil(t, firstState.Value.Bookmarks["public-widgets"]["xmin"])

	activate := emit1.msgs[2].(wire.ActivateVersionMessage)
	assert.Equal(t, "public-widgets", activate.Stream)
	version := activate.Version

	rec1 := emit1.msgs[3].(wire.RecordMessage)
	assert.Equal(t, int64(1), rec1.Record["id"])
	require.NotNil(t, rec1.Version)
	assert.Equal(t, version, *rec1.Version)

	state1 := emit1.msgs[4].(wire.StateMessage)
	assert.EqualValues(t, 10, state1.Value.Bookmarks["public-widgets"]["xmin"])

	rec2 := emit1.msgs[5].(wire.RecordMessage)
	assert.Equal(t, int64(2), rec2.Record["id"])

	// The restart resumes from the bookmark the interrupted run left behind:
	// xmin had already advanced to RECORD#2's xmin (20) when the STATE write
	// after RECORD#2 failed, so the resumed `>=` scan re-emits RECORD#2 first.
	resumedStore := store

	// Second run resumes from that bookmark: same version, xmin=20.
	emit2 := &recordingEmitter{}
	strat2 := New(q, coercer, emit2, resumedStore)
	strat2.Now = fixedNow

	err = strat2.Run(context.Background(), stream)
	require.NoError(t, err)
	require.Len(t, emit2.msgs, 8)

	_, isSchema = emit2.msgs[0].(wire.SchemaMessage)
	assert.True(t, isSchema)

	resumeState := emit2.msgs[1].(wire.StateMessage)
	assert.EqualValues(t, 20, resumeState.Value.Bookmarks["public-widgets"]["xmin"])

	rec2Again := emit2.msgs[2].(wire.RecordMessage)
	assert.Equal(t, int64(2), rec2Again.Record["id"])
	assert.Equal(t, version, *rec2Again.Version)

	stateAfterRec2 := emit2.msgs[3].(wire.StateMessage)
	assert.EqualValues(t, 20, stateAfterRec2.Value.Bookmarks["public-widgets"]["xmin"])

	rec3 := emit2.msgs[4].(wire.RecordMessage)
	assert.Equal(t, int64(3), rec3.Record["id"])

	stateAfterRec3 := emit2.msgs[5].(wire.StateMessage)
	assert.EqualValues(t, 30, stateAfterRec3.Value.Bookmarks["public-widgets"]["xmin"])

	finalActivate := emit2.msgs[6].(wire.ActivateVersionMessage)
	assert.Equal(t, version, finalActivate.Version)

	finalState := emit2.msgs[7].(wire.StateMessage)
	assert.Nil(t, finalState.Value.Bookmarks["public-widgets"]["xmin"])

	assert.Equal(t, "SELECT xmin::text::bigint AS xmin, \"id\" FROM \"public\".\"widgets\" WHERE xmin::text::bigint >= $1 ORDER BY xmin::text::bigint ASC", q.lastQuery)
}

func TestFullTableFreshRunAssignsVersionOnce(t *testing.T) {
	stream := buildStream()
	store := bookmark.NewStore()
	q := &fakeQuerier{}
	coercer := coerce.New(fakeRoundTripper{})
	emit := &recordingEmitter{}
	strat := New(q, coercer, emit, store)

	require.NoError(t, strat.Run(context.Background(), stream))

	versionFirst, ok := store.Get("public-widgets", bookmark.KeyVersion).(int64)
	require.True(t, ok)

	emit2 := &recordingEmitter{}
	strat2 := New(q, coercer, emit2, store)
	require.NoError(t, strat2.Run(context.Background(), stream))

	versionSecond, ok := store.Get("public-widgets", bookmark.KeyVersion).(int64)
	require.True(t, ok)
	assert.Equal(t, versionFirst, versionSecond)
}
