package logicalrepl

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

// fakeRefresher simulates the external schema-discovery collaborator: it
// adds the requested new column as a selected, available-inclusion property
// and clears the stream's cached metadata.
type fakeRefresher struct {
	called    []string
	newColumn string
}

func (f *fakeRefresher) RefreshStreamsSchema(ctx context.Context, stream *catalog.Stream) error {
	f.called = append(f.called, stream.TapStreamID)
	props, _ := stream.JSONSchema["properties"].(map[string]interface{})
	props[f.newColumn] = map[string]interface{}{"type": []interface{}{"null", "string"}}
	stream.Metadata = append(stream.Metadata, catalog.RawMetadataEntry{
		Breadcrumb: []string{"properties", f.newColumn},
		Metadata:   map[string]interface{}{"sql-datatype": "text", "inclusion": "available", "selected": true},
	})
	stream.ResetMeta()
	return nil
}

func buildLogBasedStream() *catalog.Stream {
	return &catalog.Stream{
		TapStreamID: "public-events",
		TableName:   "events",
		SchemaName:  "public",
		JSONSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"id":           map[string]interface{}{"type": "integer"},
				"date_created": map[string]interface{}{"type": "string"},
			},
			"property_order": []string{"id", "date_created"},
		},
		Metadata: []catalog.RawMetadataEntry{
			{Breadcrumb: []string{}, Metadata: map[string]interface{}{
				"schema-name":         "public",
				"selected":            true,
				"replication-method":  "LOG_BASED",
				"table-key-properties": []interface{}{"id"},
			}},
			{Breadcrumb: []string{"properties", "id"}, Metadata: map[string]interface{}{
				"sql-datatype": "integer", "inclusion": "automatic", "selected": true,
			}},
			{Breadcrumb: []string{"properties", "date_created"}, Metadata: map[string]interface{}{
				"sql-datatype": "timestamp with time zone", "inclusion": "available", "selected": true,
			}},
		},
	}
}

func buildConsumer(cat *catalog.Catalog, store *bookmark.Store, emit wire.Emitter, refresh SchemaRefresher, debugLSN bool) *Consumer {
	return NewConsumer(cat, store, coerce.New(fakeRoundTripper{}), emit, refresh, debugLSN)
}

func TestConsumeInsertEmitsRecordAndStampsLSN(t *testing.T) {
	stream := buildLogBasedStream()
	cat := &catalog.Catalog{Streams: []*catalog.Stream{stream}}
	store := bookmark.NewStore()
	emit := &recordingEmitter{}
	c := buildConsumer(cat, store, emit, &fakeRefresher{}, false)

	payload := []byte(`{"kind":"insert","schema":"public","table":"events","columnnames":["id","date_created"],"columntypes":["integer","timestamp with time zone"],"columnvalues":[1,"2024-01-01T00:00:00Z"]}`)

	require.NoError(t, c.Consume(context.Background(), payload, 100, time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)))

	require.Len(t, emit.msgs, 1)
	rec := emit.msgs[0].(wire.RecordMessage)
	assert.Equal(t, "public-events", rec.Stream)
	assert.EqualValues(t, 1, rec.Record["id"])
	assert.Nil(t, rec.Record["_sdc_deleted_at"])
	assert.NotContains(t, rec.Record, "_sdc_lsn")
	assert.EqualValues(t, int64(100), store.Get("public-events", bookmark.KeyLSN))
}

func TestConsumeDeleteUsesOldKeysAndStampsDeletedAt(t *testing.T) {
	stream := buildLogBasedStream()
	cat := &catalog.Catalog{Streams: []*catalog.Stream{stream}}
	store := bookmark.NewStore()
	emit := &recordingEmitter{}
	c := buildConsumer(cat, store, emit, &fakeRefresher{}, true)

	extracted := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"kind":"delete","schema":"public","table":"events","oldkeys":{"keynames":["id"],"keyvalues":[7]}}`)

	require.NoError(t, c.Consume(context.Background(), payload, 200, extracted))

	require.Len(t, emit.msgs, 1)
	rec := emit.msgs[0].(wire.RecordMessage)
	assert.EqualValues(t, 7, rec.Record["id"])
	assert.Equal(t, extracted.Format(time.RFC3339Nano), rec.Record["_sdc_deleted_at"])
	assert.Equal(t, "200", rec.Record["_sdc_lsn"])
}

// TestConsumeSchemaDriftRefreshesAndIncludesNewColumn is spec.md §8
// scenario 3: a WAL payload referencing a column the stream doesn't know
// about triggers a refresh and the resulting RECORD includes it.
func TestConsumeSchemaDriftRefreshesAndIncludesNewColumn(t *testing.T) {
	stream := buildLogBasedStream()
	cat := &catalog.Catalog{Streams: []*catalog.Stream{stream}}
	store := bookmark.NewStore()
	emit := &recordingEmitter{}
	refresher := &fakeRefresher{newColumn: "new_col"}
	c := buildConsumer(cat, store, emit, refresher, false)

	payload := []byte(`{"kind":"insert","schema":"public","table":"events","columnnames":["id","date_created","new_col"],"columntypes":["integer","timestamp with time zone","text"],"columnvalues":[1,"2024-01-01T00:00:00Z","hello"]}`)

	require.NoError(t, c.Consume(context.Background(), payload, 300, time.Now()))

	assert.Equal(t, []string{"public-events"}, refresher.called)

	var sawSchema, sawRecord bool
	for _, m := range emit.msgs {
		switch msg := m.(type) {
		case wire.SchemaMessage:
			sawSchema = true
		case wire.RecordMessage:
			sawRecord = true
			assert.Equal(t, "hello", msg.Record["new_col"])
		}
	}
	assert.True(t, sawSchema, "expected a re-emitted SCHEMA after drift")
	assert.True(t, sawRecord)
}

// TestConsumeUnknownKindFails is spec.md §8 scenario 4.
func TestConsumeUnknownKindFails(t *testing.T) {
	stream := buildLogBasedStream()
	cat := &catalog.Catalog{Streams: []*catalog.Stream{stream}}
	store := bookmark.NewStore()
	emit := &recordingEmitter{}
	c := buildConsumer(cat, store, emit, &fakeRefresher{}, false)

	payload := []byte(`{"kind":"truncate","schema":"public","table":"events"}`)
	err := c.Consume(context.Background(), payload, 400, time.Now())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedPayloadKind)
	assert.Empty(t, emit.msgs)
}

func TestConsumeUnknownStreamIsSkipped(t *testing.T) {
	stream := buildLogBasedStream()
	cat := &catalog.Catalog{Streams: []*catalog.Stream{stream}}
	store := bookmark.NewStore()
	emit := &recordingEmitter{}
	c := buildConsumer(cat, store, emit, &fakeRefresher{}, false)

	payload := []byte(`{"kind":"insert","schema":"public","table":"unknown_table","columnnames":["id"],"columnvalues":[1]}`)
	require.NoError(t, c.Consume(context.Background(), payload, 500, time.Now()))
	assert.Empty(t, emit.msgs)
}

func TestConsumeMalformedChunkIsTolerated(t *testing.T) {
	stream := buildLogBasedStream()
	cat := &catalog.Catalog{Streams: []*catalog.Stream{stream}}
	store := bookmark.NewStore()
	emit := &recordingEmitter{}
	c := buildConsumer(cat, store, emit, &fakeRefresher{}, false)

	// A wal2json chunk continuation: the closing half of a split message,
	// preceded by the comma separating it from the prior change object.
	payload := []byte(`,"table":"events"}`)
	require.NoError(t, c.Consume(context.Background(), payload, 600, time.Now()))
	assert.Empty(t, emit.msgs)
}
