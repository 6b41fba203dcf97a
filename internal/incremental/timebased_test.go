package incremental

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

// fakeWindowQuerier simulates a table with 4 rows spanning 10:40 to 12:12,
// the exact scenario from spec.md §8 scenario 5: a '15 MINUTES' interval
// over 4 rows.
type fakeWindowQuerier struct {
	rows []struct {
		at time.Time
		id int64
	}
}

func newFakeWindowQuerier() *fakeWindowQuerier {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(h, m int) time.Time { return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	w := &fakeWindowQuerier{}
	w.rows = []struct {
		at time.Time
		id int64
	}{
		{mk(10, 40), 1},
		{mk(11, 5), 2},
		{mk(11, 50), 3},
		{mk(12, 12), 4},
	}
	return w
}

func (w *fakeWindowQuerier) MinReplicationKey(ctx context.Context, schemaName, tableName, key string) (time.Time, error) {
	min := w.rows[0].at
	for _, r := range w.rows {
		if r.at.Before(min) {
			min = r.at
		}
	}
	return min, nil
}

func (w *fakeWindowQuerier) MaxReplicationKey(ctx context.Context, schemaName, tableName, key string) (time.Time, error) {
	max := w.rows[0].at
	for _, r := range w.rows {
		if r.at.After(max) {
			max = r.at
		}
	}
	return max, nil
}

func (w *fakeWindowQuerier) NextReplicationKey(ctx context.Context, current time.Time, sqlType, interval string) (time.Time, error) {
	return current.Add(15 * time.Minute), nil
}

func (w *fakeWindowQuerier) QueryWindow(ctx context.Context, schemaName, tableName string, columns []string, key string, low, high time.Time) (Rows, error) {
	var data [][]interface{}
	for _, r := range w.rows {
		if !r.at.Before(low) && r.at.Before(high) {
			data = append(data, []interface{}{r.at, r.id})
		}
	}
	return &fakeRows{fields: []string{"created_at", "id"}, data: data}, nil
}

func buildTimeBasedStream() *catalog.Stream {
	return &catalog.Stream{
		TapStreamID: "public-events",
		TableName:   "events",
		SchemaName:  "public",
		JSONSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"created_at": map[string]interface{}{"type": "string"},
				"id":         map[string]interface{}{"type": "integer"},
			},
			"property_order": []string{"created_at", "id"},
		},
		Metadata: []catalog.RawMetadataEntry{
			{Breadcrumb: []string{}, Metadata: map[string]interface{}{
				"schema-name":               "public",
				"selected":                  true,
				"replication-key":           "created_at",
				"replication-time-interval": "15 MINUTES",
			}},
			{Breadcrumb: []string{"properties", "created_at"}, Metadata: map[string]interface{}{
				"sql-datatype": "timestamp with time zone",
				"inclusion":    "automatic",
				"selected":     true,
			}},
			{Breadcrumb: []string{"properties", "id"}, Metadata: map[string]interface{}{
				"sql-datatype": "integer",
				"inclusion":    "automatic",
				"selected":     true,
			}},
		},
	}
}

func TestTimeBasedScansAllRowsInOrderAcrossWindows(t *testing.T) {
	stream := buildTimeBasedStream()
	store := bookmark.NewStore()
	window := newFakeWindowQuerier()
	coercer := coerce.New(fakeRoundTripper{})
	emit := &recordingEmitter{}

	strat := NewTimeBased(window, coercer, emit, store)
	require.NoError(t, strat.Run(context.Background(), stream))

	var ids []int64
	for _, m := range emit.msgs {
		if rec, ok := m.(wire.RecordMessage); ok {
			ids = append(ids, rec.Record["id"].(int64))
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	bookmarked, ok := store.Get("public-events", bookmark.KeyReplicationKeyValue).(string)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T12:12:00+00:00", bookmarked)
}
