package pgutil

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSNRoundTrip(t *testing.T) {
	cases := []string{"0/0", "16/B374D848", "FF/1", "1/0", "A0B1C2D3/FFFFFFFF"}
	for _, lsn := range cases {
		n, err := LSNToInt(lsn)
		require.NoError(t, err)
		assert.Equal(t, lsn, IntToLSN(n), "round trip for %s", lsn)
	}
}

func TestLSNToIntMalformed(t *testing.T) {
	_, err := LSNToInt("not-an-lsn")
	assert.Error(t, err)
}

var slotNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

func TestGenerateSlotNameIsLowercaseAndSanitized(t *testing.T) {
	name := GenerateSlotName("My-DB", "Tap 1", "")
	assert.True(t, slotNamePattern.MatchString(name), "got %q", name)
	assert.LessOrEqual(t, len(name), 64)
	assert.Equal(t, "pipelinewise_my_db_tap_1", name)
}

func TestGenerateSlotNameIdempotent(t *testing.T) {
	first := GenerateSlotName("db", "tap", "prefix")
	second := GenerateSlotName("db", "tap", "prefix")
	assert.Equal(t, first, second)
}

func TestGenerateSlotNameTruncatesTo64Bytes(t *testing.T) {
	longDB := "a_very_long_database_name_that_keeps_going_and_going_and_going_forever"
	name := GenerateSlotName(longDB, "", "pipelinewise")
	assert.LessOrEqual(t, len(name), 64)
}

func TestCheckReplicationSupported(t *testing.T) {
	tests := []struct {
		version int
		wantErr bool
	}{
		{90300, true},
		{90400, true},  // inside bad 9.4 band
		{90421, false}, // fixed
		{90515, true},  // inside bad 9.5 band
		{90516, false},
		{90611, true}, // inside bad 9.6 band
		{90612, false},
		{100006, true}, // inside bad 10 band
		{100007, false},
		{110001, true}, // inside bad 11 band
		{110002, false},
		{140000, false},
	}
	for _, tc := range tests {
		err := CheckReplicationSupported(tc.version)
		if tc.wantErr {
			assert.Error(t, err, "version %d", tc.version)
		} else {
			assert.NoError(t, err, "version %d", tc.version)
		}
	}
}

func TestCurrentLSNQueryByVersion(t *testing.T) {
	assert.Equal(t, "SELECT pg_current_xlog_location()", CurrentLSNQuery(90400))
	assert.Equal(t, "SELECT pg_current_wal_lsn()", CurrentLSNQuery(100007))
}

func TestWal2JSONEncodingExamples(t *testing.T) {
	tables := []TableRef{
		{Schema: "public", Table: "Case Sensitive Table With Space"},
		{Schema: "public", Table: "table_with_comma_,"},
		{Schema: "public", Table: "table_with_quote_'"},
	}
	got := EncodeWal2JSONFilter(tables)
	want := `public.Case\ Sensitive\ Table\ With\ Space,public.table_with_comma_\,,public.table_with_quote_\'`
	assert.Equal(t, want, got)
}

func TestWal2JSONEncodeDecodeRoundTrip(t *testing.T) {
	tables := []TableRef{
		{Schema: "public", Table: "Case Sensitive Table With Space"},
		{Schema: "public", Table: "table_with_comma_,"},
		{Schema: "public", Table: "table_with_quote_'"},
		{Schema: "other schema", Table: "plain"},
	}
	encoded := EncodeWal2JSONFilter(tables)
	decoded := DecodeWal2JSONFilter(encoded)
	assert.Equal(t, tables, decoded)
}
