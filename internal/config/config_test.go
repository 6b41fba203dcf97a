package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	r := strings.NewReader(`{"host":"db.internal","dbname":"analytics","user":"reader"}`)

	c, err := Load(r)
	require.NoError(t, err)

	assert.Equal(t, 30, c.ConnectTimeout)
	assert.Equal(t, 10800, c.LogicalPollTotalSeconds)
	assert.Equal(t, defaultPort, c.Port)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	r := strings.NewReader(`{
		"host":"db.internal","dbname":"analytics","user":"reader",
		"port":6543,"connect_timeout":5,"logical_poll_total_seconds":60,
		"secondary_host":"replica.internal","secondary_port":6544,
		"debug_lsn":true,"break_at_end_lsn":true,
		"tap_id":"tap-1","slot_name_prefix":"pw"
	}`)

	c, err := Load(r)
	require.NoError(t, err)

	assert.Equal(t, 6543, c.Port)
	assert.Equal(t, 5, c.ConnectTimeout)
	assert.Equal(t, 60, c.LogicalPollTotalSeconds)
	assert.True(t, c.DebugLSN)
	assert.True(t, c.BreakAtEndLSN)
	assert.Equal(t, "replica.internal", c.ScanHost())
	assert.Equal(t, 6544, c.ScanPort())
}

func TestScanHostFallsBackToPrimary(t *testing.T) {
	c := &Config{Host: "db.internal", Port: 5432}
	assert.Equal(t, "db.internal", c.ScanHost())
	assert.Equal(t, 5432, c.ScanPort())
}

func TestValidateRequiresConnectionProperties(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing host", Config{DBName: "d", User: "u", ConnectTimeout: 1, LogicalPollTotalSeconds: 1}},
		{"missing dbname", Config{Host: "h", User: "u", ConnectTimeout: 1, LogicalPollTotalSeconds: 1}},
		{"missing user", Config{Host: "h", DBName: "d", ConnectTimeout: 1, LogicalPollTotalSeconds: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.cfg.Validate())
		})
	}
}

func TestValidateRejectsNegativeMaxRunSeconds(t *testing.T) {
	c := Config{Host: "h", DBName: "d", User: "u", ConnectTimeout: 1, LogicalPollTotalSeconds: 1, MaxRunSeconds: -1}
	require.Error(t, c.Validate())
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load(strings.NewReader(`{not json`))
	require.Error(t, err)
}
