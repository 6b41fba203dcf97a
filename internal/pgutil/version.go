package pgutil

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPostgresVersion is returned when the source server is below
// the minimum version logical replication requires, or falls inside one of
// the known-bad WAL-decoding minor-version bands.
var ErrUnsupportedPostgresVersion = errors.New("unsupported postgresql version for logical replication")

// badVersionBand is a half-open [low, high) range of server_version_num
// values known to contain a WAL-decoding bug.
type badVersionBand struct {
	low, high int
	fixedIn   string
}

// badVersionBands is grounded on the minor-version gate in fetch_current_lsn
// (logical_replication.py), generalized per spec.md §4.5.
var badVersionBands = []badVersionBand{
	{90400, 90421, "9.4.21"},
	{90500, 90516, "9.5.16"},
	{90600, 90612, "9.6.12"},
	{100000, 100007, "10.7"},
	{110000, 110002, "11.2"},
}

// CheckReplicationSupported validates a server_version_num against the
// >= 9.4 floor and the known-bad minor-version bands.
func CheckReplicationSupported(versionNum int) error {
	if versionNum < 90400 {
		return fmt.Errorf("%w: logical replication requires PostgreSQL 9.4 or higher, detected %d", ErrUnsupportedPostgresVersion, versionNum)
	}
	for _, band := range badVersionBands {
		if versionNum >= band.low && versionNum < band.high {
			return fmt.Errorf("%w: PostgreSQL upgrade required to minor version %s (detected %d)", ErrUnsupportedPostgresVersion, band.fixedIn, versionNum)
		}
	}
	return nil
}

// CurrentLSNQuery returns the version-appropriate SQL to fetch the server's
// current WAL insert position, per fetch_current_lsn.
func CurrentLSNQuery(versionNum int) string {
	if versionNum >= 100000 {
		return "SELECT pg_current_wal_lsn()"
	}
	return "SELECT pg_current_xlog_location()"
}

// SupportsWalSenderTimeout reports whether the server is new enough (>= 12)
// to accept `SET SESSION wal_sender_timeout`.
func SupportsWalSenderTimeout(versionNum int) bool {
	return versionNum >= 120000
}
