// Package pgutil implements the small, pure PostgreSQL-specific helpers the
// replication engine needs: LSN integer conversion, the server version gate
// for logical replication, replication slot naming/location, and the
// wal2json table-filter encoding.
package pgutil

import (
	"fmt"
	"strconv"
	"strings"
)

// LSNToInt converts a PostgreSQL LSN string "HEX/HEX" to its 64-bit integer
// form, the representation used by every bookmark and comparison in this
// engine. Grounded on lsn_to_int in the original tap's
// logical_replication.py.
func LSNToInt(lsn string) (int64, error) {
	if lsn == "" {
		return 0, nil
	}
	parts := strings.SplitN(lsn, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed lsn %q: expected HEX/HEX", lsn)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", lsn, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", lsn, err)
	}
	return int64((hi << 32) | lo), nil
}

// IntToLSN converts the 64-bit integer form back to PostgreSQL's "HEX/HEX"
// textual LSN representation, used when sending feedback back to the
// server. Grounded on int_to_lsn in logical_replication.py.
func IntToLSN(v int64) string {
	if v == 0 {
		return "0/0"
	}
	u := uint64(v)
	hi := uint32(u >> 32)
	lo := uint32(u)
	return fmt.Sprintf("%X/%X", hi, lo)
}
